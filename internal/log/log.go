package log

import (
	"context"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
)

// NewHandler returns a slog handler that writes to stderr with the given
// component prefix.
func NewHandler(name string) slog.Handler {
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           log.Level(levelFromEnv()),
	})
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name))
}

// ParseLevel maps debug/info/warn/error to a slog level. Unknown names
// fall back to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

var level = slog.LevelInfo

// SetLevel changes the level used by loggers created afterwards.
func SetLevel(l slog.Level) {
	level = l
}

func levelFromEnv() slog.Level {
	if v := os.Getenv("BUILDLINE_LOG_LEVEL"); v != "" {
		return ParseLevel(v)
	}
	return level
}

func NewContext(ctx context.Context, name string) context.Context {
	return IntoContext(ctx, New(name))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to
// pull the logger out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns a logger from a context.Context;
// if the passed context is nil, we return the default slog
// logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		v := ctx.Value(ctxKey{})
		if v == nil {
			return slog.Default()
		}
		return v.(*slog.Logger)
	}

	return slog.Default()
}

// SubLogger derives a logger whose prefix is the base prefix plus suffix,
// e.g. "buildline/queue".
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	if base == nil {
		return New(suffix)
	}
	if cl, ok := base.Handler().(*log.Logger); ok {
		prefix := cl.GetPrefix()
		if prefix != "" {
			prefix = prefix + "/" + suffix
		} else {
			prefix = suffix
		}
		return slog.New(NewHandler(prefix))
	}
	return base.With("component", suffix)
}

// Or returns l when set and a fresh component logger otherwise.
func Or(l *slog.Logger, name string) *slog.Logger {
	if l != nil {
		return l
	}
	return New(name)
}
