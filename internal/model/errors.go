package model

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"buildline/internal/config"
)

// ConfigError aggregates every problem found while building a model. Nothing
// from a document that fails with ConfigError is activated.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid config: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid config (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Load reads the document at path and builds its model. Decode and
// validation failures are reported as a *ConfigError; a missing file keeps
// config.ErrNotFound.
func Load(path string) (*Model, error) {
	doc, err := config.Load(path)
	if err != nil {
		var verr *config.ValidationError
		switch {
		case errors.As(err, &verr):
			return nil, &ConfigError{Problems: verr.Problems}
		case errors.Is(err, config.ErrNotFound), errors.Is(err, fs.ErrPermission):
			return nil, err
		default:
			return nil, &ConfigError{Problems: []string{err.Error()}}
		}
	}
	return New(doc)
}

func (e *ConfigError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ConfigError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// UnknownBuildTypeError is returned when a build type id is not in the model.
type UnknownBuildTypeError struct {
	ID string
}

func (e *UnknownBuildTypeError) Error() string {
	return fmt.Sprintf("unknown build type %s", e.ID)
}

// ParamError reports an invalid parameter value supplied at submission time.
type ParamError struct {
	Name   string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("param %s: %s", e.Name, e.Reason)
}
