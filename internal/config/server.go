package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Server holds runtime settings for bl serve, read from BUILDLINE_SERVER_*.
type Server struct {
	ListenAddr     string        `env:"LISTEN_ADDR, default=127.0.0.1:8111"`
	Workspace      string        `env:"WORKSPACE, default=."`
	ConfigPath     string        `env:"CONFIG"`
	BasePath       string        `env:"BASE_PATH, default=/app/rest"`
	JWTSecret      string        `env:"JWT_SECRET"`
	JWTIssuer      string        `env:"JWT_ISSUER"`
	JWTAudience    string        `env:"JWT_AUDIENCE"`
	Workers        int           `env:"WORKERS, default=2"`
	TriggerWorkers int           `env:"TRIGGER_WORKERS, default=2"`
	PollInterval   time.Duration `env:"POLL_INTERVAL, default=2s"`
	PruneInterval  time.Duration `env:"PRUNE_INTERVAL, default=1h"`
	LogLevel       string        `env:"LOG_LEVEL, default=info"`
	Agent          Agent         `env:",prefix=AGENT_"`
	Secrets        Secrets       `env:",prefix=SECRETS_"`
}

// Agent selects where claimed builds are sent. With no URL builds are
// handed to the no-op agent.
type Agent struct {
	ID    string `env:"ID, default=local"`
	URL   string `env:"URL"`
	Token string `env:"TOKEN"`
}

type Secrets struct {
	Provider string            `env:"PROVIDER, default=sqlite"`
	// Static maps secret ids (the part after credentialsJSON:) to values.
	Static   map[string]string `env:"STATIC"`
	OpenBao  OpenBaoConfig     `env:",prefix=OPENBAO_"`
}

type OpenBaoConfig struct {
	Addr     string `env:"ADDR"`
	Token    string `env:"TOKEN"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=buildline"`
}

const serverEnvPrefix = "BUILDLINE_SERVER_"

// LoadServer reads server settings from the process environment.
func LoadServer(ctx context.Context) (*Server, error) {
	return LoadServerFrom(ctx, envconfig.OsLookuper())
}

// LoadServerFrom reads server settings through l, which is wrapped with the
// BUILDLINE_SERVER_ prefix.
func LoadServerFrom(ctx context.Context, l envconfig.Lookuper) (*Server, error) {
	var cfg Server
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(serverEnvPrefix, l),
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
