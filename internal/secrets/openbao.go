package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	vault "github.com/openbao/openbao/api/v2"

	"buildline/internal/config"
	blog "buildline/internal/log"
)

// OpenBaoResolver reads secrets from a KV v2 mount. Each secret id is a path
// under the mount whose "value" field holds the secret.
type OpenBaoResolver struct {
	client   *vault.Client
	mount    string
	roleID   string
	secretID string
	stopCh   chan struct{}
	stopOnce sync.Once
	tokenMu  sync.RWMutex
	logger   *slog.Logger
}

// NewOpenBaoResolver connects with cfg.Token, or logs in with AppRole when a
// role id is set. AppRole tokens are kept fresh in the background until Stop.
func NewOpenBaoResolver(cfg config.OpenBaoConfig, logger *slog.Logger) (*OpenBaoResolver, error) {
	if cfg.Addr == "" {
		return nil, errors.New("openbao address cannot be empty")
	}
	if cfg.Token == "" && cfg.RoleID == "" {
		return nil, errors.New("openbao needs a token or an approle role_id")
	}
	if cfg.RoleID != "" && cfg.SecretID == "" {
		return nil, errors.New("openbao approle secret_id cannot be empty")
	}

	vc := vault.DefaultConfig()
	vc.Address = cfg.Addr
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("create openbao client: %w", err)
	}

	r := &OpenBaoResolver{
		client:   client,
		mount:    cfg.Mount,
		roleID:   cfg.RoleID,
		secretID: cfg.SecretID,
		stopCh:   make(chan struct{}),
		logger:   blog.Or(logger, "secrets"),
	}
	if r.mount == "" {
		r.mount = "buildline"
	}
	if cfg.RoleID == "" {
		client.SetToken(cfg.Token)
		return r, nil
	}
	if err := authenticateAppRole(client, cfg.RoleID, cfg.SecretID); err != nil {
		return nil, err
	}
	go r.tokenRenewalLoop()
	return r, nil
}

func authenticateAppRole(client *vault.Client, roleID, secretID string) error {
	resp, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("approle login: %w", err)
	}
	if resp == nil || resp.Auth == nil {
		return errors.New("approle login returned no auth info")
	}
	client.SetToken(resp.Auth.ClientToken)
	return nil
}

func (r *OpenBaoResolver) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *OpenBaoResolver) tokenRenewalLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.ensureValidToken(context.Background()); err != nil {
				r.logger.Error("openbao token renewal failed", "err", err)
			}
		}
	}
}

// ensureValidToken renews a token close to expiry and logs in again when
// the token is gone.
func (r *OpenBaoResolver) ensureValidToken(ctx context.Context) error {
	r.tokenMu.Lock()
	defer r.tokenMu.Unlock()

	info, err := r.client.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil || info == nil || info.Data == nil {
		r.logger.Warn("token lookup failed, logging in again", "err", err)
		return authenticateAppRole(r.client, r.roleID, r.secretID)
	}
	ttl, err := info.TokenTTL()
	if err != nil {
		return authenticateAppRole(r.client, r.roleID, r.secretID)
	}
	if ttl >= 5*time.Minute {
		return nil
	}
	renewed, err := r.client.Auth().Token().RenewSelfWithContext(ctx, 3600)
	if err != nil || renewed == nil || renewed.Auth == nil {
		r.logger.Warn("token renewal failed, logging in again", "err", err)
		return authenticateAppRole(r.client, r.roleID, r.secretID)
	}
	r.logger.Debug("token renewed", "ttl_seconds", renewed.Auth.LeaseDuration)
	return nil
}

func (r *OpenBaoResolver) Resolve(ctx context.Context, ref string) (string, error) {
	id, err := ID(ref)
	if err != nil {
		return "", err
	}
	r.tokenMu.RLock()
	defer r.tokenMu.RUnlock()

	sec, err := r.client.KVv2(r.mount).Get(ctx, id)
	if errors.Is(err, vault.ErrSecretNotFound) {
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", id, err)
	}
	if sec == nil || sec.Data == nil {
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	v, ok := sec.Data["value"].(string)
	if !ok {
		return "", fmt.Errorf("secret %s has no string value field", id)
	}
	return v, nil
}
