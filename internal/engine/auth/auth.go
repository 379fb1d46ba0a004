package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"buildline/internal/domain"
	"buildline/internal/repo"
)

// AuthError means the caller could not be identified.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// Principal is the authenticated caller.
type Principal struct {
	ID     string
	Source string
}

// TokenPrefix starts every opaque access token.
const TokenPrefix = "bl_"

// Service authenticates bearer tokens: HS256 JWTs signed with JWTSecret, or
// opaque access tokens stored hashed in the database.
type Service struct {
	Repo        repo.Repo
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	Now         func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type claims struct {
	jwt.RegisteredClaims
}

// Authenticate resolves token to a principal. Any failure is an *AuthError;
// the reason is for logs, not for clients.
func (s Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, &AuthError{Reason: "token required"}
	}
	if strings.HasPrefix(token, TokenPrefix) {
		return s.authenticateOpaque(ctx, token)
	}
	return s.authenticateJWT(token)
}

func (s Service) authenticateJWT(token string) (Principal, error) {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return Principal{}, &AuthError{Reason: "jwt secret not configured"}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(s.JWTIssuer))
	}
	if s.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(s.JWTAudience))
	}
	c := &claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return []byte(s.JWTSecret), nil
	})
	if err != nil {
		return Principal{}, &AuthError{Reason: err.Error()}
	}
	if !parsed.Valid {
		return Principal{}, &AuthError{Reason: "invalid token"}
	}
	if c.Subject == "" {
		return Principal{}, &AuthError{Reason: "subject claim required"}
	}
	return Principal{ID: c.Subject, Source: "jwt"}, nil
}

func (s Service) authenticateOpaque(ctx context.Context, token string) (Principal, error) {
	tok, err := s.Repo.GetTokenByHash(ctx, repo.HashToken(token))
	if errors.Is(err, repo.ErrNotFound) {
		return Principal{}, &AuthError{Reason: "unknown access token"}
	}
	if err != nil {
		return Principal{}, err
	}
	if err := s.Repo.TouchToken(ctx, tok.ID, s.now()); err != nil {
		return Principal{}, err
	}
	return Principal{ID: tok.Principal, Source: "access_token"}, nil
}

// SignJWT issues an HS256 token for subject, valid for ttl (no expiry when
// ttl is zero).
func (s Service) SignJWT(subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := s.now()
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  subject,
		Issuer:   s.JWTIssuer,
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if s.JWTAudience != "" {
		c.Audience = jwt.ClaimStrings{s.JWTAudience}
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(s.JWTSecret))
}

// IssueToken creates an opaque access token for principal. The plain token
// is only ever returned here; the database keeps its hash.
func (s Service) IssueToken(ctx context.Context, principal, name string) (string, domain.AccessToken, error) {
	if strings.TrimSpace(principal) == "" {
		return "", domain.AccessToken{}, errors.New("principal required")
	}
	plain := TokenPrefix + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	tok := domain.AccessToken{
		ID:        uuid.NewString(),
		Principal: principal,
		Name:      name,
		TokenHash: repo.HashToken(plain),
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertToken(ctx, nil, tok); err != nil {
		return "", domain.AccessToken{}, fmt.Errorf("store token: %w", err)
	}
	return plain, tok, nil
}

func (s Service) ListTokens(ctx context.Context, principal string) ([]domain.AccessToken, error) {
	return s.Repo.ListTokens(ctx, principal)
}

func (s Service) RevokeToken(ctx context.Context, id string) error {
	return s.Repo.DeleteToken(ctx, id)
}
