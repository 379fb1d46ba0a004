// Package secrets resolves credentialsJSON: references held by password
// params into their values at dispatch time.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"buildline/internal/model"
)

var (
	ErrNotFound   = errors.New("secret not found")
	ErrInvalidRef = errors.New("not a credentialsJSON: reference")
	ErrInvalidID  = errors.New("secret id must be letters, digits, '-', '_' or '.'")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Resolver turns a reference into the secret value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Stopper is implemented by resolvers holding background work.
type Stopper interface {
	Stop()
}

var (
	_ = []Resolver{
		StaticResolver{},
		&SqliteStore{},
		&OpenBaoResolver{},
		Chain{},
	}
)

// ID returns the id part of ref.
func ID(ref string) (string, error) {
	if !model.IsReference(ref) {
		return "", ErrInvalidRef
	}
	id := strings.TrimPrefix(ref, model.SecretPrefix)
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

// Chain asks each resolver in turn and returns the first hit.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, ref string) (string, error) {
	for _, r := range c {
		v, err := r.Resolve(ctx, ref)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%s: %w", ref, ErrNotFound)
}

// ResolveParams returns the effective values of ps with every password
// reference replaced by its secret. Empty password values stay empty.
func ResolveParams(ctx context.Context, r Resolver, ps model.Params) (map[string]string, error) {
	out := ps.Values()
	for _, name := range ps.Names() {
		p := ps[name]
		if !p.Secret() || p.Value == "" {
			continue
		}
		if r == nil {
			return nil, fmt.Errorf("param %s: no secrets resolver configured", name)
		}
		v, err := r.Resolve(ctx, p.Value)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
