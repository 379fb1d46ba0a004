package secrets

import (
	"context"
	"fmt"
)

// StaticResolver serves secrets from a fixed map keyed by secret id.
type StaticResolver map[string]string

func (s StaticResolver) Resolve(_ context.Context, ref string) (string, error) {
	id, err := ID(ref)
	if err != nil {
		return "", err
	}
	v, ok := s[id]
	if !ok {
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return v, nil
}
