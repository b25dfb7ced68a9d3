package workflow

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// SecretStore resolves secret names to values. Storage itself lives outside
// the engine.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// ErrSecretNotFound is returned for unknown secret names.
var ErrSecretNotFound = fmt.Errorf("secret not found")

// StaticSecretStore serves secrets from memory.
type StaticSecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewStaticSecretStore copies secrets into a new store.
func NewStaticSecretStore(secrets map[string]string) *StaticSecretStore {
	s := &StaticSecretStore{secrets: make(map[string]string, len(secrets))}
	for k, v := range secrets {
		s.secrets[k] = v
	}
	return s
}

// Set adds or replaces a secret.
func (s *StaticSecretStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

func (s *StaticSecretStore) GetSecret(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

// EnvSecretStore reads secrets from environment variables named
// Prefix + upper-cased secret name, with '-' and '.' mapped to '_'.
type EnvSecretStore struct {
	Prefix string
}

func (s EnvSecretStore) GetSecret(_ context.Context, name string) (string, error) {
	key := s.Prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("%w: %s (env %s)", ErrSecretNotFound, name, key)
	}
	return v, nil
}

// resolveSecrets maps each placeholder of an action node to its secret value.
func resolveSecrets(ctx context.Context, store SecretStore, mapping map[string]string) (map[string]string, error) {
	if len(mapping) == 0 {
		return nil, nil
	}
	if store == nil {
		return nil, fmt.Errorf("node requires secrets but no secret store is configured")
	}
	out := make(map[string]string, len(mapping))
	for placeholder, name := range mapping {
		v, err := store.GetSecret(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("secret %q: %w", placeholder, err)
		}
		out[placeholder] = v
	}
	return out, nil
}
