// Package secrets resolves named credentials without the pipeline knowing
// where they are kept.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a provider has no value for a secret name.
var ErrNotFound = errors.New("secret not found")

// Provider looks up a secret by name.
type Provider interface {
	Secret(ctx context.Context, name string) (string, error)
}

// Env reads secrets from environment variables. The name "tmdb-api-key"
// with prefix "PIPELINE_SECRET_" maps to PIPELINE_SECRET_TMDB_API_KEY.
type Env struct {
	Prefix string
}

func (e Env) Secret(_ context.Context, name string) (string, error) {
	key := e.Prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s (env %s)", ErrNotFound, name, key)
	}
	return v, nil
}

// Dir reads each secret from a file of the same name, as mounted by
// container orchestrators.
type Dir struct {
	Path string
}

func (d Dir) Secret(_ context.Context, name string) (string, error) {
	if strings.ContainsAny(name, `/\`) || name == ".." {
		return "", fmt.Errorf("invalid secret name %q", name)
	}
	b, err := os.ReadFile(filepath.Join(d.Path, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Static serves secrets from a fixed map.
type Static map[string]string

func (s Static) Secret(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// Config selects a provider.
type Config struct {
	Provider string `koanf:"provider" validate:"omitempty,oneof=env file"`
	Prefix   string `koanf:"prefix"`
	Dir      string `koanf:"dir"`
}

// New builds the provider named by cfg.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "env":
		return Env{Prefix: cfg.Prefix}, nil
	case "file":
		if cfg.Dir == "" {
			return nil, errors.New("secrets.dir is required for the file provider")
		}
		return Dir{Path: cfg.Dir}, nil
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Provider)
	}
}
