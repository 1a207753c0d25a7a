package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("PIPELINE_SECRET_TMDB_API_KEY", "k-123")
	p := Env{Prefix: "PIPELINE_SECRET_"}

	v, err := p.Secret(context.Background(), "tmdb-api-key")
	require.NoError(t, err)
	assert.Equal(t, "k-123", v)

	_, err = p.Secret(context.Background(), "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirProvider(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tmdb-api-key"), []byte("abc\n"), 0o600))
	p := Dir{Path: dir}

	v, err := p.Secret(context.Background(), "tmdb-api-key")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	_, err = p.Secret(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = p.Secret(context.Background(), "../etc/passwd")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, Env{}, p)

	_, err = New(Config{Provider: "file"})
	assert.Error(t, err)

	p, err = New(Config{Provider: "file", Dir: "/run/secrets"})
	require.NoError(t, err)
	assert.Equal(t, Dir{Path: "/run/secrets"}, p)

	_, err = New(Config{Provider: "vault"})
	assert.Error(t, err)
}
