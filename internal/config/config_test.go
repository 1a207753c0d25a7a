package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  addr: ":9090"
storage:
  provider: local
  local:
    base_path: /tmp/landing
sources:
  - name: movies
    url: https://api.themoviedb.org/3/discover/movie
    params:
      language: en-US
      sort_by: popularity.desc
    auth:
      secret: tmdb-api-key
    rate_limit:
      requests: 40
      window: 10s
    retry:
      max_attempts: 4
      initial_delay: 500ms
      max_delay: 10s
      backoff_multiplier: 2
transforms:
  - name: stg_movies
    inputs: [raw_movies]
    sql: SELECT id FROM raw_movies
  - name: top_movies
    inputs: [stg_movies]
    sql_file: sql/top_movies.sql
exports: [top_movies]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sql"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sql", "top_movies.sql"), []byte("SELECT * FROM stg_movies LIMIT 10"), 0o600))
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "/tmp/landing", cfg.Storage.Local.BasePath)
	require.Len(t, cfg.Sources, 1)

	src := cfg.Sources[0]
	assert.Equal(t, "movies", src.Name)
	assert.Equal(t, "en-US", src.Params["language"])
	assert.Equal(t, "id", src.IDField)
	assert.Equal(t, "page", src.Pagination.Mode)
	assert.Equal(t, 1, src.Pagination.StartPage)
	assert.Equal(t, "query", src.Auth.Mode)
	assert.Equal(t, "api_key", src.Auth.Param)
	assert.Equal(t, 10*time.Second, src.RateLimit.Window)
	assert.Equal(t, 4, src.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, src.Retry.InitialDelay)
	assert.Equal(t, 30*time.Second, src.Timeout)

	require.Len(t, cfg.Transforms, 2)
	assert.Equal(t, "SELECT * FROM stg_movies LIMIT 10", cfg.Transforms[1].SQL)
	assert.Equal(t, []string{"top_movies"}, cfg.Exports)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "local", cfg.Storage.Provider)
	assert.Equal(t, 8, cfg.Concurrency.Workers.Landing)
	assert.Equal(t, "10m", cfg.Concurrency.JobTimeout)
	assert.Empty(t, cfg.Sources)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PIPELINE_SERVER__ADDR", ":7070")
	t.Setenv("PIPELINE_LOGGING__LEVEL", "debug")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad source name", `
sources:
  - name: "movies-v2"
    url: https://example.com
`},
		{"bad url", `
sources:
  - name: movies
    url: not a url
`},
		{"duplicate transform", `
transforms:
  - {name: a, sql: SELECT 1}
  - {name: a, sql: SELECT 2}
`},
		{"empty sql", `
transforms:
  - {name: a}
`},
		{"bad pagination mode", `
sources:
  - name: movies
    url: https://example.com
    pagination:
      mode: offset
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestSourceLookup(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	_, ok := cfg.Source("movies")
	assert.True(t, ok)
	_, ok = cfg.Source("series")
	assert.False(t, ok)
	assert.True(t, IsIdentifier("raw_movies"))
	assert.False(t, IsIdentifier("raw-movies"))
}
