package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"movie-pipeline/internal/config"
	"movie-pipeline/internal/pipeline"
	"movie-pipeline/internal/secrets"
	"movie-pipeline/internal/storage"
	"movie-pipeline/internal/store"
	"movie-pipeline/internal/warehouse"
)

// environment holds the resources a command works against.
type environment struct {
	store  *store.Store
	wh     *warehouse.DuckDB
	runner *pipeline.Runner
}

func openEnvironment(ctx context.Context, cfg *config.Config) (*environment, error) {
	for _, p := range []string{cfg.State.Path, cfg.Warehouse.Path} {
		if err := ensureDir(p); err != nil {
			return nil, err
		}
	}

	st, err := store.Open(ctx, cfg.State.Path)
	if err != nil {
		return nil, err
	}
	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sec, err := secrets.New(cfg.Secrets)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	wh, err := warehouse.Open(ctx, cfg.Warehouse.Path)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	runner := pipeline.NewRunner(cfg, pipeline.Deps{Store: st, Storage: blobs, Warehouse: wh, Secrets: sec})
	return &environment{store: st, wh: wh, runner: runner}, nil
}

func (e *environment) Close() error {
	return errors.Join(e.wh.Close(), e.store.Close())
}

// ensureDir creates the parent directory of a database file.
func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}
