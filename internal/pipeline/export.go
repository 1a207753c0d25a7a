package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"movie-pipeline/internal/logging"
	"movie-pipeline/internal/model"
	"movie-pipeline/internal/storage"
	"movie-pipeline/internal/warehouse"
	"movie-pipeline/pkg/utils"
)

// ExportResult represents the result of an export operation
type ExportResult struct {
	Table       string    `json:"table"`
	Version     string    `json:"version"`
	Path        string    `json:"path"`
	URL         string    `json:"url,omitempty"`
	RecordCount int64     `json:"record_count"`
	Existing    bool      `json:"existing"` // this version was exported before
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	ExportedAt  time.Time `json:"exported_at"`
}

// TableSource reads published tables.
type TableSource interface {
	Lookup(ctx context.Context, name string) (model.DerivedTable, bool, error)
	ExportVersion(ctx context.Context, t model.DerivedTable, w io.Writer) (int64, error)
}

// ExportManager copies published tables to object storage as JSONL, one
// object per table version.
type ExportManager struct {
	store  storage.Storage
	tables TableSource
	layout utils.Layout
	log    zerolog.Logger
}

func NewExportManager(store storage.Storage, tables TableSource, layout utils.Layout) *ExportManager {
	return &ExportManager{store: store, tables: tables, layout: layout, log: logging.Component("export")}
}

// Export writes the current version of table unless that version is
// already in storage.
func (m *ExportManager) Export(ctx context.Context, table string) (ExportResult, error) {
	res := ExportResult{Table: table, ExportedAt: time.Now().UTC()}
	fail := func(err error) (ExportResult, error) {
		res.Error = err.Error()
		return res, err
	}

	t, ok, err := m.tables.Lookup(ctx, table)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(fmt.Errorf("export %s: %w", table, warehouse.ErrUnknownTable))
	}
	res.Version = t.Version
	res.Path = m.layout.ExportKey(table, t.Version)

	exists, err := m.store.Exists(ctx, res.Path)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrStorageUnavailable, err))
	}
	if exists {
		res.Existing = true
		res.RecordCount = t.RowCount
	} else {
		var buf bytes.Buffer
		// rows come from t's physical table so they always match res.Path
		n, err := m.tables.ExportVersion(ctx, t, &buf)
		if err != nil {
			return fail(fmt.Errorf("export %s: %w", table, err))
		}
		if err := m.store.Upload(ctx, res.Path, &buf); err != nil {
			return fail(fmt.Errorf("%w: upload %s: %w", ErrStorageUnavailable, res.Path, err))
		}
		res.RecordCount = n
	}

	if u, err := m.store.URL(ctx, res.Path); err == nil {
		res.URL = u
	}
	res.Success = true
	m.log.Info().Str("table", table).Str("path", res.Path).Int64("records", res.RecordCount).Bool("existing", res.Existing).Msg("table exported")
	return res, nil
}

// ExportAll exports every table and joins the failures.
func (m *ExportManager) ExportAll(ctx context.Context, tables []string) ([]ExportResult, error) {
	results := make([]ExportResult, 0, len(tables))
	var errs []error
	for _, table := range tables {
		res, err := m.Export(ctx, table)
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}
