package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"movie-pipeline/internal/logging"
	"movie-pipeline/internal/model"
	"movie-pipeline/internal/storage"
	"movie-pipeline/pkg/utils"
)

// RecordLoader is the part of the warehouse the source loader publishes to.
type RecordLoader interface {
	CurrentVersion(ctx context.Context, name string) (string, bool, error)
	LoadRecords(ctx context.Context, name, version string, records []model.StoredRecord) (model.DerivedTable, error)
}

// LoadResult describes one raw table publication.
type LoadResult struct {
	Source    string             `json:"source"`
	Table     model.DerivedTable `json:"table"`
	Unchanged bool               `json:"unchanged"`
}

// SourceLoader publishes everything landed for a source as raw_<source>.
type SourceLoader struct {
	store   storage.Storage
	wh      RecordLoader
	layout  utils.Layout
	workers int
	retry   model.RetryConfig
	log     zerolog.Logger
}

func NewSourceLoader(store storage.Storage, wh RecordLoader, layout utils.Layout, workers int) *SourceLoader {
	if workers <= 0 {
		workers = 4
	}
	return &SourceLoader{
		store:   store,
		wh:      wh,
		layout:  layout,
		workers: workers,
		retry:   DefaultRetryConfigs["load"],
		log:     logging.Component("loader"),
	}
}

// RawTableName is the warehouse table a source is published as.
func RawTableName(source string) string { return "raw_" + source }

// Load publishes source. The table version is derived from the set of landed
// keys, so a source with nothing new landed is not rebuilt.
func (l *SourceLoader) Load(ctx context.Context, source string) (LoadResult, error) {
	res := LoadResult{Source: source}
	table := RawTableName(source)

	var files []storage.FileInfo
	_, err := retry(ctx, l.retry, func(int) error {
		var err error
		files, err = l.store.List(ctx, l.layout.RecordsPrefix(source))
		if err != nil && ctx.Err() == nil {
			return transient(err)
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("%w: list %s: %w", ErrStorageUnavailable, source, err)
	}

	keys := make([]string, 0, len(files))
	for _, f := range files {
		if l.layout.IsRecordKey(f.Path) {
			keys = append(keys, f.Path)
		}
	}
	version := keySetVersion(keys)

	current, ok, err := l.wh.CurrentVersion(ctx, table)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", table, err)
	}
	if ok && current == version {
		res.Unchanged = true
		res.Table = model.DerivedTable{Name: table, Version: version}
		l.log.Debug().Str("table", table).Msg("raw table unchanged")
		return res, nil
	}

	records, err := l.readRecords(ctx, keys)
	if err != nil {
		return res, err
	}
	res.Table, err = l.wh.LoadRecords(ctx, table, version, records)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", table, err)
	}
	l.log.Info().Str("table", table).Int("records", len(records)).Str("version", version[:12]).Msg("raw table published")
	return res, nil
}

// keySetVersion hashes the sorted key list. Storage.List already sorts.
func keySetVersion(keys []string) string {
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (l *SourceLoader) readRecords(ctx context.Context, keys []string) ([]model.StoredRecord, error) {
	records := make([]model.StoredRecord, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, key := range keys {
		g.Go(func() error {
			rec, err := l.readRecord(gctx, key)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (l *SourceLoader) readRecord(ctx context.Context, key string) (model.StoredRecord, error) {
	var rec model.StoredRecord
	_, err := retry(ctx, l.retry, func(int) error {
		rc, err := l.store.Download(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return transient(err)
		}
		defer rc.Close()
		rec = model.StoredRecord{}
		if err := json.NewDecoder(rc).Decode(&rec); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	})
	if err != nil && IsTransient(err) {
		return rec, fmt.Errorf("%w: download %s: %w", ErrStorageUnavailable, key, err)
	}
	return rec, err
}
