package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"movie-pipeline/internal/logging"
	"movie-pipeline/internal/metrics"
	"movie-pipeline/internal/model"
	"movie-pipeline/internal/storage"
	"movie-pipeline/pkg/utils"
)

// LandingWriter persists fetched records into object storage. Every record
// version is written once under a content-addressed key, so writing the same
// batch again changes nothing.
type LandingWriter struct {
	store   storage.Storage
	layout  utils.Layout
	workers int
	retry   model.RetryConfig
	log     zerolog.Logger
}

// LandingOption configures a LandingWriter.
type LandingOption func(*LandingWriter)

// WithLandingWorkers bounds the number of concurrent uploads.
func WithLandingWorkers(n int) LandingOption {
	return func(w *LandingWriter) {
		if n > 0 {
			w.workers = n
		}
	}
}

func WithLandingRetry(cfg model.RetryConfig) LandingOption {
	return func(w *LandingWriter) { w.retry = retryConfigFor("land", cfg) }
}

func WithLayout(l utils.Layout) LandingOption { return func(w *LandingWriter) { w.layout = l } }

func NewLandingWriter(store storage.Storage, opts ...LandingOption) *LandingWriter {
	w := &LandingWriter{
		store:   store,
		layout:  utils.NewLayout(""),
		workers: 8,
		retry:   DefaultRetryConfigs["land"],
		log:     logging.Component("landing"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Layout returns the key layout the writer lands records under.
func (w *LandingWriter) Layout() utils.Layout { return w.layout }

type manifestLine struct {
	Key          string `json:"key"`
	ID           string `json:"id"`
	ContentHash  string `json:"content_hash"`
	Deduplicated bool   `json:"deduplicated"`
}

type landingItem struct {
	rec  model.Record
	hash string
	key  string
	dup  bool
}

// Write lands every record of batch and then its manifest. A nil error means
// every key in the result is durably readable.
func (w *LandingWriter) Write(ctx context.Context, batch model.LandingBatch) (model.WriteResult, error) {
	res := model.WriteResult{
		RunID:    batch.RunID,
		Source:   batch.Source,
		Received: len(batch.Records),
	}
	if batch.Source == "" {
		return res, errors.New("landing batch has no source")
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	// manifests are append-only
	manifestKey := w.layout.ManifestKey(batch.Source, batch.RunID)
	var exists bool
	err := w.withRetry(ctx, "exists "+manifestKey, func(ctx context.Context) error {
		var err error
		exists, err = w.store.Exists(ctx, manifestKey)
		return err
	})
	if err != nil {
		return res, err
	}
	if exists {
		return res, fmt.Errorf("%w: %s", ErrBatchExists, manifestKey)
	}

	items := make([]*landingItem, 0, len(batch.Records))
	seen := make(map[string]struct{}, len(batch.Records))
	var inBatchDups int
	for _, rec := range batch.Records {
		hash, err := rec.ContentHash()
		if err != nil {
			return res, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		key := w.layout.RecordKey(batch.Source, rec.ID, hash)
		if _, ok := seen[key]; ok {
			inBatchDups++
			continue
		}
		seen[key] = struct{}{}
		items = append(items, &landingItem{rec: rec, hash: hash, key: key})
	}

	var written, deduplicated atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)
	for _, it := range items {
		g.Go(func() error {
			landed, err := w.landRecord(gctx, batch.RunID, it)
			if err != nil {
				return err
			}
			if landed {
				written.Add(1)
				metrics.LandedRecords.WithLabelValues(batch.Source, "written").Inc()
			} else {
				it.dup = true
				deduplicated.Add(1)
				metrics.LandedRecords.WithLabelValues(batch.Source, "deduplicated").Inc()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		res.Written = int(written.Load())
		res.Deduplicated = int(deduplicated.Load()) + inBatchDups
		return res, err
	}

	res.Written = int(written.Load())
	res.Deduplicated = int(deduplicated.Load()) + inBatchDups
	res.Keys = make([]string, len(items))
	for i, it := range items {
		res.Keys[i] = it.key
	}

	if err := w.writeManifest(ctx, manifestKey, items); err != nil {
		return res, err
	}
	res.ManifestKey = manifestKey

	w.log.Info().
		Int64("run", batch.RunID).
		Str("source", batch.Source).
		Int("received", res.Received).
		Int("written", res.Written).
		Int("deduplicated", res.Deduplicated).
		Msg("batch landed")
	return res, nil
}

// landRecord uploads it unless its key already exists. It reports whether a
// new object was written.
func (w *LandingWriter) landRecord(ctx context.Context, runID int64, it *landingItem) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var exists bool
	err := w.withRetry(ctx, "exists "+it.key, func(ctx context.Context) error {
		var err error
		exists, err = w.store.Exists(ctx, it.key)
		return err
	})
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	body, err := json.Marshal(model.StoredRecord{
		ID:          it.rec.ID,
		Source:      it.rec.Source,
		ContentHash: it.hash,
		RunID:       runID,
		FetchedAt:   it.rec.FetchedAt,
		Page:        it.rec.Page,
		Payload:     it.rec.Payload,
	})
	if err != nil {
		return false, fmt.Errorf("encode record %s: %w", it.rec.ID, err)
	}
	err = w.withRetry(ctx, "upload "+it.key, func(ctx context.Context) error {
		return w.store.Upload(ctx, it.key, bytes.NewReader(body))
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (w *LandingWriter) writeManifest(ctx context.Context, key string, items []*landingItem) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, it := range items {
		line := manifestLine{Key: it.key, ID: it.rec.ID, ContentHash: it.hash, Deduplicated: it.dup}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
	}
	body := buf.Bytes()
	return w.withRetry(ctx, "upload "+key, func(ctx context.Context) error {
		return w.store.Upload(ctx, key, bytes.NewReader(body))
	})
}

// withRetry treats every storage failure as transient and maps exhaustion
// to ErrStorageUnavailable.
func (w *LandingWriter) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts, err := retry(ctx, w.retry, func(attempt int) error {
		err := fn(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if attempt < w.retry.MaxAttempts {
			w.log.Debug().Str("op", op).Int("attempt", attempt).Err(err).Msg("storage call failed")
		}
		return transient(err)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrStorageUnavailable, op, attempts, errors.Unwrap(err))
}
