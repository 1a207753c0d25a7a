package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-pipeline/internal/model"
	"movie-pipeline/internal/storage"
)

func movieRecord(id int, title string) model.Record {
	return model.Record{
		ID:     fmt.Sprint(id),
		Source: "movies",
		Payload: model.Payload{Attributes: map[string]model.Value{
			"id":    model.Number(float64(id)),
			"title": model.String(title),
		}},
		FetchedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Page:      1 + (id-1)/100,
	}
}

func movieBatch(runID int64, n int) model.LandingBatch {
	batch := model.LandingBatch{RunID: runID, Source: "movies"}
	for i := 1; i <= n; i++ {
		batch.Records = append(batch.Records, movieRecord(i, fmt.Sprintf("Movie %d", i)))
	}
	return batch
}

func newTestStorage(t *testing.T) *storage.Local {
	t.Helper()
	s, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return s
}

func countRecords(t *testing.T, s storage.Storage) int {
	t.Helper()
	files, err := s.List(context.Background(), "landing/movies/records/")
	require.NoError(t, err)
	return len(files)
}

var fastLandRetry = model.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}

func TestLandingWriterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	w := NewLandingWriter(s, WithLandingWorkers(4))

	first, err := w.Write(ctx, movieBatch(1, 250))
	require.NoError(t, err)
	assert.Equal(t, 250, first.Received)
	assert.Equal(t, 250, first.Written)
	assert.Equal(t, 0, first.Deduplicated)
	assert.Len(t, first.Keys, 250)
	assert.Equal(t, 250, countRecords(t, s))

	second, err := w.Write(ctx, movieBatch(2, 250))
	require.NoError(t, err)
	assert.Equal(t, 0, second.Written)
	assert.Equal(t, 250, second.Deduplicated)
	assert.Equal(t, first.Keys, second.Keys)
	assert.Equal(t, 250, countRecords(t, s))
}

func TestLandingWriterDeduplicatesWithinBatch(t *testing.T) {
	s := newTestStorage(t)
	w := NewLandingWriter(s)

	batch := movieBatch(1, 2)
	batch.Records = append(batch.Records, movieRecord(1, "Movie 1"))

	res, err := w.Write(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Received)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 1, res.Deduplicated)
	assert.Len(t, res.Keys, 2)
}

func TestLandingWriterAppendsChangedPayloads(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	w := NewLandingWriter(s)

	_, err := w.Write(ctx, model.LandingBatch{RunID: 1, Source: "movies", Records: []model.Record{movieRecord(7, "Heat")}})
	require.NoError(t, err)
	res, err := w.Write(ctx, model.LandingBatch{RunID: 2, Source: "movies", Records: []model.Record{movieRecord(7, "Heat (1995)")}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)

	files, err := s.List(ctx, "landing/movies/records/7/")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestLandingWriterStoresRecordAndManifest(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	w := NewLandingWriter(s)

	res, err := w.Write(ctx, movieBatch(42, 3))
	require.NoError(t, err)
	assert.Equal(t, "landing/movies/batches/00000000000000000042.jsonl", res.ManifestKey)

	rc, err := s.Download(ctx, res.Keys[0])
	require.NoError(t, err)
	defer rc.Close()
	var stored model.StoredRecord
	require.NoError(t, json.NewDecoder(rc).Decode(&stored))
	assert.Equal(t, "1", stored.ID)
	assert.Equal(t, int64(42), stored.RunID)
	assert.True(t, strings.HasSuffix(res.Keys[0], stored.ContentHash+".json"))
	title, _ := stored.Payload.Get("title")
	assert.Equal(t, "Movie 1", title.Str)

	mc, err := s.Download(ctx, res.ManifestKey)
	require.NoError(t, err)
	defer mc.Close()
	body, err := io.ReadAll(mc)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.Len(t, lines, 3)
}

func TestLandingWriterNeverOverwritesManifest(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	w := NewLandingWriter(s)

	first, err := w.Write(ctx, movieBatch(7, 3))
	require.NoError(t, err)

	_, err = w.Write(ctx, model.LandingBatch{RunID: 7, Source: "movies", Records: []model.Record{movieRecord(9, "Thief")}})
	require.ErrorIs(t, err, ErrBatchExists)
	assert.Equal(t, 3, countRecords(t, s), "a rejected batch lands nothing")

	rc, err := s.Download(ctx, first.ManifestKey)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(body)), "\n"), 3)
}

// flakyStorage fails the first failures calls of every operation.
type flakyStorage struct {
	storage.Storage
	failures int64
	calls    atomic.Int64
}

func (f *flakyStorage) fail() error {
	if f.calls.Add(1) <= f.failures || f.failures < 0 {
		return errors.New("connection reset")
	}
	return nil
}

func (f *flakyStorage) Exists(ctx context.Context, path string) (bool, error) {
	if err := f.fail(); err != nil {
		return false, err
	}
	return f.Storage.Exists(ctx, path)
}

func (f *flakyStorage) Upload(ctx context.Context, path string, r io.Reader) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Storage.Upload(ctx, path, r)
}

func TestLandingWriterRetriesTransientStorageErrors(t *testing.T) {
	s := &flakyStorage{Storage: newTestStorage(t), failures: 2}
	w := NewLandingWriter(s, WithLandingWorkers(1), WithLandingRetry(fastLandRetry))

	res, err := w.Write(context.Background(), movieBatch(1, 5))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Written)
}

func TestLandingWriterReportsStorageUnavailable(t *testing.T) {
	s := &flakyStorage{Storage: newTestStorage(t), failures: -1}
	w := NewLandingWriter(s, WithLandingRetry(fastLandRetry))

	res, err := w.Write(context.Background(), movieBatch(1, 5))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Empty(t, res.ManifestKey)
}

func TestLandingWriterHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewLandingWriter(newTestStorage(t))

	_, err := w.Write(ctx, movieBatch(1, 5))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLandingWriterRequiresSource(t *testing.T) {
	w := NewLandingWriter(newTestStorage(t))
	_, err := w.Write(context.Background(), model.LandingBatch{RunID: 1})
	assert.Error(t, err)
}
