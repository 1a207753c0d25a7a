package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-pipeline/internal/config"
	"movie-pipeline/internal/model"
	"movie-pipeline/internal/store"
)

type testEnv struct {
	runner *Runner
	store  *store.Store
	deps   Deps
}

func newTestEnv(t *testing.T, upstreamURL string, transforms ...model.TransformDefinition) *testEnv {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Sources = []model.Source{testSource(upstreamURL)}
	cfg.Transforms = transforms
	cfg.ApplyDefaults()

	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	deps := Deps{Store: st, Storage: newTestStorage(t), Warehouse: openWarehouse(t)}
	return &testEnv{runner: NewRunner(cfg, deps), store: st, deps: deps}
}

var movieTransforms = []model.TransformDefinition{
	{
		Name:   "clean_movies",
		Inputs: []string{"raw_movies"},
		SQL: `SELECT id, json_extract_string(payload, '$.title') AS title,
		       CAST(json_extract(payload, '$.vote_average') AS DOUBLE) AS vote_average
		      FROM raw_movies`,
	},
	{
		Name:   "top_movies",
		Inputs: []string{"clean_movies"},
		SQL:    `SELECT * FROM clean_movies ORDER BY vote_average DESC, id LIMIT 10`,
	},
}

func TestRunnerRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	srv, _ := moviesUpstream(t, 250, 100)
	env := newTestEnv(t, srv.URL, movieTransforms...)

	summary, err := env.runner.Run(ctx, model.PipelineJobSpec{})
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, summary.Status)
	require.Len(t, summary.Batches, 1)
	assert.Equal(t, 250, summary.Batches[0].Written)
	require.NotNil(t, summary.Transform)
	assert.Equal(t, 2, summary.Transform.Count(model.StatusMaterialized))

	run, err := env.store.GetRun(ctx, summary.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.NotNil(t, run.EndedAt)

	batches, err := env.store.ListLandingBatches(ctx, summary.JobID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 250, batches[0].Written)

	cursor, ok, err := env.store.GetCursor(ctx, "movies")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, cursor.Page)

	progress, err := env.store.ListStageProgress(ctx, summary.JobID)
	require.NoError(t, err)
	assert.NotEmpty(t, progress)

	var n int
	require.NoError(t, env.deps.Warehouse.DB().QueryRowContext(ctx, `SELECT count(*) FROM top_movies`).Scan(&n))
	assert.Equal(t, 10, n)

	// an identical second run lands nothing and rebuilds nothing
	again, err := env.runner.Run(ctx, model.PipelineJobSpec{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Batches[0].Written)
	assert.Equal(t, 250, again.Batches[0].Deduplicated)
	assert.Equal(t, 2, again.Transform.Count(model.StatusUnchanged))
	assert.Greater(t, again.RunSeq, summary.RunSeq)
}

func TestRunnerIngestHonoursPaging(t *testing.T) {
	ctx := context.Background()
	srv, calls := moviesUpstream(t, 250, 100)
	env := newTestEnv(t, srv.URL, movieTransforms...)

	summary, err := env.runner.Ingest(ctx, model.PipelineJobSpec{StartPage: 2, Pages: 1})
	require.NoError(t, err)
	assert.Equal(t, 100, summary.Batches[0].Written)
	assert.Nil(t, summary.Transform)
	assert.Equal(t, int64(1), calls.Load())

	_, ok, err := env.deps.Warehouse.Lookup(ctx, "raw_movies")
	require.NoError(t, err)
	assert.False(t, ok, "ingest does not publish")
}

func TestRunnerResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	srv, _ := moviesUpstream(t, 250, 100)
	env := newTestEnv(t, srv.URL)

	first, err := env.runner.Ingest(ctx, model.PipelineJobSpec{Pages: 2})
	require.NoError(t, err)
	assert.Equal(t, 200, first.Batches[0].Written)

	rest, err := env.runner.Ingest(ctx, model.PipelineJobSpec{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 50, rest.Batches[0].Written)
	assert.Equal(t, 50, rest.Batches[0].Received)
}

func TestRunnerRejectsUnknownSource(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")
	_, err := env.runner.Run(context.Background(), model.PipelineJobSpec{Sources: []string{"books"}})
	assert.ErrorIs(t, err, ErrUnknownSource)

	_, err = env.runner.Start(context.Background(), model.PipelineJobSpec{Pages: -1})
	assert.Error(t, err)
}

func TestRunnerRecordsUpstreamFailure(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	summary, err := env.runner.Run(ctx, model.PipelineJobSpec{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, model.RunFailed, summary.Status)

	run, err := env.store.GetRun(ctx, summary.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Contains(t, run.Error, "upstream unavailable")

	errs, err := env.store.ListRunErrors(ctx, summary.JobID)
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	assert.Equal(t, "upstream_unavailable", errs[0].ErrorType)
	assert.Equal(t, "movies", errs[0].Source)
}

func TestRunnerStartCancelAndRetry(t *testing.T) {
	ctx := context.Background()
	var open atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !open.Load() {
			<-r.Context().Done()
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"id":1,"title":"Heat"}],"total_pages":1}`))
	}))
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	run, err := env.runner.Start(ctx, model.PipelineJobSpec{SkipTransform: true})
	require.NoError(t, err)

	status := func() string {
		r, err := env.store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		return r.Status
	}
	require.Eventually(t, func() bool { return status() == model.RunFetching }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.runner.Cancel(run.ID))
	require.Eventually(t, func() bool { return status() == model.RunCancelled }, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, env.runner.Cancel(run.ID), ErrRunNotActive)

	open.Store(true)
	_, err = env.runner.Retry(ctx, run.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return status() == model.RunCompleted }, 5*time.Second, 10*time.Millisecond)

	_, err = env.runner.Retry(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunNotRetryable)
	require.NoError(t, env.runner.Shutdown(ctx))
}

func TestRunnerRetryKeepsEarlierManifests(t *testing.T) {
	ctx := context.Background()
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page > 1 && !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		results := []map[string]any{}
		for i := (page-1)*100 + 1; i <= page*100 && i <= 250; i++ {
			results = append(results, map[string]any{"id": i, "title": fmt.Sprintf("Movie %d", i)})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results, "total_pages": 3})
	}))
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	failed, err := env.runner.Run(ctx, model.PipelineJobSpec{SkipTransform: true})
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	require.Len(t, failed.Batches, 1)
	firstManifest := failed.Batches[0].ManifestKey
	require.NotEmpty(t, firstManifest)

	healthy.Store(true)
	_, err = env.runner.Retry(ctx, failed.JobID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, err := env.store.GetRun(ctx, failed.JobID)
		require.NoError(t, err)
		return r.Status == model.RunCompleted
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, env.runner.Shutdown(ctx))

	manifests, err := env.deps.Storage.List(ctx, "landing/movies/batches/")
	require.NoError(t, err)
	assert.Len(t, manifests, 2)

	batches, err := env.store.ListLandingBatches(ctx, failed.JobID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.NotEqual(t, firstManifest, batches[0].ManifestKey)
	assert.Greater(t, batches[0].RunID, failed.BatchSeq)

	manifestLines := func(key string) int {
		rc, err := env.deps.Storage.Download(ctx, key)
		require.NoError(t, err)
		defer rc.Close()
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		return len(strings.Split(strings.TrimSpace(string(body)), "\n"))
	}
	assert.Equal(t, 100, manifestLines(firstManifest))
	assert.Equal(t, 250, manifestLines(batches[0].ManifestKey))
}

func TestRunnerTransformWithoutRun(t *testing.T) {
	ctx := context.Background()
	srv, _ := moviesUpstream(t, 30, 10)
	env := newTestEnv(t, srv.URL, movieTransforms...)

	_, err := env.runner.Ingest(ctx, model.PipelineJobSpec{})
	require.NoError(t, err)

	report, err := env.runner.Transform(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(model.StatusMaterialized))
}
