package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-pipeline/internal/model"
	"movie-pipeline/internal/store"
)

func TestPipelineTrackerPersistsProgress(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer st.Close()

	run, err := st.CreateRun(ctx, model.PipelineJobSpec{})
	require.NoError(t, err)
	tr := NewPipelineTracker(st, run.ID)

	tr.StartStage(ctx, "fetching:movies")
	tr.AddRecords("fetching:movies", 120)
	tr.RecordError(ctx, "fetching:movies", "movies", fmt.Errorf("source movies: %w", ErrRateLimitExceeded))
	tr.UpdateSource("movies", func(m *model.SourceMetrics) { m.Fetched += 120 })
	tr.FinishStage(ctx, "fetching:movies", errors.New("boom"))

	stages, err := st.ListStageProgress(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, "failed", stages[0].Status)
	assert.Equal(t, int64(120), stages[0].RecordsProcessed)
	assert.Equal(t, int64(1), stages[0].ErrorCount)
	assert.NotNil(t, stages[0].EndTime)

	errs, err := st.ListRunErrors(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "rate_limit_exceeded", errs[0].ErrorType)
	assert.True(t, errs[0].Retryable)

	logs, err := st.ListLogs(ctx, run.ID, "fetching:movies", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	sources := tr.Sources()
	require.Len(t, sources, 1)
	assert.Equal(t, int64(120), sources[0].Fetched)
	assert.Contains(t, sources[0].LastError, "rate limit")
}

func TestPipelineTrackerCancelledStage(t *testing.T) {
	tr := NewPipelineTracker(nil, "run-1")
	ctx := context.Background()
	tr.StartStage(ctx, "transforming")
	tr.FinishStage(ctx, "transforming", context.Canceled)

	m, ok := tr.Stage("transforming")
	require.True(t, ok)
	assert.Equal(t, "cancelled", m.Status)
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, "critical", severity(ErrStorageUnavailable))
	assert.Equal(t, "medium", severity(&TransformError{Name: "a", Cause: errors.New("x")}))
	assert.Equal(t, "low", severity(context.Canceled))
	assert.Equal(t, "high", severity(ErrUpstreamUnavailable))
}
