package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"movie-pipeline/internal/logging"
	"movie-pipeline/internal/model"
	"movie-pipeline/internal/store"
)

// PipelineTracker records the progress of one run: stage timings, per
// source counters, errors and log lines. Everything is written through to
// the state store so the API can report on runs in flight. Store failures
// are logged and never fail the run.
type PipelineTracker struct {
	runID string
	store *store.Store
	log   zerolog.Logger
	now   func() time.Time

	mu      sync.Mutex
	stages  map[string]*model.StageMetrics
	sources map[string]*model.SourceMetrics
}

// NewPipelineTracker creates a new pipeline tracker
func NewPipelineTracker(st *store.Store, runID string) *PipelineTracker {
	return &PipelineTracker{
		runID:   runID,
		store:   st,
		log:     logging.Component("tracker").With().Str("run", runID).Logger(),
		now:     time.Now,
		stages:  make(map[string]*model.StageMetrics),
		sources: make(map[string]*model.SourceMetrics),
	}
}

// StartStage marks stage as running.
func (pt *PipelineTracker) StartStage(ctx context.Context, stage string) {
	pt.mu.Lock()
	m := &model.StageMetrics{Stage: stage, Status: "running", StartTime: pt.now().UTC()}
	pt.stages[stage] = m
	snapshot := *m
	pt.mu.Unlock()

	pt.persist(ctx, "save stage progress", func(ctx context.Context) error {
		return pt.store.SaveStageProgress(ctx, pt.runID, snapshot)
	})
	pt.Log(ctx, stage, "info", "stage started", nil)
}

// AddRecords adds n processed records to stage.
func (pt *PipelineTracker) AddRecords(stage string, n int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if m, ok := pt.stages[stage]; ok {
		m.RecordsProcessed += n
	}
}

// FinishStage marks stage completed, or failed when err is non-nil.
func (pt *PipelineTracker) FinishStage(ctx context.Context, stage string, err error) {
	pt.mu.Lock()
	m, ok := pt.stages[stage]
	if !ok {
		m = &model.StageMetrics{Stage: stage, StartTime: pt.now().UTC()}
		pt.stages[stage] = m
	}
	end := pt.now().UTC()
	m.EndTime = &end
	m.Duration = end.Sub(m.StartTime)
	m.Status = "completed"
	if err != nil {
		m.Status = "failed"
		if errors.Is(err, context.Canceled) {
			m.Status = "cancelled"
		}
	}
	snapshot := *m
	pt.mu.Unlock()

	pt.persist(ctx, "save stage progress", func(ctx context.Context) error {
		return pt.store.SaveStageProgress(ctx, pt.runID, snapshot)
	})
	pt.Log(ctx, stage, "info", "stage "+snapshot.Status, map[string]any{
		"records":     snapshot.RecordsProcessed,
		"duration_ms": snapshot.Duration.Milliseconds(),
	})
}

// RecordError stores err against stage and source and bumps the stage's
// error count.
func (pt *PipelineTracker) RecordError(ctx context.Context, stage, source string, err error) {
	if err == nil {
		return
	}
	detail := model.ErrorDetail{
		Timestamp: pt.now().UTC(),
		Stage:     stage,
		Source:    source,
		ErrorType: errorType(err),
		Message:   err.Error(),
		Retryable: IsTransient(err) || errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrStorageUnavailable),
		Severity:  severity(err),
	}

	pt.mu.Lock()
	if m, ok := pt.stages[stage]; ok {
		m.ErrorCount++
	}
	if source != "" {
		pt.source(source).LastError = detail.Message
	}
	pt.mu.Unlock()

	ev := pt.log.Error()
	if detail.Severity == "low" {
		ev = pt.log.Warn()
	}
	ev.Str("stage", stage).Str("source", source).Str("type", detail.ErrorType).Err(err).Msg("pipeline error")

	pt.persist(ctx, "save run error", func(ctx context.Context) error {
		return pt.store.SaveRunError(ctx, pt.runID, detail)
	})
}

func severity(err error) string {
	var te *TransformError
	switch {
	case errors.Is(err, context.Canceled):
		return "low"
	case errors.As(err, &te):
		return "medium"
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrCyclicDependency):
		return "critical"
	default:
		return "high"
	}
}

// Log stores a run log line and mirrors it to the process log.
func (pt *PipelineTracker) Log(ctx context.Context, stage, level, msg string, fields map[string]any) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	pt.log.WithLevel(lvl).Str("stage", stage).Fields(fields).Msg(msg)
	pt.persist(ctx, "save run log", func(ctx context.Context) error {
		return pt.store.SavePipelineLog(ctx, pt.runID, stage, level, msg, fields)
	})
}

// UpdateSource applies fn to the counters of source.
func (pt *PipelineTracker) UpdateSource(source string, fn func(*model.SourceMetrics)) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	fn(pt.source(source))
}

func (pt *PipelineTracker) source(name string) *model.SourceMetrics {
	m, ok := pt.sources[name]
	if !ok {
		m = &model.SourceMetrics{Source: name}
		pt.sources[name] = m
	}
	return m
}

// Sources returns a copy of the per source counters, sorted by name.
func (pt *PipelineTracker) Sources() []model.SourceMetrics {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	out := make([]model.SourceMetrics, 0, len(pt.sources))
	for _, m := range pt.sources {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Stage returns a copy of the metrics of stage.
func (pt *PipelineTracker) Stage(stage string) (model.StageMetrics, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	m, ok := pt.stages[stage]
	if !ok {
		return model.StageMetrics{}, false
	}
	return *m, true
}

// persist runs a store write that must happen even when the run was cancelled.
func (pt *PipelineTracker) persist(ctx context.Context, what string, fn func(context.Context) error) {
	if pt.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		pt.log.Warn().Err(err).Msg("failed to " + what)
	}
}
