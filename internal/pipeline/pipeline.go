package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"movie-pipeline/internal/config"
	"movie-pipeline/internal/logging"
	"movie-pipeline/internal/metrics"
	"movie-pipeline/internal/model"
	"movie-pipeline/internal/secrets"
	"movie-pipeline/internal/storage"
	"movie-pipeline/internal/store"
	"movie-pipeline/internal/warehouse"
	"movie-pipeline/pkg/utils"
)

// ErrRunNotActive is returned when cancelling a run that is not executing.
var ErrRunNotActive = errors.New("run is not active")

// ErrRunNotRetryable is returned when retrying a run that has not ended in failure.
var ErrRunNotRetryable = errors.New("only failed or cancelled runs can be retried")

// ErrInvalidSpec is returned for run options that are out of range.
var ErrInvalidSpec = errors.New("invalid run spec")

const defaultJobTimeout = 10 * time.Minute

// Deps are the long-lived resources a Runner works against.
type Deps struct {
	Store     *store.Store
	Storage   storage.Storage
	Warehouse *warehouse.DuckDB
	Secrets   secrets.Provider
}

// Runner executes pipeline runs: fetch and land every selected source, then
// publish the raw tables and materialise the transforms.
type Runner struct {
	cfg      *config.Config
	store    *store.Store
	wh       *warehouse.DuckDB
	fetchers map[string]*Fetcher
	writer   *LandingWriter
	loader   *SourceLoader
	xform    *TransformRunner
	exporter *ExportManager
	log      zerolog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner wires a Runner. opts are applied to every source's fetcher.
func NewRunner(cfg *config.Config, deps Deps, opts ...FetcherOption) *Runner {
	layout := utils.NewLayout("")
	r := &Runner{
		cfg:      cfg,
		store:    deps.Store,
		wh:       deps.Warehouse,
		fetchers: make(map[string]*Fetcher, len(cfg.Sources)),
		writer:   NewLandingWriter(deps.Storage, WithLandingWorkers(cfg.Concurrency.Workers.Landing), WithLayout(layout)),
		loader:   NewSourceLoader(deps.Storage, deps.Warehouse, layout, cfg.Concurrency.Workers.Loading),
		xform:    NewTransformRunner(deps.Warehouse, cfg.Concurrency.Workers.Transform),
		exporter: NewExportManager(deps.Storage, deps.Warehouse, layout),
		log:      logging.Component("pipeline"),
		active:   make(map[string]context.CancelFunc),
	}
	for _, src := range cfg.Sources {
		fopts := append([]FetcherOption{WithSecrets(deps.Secrets)}, opts...)
		r.fetchers[src.Name] = NewFetcher(src, fopts...)
	}
	return r
}

// Store returns the state store runs are recorded in.
func (r *Runner) Store() *store.Store { return r.store }

// Warehouse returns the warehouse tables are published to.
func (r *Runner) Warehouse() *warehouse.DuckDB { return r.wh }

// Exporter returns the table exporter.
func (r *Runner) Exporter() *ExportManager { return r.exporter }

// ValidateSpec checks that every source named by spec is configured.
func (r *Runner) ValidateSpec(spec model.PipelineJobSpec) error {
	var errs []error
	for _, name := range spec.Sources {
		if _, ok := r.fetchers[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownSource, name))
		}
	}
	if spec.StartPage < 0 || spec.Pages < 0 {
		errs = append(errs, fmt.Errorf("%w: start_page and pages must not be negative", ErrInvalidSpec))
	}
	return errors.Join(errs...)
}

// Start records a new run and executes it in the background. The run
// outlives ctx; use Cancel to stop it.
func (r *Runner) Start(ctx context.Context, spec model.PipelineJobSpec) (*store.Run, error) {
	if err := r.ValidateSpec(spec); err != nil {
		return nil, err
	}
	run, err := r.store.CreateRun(ctx, spec)
	if err != nil {
		return nil, err
	}
	r.launch(ctx, run)
	return run, nil
}

func (r *Runner) launch(ctx context.Context, run *store.Run) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.register(run.ID, cancel)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		_, _ = r.execute(runCtx, run)
	}()
}

// Run records a new run and executes it synchronously.
func (r *Runner) Run(ctx context.Context, spec model.PipelineJobSpec) (*model.RunSummary, error) {
	if err := r.ValidateSpec(spec); err != nil {
		return nil, err
	}
	run, err := r.store.CreateRun(ctx, spec)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.register(run.ID, cancel)
	return r.execute(ctx, run)
}

// Ingest fetches and lands pages without publishing or transforming.
func (r *Runner) Ingest(ctx context.Context, spec model.PipelineJobSpec) (*model.RunSummary, error) {
	spec.SkipTransform = true
	return r.Run(ctx, spec)
}

// Retry re-executes a failed or cancelled run with its original spec.
func (r *Runner) Retry(ctx context.Context, id string) (*store.Run, error) {
	run, err := r.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != model.RunFailed && run.Status != model.RunCancelled {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunNotRetryable, id, run.Status)
	}
	if err := r.store.ResetRun(ctx, id); err != nil {
		return nil, err
	}
	run.Status = model.RunPending
	run.Error = ""
	r.launch(ctx, run)
	return run, nil
}

// Cancel stops an executing run.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	cancel, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, id)
	}
	cancel()
	return nil
}

// Shutdown cancels every active run and waits for them to record their
// final status, or for ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, cancel := range r.active {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) register(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.active[id] = cancel
	r.mu.Unlock()
}

func (r *Runner) unregister(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// Transform publishes every configured source and materialises the
// transforms outside of a recorded run.
func (r *Runner) Transform(ctx context.Context) (*model.RunReport, error) {
	for _, src := range r.cfg.Sources {
		if _, err := r.loader.Load(ctx, src.Name); err != nil {
			return nil, err
		}
	}
	report, err := r.xform.Run(ctx, r.cfg.Transforms)
	if err != nil {
		return report, err
	}
	if len(r.cfg.Exports) > 0 {
		if _, err := r.exporter.ExportAll(ctx, r.cfg.Exports); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r *Runner) selectedSources(spec model.PipelineJobSpec) []model.Source {
	if len(spec.Sources) == 0 {
		return r.cfg.Sources
	}
	out := make([]model.Source, 0, len(spec.Sources))
	for _, src := range r.cfg.Sources {
		if slices.Contains(spec.Sources, src.Name) {
			out = append(out, src)
		}
	}
	return out
}

func (r *Runner) jobTimeout(spec model.PipelineJobSpec) time.Duration {
	if spec.JobTimeout != "" {
		return utils.ParseDuration(spec.JobTimeout, defaultJobTimeout)
	}
	return utils.ParseDuration(r.cfg.Concurrency.JobTimeout, defaultJobTimeout)
}

// execute drives run through its stages and records the outcome.
func (r *Runner) execute(ctx context.Context, run *store.Run) (summary *model.RunSummary, err error) {
	spec := run.Spec
	log := r.log.With().Str("run", run.ID).Int64("seq", run.Seq).Logger()
	tracker := NewPipelineTracker(r.store, run.ID)
	summary = &model.RunSummary{
		JobID:     run.ID,
		RunSeq:    run.Seq,
		Status:    model.RunPending,
		Batches:   []model.WriteResult{},
		Rejected:  map[string]int{},
		StartedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, r.jobTimeout(spec))
	defer cancel()

	log.Info().Strs("sources", spec.Sources).Int("start_page", spec.StartPage).Int("pages", spec.Pages).Msg("pipeline run started")

	defer func() {
		r.unregister(run.ID)
		summary.EndedAt = time.Now().UTC()
		switch {
		case err == nil:
			summary.Status = model.RunCompleted
		case errors.Is(err, context.Canceled):
			summary.Status = model.RunCancelled
		default:
			summary.Status = model.RunFailed
		}
		r.setStatus(ctx, run.ID, summary.Status, err)
		metrics.RecordRun(summary.Status, summary.EndedAt.Sub(summary.StartedAt))

		ev := log.Info()
		if err != nil {
			ev = log.Error().Err(err)
		}
		ev.Str("status", summary.Status).Dur("duration", summary.EndedAt.Sub(summary.StartedAt)).Msg("pipeline run finished")
	}()

	// A retry lands under a fresh sequence and never touches the manifests
	// of an earlier attempt.
	if summary.BatchSeq, err = r.store.NextBatchSeq(ctx, run.ID); err != nil {
		return summary, err
	}
	log = log.With().Int64("batch_seq", summary.BatchSeq).Logger()

	// Fetch and land one source at a time.
	var ingestErrs []error
	for _, src := range r.selectedSources(spec) {
		res, err := r.ingestSource(ctx, run, summary.BatchSeq, src, tracker)
		if res != nil {
			summary.Batches = append(summary.Batches, *res)
		}
		for _, m := range tracker.Sources() {
			summary.Rejected[m.Source] = int(m.Rejected)
		}
		if err != nil {
			ingestErrs = append(ingestErrs, fmt.Errorf("source %s: %w", src.Name, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	if err := errors.Join(ingestErrs...); err != nil {
		return summary, r.stopErr(ctx, err)
	}
	if spec.SkipTransform {
		return summary, nil
	}

	// Publish raw tables.
	r.setStatus(ctx, run.ID, model.RunLoading, nil)
	tracker.StartStage(ctx, "loading")
	for _, src := range r.selectedSources(spec) {
		res, err := r.loader.Load(ctx, src.Name)
		if err != nil {
			tracker.RecordError(ctx, "loading", src.Name, err)
			tracker.FinishStage(ctx, "loading", err)
			return summary, r.stopErr(ctx, err)
		}
		tracker.AddRecords("loading", res.Table.RowCount)
	}
	tracker.FinishStage(ctx, "loading", nil)

	// Materialise transforms.
	if len(r.cfg.Transforms) == 0 {
		return summary, nil
	}
	r.setStatus(ctx, run.ID, model.RunTransforming, nil)
	tracker.StartStage(ctx, "transforming")
	report, terr := r.xform.Run(ctx, r.cfg.Transforms)
	summary.Transform = report
	if report != nil {
		tracker.AddRecords("transforming", int64(len(report.Tables)))
		if err := r.store.SaveTransformOutcomes(context.WithoutCancel(ctx), run.ID, report.Outcomes); err != nil {
			log.Warn().Err(err).Msg("failed to save transform outcomes")
		}
	}
	if terr != nil {
		tracker.RecordError(ctx, "transforming", "", terr)
		tracker.FinishStage(ctx, "transforming", terr)
		return summary, r.stopErr(ctx, terr)
	}
	tracker.FinishStage(ctx, "transforming", nil)

	if len(r.cfg.Exports) > 0 {
		tracker.StartStage(ctx, "exporting")
		results, err := r.exporter.ExportAll(ctx, r.cfg.Exports)
		for _, res := range results {
			if res.Success {
				tracker.AddRecords("exporting", res.RecordCount)
			}
		}
		tracker.FinishStage(ctx, "exporting", err)
		if err != nil {
			tracker.RecordError(ctx, "exporting", "", err)
			return summary, r.stopErr(ctx, err)
		}
	}
	return summary, nil
}

// ingestSource fetches one source into a batch and lands it. Records fetched
// before a fetch error are still landed, and the cursor is saved so a resumed
// run continues from the failed page.
func (r *Runner) ingestSource(ctx context.Context, run *store.Run, batchSeq int64, src model.Source, tracker *PipelineTracker) (*model.WriteResult, error) {
	f := r.fetchers[src.Name].WithMaxPages(run.Spec.Pages)

	since := model.Cursor{}
	if run.Spec.Resume {
		c, ok, err := r.store.GetCursor(ctx, src.Name)
		if err != nil {
			return nil, err
		}
		if ok {
			since = c
		}
	}
	if run.Spec.StartPage > 0 {
		since = model.Cursor{Page: run.Spec.StartPage}
	}

	r.setStatus(ctx, run.ID, model.RunFetching, nil)
	stage := "fetching:" + src.Name
	tracker.StartStage(ctx, stage)
	start := time.Now()

	stream := f.Fetch(ctx, since)
	batch := model.LandingBatch{RunID: batchSeq, Source: src.Name}
	for rec := range stream.Records() {
		batch.Records = append(batch.Records, rec)
	}
	fetchErr := stream.Err()

	tracker.AddRecords(stage, int64(len(batch.Records)))
	tracker.UpdateSource(src.Name, func(m *model.SourceMetrics) {
		m.Pages += stream.Pages()
		m.Fetched += int64(stream.Fetched())
		m.Rejected += int64(stream.Rejected())
		m.IngestionTime += time.Since(start)
	})
	if fetchErr != nil {
		tracker.RecordError(ctx, stage, src.Name, fetchErr)
	}
	tracker.FinishStage(ctx, stage, fetchErr)
	if fetchErr != nil && len(batch.Records) == 0 {
		return nil, fetchErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.setStatus(ctx, run.ID, model.RunLanding, nil)
	stage = "landing:" + src.Name
	tracker.StartStage(ctx, stage)
	res, err := r.writer.Write(ctx, batch)
	tracker.AddRecords(stage, int64(res.Written))
	tracker.UpdateSource(src.Name, func(m *model.SourceMetrics) {
		m.Written += int64(res.Written)
		m.Deduplicated += int64(res.Deduplicated)
	})
	if err != nil {
		tracker.RecordError(ctx, stage, src.Name, err)
		tracker.FinishStage(ctx, stage, err)
		return &res, errors.Join(fetchErr, err)
	}
	tracker.FinishStage(ctx, stage, nil)

	persistCtx := context.WithoutCancel(ctx)
	if err := r.store.SaveLandingBatch(persistCtx, run.ID, res); err != nil {
		tracker.Log(ctx, stage, "warn", "failed to save landing batch", map[string]any{"error": err.Error()})
	}
	if err := r.store.SaveCursor(persistCtx, src.Name, run.ID, stream.Next()); err != nil {
		tracker.Log(ctx, stage, "warn", "failed to save cursor", map[string]any{"error": err.Error()})
	}
	return &res, fetchErr
}

// stopErr reports a deadline as a timeout and a cancellation as such.
func (r *Runner) stopErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("job timeout exceeded: %w", err)
	case errors.Is(ctx.Err(), context.Canceled) && !errors.Is(err, context.Canceled):
		return errors.Join(err, context.Canceled)
	default:
		return err
	}
}

func (r *Runner) setStatus(ctx context.Context, id, status string, runErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.UpdateRunStatus(ctx, id, status, runErr); err != nil {
		r.log.Warn().Err(err).Str("run", id).Str("status", status).Msg("failed to update run status")
	}
}
