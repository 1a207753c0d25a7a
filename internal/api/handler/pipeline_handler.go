package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"movie-pipeline/internal/logging"
	"movie-pipeline/internal/model"
	"movie-pipeline/internal/pipeline"
	"movie-pipeline/internal/store"
	"movie-pipeline/internal/warehouse"
	"movie-pipeline/pkg/utils"
)

// Handler serves the pipeline API on top of a Runner.
type Handler struct {
	runner *pipeline.Runner
	log    zerolog.Logger
}

func New(runner *pipeline.Runner) *Handler {
	return &Handler{runner: runner, log: logging.Component("api")}
}

// Health reports that the service is up
// @Summary Health check
// @Tags system
// @Produce json
// @Success 200 {object} map[string]string
// @Router / [get]
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "movie-pipeline"})
}

// CreatePipeline starts a pipeline run in the background
// @Summary Create a new pipeline run
// @Description Fetch and land the selected sources, then publish and transform, asynchronously
// @Tags pipelines
// @Accept json
// @Produce json
// @Param pipeline body model.PipelineJobSpec false "Run options"
// @Success 202 {object} map[string]interface{} "Run accepted"
// @Failure 400 {object} map[string]string "Invalid request payload"
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /pipelines [post]
func (h *Handler) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var spec model.PipelineJobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	run, err := h.runner.Start(r.Context(), spec)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message":   "pipeline run started",
		"job_id":    run.ID,
		"run_seq":   run.Seq,
		"status":    run.Status,
		"createdAt": run.CreatedAt,
	})
}

// ListPipelines lists recent runs
// @Summary List pipeline runs
// @Tags pipelines
// @Produce json
// @Param limit query int false "Maximum number of runs"
// @Success 200 {array} store.Run
// @Router /pipelines [get]
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	limit, err := utils.ParseInt(r.URL.Query().Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	runs, err := h.runner.Store().ListRuns(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetPipeline returns one run
// @Summary Get pipeline run
// @Tags pipelines
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} store.Run
// @Failure 404 {object} map[string]string "Run not found"
// @Router /pipelines/{id} [get]
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	run, err := h.runner.Store().GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetPipelineErrors returns the errors a run recorded
// @Summary Get pipeline errors
// @Tags pipelines
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]string "Run not found"
// @Router /pipelines/{id}/errors [get]
func (h *Handler) GetPipelineErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := h.existingRun(w, r)
	if !ok {
		return
	}
	errs, err := h.runner.Store().ListRunErrors(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "count": len(errs), "errors": errs})
}

// GetPipelineLogs returns a run's log lines
// @Summary Get pipeline logs
// @Tags pipelines
// @Produce json
// @Param id path string true "Run ID"
// @Param stage query string false "Only this stage"
// @Param limit query int false "Maximum number of lines"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]string "Run not found"
// @Router /pipelines/{id}/logs [get]
func (h *Handler) GetPipelineLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.existingRun(w, r)
	if !ok {
		return
	}
	limit, err := utils.ParseInt(r.URL.Query().Get("limit"), 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	logs, err := h.runner.Store().ListLogs(r.Context(), id, r.URL.Query().Get("stage"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "count": len(logs), "logs": logs})
}

// GetPipelineProgress returns per-stage progress
// @Summary Get pipeline progress
// @Tags pipelines
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]string "Run not found"
// @Router /pipelines/{id}/progress [get]
func (h *Handler) GetPipelineProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := h.runner.Store().GetRun(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	stages, err := h.runner.Store().ListStageProgress(ctx, run.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": run.ID, "status": run.Status, "stages": stages})
}

// GetPipelineBatches returns the landing results of a run
// @Summary Get landing batches
// @Tags pipelines
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]string "Run not found"
// @Router /pipelines/{id}/batches [get]
func (h *Handler) GetPipelineBatches(w http.ResponseWriter, r *http.Request) {
	id, ok := h.existingRun(w, r)
	if !ok {
		return
	}
	batches, err := h.runner.Store().ListLandingBatches(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	written, deduped := 0, 0
	for _, b := range batches {
		written += b.Written
		deduped += b.Deduplicated
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       id,
		"written":      written,
		"deduplicated": deduped,
		"batches":      batches,
	})
}

// GetPipelineTransforms returns transform outcomes of a run
// @Summary Get transform outcomes
// @Tags pipelines
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]string "Run not found"
// @Router /pipelines/{id}/transforms [get]
func (h *Handler) GetPipelineTransforms(w http.ResponseWriter, r *http.Request) {
	id, ok := h.existingRun(w, r)
	if !ok {
		return
	}
	outcomes, err := h.runner.Store().ListTransformOutcomes(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "outcomes": outcomes})
}

// RetryPipeline re-runs a failed or cancelled run
// @Summary Retry pipeline run
// @Tags pipelines
// @Produce json
// @Param id path string true "Run ID"
// @Success 202 {object} map[string]interface{}
// @Failure 404 {object} map[string]string "Run not found"
// @Failure 409 {object} map[string]string "Run is not retryable"
// @Router /pipelines/{id}/retry [post]
func (h *Handler) RetryPipeline(w http.ResponseWriter, r *http.Request) {
	run, err := h.runner.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "pipeline retry started",
		"job_id":  run.ID,
		"status":  run.Status,
	})
}

// CancelPipeline stops an executing run
// @Summary Cancel pipeline run
// @Tags pipelines
// @Produce json
// @Param id path string true "Run ID"
// @Success 202 {object} map[string]interface{}
// @Failure 409 {object} map[string]string "Run is not active"
// @Router /pipelines/{id}/cancel [patch]
func (h *Handler) CancelPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.runner.Cancel(id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message": "cancellation requested", "job_id": id})
}

// RunIngestion fetches and lands pages synchronously
// @Summary Run ingestion
// @Description Fetch a page range from every source and land it, without transforming
// @Tags pipelines
// @Produce json
// @Param start_page query int false "First page to fetch"
// @Param pages query int false "Number of pages to fetch"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string "Invalid query parameters"
// @Failure 502 {object} map[string]string "Upstream failure"
// @Router /run [get]
func (h *Handler) RunIngestion(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	startPage, err := utils.ParseInt(q.Get("start_page"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_page: "+err.Error())
		return
	}
	pages, err := utils.ParseInt(q.Get("pages"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "pages: "+err.Error())
		return
	}

	start := time.Now()
	summary, err := h.runner.Ingest(r.Context(), model.PipelineJobSpec{StartPage: startPage, Pages: pages})
	if err != nil {
		h.fail(w, err)
		return
	}

	rows, deduped := 0, 0
	for _, b := range summary.Batches {
		rows += b.Written
		deduped += b.Deduplicated
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "ingestion_success",
		"job_id":       summary.JobID,
		"run_seq":      summary.RunSeq,
		"rows":         rows,
		"deduplicated": deduped,
		"rejected":     summary.Rejected,
		"start_page":   startPage,
		"pages":        pages,
		"duration_ms":  time.Since(start).Milliseconds(),
	})
}

// existingRun writes a 404 and reports false when the id in the path is unknown.
func (h *Handler) existingRun(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := h.runner.Store().GetRun(r.Context(), id); err != nil {
		h.fail(w, err)
		return "", false
	}
	return id, true
}

// fail maps err onto a status code.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var upstream *pipeline.UpstreamError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, warehouse.ErrUnknownTable):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrRunNotActive), errors.Is(err, pipeline.ErrRunNotRetryable),
		errors.Is(err, pipeline.ErrBatchExists):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrUnknownSource), errors.Is(err, pipeline.ErrUnknownInput), errors.Is(err, pipeline.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, pipeline.ErrUpstreamUnavailable), errors.As(err, &upstream):
		return http.StatusBadGateway
	case errors.Is(err, pipeline.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
