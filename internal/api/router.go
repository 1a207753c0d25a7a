package api

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "movie-pipeline/docs" // registers the swagger document
	"movie-pipeline/internal/api/handler"
	"movie-pipeline/internal/pipeline"
	"movie-pipeline/pkg/router"
)

// NewRouter builds the HTTP surface of runner.
func NewRouter(runner *pipeline.Runner) *router.Router {
	r := router.New()
	RegisterRoutes(r, handler.New(runner))
	return r
}

func RegisterRoutes(r *router.Router, h *handler.Handler) {
	r.GET("/", h.Health)

	r.POST("/api/v1/pipelines", h.CreatePipeline)
	r.GET("/api/v1/pipelines", h.ListPipelines)
	r.GET("/api/v1/pipelines/{id}", h.GetPipeline)
	r.GET("/api/v1/pipelines/{id}/errors", h.GetPipelineErrors)
	r.GET("/api/v1/pipelines/{id}/logs", h.GetPipelineLogs)
	r.GET("/api/v1/pipelines/{id}/progress", h.GetPipelineProgress)
	r.GET("/api/v1/pipelines/{id}/batches", h.GetPipelineBatches)
	r.GET("/api/v1/pipelines/{id}/transforms", h.GetPipelineTransforms)
	r.POST("/api/v1/pipelines/{id}/retry", h.RetryPipeline)
	r.PATCH("/api/v1/pipelines/{id}/cancel", h.CancelPipeline)

	r.GET("/api/v1/run", h.RunIngestion)

	r.GET("/api/v1/tables", h.ListTables)
	r.GET("/api/v1/tables/{name}/export", h.DownloadTable)
	r.POST("/api/v1/tables/{name}/export", h.ExportTable)

	r.Handle("/metrics", promhttp.Handler())
	r.GET("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
		httpSwagger.DeepLinking(true),
		httpSwagger.DocExpansion("list"),
		httpSwagger.DomID("swagger-ui"),
	))
}
