package handler

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"movie-pipeline/pkg/utils"
)

// ListTables lists the published tables
// @Summary List tables
// @Description Raw source tables and derived tables with their current version
// @Tags tables
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /tables [get]
func (h *Handler) ListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.runner.Warehouse().Tables(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(tables), "tables": tables})
}

// DownloadTable streams the current version of a table as JSONL
// @Summary Download table
// @Tags tables
// @Produce application/x-ndjson
// @Param name path string true "Table name"
// @Success 200 {file} file "JSONL rows"
// @Failure 404 {object} map[string]string "Table not found"
// @Router /tables/{name}/export [get]
func (h *Handler) DownloadTable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	fileName := name + ".jsonl"

	// buffered so an unknown table still gets a clean 404
	var buf bytes.Buffer
	if _, err := h.runner.Warehouse().Export(r.Context(), name, &buf); err != nil {
		h.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", utils.ContentType(fileName))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// ExportTable writes the current version of a table to storage
// @Summary Export table to storage
// @Tags tables
// @Produce json
// @Param name path string true "Table name"
// @Success 200 {object} pipeline.ExportResult
// @Failure 404 {object} map[string]string "Table not found"
// @Router /tables/{name}/export [post]
func (h *Handler) ExportTable(w http.ResponseWriter, r *http.Request) {
	res, err := h.runner.Exporter().Export(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
