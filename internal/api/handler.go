// Package api provides the HTTP API handlers and routing for the fablab service.
package api

import (
	"encoding/json"
	"errors"
	"fablab/internal/apperrors"
	"fablab/internal/facility"
	"fablab/internal/health"
	"fablab/internal/job"
	"fablab/internal/quota"
	"fablab/internal/registry"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
)

// multipartOverhead is allowed on top of the per-file limits for headers
// and non-file fields.
const multipartOverhead = 1 << 20

// Handler contains HTTP handlers for the fablab API
type Handler struct {
	jobs     *job.Service
	facility *facility.Cache
	quota    *quota.Controller
	store    registry.Store
	health   *health.Checker

	uploadDir     string
	maxUploadSize int64
}

// NewHandler creates a new API handler
func NewHandler(cfg RouterConfig) *Handler {
	return &Handler{
		jobs:          cfg.JobService,
		facility:      cfg.Facility,
		quota:         cfg.Quota,
		store:         cfg.Store,
		health:        cfg.HealthChecker,
		uploadDir:     cfg.UploadDir,
		maxUploadSize: cfg.MaxUploadSize,
	}
}

// QuotaResponse is the body of GET /fablab/quota.
type QuotaResponse struct {
	ID    string `json:"id"`
	Quota int64  `json:"quota"`
}

// Inventory handles GET /fablab/
func (h *Handler) Inventory(w http.ResponseWriter, r *http.Request) {
	snap, err := h.facility.Refresh(r.Context())
	if err != nil {
		slog.WarnContext(r.Context(), "Facility refresh failed, serving last snapshot", "error", err)
		snap = h.facility.Current()
	}
	if snap == nil {
		h.handleError(w, r, apperrors.Internal(apperrors.CodeSnapshotUnavailable, "facility.snapshot", err))
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// Quota handles GET /fablab/quota
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	id, ok, err := h.store.Get(r.Context(), registry.FacilityIDKey)
	if err == nil && !ok {
		err = facility.ErrNotConfigured
	}
	if err != nil {
		h.handleError(w, r, apperrors.Internal(apperrors.CodeQuotaRead, "quota.read", err))
		return
	}

	remaining, err := h.quota.Remaining(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, QuotaResponse{ID: id, Quota: remaining})
}

// SubmitJob handles POST /fablab/jobs?user=&machine=
// The design file ("file") and optional auxiliary file ("auxFile") are
// streamed to the upload directory before the router runs.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	files := job.NewFiles(h.uploadDir, h.maxUploadSize)

	if err := h.stageUploads(w, r, files); err != nil {
		files.Cleanup()
		h.handleError(w, r, err)
		return
	}

	res, err := h.jobs.Submit(r.Context(), &job.SubmitRequest{
		User:        query.Get("user"),
		MachineType: query.Get("machine"),
		Query:       query,
		Files:       files,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if res.Raw != nil {
		h.writeRaw(w, http.StatusOK, "application/json", res.Raw)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// stageUploads copies the file parts of a multipart body into files. A body
// that is not multipart stages nothing; the router reports the missing file.
func (h *Handler) stageUploads(w http.ResponseWriter, r *http.Request, files *job.Files) error {
	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 2*h.maxUploadSize+multipartOverhead)
	}

	mr, err := r.MultipartReader()
	if errors.Is(err, http.ErrNotMultipart) {
		return nil
	}
	if err != nil {
		return malformed("", err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return malformed("", err)
		}
		if err := stagePart(files, part); err != nil {
			return err
		}
	}
}

func stagePart(files *job.Files, part *multipart.Part) error {
	defer part.Close()

	field := part.FormName()
	if (field != job.FieldDesign && field != job.FieldAux) || part.FileName() == "" {
		_, _ = io.Copy(io.Discard, part)
		return nil
	}
	if err := files.Stage(field, part.FileName(), part); err != nil {
		return malformed(field, err)
	}
	return nil
}

func malformed(field string, err error) error {
	msg := "Malformed upload"
	var maxErr *http.MaxBytesError
	if errors.Is(err, job.ErrTooLarge) || errors.As(err, &maxErr) {
		msg = "Upload exceeds size limit"
	}
	return &apperrors.Error{
		Sentinel: apperrors.ErrValidation,
		Code:     apperrors.CodeMalformedRequest,
		Message:  msg,
		Field:    field,
		Cause:    err,
	}
}

// JobStatus handles GET /fablab/jobs/status/{id}
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := h.jobs.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeRaw(w, http.StatusOK, "application/json", doc)
}

// CancelJob handles DELETE /fablab/jobs/{id}
// The machine's status code and body are relayed unchanged.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	resp, err := h.jobs.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	h.writeRaw(w, resp.StatusCode, contentType, resp.Body)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when a critical dependency (registry) is unavailable or the
// service is shutting down. A degraded gateway still answers 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

// handleError writes the {code, message, details} envelope with the status
// mapped from the error kind.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	body := apperrors.ToBody(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "code", body.Code, "path", r.URL.Path)
	} else {
		slog.Warn("Request rejected", "error", err, "code", body.Code, "path", r.URL.Path, "status", status)
	}
	h.writeJSON(w, status, body)
}
