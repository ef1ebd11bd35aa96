package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/deliveryhero/asya/asya-upscaler/internal/jobs"
	"github.com/deliveryhero/asya/asya-upscaler/internal/stages"
	"github.com/deliveryhero/asya/asya-upscaler/internal/stream"
	"github.com/deliveryhero/asya/asya-upscaler/internal/upscale"
	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

// Version is reported by the service info endpoint
const Version = "1.0.0"

// HistoryReader lists recorded job outcomes
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]types.Outcome, error)
}

// Handler provides the HTTP endpoints of the upscaler
type Handler struct {
	service   *upscale.Service
	store     jobs.JobStore
	streamer  *stream.Streamer
	history   HistoryReader
	maxUpload int64
}

// NewHandler creates the HTTP handler
func NewHandler(service *upscale.Service, store jobs.JobStore, streamer *stream.Streamer, maxUpload int64) *Handler {
	return &Handler{
		service:   service,
		store:     store,
		streamer:  streamer,
		maxUpload: maxUpload,
	}
}

// SetHistory enables GET /history
func (h *Handler) SetHistory(history HistoryReader) {
	h.history = history
}

// Register adds every route to mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.HandleRoot)
	mux.HandleFunc("POST /upscale", h.HandleUpscale)
	mux.HandleFunc("GET /progress/{job_id}", h.HandleProgress)
	mux.HandleFunc("GET /jobs/{job_id}", h.HandleJobStatus)
	mux.HandleFunc("GET /scales", h.HandleScales)
	mux.HandleFunc("GET /stages", h.HandleStages)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /history", h.HandleHistory)
}

// HandleUpscale handles POST /upscale (multipart: file, scale, job_id).
// The response is sent once the job has finished; progress is available on /progress/{job_id} meanwhile.
func (h *Handler) HandleUpscale(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeDetail(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "File is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}

	scale := 0
	if raw := r.FormValue("scale"); raw != "" {
		scale, err = strconv.Atoi(raw)
		if err != nil || scale <= 0 {
			writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid scale: %s", raw))
			return
		}
	}

	res, err := h.service.Run(r.Context(), upscale.Request{
		JobID:       r.FormValue("job_id"),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
		Scale:       scale,
	})
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			slog.Debug("Upscale client went away before the job finished")
		case errors.Is(err, jobs.ErrAlreadyExists):
			writeDetail(w, http.StatusConflict, err.Error())
		case upscale.IsClientError(err):
			writeDetail(w, http.StatusBadRequest, err.Error())
		default:
			writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Processing failed: %v", err))
		}
		return
	}

	writeJSON(w, http.StatusOK, types.UpscaleResponse{
		Success:        true,
		ProcessedImage: fmt.Sprintf("data:%s;base64,%s", res.ContentType, base64.StdEncoding.EncodeToString(res.Image)),
		Message:        "Image successfully upscaled",
		JobID:          res.JobID,
		Metadata:       res.Metadata(),
	})
}

// HandleProgress handles GET /progress/{job_id} (SSE)
func (h *Handler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if jobID == "" {
		writeDetail(w, http.StatusBadRequest, "Job ID required")
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}
	sse.open()

	slog.Debug("Progress subscription opened", "job", jobID)
	err := h.streamer.Stream(r.Context(), jobID, sse)
	switch {
	case err == nil:
		slog.Debug("Progress subscription finished", "job", jobID)
	case errors.Is(err, context.Canceled):
		slog.Debug("Progress subscriber disconnected", "job", jobID)
	default:
		slog.Warn("Progress subscription ended with error", "job", jobID, "error", err)
	}
}

// HandleJobStatus handles GET /jobs/{job_id}
func (h *Handler) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	rec, err := h.store.Get(jobID)
	if err != nil {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Job %s not found", jobID))
		return
	}

	writeJSON(w, http.StatusOK, rec.ProgressEvent())
}

// HandleScales handles GET /scales
func (h *Handler) HandleScales(w http.ResponseWriter, r *http.Request) {
	models := h.service.Models()
	writeJSON(w, http.StatusOK, map[string]any{
		"scales":  models.Supported(),
		"default": models.DefaultScale(),
		"loaded":  models.Loaded(),
	})
}

type stageInfo struct {
	Stage       string `json:"stage"`
	Description string `json:"description"`
	Progress    int    `json:"progress"`
}

// HandleStages handles GET /stages
func (h *Handler) HandleStages(w http.ResponseWriter, r *http.Request) {
	all := stages.All()
	out := make([]stageInfo, 0, len(all))
	for _, s := range all {
		info := stages.MustDescribe(s)
		out = append(out, stageInfo{Stage: string(s), Description: info.Description, Progress: info.Progress})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleHealth handles GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	models := h.service.Models()
	loaded := models.Loaded()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"modelLoaded":      len(loaded) > 0,
		"device":           "cpu",
		"loaded_scales":    loaded,
		"supported_scales": models.Supported(),
		"tracked_jobs":     h.store.Len(),
	})
}

// HandleRoot handles GET /
func (h *Handler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "asya-upscaler",
		"version": Version,
		"endpoints": map[string]string{
			"upscale":  "POST /upscale",
			"progress": "GET /progress/{job_id}",
			"job":      "GET /jobs/{job_id}",
			"scales":   "GET /scales",
			"stages":   "GET /stages",
			"health":   "GET /health",
			"history":  "GET /history",
		},
	})
}

// HandleHistory handles GET /history?limit=N
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeDetail(w, http.StatusNotFound, "History is not enabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit: %s", raw))
			return
		}
		limit = n
	}

	outcomes, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to read history", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to read history")
		return
	}

	writeJSON(w, http.StatusOK, outcomes)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
