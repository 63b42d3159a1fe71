package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/relaynote/relay/internal/config"
	"github.com/relaynote/relay/internal/job"
	"github.com/relaynote/relay/internal/options"
	"github.com/relaynote/relay/internal/queue"
)

// Upload metadata headers.
const (
	HeaderJobID    = "X-Job-Id"
	HeaderFileName = "X-File-Name"
)

// Pipeline is the part of the processing queue the handlers need.
type Pipeline interface {
	Enqueue(jobID string) error
	Depth() int
	Active() string
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store      job.Store
	queue      Pipeline
	uploadsDir string
	maxUpload  int64
	log        *slog.Logger
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(store job.Store, q Pipeline, cfg *config.Worker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:      store,
		queue:      q,
		uploadsDir: cfg.UploadsDir,
		maxUpload:  cfg.MaxUploadBytes(),
		log:        logger,
	}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /upload", h.Upload)
	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /health", h.Health)
}

type uploadResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

func writeUpload(w http.ResponseWriter, status int, id, message string) {
	writeJSON(w, status, uploadResponse{
		Success: status < 300,
		ID:      id,
		Message: message,
	})
}

// Upload handles POST /upload. The body is the raw artifact; the job id and
// options travel in headers. An id that is already known is acknowledged
// without a second pipeline run unless its previous run failed, in which case
// the job is updated in place and processed again.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.Header.Get(HeaderJobID))
	if id == "" {
		writeUpload(w, http.StatusBadRequest, "", "missing "+HeaderJobID+" header")
		return
	}
	opts, err := options.FromHeaders(r.Header)
	if err != nil {
		writeUpload(w, http.StatusBadRequest, id, err.Error())
		return
	}
	req := job.UploadRequest{
		ID:       id,
		FileName: filepath.Base(strings.TrimSpace(r.Header.Get(HeaderFileName))),
		Options:  opts,
	}
	if err := req.Validate(); err != nil {
		writeUpload(w, http.StatusBadRequest, id, err.Error())
		return
	}

	existing, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.log.Error("upload: get job", "job_id", id, "error", err)
		writeUpload(w, http.StatusInternalServerError, id, "failed to read job")
		return
	}
	if existing != nil && existing.Status != job.StatusFailed {
		// Drain so the client sees a clean response instead of a reset.
		io.Copy(io.Discard, http.MaxBytesReader(w, r.Body, h.maxUpload)) //nolint:errcheck
		writeUpload(w, http.StatusOK, id, "already accepted, status "+string(existing.Status))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	path, err := h.storeArtifact(id, req.FileName, r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeUpload(w, http.StatusRequestEntityTooLarge, id, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		h.log.Error("upload: store artifact", "job_id", id, "error", err)
		writeUpload(w, http.StatusInternalServerError, id, "failed to store upload")
		return
	}

	displayName := req.FileName
	if displayName == "" || displayName == "." {
		displayName = id
	}
	j := &job.Job{
		ID:             id,
		SourceFilePath: path,
		DisplayName:    displayName,
		Status:         job.StatusPending,
		Options:        opts,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.Upsert(r.Context(), j); err != nil {
		h.log.Error("upload: upsert job", "job_id", id, "error", err)
		writeUpload(w, http.StatusInternalServerError, id, "failed to save job")
		return
	}

	if err := h.queue.Enqueue(id); err != nil {
		// A pending job that never reaches the queue would be acknowledged
		// forever on retry; failing it lets the next upload run it.
		if mErr := h.store.MarkFailed(r.Context(), id, "queue full"); mErr != nil {
			h.log.Error("upload: mark failed", "job_id", id, "error", mErr)
		}
		if errors.Is(err, queue.ErrQueueFull) {
			writeUpload(w, http.StatusServiceUnavailable, id, "queue full, retry later")
			return
		}
		writeUpload(w, http.StatusInternalServerError, id, "failed to enqueue job")
		return
	}

	h.log.Info("upload accepted", "job_id", id, "file", displayName, "retry", existing != nil)
	writeUpload(w, http.StatusOK, id, "upload accepted")
}

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// storeArtifact writes body to uploadsDir/<id><ext> through a temp file so a
// partial upload never replaces a complete one.
func (h *Handler) storeArtifact(id, fileName string, body io.Reader) (string, error) {
	if err := os.MkdirAll(h.uploadsDir, 0o755); err != nil {
		return "", fmt.Errorf("create uploads dir: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	if !extPattern.MatchString(ext) {
		ext = ".bin"
	}
	dst := filepath.Join(h.uploadsDir, id+ext)

	tmp, err := os.CreateTemp(h.uploadsDir, "."+id+"-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("rename upload: %w", err)
	}
	return dst, nil
}

// ListJobs handles GET /jobs and responds 200 with a paginated list of jobs,
// newest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r.URL.Query().Get("limit"), 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// JobView is a job hydrated with the content of its results.
type JobView struct {
	*job.Job
	Summary         string `json:"summary,omitempty"`
	Transcript      string `json:"transcript,omitempty"`
	SummaryError    string `json:"summary_error,omitempty"`
	TranscriptError string `json:"transcript_error,omitempty"`
}

// GetJob handles GET /jobs/{id} and responds 200 with the hydrated job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	view := JobView{Job: j}
	view.Transcript, view.TranscriptError = h.readResult(j.ID, "transcript", j.TranscriptPath)
	view.Summary, view.SummaryError = h.readResult(j.ID, "summary", j.SummaryPath)
	writeJSON(w, http.StatusOK, view)
}

// readResult returns the content at path, or an error string that does not
// reveal the path.
func (h *Handler) readResult(id, kind, path string) (string, string) {
	if path == "" {
		return "", ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		h.log.Warn("read result", "job_id", id, "kind", kind, "error", err)
		if errors.Is(err, os.ErrNotExist) {
			return "", kind + " file is missing"
		}
		return "", kind + " could not be read"
	}
	return string(data), ""
}

// Health handles GET /health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":      "ok",
		"queue_depth": h.queue.Depth(),
	}
	if active := h.queue.Active(); active != "" {
		resp["active_job"] = active
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
