package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/songqueue/songapi/internal/job"
	"github.com/songqueue/songapi/internal/job/id"
)

const (
	// DefaultMaxUploadBytes bounds multipart submissions.
	DefaultMaxUploadBytes int64 = 50 << 20
	// maxJSONBytes bounds JSON submissions.
	maxJSONBytes int64 = 1 << 20
	// multipartMemory is how much of a multipart body is kept in memory.
	multipartMemory int64 = 8 << 20

	audioMIME = "audio/mpeg"
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service        *job.Service
	validator      *validator.Validate
	logger         *slog.Logger
	maxUploadBytes int64
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithMaxUploadBytes limits the size of POST /submit/file bodies.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *job.Service, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:        service,
		validator:      validator.New(),
		logger:         logger,
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// SubmitURL handles POST /submit/url requests.
func (h *Handlers) SubmitURL(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)

	var req SubmitURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		h.writeDecodeError(w, err)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "VALIDATION_ERROR")
		return
	}

	created, err := h.service.SubmitURL(r.Context(), job.URLInput{
		URL:  req.URL,
		Args: *req.Args,
	})
	if err != nil {
		h.logger.Error("failed to submit job",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to submit job", "JOB_SUBMISSION_FAILED")
		return
	}

	writeAccepted(w, created)
}

// SubmitFile handles POST /submit/file requests.
// The body is multipart with a "file" part holding MP3 audio and an
// optional "args" field holding ProcessingArgs as JSON.
func (h *Handlers) SubmitFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		h.logger.Warn("failed to parse multipart body",
			slog.String("error", err.Error()),
		)
		h.writeDecodeError(w, err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "multipart field \"file\" is required", "MISSING_FILE")
		return
	}
	defer func() { _ = file.Close() }()

	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "unreadable upload", "INVALID_FILE")
		return
	}
	if !mtype.Is(audioMIME) {
		h.logger.Warn("rejected upload",
			slog.String("filename", header.Filename),
			slog.String("detected", mtype.String()),
		)
		writeError(w, http.StatusUnsupportedMediaType, "file must be "+audioMIME+", got "+mtype.String(), "UNSUPPORTED_MEDIA_TYPE")
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read upload", "INVALID_FILE")
		return
	}

	args := job.ProcessingArgs{Effects: []job.Effect{}}
	if raw := r.FormValue("args"); raw != "" {
		args, err = job.ParseProcessingArgs([]byte(raw))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error(), "INVALID_ARGS")
			return
		}
	}

	created, err := h.service.SubmitFile(r.Context(), job.FileInput{
		Filename: header.Filename,
		Data:     file,
		Args:     args,
	})
	if err != nil {
		h.logger.Error("failed to submit job",
			slog.String("filename", header.Filename),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to submit job", "JOB_SUBMISSION_FAILED")
		return
	}

	writeAccepted(w, created)
}

// GetQueue handles GET /queue/{job_id} requests.
func (h *Handlers) GetQueue(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if !id.Valid(jobID) {
		h.logger.Warn("lookup nonexistent job", slog.String("job_id", jobID))
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return
	}

	found, err := h.service.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			h.logger.Warn("lookup nonexistent job", slog.String("job_id", jobID))
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, QueueResponse{
		ID:        found.ID,
		Status:    string(found.Status),
		Source:    string(found.Source.Kind),
		Args:      found.Args,
		CreatedAt: found.CreatedAt,
		UpdatedAt: found.UpdatedAt,
	})
}

// writeDecodeError maps a body decoding failure to 413 or 422.
func (h *Handlers) writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "BODY_TOO_LARGE")
	case errors.Is(err, job.ErrInvalidArgs):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "INVALID_ARGS")
	default:
		writeError(w, http.StatusUnprocessableEntity, "malformed request body", "INVALID_BODY")
	}
}

// writeAccepted answers a successful submission with 202 and the poll location.
func writeAccepted(w http.ResponseWriter, created *job.Job) {
	w.Header().Set("Location", queuePath(created.ID))
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		ID:     created.ID,
		Status: string(created.GetStatus()),
	})
}

func queuePath(jobID string) string {
	return "/queue/" + jobID
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
