package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cwygoda/audioqueue/internal/domain"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 64 << 10

const submitSchema = `{
	"type": "object",
	"required": ["url"],
	"properties": {
		"url": {"type": "string", "minLength": 1, "maxLength": 2048},
		"format": {"enum": ["mp3", "m4a"]},
		"priority": {"enum": ["high", "normal", "low"]}
	}
}`

const prioritySchema = `{
	"type": "object",
	"required": ["priority"],
	"properties": {
		"priority": {"enum": ["high", "normal", "low"]}
	}
}`

var (
	submitValidator   = jsonschema.MustCompileString("submit.json", submitSchema)
	priorityValidator = jsonschema.MustCompileString("priority.json", prioritySchema)
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRateLimit enables per-client token bucket limiting. A non-positive
// rate disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = newClientLimiter(perSecond, burst)
		}
	}
}

// WithSubmitHook registers fn to run after a job is queued, resumed or
// retried, so the scheduler can pick it up without waiting for a poll.
func WithSubmitHook(fn func()) Option {
	return func(s *Server) {
		s.onQueued = fn
	}
}

// Server is the HTTP adapter for the download queue.
type Server struct {
	svc      *domain.JobService
	mux      *http.ServeMux
	server   *http.Server
	logger   *slog.Logger
	limiter  *clientLimiter
	onQueued func()
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.JobService, addr string, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		mux:    http.NewServeMux(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /downloads/queue", s.handleSubmit)
	s.mux.HandleFunc("GET /downloads/queue", s.handleList)
	s.mux.HandleFunc("GET /downloads/queue/{id}", s.handleGet)
	s.mux.HandleFunc("DELETE /downloads/queue/{id}", s.handleDelete)
	s.mux.HandleFunc("PUT /downloads/queue/{id}/priority", s.handlePriority)
	s.mux.HandleFunc("POST /downloads/queue/{id}/pause", s.handlePause)
	s.mux.HandleFunc("POST /downloads/queue/{id}/resume", s.handleResume)
	s.mux.HandleFunc("POST /downloads/queue/{id}/retry", s.handleRetry)
	s.mux.HandleFunc("POST /downloads/queue/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /downloads/queue/{id}/file", s.handleFile)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// submitRequest is the request body for POST /downloads/queue.
type submitRequest struct {
	URL      string `json:"url"`
	Format   string `json:"format"`
	Priority string `json:"priority"`
}

// priorityRequest is the request body for PUT /downloads/queue/{id}/priority.
type priorityRequest struct {
	Priority string `json:"priority"`
}

// itemResponse is the JSON shape of a job.
type itemResponse struct {
	ID           string  `json:"id"`
	URL          string  `json:"url"`
	Format       string  `json:"format"`
	Priority     string  `json:"priority"`
	Status       string  `json:"status"`
	Title        *string `json:"title"`
	Artist       *string `json:"artist"`
	Duration     *int    `json:"duration"`
	Thumbnail    *string `json:"thumbnail"`
	Progress     int     `json:"progress"`
	CurrentRetry int     `json:"current_retry"`
	MaxRetries   int     `json:"max_retries"`
	ErrorCode    *string `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
	FilePath     *string `json:"file_path"`
	FileSize     *int64  `json:"file_size"`
	CreatedAt    string  `json:"created_at"`
	StartedAt    *string `json:"started_at"`
	CompletedAt  *string `json:"completed_at"`
	UpdatedAt    string  `json:"updated_at"`
	Position     int     `json:"position"`
}

type createResponse struct {
	Success bool         `json:"success"`
	Item    itemResponse `json:"item"`
}

type listResponse struct {
	Total int            `json:"total"`
	Items []itemResponse `json:"items"`
	Stats map[string]int `json:"stats"`
}

type operationResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Item    *itemResponse `json:"item,omitempty"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(r, submitValidator, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.svc.Submit(r.Context(), domain.SubmitRequest{
		URL:            strings.TrimSpace(req.URL),
		Format:         req.Format,
		Priority:       req.Priority,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.queued()

	item, err := s.item(r.Context(), job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log(r).Info("job queued", "job_id", job.ID, "priority", job.Priority, "position", item.Position)
	s.writeJSON(w, http.StatusCreated, createResponse{Success: true, Item: item})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := domain.ListOptions{Status: domain.JobStatus(q.Get("status"))}
	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		s.writeError(w, r, err)
		return
	}

	list, err := s.svc.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := listResponse{
		Total: list.Total,
		Items: make([]itemResponse, 0, len(list.Items)),
		Stats: make(map[string]int, len(list.Stats)),
	}
	for i := range list.Items {
		item, err := s.item(r.Context(), &list.Items[i])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Items = append(resp.Items, item)
	}
	for st, n := range list.Stats {
		resp.Stats[string(st)] = n
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	item, err := s.item(r.Context(), job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, operationResponse{
		Success: true,
		Message: fmt.Sprintf("Queue item %d deleted successfully", id),
	})
}

func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req priorityRequest
	if err := decodeBody(r, priorityValidator, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	prio, err := domain.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.svc.UpdatePriority(r.Context(), id, prio)
	s.writeOperation(w, r, job, err, func(item itemResponse) string {
		return fmt.Sprintf("Priority updated to %s", prio)
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.svc.Pause, func(itemResponse) string {
		return "Download paused successfully"
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.svc.Resume, func(item itemResponse) string {
		s.queued()
		return fmt.Sprintf("Download resumed and added to queue at position %d", item.Position)
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.svc.Retry, func(item itemResponse) string {
		s.queued()
		return fmt.Sprintf("Download retry scheduled at position %d", item.Position)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.svc.Cancel, func(itemResponse) string {
		return "Download cancelled successfully"
	})
}

// control runs a state change on the job named in the path.
func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(context.Context, int64) (*domain.Job, error), message func(itemResponse) string) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := op(r.Context(), id)
	s.writeOperation(w, r, job, err, message)
}

func (s *Server) writeOperation(w http.ResponseWriter, r *http.Request, job *domain.Job, err error, message func(itemResponse) string) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	item, err := s.item(r.Context(), job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log(r).Info("job updated", "job_id", job.ID, "status", job.Status, "priority", job.Priority)
	s.writeJSON(w, http.StatusOK, operationResponse{Success: true, Message: message(item), Item: &item})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.svc.Artifact(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	f, err := os.Open(job.Result.Path)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", domain.ErrArtifactMissing, err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType(job.Source.Format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName(job)))
	http.ServeContent(w, r, filepath.Base(job.Result.Path), info.ModTime(), f)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) queued() {
	if s.onQueued != nil {
		s.onQueued()
	}
}

// item renders job, adding its queue position when pending.
func (s *Server) item(ctx context.Context, job *domain.Job) (itemResponse, error) {
	pos, err := s.svc.PositionOf(ctx, job)
	if err != nil {
		return itemResponse{}, err
	}
	item := jobToResponse(job)
	item.Position = pos
	return item, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := errorToResponse(err)
	if status == http.StatusInternalServerError {
		s.log(r).Error("request failed", "error", err)
	} else {
		s.log(r).Debug("request rejected", "status", status, "error", err)
	}
	s.writeJSON(w, status, resp)
}

func errorToResponse(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, errorResponse{"ValidationError", "VALIDATION_ERROR", err.Error()}
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound, errorResponse{"NotFound", "ITEM_NOT_FOUND", err.Error()}
	case errors.Is(err, domain.ErrArtifactMissing):
		return http.StatusNotFound, errorResponse{"NotFound", "FILE_NOT_FOUND", err.Error()}
	case errors.Is(err, domain.ErrInvalidOperation):
		return http.StatusBadRequest, errorResponse{"InvalidOperation", "INVALID_OPERATION", err.Error()}
	}
	return http.StatusInternalServerError, errorResponse{"ServerError", "SERVER_ERROR", "internal error"}
}

// decodeBody reads a JSON body, checks it against schema and decodes it
// into dst.
func decodeBody(r *http.Request, schema *jsonschema.Schema, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: failed to read request body: %v", domain.ErrValidation, err)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", domain.ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: %s", domain.ErrValidation, leafMessage(ve))
		}
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", domain.ErrValidation, err)
	}
	return nil
}

// leafMessage returns the most specific cause of a schema failure.
func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.InstanceLocation == "" {
		return ve.Message
	}
	return strings.TrimPrefix(ve.InstanceLocation, "/") + ": " + ve.Message
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid job ID %q", domain.ErrValidation, r.PathValue("id"))
	}
	return id, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer %q", domain.ErrValidation, v)
	}
	return n, nil
}

func contentType(format string) string {
	switch format {
	case "m4a":
		return "audio/mp4"
	case "mp3":
		return "audio/mpeg"
	}
	return "application/octet-stream"
}

// downloadName builds a client facing file name from the job title.
func downloadName(job *domain.Job) string {
	ext := filepath.Ext(job.Result.Path)
	if job.Metadata.Title == "" {
		return fmt.Sprintf("audio-%d%s", job.ID, ext)
	}
	name := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`/\:*?"<>|`, r) || r < 0x20 {
			return '_'
		}
		return r
	}, job.Metadata.Title)
	return name + ext
}

const timeLayout = "2006-01-02T15:04:05Z"

func jobToResponse(job *domain.Job) itemResponse {
	resp := itemResponse{
		ID:           strconv.FormatInt(job.ID, 10),
		URL:          job.Source.URL,
		Format:       job.Source.Format,
		Priority:     string(job.Priority),
		Status:       string(job.Status),
		Title:        optString(job.Metadata.Title),
		Artist:       optString(job.Metadata.Artist),
		Thumbnail:    optString(job.Metadata.Thumbnail),
		Progress:     job.Progress,
		CurrentRetry: job.CurrentRetry,
		MaxRetries:   job.MaxRetries,
		ErrorCode:    optString(job.ErrorCode),
		ErrorMessage: optString(job.ErrorMessage),
		CreatedAt:    job.CreatedAt.UTC().Format(timeLayout),
		StartedAt:    optTime(job.StartedAt),
		CompletedAt:  optTime(job.CompletedAt),
		UpdatedAt:    job.UpdatedAt.UTC().Format(timeLayout),
	}
	if job.Metadata.Duration > 0 {
		d := job.Metadata.Duration
		resp.Duration = &d
	}
	if job.Result != nil {
		resp.FilePath = optString(job.Result.Path)
		size := job.Result.Size
		resp.FileSize = &size
	}
	return resp
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeLayout)
	return &s
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
