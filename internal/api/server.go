package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
	"github.com/JakeFAU/replychain-crawler/internal/metrics"
	queueMemory "github.com/JakeFAU/replychain-crawler/internal/queue/memory"
)

// TaskSubmitter accepts tasks without blocking the request.
type TaskSubmitter interface {
	TrySubmit(task crawler.Task) error
}

// TaskReader reads task records and transcripts.
type TaskReader interface {
	GetTaskStatus(ctx context.Context, taskID string) (crawler.TaskRecord, error)
	WriteTranscript(ctx context.Context, taskID string, w io.Writer) error
}

// Options configures the façade.
type Options struct {
	DefaultTopN int
	// APIKey enables the X-API-Key check when non-empty.
	APIKey string
	// Ready reports readiness; nil means always ready.
	Ready func() bool
}

// Server wires HTTP handlers to the task submitter and stores.
type Server struct {
	router    chi.Router
	tasks     TaskReader
	submitter TaskSubmitter
	idGen     crawler.IDGenerator
	opts      Options
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	tasks TaskReader,
	submitter TaskSubmitter,
	idGen crawler.IDGenerator,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultTopN <= 0 {
		opts.DefaultTopN = 1
	}
	s := &Server{
		tasks:     tasks,
		submitter: submitter,
		idGen:     idGen,
		opts:      opts,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/bilibili_crawl", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/run", s.runTask)
		r.Get("/result", s.getResult)
		r.Get("/export", s.exportTask)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready != nil && !s.opts.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}
	topN := s.opts.DefaultTopN
	if raw := r.URL.Query().Get("top_n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "top_n must be a positive integer")
			return
		}
		topN = n
	}
	taskID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate task id")
		return
	}
	if err := s.submitter.TrySubmit(crawler.Task{ID: taskID, Query: query, TopN: topN}); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queueMemory.ErrFull) || errors.Is(err, crawler.ErrQueueClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, fmt.Sprintf("enqueue task: %v", err))
		return
	}
	s.logger.Info("task queued", zap.String("task_id", taskID), zap.String("query", query), zap.Int("top_n", topN))
	writeJSON(w, http.StatusOK, map[string]string{"data": taskID})
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	taskID, ok := requireTaskID(w, r)
	if !ok {
		return
	}
	record, err := s.tasks.GetTaskStatus(r.Context(), taskID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": record})
}

func (s *Server) exportTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := requireTaskID(w, r)
	if !ok {
		return
	}
	if _, err := s.tasks.GetTaskStatus(r.Context(), taskID); err != nil {
		writeTaskError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := s.tasks.WriteTranscript(r.Context(), taskID, &buf); err != nil {
		s.logger.Error("transcript export failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Warn("transcript write failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func requireTaskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	taskID := strings.TrimSpace(r.URL.Query().Get("task_id"))
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id required")
		return "", false
	}
	return taskID, true
}

func writeTaskError(w http.ResponseWriter, err error) {
	if errors.Is(err, crawler.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "read task status")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			metrics.ObserveHTTPRequest(r.Method, ww.status)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
