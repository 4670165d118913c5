package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
	"github.com/JakeFAU/public-register-crawler/internal/jobs"
	"github.com/JakeFAU/public-register-crawler/internal/metrics"
	"github.com/JakeFAU/public-register-crawler/internal/storage/postgres"
)

const maxBodyBytes = 1 << 16

// Jobs is the job runner as seen by the handlers.
type Jobs interface {
	Start(ctx context.Context, overrides jobs.Overrides) (string, error)
	Stop(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (jobs.Job, error)
	Result(ctx context.Context, id string) (jobs.Result, error)
	Active() (string, bool)
}

// Records searches persisted detail records.
type Records interface {
	Search(ctx context.Context, query string, page, perPage int) (postgres.SearchResult, error)
}

// Options tune the router.
type Options struct {
	// APIKey, when set, is required in the X-API-Key header or api_key query.
	APIKey         string
	RequestTimeout time.Duration
	// Records backs GET /v1/records. Without it the route answers 503.
	Records Records
}

// Server wires HTTP handlers to the job runner and the record store.
type Server struct {
	router  chi.Router
	jobs    Jobs
	records Records
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner Jobs, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		jobs:    runner,
		records: opts.Records,
		logger:  logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/crawls", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/", s.startCrawl)
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/status", s.crawlStatus)
			r.Get("/result", s.crawlResult)
			r.Post("/stop", s.stopCrawl)
		})
	})

	r.Route("/v1/records", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/", s.searchRecords)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startRequest struct {
	FilterValue string `json:"filter_value"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	id, err := s.jobs.Start(r.Context(), jobs.Overrides{FilterValue: req.FilterValue})
	switch {
	case errors.Is(err, jobs.ErrBusy):
		body := map[string]string{"error": err.Error()}
		if active, ok := s.jobs.Active(); ok {
			body["job_id"] = active
		}
		s.writeJSON(w, http.StatusConflict, body)
		return
	case errors.Is(err, jobs.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("start crawl failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) crawlStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) crawlResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.jobs.Result(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	if !res.Job.Status.Terminal() {
		s.writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "job has not finished",
			"status": string(res.Job.Status),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) stopCrawl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	err := s.jobs.Stop(r.Context(), id)
	switch {
	case errors.Is(err, jobs.ErrNotRunning):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "stop_requested"})
}

type recordsResponse struct {
	Count    int                    `json:"count"`
	NumPages int                    `json:"num_pages"`
	Page     int                    `json:"page"`
	Results  []crawler.DetailRecord `json:"results"`
}

// searchRecords handles GET /v1/records?query=&page=&per_page=. The query
// matches name, identifier or registration number case-insensitively.
func (s *Server) searchRecords(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		s.writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	perPage, err := intParam(q.Get("per_page"), postgres.DefaultPerPage)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid per_page")
		return
	}

	res, err := s.records.Search(r.Context(), q.Get("query"), page, perPage)
	if err != nil {
		s.logger.Error("search records failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to search records")
		return
	}
	s.writeJSON(w, http.StatusOK, recordsResponse{
		Count:    res.Count,
		NumPages: res.NumPages,
		Page:     res.Page,
		Results:  res.Records,
	})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid integer")
	}
	return val, nil
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.logger.Error("job lookup failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "job lookup failed")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
