package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/config"
	"github.com/JakeFAU/review-harvester/internal/dispatcher"
	"github.com/JakeFAU/review-harvester/internal/metrics"
	"github.com/JakeFAU/review-harvester/internal/query"
	"github.com/JakeFAU/review-harvester/internal/scraper"
)

const (
	readyTimeout   = 2 * time.Second
	requestTimeout = 60 * time.Second
	maxBodyBytes   = 1 << 16
)

// Submitter accepts scrape requests.
type Submitter interface {
	Submit(ctx context.Context, req scraper.SubmitRequest) (dispatcher.Submission, error)
}

// Reader serves cached read queries.
type Reader interface {
	Reviews(ctx context.Context, q query.ReviewQuery) (query.Result, error)
	Stats(ctx context.Context, productID, domain string) (query.Result, error)
}

// ReadyCheck is one dependency probed by /readyz.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wires HTTP handlers to the dispatcher, job store and query service.
type Server struct {
	router    chi.Router
	submitter Submitter
	jobs      scraper.JobStore
	reader    Reader
	checks    []ReadyCheck
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	submitter Submitter,
	jobs scraper.JobStore,
	reader Reader,
	auth config.AuthConfig,
	logger *zap.Logger,
	checks ...ReadyCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		submitter: submitter,
		jobs:      jobs,
		reader:    reader,
		checks:    checks,
		logger:    logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if auth.Enabled {
			r.Use(apiKeyMiddleware(auth.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Get("/{job_id}", s.getJob)
		})
		r.Get("/reviews", s.getReviews)
		r.Get("/stats", s.getStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	failures := map[string]string{}
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			failures[c.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	ProductID string `json:"product_id"`
	Domain    string `json:"domain"`
	Strategy  string `json:"strategy"`
}

type submitResponse struct {
	JobID       string           `json:"job_id"`
	State       scraper.JobState `json:"state"`
	Reused      bool             `json:"reused,omitempty"`
	ErrorDetail string           `json:"error_detail,omitempty"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sub, err := s.submitter.Submit(r.Context(), scraper.SubmitRequest{
		ProductID: req.ProductID,
		Domain:    req.Domain,
		Strategy:  scraper.Strategy(strings.ToLower(strings.TrimSpace(req.Strategy))),
	})
	if err != nil {
		status := statusFor(err)
		if sub.Job.ID != "" {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("submit failed", zap.Error(err), zap.String("product_id", req.ProductID))
		writeError(w, status, err.Error())
		return
	}
	resp := submitResponse{
		JobID:       sub.Job.ID,
		State:       sub.Job.State,
		Reused:      sub.Reused,
		ErrorDetail: sub.Job.ErrorDetail,
	}
	if sub.Reused {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type jobView struct {
	JobID           string           `json:"job_id"`
	ProductID       string           `json:"product_id"`
	Domain          string           `json:"domain"`
	Strategy        scraper.Strategy `json:"strategy"`
	State           scraper.JobState `json:"state"`
	PagesFetched    int              `json:"pages_fetched"`
	RecordsIngested int              `json:"records_ingested"`
	RecordsRejected int              `json:"records_rejected"`
	FetchAttempts   int              `json:"fetch_attempts"`
	ErrorDetail     string           `json:"error_detail,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
}

func viewOf(job scraper.Job) jobView {
	return jobView{
		JobID:           job.ID,
		ProductID:       job.ProductID,
		Domain:          job.Domain,
		Strategy:        job.Strategy,
		State:           job.State,
		PagesFetched:    job.Progress.PagesFetched,
		RecordsIngested: job.Progress.RecordsIngested,
		RecordsRejected: job.Progress.RecordsRejected,
		FetchAttempts:   job.Progress.FetchAttempts,
		ErrorDetail:     job.ErrorDetail,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		FinishedAt:      job.FinishedAt,
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		if errors.Is(err, scraper.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := scraper.JobFilter{
		State:     scraper.JobState(q.Get("state")),
		ProductID: q.Get("product_id"),
		Domain:    q.Get("domain"),
	}
	if filter.State != "" && !filter.State.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state")
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	filter.Limit = scraper.ClampLimit(limit)

	jobs, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOf(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) getReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	res, err := s.reader.Reviews(r.Context(), query.ReviewQuery{
		ProductID: q.Get("product_id"),
		Domain:    q.Get("domain"),
		Cursor:    q.Get("cursor"),
		Limit:     limit,
	})
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	if res.NextCursor != "" {
		w.Header().Set("X-Next-Cursor", res.NextCursor)
	}
	writePayload(w, res)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.reader.Stats(r.Context(), q.Get("product_id"), q.Get("domain"))
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writePayload(w, res)
}

func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("query failed", zap.Error(err))
		writeError(w, status, "query failed")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scraper.ErrInvalidRequest), errors.Is(err, scraper.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, scraper.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func writePayload(w http.ResponseWriter, res query.Result) {
	cache := "MISS"
	if res.CacheHit {
		cache = "HIT"
	}
	w.Header().Set("X-Cache", cache)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
