// Package web serves the JSON control API used to drive ingestion and sync from a browser
// or script on the local machine.
package web

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orderbridge/orderbridge/internal/app"
	"github.com/orderbridge/orderbridge/internal/jobs"
	"github.com/orderbridge/orderbridge/internal/store"
)

const (
	defaultRateLimit  = 30
	defaultRateWindow = time.Minute
	maxBodyBytes      = 2 << 20
	jobRetention      = time.Hour
)

type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

func (rl *RateLimiter) filterRecent(times []time.Time, windowStart time.Time) []time.Time {
	n := 0
	for _, t := range times {
		if t.After(windowStart) {
			times[n] = t
			n++
		}
	}
	return times[:n]
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recent := rl.filterRecent(rl.requests[key], now.Add(-rl.window))

	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}
	rl.requests[key] = append(recent, now)
	return true
}

type Server struct {
	app         *app.App
	httpServer  *http.Server
	port        int
	csrfKey     []byte
	rateLimiter *RateLimiter
}

func NewServer(port int, a *app.App) (*Server, error) {
	csrfKey := make([]byte, 32)
	if _, err := rand.Read(csrfKey); err != nil {
		return nil, fmt.Errorf("failed to generate CSRF key: %w", err)
	}

	return &Server{
		app:         a,
		port:        port,
		csrfKey:     csrfKey,
		rateLimiter: NewRateLimiter(defaultRateLimit, defaultRateWindow),
	}, nil
}

// Start serves on 127.0.0.1 until Shutdown is called. Scheduled sweeps and syncs
// run alongside the server.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.app.RunScheduled(ctx)
	go s.cleanupLoop(ctx)

	zap.L().Info("serving control API", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if active := s.app.Jobs().GetActive(); active != nil {
		active.Cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.app.Jobs().Cleanup(jobRetention)
		}
	}
}

// Handler returns the routed API with CSRF protection applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(plaintextLocalhost)

	r.Use(csrf.Protect(
		s.csrfKey,
		csrf.Secure(false),
		csrf.Path("/"),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.RequestHeader("X-CSRF-Token"),
		csrf.TrustedOrigins([]string{"localhost", "127.0.0.1", fmt.Sprintf("localhost:%d", s.port), fmt.Sprintf("127.0.0.1:%d", s.port)}),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusForbidden, fmt.Sprintf("csrf: %v", csrf.FailureReason(r)))
		})),
	))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/csrf", s.handleCSRF)
		r.Get("/stats", s.handleStats)
		r.Get("/customers", s.handleCustomers)
		r.Patch("/customers/{customerID}", s.handleCustomerContact)
		r.Get("/orders", s.handleOrders)
		r.Post("/orders", s.handleCreateOrder)
		r.Get("/orders/{orderID}", s.handleOrder)

		r.Post("/ingest", s.handleIngest)
		r.Post("/sweep", s.handleStartJob(jobs.KindSweep))
		r.Post("/sync", s.handleStartJob(jobs.KindSync))
		r.Post("/reprocess", s.handleStartJob(jobs.KindReprocess))
		r.Post("/followup", s.handleStartJob(jobs.KindFollowUp))
		r.Post("/config/reload", s.handleReload)

		r.Get("/jobs/active", s.handleJobActive)
		r.Get("/jobs/{jobID}", s.handleJobStatus)
		r.Post("/jobs/{jobID}/cancel", s.handleJobCancel)
	})

	return r
}

// plaintextLocalhost tells the CSRF middleware the API is served without TLS so
// it skips the Referer check that only applies to HTTPS.
func plaintextLocalhost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, csrf.PlaintextHTTPRequest(r))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// securityHeaders adds security headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		// Responses carry customer data
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"token": csrf.Token(r)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.app.Store().GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := s.app.Store().ListCustomers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"customers": customers})
}

func (s *Server) handleCustomerContact(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow("write") {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "customer id must be numeric")
		return
	}

	var req app.Contact
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c, err := s.app.SetCustomerContact(r.Context(), id, req)
	switch {
	case errors.Is(err, app.ErrInvalidContact):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "customer not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter store.OrderFilter
	if state := q.Get("state"); state != "" {
		filter.State = store.SyncState(state)
		if !filter.State.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", state))
			return
		}
	}
	if v := q.Get("customer"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "customer must be a numeric id")
			return
		}
		filter.CustomerID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative number")
			return
		}
		filter.Limit = n
	}

	orders, err := s.app.Store().ListOrders(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "order id must be numeric")
		return
	}

	o, err := s.app.Store().GetOrder(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type manualOrderRequest struct {
	Customer string          `json:"customer"`
	Date     string          `json:"date"`
	Products string          `json:"products"`
	Gifts    string          `json:"gifts"`
	Total    decimal.Decimal `json:"total"`
	Points   decimal.Decimal `json:"points"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow("write") {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req manualOrderRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Customer) == "" {
		writeError(w, http.StatusBadRequest, "customer is required")
		return
	}
	date := time.Now().UTC().Truncate(24 * time.Hour)
	if req.Date != "" {
		d, err := time.Parse(store.DateLayout, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}

	o, err := s.app.Pipeline().CreateManualOrder(r.Context(), req.Customer, date, req.Products, req.Gifts, req.Total, req.Points)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

type ingestRequest struct {
	Body       string `json:"body"`
	ExternalID string `json:"external_id"`
}

// handleIngest queues one email body for processing. A JSON body carries the text
// and an optional fallback id; any other content type is taken as the text itself.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow("write") {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	req := ingestRequest{ExternalID: r.URL.Query().Get("id")}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(data, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	} else {
		req.Body = string(data)
	}
	if strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "body is empty")
		return
	}

	job, err := s.app.Jobs().Start(jobs.KindIngest, func(ctx context.Context) (interface{}, error) {
		return s.app.Ingest(ctx, req.Body, req.ExternalID)
	})
	s.respondJob(w, job, err)
}

func (s *Server) handleStartJob(kind jobs.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.app.StartJob(kind)
		s.respondJob(w, job, err)
	}
}

func (s *Server) respondJob(w http.ResponseWriter, job *jobs.Job, err error) {
	if errors.Is(err, jobs.ErrBusy) {
		active := s.app.Jobs().GetActive()
		body := map[string]interface{}{"error": err.Error()}
		if active != nil {
			body["job"] = active.Snapshot()
		}
		writeJSON(w, http.StatusConflict, body)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Reload(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleJobActive(w http.ResponseWriter, r *http.Request) {
	job := s.app.Jobs().GetActive()
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"job": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job.Snapshot()})
}

// handleJobStatus returns the status of a specific job
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job := s.app.Jobs().Get(chi.URLParam(r, "jobID"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

// handleJobCancel cancels a running job
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job := s.app.Jobs().Get(chi.URLParam(r, "jobID"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": string(job.Snapshot().Status)})
}
