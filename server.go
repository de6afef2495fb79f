package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/projectdiscovery/gologger"

	"github.com/thecodingguy1/DomainMap/jobs"
	"github.com/thecodingguy1/DomainMap/scanner"
)

const (
	// MaxRequestBodySize limits the POST body of a job submission.
	MaxRequestBodySize = 64 << 10

	jobCleanupInterval = 5 * time.Minute
	shutdownTimeout    = 10 * time.Second
)

type server struct {
	manager      *jobs.Manager
	port         int
	allowPrivate bool
	// trustProxy controls whether X-Forwarded-For and X-Real-IP are trusted.
	// Only enable it behind a trusted reverse proxy.
	trustProxy bool
	scheme     scanner.Scheme
}

func newServer(cfg Config, manager *jobs.Manager) *server {
	return &server{
		manager:      manager,
		port:         cfg.Server.Port,
		allowPrivate: cfg.Server.AllowPrivate,
		trustProxy:   os.Getenv("TRUST_PROXY") == "true",
		scheme:       scanner.Scheme(cfg.Scheme),
	}
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(securityHeaders)

	// Routes live on the root router: a Subrouter answers a method
	// mismatch with 404 instead of 405.
	r.HandleFunc("/api/jobs", s.csrfProtection(s.handleCreateJob)).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}/stream", s.handleJobStream).Methods(http.MethodGet)
	r.HandleFunc("/api/queue/stats", s.handleQueueStats).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = securityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, jobs.ErrorResponse{Error: "Method not allowed", Code: "METHOD_NOT_ALLOWED"})
	}))
	r.NotFoundHandler = securityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, jobs.ErrorResponse{Error: "Not found", Code: "NOT_FOUND"})
	}))

	return r
}

// newScanFunc binds the job manager to a fetcher and limiter shared by all jobs.
func newScanFunc(cfg Config, denyPrivate bool) jobs.ScanFunc {
	limiter := scanner.NewRateLimiter(cfg.Rate)
	fetcher := scanner.NewFetcher(scanner.FetcherOptions{
		Timeout:     cfg.Timeout,
		UserAgent:   cfg.UserAgent,
		Insecure:    cfg.Insecure,
		DenyPrivate: denyPrivate,
		Limiter:     limiter,
	})

	return func(ctx context.Context, targets []scanner.Target, onProgress scanner.ProgressFunc) []scanner.ScanResult {
		return scanner.Scan(ctx, targets, scanner.Options{
			Fetcher:     fetcher,
			Limiter:     limiter,
			Concurrency: cfg.Concurrency,
			OnProgress:  onProgress,
		})
	}
}

func runServer(ctx context.Context, cfg Config) error {
	if cfg.CDN {
		loadCDNRanges()
	}

	manager := jobs.NewManagerWithConcurrency(
		newScanFunc(cfg, !cfg.Server.AllowPrivate),
		cfg.Server.JobTTL,
		jobCleanupInterval,
		cfg.Server.MaxJobs,
	)
	s := newServer(cfg, manager)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		gologger.Info().Msgf("Server starting on http://localhost:%d", cfg.Server.Port)
		if s.trustProxy {
			gologger.Info().Msg("Trusting X-Forwarded-For and X-Real-IP headers")
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			manager.Shutdown()
			return err
		}
	case <-ctx.Done():
	}

	gologger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		gologger.Warning().Msgf("Server shutdown: %s", err)
	}
	manager.Shutdown()
	gologger.Info().Msg("Cleanup complete")
	return nil
}

// getVisitorIP extracts the visitor's IP address, consulting proxy headers
// only when trustProxy is set.
func (s *server) getVisitorIP(r *http.Request) string {
	if s.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// first entry is the original client
			ip := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			if net.ParseIP(xri) != nil {
				return xri
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// csrfProtection rejects state-changing browser requests whose Origin is
// neither this host nor localhost. Requests without Origin and Referer
// (curl and friends) pass.
func (s *server) csrfProtection(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			if r.Header.Get("Referer") == "" {
				gologger.Debug().Msgf("Request without Origin/Referer from %s", s.getVisitorIP(r))
			}
			next(w, r)
			return
		}

		if origin == "null" ||
			(!strings.HasSuffix(origin, "://"+r.Host) &&
				!strings.HasSuffix(origin, fmt.Sprintf("://localhost:%d", s.port))) {
			writeJSON(w, http.StatusForbidden, jobs.ErrorResponse{
				Error: "Cross-origin requests not allowed",
				Code:  "CSRF_BLOCKED",
			})
			return
		}
		next(w, r)
	}
}

func (s *server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req jobs.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, jobs.ErrorResponse{Error: "Request body too large", Code: "BODY_TOO_LARGE"})
			return
		}
		writeJSON(w, http.StatusBadRequest, jobs.ErrorResponse{Error: "Invalid request body", Code: "INVALID_BODY"})
		return
	}

	targets, invalid := buildTargets(req.Targets, s.scheme)
	if !s.allowPrivate {
		allowed := targets[:0]
		for _, t := range targets {
			if err := scanner.CheckHost(t.Host); err != nil {
				invalid = append(invalid, &scanner.InvalidTargetError{Line: t.Raw, Err: err})
				continue
			}
			allowed = append(allowed, t)
		}
		targets = allowed
	}

	if len(invalid) > 0 {
		lines := make([]string, 0, len(invalid))
		for _, err := range invalid {
			lines = append(lines, err.Error())
		}
		writeJSON(w, http.StatusBadRequest, jobs.ErrorResponse{
			Error:          fmt.Sprintf("%d invalid target(s)", len(invalid)),
			Code:           "INVALID_TARGETS",
			InvalidTargets: lines,
		})
		return
	}

	job, err := s.manager.CreateJob(s.getVisitorIP(r), targets)
	if err != nil {
		var activeErr *jobs.ActiveJobError
		switch {
		case errors.As(err, &activeErr):
			writeJSON(w, http.StatusConflict, jobs.ErrorResponse{
				Error:       "You already have an active scan job",
				Code:        "ACTIVE_JOB_EXISTS",
				ActiveJobID: activeErr.JobID,
			})
		case errors.Is(err, jobs.ErrNoTargets), errors.Is(err, jobs.ErrTooManyTargets):
			writeJSON(w, http.StatusBadRequest, jobs.ErrorResponse{Error: err.Error(), Code: "INVALID_TARGETS"})
		case errors.Is(err, jobs.ErrShuttingDown):
			writeJSON(w, http.StatusServiceUnavailable, jobs.ErrorResponse{Error: err.Error(), Code: "SHUTTING_DOWN"})
		default:
			gologger.Warning().Msgf("Error creating job: %s", err)
			writeJSON(w, http.StatusInternalServerError, jobs.ErrorResponse{Error: "Failed to create job"})
		}
		return
	}

	message := "Job created successfully"
	if job.QueuePosition > 1 {
		message = fmt.Sprintf("Job queued at position %d", job.QueuePosition)
	}

	writeJSON(w, http.StatusCreated, jobs.CreateJobResponse{
		JobID:         job.ID,
		Status:        job.Status,
		QueuePosition: job.QueuePosition,
		Message:       message,
	})
}

func (s *server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	running, queued, maxConcurrent := s.manager.GetQueueStats()
	writeJSON(w, http.StatusOK, jobs.QueueStatsResponse{
		Running:       running,
		Queued:        queued,
		MaxConcurrent: maxConcurrent,
	})
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, exists := s.manager.GetJob(jobID)
	if !exists {
		writeNotFound(w, jobID)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobStream streams progress events over SSE and ends with a
// single complete event.
func (s *server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, exists := s.manager.GetJob(jobID)
	if !exists {
		writeNotFound(w, jobID)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	progressCh, unsubscribe := s.manager.Subscribe(jobID)
	defer unsubscribe()

	if job.Progress != nil {
		sendSSE(w, flusher, "progress", job.Progress)
	}

	for {
		select {
		case progress, open := <-progressCh:
			if !open {
				if finished, found := s.manager.GetJob(jobID); found {
					sendSSE(w, flusher, "complete", map[string]interface{}{
						"status":  finished.Status,
						"error":   finished.Error,
						"summary": finished.Summary,
					})
				}
				return
			}
			if progress != nil {
				sendSSE(w, flusher, "progress", progress)
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeNotFound(w http.ResponseWriter, jobID string) {
	writeJSON(w, http.StatusNotFound, jobs.ErrorResponse{
		Error: (&jobs.JobNotFoundError{JobID: jobID}).Error(),
		Code:  "JOB_NOT_FOUND",
	})
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) {
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		gologger.Debug().Msgf("Write response: %s", err)
	}
}
