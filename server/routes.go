package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/relay/broker"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/version"
)

// Routes builds the HTTP surface: the REST control plane, health and
// metrics endpoints, and the three WebSocket upgrade paths.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/jobs", s.corsMiddleware(s.handleJobs))         // Submit (POST) / query (GET)
	mux.HandleFunc("/api/jobs/{id}", s.corsMiddleware(s.handleJob))     // Get (GET) / cancel (DELETE)
	mux.HandleFunc("/api/workers", s.corsMiddleware(s.handleWorkers))   // Active worker fleet (GET)
	mux.HandleFunc("/api/stats", s.corsMiddleware(s.handleQueueStats))  // Queue depths (GET)
	mux.HandleFunc("/healthz", s.corsMiddleware(s.handleHealth))        // Store liveness
	mux.Handle("/metrics", promhttp.Handler())                          // Prometheus scrape
	mux.HandleFunc("/ws/monitor/{id}", s.corsMiddleware(s.handleMonitorSocket))
	mux.HandleFunc("/ws/client/{id}", s.corsMiddleware(s.handleClientSocket))
	mux.HandleFunc("/ws/worker/{id}", s.corsMiddleware(s.handleWorkerSocket))

	return mux
}

// corsMiddleware adds CORS headers using the same origin validation as
// WebSocket upgrades.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// handleJobs submits a job (POST) or queries the job set (GET).
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitJob(w, r)
	case http.MethodGet:
		s.handleQueryJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var spec broker.SubmitSpec
	if err := readJSON(w, r, &spec); err != nil {
		return
	}

	job, err := s.jobs.Submit(r.Context(), spec)
	if err != nil {
		if errors.IsInvalidRequestError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Errorw("HTTP submission failed", "service", spec.ServiceRequired, "error", err)
		writeError(w, http.StatusServiceUnavailable, "submission failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":    job.ID,
		"status":    job.Status,
		"priority":  job.Priority,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleQueryJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := broker.Filter{
		WorkerID:   q.Get("worker"),
		CustomerID: q.Get("customer"),
	}
	if status := q.Get("status"); status != "" {
		if !broker.IsValidStatus(status) {
			writeError(w, http.StatusBadRequest, "unknown status: "+status)
			return
		}
		filter.Status = broker.JobStatus(status)
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	jobs, err := s.jobs.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// jobResponse surfaces a job with its queue position while pending and
// its archived result once completed.
type jobResponse struct {
	*broker.Job
	QueuePosition *int64          `json:"queue_position,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// handleJob returns (GET) or cancels (DELETE) one job.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetJob(w, r, jobID)
	case http.MethodDelete:
		s.handleCancelJob(w, r, jobID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "lookup failed")
		return
	}

	resp := jobResponse{Job: job}
	if job.Status == broker.JobStatusPending {
		if pos, err := s.jobs.PendingPosition(r.Context(), jobID); err == nil && pos >= 0 {
			resp.QueuePosition = &pos
		}
	}
	if job.Status == broker.JobStatusCompleted {
		if data, err := s.jobs.CompletedResult(r.Context(), jobID); err == nil {
			resp.Result = data
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled via API"
	}

	if err := s.jobs.Cancel(r.Context(), jobID, reason); err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":    jobID,
		"status":    broker.JobStatusCancelled,
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleWorkers lists the active fleet with liveness ages.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	workers, err := s.registry.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "worker query failed")
		return
	}

	type workerEntry struct {
		*broker.Worker
		HeartbeatAgeMs int64 `json:"heartbeat_age_ms"`
		Alive          bool  `json:"alive"`
	}
	entries := make([]workerEntry, 0, len(workers))
	for _, worker := range workers {
		entry := workerEntry{Worker: worker}
		if age, err := s.registry.HeartbeatAge(r.Context(), worker.ID); err == nil {
			entry.HeartbeatAgeMs = age.Milliseconds()
			entry.Alive = true
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workers": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"store":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
	})
}

// WebSocket upgrade handlers. Each accepts the connection, runs the
// registration handshake, and starts the pumps.

func (s *Server) handleMonitorSocket(w http.ResponseWriter, r *http.Request) {
	s.acceptSocket(w, r, ConnMonitor)
}

func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	s.acceptSocket(w, r, ConnClient)
}

func (s *Server) handleWorkerSocket(w http.ResponseWriter, r *http.Request) {
	s.acceptSocket(w, r, ConnWorker)
}

func (s *Server) acceptSocket(w http.ResponseWriter, r *http.Request, kind ConnKind) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "connection id required")
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorw("WebSocket upgrade failed",
			"kind", kind,
			"socket_id", id,
			"error", err)
		return
	}

	sock := newSocket(s, conn, kind, id, r.RemoteAddr)
	if kind == ConnClient {
		// Greet before the pumps start so the direct write cannot race
		s.greetClient(sock)
	}

	select {
	case s.register <- sock:
	case <-s.ctx.Done():
		sock.close(websocket.CloseGoingAway, "server shutting down")
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		sock.readPump()
	}()
	go func() {
		defer s.wg.Done()
		sock.writePump()
	}()
}
