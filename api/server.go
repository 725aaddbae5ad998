package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/notify"
	"job-orchestrator/pkg/orchestrator"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	wsWriteTimeout  = 10 * time.Second
)

type server struct {
	orch     *orchestrator.Orchestrator
	hub      *notify.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func newServer(orch *orchestrator.Orchestrator, hub *notify.Hub, logger *slog.Logger) *server {
	return &server{
		orch:   orch,
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/events", s.handleJobEvents).Methods(http.MethodGet)
	r.HandleFunc("/queue/stats", s.handleQueueStats).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStatistics).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps an orchestrator error onto a response.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *job.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req job.SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get("X-User-ID")
	}

	receipt, err := s.orch.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.orch.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &job.ValidationError{Field: key, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	user := r.URL.Query().Get("user")
	if user == "" {
		user = r.Header.Get("X-User-ID")
	}
	jobs, total, err := s.orch.GetByUser(r.Context(), user, limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total, "limit": limit, "offset": offset})
}

func (s *server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	id := mux.Vars(r)["id"]
	ok, err := s.orch.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"jobId": id, "cancelled": ok})
}

func (s *server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.QueueStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}
	stats, err := s.orch.Statistics(r.Context(), window)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.orch.ProcessorHealth(r.Context())
	if err != nil {
		s.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "processor": health})
}

// handleJobEvents streams the job's events over a websocket, starting with a
// snapshot of the record. The stream ends after a terminal status.
func (s *server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// Subscribe before the snapshot so no event falls in between.
	events := make(chan notify.Event, 64)
	sub := s.hub.Subscribe(id, func(_ context.Context, ev notify.Event) {
		select {
		case events <- ev:
		default:
			s.logger.Warn("dropping event for slow websocket client", "job_id", id, "type", ev.Type)
		}
	})
	defer s.hub.UnsubscribeOne(id, sub)

	snapshot, err := s.orch.GetByID(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(v any) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v) == nil
	}
	finish := func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
			time.Now().Add(wsWriteTimeout))
	}
	if !send(map[string]any{"type": "snapshot", "job": snapshot}) {
		return
	}
	if snapshot.Status.Terminal() {
		finish()
		return
	}

	for {
		select {
		case <-closed:
			return
		case ev := <-events:
			if !send(ev) {
				return
			}
			if ev.Type == notify.EventStatus && ev.Status.Terminal() {
				finish()
				return
			}
		}
	}
}
