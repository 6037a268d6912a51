package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-dispatch/internal/assignment"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/storage"
)

// HeartbeatPublisher forwards heartbeats to the presence consumer instead of
// writing them directly.
type HeartbeatPublisher interface {
	PublishHeartbeat(ctx context.Context, hb models.Heartbeat) error
}

type Deps struct {
	Coordinator *assignment.Coordinator
	Fanout      *dispatch.Fanout
	Recorder    *observability.Recorder
	Presence    storage.PresenceStore
	Heartbeats  HeartbeatPublisher
	Sessions    *dispatch.WSRegistry
	// Ready reports whether backing services are reachable.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
	Now    func() time.Time
}

type Server struct {
	coord      *assignment.Coordinator
	fanout     *dispatch.Fanout
	recorder   *observability.Recorder
	presence   storage.PresenceStore
	heartbeats HeartbeatPublisher
	sessions   *dispatch.WSRegistry
	ready      func(ctx context.Context) error
	logger     *slog.Logger
	now        func() time.Time
	mux        *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		coord:      d.Coordinator,
		fanout:     d.Fanout,
		recorder:   d.Recorder,
		presence:   d.Presence,
		heartbeats: d.Heartbeats,
		sessions:   d.Sessions,
		ready:      d.Ready,
		logger:     d.Logger,
		now:        d.Now,
		mux:        mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.ready == nil {
		s.ready = func(context.Context) error { return nil }
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/release", s.handleRelease).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/status", s.handleStatus).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/offers", s.handleNotifyOffer).Methods(http.MethodPost)
	api.HandleFunc("/dispatch/summary", s.handleSummary).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req assignment.NewJob
	if !decode(w, r, &req) {
		return
	}
	job, err := s.coord.CreateJob(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	res, err := s.coord.DispatchJob(r.Context(), job.ID)
	if err != nil {
		// the job exists; dispatch can be retried against it
		s.logger.Warn("initial_dispatch_failed", "job_id", job.ID, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "searching", "job": job})
		return
	}
	s.writeDispatch(w, r, res, http.StatusCreated)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.coord.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.DispatchJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeDispatch(w, r, res, http.StatusOK)
}

func (s *Server) writeDispatch(w http.ResponseWriter, r *http.Request, res assignment.Result, okStatus int) {
	switch res.FailureReason {
	case "":
		job, err := s.coord.GetJob(r.Context(), res.Attempt.JobID)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, okStatus, map[string]any{"status": "assigned", "job": job, "dispatch": res})
	case models.OutcomeNoDriver:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "searching", "job_id": res.Attempt.JobID, "dispatch": res})
	default:
		writeJSON(w, http.StatusConflict, map[string]any{"error": "job no longer available", "reason": res.FailureReason})
	}
}

type driverRequest struct {
	DriverID string           `json:"driver_id"`
	Status   models.JobStatus `json:"status,omitempty"`
}

func (s *Server) decodeDriver(w http.ResponseWriter, r *http.Request) (driverRequest, bool) {
	var req driverRequest
	if !decode(w, r, &req) {
		return req, false
	}
	if req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return req, false
	}
	return req, true
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeDriver(w, r)
	if !ok {
		return
	}
	job, err := s.coord.Accept(r.Context(), mux.Vars(r)["id"], req.DriverID)
	s.writeJob(w, r, job, err)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeDriver(w, r)
	if !ok {
		return
	}
	job, err := s.coord.Release(r.Context(), mux.Vars(r)["id"], req.DriverID)
	s.writeJob(w, r, job, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeDriver(w, r)
	if !ok {
		return
	}
	if req.Status != models.StatusDriverArrived && req.Status != models.StatusInProgress {
		writeError(w, http.StatusBadRequest, "status must be driver_arrived or in_progress")
		return
	}
	job, err := s.coord.Advance(r.Context(), mux.Vars(r)["id"], req.DriverID, req.Status)
	s.writeJob(w, r, job, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	job, err := s.coord.Complete(r.Context(), mux.Vars(r)["id"])
	s.writeJob(w, r, job, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.coord.Cancel(r.Context(), mux.Vars(r)["id"])
	s.writeJob(w, r, job, err)
}

func (s *Server) writeJob(w http.ResponseWriter, r *http.Request, job *models.Job, err error) {
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type offerRequest struct {
	DriverID string           `json:"driver_id"`
	JobID    string           `json:"job_id"`
	Kind     models.OfferKind `json:"kind,omitempty"`
	Extra    map[string]any   `json:"extra,omitempty"`
}

func (s *Server) handleNotifyOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DriverID == "" || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "driver_id and job_id are required")
		return
	}
	if req.Kind != "" && req.Kind != models.OfferAssignment && req.Kind != models.OfferReoffer {
		writeError(w, http.StatusBadRequest, "kind must be assignment or reoffer")
		return
	}
	job, err := s.coord.GetJob(r.Context(), req.JobID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	offer := s.fanout.NotifyOffer(r.Context(), req.DriverID, job.Ref(), dispatch.Payload{Kind: req.Kind, Extra: req.Extra})
	writeJSON(w, http.StatusAccepted, offer)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	p, err := observability.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "period must be today, week or month")
		return
	}
	sum, err := s.recorder.Summary(r.Context(), p)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if !decode(w, r, &hb) {
		return
	}
	if hb.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	if hb.SentAt.IsZero() {
		hb.SentAt = s.now()
	}
	var err error
	if s.heartbeats != nil {
		err = s.heartbeats.PublishHeartbeat(r.Context(), hb)
	} else {
		err = s.presence.UpsertPresence(r.Context(), hb, s.now())
	}
	if err != nil {
		s.logger.Error("heartbeat_failed", "driver_id", hb.DriverID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, try again")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.ready(ctx); err != nil {
		s.logger.Warn("not_ready", "error", err)
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS keeps the driver session registered until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "driver_id", id, "error", err)
		return
	}
	s.sessions.Add(id, conn)
	defer func() {
		s.sessions.Remove(id, conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", "route", routeTemplate(r), "request_id", requestID(r.Context()), "error", err)
	}
	writeError(w, status, msg)
}

// statusFor maps domain errors to a status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, assignment.ErrInvalidJob):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, assignment.ErrJobNotFound):
		return http.StatusNotFound, "job not found"
	case errors.Is(err, assignment.ErrNoLongerAvailable):
		return http.StatusConflict, "job no longer available"
	case errors.Is(err, assignment.ErrDriverBusy):
		return http.StatusConflict, "driver already holds a job"
	case errors.Is(err, assignment.ErrInvalidTransition):
		return http.StatusConflict, "invalid job status transition"
	case errors.Is(err, assignment.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "temporarily unavailable, try again"
	}
	return http.StatusInternalServerError, "internal error"
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
