// Package server exposes the capture control API over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"posecapture/internal/capture"
	"posecapture/internal/events"
	"posecapture/internal/pose"
	"posecapture/internal/sequence"
	"posecapture/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Options wires the server to the rest of the process.
type Options struct {
	Addr      string
	Registry  *capture.Registry
	Profile   *pose.Profile
	Store     *storage.Store // optional; enables /jobs and /sessions/{id}/history
	Bus       *events.Bus    // optional; enables SSE
	WebSocket http.Handler   // optional; mounted at /ws
	RateLimit float64        // requests per second per client IP; 0 disables
	Burst     int
	Log       *slog.Logger
}

// Server is the HTTP control surface for capture sessions.
type Server struct {
	addr     string
	registry *capture.Registry
	profile  *pose.Profile
	store    *storage.Store
	bus      *events.Bus
	ws       http.Handler
	limiter  *rateLimiter
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server from opts.
func NewServer(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Profile == nil {
		opts.Profile = pose.Default()
	}
	s := &Server{
		addr:     opts.Addr,
		registry: opts.Registry,
		profile:  opts.Profile,
		store:    opts.Store,
		bus:      opts.Bus,
		ws:       opts.WebSocket,
		log:      opts.Log,
	}
	if opts.RateLimit > 0 {
		s.limiter = newRateLimiter(opts.RateLimit, opts.Burst)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	r.Use(requestID)
	r.Use(s.logRequests)
	if s.limiter != nil {
		r.Use(s.limiter.middleware(s.log))
	}
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/poses", s.handlePoses).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")

	r.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	r.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	r.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	r.HandleFunc("/sessions/{id}", s.handleCloseSession).Methods("DELETE")
	r.HandleFunc("/sessions/{id}/capture", s.handleCapture).Methods("POST")
	r.HandleFunc("/sessions/{id}/confirm", s.handleConfirm).Methods("POST")
	r.HandleFunc("/sessions/{id}/retake", s.handleRetake).Methods("POST")
	r.HandleFunc("/sessions/{id}/photos/{pose}", s.handlePhoto).Methods("GET")
	r.HandleFunc("/sessions/{id}/events", s.handleEvents).Methods("GET")
	r.HandleFunc("/sessions/{id}/history", s.handleHistory).Methods("GET")

	if s.ws != nil {
		r.Handle("/ws", s.ws).Methods("GET")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handlePoses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.profile)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("job history not enabled"))
		return
	}
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Start(s.profile)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Close(mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.CaptureNow(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

type confirmRequest struct {
	Accept *bool `json:"accept"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Accept == nil {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"accept": true|false}`))
		return
	}
	if err := sess.Confirm(r.Context(), *req.Accept); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

type retakeRequest struct {
	Pose string `json:"pose"`
}

func (s *Server) handleRetake(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req retakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pose == "" {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"pose": "<id>"}`))
		return
	}
	if err := sess.Retake(r.Context(), req.Pose); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	photo, found, err := sess.Photo(r.Context(), mux.Vars(r)["pose"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, errors.New("no photo for pose"))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Last-Modified", photo.TakenAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	w.Write(photo.Data)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("event history not enabled"))
		return
	}
	recs, err := s.store.SessionEvents(mux.Vars(r)["id"], 500)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if s.bus == nil {
		writeError(w, http.StatusNotFound, errors.New("event stream not enabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	all, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()
	evCh := events.Filter(all, sess.ID())
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Done():
			return
		case e, ok := <-evCh:
			if !ok {
				return
			}
			payload, err := e.Marshal()
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: " + string(e.Type) + "\ndata: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*capture.Session, bool) {
	sess, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("request failed", "path", r.URL.Path, "request_id", w.Header().Get(RequestIDHeader), "error", err)
	}
	writeError(w, status, err)
}

// statusFor maps session errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrSessionNotFound), errors.Is(err, capture.ErrSessionClosed):
		return http.StatusNotFound
	case errors.Is(err, sequence.ErrUnknownPose):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrDetectorUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrNotValid),
		errors.Is(err, capture.ErrCoolingDown),
		errors.Is(err, capture.ErrNoFrame),
		errors.Is(err, sequence.ErrComplete),
		errors.Is(err, sequence.ErrPendingConfirmation),
		errors.Is(err, sequence.ErrNoPending):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
