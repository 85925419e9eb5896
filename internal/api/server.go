// Package api serves stored and live sessions over HTTP and reports health over gRPC.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/store"
)

const (
	defaultLimit  = 100
	maxLimit      = 1000
	streamBuffer  = 64
	keepAliveTick = 15 * time.Second
)

// SessionReader is the query side of the session store.
type SessionReader interface {
	Get(id string) (model.TrafficSession, error)
	Recent(limit int) ([]model.TrafficSession, error)
	ByLabel(label model.RiskLabel, limit int) ([]model.TrafficSession, error)
	Summary() (store.Summary, error)
}

// SessionFeed delivers live sessions.
type SessionFeed interface {
	Subscribe(buffer int) (<-chan model.TrafficSession, func(), error)
}

type Options struct {
	Sessions SessionReader // optional; session routes answer 503 without it
	Feed     SessionFeed   // optional; the stream answers 503 without it
	Metrics  http.Handler  // optional
	Running  func() bool   // reports whether capture is running
	Logger   *log.Entry
}

type Server struct {
	opts   Options
	log    *log.Entry
	health *health.Server
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component(nil, "api")
	}
	if opts.Running == nil {
		opts.Running = func() bool { return false }
	}
	return &Server{opts: opts, log: logger, health: health.NewServer()}
}

// SetServing flips the gRPC health status of the overall service.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sessions/{id}", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stream", s.handleStream).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}
	return r
}

// Serve runs the HTTP and gRPC servers until ctx is cancelled. An empty address disables that server.
func (s *Server) Serve(ctx context.Context, httpAddr, grpcAddr string) error {
	errCh := make(chan error, 2)

	var grpcServer *grpc.Server
	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, s.health)
		go func() {
			s.log.WithField("addr", grpcAddr).Info("gRPC health server starting")
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	var httpServer *http.Server
	if httpAddr != "" {
		httpServer = &http.Server{Addr: httpAddr, Handler: s.Handler()}
		go func() {
			s.log.WithField("addr", httpAddr).Info("HTTP API server starting")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.health.Shutdown()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = err
		}
	}
	s.log.Info("API servers exited")
	return runErr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	capture := "stopped"
	if s.opts.Running() {
		capture = "running"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "capture": capture})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sessions == nil {
		http.Error(w, "session store is disabled", http.StatusServiceUnavailable)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var sessions []model.TrafficSession
	if label := r.URL.Query().Get("label"); label != "" {
		if model.RiskLabel(label).Priority() < 0 {
			http.Error(w, fmt.Sprintf("unknown label %q", label), http.StatusBadRequest)
			return
		}
		sessions, err = s.opts.Sessions.ByLabel(model.ParseRiskLabel(label), limit)
	} else {
		sessions, err = s.opts.Sessions.Recent(limit)
	}
	if err != nil {
		s.log.WithError(err).Error("Failed to query sessions")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []model.TrafficSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sessions == nil {
		http.Error(w, "session store is disabled", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	sess, err := s.opts.Sessions.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("session", id).Error("Failed to load session")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Sessions == nil {
		http.Error(w, "session store is disabled", http.StatusServiceUnavailable)
		return
	}
	sum, err := s.opts.Sessions.Summary()
	if err != nil {
		s.log.WithError(err).Error("Failed to summarize sessions")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleStream relays live sessions as server-sent events until the client goes away
// or the feed closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Feed == nil {
		http.Error(w, "live feed is unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	feed, cancel, err := s.opts.Feed.Subscribe(streamBuffer)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveTick)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case sess, ok := <-feed:
			if !ok {
				return
			}
			data, err := json.Marshal(sess)
			if err != nil {
				s.log.WithError(err).WithField("session", sess.ID).Error("Failed to encode session for stream")
				continue
			}
			fmt.Fprintf(w, "event: session\nid: %s\ndata: %s\n\n", sess.ID, data)
			flusher.Flush()
		}
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
