package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"meter-collector/internal/agent"
	"meter-collector/internal/catalog"
	"meter-collector/internal/collector"
	"meter-collector/internal/status"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Minute // a manual collect waits for the whole cycle
	defaultIdleTimeout  = 60 * time.Second
)

// Backend is the agent surface exposed over HTTP.
type Backend interface {
	Status() status.AgentStatus
	TriggerCollection(ctx context.Context) (collector.CycleResult, error)
	ConfigurationReport() catalog.Report
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	backend Backend
	router  *mux.Router
	logger  *zap.Logger
	srv     *http.Server
	ln      net.Listener
}

// NewServer constructs an HTTP server backed by backend.
func NewServer(backend Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{backend: backend, router: mux.NewRouter(), logger: logger.Named("api")}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	v1.HandleFunc("/collect", s.collect).Methods(http.MethodPost)
	v1.HandleFunc("/config/summary", s.getConfigSummary).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler { return s.router }

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("http api listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) getConfigSummary(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.ConfigurationReport())
}

func (s *Server) collect(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.TriggerCollection(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, res)
	case errors.Is(err, agent.ErrBusy):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, agent.ErrStopped):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("manual collection failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}
