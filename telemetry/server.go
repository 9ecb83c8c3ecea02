package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server serves the Prometheus /metrics endpoint on its own listen address,
// adapted from the teacher's webapi server.
type Server struct {
	logger        *zap.Logger
	listenAddress string
	httpServer    *http.Server
}

// NewServer builds a metrics Server bound to listenAddress. It does not
// start listening until ListenAndServe is called.
func NewServer(logger *zap.Logger, listenAddress string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{logger: logger, listenAddress: listenAddress}
}

func (s *Server) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
	if _, err := rw.Write([]byte("gocbrouter metrics endpoint")); err != nil {
		s.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

// ListenAndServe blocks serving /metrics until the listener fails or Close
// is called.
func (s *Server) ListenAndServe() error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/", s.handleRoot)

	s.httpServer = &http.Server{
		Handler:      r,
		Addr:         s.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Close shuts the metrics server down.
func (s *Server) Close(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
