package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server exposes /metrics (Prometheus exposition) and /health on its own
// HTTP listener, separate from cmd/autopack-engine's control-plane server.
type Server struct {
	server *http.Server
	log    *logrus.Logger
}

// NewServer builds a Server bound to port. It does not start listening
// until StartAsync is called.
func NewServer(port string, logger *logrus.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return &Server{
		server: &http.Server{Addr: ":" + port, Handler: mux},
		log:    logger,
	}
}

// StartAsync starts the HTTP listener in a background goroutine. A bind or
// listen error is logged, not returned, since the caller has already moved
// past the point of handling a synchronous startup failure.
func (s *Server) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("metrics server stopped")
		}
	}()
}

// Stop gracefully shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
