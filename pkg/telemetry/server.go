package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"capitalkernel/internal/core"
)

// MetricsServer exposes the process's OTel-collected metrics (registered
// against the default Prometheus registry by Setup's exporter) over plain
// HTTP, so an external scraper needs no OTel collector in front of it.
type MetricsServer struct {
	port   int
	logger core.ILogger
	srv    *http.Server
}

func NewMetricsServer(port int, logger core.ILogger) *MetricsServer {
	return &MetricsServer{port: port, logger: logger}
}

// Start launches the server in the background. It never blocks the caller;
// a bind failure is only logged, since metrics are ambient and must not
// block the command they're attached to.
func (s *MetricsServer) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: fmt.Sprintf(":%d", s.port), Handler: mux}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Error("metrics server failed", "error", err)
			}
		}
	}()
}

func (s *MetricsServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
