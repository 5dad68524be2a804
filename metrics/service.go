package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var slog = log.WithField("prefix", "metrics")

// Service serves /metrics and /healthz, the way the teacher's
// shared/prometheus.Service serves them for a BeaconNode's own registry.
type Service struct {
	server     *http.Server
	statusFn   func() map[string]error
	failStatus error
}

// NewService builds a Service listening on addr. statusFn is polled by the
// /healthz handler; it is the sentry's own registry.statuses.
func NewService(addr string, statusFn func() map[string]error) *Service {
	s := &Service{statusFn: statusFn}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthzHandler)

	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Service) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	statuses := s.statusFn()
	hasError := false
	var buf bytes.Buffer
	for name, err := range statuses {
		status := "OK"
		if err != nil {
			hasError = true
			status = "ERROR " + err.Error()
		}
		fmt.Fprintf(&buf, "%s: %s\n", name, status)
	}

	if hasError {
		w.WriteHeader(http.StatusInternalServerError)
		slog.WithField("statuses", buf.String()).Warn("sentry is unhealthy")
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.WithError(err).Error("could not write healthz body")
	}
}

// Start serves /metrics and /healthz in the background.
func (s *Service) Start() {
	go func() {
		slog.WithField("address", s.server.Addr).Info("starting metrics service")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.WithError(err).Error("metrics service failed to listen")
			s.failStatus = err
		}
	}()
}

// Stop shuts the metrics server down gracefully.
func (s *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status reports the metrics server's own bind failure, if any.
func (s *Service) Status() error {
	return s.failStatus
}
