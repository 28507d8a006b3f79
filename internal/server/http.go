package server

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/silvermill/silvermill/internal/config"
)

// HealthFunc reports the live pipeline's position for the health payload.
type HealthFunc func() HealthStatus

// HealthStatus is the /healthz response body.
type HealthStatus struct {
	Status    string    `json:"status"`
	Holder    string    `json:"holder,omitempty"`
	Watermark time.Time `json:"watermark,omitempty"`
	OpenKeys  int       `json:"open_keys"`
	CheckedAt time.Time `json:"checked_at"`
}

// AdminServer serves /healthz and /metrics.
type AdminServer struct {
	server *http.Server
}

// NewAdminServer builds the admin endpoint. health may be nil, in which
// case /healthz reports ok with no pipeline detail.
func NewAdminServer(cfg config.HTTPConfig, reg prometheus.Gatherer, health HealthFunc) *AdminServer {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{Status: "ok"}
		if health != nil {
			status = health()
			if status.Status == "" {
				status.Status = "ok"
			}
		}
		status.CheckedAt = time.Now().UTC()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &AdminServer{
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Start runs the listener in the background and reports startup failures on
// the returned channel.
func (s *AdminServer) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains and stops the listener.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
