/*
Copyright 2025 The KCP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/apiserver/pkg/server/healthz"
	"k8s.io/klog/v2"
)

const shutdownTimeout = 10 * time.Second

// SummaryFunc returns the number of monitors per health state.
type SummaryFunc func() map[string]int

// Server serves /metrics, /healthz, /readyz and a JSON health summary on
// /monitors.
type Server struct {
	server *http.Server
}

// NewServer creates a server listening on address. readyChecks gate
// /readyz; /healthz only reports that the process serves requests.
func NewServer(address string, gatherer prometheus.Gatherer, summary SummaryFunc, readyChecks ...healthz.HealthChecker) *Server {
	mux := http.NewServeMux()
	RegisterHandlers(mux, gatherer, summary, readyChecks...)

	return &Server{server: &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
}

// RegisterHandlers installs every endpoint on mux.
func RegisterHandlers(mux *http.ServeMux, gatherer prometheus.Gatherer, summary SummaryFunc, readyChecks ...healthz.HealthChecker) {
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	healthz.InstallHandler(mux, healthz.PingHealthz)
	healthz.InstallReadyzHandler(mux, append([]healthz.HealthChecker{healthz.PingHealthz}, readyChecks...)...)
	if summary != nil {
		mux.HandleFunc("/monitors", summaryHandler(summary))
	}
}

func summaryHandler(summary SummaryFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		counts := summary()
		total := 0
		for _, n := range counts {
			total += n
		}
		response := struct {
			Timestamp int64          `json:"timestamp"`
			Total     int            `json:"total"`
			States    map[string]int `json:"states"`
		}{
			Timestamp: time.Now().Unix(),
			Total:     total,
			States:    counts,
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			klog.Background().Error(err, "Failed to encode monitor summary")
		}
	}
}

// Run serves until ctx is cancelled and then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithValues("component", "metrics-server", "address", s.server.Addr)

	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting metrics server")
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
