/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	endpointMetrics = "/metrics"
	endpointHealth  = "/healthz"
)

// HealthResponse is the JSON body of the health endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Version     string `json:"version,omitempty"`
	Subscribers int    `json:"subscribers"`
}

// Handler serves /metrics from the collector's registry and /healthz.
// subscribers may be nil.
func (c *Collector) Handler(logger *slog.Logger, version string, subscribers func() int) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(endpointMetrics, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc(endpointHealth, func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "healthy", Service: "appguard", Version: version}
		if subscribers != nil {
			resp.Subscribers = subscribers()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error("encode health response failed", slog.Any("err", err))
		}
	})
	return mux
}

// Serve runs the metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, logger *slog.Logger, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", slog.String("addr", addr))
		errc <- server.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("stopping metrics server", slog.String("addr", addr))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
