// SPDX-License-Identifier: MIT

// Package health provides an HTTP health-check endpoint for the leaudiod
// daemon: one group per row, healthy iff its state machine is not stuck in
// a transition past its watchdog deadline.
//
// Built around ServiceInfo/StatusProvider and a synchronous-bind-then-serve
// ListenAndServeReady pattern, with per-group LE Audio status rows and
// metric family names.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// GroupHealth describes the health state of a single unicast group.
type GroupHealth struct {
	GroupID uint32 `json:"group_id"`
	State string `json:"state"`
	CigState string `json:"cig_state"`
	Uptime time.Duration `json:"uptime_ns"`
	Healthy bool `json:"healthy"`
	Error string `json:"error,omitempty"`
	Restarts int `json:"restarts,omitempty"` // supervisor restarts of this group's loop
	SignalingFailures uint64 `json:"signaling_failures,omitempty"`
}

// StatusProvider returns the current health status of every supervised
// group. The daemon implements this interface to supply live data.
type StatusProvider interface {
	Groups() []GroupHealth
}

// Response is the JSON body returned by the health endpoint.
type Response struct {
	Status string `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Groups []GroupHealth `json:"groups"`
}

// Handler serves the /healthz and /metrics endpoints.
type Handler struct {
	provider StatusProvider
}

// NewHandler creates a health check HTTP handler.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// ServeHTTP implements http.Handler, routing to /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	default:
		h.serveHealth(w, r)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{Timestamp: time.Now()}

	var groups []GroupHealth
	if h.provider != nil {
		groups = h.provider.Groups()
	}
	resp.Groups = groups

	healthy := true
	for _, g := range groups {
		if !g.Healthy {
			healthy = false
			break
		}
	}

	if healthy {
		resp.Status = "healthy"
	} else {
		resp.Status = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// serveMetrics writes a Prometheus text-format metrics response, without
// any external dependency — no prometheus/client_golang import required,
// hand-rolling the exposition format rather than pulling in a metrics client.
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var sb strings.Builder

	var groups []GroupHealth
	if h.provider != nil {
		groups = h.provider.Groups()
	}

	if len(groups) > 0 {
		fmt.Fprintln(&sb, "# HELP leaudio_group_healthy Is the group currently healthy (1=healthy, 0=not).")
		fmt.Fprintln(&sb, "# TYPE leaudio_group_healthy gauge")
		for _, g := range groups {
			v := 0
			if g.Healthy {
				v = 1
			}
			fmt.Fprintf(&sb, "leaudio_group_healthy{group_id=%q} %d\n", fmt.Sprint(g.GroupID), v)
		}

		fmt.Fprintln(&sb, "# HELP leaudio_group_uptime_seconds Seconds since the group's state machine loop last (re)started.")
		fmt.Fprintln(&sb, "# TYPE leaudio_group_uptime_seconds gauge")
		for _, g := range groups {
			fmt.Fprintf(&sb, "leaudio_group_uptime_seconds{group_id=%q} %.3f\n", fmt.Sprint(g.GroupID), g.Uptime.Seconds())
		}

		fmt.Fprintln(&sb, "# HELP leaudio_group_restarts_total Total supervisor restarts of the group's state machine loop.")
		fmt.Fprintln(&sb, "# TYPE leaudio_group_restarts_total counter")
		for _, g := range groups {
			fmt.Fprintf(&sb, "leaudio_group_restarts_total{group_id=%q} %d\n", fmt.Sprint(g.GroupID), g.Restarts)
		}

		fmt.Fprintln(&sb, "# HELP leaudio_group_signaling_failures_total Total non-success CTP responses observed while TargetState=Streaming.")
		fmt.Fprintln(&sb, "# TYPE leaudio_group_signaling_failures_total counter")
		for _, g := range groups {
			fmt.Fprintf(&sb, "leaudio_group_signaling_failures_total{group_id=%q} %d\n", fmt.Sprint(g.GroupID), g.SignalingFailures)
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// ListenAndServe starts the health check HTTP server on the given address.
// It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness once bound, so bind failures (e.g. port already in use) are
// detected before the daemon reports itself started.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler: handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout: 10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
