package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServeMetrics starts a bare /metrics listener on addr. It is the only
// socket this repository opens itself. The issue/log API is consumed by
// an HTTP/WebSocket transport layer out of scope for this system
// (spec.md §1). Returns the *http.Server so the caller can Shutdown it.
func ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

// Shutdown gracefully stops srv, ignoring a nil srv.
func Shutdown(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
