package tracing

import (
	"net"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	db "mirage/debug"
)

// TracedHTTPMux serves a small diagnostics surface (currently just the
// Prometheus metrics endpoint) with each request wrapped in a span,
// mirroring sigmaos/tracing/mux.go's route-tagged otelhttp wrapping.
// This is the one place Mirage listens on a socket; spec.md's
// Non-goals exclude a CLI or persisted state but say nothing about a
// pull-based metrics scrape target for an embedding host.
type TracedHTTPMux struct {
	mux *http.ServeMux
}

func NewHTTPMux() *TracedHTTPMux {
	return &TracedHTTPMux{mux: http.NewServeMux()}
}

// Handle registers handler at pattern, tagging the span of every
// request that hits it with the route as its http.route attribute.
func (tm *TracedHTTPMux) Handle(pattern string, handler http.Handler) {
	tm.mux.Handle(pattern, otelhttp.WithRouteTag(pattern, handler))
}

func (tm *TracedHTTPMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tm.mux.ServeHTTP(w, r)
}

// Serve blocks accepting connections on l. Callers run it in its own
// goroutine; a listener close from the caller is what ends it.
func (tm *TracedHTTPMux) Serve(l net.Listener) error {
	err := http.Serve(l, otelhttp.NewHandler(tm.mux, "diagnostics"))
	if err != nil && err != http.ErrServerClosed {
		db.DPrintf(db.TRACING, "TracedHTTPMux.Serve: %v", err)
	}
	return err
}
