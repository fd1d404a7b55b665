// Package httpapi is the HTTP front door: it separates proxy traffic
// (absolute-URI requests) from the small operational surface (/healthz,
// /metrics) served on origin-form paths.
package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sonicaghi/HARchiver/internal/infrastructure/config"
	"github.com/sonicaghi/HARchiver/internal/infrastructure/observability"
	"github.com/sonicaghi/HARchiver/internal/usecase"
)

// Deps carries the shared collaborators for one listener. The same Deps
// value backs the HTTP and HTTPS servers.
type Deps struct {
	Cfg     config.Config
	Logger  *zerolog.Logger
	Metrics *observability.Metrics
	Engine  *usecase.Engine
}

// NewRouter builds the handler chain. The forward-proxy interceptor is
// outermost so proxied traffic never touches the operational mux.
func NewRouter(d *Deps) http.Handler {
	return withForwardProxy(d, buildBaseMux(d))
}

func buildBaseMux(d *Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found",
			"this is a forward proxy; requests must carry an absolute URI")
	})

	return mux
}

// withForwardProxy intercepts standard proxy patterns. Absolute-URI
// requests enter the lifecycle engine; CONNECT is refused because the
// proxy has to read the exchange to archive it, which a blind tunnel
// would prevent.
func withForwardProxy(d *Deps, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			d.Logger.Warn().Str("host", r.Host).Msg("CONNECT tunnel refused")
			writeError(w, http.StatusNotImplemented, "connect_unsupported",
				"CONNECT tunnelling is not supported; send requests over the HTTPS listener instead")
			return
		}
		if r.URL != nil && r.URL.Scheme != "" && r.URL.Host != "" {
			d.Engine.Proxy(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}
