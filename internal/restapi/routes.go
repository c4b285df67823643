package restapi

import (
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sxwatch.onebusaway.org/internal/appconf"
)

// rateLimitAndValidateAPIKey applies, outermost first: API key validation,
// rate limiting, compression and Cache-Control.
func rateLimitAndValidateAPIKey(api *RestAPI, maxAgeSeconds int, finalHandler http.HandlerFunc) http.Handler {
	cachedHandler := CacheControlMiddleware(maxAgeSeconds, finalHandler)
	compressedHandler := CompressionMiddleware(cachedHandler)

	var rateLimitedHandler http.Handler
	if api.rateLimiter != nil {
		rateLimitedHandler = api.rateLimiter.Handler()(compressedHandler)
	} else {
		// Fallback for tests that don't use NewRestAPI constructor
		rateLimitedHandler = compressedHandler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if api.RequestHasInvalidAPIKey(r) {
			api.invalidAPIKeyResponse(w, r)
			return
		}
		rateLimitedHandler.ServeHTTP(w, r)
	})
}

// snapshotRoute is an API route whose body changes at most once per poll.
func snapshotRoute(api *RestAPI, handler http.HandlerFunc) http.Handler {
	return rateLimitAndValidateAPIKey(api, api.Config.CacheMaxAgeSeconds, handler)
}

// liveRoute is an API route that must never be cached.
func liveRoute(api *RestAPI, handler http.HandlerFunc) http.Handler {
	return rateLimitAndValidateAPIKey(api, 0, handler)
}

func (api *RestAPI) metricsHandler() http.Handler {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if api.Registry != nil {
		gatherer = api.Registry
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerPprofHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// SetRoutes registers all API endpoints on mux.
func (api *RestAPI) SetRoutes(mux *http.ServeMux) {
	// Health and metrics are for infrastructure and need no key.
	mux.HandleFunc("GET /healthz", api.healthHandler)
	mux.Handle("GET /metrics", api.metricsHandler())

	mux.Handle("GET /api/sx/current-time.json", liveRoute(api, api.currentTimeHandler))
	mux.Handle("GET /api/sx/lines.json", snapshotRoute(api, api.linesHandler))
	mux.Handle("GET /api/sx/line/{id}", snapshotRoute(api, api.lineHandler))
	mux.Handle("GET /api/sx/summary.json", snapshotRoute(api, api.summaryHandler))
	mux.Handle("GET /api/sx/changes.json", liveRoute(api, api.changesHandler))
	mux.Handle("GET /api/sx/poller.json", liveRoute(api, api.pollerHandler))
	mux.Handle("GET /gtfs-rt/alerts.pb", snapshotRoute(api, api.alertsFeedHandler))

	if api.Config.Verbose && api.Config.Env == appconf.Development {
		registerPprofHandlers(mux)
	}
}

// WrapHandler applies the global middleware stack, outermost first: request
// logging, security headers, request ID.
func (api *RestAPI) WrapHandler(next http.Handler) http.Handler {
	handler := RequestIDMiddleware(next)
	handler = api.WithSecurityHeaders(handler)
	return NewRequestLoggingMiddleware(api.Logger)(handler)
}

// SetupAPIRoutes creates a mux with the API routes and the global middleware.
func (api *RestAPI) SetupAPIRoutes() http.Handler {
	mux := http.NewServeMux()
	api.SetRoutes(mux)
	return api.WrapHandler(mux)
}
