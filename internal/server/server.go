// Package server sets up the HTTP router and the request handlers that
// tie the route planner, provider handlers, and limit gate (internal/forward
// and its subpackages) into the C7 router entry points.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/howard-nolan/llmrouter/internal/forward"
)

// Server holds the HTTP router and the shared Deps every handler closes
// over.
type Server struct {
	router chi.Router
	deps   *Deps
}

// New builds a Server, wires its routes, and returns it ready to use as an
// http.Handler.
func New(deps *Deps) *Server {
	s := &Server{deps: deps}
	s.routes()
	return s
}

// requestLogger replaces chi's default stdlib-backed middleware.Logger with
// one that writes through the gateway's own structured logger, so request
// lines land in the same sink (and format) as everything else.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.deps.Log.Info("http_request", "handled request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)
	r.Handle("/metrics", s.deps.Metrics.Handler())

	r.Post("/v1/chat/completions", s.chatEndpoint(forward.ProviderOpenAI, ""))
	r.Post("/openai/v1/chat/completions", s.chatEndpoint(forward.ProviderOpenAI, forward.ProviderOpenAI))
	r.Post("/anthropic/v1/messages", s.chatEndpoint(forward.ProviderAnthropic, forward.ProviderAnthropic))
	r.Post("/gemini/v1beta/*", s.chatEndpoint(forward.ProviderGemini, forward.ProviderGemini))
	r.Post("/gemini/v1/*", s.chatEndpoint(forward.ProviderGemini, forward.ProviderGemini))

	r.Get("/v1/models", s.handleListModels)
	r.Get("/v1/models/{id}", s.handleGetModel)

	r.Get("/api/forward/token", s.handleGetForwardToken)
	r.Post("/api/forward/token", s.handleRotateForwardToken)

	r.Get("/api/upstreams/{id}/latency", s.handleUpstreamLatency)
	r.Post("/api/latency/test", s.handleLatencyTest)

	s.router = r
}

// ServeHTTP makes Server satisfy http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
