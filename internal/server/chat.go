package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/howard-nolan/llmrouter/internal/forward"
	"github.com/howard-nolan/llmrouter/internal/stream"
)

// writeError serializes a *forward.Error as the {"error":{...}} envelope
// and logs it at error level with source "forward_error" (spec §7). Usage
// is never logged here — only a successful dispatch logs usage.
func writeError(w http.ResponseWriter, deps *Deps, err *forward.Error) {
	deps.Log.Error("forward_error", err.Error(), "kind", string(err.Kind))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	json.NewEncoder(w).Encode(err.Body())
}

// chatEndpoint serves one (client dialect, provider hint) pairing: the
// unified /v1/chat/completions route pins no hint (auto-routes by the
// matched model's own provider), while the dialect-specific routes pin
// both the hint and the response shape to match.
func (s *Server) chatEndpoint(clientDialect, hint forward.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings := s.deps.Store.Get()

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, s.deps, forward.NewError(forward.KindInvalidRequest, "invalid JSON body: "+err.Error()))
			return
		}

		var geminiVersion string
		if hint == forward.ProviderGemini {
			geminiVersion = geminiAPIVersionFromPath(r.URL.Path)
		}

		plan, buildErr := forward.BuildForwardPlan(settings, forward.BuildPlanOptions{
			Headers:          r.Header,
			Path:             r.URL.Path,
			Payload:          payload,
			ProviderHint:     hint,
			GeminiAPIVersion: geminiVersion,
		})
		if buildErr != nil {
			writeError(w, s.deps, buildErr)
			return
		}

		sessionID := forward.SessionIDFromHeaders(r.Header)
		guard, limitErr := s.deps.Limits.Acquire(sessionID, settings.Limits)
		if limitErr != nil {
			writeError(w, s.deps, limitErr)
			return
		}
		defer guard.Release()
		s.deps.Metrics.RPMWindow.Set(float64(s.deps.Limits.WindowSize()))

		if plan.Primary.IsStreaming {
			s.serveStream(w, r, clientDialect, plan.Primary, payload)
			return
		}

		out, _, dispatchErr := runUnaryAttempts(r.Context(), s.deps, clientDialect, plan, payload)
		if dispatchErr != nil {
			writeError(w, s.deps, dispatchErr)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

// serveStream opens the upstream call synchronously — so a failure before
// the first byte (auth, DNS, connection refused) is still reported as a
// normal JSON error — then hands the already-open response to the SSE
// drain loop running in its own goroutine.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, clientDialect forward.Provider, fctx forward.ForwardContext, payload map[string]any) {
	h, resp, promptEstimate, latencyMs, err := openUpstreamStream(r.Context(), s.deps, clientDialect, fctx, payload)
	if err != nil {
		s.deps.Metrics.RequestsTotal.WithLabelValues(string(fctx.Model.Provider), "error").Inc()
		writeError(w, s.deps, err)
		return
	}

	s.deps.Metrics.InFlight.Inc()
	defer s.deps.Metrics.InFlight.Dec()

	frames := make(chan stream.Frame)
	errs := make(chan error, 1)
	go drainUpstreamStream(s.deps, h, fctx, clientDialect, resp, promptEstimate, latencyMs, frames, errs)

	if writeErr := stream.WriteSSE(w, frames, errs, doneSentinelFor(clientDialect)); writeErr != nil {
		s.deps.Log.Warn("forward_stream_closed", writeErr.Error())
	}
}

// geminiAPIVersionFromPath reads the version segment immediately after
// "/gemini/" ("v1" or "v1beta"); defaults to "v1beta" to match the
// handler's own default when the segment is missing or unrecognized.
func geminiAPIVersionFromPath(path string) string {
	const prefix = "/gemini/"
	idx := strings.Index(path, prefix)
	if idx < 0 {
		return "v1beta"
	}
	rest := path[idx+len(prefix):]
	if strings.HasPrefix(rest, "v1beta") {
		return "v1beta"
	}
	if strings.HasPrefix(rest, "v1/") || rest == "v1" {
		return "v1"
	}
	return "v1beta"
}
