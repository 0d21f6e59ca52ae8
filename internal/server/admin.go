package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/forward"
)

// handleHealth is a bare liveness probe — it never touches Store or
// upstream state, so it stays up even while config is mid-reload.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// modelObject projects one config.ModelCfg into the OpenAI /v1/models
// shape clients already know how to parse.
func modelObject(m config.ModelCfg) map[string]any {
	return map[string]any{
		"id":       m.ID,
		"object":   "model",
		"owned_by": string(m.Provider),
	}
}

// handleListModels serves GET /v1/models.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	settings := s.deps.Store.Get()
	data := make([]map[string]any, 0, len(settings.Models))
	for _, m := range settings.Models {
		data = append(data, modelObject(m))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}

// handleGetModel serves GET /v1/models/{id}.
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	settings := s.deps.Store.Get()
	model, ok := settings.FindModel(id)
	if !ok {
		writeError(w, s.deps, forward.NewError(forward.KindModelNotFound, "no model matches "+id))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(modelObject(model))
}

// handleGetForwardToken serves GET /api/forward/token.
func (s *Server) handleGetForwardToken(w http.ResponseWriter, r *http.Request) {
	settings := s.deps.Store.Get()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"forward_token": settings.ForwardToken})
}

// handleRotateForwardToken serves POST /api/forward/token: mints a new
// token, persists it, and returns it — the only admin endpoint that
// mutates Settings.
func (s *Server) handleRotateForwardToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.deps.Store.RefreshForwardToken()
	if err != nil {
		writeError(w, s.deps, forward.Wrap(forward.KindInternal, "rotating forward token", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"forward_token": token})
}

// endpointLatency is one probed endpoint's result.
type endpointLatency struct {
	Endpoint  string `json:"endpoint"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// probeEndpoint HEAD-probes one endpoint, falling back to shelling out to
// curl -I -w "%{time_total}" when the direct probe errors — some upstreams
// reject Go's default HEAD handling (redirected HEAD, odd TLS configs) but
// still answer curl fine (spec §4.7).
func probeEndpoint(ctx context.Context, client *http.Client, endpoint string) endpointLatency {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err == nil {
		if resp, doErr := client.Do(req); doErr == nil {
			resp.Body.Close()
			return endpointLatency{Endpoint: endpoint, LatencyMs: time.Since(start).Milliseconds()}
		}
	}

	ms, curlErr := probeWithCurl(ctx, endpoint)
	if curlErr != nil {
		return endpointLatency{Endpoint: endpoint, Error: curlErr.Error()}
	}
	return endpointLatency{Endpoint: endpoint, LatencyMs: ms}
}

func probeWithCurl(ctx context.Context, endpoint string) (int64, error) {
	cmd := exec.CommandContext(ctx, "curl", "-s", "-o", "/dev/null", "-I", "-w", "%{time_total}", endpoint)
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, err
	}
	return int64(seconds * 1000), nil
}

// probeUpstream fans out one HEAD probe per configured endpoint,
// concurrently, via errgroup — the probes are independent reads with no
// shared state to reconcile, so a plain WaitGroup-shaped fan-out is enough.
func probeUpstream(ctx context.Context, client *http.Client, upstream config.Upstream) []endpointLatency {
	results := make([]endpointLatency, len(upstream.Endpoints))
	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range upstream.Endpoints {
		i, ep := i, ep
		g.Go(func() error {
			results[i] = probeEndpoint(gctx, client, ep)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// handleUpstreamLatency serves GET /api/upstreams/{id}/latency: a live
// HEAD/curl probe per configured endpoint, plus the rolling last-measured
// latency observed from real forwarded traffic against this upstream (SPEC
// FULL.md's supplemented latency-tracking feature) — the two can disagree
// when the live probe's network path differs from what actual chat
// completions traffic experiences.
func (s *Server) handleUpstreamLatency(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	settings := s.deps.Store.Get()
	upstream, ok := settings.FindUpstream(id)
	if !ok {
		writeError(w, s.deps, forward.NewError(forward.KindUpstreamNotFound, "unknown upstream_id "+id))
		return
	}

	results := probeUpstream(r.Context(), s.deps.UnaryClient, upstream)

	out := map[string]any{"upstream_id": upstream.ID, "endpoints": results}
	if lastMs, ok := s.deps.Latency.Last(upstream.ID); ok {
		out["last_measured_ms"] = lastMs
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleLatencyTest serves POST /api/latency/test: probes every configured
// upstream concurrently.
func (s *Server) handleLatencyTest(w http.ResponseWriter, r *http.Request) {
	settings := s.deps.Store.Get()

	type upstreamResult struct {
		UpstreamID string            `json:"upstream_id"`
		Endpoints  []endpointLatency `json:"endpoints"`
	}
	results := make([]upstreamResult, len(settings.Upstreams))

	g, gctx := errgroup.WithContext(r.Context())
	for i, u := range settings.Upstreams {
		i, u := i, u
		g.Go(func() error {
			results[i] = upstreamResult{UpstreamID: u.ID, Endpoints: probeUpstream(gctx, s.deps.UnaryClient, u)}
			return nil
		})
	}
	_ = g.Wait()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"results": results})
}
