// Package server wires the route planner, provider handlers, and limit
// gate (internal/forward and its subpackages) into an HTTP API: the C7
// router entry points.
package server

import (
	"net/http"

	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/forward"
	"github.com/howard-nolan/llmrouter/internal/ledger"
	"github.com/howard-nolan/llmrouter/internal/logging"
	"github.com/howard-nolan/llmrouter/internal/metrics"
)

// Deps bundles every collaborator a request handler needs. One value is
// built at startup and shared across all requests — everything it points to
// is already safe for concurrent use (Store has its own RWMutex, LimitState
// its own mutex, the HTTP clients pool connections internally).
type Deps struct {
	Store   *config.Store
	Limits  *forward.LimitState
	Ledger  ledger.Sink
	Log     logging.Logger
	Metrics *metrics.Metrics
	Latency *forward.LatencyTracker

	UnaryClient  *http.Client
	StreamClient *http.Client
}
