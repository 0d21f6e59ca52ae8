// Package config handles loading, validating, and persisting gateway
// configuration — the Settings store described as an external collaborator
// in the forward subsystem's contract: Load/Save/RefreshForwardToken.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// Provider is the three-valued wire-protocol tag. String IO is
// case-insensitive; "claude" is accepted as an alias for Anthropic.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// ParseProvider normalizes a user/config-supplied provider string.
func ParseProvider(s string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return ProviderOpenAI, true
	case "anthropic", "claude":
		return ProviderAnthropic, true
	case "gemini", "google":
		return ProviderGemini, true
	default:
		return "", false
	}
}

// ProxyType selects how outbound upstream calls choose a proxy.
type ProxyType string

const (
	ProxySystem ProxyType = "system"
	ProxyCustom ProxyType = "custom"
	ProxyNone   ProxyType = "none"
)

// Upstream is one configured remote endpoint group.
type Upstream struct {
	ID        string   `koanf:"id" yaml:"id"`
	Endpoints []string `koanf:"endpoints" yaml:"endpoints"`
	// APIStyle is the wire dialect this upstream speaks. Empty means "the
	// handling provider handler's native style" — resolved at plan-build
	// time, not here.
	APIStyle Provider `koanf:"api_style" yaml:"api_style"`
	APIKey   string   `koanf:"api_key" yaml:"api_key"`
}

// ModelRoute is one (provider, upstream, model) attempt a ModelCfg can
// resolve to. A ModelCfg with no explicit Routes synthesizes exactly one
// from its own top-level fields.
type ModelRoute struct {
	Provider        Provider `koanf:"provider" yaml:"provider"`
	UpstreamID      string   `koanf:"upstream_id" yaml:"upstream_id"`
	UpstreamModelID string   `koanf:"upstream_model_id" yaml:"upstream_model_id,omitempty"`
	Priority        *int     `koanf:"priority" yaml:"priority,omitempty"`
}

// ModelCfg is one model entry exposed to clients.
type ModelCfg struct {
	ID                   string       `koanf:"id" yaml:"id"`
	DisplayName          string       `koanf:"display_name" yaml:"display_name"`
	Provider             Provider     `koanf:"provider" yaml:"provider"`
	UpstreamID           string       `koanf:"upstream_id" yaml:"upstream_id"`
	UpstreamModelID      string       `koanf:"upstream_model_id" yaml:"upstream_model_id,omitempty"`
	Routes               []ModelRoute `koanf:"routes" yaml:"routes,omitempty"`
	PricePromptPer1K     float64      `koanf:"price_prompt_per_1k" yaml:"price_prompt_per_1k"`
	PriceCompletionPer1K float64      `koanf:"price_completion_per_1k" yaml:"price_completion_per_1k"`
	Priority             int          `koanf:"priority" yaml:"priority"`
	IsTemporary          bool         `koanf:"is_temporary" yaml:"is_temporary"`
}

// Proxy describes how the HTTP client layer picks a proxy for upstream
// calls. See SPEC_FULL.md C1 for the resolution policy.
type Proxy struct {
	Enabled  bool      `koanf:"enabled" yaml:"enabled"`
	Type     ProxyType `koanf:"type" yaml:"type"`
	URL      string    `koanf:"url" yaml:"url,omitempty"`
	Username string    `koanf:"username" yaml:"username,omitempty"`
	Password string    `koanf:"password" yaml:"password,omitempty"`
	Bypass   []string  `koanf:"bypass" yaml:"bypass,omitempty"`
}

// Limits holds the process-wide gate thresholds. Every field is a pointer
// so "unset" (no gating) is distinguishable from "0" (reject everything) —
// see SPEC_FULL.md §4.6 and the boundary-behaviour tests.
type Limits struct {
	RPM                     *int     `koanf:"rpm" yaml:"rpm,omitempty"`
	MaxConcurrent           *int     `koanf:"max_concurrent" yaml:"max_concurrent,omitempty"`
	MaxConcurrentPerSession *int     `koanf:"max_concurrent_per_session" yaml:"max_concurrent_per_session,omitempty"`
	BudgetDailyUSD          *float64 `koanf:"budget_daily_usd" yaml:"budget_daily_usd,omitempty"`
	BudgetWeeklyUSD         *float64 `koanf:"budget_weekly_usd" yaml:"budget_weekly_usd,omitempty"`
	BudgetMonthlyUSD        *float64 `koanf:"budget_monthly_usd" yaml:"budget_monthly_usd,omitempty"`
}

// Settings is the top-level, persisted configuration for the gateway.
type Settings struct {
	Upstreams []Upstream `koanf:"upstreams" yaml:"upstreams"`
	Models    []ModelCfg `koanf:"models" yaml:"models"`

	// ForwardToken, when set, is the shared secret that unlocks use of
	// upstream-configured API keys (see the route planner's auth-mode
	// decision table).
	ForwardToken string `koanf:"forward_token" yaml:"forward_token,omitempty"`

	RetryMaxAttempts    int  `koanf:"retry_max_attempts" yaml:"retry_max_attempts"`
	RetryInitialMs      int  `koanf:"retry_initial_ms" yaml:"retry_initial_ms"`
	RetryMaxMs          int  `koanf:"retry_max_ms" yaml:"retry_max_ms"`
	EnableRetryFallback bool `koanf:"enable_retry_fallback" yaml:"enable_retry_fallback"`

	Proxy  Proxy  `koanf:"proxy" yaml:"proxy"`
	Limits Limits `koanf:"limits" yaml:"limits"`

	Server ServerConfig `koanf:"server" yaml:"server"`
}

// ServerConfig holds HTTP server settings, carried over from the teacher's
// Config.Server unchanged.
type ServerConfig struct {
	Port         int           `koanf:"port" yaml:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout" yaml:"write_timeout"`
}

// defaults fills in the documented defaults for fields a config file left
// zero-valued — a zero-valued retry setting would otherwise mean "retry
// instantly, forever, with no cap", which is never what an absent key means.
func (s *Settings) defaults() {
	if s.RetryMaxAttempts == 0 {
		s.RetryMaxAttempts = 4
	}
	if s.RetryInitialMs == 0 {
		s.RetryInitialMs = 300
	}
	if s.RetryMaxMs == 0 {
		s.RetryMaxMs = 3000
	}
	if s.Server.Port == 0 {
		s.Server.Port = 8080
	}
	if s.Server.ReadTimeout == 0 {
		s.Server.ReadTimeout = 120 * time.Second
	}
	if s.Server.WriteTimeout == 0 {
		s.Server.WriteTimeout = 300 * time.Second
	}
}

// expandSecret resolves a "${VAR_NAME}" placeholder against the process
// environment. Values that aren't wrapped in ${...} pass through unchanged.
func expandSecret(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// Load reads Settings from a YAML file, layers LLMROUTER_-prefixed
// environment variable overrides on top, and expands ${VAR} secrets in
// upstream API keys and the forward token.
func Load(path string) (*Settings, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	if err := k.Load(env.Provider("LLMROUTER_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LLMROUTER_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var settings Settings
	if err := k.Unmarshal("", &settings); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}

	for i, u := range settings.Upstreams {
		settings.Upstreams[i].APIKey = expandSecret(u.APIKey)
	}
	settings.ForwardToken = expandSecret(settings.ForwardToken)
	settings.defaults()

	return &settings, nil
}

// Store wraps a Settings value with the mutation operations the rest of the
// gateway needs: Save (persist) and RefreshForwardToken (rotate the shared
// secret). A sync.RWMutex guards the in-memory copy so concurrent requests
// reading Settings never race with an admin-triggered Save.
type Store struct {
	path string

	mu       sync.RWMutex
	settings *Settings
}

// NewStore loads path once and returns a Store wrapping the result.
func NewStore(path string) (*Store, error) {
	settings, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, settings: settings}, nil
}

// Get returns the current in-memory Settings snapshot.
func (s *Store) Get() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Save persists the given Settings to disk (write-then-rename, so readers
// never observe a half-written file) and swaps it in as the Store's current
// snapshot.
func (s *Store) Save(settings *Settings) error {
	data, err := yamlv3.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("committing settings: %w", err)
	}

	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	return nil
}

// RefreshForwardToken mints a new random forward token, persists it, and
// returns it.
func (s *Store) RefreshForwardToken() (string, error) {
	s.mu.RLock()
	current := *s.settings
	s.mu.RUnlock()

	current.ForwardToken = uuid.NewString()
	if err := s.Save(&current); err != nil {
		return "", err
	}
	return current.ForwardToken, nil
}

// FindModel resolves a model id to its ModelCfg, case-insensitively, for
// callers (usage logging, the /v1/models projection) that need the
// configured pricing/display fields rather than just a routing decision.
func (s *Settings) FindModel(id string) (ModelCfg, bool) {
	for _, m := range s.Models {
		if strings.EqualFold(m.ID, id) {
			return m, true
		}
	}
	return ModelCfg{}, false
}

// FindUpstream resolves an upstream_id to its Upstream config.
//
// Resolution order, matching the source's legacy fallbacks:
//  1. Case-insensitive id match.
//  2. If id parses as an integer, treat it as a slice index (back-compat
//     for array-style configs that never assigned string ids).
//  3. If there is exactly one upstream configured, treat it as a catch-all.
func (s *Settings) FindUpstream(id string) (Upstream, bool) {
	for _, u := range s.Upstreams {
		if strings.EqualFold(u.ID, id) {
			return u, true
		}
	}
	if idx, err := strconv.Atoi(id); err == nil {
		if idx >= 0 && idx < len(s.Upstreams) {
			return s.Upstreams[idx], true
		}
	}
	if len(s.Upstreams) == 1 {
		return s.Upstreams[0], true
	}
	return Upstream{}, false
}
