package fleetmesh

import (
	"fmt"
	"time"

	deepcopy "github.com/fleetmesh/fleetmesh/utils/copy"
)

// Tier classifies a provider by cost profile. The dispatcher cascades
// through tiers in CascadeOrder when the preferred tier is exhausted.
type Tier string

const (
	TierFree    Tier = "free"
	TierLowCost Tier = "low_cost"
	TierPaid    Tier = "paid"
	TierLocal   Tier = "local"
)

// CascadeOrder is the fallback order when a preferred tier is exhausted:
// cheapest first, local last so a machine-local model is the final resort.
var CascadeOrder = []Tier{TierFree, TierLowCost, TierPaid, TierLocal}

// ValidTier reports whether t is one of the known tiers.
func ValidTier(t Tier) bool {
	switch t {
	case TierFree, TierLowCost, TierPaid, TierLocal:
		return true
	}
	return false
}

// Protocol selects the wire adapter used to reach a provider.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolGemini    Protocol = "gemini"
	ProtocolOllama    Protocol = "ollama"
)

// Provider is the static description of one serving provider. Immutable
// during a dispatch cycle; owned by the Registry.
type Provider struct {
	// Unique provider name. E.g., "groq", "anthropic"
	Name string `yaml:"name" json:"name"`

	// Cost tier of the provider.
	Tier Tier `yaml:"tier" json:"tier"`

	// API protocol used by the endpoint. E.g., "openai"
	Protocol Protocol `yaml:"protocol" json:"protocol"`

	// Base URL of the endpoint. E.g., "https://api.groq.com/openai/v1"
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Model served through this provider. E.g., "llama-3.1-8b-instant"
	Model string `yaml:"model" json:"model"`

	// Environment variable name holding the API key. E.g., "GROQ_API_KEY"
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`

	// Maximum requests per minute. Zero means effectively unlimited.
	RequestsPerMinute int `yaml:"rpm" json:"rpm,omitempty"`

	// Price per 1M input units in USD. Zero for free and local tiers.
	CostInPer1M float64 `yaml:"cost_in_per_1m" json:"cost_in_per_1m,omitempty"`

	// Price per 1M output units in USD.
	CostOutPer1M float64 `yaml:"cost_out_per_1m" json:"cost_out_per_1m,omitempty"`
}

// RequestInterval converts the provider's RPM budget into the minimum
// spacing between calls enforced by the rate limiter.
func (p *Provider) RequestInterval() time.Duration {
	if p.RequestsPerMinute <= 0 {
		return time.Millisecond
	}
	return time.Duration(time.Minute.Nanoseconds() / int64(p.RequestsPerMinute))
}

// Registry is the read-only lookup over the configured fleet. Providers
// within a tier keep configuration order; the dispatcher imposes the
// actual selection order at request time.
type Registry struct {
	providers []Provider
	byTier    map[Tier][]Provider
	byName    map[string]*Provider
}

func NewRegistry(providers []Provider) (*Registry, error) {
	// Detach from the caller's slice so later config mutation cannot
	// alias registry state.
	owned, err := deepcopy.Deep(providers)
	if err != nil {
		return nil, fmt.Errorf("failed to copy provider list: %v", err)
	}

	r := &Registry{
		providers: owned,
		byTier:    make(map[Tier][]Provider),
		byName:    make(map[string]*Provider),
	}
	for i := range providers {
		p := &r.providers[i]
		if p.Name == "" {
			return nil, fmt.Errorf("provider at index %d has no name", i)
		}
		if !ValidTier(p.Tier) {
			return nil, fmt.Errorf("provider %s has invalid tier %q", p.Name, p.Tier)
		}
		if _, exists := r.byName[p.Name]; exists {
			return nil, fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		r.byName[p.Name] = p
		r.byTier[p.Tier] = append(r.byTier[p.Tier], *p)
	}
	return r, nil
}

// ListByTier returns the providers of a tier in configuration order.
// The returned slice is a copy; callers may reorder it freely.
func (r *Registry) ListByTier(tier Tier) []Provider {
	providers := r.byTier[tier]
	out := make([]Provider, len(providers))
	copy(out, providers)
	return out
}

// Lookup returns the provider with the given name, or nil.
func (r *Registry) Lookup(name string) *Provider {
	return r.byName[name]
}

// All returns every configured provider in configuration order.
func (r *Registry) All() []Provider {
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// HealthRecord tracks per-provider failure state. One record per provider,
// created lazily on first attempt.
type HealthRecord struct {
	Provider            string    `json:"provider"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int64     `json:"total_requests"`
	TotalSuccesses      int64     `json:"total_successes"`
	BlacklistedUntil    time.Time `json:"blacklisted_until,omitempty"`
	LastChecked         time.Time `json:"last_checked"`
}

// Blacklisted reports whether the provider is excluded from selection at
// the given instant.
func (h *HealthRecord) Blacklisted(now time.Time) bool {
	return !h.BlacklistedUntil.IsZero() && now.Before(h.BlacklistedUntil)
}

// SuccessRate is the lifetime share of successful requests.
func (h *HealthRecord) SuccessRate() float64 {
	if h.TotalRequests == 0 {
		return 0
	}
	return float64(h.TotalSuccesses) / float64(h.TotalRequests)
}

// CapabilityRecord is the learned performance of one provider on one task
// type, built from live traffic only.
type CapabilityRecord struct {
	Provider   string        `json:"provider"`
	TaskType   string        `json:"task_type"`
	Successes  int64         `json:"successes"`
	Samples    int64         `json:"samples"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// SuccessRate is successes/samples, zero before any sample.
func (c *CapabilityRecord) SuccessRate() float64 {
	if c.Samples == 0 {
		return 0
	}
	return float64(c.Successes) / float64(c.Samples)
}

// CostEntry is one append-only usage record. The ledger is the sole source
// of truth for spend; entries are never mutated or deleted.
type CostEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	UnitsIn   int64     `json:"units_in"`
	UnitsOut  int64     `json:"units_out"`
	Cost      float64   `json:"cost"`
	TaskType  string    `json:"task_type"`
	Requester string    `json:"requester"`
}

// FeedbackRecord describes one past rated mistake for a task type.
// Written by the rating collaborator, read-only for the dispatcher.
type FeedbackRecord struct {
	ID       string `json:"id"`
	TaskType string `json:"task_type"`
	Note     string `json:"note"`

	// Severity 1..5, 5 worst.
	Severity int `json:"severity"`

	SampleID  string    `json:"sample_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Request is one inbound dispatch request. Prompt is the already-augmented
// text sent to providers; callers submit the raw prompt and the dispatcher
// applies feedback augmentation before any provider call.
type Request struct {
	Prompt   string `json:"prompt"`
	TaskType string `json:"task_type"`

	// Preferred starting tier. Empty means start at the head of
	// CascadeOrder.
	TierPreference Tier `json:"tier_preference,omitempty"`

	Requester string `json:"requester,omitempty"`

	// Sampling parameters. Nil leaves the provider default in place.
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int32   `json:"max_tokens,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
}

// ResponseKind tags the variant carried by a Response.
type ResponseKind string

const (
	ResponseText     ResponseKind = "text"
	ResponseToolCall ResponseKind = "tool_call"
)

// ToolCall is a structured tool invocation emitted by a model.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Response is a provider's answer as a tagged variant. Exactly one of
// Text or ToolCall is meaningful, selected by Kind.
type Response struct {
	Kind     ResponseKind `json:"kind"`
	Text     string       `json:"text,omitempty"`
	ToolCall *ToolCall    `json:"tool_call,omitempty"`

	// Unit counts reported by the provider, used for ledger pricing.
	UnitsIn  int64 `json:"units_in"`
	UnitsOut int64 `json:"units_out"`
}
