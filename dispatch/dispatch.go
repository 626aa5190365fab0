// Package dispatch orchestrates one request across the provider fleet:
// candidate ordering, cache, rate limits, retries, and outcome recording.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/cache"
	"github.com/fleetmesh/fleetmesh/capability"
	"github.com/fleetmesh/fleetmesh/feedback"
	"github.com/fleetmesh/fleetmesh/health"
	"github.com/fleetmesh/fleetmesh/ledger"
	"github.com/fleetmesh/fleetmesh/metrics"
	"github.com/fleetmesh/fleetmesh/provider"
	"github.com/fleetmesh/fleetmesh/rate"
	"github.com/fleetmesh/fleetmesh/utils/array"
)

const (
	// Hard per-call timeout. A call that exceeds it is recorded as a
	// failure and the cascade moves on immediately.
	DefaultCallTimeout = 30 * time.Second

	// Share of dispatches that skip the learned-best override so
	// zero-sample providers still accumulate traffic.
	DefaultEpsilon = 0.1

	// How long a provider-side throttle signal blocks the provider.
	providerBackoff = time.Minute

	// Issued calls per tier before cascading to the next one, capped by
	// the number of eligible candidates in the tier.
	maxAttemptsPerTier = 3
)

// Result is a successful dispatch with provenance.
type Result struct {
	Response *fleetmesh.Response `json:"response"`
	Provider string              `json:"provider"`
	Tier     fleetmesh.Tier      `json:"tier"`
	Latency  time.Duration       `json:"latency"`
	Cached   bool                `json:"cached"`
}

// Attempt names one provider that was tried and why it did not serve.
type Attempt struct {
	Provider string         `json:"provider"`
	Tier     fleetmesh.Tier `json:"tier"`
	Reason   string         `json:"reason"`
	Detail   string         `json:"detail,omitempty"`
}

const (
	ReasonUnavailable = "unavailable"
	ReasonRejected    = "rejected"
	ReasonRateLimited = "rate_limited"
)

// Failure enumerates every attempted provider when a dispatch exhausts
// the fleet.
type Failure struct {
	Attempts []Attempt `json:"attempts"`
}

func (f *Failure) Error() string {
	parts := make([]string, len(f.Attempts))
	for i, attempt := range f.Attempts {
		parts[i] = fmt.Sprintf("%s (%s)", attempt.Provider, attempt.Reason)
	}
	if len(parts) == 0 {
		return "no eligible providers"
	}
	return "all providers failed: " + strings.Join(parts, ", ")
}

type Dispatcher struct {
	registry  *fleetmesh.Registry
	endpoints map[string]provider.Endpoint

	healthTracker *health.Tracker
	matrix        *capability.Matrix
	limiter       *rate.Limiter
	responseCache *cache.Cache
	costLedger    *ledger.Ledger
	injector      *feedback.Injector
	metrics       *metrics.Metrics
	logger        *zap.SugaredLogger

	callTimeout time.Duration
	epsilon     float64
	random      func() float64

	// Per-tier rotation so equally ranked providers share traffic.
	rotationMutex sync.Mutex
	rotation      map[fleetmesh.Tier]int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithCallTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.callTimeout = timeout }
}

func WithEpsilon(epsilon float64) Option {
	return func(d *Dispatcher) { d.epsilon = epsilon }
}

func WithRandom(random func() float64) Option {
	return func(d *Dispatcher) { d.random = random }
}

func New(
	registry *fleetmesh.Registry,
	endpoints map[string]provider.Endpoint,
	healthTracker *health.Tracker,
	matrix *capability.Matrix,
	limiter *rate.Limiter,
	responseCache *cache.Cache,
	costLedger *ledger.Ledger,
	injector *feedback.Injector,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
	opts ...Option,
) *Dispatcher {
	dispatcher := &Dispatcher{
		registry:      registry,
		endpoints:     endpoints,
		healthTracker: healthTracker,
		matrix:        matrix,
		limiter:       limiter,
		responseCache: responseCache,
		costLedger:    costLedger,
		injector:      injector,
		metrics:       m,
		logger:        logger,
		callTimeout:   DefaultCallTimeout,
		epsilon:       DefaultEpsilon,
		random:        rand.Float64,
		rotation:      make(map[fleetmesh.Tier]int),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	return dispatcher
}

type candidate struct {
	provider fleetmesh.Provider
	tier     fleetmesh.Tier
}

// tierOrder returns the cascade starting at the preferred tier, then the
// remaining tiers cheapest first.
func tierOrder(preference fleetmesh.Tier) []fleetmesh.Tier {
	if preference == "" {
		return fleetmesh.CascadeOrder
	}
	order := make([]fleetmesh.Tier, 0, len(fleetmesh.CascadeOrder))
	order = append(order, preference)
	for _, tier := range fleetmesh.CascadeOrder {
		if tier != preference {
			order = append(order, tier)
		}
	}
	return order
}

// snapshot computes the full candidate order for one dispatch. The order
// is fixed here and never recomputed mid-flight, even if health data
// changes during the attempt sequence.
func (d *Dispatcher) snapshot(ctx context.Context, request *fleetmesh.Request) ([][]candidate, error) {
	explore := d.epsilon > 0 && d.random() < d.epsilon

	tiers := make([][]candidate, 0, len(fleetmesh.CascadeOrder))
	for _, tier := range tierOrder(request.TierPreference) {
		providers := d.registry.ListByTier(tier)

		eligible := make([]fleetmesh.Provider, 0, len(providers))
		for _, p := range providers {
			if d.healthTracker.Available(ctx, p.Name) {
				eligible = append(eligible, p)
			}
		}
		if len(eligible) == 0 {
			continue
		}

		d.rotationMutex.Lock()
		offset := d.rotation[tier] % len(eligible)
		d.rotation[tier]++
		d.rotationMutex.Unlock()

		rotated := make([]fleetmesh.Provider, 0, len(eligible))
		for i := range eligible {
			rotated = append(rotated, eligible[(offset+i)%len(eligible)])
		}

		if !explore {
			names := array.Map(rotated, func(p fleetmesh.Provider) string { return p.Name })
			if best, ok := d.matrix.BestProvider(request.TaskType, names); ok {
				for i, p := range rotated {
					if p.Name == best && i != 0 {
						copy(rotated[1:i+1], rotated[:i])
						rotated[0] = p
						break
					}
				}
			}
		}

		tierCandidates := make([]candidate, len(rotated))
		for i, p := range rotated {
			tierCandidates[i] = candidate{provider: p, tier: tier}
		}
		tiers = append(tiers, tierCandidates)
	}
	return tiers, nil
}

// Submit runs one dispatch cycle. It returns a Result with provenance or
// a *Failure listing every attempted provider; callers never see a
// silent drop.
func (d *Dispatcher) Submit(ctx context.Context, request *fleetmesh.Request) (*Result, error) {
	augmented := *request
	augmented.Prompt = d.injector.Augment(ctx, request.Prompt, request.TaskType)

	tiers, err := d.snapshot(ctx, &augmented)
	if err != nil {
		return nil, err
	}

	// A hit for any candidate's model short-circuits the whole pipeline:
	// no provider call, no ledger entry, no health or capability update.
	checkedModels := make(map[string]bool)
	for _, tierCandidates := range tiers {
		for _, cand := range tierCandidates {
			if checkedModels[cand.provider.Model] {
				continue
			}
			checkedModels[cand.provider.Model] = true

			if cached := d.responseCache.Lookup(ctx, &augmented, cand.provider.Model); cached != nil {
				d.metrics.CacheHitsTotal.Inc()
				d.metrics.DispatchesTotal.WithLabelValues("cached", string(cand.tier)).Inc()
				return &Result{
					Response: cached,
					Provider: cand.provider.Name,
					Tier:     cand.tier,
					Cached:   true,
				}, nil
			}
		}
	}

	failure := &Failure{}
	for _, tierCandidates := range tiers {
		budget := maxAttemptsPerTier
		if len(tierCandidates) < budget {
			budget = len(tierCandidates)
		}

		issued := 0
		for _, cand := range tierCandidates {
			if issued >= budget {
				break
			}

			allowed, wait, err := d.limiter.CanProceed(ctx, &cand.provider)
			if err != nil {
				d.logger.Warnw("rate limiter check failed",
					"provider", cand.provider.Name, "error", err)
			} else if !allowed {
				failure.Attempts = append(failure.Attempts, Attempt{
					Provider: cand.provider.Name,
					Tier:     cand.tier,
					Reason:   ReasonRateLimited,
					Detail:   fmt.Sprintf("retry after %s", wait),
				})
				d.metrics.AttemptsTotal.WithLabelValues(cand.provider.Name, ReasonRateLimited).Inc()
				continue
			}

			issued++
			result, attempt := d.attempt(ctx, &augmented, cand)
			if result != nil {
				d.metrics.DispatchesTotal.WithLabelValues("success", string(cand.tier)).Inc()
				return result, nil
			}
			failure.Attempts = append(failure.Attempts, *attempt)
		}
	}

	d.metrics.DispatchesTotal.WithLabelValues("failure", "").Inc()
	d.logger.Warnw("dispatch exhausted all providers",
		"task_type", request.TaskType, "attempts", len(failure.Attempts))
	return nil, failure
}

// attempt issues one provider call and records its outcome everywhere it
// belongs. Exactly one of result and attempt is non-nil.
func (d *Dispatcher) attempt(
	ctx context.Context, request *fleetmesh.Request, cand candidate,
) (*Result, *Attempt) {
	endpoint, exists := d.endpoints[cand.provider.Name]
	if !exists {
		return nil, &Attempt{
			Provider: cand.provider.Name,
			Tier:     cand.tier,
			Reason:   ReasonUnavailable,
			Detail:   "no endpoint configured",
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	start := time.Now()
	response, err := endpoint.Complete(callCtx, request)
	latency := time.Since(start)
	d.metrics.AttemptDuration.WithLabelValues(cand.provider.Name).Observe(latency.Seconds())

	if err != nil {
		return nil, d.recordFailure(ctx, request, cand, latency, err)
	}

	d.healthTracker.ReportSuccess(ctx, cand.provider.Name)
	d.matrix.RecordOutcome(ctx, cand.provider.Name, request.TaskType, true, latency)
	d.metrics.AttemptsTotal.WithLabelValues(cand.provider.Name, "success").Inc()
	d.metrics.UnitsTotal.WithLabelValues(cand.provider.Name, "in").Add(float64(response.UnitsIn))
	d.metrics.UnitsTotal.WithLabelValues(cand.provider.Name, "out").Add(float64(response.UnitsOut))

	entry, err := d.costLedger.Log(ctx, &cand.provider, request.TaskType,
		request.Requester, response.UnitsIn, response.UnitsOut)
	if err != nil {
		d.logger.Warnw("failed to log usage", "provider", cand.provider.Name, "error", err)
	} else {
		d.metrics.CostTotal.WithLabelValues(cand.provider.Name).Add(entry.Cost)
	}

	d.responseCache.Store(ctx, request, cand.provider.Model, response)

	return &Result{
		Response: response,
		Provider: cand.provider.Name,
		Tier:     cand.tier,
		Latency:  latency,
	}, nil
}

func (d *Dispatcher) recordFailure(
	ctx context.Context,
	request *fleetmesh.Request,
	cand candidate,
	latency time.Duration,
	err error,
) *Attempt {
	attempt := &Attempt{
		Provider: cand.provider.Name,
		Tier:     cand.tier,
		Detail:   err.Error(),
	}

	var rateLimited provider.RateLimitError
	var rejected provider.RejectedError
	switch {
	case errors.As(err, &rateLimited):
		// The provider throttled us; not its health's fault. Back off so
		// the next dispatch does not burn an attempt on it.
		attempt.Reason = ReasonRateLimited
		if err := d.limiter.DisableTemporarily(ctx, cand.provider.Name, providerBackoff); err != nil {
			d.logger.Warnw("failed to back off provider",
				"provider", cand.provider.Name, "error", err)
		}
	case errors.As(err, &rejected):
		attempt.Reason = ReasonRejected
		d.healthTracker.ReportFailure(ctx, cand.provider.Name)
		d.matrix.RecordOutcome(ctx, cand.provider.Name, request.TaskType, false, latency)
	default:
		attempt.Reason = ReasonUnavailable
		d.healthTracker.ReportFailure(ctx, cand.provider.Name)
		d.matrix.RecordOutcome(ctx, cand.provider.Name, request.TaskType, false, latency)
	}

	d.metrics.AttemptsTotal.WithLabelValues(cand.provider.Name, attempt.Reason).Inc()
	d.logger.Infow("provider attempt failed",
		"provider", cand.provider.Name,
		"tier", cand.tier,
		"reason", attempt.Reason,
		"error", err)
	return attempt
}
