// Package rate spaces out requests per provider so the dispatcher stays
// inside each provider's requests-per-minute budget.
package rate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/state"
)

// Limiter enforces per-provider request spacing on top of a state
// manager. With the in-memory manager the window is process-local; with
// the Valkey manager every dispatcher process shares it.
type Limiter struct {
	stateManager state.Manager
	logger       *zap.SugaredLogger
}

func NewLimiter(stateManager state.Manager, logger *zap.SugaredLogger) *Limiter {
	return &Limiter{
		stateManager: stateManager,
		logger:       logger,
	}
}

// CanProceed reserves the provider's next request slot. When the answer
// is false, wait reports how long until the slot opens.
func (l *Limiter) CanProceed(
	ctx context.Context, provider *fleetmesh.Provider,
) (bool, time.Duration, error) {
	allowed, wait, err := l.stateManager.Allow(ctx, provider.Name, provider.RequestInterval())
	if err != nil {
		return false, 0, err
	}
	if !allowed {
		l.logger.Debugw("provider rate limited",
			"provider", provider.Name, "retry_after", wait)
	}
	return allowed, wait, nil
}

// DisableTemporarily blocks the provider for the given duration, used
// when a provider answers with its own rate limit signal.
func (l *Limiter) DisableTemporarily(
	ctx context.Context, provider string, duration time.Duration,
) error {
	l.logger.Infow("provider disabled temporarily",
		"provider", provider, "duration", duration)
	return l.stateManager.Disable(ctx, provider, duration)
}
