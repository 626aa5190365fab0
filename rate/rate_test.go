package rate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/state"
)

func TestLimiter(t *testing.T) {
	ctx := context.Background()

	newLimiter := func(t *testing.T) *Limiter {
		t.Helper()
		manager, stop := state.NewMemoryManager(1024)
		t.Cleanup(stop)
		return NewLimiter(manager, zap.NewNop().Sugar())
	}

	t.Run("First request proceeds, second waits", func(t *testing.T) {
		limiter := newLimiter(t)
		provider := &fleetmesh.Provider{Name: "groq", RequestsPerMinute: 30}

		allowed, wait, err := limiter.CanProceed(ctx, provider)
		assert.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, time.Duration(0), wait)

		allowed, wait, err = limiter.CanProceed(ctx, provider)
		assert.NoError(t, err)
		assert.False(t, allowed)
		assert.True(t, wait > 0)
		assert.True(t, wait <= 2*time.Second)
	})

	t.Run("Providers limited independently", func(t *testing.T) {
		limiter := newLimiter(t)
		groq := &fleetmesh.Provider{Name: "groq", RequestsPerMinute: 30}
		openrouter := &fleetmesh.Provider{Name: "openrouter", RequestsPerMinute: 30}

		allowed, _, err := limiter.CanProceed(ctx, groq)
		assert.NoError(t, err)
		assert.True(t, allowed)

		allowed, _, err = limiter.CanProceed(ctx, openrouter)
		assert.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("Unlimited provider always proceeds", func(t *testing.T) {
		limiter := newLimiter(t)
		local := &fleetmesh.Provider{Name: "ollama"}

		// RequestInterval falls back to a negligible spacing.
		assert.Equal(t, time.Millisecond, local.RequestInterval())

		allowed, _, err := limiter.CanProceed(ctx, local)
		assert.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("DisableTemporarily blocks the provider", func(t *testing.T) {
		limiter := newLimiter(t)
		provider := &fleetmesh.Provider{Name: "groq", RequestsPerMinute: 60000}

		err := limiter.DisableTemporarily(ctx, "groq", time.Hour)
		assert.NoError(t, err)

		allowed, wait, err := limiter.CanProceed(ctx, provider)
		assert.NoError(t, err)
		assert.False(t, allowed)
		assert.True(t, wait > 59*time.Minute)
	})
}
