package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/state"
	"github.com/fleetmesh/fleetmesh/utils"
)

func TestKey(t *testing.T) {
	base := &fleetmesh.Request{Prompt: "write a haiku about Go"}

	t.Run("Whitespace differences hit the same entry", func(t *testing.T) {
		reformatted := &fleetmesh.Request{Prompt: "  write a haiku\n\tabout Go  "}
		assert.Equal(t, Key(base, "llama-3.1-8b-instant"), Key(reformatted, "llama-3.1-8b-instant"))
	})

	t.Run("Model participates in the key", func(t *testing.T) {
		assert.NotEqual(t, Key(base, "llama-3.1-8b-instant"), Key(base, "gpt-4o-mini"))
	})

	t.Run("Sampling parameters participate in the key", func(t *testing.T) {
		warm := &fleetmesh.Request{Prompt: base.Prompt, Temperature: utils.ToPtr(float32(0.9))}
		assert.NotEqual(t, Key(base, "gpt-4o-mini"), Key(warm, "gpt-4o-mini"))

		capped := &fleetmesh.Request{Prompt: base.Prompt, MaxTokens: utils.ToPtr(int32(100))}
		assert.NotEqual(t, Key(base, "gpt-4o-mini"), Key(capped, "gpt-4o-mini"))

		nucleus := &fleetmesh.Request{Prompt: base.Prompt, TopP: utils.ToPtr(float32(0.95))}
		assert.NotEqual(t, Key(base, "gpt-4o-mini"), Key(nucleus, "gpt-4o-mini"))
	})

	t.Run("Prompt content participates in the key", func(t *testing.T) {
		other := &fleetmesh.Request{Prompt: "write a haiku about Rust"}
		assert.NotEqual(t, Key(base, "gpt-4o-mini"), Key(other, "gpt-4o-mini"))
	})
}

func TestCache(t *testing.T) {
	ctx := context.Background()

	newCache := func(t *testing.T, ttl time.Duration) *Cache {
		t.Helper()
		manager, stop := state.NewMemoryManager(1 << 20)
		t.Cleanup(stop)
		return New(manager, ttl, zap.NewNop().Sugar())
	}

	t.Run("Round trip", func(t *testing.T) {
		c := newCache(t, time.Minute)
		request := &fleetmesh.Request{Prompt: "write a haiku about Go"}
		response := &fleetmesh.Response{
			Kind:     fleetmesh.ResponseText,
			Text:     "gophers in the mist",
			UnitsIn:  10,
			UnitsOut: 5,
		}

		assert.Nil(t, c.Lookup(ctx, request, "gpt-4o-mini"))

		c.Store(ctx, request, "gpt-4o-mini", response)

		cached := c.Lookup(ctx, request, "gpt-4o-mini")
		assert.NotNil(t, cached)
		assert.Equal(t, response, cached)
	})

	t.Run("Tool call round trip", func(t *testing.T) {
		c := newCache(t, time.Minute)
		request := &fleetmesh.Request{Prompt: "look up the weather"}
		response := &fleetmesh.Response{
			Kind:     fleetmesh.ResponseToolCall,
			ToolCall: &fleetmesh.ToolCall{Name: "weather", Arguments: `{"city":"Seoul"}`},
		}

		c.Store(ctx, request, "gpt-4o-mini", response)

		cached := c.Lookup(ctx, request, "gpt-4o-mini")
		assert.NotNil(t, cached)
		assert.Equal(t, fleetmesh.ResponseToolCall, cached.Kind)
		assert.Equal(t, "weather", cached.ToolCall.Name)
	})

	t.Run("Different model misses", func(t *testing.T) {
		c := newCache(t, time.Minute)
		request := &fleetmesh.Request{Prompt: "write a haiku about Go"}

		c.Store(ctx, request, "gpt-4o-mini", &fleetmesh.Response{Kind: fleetmesh.ResponseText, Text: "x"})
		assert.Nil(t, c.Lookup(ctx, request, "llama-3.1-8b-instant"))
	})

	t.Run("Zero TTL falls back to the default", func(t *testing.T) {
		c := newCache(t, 0)
		assert.Equal(t, DefaultTTL, c.ttl)
	})
}
