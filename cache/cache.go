// Package cache short-circuits repeated identical requests. A hit returns
// the stored response without touching providers, health, capability, or
// the cost ledger.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/state"
)

const DefaultTTL = 5 * time.Minute

// keyPayload enumerates exactly what participates in the cache key.
// Every sampling knob on Request that affects output appears here.
type keyPayload struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model"`
	Temperature *float32 `json:"temperature"`
	MaxTokens   *int32   `json:"max_tokens"`
	TopP        *float32 `json:"top_p"`
}

type Cache struct {
	stateManager state.Manager
	ttl          time.Duration
	logger       *zap.SugaredLogger
}

func New(stateManager state.Manager, ttl time.Duration, logger *zap.SugaredLogger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		stateManager: stateManager,
		ttl:          ttl,
		logger:       logger,
	}
}

// Key derives the canonical cache key for a request served by the given
// model. Prompt whitespace is normalized so trivially reformatted prompts
// hit the same entry.
func Key(request *fleetmesh.Request, model string) string {
	payload := keyPayload{
		Prompt:      normalizePrompt(request.Prompt),
		Model:       model,
		Temperature: request.Temperature,
		MaxTokens:   request.MaxTokens,
		TopP:        request.TopP,
	}
	hash := sha256.New()
	json.NewEncoder(hash).Encode(payload)
	return "fleetmesh:cache:" + hex.EncodeToString(hash.Sum(nil))
}

func normalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}

// Lookup returns the cached response for the request and model, or nil on
// a miss. Store failures are logged, not returned; caching is best effort.
func (c *Cache) Lookup(ctx context.Context, request *fleetmesh.Request, model string) *fleetmesh.Response {
	data, err := c.stateManager.LoadCache(ctx, Key(request, model))
	if err != nil {
		c.logger.Warnw("cache lookup failed", "error", err)
		return nil
	}
	if data == nil {
		return nil
	}

	var response fleetmesh.Response
	if err := json.Unmarshal(data, &response); err != nil {
		c.logger.Warnw("failed to decode cached response", "error", err)
		return nil
	}
	return &response
}

func (c *Cache) Store(ctx context.Context, request *fleetmesh.Request, model string, response *fleetmesh.Response) {
	data, err := json.Marshal(response)
	if err != nil {
		c.logger.Warnw("failed to encode response for cache", "error", err)
		return
	}
	if err := c.stateManager.SaveCache(ctx, Key(request, model), data, c.ttl); err != nil {
		c.logger.Warnw("cache store failed", "error", err)
	}
}
