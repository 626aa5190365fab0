package state

import (
	"context"
	"time"

	"github.com/fleetmesh/fleetmesh"
)

// Manager is the shared throttle-and-cache state accessed on every
// dispatch. Implementations must make each operation atomic per key so
// concurrent dispatches never lose updates.
type Manager interface {
	// Checks whether the provider may be called now. If not, returns false
	// and the duration to wait before retrying. A successful check reserves
	// the slot: the provider is considered busy for the given interval.
	Allow(ctx context.Context, provider string, interval time.Duration) (bool, time.Duration, error)

	// Disables the provider for a given duration, e.g. after a quota error.
	Disable(ctx context.Context, provider string, duration time.Duration) error

	// Saves a response cache entry under key for the given TTL.
	SaveCache(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Loads a cache entry. Returns nil with no error on a miss or once the
	// entry has expired.
	LoadCache(ctx context.Context, key string) ([]byte, error)
}

// Records is the durable store for per-provider learning and spend state.
// All writes are atomic per record; the cost ledger is append-only.
type Records interface {
	SaveHealth(ctx context.Context, record fleetmesh.HealthRecord) error
	LoadHealth(ctx context.Context) ([]fleetmesh.HealthRecord, error)

	SaveCapability(ctx context.Context, record fleetmesh.CapabilityRecord) error
	LoadCapabilities(ctx context.Context) ([]fleetmesh.CapabilityRecord, error)

	AppendCost(ctx context.Context, entry fleetmesh.CostEntry) error
	CostSince(ctx context.Context, since time.Time) ([]fleetmesh.CostEntry, error)

	AppendFeedback(ctx context.Context, record fleetmesh.FeedbackRecord) error
	FeedbackForTask(ctx context.Context, taskType string, limit int) ([]fleetmesh.FeedbackRecord, error)

	Close() error
}
