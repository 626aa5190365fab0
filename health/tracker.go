// Package health tracks per-provider failure state and temporarily
// blacklists providers that fail repeatedly.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/state"
)

const (
	// Consecutive failures before a provider is blacklisted.
	DefaultFailureThreshold = 5

	// How long a blacklisted provider is excluded from selection.
	DefaultBlacklistDuration = 10 * time.Minute
)

// Tracker maintains one health record per provider. Records are created
// lazily on the first reported attempt and written through to the
// records store so restarts keep the learned state.
type Tracker struct {
	mutex   sync.Mutex
	records map[string]*fleetmesh.HealthRecord

	store  state.Records
	clock  clock.Clock
	logger *zap.SugaredLogger

	failureThreshold  int
	blacklistDuration time.Duration

	// Invoked after each new blacklist, outside the tracker lock.
	onBlacklist func(provider string)
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithFailureThreshold(threshold int) Option {
	return func(t *Tracker) { t.failureThreshold = threshold }
}

func WithBlacklistDuration(duration time.Duration) Option {
	return func(t *Tracker) { t.blacklistDuration = duration }
}

func WithClock(clk clock.Clock) Option {
	return func(t *Tracker) { t.clock = clk }
}

func WithBlacklistCallback(callback func(provider string)) Option {
	return func(t *Tracker) { t.onBlacklist = callback }
}

// NewTracker loads any persisted health records from the store. A nil
// store keeps all state in memory only.
func NewTracker(
	ctx context.Context,
	store state.Records,
	logger *zap.SugaredLogger,
	opts ...Option,
) (*Tracker, error) {
	tracker := &Tracker{
		records:           make(map[string]*fleetmesh.HealthRecord),
		store:             store,
		clock:             clock.New(),
		logger:            logger,
		failureThreshold:  DefaultFailureThreshold,
		blacklistDuration: DefaultBlacklistDuration,
	}
	for _, opt := range opts {
		opt(tracker)
	}

	if store != nil {
		persisted, err := store.LoadHealth(ctx)
		if err != nil {
			return nil, err
		}
		for i := range persisted {
			record := persisted[i]
			tracker.records[record.Provider] = &record
		}
	}
	return tracker, nil
}

func (t *Tracker) record(provider string) *fleetmesh.HealthRecord {
	record, exists := t.records[provider]
	if !exists {
		record = &fleetmesh.HealthRecord{Provider: provider}
		t.records[provider] = record
	}
	return record
}

// ReportSuccess resets the failure streak and, if the provider was
// blacklisted, lifts the blacklist immediately.
func (t *Tracker) ReportSuccess(ctx context.Context, provider string) {
	t.mutex.Lock()
	record := t.record(provider)
	record.TotalRequests++
	record.TotalSuccesses++
	record.ConsecutiveFailures = 0
	record.BlacklistedUntil = time.Time{}
	record.LastChecked = t.clock.Now()
	snapshot := *record
	t.mutex.Unlock()

	t.persist(ctx, snapshot)
}

// ReportFailure increments the failure streak and blacklists the provider
// once the streak reaches the threshold. Reporting another failure while
// already blacklisted extends the window from now.
func (t *Tracker) ReportFailure(ctx context.Context, provider string) {
	t.mutex.Lock()
	record := t.record(provider)
	now := t.clock.Now()
	record.TotalRequests++
	record.ConsecutiveFailures++
	record.LastChecked = now

	blacklisted := false
	entered := false
	if record.ConsecutiveFailures >= t.failureThreshold {
		entered = !record.Blacklisted(now)
		record.BlacklistedUntil = now.Add(t.blacklistDuration)
		blacklisted = true
	}
	snapshot := *record
	t.mutex.Unlock()

	if blacklisted {
		t.logger.Warnw("provider blacklisted",
			"provider", provider,
			"consecutive_failures", snapshot.ConsecutiveFailures,
			"until", snapshot.BlacklistedUntil)
		if entered && t.onBlacklist != nil {
			t.onBlacklist(provider)
		}
	}
	t.persist(ctx, snapshot)
}

// Available reports whether the provider may be selected. A provider whose
// blacklist window has lapsed becomes available again with its failure
// streak cleared, but keeps its lifetime totals.
func (t *Tracker) Available(ctx context.Context, provider string) bool {
	t.mutex.Lock()
	record, exists := t.records[provider]
	if !exists {
		t.mutex.Unlock()
		return true
	}

	now := t.clock.Now()
	if record.Blacklisted(now) {
		t.mutex.Unlock()
		return false
	}

	if !record.BlacklistedUntil.IsZero() {
		// The window lapsed; give the provider a clean streak.
		record.BlacklistedUntil = time.Time{}
		record.ConsecutiveFailures = 0
		snapshot := *record
		t.mutex.Unlock()

		t.logger.Infow("provider blacklist lifted", "provider", provider)
		t.persist(ctx, snapshot)
		return true
	}

	t.mutex.Unlock()
	return true
}

// Reset clears the failure streak and blacklist for one provider.
// Lifetime totals are kept.
func (t *Tracker) Reset(ctx context.Context, provider string) {
	t.mutex.Lock()
	record, exists := t.records[provider]
	if !exists {
		t.mutex.Unlock()
		return
	}
	record.ConsecutiveFailures = 0
	record.BlacklistedUntil = time.Time{}
	snapshot := *record
	t.mutex.Unlock()

	t.persist(ctx, snapshot)
}

// ResetAll clears the failure streak and blacklist for every tracked
// provider.
func (t *Tracker) ResetAll(ctx context.Context) {
	t.mutex.Lock()
	snapshots := make([]fleetmesh.HealthRecord, 0, len(t.records))
	for _, record := range t.records {
		record.ConsecutiveFailures = 0
		record.BlacklistedUntil = time.Time{}
		snapshots = append(snapshots, *record)
	}
	t.mutex.Unlock()

	for _, snapshot := range snapshots {
		t.persist(ctx, snapshot)
	}
}

// Report returns a snapshot of every tracked provider's record. Reading
// the report does not change any state.
func (t *Tracker) Report() []fleetmesh.HealthRecord {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	report := make([]fleetmesh.HealthRecord, 0, len(t.records))
	for _, record := range t.records {
		report = append(report, *record)
	}
	return report
}

// Record returns a snapshot of one provider's record, if tracked.
func (t *Tracker) Record(provider string) (fleetmesh.HealthRecord, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	record, exists := t.records[provider]
	if !exists {
		return fleetmesh.HealthRecord{}, false
	}
	return *record, true
}

func (t *Tracker) persist(ctx context.Context, record fleetmesh.HealthRecord) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveHealth(ctx, record); err != nil {
		t.logger.Warnw("failed to persist health record",
			"provider", record.Provider, "error", err)
	}
}
