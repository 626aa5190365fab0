// Package ledger is the append-only record of spend and the sole source
// of truth for budget accounting.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/state"
)

// Spend ratio of the monthly ceiling at which the advisory warning fires.
const WarnRatio = 0.9

// BudgetWarning is the advisory event emitted when monthly spend crosses
// WarnRatio of the ceiling. It never blocks a request.
type BudgetWarning struct {
	Period  string
	Spend   float64
	Ceiling float64
}

// Usage aggregates ledger entries over a window. Aggregates are pure
// functions over the log; nothing here is stored.
type Usage struct {
	Requests      int64              `json:"requests"`
	TotalCost     float64            `json:"total_cost"`
	TotalUnitsIn  int64              `json:"total_units_in"`
	TotalUnitsOut int64              `json:"total_units_out"`
	ByProvider    map[string]float64 `json:"by_provider"`
	ByTask        map[string]float64 `json:"by_task"`

	// Share of requests that cost nothing (free and local tiers).
	FreeShare float64 `json:"free_share"`
}

type Ledger struct {
	store  state.Records
	clock  clock.Clock
	logger *zap.SugaredLogger

	// Monthly ceiling in USD. Zero disables budget checks.
	ceiling float64

	onWarning func(BudgetWarning)

	// Months that already produced a warning, e.g. "2026-08".
	warnedMutex   sync.Mutex
	warnedPeriods map[string]bool
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithClock(clk clock.Clock) Option {
	return func(l *Ledger) { l.clock = clk }
}

// WithWarningCallback registers a callback invoked alongside the logged
// BudgetWarning event.
func WithWarningCallback(callback func(BudgetWarning)) Option {
	return func(l *Ledger) { l.onWarning = callback }
}

func New(store state.Records, ceiling float64, logger *zap.SugaredLogger, opts ...Option) *Ledger {
	ledger := &Ledger{
		store:         store,
		clock:         clock.New(),
		logger:        logger,
		ceiling:       ceiling,
		warnedPeriods: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(ledger)
	}
	return ledger
}

// Cost prices a call against the provider's configured per-1M rates.
func Cost(provider *fleetmesh.Provider, unitsIn, unitsOut int64) float64 {
	return float64(unitsIn)/1e6*provider.CostInPer1M +
		float64(unitsOut)/1e6*provider.CostOutPer1M
}

// Log appends one usage entry and runs the advisory budget check.
func (l *Ledger) Log(
	ctx context.Context,
	provider *fleetmesh.Provider,
	taskType string,
	requester string,
	unitsIn, unitsOut int64,
) (fleetmesh.CostEntry, error) {
	entry := fleetmesh.CostEntry{
		ID:        uuid.NewString(),
		Timestamp: l.clock.Now(),
		Provider:  provider.Name,
		Model:     provider.Model,
		UnitsIn:   unitsIn,
		UnitsOut:  unitsOut,
		Cost:      Cost(provider, unitsIn, unitsOut),
		TaskType:  taskType,
		Requester: requester,
	}
	if err := l.store.AppendCost(ctx, entry); err != nil {
		return fleetmesh.CostEntry{}, fmt.Errorf("failed to append cost entry: %w", err)
	}

	l.checkBudget(ctx)
	return entry, nil
}

// Usage sums entries since the given time.
func (l *Ledger) Usage(ctx context.Context, since time.Time) (*Usage, error) {
	entries, err := l.store.CostSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to read cost entries: %w", err)
	}

	usage := &Usage{
		ByProvider: make(map[string]float64),
		ByTask:     make(map[string]float64),
	}
	freeCalls := int64(0)
	for _, entry := range entries {
		usage.Requests++
		usage.TotalCost += entry.Cost
		usage.TotalUnitsIn += entry.UnitsIn
		usage.TotalUnitsOut += entry.UnitsOut
		usage.ByProvider[entry.Provider] += entry.Cost
		usage.ByTask[entry.TaskType] += entry.Cost
		if entry.Cost == 0 {
			freeCalls++
		}
	}
	if usage.Requests > 0 {
		usage.FreeShare = float64(freeCalls) / float64(usage.Requests)
	}
	return usage, nil
}

// MonthStart returns the first instant of now's month in UTC.
func MonthStart(now time.Time) time.Time {
	year, month, _ := now.UTC().Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}

func (l *Ledger) checkBudget(ctx context.Context) {
	if l.ceiling <= 0 {
		return
	}

	now := l.clock.Now()
	usage, err := l.Usage(ctx, MonthStart(now))
	if err != nil {
		l.logger.Warnw("budget check failed", "error", err)
		return
	}
	if usage.TotalCost < WarnRatio*l.ceiling {
		return
	}

	period := now.UTC().Format("2006-01")
	l.warnedMutex.Lock()
	alreadyWarned := l.warnedPeriods[period]
	l.warnedPeriods[period] = true
	l.warnedMutex.Unlock()
	if alreadyWarned {
		return
	}

	warning := BudgetWarning{Period: period, Spend: usage.TotalCost, Ceiling: l.ceiling}
	l.logger.Warnw("monthly spend approaching budget ceiling",
		"period", warning.Period,
		"spend", warning.Spend,
		"ceiling", warning.Ceiling)
	if l.onWarning != nil {
		l.onWarning(warning)
	}
}
