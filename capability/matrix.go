// Package capability learns, from live traffic only, how well each
// provider handles each task type.
package capability

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/state"
)

// Providers need this many samples on a task type before the matrix will
// rank them for it.
const DefaultMinSamples = 5

type cellKey struct {
	provider string
	taskType string
}

// Matrix accumulates per (provider, task type) outcomes. Every attempt
// against a live provider updates exactly one cell; cache hits never
// reach the matrix.
type Matrix struct {
	mutex sync.Mutex
	cells map[cellKey]*fleetmesh.CapabilityRecord

	store      state.Records
	logger     *zap.SugaredLogger
	minSamples int64
}

// Option configures a Matrix.
type Option func(*Matrix)

func WithMinSamples(n int64) Option {
	return func(m *Matrix) { m.minSamples = n }
}

// NewMatrix loads any persisted capability records from the store. A nil
// store keeps all state in memory only.
func NewMatrix(
	ctx context.Context,
	store state.Records,
	logger *zap.SugaredLogger,
	opts ...Option,
) (*Matrix, error) {
	matrix := &Matrix{
		cells:      make(map[cellKey]*fleetmesh.CapabilityRecord),
		store:      store,
		logger:     logger,
		minSamples: DefaultMinSamples,
	}
	for _, opt := range opts {
		opt(matrix)
	}

	if store != nil {
		persisted, err := store.LoadCapabilities(ctx)
		if err != nil {
			return nil, err
		}
		for i := range persisted {
			record := persisted[i]
			matrix.cells[cellKey{record.Provider, record.TaskType}] = &record
		}
	}
	return matrix, nil
}

// RecordOutcome folds one attempt into the matrix. Latency contributes to
// the streaming mean only on success; failure latency says more about
// timeouts than about the provider's speed.
func (m *Matrix) RecordOutcome(
	ctx context.Context,
	provider string,
	taskType string,
	success bool,
	latency time.Duration,
) {
	m.mutex.Lock()
	key := cellKey{provider, taskType}
	cell, exists := m.cells[key]
	if !exists {
		cell = &fleetmesh.CapabilityRecord{Provider: provider, TaskType: taskType}
		m.cells[key] = cell
	}

	cell.Samples++
	if success {
		cell.Successes++
		weight := time.Duration(cell.Successes)
		cell.AvgLatency += (latency - cell.AvgLatency) / weight
	}
	snapshot := *cell
	m.mutex.Unlock()

	if m.store != nil {
		if err := m.store.SaveCapability(ctx, snapshot); err != nil {
			m.logger.Warnw("failed to persist capability record",
				"provider", provider, "task_type", taskType, "error", err)
		}
	}
}

// BestProvider ranks the given candidates for a task type by success rate,
// breaking ties by mean latency. Candidates without enough samples are
// not ranked; ok is false when no candidate qualifies.
func (m *Matrix) BestProvider(taskType string, candidates []string) (string, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	best := ""
	var bestRate float64
	var bestLatency time.Duration

	for _, provider := range candidates {
		cell, exists := m.cells[cellKey{provider, taskType}]
		if !exists || cell.Samples < m.minSamples {
			continue
		}
		rate := cell.SuccessRate()
		if best == "" || rate > bestRate ||
			(rate == bestRate && cell.AvgLatency < bestLatency) {
			best = provider
			bestRate = rate
			bestLatency = cell.AvgLatency
		}
	}
	return best, best != ""
}

// Snapshot returns a copy of every cell.
func (m *Matrix) Snapshot() []fleetmesh.CapabilityRecord {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	records := make([]fleetmesh.CapabilityRecord, 0, len(m.cells))
	for _, cell := range m.cells {
		records = append(records, *cell)
	}
	return records
}

// Cell returns a copy of one cell, if it exists.
func (m *Matrix) Cell(provider, taskType string) (fleetmesh.CapabilityRecord, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	cell, exists := m.cells[cellKey{provider, taskType}]
	if !exists {
		return fleetmesh.CapabilityRecord{}, false
	}
	return *cell, true
}
