package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetmesh/fleetmesh"
)

// MemoryRecords keeps learned state in process memory. It backs
// single-node deployments that opt out of SQLite, and tests.
type MemoryRecords struct {
	mutex        sync.RWMutex
	health       map[string]fleetmesh.HealthRecord
	capabilities map[string]fleetmesh.CapabilityRecord
	costs        []fleetmesh.CostEntry
	feedback     []fleetmesh.FeedbackRecord
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{
		health:       map[string]fleetmesh.HealthRecord{},
		capabilities: map[string]fleetmesh.CapabilityRecord{},
	}
}

func (m *MemoryRecords) SaveHealth(_ context.Context, record fleetmesh.HealthRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.health[record.Provider] = record
	return nil
}

func (m *MemoryRecords) LoadHealth(_ context.Context) ([]fleetmesh.HealthRecord, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	records := make([]fleetmesh.HealthRecord, 0, len(m.health))
	for _, record := range m.health {
		records = append(records, record)
	}
	return records, nil
}

func (m *MemoryRecords) SaveCapability(_ context.Context, record fleetmesh.CapabilityRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.capabilities[record.Provider+"\x00"+record.TaskType] = record
	return nil
}

func (m *MemoryRecords) LoadCapabilities(_ context.Context) ([]fleetmesh.CapabilityRecord, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	records := make([]fleetmesh.CapabilityRecord, 0, len(m.capabilities))
	for _, record := range m.capabilities {
		records = append(records, record)
	}
	return records, nil
}

func (m *MemoryRecords) AppendCost(_ context.Context, entry fleetmesh.CostEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.costs = append(m.costs, entry)
	return nil
}

func (m *MemoryRecords) CostSince(_ context.Context, since time.Time) ([]fleetmesh.CostEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var entries []fleetmesh.CostEntry
	for _, entry := range m.costs {
		if !entry.Timestamp.Before(since) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (m *MemoryRecords) AppendFeedback(_ context.Context, record fleetmesh.FeedbackRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.feedback = append(m.feedback, record)
	return nil
}

func (m *MemoryRecords) FeedbackForTask(
	_ context.Context, taskType string, limit int,
) ([]fleetmesh.FeedbackRecord, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var records []fleetmesh.FeedbackRecord
	for _, record := range m.feedback {
		if record.TaskType == taskType {
			records = append(records, record)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Severity != records[j].Severity {
			return records[i].Severity > records[j].Severity
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *MemoryRecords) Close() error {
	return nil
}
