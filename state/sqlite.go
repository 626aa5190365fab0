package state

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fleetmesh/fleetmesh"
)

const schema = `
CREATE TABLE IF NOT EXISTS provider_health (
	provider TEXT PRIMARY KEY,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	total_requests INTEGER NOT NULL DEFAULT 0,
	total_successes INTEGER NOT NULL DEFAULT 0,
	blacklisted_until TIMESTAMP,
	last_checked TIMESTAMP
);
CREATE TABLE IF NOT EXISTS capability (
	provider TEXT NOT NULL,
	task_type TEXT NOT NULL,
	successes INTEGER NOT NULL DEFAULT 0,
	samples INTEGER NOT NULL DEFAULT 0,
	avg_latency_ms REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (provider, task_type)
);
CREATE TABLE IF NOT EXISTS cost_ledger (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	units_in INTEGER NOT NULL,
	units_out INTEGER NOT NULL,
	cost REAL NOT NULL,
	task_type TEXT NOT NULL,
	requester TEXT
);
CREATE INDEX IF NOT EXISTS idx_cost_ledger_created_at ON cost_ledger (created_at);
CREATE TABLE IF NOT EXISTS feedback (
	id TEXT PRIMARY KEY,
	task_type TEXT NOT NULL,
	note TEXT NOT NULL,
	severity INTEGER NOT NULL,
	sample_id TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_task_type ON feedback (task_type, created_at);
`

// SqliteRecords persists health, capability, ledger, and feedback rows in
// an embedded SQLite database so learned state survives restarts.
type SqliteRecords struct {
	db *sql.DB
}

func NewSqliteRecords(path string) (*SqliteRecords, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteRecords{db: db}, nil
}

func (s *SqliteRecords) SaveHealth(ctx context.Context, record fleetmesh.HealthRecord) error {
	var until *time.Time
	if !record.BlacklistedUntil.IsZero() {
		until = &record.BlacklistedUntil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_health
			(provider, consecutive_failures, total_requests, total_successes, blacklisted_until, last_checked)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			consecutive_failures = excluded.consecutive_failures,
			total_requests = excluded.total_requests,
			total_successes = excluded.total_successes,
			blacklisted_until = excluded.blacklisted_until,
			last_checked = excluded.last_checked`,
		record.Provider, record.ConsecutiveFailures, record.TotalRequests,
		record.TotalSuccesses, until, record.LastChecked)
	return err
}

func (s *SqliteRecords) LoadHealth(ctx context.Context) ([]fleetmesh.HealthRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, consecutive_failures, total_requests, total_successes, blacklisted_until, last_checked
		FROM provider_health`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []fleetmesh.HealthRecord
	for rows.Next() {
		var record fleetmesh.HealthRecord
		var until, checked sql.NullTime
		if err := rows.Scan(&record.Provider, &record.ConsecutiveFailures,
			&record.TotalRequests, &record.TotalSuccesses, &until, &checked); err != nil {
			return nil, err
		}
		if until.Valid {
			record.BlacklistedUntil = until.Time
		}
		if checked.Valid {
			record.LastChecked = checked.Time
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SqliteRecords) SaveCapability(ctx context.Context, record fleetmesh.CapabilityRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability (provider, task_type, successes, samples, avg_latency_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider, task_type) DO UPDATE SET
			successes = excluded.successes,
			samples = excluded.samples,
			avg_latency_ms = excluded.avg_latency_ms`,
		record.Provider, record.TaskType, record.Successes, record.Samples,
		float64(record.AvgLatency)/float64(time.Millisecond))
	return err
}

func (s *SqliteRecords) LoadCapabilities(ctx context.Context) ([]fleetmesh.CapabilityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, task_type, successes, samples, avg_latency_ms FROM capability`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []fleetmesh.CapabilityRecord
	for rows.Next() {
		var record fleetmesh.CapabilityRecord
		var latencyMillis float64
		if err := rows.Scan(&record.Provider, &record.TaskType,
			&record.Successes, &record.Samples, &latencyMillis); err != nil {
			return nil, err
		}
		record.AvgLatency = time.Duration(latencyMillis * float64(time.Millisecond))
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SqliteRecords) AppendCost(ctx context.Context, entry fleetmesh.CostEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_ledger (id, created_at, provider, model, units_in, units_out, cost, task_type, requester)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp, entry.Provider, entry.Model,
		entry.UnitsIn, entry.UnitsOut, entry.Cost, entry.TaskType, entry.Requester)
	return err
}

func (s *SqliteRecords) CostSince(ctx context.Context, since time.Time) ([]fleetmesh.CostEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, provider, model, units_in, units_out, cost, task_type, requester
		FROM cost_ledger WHERE created_at >= ? ORDER BY created_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []fleetmesh.CostEntry
	for rows.Next() {
		var entry fleetmesh.CostEntry
		var requester sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Provider, &entry.Model,
			&entry.UnitsIn, &entry.UnitsOut, &entry.Cost, &entry.TaskType, &requester); err != nil {
			return nil, err
		}
		entry.Requester = requester.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SqliteRecords) AppendFeedback(ctx context.Context, record fleetmesh.FeedbackRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, task_type, note, severity, sample_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID, record.TaskType, record.Note, record.Severity,
		record.SampleID, record.CreatedAt)
	return err
}

func (s *SqliteRecords) FeedbackForTask(
	ctx context.Context, taskType string, limit int,
) ([]fleetmesh.FeedbackRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_type, note, severity, sample_id, created_at
		FROM feedback WHERE task_type = ?
		ORDER BY severity DESC, created_at DESC LIMIT ?`, taskType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []fleetmesh.FeedbackRecord
	for rows.Next() {
		var record fleetmesh.FeedbackRecord
		var sampleID sql.NullString
		if err := rows.Scan(&record.ID, &record.TaskType, &record.Note,
			&record.Severity, &sampleID, &record.CreatedAt); err != nil {
			return nil, err
		}
		record.SampleID = sampleID.String
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SqliteRecords) Close() error {
	return s.db.Close()
}
