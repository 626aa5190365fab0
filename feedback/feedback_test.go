package feedback

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/state"
)

func seedFeedback(t *testing.T, store state.Records, records ...fleetmesh.FeedbackRecord) {
	t.Helper()
	for _, record := range records {
		assert.NoError(t, store.AppendFeedback(context.Background(), record))
	}
}

func TestAugment(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	t.Run("No feedback leaves the prompt untouched", func(t *testing.T) {
		injector := NewInjector(state.NewMemoryRecords(), zap.NewNop().Sugar())
		assert.Equal(t, "hello", injector.Augment(ctx, "hello", "code"))
	})

	t.Run("Nil store leaves the prompt untouched", func(t *testing.T) {
		injector := NewInjector(nil, zap.NewNop().Sugar())
		assert.Equal(t, "hello", injector.Augment(ctx, "hello", "code"))
	})

	t.Run("Prepends the worst mistakes for the task type", func(t *testing.T) {
		store := state.NewMemoryRecords()
		seedFeedback(t, store,
			fleetmesh.FeedbackRecord{ID: "f1", TaskType: "code", Note: "missed edge case", Severity: 5, CreatedAt: base},
			fleetmesh.FeedbackRecord{ID: "f2", TaskType: "code", Note: "wrong language", Severity: 2, CreatedAt: base},
			fleetmesh.FeedbackRecord{ID: "f3", TaskType: "summarize", Note: "too long", Severity: 5, CreatedAt: base},
		)
		injector := NewInjector(store, zap.NewNop().Sugar())

		augmented := injector.Augment(ctx, "write a parser", "code")
		assert.Contains(t, augmented, "missed edge case")
		assert.Contains(t, augmented, "wrong language")
		assert.NotContains(t, augmented, "too long")
		assert.True(t, strings.HasSuffix(augmented, "write a parser"))

		// Warning block comes first.
		assert.True(t, strings.HasPrefix(augmented, "Avoid these mistakes"))
	})

	t.Run("Honors the note limit", func(t *testing.T) {
		store := state.NewMemoryRecords()
		seedFeedback(t, store,
			fleetmesh.FeedbackRecord{ID: "f1", TaskType: "code", Note: "note one", Severity: 5, CreatedAt: base},
			fleetmesh.FeedbackRecord{ID: "f2", TaskType: "code", Note: "note two", Severity: 4, CreatedAt: base},
			fleetmesh.FeedbackRecord{ID: "f3", TaskType: "code", Note: "note three", Severity: 3, CreatedAt: base},
		)
		injector := NewInjector(store, zap.NewNop().Sugar(), WithMaxNotes(2))

		augmented := injector.Augment(ctx, "prompt", "code")
		assert.Contains(t, augmented, "note one")
		assert.Contains(t, augmented, "note two")
		assert.NotContains(t, augmented, "note three")
	})

	t.Run("Bounds the block size", func(t *testing.T) {
		store := state.NewMemoryRecords()
		seedFeedback(t, store,
			fleetmesh.FeedbackRecord{ID: "f1", TaskType: "code", Note: "short note", Severity: 5, CreatedAt: base},
			fleetmesh.FeedbackRecord{ID: "f2", TaskType: "code", Note: strings.Repeat("x", 500), Severity: 4, CreatedAt: base},
		)
		injector := NewInjector(store, zap.NewNop().Sugar(), WithMaxBlockLength(100))

		augmented := injector.Augment(ctx, "prompt", "code")
		assert.Contains(t, augmented, "short note")
		assert.NotContains(t, augmented, strings.Repeat("x", 500))
	})
}

func TestCollector(t *testing.T) {
	ctx := context.Background()

	t.Run("Records valid feedback", func(t *testing.T) {
		store := state.NewMemoryRecords()
		mockClock := clock.NewMock()
		collector := NewCollector(store, mockClock, zap.NewNop().Sugar())

		record, err := collector.Record(ctx, "code", "  truncated output  ", 4, "sample-1")
		assert.NoError(t, err)
		assert.NotEmpty(t, record.ID)
		assert.Equal(t, "truncated output", record.Note)
		assert.Equal(t, 4, record.Severity)
		assert.Equal(t, "sample-1", record.SampleID)

		stored, err := store.FeedbackForTask(ctx, "code", 10)
		assert.NoError(t, err)
		assert.Len(t, stored, 1)
	})

	t.Run("Rejects invalid input", func(t *testing.T) {
		collector := NewCollector(state.NewMemoryRecords(), clock.NewMock(), zap.NewNop().Sugar())

		_, err := collector.Record(ctx, "", "note", 3, "")
		assert.Error(t, err)

		_, err = collector.Record(ctx, "code", "   ", 3, "")
		assert.Error(t, err)

		_, err = collector.Record(ctx, "code", "note", 0, "")
		assert.Error(t, err)

		_, err = collector.Record(ctx, "code", "note", 6, "")
		assert.Error(t, err)
	})
}
