// Package feedback turns past rated mistakes into corrective context
// prepended to outbound prompts.
package feedback

import (
	"context"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/state"
)

const (
	// How many past mistakes a single prompt carries at most.
	DefaultMaxNotes = 3

	// Hard cap on the size of the prepended block.
	DefaultMaxBlockLength = 1000
)

// Injector reads feedback records for a task type and prepends a bounded
// warning block. It never writes feedback; ratings arrive through a
// separate ingestion path.
type Injector struct {
	store  state.Records
	logger *zap.SugaredLogger

	maxNotes       int
	maxBlockLength int
}

type Option func(*Injector)

func WithMaxNotes(n int) Option {
	return func(i *Injector) { i.maxNotes = n }
}

func WithMaxBlockLength(n int) Option {
	return func(i *Injector) { i.maxBlockLength = n }
}

func NewInjector(store state.Records, logger *zap.SugaredLogger, opts ...Option) *Injector {
	injector := &Injector{
		store:          store,
		logger:         logger,
		maxNotes:       DefaultMaxNotes,
		maxBlockLength: DefaultMaxBlockLength,
	}
	for _, opt := range opts {
		opt(injector)
	}
	return injector
}

// Augment returns the prompt with a warning block prepended, built from
// the worst recent feedback for the task type. Read failures leave the
// prompt untouched; augmentation is best effort.
func (i *Injector) Augment(ctx context.Context, prompt string, taskType string) string {
	if i.store == nil || taskType == "" {
		return prompt
	}

	records, err := i.store.FeedbackForTask(ctx, taskType, i.maxNotes)
	if err != nil {
		i.logger.Warnw("failed to load feedback", "task_type", taskType, "error", err)
		return prompt
	}
	if len(records) == 0 {
		return prompt
	}

	block := strings.Builder{}
	block.WriteString("Avoid these mistakes observed in earlier answers:\n")
	for _, record := range records {
		line := fmt.Sprintf("- %s\n", strings.TrimSpace(record.Note))
		if block.Len()+len(line) > i.maxBlockLength {
			break
		}
		block.WriteString(line)
	}
	return block.String() + "\n" + prompt
}

// Collector is the write path for the rating collaborator, exposed over
// HTTP. It shares the store with the Injector but nothing else.
type Collector struct {
	store  state.Records
	clock  clock.Clock
	logger *zap.SugaredLogger
}

func NewCollector(store state.Records, clk clock.Clock, logger *zap.SugaredLogger) *Collector {
	return &Collector{store: store, clock: clk, logger: logger}
}

// Record validates and appends one feedback record. Severity must be in
// 1..5 with 5 worst.
func (c *Collector) Record(
	ctx context.Context, taskType string, note string, severity int, sampleID string,
) (fleetmesh.FeedbackRecord, error) {
	if taskType == "" {
		return fleetmesh.FeedbackRecord{}, fmt.Errorf("task type is required")
	}
	if strings.TrimSpace(note) == "" {
		return fleetmesh.FeedbackRecord{}, fmt.Errorf("note is required")
	}
	if severity < 1 || severity > 5 {
		return fleetmesh.FeedbackRecord{}, fmt.Errorf("severity must be between 1 and 5, got %d", severity)
	}

	record := fleetmesh.FeedbackRecord{
		ID:        uuid.NewString(),
		TaskType:  taskType,
		Note:      strings.TrimSpace(note),
		Severity:  severity,
		SampleID:  sampleID,
		CreatedAt: c.clock.Now(),
	}
	if err := c.store.AppendFeedback(ctx, record); err != nil {
		return fleetmesh.FeedbackRecord{}, fmt.Errorf("failed to append feedback: %w", err)
	}
	return record, nil
}
