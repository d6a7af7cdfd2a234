// Package audit records dataset row changes after an import commits.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionInsert  Action = "insert"
	ActionReplace Action = "replace"
)

// Event describes the rows one import changed. Before holds the stored rows
// it replaced; After holds the rows it wrote.
type Event struct {
	ID          uuid.UUID
	Time        time.Time
	Container   string
	DatasetID   int
	DatasetName string
	UserID      int64
	Action      Action
	RowCount    int
	Comment     string
	LSIDs       []string
	Before      []map[string]any
	After       []map[string]any
}

type Sink interface {
	Record(ctx context.Context, ev Event) error
}

type RunStatus string

const (
	RunSucceeded  RunStatus = "succeeded"
	RunInvalid    RunStatus = "invalid"
	RunFailed     RunStatus = "failed"
	// RunRolledBack is an import whose rows were written but not
	// committed, because the enclosing transaction rolled back.
	RunRolledBack RunStatus = "rolled_back"
)

// Run is one call to the importer, successful or not.
type Run struct {
	ID          uuid.UUID
	StartedAt   time.Time
	Duration    time.Duration
	Container   string
	DatasetID   int
	DatasetName string
	UserID      int64
	Status      RunStatus
	RowCount    int
	ErrorCount  int
	Replaced    int
}

// RunRecorder keeps a history of import runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, run Run) error
}

// LogSink writes a one-line summary of each event.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Record(_ context.Context, ev Event) error {
	s.Log.Info("dataset rows changed",
		"event_id", ev.ID,
		"container", ev.Container,
		"dataset", ev.DatasetName,
		"action", ev.Action,
		"rows", ev.RowCount,
		"replaced", len(ev.Before),
		"user_id", ev.UserID,
	)
	return nil
}

// MemorySink keeps events and runs in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	runs   []Run
}

func (s *MemorySink) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Multi records to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *MemorySink) RecordRun(_ context.Context, run Run) error {
	s.mu.Lock()
	s.runs = append(s.runs, run)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, len(s.runs))
	copy(out, s.runs)
	return out
}

func (s LogSink) RecordRun(_ context.Context, run Run) error {
	s.Log.Info("dataset import finished",
		"container", run.Container,
		"dataset", run.DatasetName,
		"status", run.Status,
		"rows", run.RowCount,
		"errors", run.ErrorCount,
		"duration", run.Duration,
	)
	return nil
}

// RecordRun records to every sink that keeps runs.
func (m Multi) RecordRun(ctx context.Context, run Run) error {
	var errs []error
	for _, s := range m {
		r, ok := s.(RunRecorder)
		if !ok {
			continue
		}
		if err := r.RecordRun(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
