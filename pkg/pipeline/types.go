// Package pipeline orchestrates multi-stage batch runs over a set of
// stores. Stages execute in a fixed order; within a stage, each store's
// tasks fan out with bounded concurrency and per-task retries. A failure
// for one store never blocks the others.
package pipeline

import (
	"context"
	"time"

	"github.com/polcohq/polco/pkg/retry"
	"github.com/polcohq/polco/pkg/roster"
)

// Status is the outcome of one store in one stage.
type Status string

const (
	// StatusSuccess means every task completed.
	StatusSuccess Status = "success"
	// StatusWarning means enough tasks completed to continue, but not all.
	StatusWarning Status = "warning"
	// StatusFailed means the store did not produce a usable stage output.
	StatusFailed Status = "failed"
	// StatusSkipped means the stage never ran for the store, either
	// because a prerequisite stage failed or because a resumable result
	// already exists.
	StatusSkipped Status = "skipped"
)

// Continuable reports whether a store with this status is eligible for
// the next stage.
func (s Status) Continuable() bool {
	return s == StatusSuccess || s == StatusWarning
}

// Task is one retryable unit of work inside a stage.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Policy bounds how a stage executes its tasks.
type Policy struct {
	// Concurrency caps tasks in flight per store. Zero means serial.
	Concurrency int
	// TaskTimeout bounds a single attempt of a single task. Zero
	// disables the per-attempt deadline.
	TaskTimeout time.Duration
	// MinSuccessRatio is the fraction of tasks that must succeed for
	// the store to count as continuable. 0 means all tasks must succeed.
	MinSuccessRatio float64
	// Retry governs per-task retry behaviour.
	Retry retry.Config
}

// Stage is one step of the pipeline. Prepare runs once per stage before
// any store; Tasks produces the work units for a single store.
type Stage interface {
	Name() string
	Prepare(ctx context.Context) error
	Tasks(ctx context.Context, store roster.Store) ([]Task, error)
	Policy() Policy
}

// SkipCheck is implemented by stages that can detect an already complete
// result and skip the store without doing any work.
type SkipCheck interface {
	ShouldSkip(ctx context.Context, store roster.Store) (bool, string)
}

// StoreFinalizer is implemented by stages that consolidate a store's task
// outputs once the fan-out completes. It runs only when the store's tasks
// met the stage policy; a finalize error fails the store.
type StoreFinalizer interface {
	FinalizeStore(ctx context.Context, store roster.Store) error
}

// StageResult records the outcome of one (store, stage) pair. The
// coordinator produces exactly one per pair it considers.
type StageResult struct {
	StoreID    string        `json:"store_id"`
	Stage      string        `json:"stage"`
	Status     Status        `json:"status"`
	Tasks      int           `json:"tasks"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// StageSummary aggregates the results of one stage across all stores.
type StageSummary struct {
	Stage    string        `json:"stage"`
	Success  int           `json:"success"`
	Warning  int           `json:"warning"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Attempted is the number of stores that actually ran the stage.
func (s StageSummary) Attempted() int {
	return s.Success + s.Warning + s.Failed
}

// RunRequest describes the scope of one pipeline invocation.
type RunRequest struct {
	Stores []roster.Store
	// Stages optionally restricts the run to a subset of stage names,
	// preserving pipeline order. Empty means all stages.
	Stages []string
	// Force runs every stage for every store even when a prerequisite
	// failed or a resumable result already exists.
	Force bool
}

// RunState is the lifecycle of a pipeline run.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	// RunStateAborted means a stage produced zero continuable stores,
	// so the remaining stages were not attempted.
	RunStateAborted RunState = "aborted"
)

// Run is the full record of one pipeline invocation.
type Run struct {
	ID         string         `json:"id"`
	State      RunState       `json:"state"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Stores     []string       `json:"stores"`
	Stages     []StageSummary `json:"stages"`
	Results    []StageResult  `json:"results"`
}

// Failures counts results that ended failed.
func (r *Run) Failures() int {
	n := 0

	for _, res := range r.Results {
		if res.Status == StatusFailed {
			n++
		}
	}

	return n
}

// FullySucceeded reports whether every produced result is a success.
func (r *Run) FullySucceeded() bool {
	if r.State != RunStateCompleted {
		return false
	}

	for _, res := range r.Results {
		if res.Status != StatusSuccess {
			return false
		}
	}

	return true
}
