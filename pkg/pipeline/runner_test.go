package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polcohq/polco/pkg/retry"
	"github.com/polcohq/polco/pkg/roster"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

// stubStage is a configurable Stage for tests.
type stubStage struct {
	name    string
	policy  Policy
	prepare func(ctx context.Context) error
	tasks   func(ctx context.Context, store roster.Store) ([]Task, error)
}

func (s *stubStage) Name() string { return s.name }

func (s *stubStage) Prepare(ctx context.Context) error {
	if s.prepare == nil {
		return nil
	}

	return s.prepare(ctx)
}

func (s *stubStage) Tasks(ctx context.Context, store roster.Store) ([]Task, error) {
	if s.tasks == nil {
		return nil, nil
	}

	return s.tasks(ctx, store)
}

func (s *stubStage) Policy() Policy { return s.policy }

// skippableStage adds a resume check on top of stubStage.
type skippableStage struct {
	stubStage

	skip func(ctx context.Context, store roster.Store) (bool, string)
}

func (s *skippableStage) ShouldSkip(ctx context.Context, store roster.Store) (bool, string) {
	return s.skip(ctx, store)
}

func stores(ids ...string) []roster.Store {
	out := make([]roster.Store, len(ids))
	for i, id := range ids {
		out[i] = roster.Store{ID: id, Name: "Store " + id}
	}

	return out
}

func fixedTasks(n int, run func(ctx context.Context) error) func(context.Context, roster.Store) ([]Task, error) {
	return func(_ context.Context, _ roster.Store) ([]Task, error) {
		tasks := make([]Task, n)
		for i := range tasks {
			tasks[i] = Task{Name: fmt.Sprintf("task-%d", i), Run: run}
		}

		return tasks, nil
	}
}

func TestRunStage_AllTasksSucceed(t *testing.T) {
	stage := &stubStage{
		name:   "upload",
		policy: Policy{Concurrency: 3, Retry: fastRetry(2)},
		tasks: fixedTasks(4, func(_ context.Context) error {
			return nil
		}),
	}

	results, err := NewStageRunner(testLog()).RunStage(context.Background(), stage, stores("101"), false)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, 4, results[0].Tasks)
	assert.Equal(t, 4, results[0].Succeeded)
	assert.Zero(t, results[0].Failed)
}

func TestRunStage_ConcurrencyBound(t *testing.T) {
	const limit = 3

	var inFlight, peak atomic.Int64

	stage := &stubStage{
		name:   "upload",
		policy: Policy{Concurrency: limit, Retry: fastRetry(1)},
		tasks: fixedTasks(12, func(_ context.Context) error {
			n := inFlight.Add(1)

			for {
				current := peak.Load()
				if n <= current || peak.CompareAndSwap(current, n) {
					break
				}
			}

			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)

			return nil
		}),
	}

	results, err := NewStageRunner(testLog()).RunStage(context.Background(), stage, stores("101"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.LessOrEqual(t, peak.Load(), int64(limit))
}

func TestRunStage_TransientFailureRetriedToSuccess(t *testing.T) {
	var calls atomic.Int64

	stage := &stubStage{
		name:   "query",
		policy: Policy{Concurrency: 1, Retry: fastRetry(3)},
		tasks: fixedTasks(1, func(_ context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("throttled")
			}

			return nil
		}),
	}

	results, err := NewStageRunner(testLog()).RunStage(context.Background(), stage, stores("101"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, int64(3), calls.Load())
}

func TestRunStage_PermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int64

	stage := &stubStage{
		name:   "query",
		policy: Policy{Concurrency: 1, Retry: fastRetry(3)},
		tasks: fixedTasks(1, func(_ context.Context) error {
			calls.Add(1)

			return retry.Permanent(errors.New("syntax error in query"))
		}),
	}

	results, err := NewStageRunner(testLog()).RunStage(context.Background(), stage, stores("101"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, int64(1), calls.Load(), "permanent failures burn a single attempt")
	assert.Contains(t, results[0].Error, "syntax error")
}

func TestRunStage_MinSuccessRatio(t *testing.T) {
	tests := []struct {
		name       string
		failing    int
		total      int
		ratio      float64
		wantStatus Status
	}{
		{name: "all succeed", failing: 0, total: 4, ratio: 0.5, wantStatus: StatusSuccess},
		{name: "above threshold is warning", failing: 1, total: 4, ratio: 0.5, wantStatus: StatusWarning},
		{name: "below threshold is failed", failing: 3, total: 4, ratio: 0.5, wantStatus: StatusFailed},
		{name: "no threshold requires all", failing: 1, total: 4, ratio: 0, wantStatus: StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				mu     sync.Mutex
				failed int
			)

			stage := &stubStage{
				name: "upload",
				policy: Policy{
					Concurrency:     1,
					MinSuccessRatio: tt.ratio,
					Retry:           fastRetry(1),
				},
				tasks: fixedTasks(tt.total, func(_ context.Context) error {
					mu.Lock()
					defer mu.Unlock()

					if failed < tt.failing {
						failed++

						return retry.Permanent(errors.New("upload rejected"))
					}

					return nil
				}),
			}

			results, err := NewStageRunner(testLog()).RunStage(context.Background(), stage, stores("101"), false)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, results[0].Status)
			assert.Equal(t, tt.failing, results[0].Failed)
		})
	}
}

func TestRunStage_TaskFailureIsolatedPerStore(t *testing.T) {
	stage := &stubStage{
		name:   "analysis",
		policy: Policy{Concurrency: 2, Retry: fastRetry(1)},
		tasks: func(_ context.Context, store roster.Store) ([]Task, error) {
			return []Task{{
				Name: "narrative",
				Run: func(_ context.Context) error {
					if store.ID == "202" {
						return retry.Permanent(errors.New("model refused"))
					}

					return nil
				},
			}}, nil
		},
	}

	results, err := NewStageRunner(testLog()).RunStage(context.Background(), stage, stores("101", "202", "303"), false)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byStore := make(map[string]Status)
	for _, res := range results {
		byStore[res.StoreID] = res.Status
	}

	assert.Equal(t, StatusSuccess, byStore["101"])
	assert.Equal(t, StatusFailed, byStore["202"])
	assert.Equal(t, StatusSuccess, byStore["303"], "failure of one store does not block the next")
}

func TestRunStage_TasksErrorFailsStore(t *testing.T) {
	stage := &stubStage{
		name:   "captation",
		policy: Policy{Retry: fastRetry(1)},
		tasks: func(_ context.Context, _ roster.Store) ([]Task, error) {
			return nil, errors.New("prompt file unreadable")
		},
	}

	results, err := NewStageRunner(testLog()).RunStage(context.Background(), stage, stores("101"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "prompt file unreadable")
}

func TestRunStage_NoTasksIsSuccess(t *testing.T) {
	stage := &stubStage{
		name:   "geo",
		policy: Policy{Retry: fastRetry(1)},
	}

	results, err := NewStageRunner(testLog()).RunStage(context.Background(), stage, stores("101"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Zero(t, results[0].Tasks)
}

func TestRunStage_PrepareErrorAborts(t *testing.T) {
	stage := &stubStage{
		name: "upload",
		prepare: func(_ context.Context) error {
			return errors.New("bucket preflight failed")
		},
	}

	_, err := NewStageRunner(testLog()).RunStage(context.Background(), stage, stores("101"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preparing stage upload")
}

func TestRunStage_SkipCheck(t *testing.T) {
	var ran atomic.Int64

	stage := &skippableStage{
		stubStage: stubStage{
			name:   "analysis",
			policy: Policy{Retry: fastRetry(1)},
			tasks: fixedTasks(1, func(_ context.Context) error {
				ran.Add(1)

				return nil
			}),
		},
		skip: func(_ context.Context, store roster.Store) (bool, string) {
			if store.ID == "101" {
				return true, "analysis already complete"
			}

			return false, ""
		},
	}

	runner := NewStageRunner(testLog())

	results, err := runner.RunStage(context.Background(), stage, stores("101", "202"), false)
	require.NoError(t, err)

	assert.Equal(t, StatusSkipped, results[0].Status)
	assert.Equal(t, "analysis already complete", results[0].SkipReason)
	assert.Equal(t, StatusSuccess, results[1].Status)
	assert.Equal(t, int64(1), ran.Load())

	// Force ignores the resume check.
	ran.Store(0)

	results, err = runner.RunStage(context.Background(), stage, stores("101", "202"), true)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, int64(2), ran.Load())
}

// finalizingStage records the consolidation step after a store's tasks.
type finalizingStage struct {
	stubStage

	finalize func(ctx context.Context, store roster.Store) error
}

func (s *finalizingStage) FinalizeStore(ctx context.Context, store roster.Store) error {
	return s.finalize(ctx, store)
}

func TestRunStage_FinalizeStore(t *testing.T) {
	var finalized []string

	stage := &finalizingStage{
		stubStage: stubStage{
			name:   "upload",
			policy: Policy{Concurrency: 1, Retry: fastRetry(1)},
			tasks: func(_ context.Context, store roster.Store) ([]Task, error) {
				return []Task{{Name: "export", Run: func(_ context.Context) error {
					if store.ID == "202" {
						return retry.Permanent(errors.New("export failed"))
					}

					return nil
				}}}, nil
			},
		},
		finalize: func(_ context.Context, store roster.Store) error {
			finalized = append(finalized, store.ID)

			if store.ID == "303" {
				return errors.New("merge failed")
			}

			return nil
		},
	}

	results, err := NewStageRunner(testLog()).RunStage(context.Background(), stage, stores("101", "202", "303"), false)
	require.NoError(t, err)

	assert.Equal(t, []string{"101", "303"}, finalized, "finalize skipped for failed stores")
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, StatusFailed, results[1].Status)
	assert.Equal(t, StatusFailed, results[2].Status, "finalize error fails the store")
	assert.Contains(t, results[2].Error, "merge failed")
}

func TestRunStage_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	stage := &stubStage{
		name:   "upload",
		policy: Policy{Concurrency: 1, Retry: fastRetry(1)},
		tasks: fixedTasks(3, func(taskCtx context.Context) error {
			cancel()
			<-taskCtx.Done()

			return taskCtx.Err()
		}),
	}

	results, err := NewStageRunner(testLog()).RunStage(ctx, stage, stores("101", "202"), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, len(results), 1)
}

func TestRunStage_TaskTimeoutRetriedUntilBudget(t *testing.T) {
	var calls atomic.Int32

	// A slow query that overruns the per-attempt deadline every time.
	// Each overrun is transient, so the whole retry budget is consumed.
	stage := &stubStage{
		name: "query",
		policy: Policy{
			Concurrency: 1,
			TaskTimeout: 10 * time.Millisecond,
			Retry:       fastRetry(3),
		},
		tasks: fixedTasks(1, func(taskCtx context.Context) error {
			calls.Add(1)

			select {
			case <-taskCtx.Done():
				return taskCtx.Err()
			case <-time.After(time.Second):
				return nil
			}
		}),
	}

	start := time.Now()

	results, err := NewStageRunner(testLog()).RunStage(context.Background(), stage, stores("101"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, int32(3), calls.Load(), "each timed-out attempt is retried with a fresh deadline")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRunStage_TaskTimeoutRecoversOnRetry(t *testing.T) {
	var calls atomic.Int32

	stage := &stubStage{
		name: "query",
		policy: Policy{
			Concurrency: 1,
			TaskTimeout: 10 * time.Millisecond,
			Retry:       fastRetry(3),
		},
		tasks: fixedTasks(1, func(taskCtx context.Context) error {
			if calls.Add(1) == 1 {
				<-taskCtx.Done()

				return taskCtx.Err()
			}

			return nil
		}),
	}

	results, err := NewStageRunner(testLog()).RunStage(context.Background(), stage, stores("101"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, int32(2), calls.Load())
}
