package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/polcohq/polco/pkg/retry"
	"github.com/polcohq/polco/pkg/roster"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// StageRunner executes a single stage across stores. Stores run one at a
// time; each store's tasks fan out with the stage's concurrency limit.
type StageRunner struct {
	log logrus.FieldLogger
}

// NewStageRunner creates a stage runner.
func NewStageRunner(log logrus.FieldLogger) *StageRunner {
	return &StageRunner{
		log: log.WithField("component", "pipeline/runner"),
	}
}

// RunStage runs the stage for every store and returns one result per
// store. It returns an error only when the stage cannot run at all or
// the context is cancelled; per-store failures are encoded in the
// results.
func (r *StageRunner) RunStage(ctx context.Context, stage Stage, stores []roster.Store, force bool) ([]StageResult, error) {
	log := r.log.WithField("stage", stage.Name())

	if err := stage.Prepare(ctx); err != nil {
		return nil, fmt.Errorf("preparing stage %s: %w", stage.Name(), err)
	}

	results := make([]StageResult, 0, len(stores))

	for _, store := range stores {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := r.runStore(ctx, stage, store, force)
		results = append(results, result)

		entry := log.WithFields(logrus.Fields{
			"store":    store.ID,
			"status":   result.Status,
			"tasks":    result.Tasks,
			"failed":   result.Failed,
			"duration": result.Duration.Round(time.Millisecond),
		})

		switch result.Status {
		case StatusFailed:
			entry.WithField("error", result.Error).Error("Store failed stage")
		case StatusWarning:
			entry.Warn("Store completed stage with failures")
		case StatusSkipped:
			entry.WithField("reason", result.SkipReason).Info("Store skipped stage")
		default:
			entry.Info("Store completed stage")
		}
	}

	return results, nil
}

func (r *StageRunner) runStore(ctx context.Context, stage Stage, store roster.Store, force bool) StageResult {
	result := StageResult{
		StoreID:   store.ID,
		Stage:     stage.Name(),
		StartedAt: time.Now(),
	}

	defer func() {
		result.Duration = time.Since(result.StartedAt)
	}()

	if !force {
		if sc, ok := stage.(SkipCheck); ok {
			if skip, reason := sc.ShouldSkip(ctx, store); skip {
				result.Status = StatusSkipped
				result.SkipReason = reason

				return result
			}
		}
	}

	tasks, err := stage.Tasks(ctx, store)
	if err != nil {
		result.Status = StatusFailed
		result.Error = fmt.Sprintf("building tasks: %v", err)

		return result
	}

	result.Tasks = len(tasks)

	if len(tasks) == 0 {
		result.Status = StatusSuccess

		return result
	}

	policy := stage.Policy()

	var (
		mu       sync.Mutex
		failures []string
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(policy.Concurrency, 1))

	for _, task := range tasks {
		g.Go(func() error {
			// Bail out early if the run was cancelled.
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			log := r.log.WithFields(logrus.Fields{
				"stage": stage.Name(),
				"store": store.ID,
				"task":  task.Name,
			})

			err := retry.Do(gCtx, policy.Retry, log, func(attemptCtx context.Context) error {
				if policy.TaskTimeout > 0 {
					var cancel context.CancelFunc

					attemptCtx, cancel = context.WithTimeout(attemptCtx, policy.TaskTimeout)
					defer cancel()
				}

				return task.Run(attemptCtx)
			})
			if err != nil {
				// Cancellation aborts the whole fan-out; any other
				// failure is recorded and the remaining tasks go on.
				if gCtx.Err() != nil {
					return gCtx.Err()
				}

				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", task.Name, err))
				mu.Unlock()

				return nil //nolint:nilerr // continue with remaining tasks.
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		result.Status = StatusFailed
		result.Failed = len(failures)
		result.Succeeded = result.Tasks - result.Failed
		result.Error = err.Error()

		return result
	}

	result.Failed = len(failures)
	result.Succeeded = result.Tasks - result.Failed

	switch {
	case result.Failed == 0:
		result.Status = StatusSuccess
	case policy.MinSuccessRatio > 0 &&
		float64(result.Succeeded)/float64(result.Tasks) >= policy.MinSuccessRatio:
		result.Status = StatusWarning
		result.Error = failures[0]
	default:
		result.Status = StatusFailed
		result.Error = failures[0]
	}

	if result.Status.Continuable() {
		if fin, ok := stage.(StoreFinalizer); ok {
			if err := fin.FinalizeStore(ctx, store); err != nil {
				result.Status = StatusFailed
				result.Error = fmt.Sprintf("finalizing store: %v", err)
			}
		}
	}

	return result
}
