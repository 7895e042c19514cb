package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/polcohq/polco/pkg/roster"
	"github.com/sirupsen/logrus"
)

// Coordinator drives the ordered stages of a run. A store that fails a
// stage is dropped from the stages after it; a stage where no store
// remains continuable aborts the run.
type Coordinator struct {
	log    logrus.FieldLogger
	runner *StageRunner
	stages []Stage
}

// NewCoordinator creates a coordinator over an ordered list of stages.
func NewCoordinator(log logrus.FieldLogger, stages []Stage) *Coordinator {
	return &Coordinator{
		log:    log.WithField("component", "pipeline/coordinator"),
		runner: NewStageRunner(log),
		stages: stages,
	}
}

// StageNames returns the configured stage names in pipeline order.
func (c *Coordinator) StageNames() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name()
	}

	return names
}

// Run executes the pipeline for the request and returns the full run
// record. The record is returned even when the run aborts; the error is
// non-nil only for invalid requests or context cancellation.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (*Run, error) {
	stages, err := c.selectStages(req.Stages)
	if err != nil {
		return nil, err
	}

	if len(req.Stores) == 0 {
		return nil, fmt.Errorf("run request contains no stores")
	}

	run := &Run{
		ID:        uuid.New().String(),
		State:     RunStateRunning,
		StartedAt: time.Now(),
		Stores:    storeIDs(req.Stores),
	}

	c.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"stores": len(req.Stores),
		"stages": len(stages),
		"force":  req.Force,
	}).Info("Starting pipeline run")

	eligible := make(map[string]bool, len(req.Stores))
	for _, store := range req.Stores {
		eligible[store.ID] = true
	}

	for _, stage := range stages {
		var attempt, held []roster.Store

		for _, store := range req.Stores {
			if req.Force || eligible[store.ID] {
				attempt = append(attempt, store)
			} else {
				held = append(held, store)
			}
		}

		stageStart := time.Now()

		results, err := c.runner.RunStage(ctx, stage, attempt, req.Force)
		if err != nil {
			run.Results = append(run.Results, results...)
			run.State = RunStateAborted
			run.FinishedAt = time.Now()

			return run, fmt.Errorf("running stage %s: %w", stage.Name(), err)
		}

		continuable := 0

		for _, res := range results {
			// A skip at this point came from the stage's own resume
			// check: the store's earlier output is intact and later
			// stages can still use it. Skips for failed prerequisites
			// are appended below and do not count.
			if res.Status.Continuable() || res.Status == StatusSkipped {
				continuable++
			}

			if !req.Force && res.Status == StatusFailed {
				eligible[res.StoreID] = false
			}
		}

		for _, store := range held {
			results = append(results, StageResult{
				StoreID:    store.ID,
				Stage:      stage.Name(),
				Status:     StatusSkipped,
				StartedAt:  stageStart,
				SkipReason: "prerequisite stage failed",
			})
		}

		summary := summarize(stage.Name(), results)
		summary.Duration = time.Since(stageStart)

		run.Results = append(run.Results, results...)
		run.Stages = append(run.Stages, summary)

		if continuable == 0 {
			c.log.WithFields(logrus.Fields{
				"run_id": run.ID,
				"stage":  stage.Name(),
			}).Error("No store produced a usable result, aborting run")

			run.State = RunStateAborted
			run.FinishedAt = time.Now()

			return run, nil
		}
	}

	run.State = RunStateCompleted
	run.FinishedAt = time.Now()

	c.log.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"failures": run.Failures(),
		"duration": run.FinishedAt.Sub(run.StartedAt).Round(time.Second),
	}).Info("Pipeline run completed")

	return run, nil
}

// selectStages resolves an optional stage-name subset, preserving
// pipeline order regardless of the order names were given in.
func (c *Coordinator) selectStages(names []string) ([]Stage, error) {
	if len(names) == 0 {
		return c.stages, nil
	}

	wanted := make(map[string]bool, len(names))

	for _, name := range names {
		found := false

		for _, stage := range c.stages {
			if stage.Name() == name {
				found = true

				break
			}
		}

		if !found {
			return nil, fmt.Errorf("unknown stage %q", name)
		}

		wanted[name] = true
	}

	selected := make([]Stage, 0, len(wanted))

	for _, stage := range c.stages {
		if wanted[stage.Name()] {
			selected = append(selected, stage)
		}
	}

	return selected, nil
}

func summarize(stageName string, results []StageResult) StageSummary {
	summary := StageSummary{Stage: stageName}

	for _, res := range results {
		switch res.Status {
		case StatusSuccess:
			summary.Success++
		case StatusWarning:
			summary.Warning++
		case StatusFailed:
			summary.Failed++
		case StatusSkipped:
			summary.Skipped++
		}
	}

	return summary
}

func storeIDs(stores []roster.Store) []string {
	ids := make([]string, len(stores))
	for i, s := range stores {
		ids[i] = s.ID
	}

	return ids
}
