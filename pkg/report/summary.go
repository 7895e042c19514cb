// Package report produces the human- and machine-readable outputs of a
// pipeline run: the run summary pair and the artifact index.
package report

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/polcohq/polco/pkg/fsutil"
	"github.com/polcohq/polco/pkg/pipeline"
)

// SummaryJSONFile and SummaryMarkdownFile are the run summary artifact
// names.
const (
	SummaryJSONFile     = "run_summary.json"
	SummaryMarkdownFile = "run_summary.md"
)

// WriteRunSummary writes the JSON and Markdown summaries for a run into
// dir.
func WriteRunSummary(dir string, run *pipeline.Run) error {
	if err := fsutil.EnsureDir(dir); err != nil {
		return err
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run summary: %w", err)
	}

	if err := fsutil.WriteFileAtomic(filepath.Join(dir, SummaryJSONFile), data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", SummaryJSONFile, err)
	}

	markdown := renderSummaryMarkdown(run)

	if err := fsutil.WriteFileAtomic(filepath.Join(dir, SummaryMarkdownFile), []byte(markdown), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", SummaryMarkdownFile, err)
	}

	return nil
}

// renderSummaryMarkdown produces the human summary: run header, per-stage
// table, then the failures in detail.
func renderSummaryMarkdown(run *pipeline.Run) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Pipeline Run %s\n\n", run.ID)
	fmt.Fprintf(&b, "- **State:** %s\n", run.State)
	fmt.Fprintf(&b, "- **Started:** %s\n", run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Duration:** %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	fmt.Fprintf(&b, "- **Stores:** %d\n\n", len(run.Stores))

	b.WriteString("## Stages\n\n")
	b.WriteString("| Stage | Success | Warning | Failed | Skipped | Duration |\n")
	b.WriteString("|---|---|---|---|---|---|\n")

	for _, stage := range run.Stages {
		fmt.Fprintf(&b, "| %s | %d | %d | %d | %d | %s |\n",
			stage.Stage, stage.Success, stage.Warning, stage.Failed,
			stage.Skipped, stage.Duration.Round(time.Second))
	}

	var failures []pipeline.StageResult

	for _, result := range run.Results {
		if result.Status == pipeline.StatusFailed {
			failures = append(failures, result)
		}
	}

	if len(failures) > 0 {
		b.WriteString("\n## Failures\n\n")

		for _, failure := range failures {
			fmt.Fprintf(&b, "- store `%s`, stage `%s`: %s\n",
				failure.StoreID, failure.Stage, failure.Error)
		}
	}

	return b.String()
}
