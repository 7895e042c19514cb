package main

import (
	"encoding/json"
	"fmt"

	"github.com/polcohq/polco/pkg/config"
	"github.com/polcohq/polco/pkg/docstore"
	"github.com/polcohq/polco/pkg/pipeline"
	"github.com/polcohq/polco/pkg/report"
	"github.com/spf13/cobra"
)

var (
	summaryRunID     string
	summaryOutputDir string
)

var summaryCmd = &cobra.Command{
	Use:   "generate-summary",
	Short: "Regenerate the run summary files for a recorded run",
	Long: `Read a run record from the document store and write its JSON and
Markdown summaries. Defaults to the most recent run.`,
	RunE: runGenerateSummary,
}

func init() {
	rootCmd.AddCommand(summaryCmd)
	summaryCmd.Flags().StringVar(&summaryRunID, "run-id", "",
		"Run id to summarize (default: most recent run)")
	summaryCmd.Flags().StringVar(&summaryOutputDir, "output-dir", "",
		"Directory for the summary files (default: reports dir from config)")
}

func runGenerateSummary(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := cmd.Context()

	store := docstore.NewStore(log, &cfg.Docstore)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting docstore: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop docstore")
		}
	}()

	var record *docstore.RunRecord

	if summaryRunID != "" {
		record, err = store.GetRun(ctx, summaryRunID)
		if err != nil {
			return fmt.Errorf("loading run %s: %w", summaryRunID, err)
		}
	} else {
		records, err := store.ListRuns(ctx, 1)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}

		if len(records) == 0 {
			return fmt.Errorf("no recorded runs found")
		}

		record = &records[0]
	}

	var run pipeline.Run
	if err := json.Unmarshal([]byte(record.SummaryJSON), &run); err != nil {
		return fmt.Errorf("decoding run %s: %w", record.RunID, err)
	}

	outputDir := summaryOutputDir
	if outputDir == "" {
		outputDir = cfg.Global.ReportsDir
	}

	if err := report.WriteRunSummary(outputDir, &run); err != nil {
		return fmt.Errorf("writing run summary: %w", err)
	}

	log.WithField("run_id", run.ID).Info("Run summary generated")

	return nil
}
