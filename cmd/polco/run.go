package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/polcohq/polco/pkg/config"
	"github.com/polcohq/polco/pkg/docstore"
	"github.com/polcohq/polco/pkg/oracle"
	"github.com/polcohq/polco/pkg/pipeline"
	"github.com/polcohq/polco/pkg/publish"
	"github.com/polcohq/polco/pkg/render"
	"github.com/polcohq/polco/pkg/report"
	"github.com/polcohq/polco/pkg/roster"
	"github.com/polcohq/polco/pkg/stages"
	"github.com/polcohq/polco/pkg/warehouse"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runStoreID  string
	runStoreIDs []string
	runLimit    int
	runTest     bool
	runQueryIDs []string
	runStages   []string
	runForce    bool
	runNoPub    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the report pipeline",
	Long: `Select stores from the roster and run the report pipeline stages
against them. By default all stages run for all stores.`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runStoreID, "store-id", "",
		"Run a single store by id (wins over --ids)")
	runCmd.Flags().StringSliceVar(&runStoreIDs, "ids", nil,
		"Limit to stores with these ids (comma-separated or repeated flag)")
	runCmd.Flags().IntVar(&runLimit, "limit", 0,
		"Limit to the first N selected stores (0 = no limit)")
	runCmd.Flags().BoolVar(&runTest, "test", false,
		"Test mode: run the first roster store only")
	runCmd.Flags().StringSliceVar(&runQueryIDs, "query-ids", nil,
		"Limit the upload stage to these query ids")
	runCmd.Flags().StringSliceVar(&runStages, "stages", nil,
		"Run only these stages, in pipeline order")
	runCmd.Flags().BoolVar(&runForce, "force", false,
		"Re-run stages even when results exist, and keep failed stores eligible")
	runCmd.Flags().BoolVar(&runNoPub, "no-publish", false,
		"Skip artifact publication even when publish is configured")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	// Select the stores to process.
	ros, err := roster.Load(cfg.Roster.Path)
	if err != nil {
		return fmt.Errorf("loading roster: %w", err)
	}

	selected, err := ros.Select(roster.Filter{
		StoreID: runStoreID,
		IDs:     runStoreIDs,
		Limit:   runLimit,
		Test:    runTest,
	})
	if err != nil {
		return fmt.Errorf("selecting stores: %w", err)
	}

	log.WithFields(logrus.Fields{
		"roster":   ros.Len(),
		"selected": len(selected),
	}).Info("Store selection complete")

	// Start the document store.
	store := docstore.NewStore(log, &cfg.Docstore)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting docstore: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop docstore")
		}
	}()

	queries, err := warehouse.LoadQueries(cfg.Warehouse.QueriesFile)
	if err != nil {
		return fmt.Errorf("loading queries: %w", err)
	}

	// Create the publisher up front so a misconfigured bucket fails the
	// run before any warehouse or model spend.
	var publisher publish.Publisher

	if cfg.PublishEnabled() && !runNoPub {
		publisher = publish.NewS3Publisher(log, cfg.Publish.S3)

		if err := publisher.Preflight(ctx); err != nil {
			return fmt.Errorf("S3 publish preflight check failed: %w", err)
		}

		log.Info("S3 publish preflight check passed")
	}

	deps := &stages.Deps{
		Log:       log,
		Config:    cfg,
		Docstore:  store,
		Warehouse: warehouse.NewClient(log, &cfg.Warehouse),
		Queries:   queries,
		Oracle:    oracle.NewClient(log, &cfg.Oracle),
		Converter: render.NewConverter(log, &cfg.Renderer),
		Maps:      render.NewMapRenderer(log, &cfg.Renderer),
	}

	coordinator := pipeline.NewCoordinator(log, stages.Build(deps, runQueryIDs))

	run, err := coordinator.Run(ctx, pipeline.RunRequest{
		Stores: selected,
		Stages: runStages,
		Force:  runForce,
	})
	if err != nil {
		return fmt.Errorf("running pipeline: %w", err)
	}

	if err := persistRun(ctx, store, run); err != nil {
		log.WithError(err).Warn("Failed to persist run record")
	}

	if err := report.WriteRunSummary(cfg.Global.ReportsDir, run); err != nil {
		log.WithError(err).Warn("Failed to write run summary")
	}

	if err := regenerateIndex(cfg); err != nil {
		log.WithError(err).Warn("Failed to generate artifact index")
	}

	if publisher != nil {
		if err := publishArtifacts(ctx, publisher, cfg); err != nil {
			log.WithError(err).Warn("Failed to publish artifacts")
		}
	}

	switch {
	case run.State == pipeline.RunStateAborted:
		log.WithField("run_id", run.ID).Error("Pipeline aborted: no store survived a stage")

		exitCode = 1
	case run.Failures() > 0:
		log.WithFields(logrus.Fields{
			"run_id":   run.ID,
			"failures": run.Failures(),
		}).Warn("Pipeline completed with failures")

		exitCode = 2
	default:
		log.WithField("run_id", run.ID).Info("Pipeline completed successfully")
	}

	return nil
}

// persistRun stores the run record, with the full run serialized as JSON,
// so the API can serve run history.
func persistRun(ctx context.Context, store docstore.Store, run *pipeline.Run) error {
	summary, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}

	return store.UpsertRun(ctx, &docstore.RunRecord{
		RunID:       run.ID,
		State:       string(run.State),
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Stores:      len(run.Stores),
		Failures:    run.Failures(),
		SummaryJSON: string(summary),
	})
}

func regenerateIndex(cfg *config.Config) error {
	index, err := report.GenerateIndex(
		cfg.Global.ReportsDir, cfg.Global.PDFDir, cfg.Global.MapsDir)
	if err != nil {
		return err
	}

	if err := report.WriteIndex(cfg.Global.ReportsDir, index); err != nil {
		return err
	}

	log.WithField("stores", len(index.Stores)).Info("Artifact index generated")

	return nil
}

// publishArtifacts uploads the reports, PDFs and maps directories under
// their respective remote prefixes.
func publishArtifacts(ctx context.Context, publisher publish.Publisher, cfg *config.Config) error {
	dirs := []struct {
		local  string
		remote string
	}{
		{cfg.Global.ReportsDir, "reports"},
		{cfg.Global.PDFDir, "pdfs"},
		{cfg.Global.MapsDir, "maps"},
	}

	for _, dir := range dirs {
		if _, err := os.Stat(dir.local); err != nil {
			continue
		}

		if err := publisher.PublishDir(ctx, dir.local, dir.remote); err != nil {
			return fmt.Errorf("publishing %s: %w", dir.remote, err)
		}
	}

	return nil
}
