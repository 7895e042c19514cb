package main

import (
	"fmt"

	"github.com/polcohq/polco/pkg/config"
	"github.com/polcohq/polco/pkg/report"
	"github.com/spf13/cobra"
)

var (
	indexReportsDir string
	indexPDFDir     string
	indexMapsDir    string
)

var indexFileCmd = &cobra.Command{
	Use:   "generate-index",
	Short: "Generate index.json from the report artifact directories",
	Long: `Scan the reports, PDF and maps directories and write an index.json
catalogue into the reports directory. Directories default to the config
values when flags are omitted.`,
	RunE: runGenerateIndex,
}

func init() {
	rootCmd.AddCommand(indexFileCmd)
	indexFileCmd.Flags().StringVar(&indexReportsDir, "reports-dir", "",
		"Path to the reports directory")
	indexFileCmd.Flags().StringVar(&indexPDFDir, "pdf-dir", "",
		"Path to the PDF directory")
	indexFileCmd.Flags().StringVar(&indexMapsDir, "maps-dir", "",
		"Path to the maps directory")
}

func runGenerateIndex(cmd *cobra.Command, args []string) error {
	reportsDir, pdfDir, mapsDir := indexReportsDir, indexPDFDir, indexMapsDir

	// Flags win; fall back to the config for anything not given.
	if reportsDir == "" || pdfDir == "" || mapsDir == "" {
		if cfgFile == "" {
			return fmt.Errorf("either all directory flags or --config is required")
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		if reportsDir == "" {
			reportsDir = cfg.Global.ReportsDir
		}

		if pdfDir == "" {
			pdfDir = cfg.Global.PDFDir
		}

		if mapsDir == "" {
			mapsDir = cfg.Global.MapsDir
		}
	}

	index, err := report.GenerateIndex(reportsDir, pdfDir, mapsDir)
	if err != nil {
		return fmt.Errorf("generating index: %w", err)
	}

	if err := report.WriteIndex(reportsDir, index); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}

	log.WithField("stores", len(index.Stores)).Info("index.json generated successfully")

	return nil
}
