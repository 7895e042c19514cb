package stages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/polcohq/polco/pkg/config"
	"github.com/polcohq/polco/pkg/render"
	"github.com/polcohq/polco/pkg/retry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPDFName(t *testing.T) {
	assert.Equal(t, "FR_1183_store_lyon_part_dieu.pdf", PDFName(testStore()))
}

func TestLangCode(t *testing.T) {
	assert.Equal(t, "fr", langCode("french"))
	assert.Equal(t, "es", langCode("spanish"))
	assert.Equal(t, "fr", langCode("klingon"), "unknown languages fall back to fr")
}

func TestPDFStage(t *testing.T) {
	deps := testDeps(t)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	// Stand-in converter copies the rendered HTML to the output path.
	deps.Converter = render.NewConverter(log, &config.RendererConfig{
		ConverterCommand: "cp",
		ConverterArgs:    []string{"{input}", "{output}"},
	})

	store := testStore()

	reportDir := filepath.Join(deps.Config.Global.ReportsDir, store.ID)
	require.NoError(t, os.MkdirAll(reportDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(reportDir, "report.md"), []byte("# Store Lyon Part-Dieu"), 0o644))

	stage := NewPDFStage(deps)
	require.NoError(t, stage.Prepare(context.Background()))
	assert.Equal(t, 1, stage.Policy().Concurrency)

	for _, err := range runTasks(t, stage, store) {
		require.NoError(t, err)
	}

	pdfPath := filepath.Join(deps.Config.Global.PDFDir, "FR_1183_store_lyon_part_dieu.pdf")

	data, err := os.ReadFile(pdfPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Store Lyon Part-Dieu")
}

func TestPDFStage_MissingReportIsPermanent(t *testing.T) {
	deps := testDeps(t)
	stage := NewPDFStage(deps)
	require.NoError(t, stage.Prepare(context.Background()))

	errs := runTasks(t, stage, testStore())
	require.Len(t, errs, 1)
	require.Error(t, errs[0])
	assert.True(t, retry.IsPermanent(errs[0]))
}
