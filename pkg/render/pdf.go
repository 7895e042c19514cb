package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/polcohq/polco/pkg/config"
	"github.com/polcohq/polco/pkg/fsutil"
	"github.com/polcohq/polco/pkg/retry"
	"github.com/sirupsen/logrus"
)

// Converter produces PDFs from report markdown using an external
// headless-browser command.
type Converter struct {
	log logrus.FieldLogger
	cfg *config.RendererConfig
}

// NewConverter creates a PDF converter from the configuration.
func NewConverter(log logrus.FieldLogger, cfg *config.RendererConfig) *Converter {
	return &Converter{
		log: log.WithField("component", "render/pdf"),
		cfg: cfg,
	}
}

// ConvertMarkdown renders markdown to HTML, runs the converter command and
// writes the PDF to pdfPath, overwriting any previous version.
func (c *Converter) ConvertMarkdown(ctx context.Context, source []byte, title, lang, pdfPath string) error {
	html, err := ToHTML(source, title, lang)
	if err != nil {
		return retry.Permanent(err)
	}

	tmpDir, err := os.MkdirTemp("", "polco-pdf-*")
	if err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}

	defer func() { _ = os.RemoveAll(tmpDir) }()

	htmlPath := filepath.Join(tmpDir, "report.html")
	if err := os.WriteFile(htmlPath, html, 0644); err != nil {
		return fmt.Errorf("writing html: %w", err)
	}

	tmpPDF := filepath.Join(tmpDir, "report.pdf")

	if err := c.runConverter(ctx, htmlPath, tmpPDF); err != nil {
		return err
	}

	data, err := os.ReadFile(tmpPDF)
	if err != nil {
		return fmt.Errorf("reading converter output: %w", err)
	}

	if len(data) == 0 {
		return retry.Transient(fmt.Errorf("converter produced an empty pdf"))
	}

	if err := fsutil.EnsureDir(filepath.Dir(pdfPath)); err != nil {
		return err
	}

	if err := fsutil.WriteFileAtomic(pdfPath, data, 0644); err != nil {
		return fmt.Errorf("writing pdf: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"pdf":   pdfPath,
		"bytes": len(data),
	}).Debug("PDF written")

	return nil
}

// runConverter executes the configured command with {input} and {output}
// placeholders substituted.
func (c *Converter) runConverter(ctx context.Context, htmlPath, pdfPath string) error {
	command := c.cfg.ConverterCommand
	if command == "" {
		command = config.DefaultConverterCommand
	}

	args := c.cfg.ConverterArgs
	if len(args) == 0 {
		args = config.DefaultConverterArgs()
	}

	resolved := make([]string, len(args))
	for i, arg := range args {
		arg = strings.ReplaceAll(arg, "{input}", htmlPath)
		arg = strings.ReplaceAll(arg, "{output}", pdfPath)
		resolved[i] = arg
	}

	start := time.Now()

	cmd := exec.CommandContext(ctx, command, resolved...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		// A missing browser binary will not fix itself between attempts.
		if errors.Is(err, exec.ErrNotFound) {
			return retry.Permanent(fmt.Errorf("converter command %q not found", command))
		}

		return fmt.Errorf("converter failed: %w: %s", err, strings.TrimSpace(string(output)))
	}

	c.log.WithField("duration", time.Since(start).Round(time.Millisecond)).
		Debug("Converter finished")

	return nil
}
