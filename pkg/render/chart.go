package render

import (
	"encoding/csv"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// maxChartRows caps how many rows of an export end up on one chart;
// anything longer becomes unreadable at report size.
const maxChartRows = 12

// ChartData is the derived series for one bar chart.
type ChartData struct {
	Title  string
	Labels []string
	Values []float64
}

// ChartFromCSV derives bar chart data from a CSV export: the first column
// provides the labels and the first numeric column the values. The second
// return is false when the file has no chartable series.
func ChartFromCSV(path string) (*ChartData, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, false, fmt.Errorf("parsing %s: %w", path, err)
	}

	if len(records) < 2 {
		return nil, false, nil
	}

	header, rows := records[0], records[1:]

	col := numericColumn(rows)
	if col < 0 {
		return nil, false, nil
	}

	if len(rows) > maxChartRows {
		rows = rows[:maxChartRows]
	}

	data := &ChartData{
		Title: strings.TrimSuffix(filepath.Base(path), ".csv"),
	}

	if col < len(header) && strings.TrimSpace(header[col]) != "" {
		data.Title = strings.TrimSpace(header[col])
	}

	for _, row := range rows {
		if col >= len(row) {
			continue
		}

		value, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
		if err != nil {
			continue
		}

		data.Labels = append(data.Labels, strings.TrimSpace(row[0]))
		data.Values = append(data.Values, value)
	}

	if len(data.Values) == 0 {
		return nil, false, nil
	}

	return data, true, nil
}

// numericColumn returns the first column past the label column whose
// non-empty cells all parse as numbers, or -1.
func numericColumn(rows [][]string) int {
	if len(rows) == 0 {
		return -1
	}

	for col := 1; col < len(rows[0]); col++ {
		numeric := false

		for _, row := range rows {
			if col >= len(row) {
				continue
			}

			cell := strings.TrimSpace(row[col])
			if cell == "" {
				continue
			}

			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				numeric = false

				break
			}

			numeric = true
		}

		if numeric {
			return col
		}
	}

	return -1
}

// RenderBarChart writes the series as a bar chart PNG at path.
func RenderBarChart(data *ChartData, path string) error {
	p := plot.New()
	p.Title.Text = data.Title

	bars, err := plotter.NewBarChart(plotter.Values(data.Values), vg.Points(24))
	if err != nil {
		return fmt.Errorf("building chart: %w", err)
	}

	bars.LineStyle.Width = 0
	bars.Color = color.RGBA{R: 0x00, G: 0x53, B: 0xa0, A: 0xff}

	p.Add(bars)
	p.NominalX(data.Labels...)

	if err := p.Save(7*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("writing chart %s: %w", path, err)
	}

	return nil
}
