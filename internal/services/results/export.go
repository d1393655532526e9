package results

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/models"
	"github.com/xuri/excelize/v2"
)

// Format is an export file format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

const sheetName = "Results"

// ParseFormat accepts a format name case-insensitively
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatTSV, FormatXLSX, FormatJSON:
		return f, nil
	case "excel":
		return FormatXLSX, nil
	default:
		return "", common.Validationf("unsupported export format %q", s)
	}
}

// DefaultFormat follows the family of the source media
func DefaultFormat(mediaType models.MediaType) Format {
	switch mediaType {
	case models.MediaTypeTSV:
		return FormatTSV
	case models.MediaTypeExcel:
		return FormatXLSX
	default:
		return FormatCSV
	}
}

// FileName returns tablemind_export_<job>_<YYYYMMDD_HHMMSS>.<ext>
func FileName(jobID string, format Format, at time.Time) string {
	return fmt.Sprintf("tablemind_export_%s_%s.%s", jobID, at.Format("20060102_150405"), format)
}

// Write encodes t to w in format
func Write(w io.Writer, t *Table, format Format) error {
	switch format {
	case FormatCSV:
		return writeDelimited(w, t, ',')
	case FormatTSV:
		return writeDelimited(w, t, '\t')
	case FormatXLSX:
		return writeXLSX(w, t)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(t.Records())
	default:
		return common.Validationf("unsupported export format %q", format)
	}
}

func writeDelimited(w io.Writer, t *Table, comma rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = comma
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Strings()); err != nil {
		return err
	}
	return cw.Error()
}

func writeXLSX(w io.Writer, t *Table) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}

	header := make([]interface{}, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return fmt.Errorf("xlsx header: %w", err)
	}

	for i, row := range t.Rows {
		cells := make([]interface{}, len(row))
		for j, v := range row {
			cells[j] = cellValue(v)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetName, cell, &cells); err != nil {
			return fmt.Errorf("xlsx row %d: %w", i, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

// Exporter writes result tables to the export directory
type Exporter struct {
	dir    string
	logger arbor.ILogger
	now    func() time.Time
}

func NewExporter(config common.ExportConfig, logger arbor.ILogger) *Exporter {
	return &Exporter{dir: config.Dir, logger: logger, now: time.Now}
}

// Export writes set to a new file in the export directory and returns its path
func (e *Exporter) Export(set *ResultSet, format Format, includeInput bool) (string, error) {
	var buf bytes.Buffer
	table := BuildTable(set.Rows, includeInput)
	if err := Write(&buf, table, format); err != nil {
		return "", err
	}

	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(e.dir, FileName(set.Job.ID, format, e.now()))
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write export: %w", err)
	}

	e.logger.Info().
		Str("job_id", set.Job.ID).
		Str("format", string(format)).
		Int("rows", len(table.Rows)).
		Str("path", path).
		Msg("Results exported")
	return path, nil
}
