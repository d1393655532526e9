// Package dataset reads uploaded tabular files into models.Dataset.
package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
	"github.com/xuri/excelize/v2"
)

// Loader implements interfaces.DatasetLoader for csv, tsv and xlsx files.
// The first row is the header. Fully blank rows are skipped.
type Loader struct {
	logger arbor.ILogger
}

var _ interfaces.DatasetLoader = (*Loader)(nil)

func NewLoader(logger arbor.ILogger) *Loader {
	return &Loader{logger: logger}
}

// Load parses path according to declaredType. An empty type is inferred from
// the file extension.
func (l *Loader) Load(ctx context.Context, path string, declaredType models.MediaType) (*models.Dataset, error) {
	if declaredType == "" {
		declaredType = TypeFromFilename(path)
	}

	var (
		rows [][]string
		err  error
	)
	switch declaredType {
	case models.MediaTypeCSV:
		rows, err = readDelimited(ctx, path, ',')
	case models.MediaTypeTSV:
		rows, err = readDelimited(ctx, path, '\t')
	case models.MediaTypeExcel:
		rows, err = readWorkbook(ctx, path)
	case models.MediaTypeODS:
		return nil, common.Validationf("OpenDocument spreadsheets are not supported, convert %s to xlsx or csv", filepath.Base(path))
	default:
		return nil, common.Validationf("unsupported media type %q", declaredType)
	}
	if err != nil {
		return nil, err
	}

	ds := build(rows)
	l.logger.Debug().
		Str("path", path).
		Str("media_type", string(declaredType)).
		Int("columns", len(ds.Columns)).
		Int("rows", ds.Len()).
		Msg("Dataset loaded")
	return ds, nil
}

// TypeFromFilename maps a file extension to its media type, or "" when unknown
func TypeFromFilename(name string) models.MediaType {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return models.MediaTypeCSV
	case ".tsv", ".tab":
		return models.MediaTypeTSV
	case ".xlsx", ".xlsm":
		return models.MediaTypeExcel
	case ".ods":
		return models.MediaTypeODS
	case ".png":
		return models.MediaTypePNG
	case ".jpg", ".jpeg":
		return models.MediaTypeJPEG
	case ".mp4":
		return models.MediaTypeMP4
	default:
		return ""
	}
}

func readDelimited(ctx context.Context, path string, comma rune) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, openError(path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, common.Validationf("malformed delimited file %s: %v", filepath.Base(path), err)
		}
		rows = append(rows, record)
	}
	return rows, nil
}

// readWorkbook returns the cells of the first sheet
func readWorkbook(ctx context.Context, path string) ([][]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, openError(path, err)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, common.Validationf("unreadable workbook %s: %v", filepath.Base(path), err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}

func openError(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return common.NotFoundf("dataset file %s", path)
	}
	return fmt.Errorf("failed to open %s: %w", path, err)
}

// build turns raw cells into a dataset. Blank header cells are named
// "Unnamed: <i>" and repeated names get a ".<n>" suffix.
func build(rows [][]string) *models.Dataset {
	ds := &models.Dataset{}
	if len(rows) == 0 {
		return ds
	}

	seen := make(map[string]int)
	for i, raw := range rows[0] {
		name := strings.TrimSpace(raw)
		if name == "" {
			name = fmt.Sprintf("Unnamed: %d", i)
		}
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = fmt.Sprintf("%s.%d", name, n+1)
		} else {
			seen[name] = 0
		}
		ds.Columns = append(ds.Columns, name)
	}

	for _, raw := range rows[1:] {
		if blank(raw) {
			continue
		}
		values := make([]models.Value, len(ds.Columns))
		for i := range ds.Columns {
			if i < len(raw) {
				values[i] = models.ParseCell(raw[i])
			} else {
				values[i] = models.NullValue()
			}
		}
		ds.AddRow(values)
	}
	return ds
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
