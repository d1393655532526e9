package results

import (
	"encoding/json"
	"strings"

	"github.com/ternarybob/tablemind/internal/models"
)

const (
	columnRowIndex = "row_index"
	columnOutput   = "output"
	columnError    = "error"
	inputPrefix    = "input_"
	outputPrefix   = "output_"
)

// Table is a rectangular view of a result set
type Table struct {
	Columns []string
	Rows    [][]models.Value
}

// BuildTable lays rows out as row_index, input_ columns (when includeInput),
// output columns in first-seen order, then error. An output that is a JSON
// object becomes one column per key; any other output is a single column.
// Keys that would shadow row_index, error or an input_ column are written
// as output_<key>.
func BuildTable(rows []models.OutputRow, includeInput bool) *Table {
	var inputCols, outputCols columnSet
	outputs := make([]models.Record, len(rows))
	for i, row := range rows {
		if includeInput {
			for _, name := range row.Input.Names() {
				inputCols.add(name)
			}
		}
		if row.Failed() {
			continue
		}
		outputs[i] = normalizeOutput(row.Output)
		for _, name := range outputs[i].Names() {
			outputCols.add(name)
		}
	}

	t := &Table{Columns: []string{columnRowIndex}}
	for _, name := range inputCols.names {
		t.Columns = append(t.Columns, inputPrefix+name)
	}
	t.Columns = append(t.Columns, outputCols.names...)
	t.Columns = append(t.Columns, columnError)

	for i, row := range rows {
		values := make([]models.Value, 0, len(t.Columns))
		values = append(values, models.NumberValue(float64(row.RowIndex)))
		for _, name := range inputCols.names {
			v, _ := row.Input.Get(name)
			values = append(values, v)
		}
		for _, name := range outputCols.names {
			v, _ := outputs[i].Get(name)
			values = append(values, v)
		}
		if row.Failed() {
			values = append(values, models.StringValue(row.Error))
		} else {
			values = append(values, models.NullValue())
		}
		t.Rows = append(t.Rows, values)
	}
	return t
}

// Records returns each row as an ordered record keyed by column
func (t *Table) Records() []models.Record {
	out := make([]models.Record, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = models.NewRecord(t.Columns, row)
	}
	return out
}

// Strings renders every cell as text, nulls as empty
func (t *Table) Strings() [][]string {
	out := make([][]string, len(t.Rows))
	for i, row := range t.Rows {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = v.String()
		}
		out[i] = cells
	}
	return out
}

func normalizeOutput(text string) models.Record {
	trimmed := stripFence(strings.TrimSpace(text))
	if strings.HasPrefix(trimmed, "{") {
		var rec models.Record
		if err := json.Unmarshal([]byte(trimmed), &rec); err == nil && len(rec.Fields) > 0 {
			return renameReserved(rec)
		}
	}
	return models.NewRecord([]string{columnOutput}, []models.Value{models.StringValue(text)})
}

func renameReserved(rec models.Record) models.Record {
	taken := make(map[string]bool, len(rec.Fields))
	for _, f := range rec.Fields {
		taken[f.Name] = true
	}
	out := models.Record{Fields: make([]models.Field, 0, len(rec.Fields))}
	for _, f := range rec.Fields {
		name := f.Name
		if isReserved(name) {
			name = outputPrefix + name
			for taken[name] {
				name = outputPrefix + name
			}
			taken[name] = true
		}
		out.Fields = append(out.Fields, models.Field{Name: name, Value: f.Value})
	}
	return out
}

func isReserved(name string) bool {
	return name == columnRowIndex || name == columnError || strings.HasPrefix(name, inputPrefix)
}

// stripFence removes a surrounding ``` or ```json markdown fence
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") || len(text) < 6 {
		return text
	}
	body := text[3 : len(text)-3]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.Contains(body[:nl], "{") {
		body = body[nl+1:]
	}
	return strings.TrimSpace(body)
}

type columnSet struct {
	names []string
	seen  map[string]bool
}

func (c *columnSet) add(name string) {
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	if c.seen[name] {
		return
	}
	c.seen[name] = true
	c.names = append(c.names, name)
}

// cellValue converts a value for a spreadsheet cell
func cellValue(v models.Value) interface{} {
	switch v.Kind {
	case models.KindNumber:
		if v.Num == float64(int64(v.Num)) {
			return int64(v.Num)
		}
		return v.Num
	case models.KindBool:
		return v.Bool
	case models.KindString:
		return v.Str
	default:
		return ""
	}
}
