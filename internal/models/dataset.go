package models

// Dataset is an ordered table. Row i of Rows has row index i.
type Dataset struct {
	Columns []string
	Rows    []Record
}

// Len returns the number of rows
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// HasColumn reports whether name is one of the dataset's columns
func (d *Dataset) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// AddRow appends a row built from values in column order. Short rows are
// padded with Null.
func (d *Dataset) AddRow(values []Value) {
	d.Rows = append(d.Rows, NewRecord(d.Columns, values))
}
