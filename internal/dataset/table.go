// Package dataset models the time-indexed price table consumed by the engine.
//
// A table is indexed by strictly increasing, unique timestamps and carries a
// two-level column structure: asset label first, field name second. Missing
// cells are NaN.
package dataset

import (
	"math"
	"sort"
	"time"

	"github.com/quantmill/quantmill/errs"
)

// Field names a per-asset column such as Open or Close.
type Field string

const (
	// FieldOpen is the opening price column.
	FieldOpen Field = "Open"
	// FieldHigh is the intraday high column.
	FieldHigh Field = "High"
	// FieldLow is the intraday low column.
	FieldLow Field = "Low"
	// FieldClose is the closing price column.
	FieldClose Field = "Close"
	// FieldVolume is the traded volume column.
	FieldVolume Field = "Volume"
)

// CanonicalFields is the preferred field ordering; extra fields keep their
// insertion order after these.
var CanonicalFields = []Field{FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume}

// Table is a two-level (asset label, field) time series container.
type Table struct {
	index  []time.Time
	labels []string
	fields map[string][]Field
	data   map[string]map[Field][]float64
}

// NewTable constructs a table over the given time index. The index must be
// strictly increasing with no duplicates.
func NewTable(index []time.Time) (*Table, error) {
	for i := 1; i < len(index); i++ {
		if !index[i].After(index[i-1]) {
			return nil, errs.New("dataset", errs.CodeSchema,
				errs.WithMessage("table index must be strictly increasing and unique"),
				errs.WithDetail("position", index[i].Format(time.RFC3339)))
		}
	}
	idx := make([]time.Time, len(index))
	copy(idx, index)
	return &Table{
		index:  idx,
		labels: nil,
		fields: make(map[string][]Field),
		data:   make(map[string]map[Field][]float64),
	}, nil
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.index) }

// Index returns the timestamp at row i.
func (t *Table) Index(i int) time.Time { return t.index[i] }

// Timestamps returns a copy of the full time index.
func (t *Table) Timestamps() []time.Time {
	out := make([]time.Time, len(t.index))
	copy(out, t.index)
	return out
}

// Labels returns asset labels in column order.
func (t *Table) Labels() []string {
	out := make([]string, len(t.labels))
	copy(out, t.labels)
	return out
}

// HasLabel reports whether the table carries columns for label.
func (t *Table) HasLabel(label string) bool {
	_, ok := t.data[label]
	return ok
}

// Fields returns the field ordering for label.
func (t *Table) Fields(label string) []Field {
	fs := t.fields[label]
	out := make([]Field, len(fs))
	copy(out, fs)
	return out
}

// HasField reports whether label carries the given field.
func (t *Table) HasField(label string, field Field) bool {
	_, ok := t.data[label][field]
	return ok
}

// SetSeries installs or replaces a column. The series length must match the
// table index.
func (t *Table) SetSeries(label string, field Field, values []float64) error {
	if len(values) != len(t.index) {
		return errs.New("dataset", errs.CodeSchema,
			errs.WithMessage("series length does not match table index"),
			errs.WithDetail("label", label),
			errs.WithDetail("field", string(field)))
	}
	cols, ok := t.data[label]
	if !ok {
		cols = make(map[Field][]float64)
		t.data[label] = cols
		t.labels = append(t.labels, label)
	}
	if _, exists := cols[field]; !exists {
		t.fields[label] = append(t.fields[label], field)
	}
	series := make([]float64, len(values))
	copy(series, values)
	cols[field] = series
	return nil
}

// Value returns the cell for (label, field) at row i, NaN when absent.
func (t *Table) Value(label string, field Field, i int) float64 {
	series, ok := t.data[label][field]
	if !ok || i < 0 || i >= len(series) {
		return math.NaN()
	}
	return series[i]
}

// Series returns a copy of the column for (label, field), or nil when absent.
func (t *Table) Series(label string, field Field) []float64 {
	series, ok := t.data[label][field]
	if !ok {
		return nil
	}
	out := make([]float64, len(series))
	copy(out, series)
	return out
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	clone := &Table{
		index:  make([]time.Time, len(t.index)),
		labels: make([]string, len(t.labels)),
		fields: make(map[string][]Field, len(t.fields)),
		data:   make(map[string]map[Field][]float64, len(t.data)),
	}
	copy(clone.index, t.index)
	copy(clone.labels, t.labels)
	for label, fs := range t.fields {
		cp := make([]Field, len(fs))
		copy(cp, fs)
		clone.fields[label] = cp
	}
	for label, cols := range t.data {
		cp := make(map[Field][]float64, len(cols))
		for field, series := range cols {
			s := make([]float64, len(series))
			copy(s, series)
			cp[field] = s
		}
		clone.data[label] = cp
	}
	return clone
}

// MissingFields returns the subset of required fields absent for label.
func (t *Table) MissingFields(label string, required []Field) []Field {
	var missing []Field
	for _, f := range required {
		if !t.HasField(label, f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// ReindexFields reorders label's fields into canonical order, preserving any
// extra fields after the canonical ones in their existing relative order.
func (t *Table) ReindexFields(label string) {
	existing, ok := t.fields[label]
	if !ok {
		return
	}
	inCanonical := make(map[Field]bool, len(CanonicalFields))
	ordered := make([]Field, 0, len(existing))
	for _, f := range CanonicalFields {
		inCanonical[f] = true
		if t.HasField(label, f) {
			ordered = append(ordered, f)
		}
	}
	for _, f := range existing {
		if !inCanonical[f] {
			ordered = append(ordered, f)
		}
	}
	t.fields[label] = ordered
}

// Row exposes one timestep of the table.
type Row struct {
	table *Table
	i     int
}

// Row returns the row at position i.
func (t *Table) Row(i int) Row { return Row{table: t, i: i} }

// Time returns the row timestamp.
func (r Row) Time() time.Time { return r.table.index[r.i] }

// Value returns the cell for (label, field) on this row, NaN when absent.
func (r Row) Value(label string, field Field) float64 {
	return r.table.Value(label, field, r.i)
}

// SearchTime returns the number of rows with timestamps <= ts.
func (t *Table) SearchTime(ts time.Time) int {
	return sort.Search(len(t.index), func(i int) bool {
		return t.index[i].After(ts)
	})
}
