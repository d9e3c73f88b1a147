package backtest

import (
	"math"
	"time"

	"github.com/quantmill/quantmill/errs"
	"github.com/quantmill/quantmill/internal/dataset"
)

// DataView exposes a read-only window of the price table truncated to rows at
// or before the current timestamp. In open mode every field not declared
// available-at-open is masked out of the most recent row only; earlier rows
// stay fully visible. The view is write-locked once strategy initialisation
// finishes.
type DataView struct {
	table *dataset.Table

	// end is the exclusive upper bound of the visible window; -1 means the
	// whole table (pre-run initialisation). 0 is an empty window, reached
	// when the window timestamp predates the first row.
	end      int
	maskOpen bool
	locked   bool

	// openFields caches which (label, field) pairs survive the open mask;
	// identical across timesteps so derived once.
	openFields map[string]map[dataset.Field]bool
}

func newDataView(table *dataset.Table, assets map[AssetName]*Asset) *DataView {
	mask := make(map[string]map[dataset.Field]bool, len(assets))
	for _, asset := range assets {
		fields := make(map[dataset.Field]bool)
		for _, f := range asset.FieldsAvailableAtOpen() {
			fields[f] = true
		}
		mask[asset.Label()] = fields
	}
	return &DataView{
		table:      table,
		end:        -1,
		maskOpen:   false,
		locked:     false,
		openFields: mask,
	}
}

func (v *DataView) setWindow(ts time.Time) { v.end = v.table.SearchTime(ts) }

func (v *DataView) setMaskOpen(on bool) { v.maskOpen = on }

func (v *DataView) lock() { v.locked = true }

// Len returns the number of visible rows.
func (v *DataView) Len() int {
	if v.end < 0 {
		return v.table.Len()
	}
	return v.end
}

// Time returns the timestamp of visible row i.
func (v *DataView) Time(i int) time.Time { return v.table.Index(i) }

// Labels returns the asset labels in column order.
func (v *DataView) Labels() []string { return v.table.Labels() }

// Fields returns the field ordering for label.
func (v *DataView) Fields(label string) []dataset.Field { return v.table.Fields(label) }

func (v *DataView) masked(label string, field dataset.Field, i int) bool {
	if !v.maskOpen || i != v.Len()-1 {
		return false
	}
	return !v.openFields[label][field]
}

// Value returns the cell for (label, field) at visible row i; NaN when the
// row is outside the window or the field is masked at open.
func (v *DataView) Value(label string, field dataset.Field, i int) float64 {
	if i < 0 || i >= v.Len() {
		return math.NaN()
	}
	if v.masked(label, field, i) {
		return math.NaN()
	}
	return v.table.Value(label, field, i)
}

// Last returns the cell for (label, field) on the most recent visible row.
func (v *DataView) Last(label string, field dataset.Field) float64 {
	return v.Value(label, field, v.Len()-1)
}

// Series returns a masked copy of the visible window for (label, field).
func (v *DataView) Series(label string, field dataset.Field) []float64 {
	n := v.Len()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = v.Value(label, field, i)
	}
	return out
}

// AddSeries installs a derived full-length column during strategy
// initialisation. Writes are rejected once the view is locked to protect
// replay determinism.
func (v *DataView) AddSeries(label string, field dataset.Field, values []float64) error {
	if v.locked {
		return errs.New("dataview", errs.CodeConfig,
			errs.WithMessage("data view is locked; series can only be added during Init"),
			errs.WithDetail("label", label),
			errs.WithDetail("field", string(field)))
	}
	return v.table.SetSeries(label, field, values)
}
