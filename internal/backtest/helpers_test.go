package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantmill/quantmill/internal/dataset"
)

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func days(n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = day(i)
	}
	return out
}

// closeOnlyTable builds a table carrying a single Close column per label.
func closeOnlyTable(t *testing.T, closes map[string][]float64) *dataset.Table {
	t.Helper()
	n := 0
	for _, series := range closes {
		n = len(series)
		break
	}
	table, err := dataset.NewTable(days(n))
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	for label, series := range closes {
		if err := table.SetSeries(label, dataset.FieldClose, series); err != nil {
			t.Fatalf("set series %s: %v", label, err)
		}
	}
	return table
}

// ohlcTable builds a table with Open/High/Low/Close/Volume columns per label.
func ohlcTable(t *testing.T, cols map[string]map[dataset.Field][]float64) *dataset.Table {
	t.Helper()
	n := 0
	for _, fields := range cols {
		for _, series := range fields {
			n = len(series)
			break
		}
		break
	}
	table, err := dataset.NewTable(days(n))
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	for label, fields := range cols {
		for field, series := range fields {
			if err := table.SetSeries(label, field, series); err != nil {
				t.Fatalf("set series %s/%s: %v", label, field, err)
			}
		}
	}
	return table
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func requireDecimalEqual(t *testing.T, want, got decimal.Decimal, context string) {
	t.Helper()
	if !want.Equal(got) {
		t.Fatalf("%s: want %s, got %s", context, want, got)
	}
}

func requireNaN(t *testing.T, v float64, context string) {
	t.Helper()
	if !math.IsNaN(v) {
		t.Fatalf("%s: expected NaN, got %v", context, v)
	}
}
