package dataset

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/quantmill/quantmill/errs"
)

const sampleCSV = `Date,Open,High,Low,Close,Volume
2024-01-01,10,12,9,11,1000
2024-01-02,11,13,10,,1100
2024-01-03,12,14,11,13,1200
`

func TestReadCSV(t *testing.T) {
	frame, err := ReadCSV(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(frame.Index) != 3 {
		t.Fatalf("rows = %d, want 3", len(frame.Index))
	}
	want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	if !frame.Index[1].Equal(want) {
		t.Fatalf("index[1] = %v, want %v", frame.Index[1], want)
	}
	if len(frame.Fields) != 5 {
		t.Fatalf("fields = %v", frame.Fields)
	}
	if got := frame.Values[FieldOpen][0]; got != 10 {
		t.Fatalf("open[0] = %v, want 10", got)
	}
	if got := frame.Values[FieldClose][1]; !math.IsNaN(got) {
		t.Fatalf("blank cell must be NaN, got %v", got)
	}
}

func TestReadCSVRejectsBadCell(t *testing.T) {
	csv := "Date,Close\n2024-01-01,abc\n"
	if _, err := ReadCSV(strings.NewReader(csv)); !errs.IsCode(err, errs.CodeSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestReadCSVRejectsBadTimestamp(t *testing.T) {
	csv := "Date,Close\nnot-a-date,1\n"
	if _, err := ReadCSV(strings.NewReader(csv)); !errs.IsCode(err, errs.CodeSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestReadCSVRejectsHeaderOnlyTimestamp(t *testing.T) {
	if _, err := ReadCSV(strings.NewReader("Date\n")); !errs.IsCode(err, errs.CodeSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestBuildTableAlignsOnUnionIndex(t *testing.T) {
	day := func(n int) time.Time {
		return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
	}
	frames := map[string]Frame{
		"GOOG": {
			Index:  []time.Time{day(0), day(2)},
			Fields: []Field{FieldClose},
			Values: map[Field][]float64{FieldClose: {100, 102}},
		},
		"MSFT": {
			Index:  []time.Time{day(1), day(2)},
			Fields: []Field{FieldClose},
			Values: map[Field][]float64{FieldClose: {200, 202}},
		},
	}
	table, err := BuildTable(frames)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if table.Len() != 3 {
		t.Fatalf("rows = %d, want 3", table.Len())
	}
	if got := table.Value("GOOG", FieldClose, 0); got != 100 {
		t.Fatalf("GOOG close[0] = %v, want 100", got)
	}
	if got := table.Value("GOOG", FieldClose, 1); !math.IsNaN(got) {
		t.Fatalf("GOOG close[1] must be NaN, got %v", got)
	}
	if got := table.Value("MSFT", FieldClose, 2); got != 202 {
		t.Fatalf("MSFT close[2] = %v, want 202", got)
	}
	labels := table.Labels()
	if len(labels) != 2 || labels[0] != "GOOG" || labels[1] != "MSFT" {
		t.Fatalf("labels = %v", labels)
	}
}
