package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/quantmill/quantmill/errs"
)

// Frame holds one asset's raw columns before alignment into a Table.
type Frame struct {
	Index  []time.Time
	Fields []Field
	Values map[Field][]float64
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// ReadCSV parses an OHLCV-style CSV. The first column must be a timestamp;
// remaining header names become fields. Blank cells map to NaN.
func ReadCSV(r io.Reader) (Frame, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return Frame{}, errs.New("dataset", errs.CodeSchema,
			errs.WithMessage("read csv header"), errs.WithCause(err))
	}
	if len(header) < 2 {
		return Frame{}, errs.New("dataset", errs.CodeSchema,
			errs.WithMessage("csv needs a timestamp column and at least one field"))
	}

	frame := Frame{
		Index:  nil,
		Fields: make([]Field, 0, len(header)-1),
		Values: make(map[Field][]float64, len(header)-1),
	}
	for _, name := range header[1:] {
		frame.Fields = append(frame.Fields, Field(strings.TrimSpace(name)))
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Frame{}, errs.New("dataset", errs.CodeSchema,
				errs.WithMessage("read csv record"), errs.WithCause(err))
		}
		ts, err := parseTime(record[0])
		if err != nil {
			return Frame{}, errs.New("dataset", errs.CodeSchema,
				errs.WithMessage("parse csv timestamp"), errs.WithCause(err))
		}
		frame.Index = append(frame.Index, ts)
		for j, field := range frame.Fields {
			val := math.NaN()
			if j+1 < len(record) {
				cell := strings.TrimSpace(record[j+1])
				if cell != "" {
					parsed, perr := strconv.ParseFloat(cell, 64)
					if perr != nil {
						return Frame{}, errs.New("dataset", errs.CodeSchema,
							errs.WithMessage("parse csv cell"),
							errs.WithDetail("field", string(field)),
							errs.WithCause(perr))
					}
					val = parsed
				}
			}
			frame.Values[field] = append(frame.Values[field], val)
		}
	}
	return frame, nil
}

// ReadCSVFile reads an OHLCV CSV from disk.
func ReadCSVFile(path string) (Frame, error) {
	// #nosec G304 -- file path is operator provided via configuration.
	file, err := os.Open(path)
	if err != nil {
		return Frame{}, errs.New("dataset", errs.CodeNotFound,
			errs.WithMessage("open csv file"), errs.WithCause(err))
	}
	defer file.Close()
	return ReadCSV(file)
}

// BuildTable aligns per-label frames onto the union of their timestamps.
// Cells with no source row become NaN.
func BuildTable(frames map[string]Frame) (*Table, error) {
	seen := make(map[time.Time]bool)
	var union []time.Time
	for _, frame := range frames {
		for _, ts := range frame.Index {
			if !seen[ts] {
				seen[ts] = true
				union = append(union, ts)
			}
		}
	}
	sort.Slice(union, func(i, j int) bool { return union[i].Before(union[j]) })

	table, err := NewTable(union)
	if err != nil {
		return nil, err
	}
	position := make(map[time.Time]int, len(union))
	for i, ts := range union {
		position[ts] = i
	}

	labels := make([]string, 0, len(frames))
	for label := range frames {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		frame := frames[label]
		for _, field := range frame.Fields {
			series := make([]float64, len(union))
			for i := range series {
				series[i] = math.NaN()
			}
			src := frame.Values[field]
			for i, ts := range frame.Index {
				series[position[ts]] = src[i]
			}
			if err := table.SetSeries(label, field, series); err != nil {
				return nil, err
			}
		}
	}
	return table, nil
}
