// Package backtest implements the deterministic market-replay engine: assets,
// books, orders, the order queue, strategy data views, and the runner that
// drives them across a calendar of timestamps.
package backtest

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/quantmill/quantmill/errs"
	"github.com/quantmill/quantmill/internal/dataset"
)

// AssetName uniquely identifies an asset within a run.
type AssetName string

// Asset carries static per-instrument metadata and price-derivation rules.
// Immutable once constructed.
type Asset struct {
	// Name is the unique asset key.
	Name AssetName
	// Denom is the denomination currency.
	Denom string
	// PriceDP is the number of decimal places prices round to.
	PriceDP int32
	// QuantityDP is the number of decimal places quantities round to.
	QuantityDP int32
	// DataLabel locates the asset's columns in the price table. Defaults to
	// the asset name.
	DataLabel string
	// OpenFields lists the fields visible before end-of-day close. Defaults
	// to the Open column only.
	OpenFields []dataset.Field
}

// NewAsset constructs an asset with the default two-decimal rounding.
func NewAsset(name AssetName, denom string) *Asset {
	return &Asset{
		Name:       name,
		Denom:      denom,
		PriceDP:    2,
		QuantityDP: 2,
		DataLabel:  string(name),
		OpenFields: nil,
	}
}

// Label returns the price-table column label for the asset.
func (a *Asset) Label() string {
	if a.DataLabel != "" {
		return a.DataLabel
	}
	return string(a.Name)
}

// RequiredFields returns the fields the price table must carry for the asset.
func (a *Asset) RequiredFields() []dataset.Field {
	return []dataset.Field{dataset.FieldClose}
}

// FieldsAvailableAtOpen returns the fields visible during the open phase.
func (a *Asset) FieldsAvailableAtOpen() []dataset.Field {
	if len(a.OpenFields) > 0 {
		out := make([]dataset.Field, len(a.OpenFields))
		copy(out, a.OpenFields)
		return out
	}
	return []dataset.Field{dataset.FieldOpen}
}

// RoundPrice rounds p to the asset's price precision.
func (a *Asset) RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Round(a.PriceDP)
}

// RoundQuantity rounds q to the asset's quantity precision.
func (a *Asset) RoundQuantity(q decimal.Decimal) decimal.Decimal {
	return q.Round(a.QuantityDP)
}

// IntradayTradedPrice derives the execution price for a timestep: the
// high/low midpoint when both are present, otherwise the close. The result is
// rounded to the asset's price precision.
func (a *Asset) IntradayTradedPrice(row dataset.Row) (decimal.Decimal, error) {
	label := a.Label()
	high := row.Value(label, dataset.FieldHigh)
	low := row.Value(label, dataset.FieldLow)
	if !math.IsNaN(high) && !math.IsNaN(low) {
		return a.RoundPrice(decimal.NewFromFloat((high + low) / 2)), nil
	}
	closePx := row.Value(label, dataset.FieldClose)
	if math.IsNaN(closePx) {
		return decimal.Zero, errs.New("asset", errs.CodeSchema,
			errs.WithMessage("no traded price available for timestep"),
			errs.WithDetail("asset", string(a.Name)))
	}
	return a.RoundPrice(decimal.NewFromFloat(closePx)), nil
}
