// Package strategies provides the built-in trading strategies: a moving
// average crossover, a periodic basket rebalancer, and a JavaScript host.
package strategies

import (
	"fmt"
	"math"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/quantmill/quantmill/errs"
	"github.com/quantmill/quantmill/internal/backtest"
	"github.com/quantmill/quantmill/internal/dataset"
)

// SMAXO trades simple moving average crossovers: a golden cross buys, a death
// cross sells. Orders are keyed per asset so an unfilled signal is superseded
// by the next one.
type SMAXO struct {
	// Assets to trade; empty means every configured asset.
	Assets []backtest.AssetName
	// FastWindow and SlowWindow are the SMA lengths in timesteps.
	FastWindow int
	SlowWindow int
	// Size is the traded quantity per signal.
	Size decimal.Decimal

	fastField dataset.Field
	slowField dataset.Field
	targets   []smaxoTarget
}

type smaxoTarget struct {
	asset backtest.AssetName
	label string
}

// Init reads parameter overrides and installs the SMA columns on the
// strategy's data view.
func (s *SMAXO) Init(ctx *backtest.Context) error {
	params := ctx.Params()
	s.FastWindow = params.Int("fast", defaultInt(s.FastWindow, 12))
	s.SlowWindow = params.Int("slow", defaultInt(s.SlowWindow, 26))
	if s.Size.IsZero() {
		s.Size = params.Decimal("size", decimal.NewFromInt(100))
	}
	if s.FastWindow <= 0 || s.SlowWindow <= s.FastWindow {
		return errs.New("strategy", errs.CodeConfig,
			errs.WithMessage("smaxo windows must satisfy 0 < fast < slow"),
			errs.WithDetail("fast", fmt.Sprintf("%d", s.FastWindow)),
			errs.WithDetail("slow", fmt.Sprintf("%d", s.SlowWindow)))
	}

	assets := s.Assets
	if len(assets) == 0 {
		for name := range ctx.Assets() {
			assets = append(assets, name)
		}
		// Map iteration order varies per run; replay output must not.
		slices.Sort(assets)
	}
	s.fastField = dataset.Field(fmt.Sprintf("CloseSMA%d", s.FastWindow))
	s.slowField = dataset.Field(fmt.Sprintf("CloseSMA%d", s.SlowWindow))

	view := ctx.Data()
	s.targets = s.targets[:0]
	for _, name := range assets {
		asset, ok := ctx.Asset(name)
		if !ok {
			return errs.New("strategy", errs.CodeNotFound,
				errs.WithMessage("smaxo references unknown asset"),
				errs.WithDetail("asset", string(name)))
		}
		label := asset.Label()
		closes := view.Series(label, dataset.FieldClose)
		if err := view.AddSeries(label, s.fastField, sma(closes, s.FastWindow)); err != nil {
			return err
		}
		if err := view.AddSeries(label, s.slowField, sma(closes, s.SlowWindow)); err != nil {
			return err
		}
		s.targets = append(s.targets, smaxoTarget{asset: name, label: label})
	}
	return nil
}

// OnOpen implements backtest.Strategy.
func (s *SMAXO) OnOpen(*backtest.Context) error { return nil }

// OnClose places a keyed market order on each crossover.
func (s *SMAXO) OnClose(ctx *backtest.Context) error {
	view := ctx.Data()
	last := view.Len() - 1
	if last < 1 {
		return nil
	}
	for _, target := range s.targets {
		label := target.label
		fastPrev := view.Value(label, s.fastField, last-1)
		slowPrev := view.Value(label, s.slowField, last-1)
		fastNow := view.Value(label, s.fastField, last)
		slowNow := view.Value(label, s.slowField, last)
		if anyNaN(fastPrev, slowPrev, fastNow, slowNow) {
			continue
		}
		var size decimal.Decimal
		switch {
		case fastPrev <= slowPrev && fastNow > slowNow:
			size = s.Size
		case fastPrev >= slowPrev && fastNow < slowNow:
			size = s.Size.Neg()
		default:
			continue
		}
		ctx.Place(&backtest.MarketOrder{
			OrderState: backtest.OrderState{Key: label, Label: "smaxo"},
			Asset:      target.asset,
			Size:       size,
		})
	}
	return nil
}

// sma returns the trailing simple moving average; positions without a full
// window are NaN.
func sma(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if window <= 0 || len(values) < window {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			out[i] = sum / float64(window)
		}
	}
	return out
}

func anyNaN(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

func defaultInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}
