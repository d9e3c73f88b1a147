package strategies

import (
	"github.com/shopspring/decimal"

	"github.com/quantmill/quantmill/errs"
	"github.com/quantmill/quantmill/internal/backtest"
)

// Rebalance periodically retargets a basket of assets to fixed book-percent
// weights with a positional basket order, so drifted positions are closed and
// reopened at the target allocation.
type Rebalance struct {
	// Assets and Weights define the target allocation; weights are percent
	// of book value.
	Assets  []backtest.AssetName
	Weights []decimal.Decimal
	// Interval is the number of timesteps between rebalances.
	Interval int
	// Book optionally routes orders to a named book.
	Book backtest.BookName

	steps int
}

// Init validates the allocation and reads parameter overrides.
func (r *Rebalance) Init(ctx *backtest.Context) error {
	r.Interval = ctx.Params().Int("interval", defaultInt(r.Interval, 21))
	if r.Interval <= 0 {
		return errs.New("strategy", errs.CodeConfig,
			errs.WithMessage("rebalance interval must be positive"))
	}
	if len(r.Assets) == 0 || len(r.Assets) != len(r.Weights) {
		return errs.New("strategy", errs.CodeConfig,
			errs.WithMessage("rebalance assets and weights must be parallel and non-empty"))
	}
	allZero := true
	for _, w := range r.Weights {
		if !w.IsZero() {
			allZero = false
			break
		}
	}
	if allZero {
		return errs.New("strategy", errs.CodeConfig,
			errs.WithMessage("rebalance weights must not all be zero"))
	}
	for _, name := range r.Assets {
		if _, ok := ctx.Asset(name); !ok {
			return errs.New("strategy", errs.CodeNotFound,
				errs.WithMessage("rebalance references unknown asset"),
				errs.WithDetail("asset", string(name)))
		}
	}
	r.steps = 0
	return nil
}

// OnOpen implements backtest.Strategy.
func (r *Rebalance) OnOpen(*backtest.Context) error { return nil }

// OnClose places the rebalancing basket on the first timestep and every
// Interval timesteps after it.
func (r *Rebalance) OnClose(ctx *backtest.Context) error {
	due := r.steps%r.Interval == 0
	r.steps++
	if !due {
		return nil
	}
	order := &backtest.PositionalBasketOrder{
		BasketOrder: backtest.BasketOrder{
			OrderState: backtest.OrderState{Key: "rebalance", Label: "rebalance", Book: r.Book},
			Assets:     append([]backtest.AssetName(nil), r.Assets...),
			Weights:    append([]decimal.Decimal(nil), r.Weights...),
			SizeType:   backtest.SizeBookPercent,
		},
	}
	ctx.Place(order)
	return nil
}
