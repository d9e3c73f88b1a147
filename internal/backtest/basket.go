package backtest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantmill/quantmill/errs"
	"github.com/quantmill/quantmill/internal/dataset"
)

// BasketOrder combines multiple assets with parallel weights into a single
// order expanding to one trade per asset.
type BasketOrder struct {
	OrderState

	// Assets lists the basket members.
	Assets []AssetName
	// Weights are the per-asset weights, parallel to Assets.
	Weights []decimal.Decimal
	// Size is the combined order size, interpreted per SizeType.
	Size decimal.Decimal
	// SizeType selects the sizing convention.
	SizeType OrderSizeType
	// PreExec, when set, is consulted with the per-asset execution prices
	// before any trade is booked.
	PreExec BasketPreExecHook
	// PostComplete, when set, runs after booking and may schedule child
	// orders for the next timestep.
	PostComplete PostCompleteHook
}

type basketLeg struct {
	asset    AssetName
	quantity decimal.Decimal
	price    decimal.Decimal
}

// sizing computes rounded (quantity, price) pairs for every basket leg.
func (o *BasketOrder) sizing(book *Book, row dataset.Row, assets map[AssetName]*Asset) ([]basketLeg, error) {
	if len(o.Assets) == 0 || len(o.Assets) != len(o.Weights) {
		return nil, errs.New("order", errs.CodeConfig,
			errs.WithMessage("basket assets and weights must be parallel and non-empty"))
	}

	metas := make([]*Asset, len(o.Assets))
	prices := make([]decimal.Decimal, len(o.Assets))
	for i, name := range o.Assets {
		meta, ok := assets[name]
		if !ok {
			return nil, errs.New("order", errs.CodeNotFound,
				errs.WithMessage("basket references unknown asset"),
				errs.WithDetail("asset", string(name)))
		}
		price, err := meta.IntradayTradedPrice(row)
		if err != nil {
			return nil, err
		}
		metas[i] = meta
		prices[i] = price
	}

	quantities := make([]decimal.Decimal, len(o.Assets))
	switch o.SizeType {
	case SizeQuantity:
		for i, weight := range o.Weights {
			quantities[i] = o.Size.Mul(weight)
		}
	case SizeNotional:
		// size = k * sum(w_i * p_i); solve for the scale factor k.
		weighted := decimal.Zero
		for i, weight := range o.Weights {
			weighted = weighted.Add(weight.Mul(prices[i]))
		}
		if weighted.IsZero() {
			return nil, errs.New("order", errs.CodeConfig,
				errs.WithMessage("basket weighted price sum is zero"))
		}
		k := o.Size.Div(weighted)
		for i, weight := range o.Weights {
			quantities[i] = k.Mul(weight)
		}
	case SizeBookPercent:
		// Size is ignored here: the scale derives from current book value
		// (cash plus mark-to-market of existing basket positions).
		bookMTM := decimal.Zero
		for i, name := range o.Assets {
			bookMTM = bookMTM.Add(book.Position(name).Mul(prices[i]))
		}
		bookValue := book.Cash().Add(bookMTM)
		hundred := decimal.NewFromInt(100)
		for i, weight := range o.Weights {
			quantities[i] = bookValue.Mul(weight).Div(hundred).Div(prices[i])
		}
	default:
		return nil, errs.New("order", errs.CodeConfig,
			errs.WithMessage("unsupported size type"))
	}

	legs := make([]basketLeg, len(o.Assets))
	for i := range o.Assets {
		legs[i] = basketLeg{
			asset:    o.Assets[i],
			quantity: metas[i].RoundQuantity(quantities[i]),
			price:    prices[i],
		}
	}
	return legs, nil
}

func (o *BasketOrder) legPrices(legs []basketLeg) []decimal.Decimal {
	prices := make([]decimal.Decimal, len(legs))
	for i, leg := range legs {
		prices[i] = leg.price
	}
	return prices
}

// Apply implements Order.
func (o *BasketOrder) Apply(ts time.Time, row dataset.Row, assets map[AssetName]*Asset) error {
	book, err := o.requireBook()
	if err != nil {
		return err
	}
	legs, err := o.sizing(book, row, assets)
	if err != nil {
		return err
	}

	if o.PreExec != nil {
		if next := o.PreExec(o.legPrices(legs)); next != nil {
			o.status = *next
			return nil
		}
	}

	var trades []Trade
	for _, leg := range legs {
		if leg.quantity.IsZero() {
			continue
		}
		trade, err := NewTrade(ts, leg.asset, leg.quantity, leg.price, o.Label)
		if err != nil {
			return err
		}
		trades = append(trades, trade)
	}

	batch := make([]Transaction, 0, len(trades))
	for _, trade := range trades {
		batch = append(batch, trade)
	}
	o.settle(book, batch)
	if o.status == StatusComplete && o.PostComplete != nil {
		o.suborders = append(o.suborders, o.PostComplete(trades)...)
	}
	return nil
}

// PositionalBasketOrder is a basket order with close-and-reopen semantics
// applied per asset.
type PositionalBasketOrder struct {
	BasketOrder

	// CheckType decides whether trades are required.
	CheckType PositionalOrderCheck
}

// Apply implements Order.
func (o *PositionalBasketOrder) Apply(ts time.Time, row dataset.Row, assets map[AssetName]*Asset) error {
	book, err := o.requireBook()
	if err != nil {
		return err
	}
	legs, err := o.sizing(book, row, assets)
	if err != nil {
		return err
	}

	if o.PreExec != nil {
		if next := o.PreExec(o.legPrices(legs)); next != nil {
			o.status = *next
			return nil
		}
	}

	var needsTrades bool
	switch o.CheckType {
	case CheckPositionDiffers:
		for _, leg := range legs {
			if !book.Position(leg.asset).Equal(leg.quantity) {
				needsTrades = true
				break
			}
		}
	case CheckZeroPosition:
		for _, leg := range legs {
			if book.Position(leg.asset).IsZero() {
				needsTrades = true
				break
			}
		}
	default:
		return errs.New("order", errs.CodeConfig,
			errs.WithMessage("unexpected positional check type"))
	}

	var trades []Trade
	if needsTrades {
		for _, leg := range legs {
			current := book.Position(leg.asset)
			if !current.IsZero() {
				closeTrade, err := NewTrade(ts, leg.asset, current.Neg(), leg.price, o.Label)
				if err != nil {
					return err
				}
				trades = append(trades, closeTrade)
			}
			if !leg.quantity.IsZero() {
				openTrade, err := NewTrade(ts, leg.asset, leg.quantity, leg.price, o.Label)
				if err != nil {
					return err
				}
				trades = append(trades, openTrade)
			}
		}
	}

	batch := make([]Transaction, 0, len(trades))
	for _, trade := range trades {
		batch = append(batch, trade)
	}
	o.settle(book, batch)
	if o.status == StatusComplete && o.PostComplete != nil {
		o.suborders = append(o.suborders, o.PostComplete(trades)...)
	}
	return nil
}
