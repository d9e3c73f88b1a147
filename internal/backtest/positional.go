package backtest

import (
	"strings"
	"time"

	"github.com/quantmill/quantmill/errs"
	"github.com/quantmill/quantmill/internal/dataset"
)

// PositionalOrderCheck decides whether a positional order needs to trade.
type PositionalOrderCheck int

const (
	// CheckPositionDiffers trades only when the current position differs
	// from the target quantity.
	CheckPositionDiffers PositionalOrderCheck = iota
	// CheckZeroPosition trades only when the current position is exactly
	// zero.
	CheckZeroPosition
)

// ParsePositionalOrderCheck maps a case-insensitive name to a check type.
func ParsePositionalOrderCheck(s string) (PositionalOrderCheck, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "POS_TQ_DIFFER":
		return CheckPositionDiffers, nil
	case "ZERO_POS":
		return CheckZeroPosition, nil
	default:
		return CheckPositionDiffers, errs.New("order", errs.CodeConfig,
			errs.WithMessage("unknown positional check type"),
			errs.WithDetail("value", s))
	}
}

// PositionalOrder targets an absolute position: it closes any existing
// position and opens the target in one atomic trade set.
type PositionalOrder struct {
	MarketOrder

	// CheckType decides whether a trade is required.
	CheckType PositionalOrderCheck
}

// Apply implements Order.
func (o *PositionalOrder) Apply(ts time.Time, row dataset.Row, assets map[AssetName]*Asset) error {
	book, err := o.requireBook()
	if err != nil {
		return err
	}
	target, price, err := o.sizing(book, row, assets)
	if err != nil {
		return err
	}

	if o.PreExec != nil {
		if next := o.PreExec(price); next != nil {
			o.status = *next
			return nil
		}
	}

	current := book.Position(o.Asset)
	var needsTrades bool
	switch o.CheckType {
	case CheckPositionDiffers:
		needsTrades = !current.Equal(target)
	case CheckZeroPosition:
		needsTrades = current.IsZero()
	default:
		return errs.New("order", errs.CodeConfig,
			errs.WithMessage("unexpected positional check type"))
	}

	var trades []Trade
	if needsTrades {
		if !current.IsZero() {
			closeTrade, err := NewTrade(ts, o.Asset, current.Neg(), price, o.Label)
			if err != nil {
				return err
			}
			trades = append(trades, closeTrade)
		}
		if !target.IsZero() {
			openTrade, err := NewTrade(ts, o.Asset, target, price, o.Label)
			if err != nil {
				return err
			}
			trades = append(trades, openTrade)
		}
	}

	// An empty batch trivially passes mandates and completes without
	// touching the book.
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
