package backtest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantmill/quantmill/errs"
)

// Transaction is a frozen record applied to a book. Negative amounts are
// costs, positive amounts are benefits.
type Transaction interface {
	Timestamp() time.Time
	Amount() decimal.Decimal
	Description() string
}

// CashTransaction adjusts book cash without touching positions.
type CashTransaction struct {
	TS    time.Time
	Total decimal.Decimal
	Desc  string
}

// Timestamp implements Transaction.
func (c CashTransaction) Timestamp() time.Time { return c.TS }

// Amount implements Transaction.
func (c CashTransaction) Amount() decimal.Decimal { return c.Total }

// Description implements Transaction.
func (c CashTransaction) Description() string { return c.Desc }

// Trade is a frozen record of an executed trade. A negative quantity is a
// sell and a positive quantity is a buy; the total is derived as
// -quantity x price so that buying consumes cash.
type Trade struct {
	TS         time.Time
	Asset      AssetName
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	OrderLabel string

	total decimal.Decimal
	desc  string
}

// NewTrade validates and constructs a trade. A zero quantity signals a sizing
// bug upstream and fails construction.
func NewTrade(ts time.Time, asset AssetName, quantity, price decimal.Decimal, orderLabel string) (Trade, error) {
	if quantity.IsZero() {
		return Trade{}, errs.New("trade", errs.CodeDegenerateTrade,
			errs.WithMessage("trade quantity cannot be zero"),
			errs.WithDetail("asset", string(asset)))
	}
	verb := "buy"
	if quantity.IsNegative() {
		verb = "sell"
	}
	return Trade{
		TS:         ts,
		Asset:      asset,
		Quantity:   quantity,
		Price:      price,
		OrderLabel: orderLabel,
		total:      quantity.Mul(price).Neg(),
		desc:       verb + " " + string(asset),
	}, nil
}

// Timestamp implements Transaction.
func (t Trade) Timestamp() time.Time { return t.TS }

// Amount implements Transaction.
func (t Trade) Amount() decimal.Decimal { return t.total }

// Description implements Transaction.
func (t Trade) Description() string { return t.desc }
