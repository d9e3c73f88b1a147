package backtest

import "github.com/shopspring/decimal"

// Mandate constrains trading on a single asset within a book. Check receives
// the book's current position and the aggregate quantity a batch proposes to
// trade and reports whether the batch is acceptable.
type Mandate interface {
	Check(currentPos, quantity decimal.Decimal) bool
}

// MaxPositionMandate rejects batches that would push the absolute position
// beyond a limit.
type MaxPositionMandate struct {
	Limit decimal.Decimal
}

// Check implements Mandate.
func (m MaxPositionMandate) Check(currentPos, quantity decimal.Decimal) bool {
	return currentPos.Add(quantity).Abs().LessThanOrEqual(m.Limit)
}

// LongOnlyMandate rejects batches that would leave the position short.
type LongOnlyMandate struct{}

// Check implements Mandate.
func (LongOnlyMandate) Check(currentPos, quantity decimal.Decimal) bool {
	return !currentPos.Add(quantity).IsNegative()
}
