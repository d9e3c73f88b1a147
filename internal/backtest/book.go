package backtest

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantmill/quantmill/internal/dataset"
)

// BookName uniquely identifies a book within a run.
type BookName string

// DefaultBookName is used when a runner is configured without books.
const DefaultBookName BookName = "Main"

// ValuationRecord is one end-of-day history entry for a book.
type ValuationRecord struct {
	TS    time.Time
	Cash  decimal.Decimal
	MTM   decimal.Decimal
	Value decimal.Decimal
}

// BookConfig configures a new book.
type BookConfig struct {
	Name     BookName
	Denom    string
	Cash     decimal.Decimal
	Mandates map[AssetName]Mandate

	// InterestRate, when nonzero, accrues continuously compounded interest
	// on cash at end of day.
	InterestRate float64
	// InterestDP is the rounding precision for accrued interest.
	InterestDP int32
}

// Book is a per-entity ledger of positions, cash, and transactions, with an
// append-only valuation history. Cash and positions are exact decimals and
// are mutated only by transaction application and end-of-day accrual.
type Book struct {
	name         BookName
	denom        string
	mandates     map[AssetName]Mandate
	interestRate float64
	interestDP   int32

	cash         decimal.Decimal
	positions    map[AssetName]decimal.Decimal
	transactions []Transaction
	history      []ValuationRecord
}

// NewBook constructs an empty book from cfg.
func NewBook(cfg BookConfig) *Book {
	name := cfg.Name
	if name == "" {
		name = DefaultBookName
	}
	denom := cfg.Denom
	if denom == "" {
		denom = "USD"
	}
	mandates := make(map[AssetName]Mandate, len(cfg.Mandates))
	for asset, mandate := range cfg.Mandates {
		mandates[asset] = mandate
	}
	return &Book{
		name:         name,
		denom:        denom,
		mandates:     mandates,
		interestRate: cfg.InterestRate,
		interestDP:   cfg.InterestDP,
		cash:         cfg.Cash,
		positions:    make(map[AssetName]decimal.Decimal),
		transactions: nil,
		history:      nil,
	}
}

// Name returns the book's unique key.
func (b *Book) Name() BookName { return b.name }

// Denom returns the book currency.
func (b *Book) Denom() string { return b.denom }

// Cash returns the current cash value.
func (b *Book) Cash() decimal.Decimal { return b.cash }

// Position returns the signed position for asset, zero when never traded.
func (b *Book) Position(asset AssetName) decimal.Decimal {
	return b.positions[asset]
}

// Positions returns a copy of all nonzero positions.
func (b *Book) Positions() map[AssetName]decimal.Decimal {
	out := make(map[AssetName]decimal.Decimal, len(b.positions))
	for asset, quantity := range b.positions {
		if !quantity.IsZero() {
			out[asset] = quantity
		}
	}
	return out
}

// Transactions returns the booked transactions in application order.
func (b *Book) Transactions() []Transaction {
	out := make([]Transaction, len(b.transactions))
	copy(out, b.transactions)
	return out
}

// History returns the end-of-day valuation records in calendar order.
func (b *Book) History() []ValuationRecord {
	out := make([]ValuationRecord, len(b.history))
	copy(out, b.history)
	return out
}

// SetMandate registers or replaces the mandate for asset.
func (b *Book) SetMandate(asset AssetName, mandate Mandate) {
	b.mandates[asset] = mandate
}

// TestTransactions reports whether the whole batch passes every registered
// mandate. Trades are aggregated per asset before checking; a single
// rejection fails the batch so application stays all-or-nothing.
func (b *Book) TestTransactions(batch []Transaction) bool {
	totals := make(map[AssetName]decimal.Decimal)
	var order []AssetName
	for _, txn := range batch {
		trade, ok := txn.(Trade)
		if !ok {
			continue
		}
		if _, seen := totals[trade.Asset]; !seen {
			order = append(order, trade.Asset)
		}
		totals[trade.Asset] = totals[trade.Asset].Add(trade.Quantity)
	}
	for _, asset := range order {
		mandate, ok := b.mandates[asset]
		if !ok {
			continue
		}
		if !mandate.Check(b.positions[asset], totals[asset]) {
			return false
		}
	}
	return true
}

// AddTransactions applies the batch in input order. Callers must have passed
// the batch through TestTransactions first.
func (b *Book) AddTransactions(batch []Transaction) {
	for _, txn := range batch {
		b.transactions = append(b.transactions, txn)
		if trade, ok := txn.(Trade); ok {
			b.positions[trade.Asset] = b.positions[trade.Asset].Add(trade.Quantity)
		}
		b.cash = b.cash.Add(txn.Amount())
	}
}

// EODTasks accrues interest on cash when configured and appends the day's
// valuation record (cash, mark-to-market, total).
func (b *Book) EODTasks(ts time.Time, row dataset.Row, assets map[AssetName]*Asset) {
	if b.interestRate != 0 {
		interest := b.cash.Mul(decimal.NewFromFloat(math.Expm1(b.interestRate))).Round(b.interestDP)
		if !interest.IsZero() {
			b.AddTransactions([]Transaction{CashTransaction{
				TS:    ts,
				Total: interest,
				Desc:  "interest on cash",
			}})
		}
	}

	mtm := decimal.Zero
	for _, asset := range sortedPositionAssets(b.positions) {
		quantity := b.positions[asset]
		if quantity.IsZero() {
			continue
		}
		meta, ok := assets[asset]
		if !ok {
			continue
		}
		closePx := row.Value(meta.Label(), dataset.FieldClose)
		if math.IsNaN(closePx) {
			continue
		}
		mtm = mtm.Add(quantity.Mul(decimal.NewFromFloat(closePx)))
	}
	b.history = append(b.history, ValuationRecord{
		TS:    ts,
		Cash:  b.cash,
		MTM:   mtm,
		Value: b.cash.Add(mtm),
	})
}

func sortedPositionAssets(positions map[AssetName]decimal.Decimal) []AssetName {
	out := make([]AssetName, 0, len(positions))
	for asset := range positions {
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
