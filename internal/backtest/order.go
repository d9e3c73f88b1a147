package backtest

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantmill/quantmill/errs"
	"github.com/quantmill/quantmill/internal/dataset"
)

// OrderStatus tracks an order through the state machine. The zero value is
// OPEN; every other status is terminal.
type OrderStatus int

const (
	// StatusOpen marks an order still eligible for execution.
	StatusOpen OrderStatus = iota
	// StatusComplete marks an order whose trades were booked.
	StatusComplete
	// StatusCancelled marks an order cancelled by its pre-execution hook.
	StatusCancelled
	// StatusMandateFailed marks an order rejected by a book mandate.
	StatusMandateFailed
	// StatusReplaced marks an order superseded by a newer order with the
	// same key.
	StatusReplaced
)

// String returns the status name.
func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusComplete:
		return "COMPLETE"
	case StatusCancelled:
		return "CANCELLED"
	case StatusMandateFailed:
		return "MANDATE_FAILED"
	case StatusReplaced:
		return "REPLACED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool { return s != StatusOpen }

// OrderSizeType selects the convention for interpreting an order's size.
type OrderSizeType int

const (
	// SizeQuantity treats size as a raw quantity.
	SizeQuantity OrderSizeType = iota
	// SizeNotional treats size as a notional currency amount.
	SizeNotional
	// SizeBookPercent treats size as a percentage of book value.
	SizeBookPercent
)

// ParseOrderSizeType maps a case-insensitive name to a size type.
func ParseOrderSizeType(s string) (OrderSizeType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "QUANTITY":
		return SizeQuantity, nil
	case "NOTIONAL":
		return SizeNotional, nil
	case "BOOK_PERCENT":
		return SizeBookPercent, nil
	default:
		return SizeQuantity, errs.New("order", errs.CodeConfig,
			errs.WithMessage("unknown order size type"),
			errs.WithDetail("value", s))
	}
}

// String returns the size type name.
func (s OrderSizeType) String() string {
	switch s {
	case SizeNotional:
		return "NOTIONAL"
	case SizeBookPercent:
		return "BOOK_PERCENT"
	default:
		return "QUANTITY"
	}
}

// PreExecHook is consulted with the computed execution price before booking.
// Returning nil proceeds; returning a pointer to StatusOpen defers the order
// to the next timestep; any other status terminates the order unbooked.
type PreExecHook func(price decimal.Decimal) *OrderStatus

// BasketPreExecHook is the basket variant of PreExecHook, consulted with the
// per-asset execution prices in basket order.
type BasketPreExecHook func(prices []decimal.Decimal) *OrderStatus

// PostCompleteHook runs after an order's trades book successfully and may
// return child orders scheduled for the following timestep.
type PostCompleteHook func(trades []Trade) []Order

// Order is the shared application protocol for every order variant. Status
// transitions are driven solely by the runner during queue draining.
type Order interface {
	// ID returns the order's unique identifier, assigned on enqueue.
	ID() string
	// OrderKey returns the supersession key, empty when unkeyed.
	OrderKey() string
	// OrderLabel returns the matching/filtering label.
	OrderLabel() string
	// OrderPriority returns the execution priority; higher executes first.
	OrderPriority() int
	// Status returns the current lifecycle status.
	Status() OrderStatus
	// Apply executes the order against its resolved book.
	Apply(ts time.Time, row dataset.Row, assets map[AssetName]*Asset) error
	// Suborders drains child orders scheduled for the next timestep.
	Suborders() []Order

	ensureID()
	bookName() BookName
	resolvedBook() *Book
	attachBook(*Book)
	markReplaced()
}

// OrderState is the embedded shared state for every order variant.
type OrderState struct {
	// Key enables supersession: a newer queued order with the same key
	// replaces older ones.
	Key string
	// Label assists matching and filtering; it is stamped on trades.
	Label string
	// Priority orders execution within a timestep, higher first.
	Priority int
	// Book names the target book, resolved lazily with a fallback to the
	// runner's first book.
	Book BookName
	// TargetBook optionally pins the target book by reference.
	TargetBook *Book

	id        string
	status    OrderStatus
	suborders []Order
}

// ID implements Order.
func (s *OrderState) ID() string { return s.id }

// OrderKey implements Order.
func (s *OrderState) OrderKey() string { return s.Key }

// OrderLabel implements Order.
func (s *OrderState) OrderLabel() string { return s.Label }

// OrderPriority implements Order.
func (s *OrderState) OrderPriority() int { return s.Priority }

// Status implements Order.
func (s *OrderState) Status() OrderStatus { return s.status }

// Suborders implements Order, draining any scheduled child orders.
func (s *OrderState) Suborders() []Order {
	out := s.suborders
	s.suborders = nil
	return out
}

func (s *OrderState) ensureID() {
	if s.id == "" {
		s.id = uuid.NewString()
	}
}

func (s *OrderState) bookName() BookName { return s.Book }

func (s *OrderState) resolvedBook() *Book { return s.TargetBook }

func (s *OrderState) attachBook(b *Book) { s.TargetBook = b }

func (s *OrderState) markReplaced() { s.status = StatusReplaced }

// requireBook fails fatally when no book has been resolved for the order.
func (s *OrderState) requireBook() (*Book, error) {
	if s.TargetBook == nil {
		return nil, errs.New("order", errs.CodeConfig,
			errs.WithMessage("cannot apply order without a resolved book"),
			errs.WithDetail("book", string(s.Book)),
			errs.WithDetail("label", s.Label))
	}
	return s.TargetBook, nil
}

// settle submits the batch to the book's mandate test and, on success, books
// it and completes the order; on rejection the order fails its mandate.
func (s *OrderState) settle(book *Book, batch []Transaction) {
	if book.TestTransactions(batch) {
		book.AddTransactions(batch)
		s.status = StatusComplete
	} else {
		s.status = StatusMandateFailed
	}
}

// MarketOrder trades a single asset at the timestep's execution price.
type MarketOrder struct {
	OrderState

	// Asset names the traded asset.
	Asset AssetName
	// Size is interpreted per SizeType.
	Size decimal.Decimal
	// SizeType selects the sizing convention.
	SizeType OrderSizeType
	// PreExec, when set, is consulted with the execution price before any
	// trade is booked.
	PreExec PreExecHook
	// PostComplete, when set, runs after booking and may schedule child
	// orders for the next timestep.
	PostComplete PostCompleteHook
}

// sizing computes the rounded (quantity, price) pair for the order's asset.
func (o *MarketOrder) sizing(book *Book, row dataset.Row, assets map[AssetName]*Asset) (decimal.Decimal, decimal.Decimal, error) {
	asset, ok := assets[o.Asset]
	if !ok {
		return decimal.Zero, decimal.Zero, errs.New("order", errs.CodeNotFound,
			errs.WithMessage("order references unknown asset"),
			errs.WithDetail("asset", string(o.Asset)))
	}
	price, err := asset.IntradayTradedPrice(row)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var quantity decimal.Decimal
	switch o.SizeType {
	case SizeQuantity:
		quantity = o.Size
	case SizeNotional:
		quantity = o.Size.Div(price)
	case SizeBookPercent:
		quantity = book.Cash().Mul(o.Size).Div(decimal.NewFromInt(100)).Div(price)
	default:
		return decimal.Zero, decimal.Zero, errs.New("order", errs.CodeConfig,
			errs.WithMessage("unsupported size type"))
	}
	return asset.RoundQuantity(quantity), price, nil
}

// Apply implements Order.
func (o *MarketOrder) Apply(ts time.Time, row dataset.Row, assets map[AssetName]*Asset) error {
	book, err := o.requireBook()
	if err != nil {
		return err
	}
	quantity, price, err := o.sizing(book, row, assets)
	if err != nil {
		return err
	}

	if o.PreExec != nil {
		if next := o.PreExec(price); next != nil {
			o.status = *next
			return nil
		}
	}

	trade, err := NewTrade(ts, o.Asset, quantity, price, o.Label)
	if err != nil {
		return err
	}
	trades := []Trade{trade}

	o.settle(book, []Transaction{trade})
	if o.status == StatusComplete && o.PostComplete != nil {
		o.suborders = append(o.suborders, o.PostComplete(trades)...)
	}
	return nil
}
