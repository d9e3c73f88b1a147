package backtest

import (
	"time"

	"github.com/shopspring/decimal"
)

// Params carries loosely typed strategy parameters.
type Params map[string]any

// String returns the string parameter for key, or fallback when absent.
func (p Params) String(key, fallback string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return fallback
}

// Int returns the integer parameter for key, or fallback when absent.
func (p Params) Int(key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Float returns the float parameter for key, or fallback when absent.
func (p Params) Float(key string, fallback float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

// Decimal returns the decimal parameter for key, or fallback when absent or
// unparsable.
func (p Params) Decimal(key string, fallback decimal.Decimal) decimal.Decimal {
	switch v := p[key].(type) {
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	case int:
		return decimal.NewFromInt(int64(v))
	case int64:
		return decimal.NewFromInt(v)
	}
	return fallback
}

// Context is the capability surface handed to strategy callbacks: the current
// timestamp, the masked data view, parameters, queue append, and read access
// to the book and asset directories. Strategies never mutate books directly.
type Context struct {
	ts     time.Time
	view   *DataView
	params Params
	queue  *OrderQueue
	books  map[BookName]*Book
	assets map[AssetName]*Asset
}

// TS returns the current timestamp.
func (c *Context) TS() time.Time { return c.ts }

// Data returns the strategy's data view.
func (c *Context) Data() *DataView { return c.view }

// Params returns the strategy parameters.
func (c *Context) Params() Params { return c.params }

// Place appends an order to the shared queue.
func (c *Context) Place(o Order) { c.queue.Append(o) }

// Book returns the named book.
func (c *Context) Book(name BookName) (*Book, bool) {
	b, ok := c.books[name]
	return b, ok
}

// Asset returns the named asset.
func (c *Context) Asset(name AssetName) (*Asset, bool) {
	a, ok := c.assets[name]
	return a, ok
}

// Assets returns the asset directory.
func (c *Context) Assets() map[AssetName]*Asset {
	out := make(map[AssetName]*Asset, len(c.assets))
	for name, asset := range c.assets {
		out[name] = asset
	}
	return out
}

// Strategy is the trading strategy contract. Init runs once before the
// calendar starts and may enrich the data view; OnOpen and OnClose run every
// timestep with open-masked and unmasked data respectively.
type Strategy interface {
	Init(ctx *Context) error
	OnOpen(ctx *Context) error
	OnClose(ctx *Context) error
}
