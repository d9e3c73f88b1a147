package backtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quantmill/quantmill/errs"
	"github.com/quantmill/quantmill/internal/dataset"
	"github.com/quantmill/quantmill/internal/observability"
)

// Runner drives strategies, the order queue, and books across the calendar of
// table timestamps. It exclusively owns the books and directories for the
// lifetime of a run.
type Runner struct {
	// Table is the validated input price table.
	Table *dataset.Table
	// Assets registers every tradable instrument.
	Assets []*Asset
	// Strategies are invoked in order each timestep.
	Strategies []Strategy
	// Books available to strategies. When empty a single default book is
	// created carrying Mandates.
	Books []*Book
	// Mandates seeds the default book when Books is empty.
	Mandates map[AssetName]Mandate
	// Params are passed to every strategy.
	Params Params
}

// Result captures the outcome of a run: final books, terminal orders in
// resolution order, and any orders still awaiting execution.
type Result struct {
	Books             []*Book
	OrdersProcessed   []Order
	OrdersUnprocessed []Order
}

// TaggedTransaction is a booked transaction annotated with its book.
type TaggedTransaction struct {
	Book BookName
	Transaction
}

// TransactionHistory returns every booked transaction tagged with its book,
// concatenated in book order.
func (r *Result) TransactionHistory() []TaggedTransaction {
	var out []TaggedTransaction
	for _, book := range r.Books {
		for _, txn := range book.Transactions() {
			out = append(out, TaggedTransaction{Book: book.Name(), Transaction: txn})
		}
	}
	return out
}

// BookHistory returns each book's valuation history keyed by book name.
func (r *Result) BookHistory() map[BookName][]ValuationRecord {
	out := make(map[BookName][]ValuationRecord, len(r.Books))
	for _, book := range r.Books {
		out[book.Name()] = book.History()
	}
	return out
}

func (r *Runner) assetMap() (map[AssetName]*Asset, error) {
	assets := make(map[AssetName]*Asset, len(r.Assets))
	for _, asset := range r.Assets {
		if asset == nil || asset.Name == "" {
			return nil, errs.New("runner", errs.CodeConfig,
				errs.WithMessage("asset with empty name"))
		}
		if _, dup := assets[asset.Name]; dup {
			return nil, errs.New("runner", errs.CodeConfig,
				errs.WithMessage("duplicate asset name"),
				errs.WithDetail("asset", string(asset.Name)))
		}
		assets[asset.Name] = asset
	}
	return assets, nil
}

// checkData validates the table against the registered assets: every asset
// needs its label present with its required fields, and each asset's columns
// are reindexed to canonical field order. Extra fields are preserved.
func (r *Runner) checkData(assets map[AssetName]*Asset) error {
	var missing []string
	for _, name := range sortedAssetNames(assets) {
		asset := assets[name]
		label := asset.Label()
		if !r.Table.HasLabel(label) {
			for _, field := range asset.RequiredFields() {
				missing = append(missing, fmt.Sprintf("%s/%s", label, field))
			}
			continue
		}
		for _, field := range r.Table.MissingFields(label, asset.RequiredFields()) {
			missing = append(missing, fmt.Sprintf("%s/%s", label, field))
		}
	}
	if len(missing) > 0 {
		return errs.New("runner", errs.CodeSchema,
			errs.WithMessage("price table is missing required asset fields"),
			errs.WithDetail("missing", strings.Join(missing, ",")))
	}
	for _, asset := range assets {
		r.Table.ReindexFields(asset.Label())
	}
	return nil
}

func (r *Runner) setupBooks() ([]*Book, map[BookName]*Book, error) {
	books := r.Books
	if len(books) == 0 {
		books = []*Book{NewBook(BookConfig{
			Name:     DefaultBookName,
			Mandates: r.Mandates,
		})}
	}
	byName := make(map[BookName]*Book, len(books))
	for _, book := range books {
		if _, dup := byName[book.Name()]; dup {
			return nil, nil, errs.New("runner", errs.CodeConfig,
				errs.WithMessage("duplicate book name"),
				errs.WithDetail("book", string(book.Name())))
		}
		byName[book.Name()] = book
	}
	return books, byName, nil
}

// Run executes every strategy through the calendar and returns the
// accumulated result. Structural and configuration failures abort the run;
// mandate failures surface as order statuses instead.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if r.Table == nil || r.Table.Len() == 0 {
		return nil, errs.New("runner", errs.CodeSchema,
			errs.WithMessage("price table is empty"))
	}
	if len(r.Strategies) == 0 {
		return nil, errs.New("runner", errs.CodeConfig,
			errs.WithMessage("at least one strategy is required"))
	}
	assets, err := r.assetMap()
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, errs.New("runner", errs.CodeConfig,
			errs.WithMessage("at least one asset is required"))
	}
	if err := r.checkData(assets); err != nil {
		return nil, err
	}
	books, bookMap, err := r.setupBooks()
	if err != nil {
		return nil, err
	}

	log := observability.Log()
	metrics := observability.Telemetry()

	queue := NewOrderQueue()
	result := &Result{Books: books}

	// Each strategy owns a private copy of the table so init-time
	// enrichment stays invisible to the others.
	contexts := make([]*Context, len(r.Strategies))
	for i, strat := range r.Strategies {
		view := newDataView(r.Table.Clone(), assets)
		sctx := &Context{
			view:   view,
			params: r.Params,
			queue:  queue,
			books:  bookMap,
			assets: assets,
		}
		if err := strat.Init(sctx); err != nil {
			return nil, errs.New("runner", errs.CodeConfig,
				errs.WithMessage("strategy initialisation failed"),
				errs.WithCause(err))
		}
		view.lock()
		contexts[i] = sctx
	}

	calendar := r.Table.Timestamps()
	log.Info("run starting",
		observability.F("timesteps", len(calendar)),
		observability.F("strategies", len(r.Strategies)),
		observability.F("books", len(books)))

	for i, ts := range calendar {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Debug("processing timestep", observability.F("ts", ts.Format(time.RFC3339)))

		// Open phase: strategies see the open-masked window.
		for j, strat := range r.Strategies {
			sctx := contexts[j]
			sctx.ts = ts
			sctx.view.setWindow(ts)
			sctx.view.setMaskOpen(true)
			err := strat.OnOpen(sctx)
			sctx.view.setMaskOpen(false)
			if err != nil {
				return nil, errs.New("runner", errs.CodeConfig,
					errs.WithMessage("strategy on-open failed"),
					errs.WithCause(err))
			}
		}

		row := r.Table.Row(i)

		queue.SortByPriority()

		// Drain into resolved and next-timestep buffers; never mutate the
		// queue while iterating it.
		var nextTimestep []Order
		for {
			order, ok := queue.PopFront()
			if !ok {
				break
			}
			if order.resolvedBook() == nil {
				book, found := bookMap[order.bookName()]
				if !found {
					book = books[0]
				}
				order.attachBook(book)
			}
			if err := order.Apply(ts, row, assets); err != nil {
				return nil, err
			}
			nextTimestep = append(nextTimestep, order.Suborders()...)
			if order.Status() == StatusOpen {
				nextTimestep = append(nextTimestep, order)
			} else {
				result.OrdersProcessed = append(result.OrdersProcessed, order)
				metrics.IncCounter("orders_processed_total", 1, nil)
				if order.Status() == StatusMandateFailed {
					metrics.IncCounter("mandate_failures_total", 1, nil)
				}
			}
		}
		queue.Extend(nextTimestep)

		replaced := queue.RemoveDuplicateKeys()
		if len(replaced) > 0 {
			result.OrdersProcessed = append(result.OrdersProcessed, replaced...)
			metrics.IncCounter("orders_replaced_total", float64(len(replaced)), nil)
		}

		// Close phase: full rows visible.
		for j, strat := range r.Strategies {
			sctx := contexts[j]
			sctx.ts = ts
			sctx.view.setWindow(ts)
			if err := strat.OnClose(sctx); err != nil {
				return nil, errs.New("runner", errs.CodeConfig,
					errs.WithMessage("strategy on-close failed"),
					errs.WithCause(err))
			}
		}

		for _, book := range books {
			book.EODTasks(ts, row, assets)
		}
	}

	result.OrdersUnprocessed = queue.Snapshot()
	log.Info("run finished",
		observability.F("orders_processed", len(result.OrdersProcessed)),
		observability.F("orders_unprocessed", len(result.OrdersUnprocessed)))
	return result, nil
}

func sortedAssetNames(assets map[AssetName]*Asset) []AssetName {
	out := make([]AssetName, 0, len(assets))
	for name := range assets {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
