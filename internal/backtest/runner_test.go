package backtest

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantmill/quantmill/errs"
	"github.com/quantmill/quantmill/internal/dataset"
	"github.com/quantmill/quantmill/internal/observability"
)

type funcStrategy struct {
	init    func(*Context) error
	onOpen  func(*Context) error
	onClose func(*Context) error
}

func (s *funcStrategy) Init(ctx *Context) error {
	if s.init != nil {
		return s.init(ctx)
	}
	return nil
}

func (s *funcStrategy) OnOpen(ctx *Context) error {
	if s.onOpen != nil {
		return s.onOpen(ctx)
	}
	return nil
}

func (s *funcStrategy) OnClose(ctx *Context) error {
	if s.onClose != nil {
		return s.onClose(ctx)
	}
	return nil
}

func TestRunnerDeferredOrderFillsOnTargetPrice(t *testing.T) {
	table := closeOnlyTable(t, map[string][]float64{"GOOG": {95, 100, 85}})
	hook := func(price decimal.Decimal) *OrderStatus {
		if price.GreaterThan(dec("110")) {
			cancelled := StatusCancelled
			return &cancelled
		}
		if price.LessThan(dec("90")) {
			return nil
		}
		open := StatusOpen
		return &open
	}
	placed := false
	strat := &funcStrategy{onClose: func(ctx *Context) error {
		if !placed {
			placed = true
			ctx.Place(&MarketOrder{Asset: "GOOG", Size: dec("10"), PreExec: hook})
		}
		return nil
	}}

	runner := &Runner{
		Table:      table,
		Assets:     []*Asset{NewAsset("GOOG", "USD")},
		Strategies: []Strategy{strat},
	}
	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.OrdersProcessed) != 1 {
		t.Fatalf("expected 1 processed order, got %d", len(result.OrdersProcessed))
	}
	if got := result.OrdersProcessed[0].Status(); got != StatusComplete {
		t.Fatalf("expected COMPLETE, got %s", got)
	}
	if len(result.OrdersUnprocessed) != 0 {
		t.Fatalf("expected empty residue, got %d", len(result.OrdersUnprocessed))
	}

	book := result.Books[0]
	requireDecimalEqual(t, dec("10"), book.Position("GOOG"), "position")
	// fill happened on the third timestep at 85
	var trades int
	for _, txn := range book.Transactions() {
		if trade, ok := txn.(Trade); ok {
			trades++
			requireDecimalEqual(t, dec("85"), trade.Price, "fill price")
			if !trade.TS.Equal(day(2)) {
				t.Fatalf("fill timestamp %v, want %v", trade.TS, day(2))
			}
		}
	}
	if trades != 1 {
		t.Fatalf("expected exactly 1 trade, got %d", trades)
	}
}

func TestRunnerCreatesDefaultBook(t *testing.T) {
	table := closeOnlyTable(t, map[string][]float64{"GOOG": {100}})
	runner := &Runner{
		Table:      table,
		Assets:     []*Asset{NewAsset("GOOG", "USD")},
		Strategies: []Strategy{&funcStrategy{}},
		Mandates:   map[AssetName]Mandate{"GOOG": LongOnlyMandate{}},
	}
	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Books) != 1 || result.Books[0].Name() != DefaultBookName {
		t.Fatalf("expected single default book")
	}
	if len(result.Books[0].History()) != 1 {
		t.Fatalf("expected one valuation record per timestep")
	}
}

func TestRunnerRoutesOrdersByBookName(t *testing.T) {
	table := closeOnlyTable(t, map[string][]float64{"GOOG": {100, 100}})
	alpha := NewBook(BookConfig{Name: "Alpha", Cash: dec("10000")})
	beta := NewBook(BookConfig{Name: "Beta", Cash: dec("10000")})
	strat := &funcStrategy{onClose: func(ctx *Context) error {
		if ctx.TS().Equal(day(0)) {
			ctx.Place(&MarketOrder{OrderState: OrderState{Book: "Beta"}, Asset: "GOOG", Size: dec("2")})
			// unknown book falls back to the first configured book
			ctx.Place(&MarketOrder{OrderState: OrderState{Book: "Gamma"}, Asset: "GOOG", Size: dec("3")})
		}
		return nil
	}}
	runner := &Runner{
		Table:      table,
		Assets:     []*Asset{NewAsset("GOOG", "USD")},
		Strategies: []Strategy{strat},
		Books:      []*Book{alpha, beta},
	}
	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	requireDecimalEqual(t, dec("2"), beta.Position("GOOG"), "beta position")
	requireDecimalEqual(t, dec("3"), alpha.Position("GOOG"), "alpha fallback position")
}

func TestRunnerLeavesDeferredOrdersUnprocessed(t *testing.T) {
	table := closeOnlyTable(t, map[string][]float64{"GOOG": {100, 100}})
	open := StatusOpen
	strat := &funcStrategy{onClose: func(ctx *Context) error {
		if ctx.TS().Equal(day(0)) {
			ctx.Place(&MarketOrder{Asset: "GOOG", Size: dec("1"),
				PreExec: func(decimal.Decimal) *OrderStatus { return &open }})
		}
		return nil
	}}
	runner := &Runner{
		Table:      table,
		Assets:     []*Asset{NewAsset("GOOG", "USD")},
		Strategies: []Strategy{strat},
	}
	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.OrdersUnprocessed) != 1 {
		t.Fatalf("expected 1 unprocessed order, got %d", len(result.OrdersUnprocessed))
	}
	if got := result.OrdersUnprocessed[0].Status(); got != StatusOpen {
		t.Fatalf("residual order must stay OPEN, got %s", got)
	}
}

func TestRunnerSubordersExecuteNextTimestep(t *testing.T) {
	table := closeOnlyTable(t, map[string][]float64{"GOOG": {100, 100, 100}})
	strat := &funcStrategy{onClose: func(ctx *Context) error {
		if ctx.TS().Equal(day(0)) {
			ctx.Place(&MarketOrder{Asset: "GOOG", Size: dec("10"),
				PostComplete: func([]Trade) []Order {
					return []Order{&MarketOrder{Asset: "GOOG", Size: dec("-10")}}
				}})
		}
		return nil
	}}
	runner := &Runner{
		Table:      table,
		Assets:     []*Asset{NewAsset("GOOG", "USD")},
		Strategies: []Strategy{strat},
	}
	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.OrdersProcessed) != 2 {
		t.Fatalf("expected parent and child processed, got %d", len(result.OrdersProcessed))
	}
	book := result.Books[0]
	requireDecimalEqual(t, dec("0"), book.Position("GOOG"), "flat after suborder")

	trades := book.Transactions()
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if !trades[0].Timestamp().Equal(day(1)) || !trades[1].Timestamp().Equal(day(2)) {
		t.Fatalf("suborder must trade one timestep after its parent")
	}
}

func TestRunnerReplacesKeyedOrders(t *testing.T) {
	table := closeOnlyTable(t, map[string][]float64{"GOOG": {100, 100, 100}})
	open := StatusOpen
	deferAlways := func(decimal.Decimal) *OrderStatus { return &open }
	strat := &funcStrategy{onClose: func(ctx *Context) error {
		// one keyed order on each of the first two timesteps; after both
		// defer, the newer supersedes the older
		if ctx.TS().Before(day(2)) {
			ctx.Place(&MarketOrder{OrderState: OrderState{Key: "stop"}, Asset: "GOOG",
				Size: dec("1"), PreExec: deferAlways})
		}
		return nil
	}}
	runner := &Runner{
		Table:      table,
		Assets:     []*Asset{NewAsset("GOOG", "USD")},
		Strategies: []Strategy{strat},
	}
	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.OrdersUnprocessed) != 1 {
		t.Fatalf("expected 1 surviving keyed order, got %d", len(result.OrdersUnprocessed))
	}
	var replaced int
	for _, o := range result.OrdersProcessed {
		if o.Status() == StatusReplaced {
			replaced++
		}
	}
	if replaced != 1 {
		t.Fatalf("expected 1 replaced order, got %d", replaced)
	}
}

func TestRunnerStrategyViewsAreIsolated(t *testing.T) {
	table := closeOnlyTable(t, map[string][]float64{"GOOG": {100, 101}})
	enricher := &funcStrategy{init: func(ctx *Context) error {
		return ctx.Data().AddSeries("GOOG", "signal", []float64{1, 2})
	}}
	var sawSignal bool
	observer := &funcStrategy{onClose: func(ctx *Context) error {
		for _, f := range ctx.Data().Fields("GOOG") {
			if f == "signal" {
				sawSignal = true
			}
		}
		return nil
	}}
	runner := &Runner{
		Table:      table,
		Assets:     []*Asset{NewAsset("GOOG", "USD")},
		Strategies: []Strategy{enricher, observer},
	}
	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sawSignal {
		t.Fatalf("derived series must stay private to the installing strategy")
	}
	if table.HasField("GOOG", "signal") {
		t.Fatalf("input table must not be mutated")
	}
}

func TestRunnerValidatesMissingAssetData(t *testing.T) {
	table := closeOnlyTable(t, map[string][]float64{"GOOG": {100}})
	runner := &Runner{
		Table:      table,
		Assets:     []*Asset{NewAsset("GOOG", "USD"), NewAsset("MSFT", "USD")},
		Strategies: []Strategy{&funcStrategy{}},
	}
	_, err := runner.Run(context.Background())
	if !errs.IsCode(err, errs.CodeSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestRunnerRequiresStrategies(t *testing.T) {
	table := closeOnlyTable(t, map[string][]float64{"GOOG": {100}})
	runner := &Runner{
		Table:  table,
		Assets: []*Asset{NewAsset("GOOG", "USD")},
	}
	if _, err := runner.Run(context.Background()); !errs.IsCode(err, errs.CodeConfig) {
		t.Fatalf("expected config error without strategies")
	}
}

func TestRunnerHonoursContextCancellation(t *testing.T) {
	table := closeOnlyTable(t, map[string][]float64{"GOOG": {100, 100}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &Runner{
		Table:      table,
		Assets:     []*Asset{NewAsset("GOOG", "USD")},
		Strategies: []Strategy{&funcStrategy{}},
	}
	if _, err := runner.Run(ctx); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestRunnerCountsProcessedOrders(t *testing.T) {
	metrics := observability.NewMemoryMetrics()
	observability.SetMetrics(metrics)
	defer observability.SetMetrics(nil)

	table := closeOnlyTable(t, map[string][]float64{"GOOG": {100, 100}})
	strat := &funcStrategy{onClose: func(ctx *Context) error {
		if ctx.TS().Equal(day(0)) {
			ctx.Place(&MarketOrder{Asset: "GOOG", Size: dec("1")})
			ctx.Place(&MarketOrder{Asset: "GOOG", Size: dec("2")})
		}
		return nil
	}}
	runner := &Runner{
		Table:      table,
		Assets:     []*Asset{NewAsset("GOOG", "USD")},
		Strategies: []Strategy{strat},
	}
	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := metrics.Counter("orders_processed_total"); got != 2 {
		t.Fatalf("orders_processed_total = %v, want 2", got)
	}
	if got := metrics.Counter("mandate_failures_total"); got != 0 {
		t.Fatalf("mandate_failures_total = %v, want 0", got)
	}
}

func TestRunnerOpenPhaseMasksCloseData(t *testing.T) {
	table := ohlcTable(t, map[string]map[dataset.Field][]float64{
		"GOOG": {
			dataset.FieldOpen:  {10, 11},
			dataset.FieldHigh:  {12, 13},
			dataset.FieldLow:   {9, 10},
			dataset.FieldClose: {11, 12},
		},
	})
	var openPhaseCloses, closePhaseCloses []float64
	strat := &funcStrategy{
		onOpen: func(ctx *Context) error {
			openPhaseCloses = append(openPhaseCloses, ctx.Data().Last("GOOG", dataset.FieldClose))
			return nil
		},
		onClose: func(ctx *Context) error {
			closePhaseCloses = append(closePhaseCloses, ctx.Data().Last("GOOG", dataset.FieldClose))
			return nil
		},
	}
	runner := &Runner{
		Table:      table,
		Assets:     []*Asset{NewAsset("GOOG", "USD")},
		Strategies: []Strategy{strat},
	}
	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, v := range openPhaseCloses {
		requireNaN(t, v, "open-phase close")
	}
	if closePhaseCloses[0] != 11 || closePhaseCloses[1] != 12 {
		t.Fatalf("close-phase closes %v", closePhaseCloses)
	}
}
