package backtest

import "testing"

func TestPositionalOrderOpensTargetPosition(t *testing.T) {
	row, assets, book := singleAssetFixture(t, 100)
	order := &PositionalOrder{MarketOrder: MarketOrder{Asset: "GOOG", Size: dec("10")}}
	order.TargetBook = book

	if err := order.Apply(day(0), row, assets); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if order.Status() != StatusComplete {
		t.Fatalf("expected COMPLETE, got %s", order.Status())
	}
	requireDecimalEqual(t, dec("10"), book.Position("GOOG"), "position")
	if len(book.Transactions()) != 1 {
		t.Fatalf("expected single opening trade, got %d", len(book.Transactions()))
	}
}

func TestPositionalOrderIsIdempotent(t *testing.T) {
	row, assets, book := singleAssetFixture(t, 100)
	first := &PositionalOrder{MarketOrder: MarketOrder{Asset: "GOOG", Size: dec("10")}}
	first.TargetBook = book
	if err := first.Apply(day(0), row, assets); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	second := &PositionalOrder{MarketOrder: MarketOrder{Asset: "GOOG", Size: dec("10")}}
	second.TargetBook = book
	if err := second.Apply(day(1), row, assets); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if second.Status() != StatusComplete {
		t.Fatalf("expected COMPLETE on no-op, got %s", second.Status())
	}
	if len(book.Transactions()) != 1 {
		t.Fatalf("no-op order must not add trades, got %d", len(book.Transactions()))
	}
	requireDecimalEqual(t, dec("10"), book.Position("GOOG"), "position")
}

func TestPositionalOrderClosesAndReopens(t *testing.T) {
	row, assets, book := singleAssetFixture(t, 100)
	open := &PositionalOrder{MarketOrder: MarketOrder{Asset: "GOOG", Size: dec("10")}}
	open.TargetBook = book
	if err := open.Apply(day(0), row, assets); err != nil {
		t.Fatalf("open apply: %v", err)
	}

	flip := &PositionalOrder{MarketOrder: MarketOrder{Asset: "GOOG", Size: dec("-4")}}
	flip.TargetBook = book
	if err := flip.Apply(day(1), row, assets); err != nil {
		t.Fatalf("flip apply: %v", err)
	}
	requireDecimalEqual(t, dec("-4"), book.Position("GOOG"), "position after flip")
	// open, then close(-10) + reopen(-4)
	if len(book.Transactions()) != 3 {
		t.Fatalf("expected 3 trades, got %d", len(book.Transactions()))
	}
}

func TestPositionalOrderZeroTargetFlattens(t *testing.T) {
	row, assets, book := singleAssetFixture(t, 100)
	open := &PositionalOrder{MarketOrder: MarketOrder{Asset: "GOOG", Size: dec("10")}}
	open.TargetBook = book
	if err := open.Apply(day(0), row, assets); err != nil {
		t.Fatalf("open apply: %v", err)
	}

	flat := &PositionalOrder{MarketOrder: MarketOrder{Asset: "GOOG", Size: dec("0")}}
	flat.TargetBook = book
	if err := flat.Apply(day(1), row, assets); err != nil {
		t.Fatalf("flatten apply: %v", err)
	}
	if flat.Status() != StatusComplete {
		t.Fatalf("expected COMPLETE, got %s", flat.Status())
	}
	requireDecimalEqual(t, dec("0"), book.Position("GOOG"), "position flattened")
}

func TestPositionalOrderZeroPositionCheck(t *testing.T) {
	row, assets, book := singleAssetFixture(t, 100)
	entry := &PositionalOrder{
		MarketOrder: MarketOrder{Asset: "GOOG", Size: dec("10")},
		CheckType:   CheckZeroPosition,
	}
	entry.TargetBook = book
	if err := entry.Apply(day(0), row, assets); err != nil {
		t.Fatalf("entry apply: %v", err)
	}
	requireDecimalEqual(t, dec("10"), book.Position("GOOG"), "entry position")

	// with a live position the ZERO_POS order completes without trading
	repeat := &PositionalOrder{
		MarketOrder: MarketOrder{Asset: "GOOG", Size: dec("25")},
		CheckType:   CheckZeroPosition,
	}
	repeat.TargetBook = book
	if err := repeat.Apply(day(1), row, assets); err != nil {
		t.Fatalf("repeat apply: %v", err)
	}
	if repeat.Status() != StatusComplete {
		t.Fatalf("expected COMPLETE, got %s", repeat.Status())
	}
	requireDecimalEqual(t, dec("10"), book.Position("GOOG"), "position unchanged")
}

func TestParsePositionalOrderCheck(t *testing.T) {
	if got, err := ParsePositionalOrderCheck("zero_pos"); err != nil || got != CheckZeroPosition {
		t.Fatalf("zero_pos: got %v, %v", got, err)
	}
	if got, err := ParsePositionalOrderCheck(""); err != nil || got != CheckPositionDiffers {
		t.Fatalf("default: got %v, %v", got, err)
	}
	if _, err := ParsePositionalOrderCheck("nope"); err == nil {
		t.Fatalf("expected error for unknown check type")
	}
}
