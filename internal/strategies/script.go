package strategies

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/quantmill/quantmill/errs"
	"github.com/quantmill/quantmill/internal/backtest"
	"github.com/quantmill/quantmill/internal/dataset"
	"github.com/quantmill/quantmill/internal/observability"
)

// ScriptStrategy hosts a JavaScript strategy in an embedded goja runtime. The
// script defines a global `create(env)` returning a handler object with
// optional `init`, `onOpen`, and `onClose` functions, each receiving a bridge
// to the data view and order placement:
//
//	function create(env) {
//	    return {
//	        onClose: function (ctx) {
//	            if (ctx.last("GOOG", "Close") < 90) {
//	                ctx.placeOrder({asset: "GOOG", size: 10});
//	            }
//	        },
//	    };
//	}
//
// The runtime is single-threaded like the engine itself; one instance must
// not be shared between concurrent runs.
type ScriptStrategy struct {
	name    string
	program *goja.Program

	vm      *goja.Runtime
	onInit  goja.Callable
	onOpen  goja.Callable
	onClose goja.Callable
}

// NewScriptStrategy compiles source into a reusable strategy. The name is
// used for script error reporting.
func NewScriptStrategy(name, source string) (*ScriptStrategy, error) {
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, errs.New("strategy", errs.CodeScript,
			errs.WithMessage("compile strategy script"),
			errs.WithDetail("script", name),
			errs.WithCause(err))
	}
	return &ScriptStrategy{name: name, program: program}, nil
}

// Init evaluates the script, calls create(env), and runs the handler's init
// function when present.
func (s *ScriptStrategy) Init(ctx *backtest.Context) error {
	s.vm = goja.New()
	s.vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	if _, err := s.vm.RunProgram(s.program); err != nil {
		return s.scriptError("evaluate", err)
	}
	create, ok := goja.AssertFunction(s.vm.Get("create"))
	if !ok {
		return errs.New("strategy", errs.CodeScript,
			errs.WithMessage("script must define a create(env) function"),
			errs.WithDetail("script", s.name))
	}

	log := observability.Log()
	env := map[string]any{
		"params": map[string]any(ctx.Params()),
		"log": func(msg string) {
			log.Info(msg, observability.F("script", s.name))
		},
	}
	value, err := create(goja.Undefined(), s.vm.ToValue(env))
	if err != nil {
		return s.scriptError("create", err)
	}
	handler := value.ToObject(s.vm)
	if handler == nil {
		return errs.New("strategy", errs.CodeScript,
			errs.WithMessage("create must return a handler object"),
			errs.WithDetail("script", s.name))
	}
	s.onInit, _ = goja.AssertFunction(handler.Get("init"))
	s.onOpen, _ = goja.AssertFunction(handler.Get("onOpen"))
	s.onClose, _ = goja.AssertFunction(handler.Get("onClose"))

	if s.onInit != nil {
		if _, err := s.onInit(goja.Undefined(), s.bridge(ctx, true)); err != nil {
			return s.scriptError("init", err)
		}
	}
	return nil
}

// OnOpen implements backtest.Strategy.
func (s *ScriptStrategy) OnOpen(ctx *backtest.Context) error {
	if s.onOpen == nil {
		return nil
	}
	if _, err := s.onOpen(goja.Undefined(), s.bridge(ctx, false)); err != nil {
		return s.scriptError("onOpen", err)
	}
	return nil
}

// OnClose implements backtest.Strategy.
func (s *ScriptStrategy) OnClose(ctx *backtest.Context) error {
	if s.onClose == nil {
		return nil
	}
	if _, err := s.onClose(goja.Undefined(), s.bridge(ctx, false)); err != nil {
		return s.scriptError("onClose", err)
	}
	return nil
}

func (s *ScriptStrategy) scriptError(phase string, err error) error {
	return errs.New("strategy", errs.CodeScript,
		errs.WithMessage("strategy script failed"),
		errs.WithDetail("script", s.name),
		errs.WithDetail("phase", phase),
		errs.WithCause(err))
}

// bridge builds the per-callback context object handed to the script.
func (s *ScriptStrategy) bridge(ctx *backtest.Context, initPhase bool) goja.Value {
	view := ctx.Data()
	obj := map[string]any{
		"ts":   func() string { return ctx.TS().Format(time.RFC3339) },
		"rows": func() int { return view.Len() },
		"value": func(label, field string, i int) float64 {
			return view.Value(label, dataset.Field(field), i)
		},
		"last": func(label, field string) float64 {
			return view.Last(label, dataset.Field(field))
		},
		"series": func(label, field string) []float64 {
			return view.Series(label, dataset.Field(field))
		},
		"cash": func(book string) float64 {
			b, ok := ctx.Book(backtest.BookName(book))
			if !ok {
				return 0
			}
			return b.Cash().InexactFloat64()
		},
		"position": func(book, asset string) float64 {
			b, ok := ctx.Book(backtest.BookName(book))
			if !ok {
				return 0
			}
			return b.Position(backtest.AssetName(asset)).InexactFloat64()
		},
	}
	if initPhase {
		obj["addSeries"] = func(call goja.FunctionCall) goja.Value {
			label := call.Argument(0).String()
			field := call.Argument(1).String()
			var values []float64
			if err := s.vm.ExportTo(call.Argument(2), &values); err != nil {
				panic(s.vm.NewGoError(err))
			}
			if err := view.AddSeries(label, dataset.Field(field), values); err != nil {
				panic(s.vm.NewGoError(err))
			}
			return goja.Undefined()
		}
	}
	obj["placeOrder"] = func(call goja.FunctionCall) goja.Value {
		order, err := s.buildOrder(call.Argument(0))
		if err != nil {
			panic(s.vm.NewGoError(err))
		}
		ctx.Place(order)
		return goja.Undefined()
	}
	return s.vm.ToValue(obj)
}

// buildOrder converts a script order spec into an engine order.
func (s *ScriptStrategy) buildOrder(value goja.Value) (backtest.Order, error) {
	spec := value.ToObject(s.vm)
	if spec == nil {
		return nil, fmt.Errorf("placeOrder needs an order object")
	}

	str := func(key string) string {
		v := spec.Get(key)
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return ""
		}
		return v.String()
	}

	asset := str("asset")
	if asset == "" {
		return nil, fmt.Errorf("order asset required")
	}
	size, err := scriptDecimal(spec.Get("size"))
	if err != nil {
		return nil, fmt.Errorf("order size: %w", err)
	}
	sizeType, err := backtest.ParseOrderSizeType(str("sizeType"))
	if err != nil {
		return nil, err
	}

	priority := 0
	if v := spec.Get("priority"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		priority = int(v.ToInteger())
	}
	state := backtest.OrderState{
		Key:      str("key"),
		Label:    str("label"),
		Priority: priority,
		Book:     backtest.BookName(str("book")),
	}
	market := backtest.MarketOrder{
		OrderState: state,
		Asset:      backtest.AssetName(asset),
		Size:       size,
		SizeType:   sizeType,
	}

	if spec.Get("positional") != nil && spec.Get("positional").ToBoolean() {
		check, err := backtest.ParsePositionalOrderCheck(str("check"))
		if err != nil {
			return nil, err
		}
		return &backtest.PositionalOrder{MarketOrder: market, CheckType: check}, nil
	}
	return &market, nil
}

func scriptDecimal(value goja.Value) (decimal.Decimal, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return decimal.Zero, fmt.Errorf("value required")
	}
	return decimal.NewFromString(value.String())
}
