// Command backtest replays strategies over historical CSV data according to a
// YAML run configuration and writes JSON results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/quantmill/quantmill/internal/backtest"
	"github.com/quantmill/quantmill/internal/config"
	"github.com/quantmill/quantmill/internal/dataset"
	"github.com/quantmill/quantmill/internal/observability"
	"github.com/quantmill/quantmill/internal/strategies"
)

func main() {
	configPath := flag.String("config", "", "Path to the run configuration (YAML)")
	outputPath := flag.String("output", "", "Result file path, overrides the configured one; '-' for stdout")
	workers := flag.Int("workers", 4, "Concurrent sweep runs")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	level := observability.LevelInfo
	if *verbose {
		level = observability.LevelDebug
	}
	logger := observability.NewTextLogger(os.Stderr, level)
	observability.SetLogger(logger)

	if *configPath == "" {
		fatal("config path is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if *outputPath != "" {
		cfg.Output.Path = *outputPath
	}

	table, err := loadTable(cfg)
	if err != nil {
		fatal("load data: %v", err)
	}

	scripts, err := loadScripts(cfg)
	if err != nil {
		fatal("load scripts: %v", err)
	}

	runs := cfg.SweepRuns()
	logger.Info("starting runs",
		observability.F("runs", len(runs)),
		observability.F("timesteps", table.Len()))

	reports := make([]*runReport, len(runs))
	var mu sync.Mutex
	var runErr error

	p := pool.New().WithMaxGoroutines(max(*workers, 1))
	for idx, params := range runs {
		i, runParams := idx, params
		p.Go(func() {
			report, err := runOne(context.Background(), cfg, table, scripts, runParams)
			if err != nil {
				mu.Lock()
				if runErr == nil {
					runErr = err
				}
				mu.Unlock()
				return
			}
			reports[i] = report
		})
	}
	p.Wait()
	if runErr != nil {
		fatal("run failed: %v", runErr)
	}

	if err := writeResults(cfg, reports); err != nil {
		fatal("write results: %v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// loadTable reads every asset's CSV and aligns the frames on the union of
// their timestamps.
func loadTable(cfg config.RunConfig) (*dataset.Table, error) {
	frames := make(map[string]dataset.Frame, len(cfg.Assets))
	for _, ac := range cfg.Assets {
		frame, err := dataset.ReadCSVFile(cfg.DataPath(ac))
		if err != nil {
			return nil, err
		}
		label := ac.DataLabel
		if label == "" {
			label = ac.Name
		}
		frames[label] = frame
	}
	return dataset.BuildTable(frames)
}

// loadScripts reads strategy script sources up front so every sweep run can
// compile its own instance.
func loadScripts(cfg config.RunConfig) (map[string]string, error) {
	sources := make(map[string]string)
	for _, sc := range cfg.Strategies {
		if sc.Type != "script" {
			continue
		}
		// #nosec G304 -- script path is operator provided via configuration.
		body, err := os.ReadFile(sc.Script)
		if err != nil {
			return nil, fmt.Errorf("read script %s: %w", sc.Script, err)
		}
		sources[sc.Script] = string(body)
	}
	return sources, nil
}

// buildStrategies constructs fresh strategy instances; strategies carry
// per-run state so each sweep run gets its own set.
func buildStrategies(cfg config.RunConfig, scripts map[string]string) ([]backtest.Strategy, error) {
	out := make([]backtest.Strategy, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		switch sc.Type {
		case "smaxo":
			out = append(out, &strategies.SMAXO{})
		case "rebalance":
			strat := &strategies.Rebalance{}
			for _, ac := range cfg.Assets {
				strat.Assets = append(strat.Assets, backtest.AssetName(ac.Name))
			}
			weights := backtest.Params(sc.Params)
			for _, name := range strat.Assets {
				strat.Weights = append(strat.Weights,
					weights.Decimal("weight."+string(name), decimal.Zero))
			}
			out = append(out, strat)
		case "script":
			strat, err := strategies.NewScriptStrategy(sc.Script, scripts[sc.Script])
			if err != nil {
				return nil, err
			}
			out = append(out, strat)
		default:
			return nil, fmt.Errorf("unknown strategy type %q", sc.Type)
		}
	}
	return out, nil
}

// runOne executes a single parameter combination with fresh books,
// strategies, and a private copy of the table.
func runOne(ctx context.Context, cfg config.RunConfig, table *dataset.Table, scripts map[string]string, params backtest.Params) (*runReport, error) {
	strats, err := buildStrategies(cfg, scripts)
	if err != nil {
		return nil, err
	}
	// strategy params may be layered under the sweep params
	merged := make(backtest.Params, len(params))
	for k, v := range params {
		merged[k] = v
	}
	for _, sc := range cfg.Strategies {
		for k, v := range sc.Params {
			if _, set := merged[k]; !set {
				merged[k] = v
			}
		}
	}

	runner := &backtest.Runner{
		Table:      table.Clone(),
		Assets:     cfg.BuildAssets(),
		Strategies: strats,
		Books:      cfg.BuildBooks(),
		Params:     merged,
	}
	started := time.Now()
	result, err := runner.Run(ctx)
	if err != nil {
		return nil, err
	}
	return buildReport(params, result, time.Since(started)), nil
}

type orderReport struct {
	ID     string `json:"id"`
	Label  string `json:"label,omitempty"`
	Key    string `json:"key,omitempty"`
	Status string `json:"status"`
}

type transactionReport struct {
	Book        string    `json:"book"`
	TS          time.Time `json:"ts"`
	Amount      string    `json:"amount"`
	Description string    `json:"description"`
}

type valuationReport struct {
	TS    time.Time `json:"ts"`
	Cash  string    `json:"cash"`
	MTM   string    `json:"mtm"`
	Value string    `json:"value"`
}

type bookReport struct {
	Name      string            `json:"name"`
	Cash      string            `json:"cash"`
	Positions map[string]string `json:"positions"`
	History   []valuationReport `json:"history"`
}

type runReport struct {
	Params            map[string]any      `json:"params,omitempty"`
	Elapsed           string              `json:"elapsed"`
	Books             []bookReport        `json:"books"`
	Transactions      []transactionReport `json:"transactions"`
	OrdersProcessed   []orderReport       `json:"ordersProcessed"`
	OrdersUnprocessed []orderReport       `json:"ordersUnprocessed"`
}

func buildReport(params backtest.Params, result *backtest.Result, elapsed time.Duration) *runReport {
	report := &runReport{
		Params:  params,
		Elapsed: elapsed.String(),
	}
	for _, book := range result.Books {
		positions := make(map[string]string)
		for asset, quantity := range book.Positions() {
			positions[string(asset)] = quantity.String()
		}
		history := make([]valuationReport, 0, len(book.History()))
		for _, rec := range book.History() {
			history = append(history, valuationReport{
				TS:    rec.TS,
				Cash:  rec.Cash.String(),
				MTM:   rec.MTM.String(),
				Value: rec.Value.String(),
			})
		}
		report.Books = append(report.Books, bookReport{
			Name:      string(book.Name()),
			Cash:      book.Cash().String(),
			Positions: positions,
			History:   history,
		})
	}
	for _, tagged := range result.TransactionHistory() {
		report.Transactions = append(report.Transactions, transactionReport{
			Book:        string(tagged.Book),
			TS:          tagged.Timestamp(),
			Amount:      tagged.Amount().String(),
			Description: tagged.Description(),
		})
	}
	report.OrdersProcessed = orderReports(result.OrdersProcessed)
	report.OrdersUnprocessed = orderReports(result.OrdersUnprocessed)
	return report
}

func orderReports(orders []backtest.Order) []orderReport {
	out := make([]orderReport, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderReport{
			ID:     o.ID(),
			Label:  o.OrderLabel(),
			Key:    o.OrderKey(),
			Status: o.Status().String(),
		})
	}
	return out
}

func writeResults(cfg config.RunConfig, reports []*runReport) error {
	var body []byte
	var err error
	if cfg.Output.Pretty {
		body, err = json.MarshalIndent(reports, "", "  ")
	} else {
		body, err = json.Marshal(reports)
	}
	if err != nil {
		return err
	}
	body = append(body, '\n')

	if cfg.Output.Path == "" || cfg.Output.Path == "-" {
		_, err = os.Stdout.Write(body)
		return err
	}
	return os.WriteFile(cfg.Output.Path, body, 0o644)
}
