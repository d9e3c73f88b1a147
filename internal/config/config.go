// Package config manages run configuration loading and validation.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/quantmill/quantmill/internal/backtest"
)

// AssetConfig declares one tradable instrument and its data source.
type AssetConfig struct {
	Name             string `yaml:"name"`
	Denom            string `yaml:"denom"`
	DataFile         string `yaml:"dataFile"`
	DataLabel        string `yaml:"dataLabel"`
	PriceDecimals    *int32 `yaml:"priceDecimals"`
	QuantityDecimals *int32 `yaml:"quantityDecimals"`
}

// MandateConfig attaches a position constraint to an asset within a book.
type MandateConfig struct {
	Asset string `yaml:"asset"`
	Type  string `yaml:"type"`
	Limit string `yaml:"limit"`
}

// BookConfig declares one book with its starting cash and accrual settings.
type BookConfig struct {
	Name             string          `yaml:"name"`
	Denom            string          `yaml:"denom"`
	Cash             string          `yaml:"cash"`
	InterestRate     float64         `yaml:"interestRate"`
	InterestDecimals int32           `yaml:"interestDecimals"`
	Mandates         []MandateConfig `yaml:"mandates"`
}

// StrategyConfig selects a built-in strategy by name or a JS script by path.
type StrategyConfig struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Script string         `yaml:"script"`
	Params map[string]any `yaml:"params"`
}

// SweepConfig expands one parameter over a list of values; the cartesian
// product of all sweeps yields one run per combination.
type SweepConfig struct {
	Param  string `yaml:"param"`
	Values []any  `yaml:"values"`
}

// OutputConfig controls where and how results are written.
type OutputConfig struct {
	Path   string `yaml:"path"`
	Pretty bool   `yaml:"pretty"`
}

// RunConfig is the unified run configuration sourced from YAML.
type RunConfig struct {
	DataDir    string           `yaml:"dataDir"`
	Assets     []AssetConfig    `yaml:"assets"`
	Books      []BookConfig     `yaml:"books"`
	Strategies []StrategyConfig `yaml:"strategies"`
	Params     map[string]any   `yaml:"params"`
	Sweeps     []SweepConfig    `yaml:"sweeps"`
	Output     OutputConfig     `yaml:"output"`
}

// Load reads and validates a RunConfig from the provided YAML file.
func Load(configPath string) (RunConfig, error) {
	// #nosec G304 -- config path is operator provided.
	file, err := os.Open(configPath)
	if err != nil {
		return RunConfig{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return RunConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg RunConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}

	return cfg, nil
}

func (c *RunConfig) normalise() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.Output.Path = strings.TrimSpace(c.Output.Path)

	for i := range c.Assets {
		asset := &c.Assets[i]
		asset.Name = strings.TrimSpace(asset.Name)
		asset.DataFile = strings.TrimSpace(asset.DataFile)
		asset.DataLabel = strings.TrimSpace(asset.DataLabel)
		if asset.Denom == "" {
			asset.Denom = "USD"
		}
		if asset.DataFile == "" {
			asset.DataFile = asset.Name + ".csv"
		}
	}
	for i := range c.Books {
		book := &c.Books[i]
		book.Name = strings.TrimSpace(book.Name)
		if book.Denom == "" {
			book.Denom = "USD"
		}
		if book.InterestDecimals == 0 {
			book.InterestDecimals = 2
		}
	}
	for i := range c.Strategies {
		strat := &c.Strategies[i]
		strat.Type = strings.ToLower(strings.TrimSpace(strat.Type))
		strat.Script = strings.TrimSpace(strat.Script)
		if strat.Name == "" {
			strat.Name = fmt.Sprintf("strategy-%d", i)
		}
	}
}

// Validate performs semantic validation on the configuration.
func (c RunConfig) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one asset required")
	}
	seenAssets := make(map[string]bool, len(c.Assets))
	for _, asset := range c.Assets {
		if asset.Name == "" {
			return fmt.Errorf("asset name required")
		}
		if seenAssets[asset.Name] {
			return fmt.Errorf("duplicate asset %q", asset.Name)
		}
		seenAssets[asset.Name] = true
	}

	seenBooks := make(map[string]bool, len(c.Books))
	for _, book := range c.Books {
		if book.Name == "" {
			return fmt.Errorf("book name required")
		}
		if seenBooks[book.Name] {
			return fmt.Errorf("duplicate book %q", book.Name)
		}
		seenBooks[book.Name] = true
		if book.Cash != "" {
			if _, err := decimal.NewFromString(book.Cash); err != nil {
				return fmt.Errorf("book %q cash: %w", book.Name, err)
			}
		}
		for _, mandate := range book.Mandates {
			if !seenAssets[mandate.Asset] {
				return fmt.Errorf("book %q mandate references unknown asset %q", book.Name, mandate.Asset)
			}
			switch strings.ToLower(mandate.Type) {
			case "maxposition":
				if _, err := decimal.NewFromString(mandate.Limit); err != nil {
					return fmt.Errorf("book %q mandate limit: %w", book.Name, err)
				}
			case "longonly":
			default:
				return fmt.Errorf("book %q mandate type must be maxPosition or longOnly", book.Name)
			}
		}
	}

	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy required")
	}
	for _, strat := range c.Strategies {
		switch strat.Type {
		case "smaxo", "rebalance":
		case "script":
			if strat.Script == "" {
				return fmt.Errorf("strategy %q needs a script path", strat.Name)
			}
		default:
			return fmt.Errorf("strategy %q type must be smaxo, rebalance, or script", strat.Name)
		}
	}

	for _, sweep := range c.Sweeps {
		if strings.TrimSpace(sweep.Param) == "" {
			return fmt.Errorf("sweep param required")
		}
		if len(sweep.Values) == 0 {
			return fmt.Errorf("sweep %q needs at least one value", sweep.Param)
		}
	}
	return nil
}

// DataPath resolves an asset's data file against the configured data
// directory.
func (c RunConfig) DataPath(asset AssetConfig) string {
	if filepath.IsAbs(asset.DataFile) || c.DataDir == "" {
		return asset.DataFile
	}
	return filepath.Join(c.DataDir, asset.DataFile)
}

// BuildAssets materialises the engine assets from configuration.
func (c RunConfig) BuildAssets() []*backtest.Asset {
	assets := make([]*backtest.Asset, 0, len(c.Assets))
	for _, ac := range c.Assets {
		asset := backtest.NewAsset(backtest.AssetName(ac.Name), ac.Denom)
		if ac.DataLabel != "" {
			asset.DataLabel = ac.DataLabel
		}
		if ac.PriceDecimals != nil {
			asset.PriceDP = *ac.PriceDecimals
		}
		if ac.QuantityDecimals != nil {
			asset.QuantityDP = *ac.QuantityDecimals
		}
		assets = append(assets, asset)
	}
	return assets
}

// BuildBooks materialises the engine books from configuration. Callers must
// have validated the configuration first.
func (c RunConfig) BuildBooks() []*backtest.Book {
	books := make([]*backtest.Book, 0, len(c.Books))
	for _, bc := range c.Books {
		cash := decimal.Zero
		if bc.Cash != "" {
			cash, _ = decimal.NewFromString(bc.Cash)
		}
		mandates := make(map[backtest.AssetName]backtest.Mandate, len(bc.Mandates))
		for _, mc := range bc.Mandates {
			asset := backtest.AssetName(mc.Asset)
			switch strings.ToLower(mc.Type) {
			case "maxposition":
				limit, _ := decimal.NewFromString(mc.Limit)
				mandates[asset] = backtest.MaxPositionMandate{Limit: limit}
			case "longonly":
				mandates[asset] = backtest.LongOnlyMandate{}
			}
		}
		books = append(books, backtest.NewBook(backtest.BookConfig{
			Name:         backtest.BookName(bc.Name),
			Denom:        bc.Denom,
			Cash:         cash,
			Mandates:     mandates,
			InterestRate: bc.InterestRate,
			InterestDP:   bc.InterestDecimals,
		}))
	}
	return books
}

// SweepRuns expands the configured sweeps into one parameter set per
// combination, overlaying the base params. Without sweeps a single run with
// the base params is returned.
func (c RunConfig) SweepRuns() []backtest.Params {
	runs := []backtest.Params{cloneParams(c.Params)}
	for _, sweep := range c.Sweeps {
		expanded := make([]backtest.Params, 0, len(runs)*len(sweep.Values))
		for _, base := range runs {
			for _, value := range sweep.Values {
				next := cloneParams(base)
				next[sweep.Param] = value
				expanded = append(expanded, next)
			}
		}
		runs = expanded
	}
	return runs
}

func cloneParams(p map[string]any) backtest.Params {
	out := make(backtest.Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
