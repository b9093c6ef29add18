package backtest

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/mtkit/toolbox/internal/barstore"
	"github.com/mtkit/toolbox/internal/strategy"
	"github.com/mtkit/toolbox/internal/terminal"
)

// Scenario is one backtest run description loaded from yaml.
type Scenario struct {
	Symbol         string            `yaml:"symbol"`
	Timeframe      string            `yaml:"timeframe"`
	From           string            `yaml:"from"`
	To             string            `yaml:"to"`
	Cash           float64           `yaml:"cash"`
	Leverage       float64           `yaml:"leverage"`
	Commission     float64           `yaml:"commission"`
	SlippagePoints float64           `yaml:"slippage_points"`
	Strategy       string            `yaml:"strategy"`
	Params         map[string]string `yaml:"params"`
	Point          float64           `yaml:"point"`
}

// LoadScenario reads and validates a scenario file. Unknown keys are
// rejected so typos surface instead of silently using defaults.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backtest: read scenario: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("backtest: parse scenario %s: %w", path, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks required fields and fills defaults.
func (sc *Scenario) Validate() error {
	if sc.Symbol == "" {
		return fmt.Errorf("backtest: scenario needs a symbol")
	}
	if sc.Strategy == "" {
		return fmt.Errorf("backtest: scenario needs a strategy")
	}
	if sc.Timeframe == "" {
		sc.Timeframe = "H1"
	}
	if _, err := terminal.ParseTimeframe(sc.Timeframe); err != nil {
		return fmt.Errorf("backtest: scenario: %w", err)
	}
	if sc.Cash <= 0 {
		sc.Cash = 10000
	}
	if sc.Leverage <= 0 {
		sc.Leverage = 100
	}
	for _, field := range []struct{ name, val string }{{"from", sc.From}, {"to", sc.To}} {
		if field.val == "" {
			return fmt.Errorf("backtest: scenario needs %s date", field.name)
		}
		if _, err := time.Parse("2006-01-02", field.val); err != nil {
			return fmt.Errorf("backtest: scenario %s: %w", field.name, err)
		}
	}
	return nil
}

// RunScenario loads bars from the store and runs the scenario end to end.
func RunScenario(sc *Scenario, store *barstore.Store, logger *logrus.Logger) (*Report, error) {
	tf, err := terminal.ParseTimeframe(sc.Timeframe)
	if err != nil {
		return nil, err
	}
	from, _ := time.Parse("2006-01-02", sc.From)
	to, _ := time.Parse("2006-01-02", sc.To)

	data, err := NewDataHandler(store, []string{sc.Symbol}, tf, from, to.Add(24*time.Hour-time.Second))
	if err != nil {
		return nil, err
	}
	if sc.Point > 0 {
		data.SetSymbolInfo(terminal.SymbolInfo{
			Name: sc.Symbol, Point: sc.Point, Digits: 5,
			VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01,
		})
	}

	queue := &Queue{}
	portfolio := NewPortfolio(sc.Cash, sc.Leverage, data, logger)
	execution := NewExecutionHandler(data, sc.Commission, sc.SlippagePoints, logger)
	gw := NewGateway(data, portfolio, queue)

	info, factory, err := strategy.Lookup(sc.Strategy)
	if err != nil {
		return nil, err
	}
	params := info.Schema.Merge(logger.WithField("component", "backtest"), sc.Params)
	strat := factory(gw, sc.Symbol, tf, params)

	return NewEngine(data, portfolio, execution, queue, strat, logger).Run()
}
