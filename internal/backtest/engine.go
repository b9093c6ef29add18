package backtest

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mtkit/toolbox/internal/strategy"
)

// Engine drives the single-threaded event loop. With the same inputs it
// produces the same report every run.
type Engine struct {
	data      *DataHandler
	portfolio *Portfolio
	execution *ExecutionHandler
	queue     *Queue
	strat     strategy.Strategy
	log       *logrus.Entry
}

// NewEngine assembles a backtest run.
func NewEngine(data *DataHandler, portfolio *Portfolio, execution *ExecutionHandler, queue *Queue, strat strategy.Strategy, logger *logrus.Logger) *Engine {
	return &Engine{
		data:      data,
		portfolio: portfolio,
		execution: execution,
		queue:     queue,
		strat:     strat,
		log:       logger.WithField("component", "backtest"),
	}
}

// Run replays all bars and returns the report.
func (e *Engine) Run() (*Report, error) {
	if err := e.strat.OnInit(); err != nil {
		return nil, fmt.Errorf("backtest: strategy init: %w", err)
	}
	defer e.strat.OnDeinit()

	e.data.UpdateBars(e.queue)
	for !e.queue.Empty() || e.data.Continue() {
		ev, ok := e.queue.Pop()
		if !ok {
			e.data.UpdateBars(e.queue)
			continue
		}
		switch ev := ev.(type) {
		case Market:
			e.portfolio.OnMarket(ev)
			e.strat.OnBar(strategy.MarketEvent{Symbol: ev.Symbol, Time: ev.Time})
			e.data.UpdateBars(e.queue)
		case Signal:
			e.portfolio.OnSignal(ev, e.queue)
		case Order:
			e.execution.ExecuteOrder(ev, e.queue)
		case Fill:
			e.portfolio.OnFill(ev)
		}
	}

	report := buildReport(e.portfolio.initialCash, e.portfolio.Equity(), e.portfolio.Trades())
	e.log.Infof("backtest finished: %d trades, final equity %.2f", report.TotalTrades, report.FinalEquity)
	return report, nil
}
