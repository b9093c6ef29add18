package backtest

import (
	"fmt"

	"github.com/mtkit/toolbox/internal/gateway"
	"github.com/mtkit/toolbox/internal/terminal"
)

// Gateway is the trading surface strategies see inside a backtest. It
// delegates reads to the portfolio and data handler; orderSend becomes a
// Signal on the queue plus a synthetic accepted receipt. The real fill
// arrives later as a Fill event, so the receipt carries no fill price.
// Because this implements the same interface as the live gateway, the
// strategy code path is identical in both worlds.
type Gateway struct {
	data      *DataHandler
	portfolio *Portfolio
	queue     *Queue
}

// NewGateway wires the backtest trading surface.
func NewGateway(data *DataHandler, portfolio *Portfolio, queue *Queue) *Gateway {
	return &Gateway{data: data, portfolio: portfolio, queue: queue}
}

func (g *Gateway) AccountInfo() (*terminal.AccountInfo, error) {
	equity := g.portfolio.Equity()
	used := g.portfolio.UsedMargin()
	return &terminal.AccountInfo{
		Balance:    g.portfolio.Cash(),
		Equity:     equity,
		Profit:     equity - g.portfolio.Cash(),
		Margin:     used,
		MarginFree: equity - used,
	}, nil
}

func (g *Gateway) SymbolInfo(symbol string) (*terminal.SymbolInfo, error) {
	info := g.data.SymbolInfo(symbol)
	return &info, nil
}

// Tick synthesizes a spreadless quote from the current bar's close.
func (g *Gateway) Tick(symbol string) (*terminal.Tick, error) {
	bar, ok := g.data.CurrentBar(symbol)
	if !ok {
		return nil, fmt.Errorf("backtest: no current bar for %s", symbol)
	}
	return &terminal.Tick{Time: bar.Time, Bid: bar.Close, Ask: bar.Close, Last: bar.Close}, nil
}

func (g *Gateway) CopyRatesFromPos(symbol string, _ terminal.Timeframe, start, count int) ([]terminal.Bar, error) {
	bars := g.data.LatestBars(symbol, start+count)
	if start > 0 && start < len(bars) {
		bars = bars[:len(bars)-start]
	}
	return bars, nil
}

func (g *Gateway) Positions(symbol string) ([]terminal.Position, error) {
	var out []terminal.Position
	for _, pos := range g.portfolio.OpenPositions() {
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		t := terminal.OrderTypeBuy
		if pos.Direction == DirSell {
			t = terminal.OrderTypeSell
		}
		out = append(out, terminal.Position{
			Ticket:       pos.Ticket,
			Symbol:       pos.Symbol,
			Type:         t,
			Volume:       pos.Volume,
			PriceOpen:    pos.PriceOpen,
			PriceCurrent: pos.PriceCurrent,
			SL:           pos.SL,
			TP:           pos.TP,
			Profit:       pos.Profit,
			Time:         pos.OpenTime,
		})
	}
	return out, nil
}

// OrderCalcMargin prices the margin locked by volume lots at price under
// the scenario's leverage.
func (g *Gateway) OrderCalcMargin(_ terminal.TradeAction, _ string, volume, price float64) (float64, error) {
	return volume * price * ContractScale / g.portfolio.Leverage(), nil
}

// OrderSend converts a deal request into a Signal. Requests that reference
// an open position become Close signals; pendings are not modeled.
func (g *Gateway) OrderSend(req *terminal.TradeRequest) (*terminal.TradeResult, error) {
	if req.Action != terminal.ActionDeal {
		return &terminal.TradeResult{Retcode: 10013, Comment: "Unsupported in backtest"}, nil
	}
	sig := Signal{Symbol: req.Symbol, Strength: 1}
	switch {
	case req.Position != 0:
		sig.Direction = DirClose
	case req.Type == terminal.OrderTypeBuy:
		sig.Direction = DirBuy
	case req.Type == terminal.OrderTypeSell:
		sig.Direction = DirSell
	default:
		return &terminal.TradeResult{Retcode: 10013, Comment: "Unsupported in backtest"}, nil
	}
	g.queue.Push(sig)
	return &terminal.TradeResult{Retcode: terminal.RetcodeDone, Volume: req.Volume}, nil
}

var _ gateway.Gateway = (*Gateway)(nil)
