package backtest

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContractScale converts (price delta × lots) to account currency.
const ContractScale = 100000.0

// defaultSignalLot is the fixed sizing applied to strategy signals. Richer
// sizing policies are future work.
const defaultSignalLot = 0.1

// Position is one open backtest position.
type Position struct {
	Ticket       int64
	TradeID      string
	Symbol       string
	Direction    Direction
	Volume       float64
	PriceOpen    float64
	PriceCurrent float64
	SL           float64
	TP           float64
	Profit       float64
	OpenTime     time.Time

	entryCommission float64
}

// TradeRecord is one realized round trip.
type TradeRecord struct {
	ID         string
	Symbol     string
	Direction  Direction
	Volume     float64
	PriceOpen  float64
	PriceClose float64
	OpenTime   time.Time
	CloseTime  time.Time
	Gross      float64
	Commission float64
	Net        float64
}

// Portfolio tracks cash, open positions and realized trades. The invariant
// equity == cash + sum of open profits holds after every event.
type Portfolio struct {
	initialCash float64
	cash        float64
	leverage    float64
	data        *DataHandler
	positions   map[string]*Position
	trades      []TradeRecord
	nextTicket  int64
	log         *logrus.Entry
}

// NewPortfolio starts with equity == cash == initialCash.
func NewPortfolio(initialCash, leverage float64, data *DataHandler, logger *logrus.Logger) *Portfolio {
	return &Portfolio{
		initialCash: initialCash,
		cash:        initialCash,
		leverage:    leverage,
		data:        data,
		positions:   make(map[string]*Position),
		nextTicket:  1,
		log:         logger.WithField("component", "backtest"),
	}
}

// Cash returns the free cash balance.
func (p *Portfolio) Cash() float64 { return p.cash }

// Leverage returns the account leverage.
func (p *Portfolio) Leverage() float64 { return p.leverage }

// UsedMargin sums the margin locked by open positions.
func (p *Portfolio) UsedMargin() float64 {
	var used float64
	for _, pos := range p.positions {
		used += pos.Volume * pos.PriceOpen * ContractScale / p.leverage
	}
	return used
}

// Equity is cash plus the sum of open position profits.
func (p *Portfolio) Equity() float64 {
	eq := p.cash
	for _, pos := range p.positions {
		eq += pos.Profit
	}
	return eq
}

// OpenPositions returns the live positions.
func (p *Portfolio) OpenPositions() []*Position {
	out := make([]*Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out
}

// Trades returns the realized trade records in close order.
func (p *Portfolio) Trades() []TradeRecord { return p.trades }

// Position returns the open position for symbol, or nil.
func (p *Portfolio) Position(symbol string) *Position { return p.positions[symbol] }

func (p *Portfolio) profitAt(pos *Position, price float64) float64 {
	if pos.Direction == DirBuy {
		return (price - pos.PriceOpen) * pos.Volume * ContractScale
	}
	return (pos.PriceOpen - price) * pos.Volume * ContractScale
}

// OnMarket re-marks every open position on the new bar, closing positions
// whose SL or TP level is inside the bar's range at the stop level.
func (p *Portfolio) OnMarket(ev Market) {
	for sym, pos := range p.positions {
		bar, ok := p.data.CurrentBar(sym)
		if !ok {
			continue
		}
		if stop, hit := stopTouched(pos, bar.High, bar.Low); hit {
			p.realize(pos, stop, bar.Time)
			delete(p.positions, sym)
			continue
		}
		pos.PriceCurrent = bar.Close
		pos.Profit = p.profitAt(pos, bar.Close)
	}
}

// stopTouched returns the stop price hit by the bar range, SL first.
func stopTouched(pos *Position, high, low float64) (float64, bool) {
	if pos.Direction == DirBuy {
		if pos.SL > 0 && low <= pos.SL {
			return pos.SL, true
		}
		if pos.TP > 0 && high >= pos.TP {
			return pos.TP, true
		}
		return 0, false
	}
	if pos.SL > 0 && high >= pos.SL {
		return pos.SL, true
	}
	if pos.TP > 0 && low <= pos.TP {
		return pos.TP, true
	}
	return 0, false
}

// OnSignal maps strategy intent to a fixed-lot market order.
func (p *Portfolio) OnSignal(sig Signal, q *Queue) {
	if sig.Direction == DirClose {
		pos := p.positions[sig.Symbol]
		if pos == nil {
			return
		}
		dir := DirSell
		if pos.Direction == DirSell {
			dir = DirBuy
		}
		q.Push(Order{Symbol: sig.Symbol, Kind: OrderMKT, Direction: dir, Quantity: pos.Volume, Closing: true})
		return
	}
	q.Push(Order{Symbol: sig.Symbol, Kind: OrderMKT, Direction: sig.Direction, Quantity: defaultSignalLot})
}

// OnFill applies an execution: commission is debited from cash, then the
// position set is updated. A fill against an existing position realizes it
// at the fill price; non-closing fills then open the new position.
func (p *Portfolio) OnFill(fill Fill) {
	p.cash -= fill.Commission

	pos := p.positions[fill.Symbol]
	if pos != nil {
		p.realize(pos, fill.FillPrice, fill.Time)
		delete(p.positions, fill.Symbol)
		if fill.Closing {
			return
		}
		p.log.Debug("fill against open position: realized and reopened")
	}
	if fill.Closing {
		return
	}
	p.nextTicket++
	p.positions[fill.Symbol] = &Position{
		Ticket:          p.nextTicket,
		TradeID:         uuid.NewString(),
		Symbol:          fill.Symbol,
		Direction:       fill.Direction,
		Volume:          fill.Quantity,
		PriceOpen:       fill.FillPrice,
		PriceCurrent:    fill.FillPrice,
		OpenTime:        fill.Time,
		entryCommission: fill.Commission,
	}
}

// realize books the position's P&L into cash and records the trade.
func (p *Portfolio) realize(pos *Position, price float64, at time.Time) {
	gross := p.profitAt(pos, price)
	p.cash += gross
	p.trades = append(p.trades, TradeRecord{
		ID:         pos.TradeID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Volume:     pos.Volume,
		PriceOpen:  pos.PriceOpen,
		PriceClose: price,
		OpenTime:   pos.OpenTime,
		CloseTime:  at,
		Gross:      gross,
		Commission: pos.entryCommission,
		Net:        gross - pos.entryCommission,
	})
}
