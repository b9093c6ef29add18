package strategy

import (
	"github.com/sirupsen/logrus"

	"github.com/mtkit/toolbox/internal/gateway"
	"github.com/mtkit/toolbox/internal/terminal"
)

func init() {
	Register(Info{
		Name:        "MovingAverageCross",
		Description: "Dual simple moving average crossover. Goes long on a fast-over-slow cross, flattens (optionally shorts) on the opposite cross.",
		Schema: Schema{
			"fast":       {Label: "Fast period", Type: TypeInt, Default: 12},
			"slow":       {Label: "Slow period", Type: TypeInt, Default: 26},
			"lot":        {Label: "Order volume", Type: TypeFloat, Default: 0.01},
			"allowShort": {Label: "Open shorts on down-cross", Type: TypeBool, Default: false},
			"slPoints":   {Label: "Stop loss distance, points (0 = none)", Type: TypeInt, Default: 0},
			"tpPoints":   {Label: "Take profit distance, points (0 = none)", Type: TypeInt, Default: 0},
		},
	}, NewMACross)
}

// MACross is the dual moving average crossover strategy.
type MACross struct {
	gw         gateway.Gateway
	symbol     string
	tf         terminal.Timeframe
	fast, slow int
	lot        float64
	allowShort bool
	slPoints   int
	tpPoints   int
	log        *logrus.Entry
}

// NewMACross builds the strategy from merged parameters.
func NewMACross(gw gateway.Gateway, symbol string, tf terminal.Timeframe, params Params) Strategy {
	s := &MACross{
		gw:         gw,
		symbol:     symbol,
		tf:         tf,
		fast:       params.Int("fast", 12),
		slow:       params.Int("slow", 26),
		lot:        params.Float("lot", 0.01),
		allowShort: params.Bool("allowShort", false),
		slPoints:   params.Int("slPoints", 0),
		tpPoints:   params.Int("tpPoints", 0),
		log:        logrus.WithField("strategy", "MovingAverageCross"),
	}
	if s.fast >= s.slow {
		s.fast, s.slow = 12, 26
	}
	return s
}

func (s *MACross) OnInit() error {
	if _, err := s.gw.SymbolInfo(s.symbol); err != nil {
		return err
	}
	return nil
}

func (s *MACross) OnDeinit() {}

func (s *MACross) OnBar(ev MarketEvent) {
	// One extra bar so the cross can be read off the previous pair.
	bars, err := s.gw.CopyRatesFromPos(s.symbol, s.tf, 0, s.slow+1)
	if err != nil || len(bars) < s.slow+1 {
		return
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	n := len(closes)
	fastNow := sma(closes[n-s.fast:])
	slowNow := sma(closes[n-s.slow:])
	fastPrev := sma(closes[n-s.fast-1 : n-1])
	slowPrev := sma(closes[n-s.slow-1 : n-1])

	crossUp := fastPrev <= slowPrev && fastNow > slowNow
	crossDown := fastPrev >= slowPrev && fastNow < slowNow
	if !crossUp && !crossDown {
		return
	}

	positions, err := s.gw.Positions(s.symbol)
	if err != nil {
		return
	}
	if crossUp {
		s.flatten(positions, terminal.OrderTypeSell)
		if !hasType(positions, terminal.OrderTypeBuy) {
			s.open(terminal.OrderTypeBuy)
		}
		return
	}
	s.flatten(positions, terminal.OrderTypeBuy)
	if s.allowShort && !hasType(positions, terminal.OrderTypeSell) {
		s.open(terminal.OrderTypeSell)
	}
}

func (s *MACross) open(side terminal.OrderType) {
	tick, err := s.gw.Tick(s.symbol)
	if err != nil {
		return
	}
	info, err := s.gw.SymbolInfo(s.symbol)
	if err != nil {
		return
	}
	price := tick.Ask
	if side == terminal.OrderTypeSell {
		price = tick.Bid
	}
	var sl, tp float64
	if s.slPoints > 0 {
		if side == terminal.OrderTypeBuy {
			sl = price - float64(s.slPoints)*info.Point
		} else {
			sl = price + float64(s.slPoints)*info.Point
		}
	}
	if s.tpPoints > 0 {
		if side == terminal.OrderTypeBuy {
			tp = price + float64(s.tpPoints)*info.Point
		} else {
			tp = price - float64(s.tpPoints)*info.Point
		}
	}
	res, err := s.gw.OrderSend(&terminal.TradeRequest{
		Action:      terminal.ActionDeal,
		Symbol:      s.symbol,
		Volume:      s.lot,
		Type:        side,
		Price:       price,
		SL:          sl,
		TP:          tp,
		TypeFilling: terminal.FillingIOC,
		TypeTime:    terminal.TimeGTC,
	})
	if err != nil || !res.Done() {
		s.log.Warnf("open %s rejected: err=%v res=%+v", side, err, res)
	}
}

func (s *MACross) flatten(positions []terminal.Position, side terminal.OrderType) {
	for _, p := range positions {
		if p.Type != side {
			continue
		}
		tick, err := s.gw.Tick(s.symbol)
		if err != nil {
			return
		}
		price := tick.Bid
		if p.Type == terminal.OrderTypeSell {
			price = tick.Ask
		}
		res, err := s.gw.OrderSend(&terminal.TradeRequest{
			Action:      terminal.ActionDeal,
			Symbol:      s.symbol,
			Volume:      p.Volume,
			Type:        p.Type.Opposite(),
			Price:       price,
			Position:    p.Ticket,
			TypeFilling: terminal.FillingIOC,
			TypeTime:    terminal.TimeGTC,
		})
		if err != nil || !res.Done() {
			s.log.Warnf("close %d rejected: err=%v res=%+v", p.Ticket, err, res)
		}
	}
}

func sma(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func hasType(positions []terminal.Position, side terminal.OrderType) bool {
	for _, p := range positions {
		if p.Type == side {
			return true
		}
	}
	return false
}
