package strategy

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mtkit/toolbox/internal/gateway"
	"github.com/mtkit/toolbox/internal/terminal"
)

func init() {
	Register(Info{
		Name:        "LotteryTicket",
		Description: "Opens a single randomly-directed position, holds it for a fixed bar window, and exits early on an extreme equity gain. Entry equity rides along in the order comment.",
		Schema: Schema{
			"marginUsePct":    {Label: "Free margin to spend, %", Type: TypeFloat, Default: 95.0},
			"holdBars":        {Label: "Holding window in bars", Type: TypeInt, Default: 48},
			"profitTargetPct": {Label: "Early exit at profit, % of entry equity", Type: TypeFloat, Default: 50},
			"direction":       {Label: "Direction (random, buy, sell)", Type: TypeString, Default: "random"},
		},
	}, NewLottery)
}

// lottoTag prefixes every comment this strategy writes. The EQ field carries
// the account equity at entry so the exit check survives restarts.
const lottoTag = "LOTTO"

// LottoComment encodes the entry equity for a new ticket.
func LottoComment(equity float64) string {
	return fmt.Sprintf("%s|EQ=%.2f", lottoTag, equity)
}

// ParseLottoComment recovers the entry equity from a position comment.
func ParseLottoComment(comment string) (float64, bool) {
	if !strings.HasPrefix(comment, lottoTag) {
		return 0, false
	}
	for _, part := range strings.Split(comment, "|") {
		if strings.HasPrefix(part, "EQ=") {
			eq, err := strconv.ParseFloat(part[3:], 64)
			if err != nil {
				return 0, false
			}
			return eq, true
		}
	}
	return 0, false
}

// Lottery is the lottery ticket strategy.
type Lottery struct {
	gw        gateway.Gateway
	symbol    string
	tf        terminal.Timeframe
	marginPct float64
	holdBars  int
	targetPct float64
	direction string
	log       *logrus.Entry
}

// NewLottery builds the strategy from merged parameters.
func NewLottery(gw gateway.Gateway, symbol string, tf terminal.Timeframe, params Params) Strategy {
	return &Lottery{
		gw:        gw,
		symbol:    symbol,
		tf:        tf,
		marginPct: params.Float("marginUsePct", 95),
		holdBars:  params.Int("holdBars", 48),
		targetPct: params.Float("profitTargetPct", 50),
		direction: params.String("direction", "random"),
		log:       logrus.WithField("strategy", "LotteryTicket"),
	}
}

func (s *Lottery) OnInit() error {
	if _, err := s.gw.SymbolInfo(s.symbol); err != nil {
		return err
	}
	return nil
}

func (s *Lottery) OnDeinit() {}

func (s *Lottery) OnBar(ev MarketEvent) {
	positions, err := s.gw.Positions(s.symbol)
	if err != nil {
		return
	}
	var mine []terminal.Position
	for _, p := range positions {
		if strings.HasPrefix(p.Comment, lottoTag) {
			mine = append(mine, p)
		}
	}
	if len(mine) == 0 {
		s.enter()
		return
	}
	for _, p := range mine {
		s.monitor(ev, p)
	}
}

func (s *Lottery) enter() {
	info, err := s.gw.AccountInfo()
	if err != nil {
		return
	}
	tick, err := s.gw.Tick(s.symbol)
	if err != nil {
		return
	}

	side := terminal.OrderTypeBuy
	switch s.direction {
	case "sell":
		side = terminal.OrderTypeSell
	case "buy":
	default:
		if rand.Intn(2) == 1 {
			side = terminal.OrderTypeSell
		}
	}
	price := tick.Ask
	if side == terminal.OrderTypeSell {
		price = tick.Bid
	}
	volume := s.maxVolume(info, tick.Ask)
	if volume <= 0 {
		s.log.Warn("free margin buys no volume, skipping entry")
		return
	}
	res, err := s.gw.OrderSend(&terminal.TradeRequest{
		Action:      terminal.ActionDeal,
		Symbol:      s.symbol,
		Volume:      volume,
		Type:        side,
		Price:       price,
		Comment:     LottoComment(info.Equity),
		TypeFilling: terminal.FillingIOC,
		TypeTime:    terminal.TimeGTC,
	})
	if err != nil || !res.Done() {
		s.log.Warnf("entry rejected: err=%v res=%+v", err, res)
	}
}

// maxVolume spends marginPct of the free margin, clamped to the symbol's
// volume limits and rounded to its step.
func (s *Lottery) maxVolume(info *terminal.AccountInfo, price float64) float64 {
	budget := info.MarginFree * s.marginPct / 100
	perLot, err := s.gw.OrderCalcMargin(terminal.ActionDeal, s.symbol, 1.0, price)
	if err != nil || perLot <= 0 {
		return 0
	}
	sym, err := s.gw.SymbolInfo(s.symbol)
	if err != nil {
		return 0
	}

	volume := budget / perLot
	if sym.VolumeStep > 0 && volume > sym.VolumeMin {
		volume = math.Round(volume/sym.VolumeStep) * sym.VolumeStep
	} else if volume > 0 {
		volume = sym.VolumeMin
	}
	volume = math.Min(sym.VolumeMax, volume)
	if volume < sym.VolumeMin {
		return 0
	}
	return math.Round(volume*100) / 100
}

func (s *Lottery) monitor(ev MarketEvent, p terminal.Position) {
	expired := !p.Time.IsZero() && ev.Time.Sub(p.Time) >= s.tf.Duration()*time.Duration(s.holdBars)
	jackpot := false
	if entryEquity, ok := ParseLottoComment(p.Comment); ok && entryEquity > 0 {
		jackpot = p.Profit >= entryEquity*s.targetPct/100
	}
	if !expired && !jackpot {
		return
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
		Comment:     p.Comment,
		TypeFilling: terminal.FillingIOC,
		TypeTime:    terminal.TimeGTC,
	})
	if err != nil || !res.Done() {
		s.log.Warnf("exit %d rejected: err=%v res=%+v", p.Ticket, err, res)
		return
	}
	if jackpot {
		s.log.Infof("ticket %d cashed out at profit %.2f", p.Ticket, p.Profit)
	}
}
