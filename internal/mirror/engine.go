// Package mirror re-derives and enforces the master → follower trade mapping
// every supervision cycle: close sweep, SL/TP reconciliation, open sweep.
package mirror

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mtkit/toolbox/internal/metrics"
	"github.com/mtkit/toolbox/internal/models"
	"github.com/mtkit/toolbox/internal/terminal"
)

// slTolerance is the SL/TP comparison epsilon. Quotes are 5-digit at most,
// so anything below this is float noise, not a changed stop.
const slTolerance = 1e-9

// reverseTypes maps an order type to its reverse-mode counterpart. Limits
// become stops on the other side so the trigger direction stays correct.
var reverseTypes = map[terminal.OrderType]terminal.OrderType{
	terminal.OrderTypeBuy:       terminal.OrderTypeSell,
	terminal.OrderTypeSell:      terminal.OrderTypeBuy,
	terminal.OrderTypeBuyLimit:  terminal.OrderTypeSellStop,
	terminal.OrderTypeSellStop:  terminal.OrderTypeBuyLimit,
	terminal.OrderTypeSellLimit: terminal.OrderTypeBuyStop,
	terminal.OrderTypeBuyStop:   terminal.OrderTypeSellLimit,
}

// MasterTrade is one master-side row: an open position or a pending order.
type MasterTrade struct {
	Ticket    int64
	Symbol    string
	Type      terminal.OrderType
	Volume    float64 // volumeInitial for pendings
	PriceOpen float64
	SL        float64
	TP        float64
	Magic     int64
}

// Pending reports whether the row is a pending order.
func (m MasterTrade) Pending() bool { return m.Type.IsPending() }

// CollectMasterTrades merges a master's positions and pendings into the
// by-ticket map the sync consumes.
func CollectMasterTrades(positions []terminal.Position, orders []terminal.Order) map[int64]MasterTrade {
	out := make(map[int64]MasterTrade, len(positions)+len(orders))
	for _, p := range positions {
		out[p.Ticket] = MasterTrade{
			Ticket: p.Ticket, Symbol: p.Symbol, Type: p.Type, Volume: p.Volume,
			PriceOpen: p.PriceOpen, SL: p.SL, TP: p.TP, Magic: p.Magic,
		}
	}
	for _, o := range orders {
		out[o.Ticket] = MasterTrade{
			Ticket: o.Ticket, Symbol: o.Symbol, Type: o.Type, Volume: o.VolumeInitial,
			PriceOpen: o.PriceOpen, SL: o.SL, TP: o.TP, Magic: o.Magic,
		}
	}
	return out
}

// mirroredTrade is one follower-side row already correlated to a master
// ticket. Exactly one of pos/ord is set.
type mirroredTrade struct {
	pos *terminal.Position
	ord *terminal.Order
}

// Stats summarizes one sync pass for logging and tests.
type Stats struct {
	Opened   int
	Closed   int
	Removed  int
	Modified int
	Skipped  int
	Failed   int
}

// Engine runs the per-follower mirror pass.
type Engine struct {
	log *logrus.Entry
}

func NewEngine(logger *logrus.Logger) *Engine {
	return &Engine{log: logger.WithField("component", "mirror")}
}

// Sync reconciles one follower against its master's current trades. The
// session must belong to the follower and stays open for the whole pass.
// Failures on single tickets are logged and retried next cycle; they never
// abort the pass.
func (e *Engine) Sync(
	sess *terminal.Session,
	followerID string,
	follow *models.FollowerConfig,
	masterTrades map[int64]MasterTrade,
	masterInfo *terminal.AccountInfo,
) Stats {
	var stats Stats
	log := e.log.WithField("follower", followerID)

	mirrored, err := e.collectMirrored(sess, follow)
	if err != nil {
		log.Warnf("fetching follower trades failed: %v", err)
		stats.Failed++
		return stats
	}

	e.closeSweep(sess, log, followerID, follow, masterTrades, mirrored, &stats)
	e.reconcileStops(sess, log, followerID, follow, masterTrades, mirrored, &stats)
	e.openSweep(sess, log, followerID, follow, masterTrades, mirrored, masterInfo, &stats)
	return stats
}

func (e *Engine) collectMirrored(sess *terminal.Session, follow *models.FollowerConfig) (map[int64]mirroredTrade, error) {
	positions, err := sess.Positions("", follow.Magic)
	if err != nil {
		return nil, err
	}
	orders, err := sess.Orders("")
	if err != nil {
		return nil, err
	}
	mirrored := make(map[int64]mirroredTrade)
	for i := range positions {
		p := &positions[i]
		if ticket, ok := ParseOpenComment(p.Comment); ok {
			mirrored[ticket] = mirroredTrade{pos: p}
		}
	}
	for i := range orders {
		o := &orders[i]
		if o.Magic != follow.Magic {
			continue
		}
		if ticket, ok := ParseOpenComment(o.Comment); ok {
			mirrored[ticket] = mirroredTrade{ord: o}
		}
	}
	return mirrored, nil
}

// closeSweep flattens every mirror whose master ticket has disappeared.
func (e *Engine) closeSweep(
	sess *terminal.Session, log *logrus.Entry, followerID string,
	follow *models.FollowerConfig, masterTrades map[int64]MasterTrade,
	mirrored map[int64]mirroredTrade, stats *Stats,
) {
	for mTicket, ft := range mirrored {
		if _, alive := masterTrades[mTicket]; alive {
			continue
		}
		if ft.ord != nil {
			res, err := sess.OrderSend(&terminal.TradeRequest{
				Action:  terminal.ActionRemove,
				Order:   ft.ord.Ticket,
				Comment: CloseComment(mTicket),
			})
			if e.recordResult(log, followerID, "remove", mTicket, res, err, stats) {
				stats.Removed++
				delete(mirrored, mTicket)
			}
			continue
		}
		pos := ft.pos
		tick, err := sess.Tick(pos.Symbol)
		if err != nil {
			log.Warnf("close %d: no tick for %s: %v", mTicket, pos.Symbol, err)
			stats.Failed++
			continue
		}
		price := tick.Bid
		if !pos.Type.IsBuySide() {
			price = tick.Ask
		}
		res, err := sess.OrderSend(&terminal.TradeRequest{
			Action:      terminal.ActionDeal,
			Symbol:      pos.Symbol,
			Volume:      pos.Volume,
			Type:        pos.Type.Opposite(),
			Price:       price,
			Deviation:   follow.SlippagePoints,
			Magic:       follow.Magic,
			Comment:     CloseComment(mTicket),
			Position:    pos.Ticket,
			TypeFilling: terminal.FillingIOC,
			TypeTime:    terminal.TimeGTC,
		})
		if e.recordResult(log, followerID, "close", mTicket, res, err, stats) {
			stats.Closed++
			delete(mirrored, mTicket)
		}
	}
}

// reconcileStops pushes master SL/TP changes onto surviving mirrors.
func (e *Engine) reconcileStops(
	sess *terminal.Session, log *logrus.Entry, followerID string,
	follow *models.FollowerConfig, masterTrades map[int64]MasterTrade,
	mirrored map[int64]mirroredTrade, stats *Stats,
) {
	for mTicket, ft := range mirrored {
		master, alive := masterTrades[mTicket]
		if !alive {
			continue
		}
		wantSL, wantTP := master.SL, master.TP
		if follow.CopyMode == models.CopyReverse {
			wantSL, wantTP = wantTP, wantSL
		}

		var haveSL, haveTP float64
		if ft.pos != nil {
			haveSL, haveTP = ft.pos.SL, ft.pos.TP
		} else {
			haveSL, haveTP = ft.ord.SL, ft.ord.TP
		}
		if diff(haveSL, wantSL) <= slTolerance && diff(haveTP, wantTP) <= slTolerance {
			continue
		}

		req := &terminal.TradeRequest{SL: wantSL, TP: wantTP}
		if ft.pos != nil {
			req.Action = terminal.ActionSLTP
			req.Symbol = ft.pos.Symbol
			req.Position = ft.pos.Ticket
		} else {
			req.Action = terminal.ActionModify
			req.Symbol = ft.ord.Symbol
			req.Order = ft.ord.Ticket
			req.Price = ft.ord.PriceOpen
		}
		res, err := sess.OrderSend(req)
		if e.recordResult(log, followerID, "modify", mTicket, res, err, stats) {
			stats.Modified++
		}
	}
}

// openSweep mirrors master tickets that have no follower counterpart yet.
func (e *Engine) openSweep(
	sess *terminal.Session, log *logrus.Entry, followerID string,
	follow *models.FollowerConfig, masterTrades map[int64]MasterTrade,
	mirrored map[int64]mirroredTrade, masterInfo *terminal.AccountInfo, stats *Stats,
) {
	var followerInfo *terminal.AccountInfo
	for mTicket, master := range masterTrades {
		if _, done := mirrored[mTicket]; done {
			continue
		}
		// A master trade stamped with the follower's own magic is one of our
		// mirrors observed on the wrong side; copying it back would echo.
		if master.Magic == follow.Magic {
			stats.Skipped++
			continue
		}

		symbol := follow.MapSymbol(master.Symbol)
		if !sess.SymbolSelect(symbol, true) {
			log.Warnf("open %d: symbol %s not available, skipping", mTicket, symbol)
			stats.Skipped++
			continue
		}
		info, err := sess.SymbolInfo(symbol)
		if err != nil {
			log.Warnf("open %d: %v", mTicket, err)
			stats.Skipped++
			continue
		}

		if follow.VolumeMode == models.VolumeEquityRatio && followerInfo == nil {
			followerInfo, err = sess.AccountInfo()
			if err != nil {
				log.Warnf("open %d: account info: %v", mTicket, err)
				stats.Failed++
				continue
			}
		}
		volume, ok := resolveVolume(follow, master.Volume, masterInfo, followerInfo, info)
		if !ok {
			log.Warnf("open %d: volume %v below minimum after clamp, skipping", mTicket, master.Volume)
			stats.Skipped++
			continue
		}

		orderType := master.Type
		if follow.CopyMode == models.CopyReverse {
			orderType, ok = reverseTypes[master.Type]
			if !ok {
				stats.Skipped++
				continue
			}
		}
		sl, tp := master.SL, master.TP
		if follow.CopyMode == models.CopyReverse {
			sl, tp = tp, sl
		}

		req := &terminal.TradeRequest{
			Symbol:      symbol,
			Volume:      volume,
			Type:        orderType,
			SL:          sl,
			TP:          tp,
			Deviation:   follow.SlippagePoints,
			Magic:       follow.Magic,
			Comment:     OpenComment(mTicket),
			TypeFilling: terminal.FillingIOC,
			TypeTime:    terminal.TimeGTC,
		}
		if master.Pending() {
			req.Action = terminal.ActionPending
			req.Price = master.PriceOpen
		} else {
			req.Action = terminal.ActionDeal
			tick, err := sess.Tick(symbol)
			if err != nil {
				log.Warnf("open %d: no tick for %s: %v", mTicket, symbol, err)
				stats.Failed++
				continue
			}
			if orderType.IsBuySide() {
				req.Price = tick.Ask
			} else {
				req.Price = tick.Bid
			}
		}

		res, err := sess.OrderSend(req)
		if e.recordResult(log, followerID, "open", mTicket, res, err, stats) {
			stats.Opened++
		}
	}
}

// recordResult logs and counts one order outcome, returning success.
func (e *Engine) recordResult(log *logrus.Entry, followerID, op string, mTicket int64, res *terminal.TradeResult, err error, stats *Stats) bool {
	if err != nil {
		log.Warnf("%s for master ticket %d failed: %v", op, mTicket, err)
		metrics.OrdersFailed.WithLabelValues(followerID, op).Inc()
		stats.Failed++
		return false
	}
	if !res.Done() {
		log.Warnf("%s for master ticket %d rejected: retcode=%d comment=%q", op, mTicket, res.Retcode, res.Comment)
		metrics.OrdersFailed.WithLabelValues(followerID, op).Inc()
		stats.Failed++
		return false
	}
	metrics.OrdersCopied.WithLabelValues(followerID, op).Inc()
	return true
}

// resolveVolume applies the follower's volume mode, then clamps to the
// symbol's min/step/max. Returns false when the result falls below minimum.
func resolveVolume(
	follow *models.FollowerConfig, masterVolume float64,
	masterInfo, followerInfo *terminal.AccountInfo, sym *terminal.SymbolInfo,
) (float64, bool) {
	v := masterVolume
	switch follow.VolumeMode {
	case models.VolumeFixed:
		v = follow.FixedLot
	case models.VolumeEquityRatio:
		if masterInfo != nil && followerInfo != nil && masterInfo.Equity > 0 && followerInfo.Equity > 0 {
			v = masterVolume * (followerInfo.Equity / masterInfo.Equity)
		}
	}
	return clampVolume(v, sym.VolumeMin, sym.VolumeStep, sym.VolumeMax)
}

func clampVolume(v, min, step, max float64) (float64, bool) {
	d := decimal.NewFromFloat(v)
	if max > 0 {
		d = decimal.Min(d, decimal.NewFromFloat(max))
	}
	if min > 0 {
		d = decimal.Max(d, decimal.NewFromFloat(min))
	}
	if step > 0 {
		stepD := decimal.NewFromFloat(step)
		d = d.Div(stepD).Round(0).Mul(stepD)
	}
	out, _ := d.Float64()
	if min > 0 && out < min-slTolerance {
		return 0, false
	}
	return out, true
}

func diff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
