// Package gateway defines the trading surface strategies program against.
// The live implementation runs on real terminal sessions; the backtest
// implementation replays stored bars. Strategies cannot tell them apart.
package gateway

import (
	"errors"
	"time"

	"github.com/mtkit/toolbox/internal/terminal"
)

// ErrNotConnected is returned by the live gateway outside a bound session.
var ErrNotConnected = errors.New("gateway: not connected")

// Gateway is the strategy-facing trading surface.
type Gateway interface {
	AccountInfo() (*terminal.AccountInfo, error)
	SymbolInfo(symbol string) (*terminal.SymbolInfo, error)
	Tick(symbol string) (*terminal.Tick, error)
	CopyRatesFromPos(symbol string, tf terminal.Timeframe, start, count int) ([]terminal.Bar, error)
	Positions(symbol string) ([]terminal.Position, error)
	OrderSend(req *terminal.TradeRequest) (*terminal.TradeResult, error)
	OrderCalcMargin(action terminal.TradeAction, symbol string, volume, price float64) (float64, error)
}

// Live is the production gateway for one account. The strategy runner binds
// it to a terminal session around each heartbeat; between heartbeats every
// call fails with ErrNotConnected. Live is confined to the runner goroutine.
type Live struct {
	gate  *terminal.Gate
	ep    terminal.Endpoint
	magic int64
	sess  *terminal.Session
}

// NewLive builds a gateway for the account behind ep. Orders sent without a
// magic are stamped with the account's.
func NewLive(gate *terminal.Gate, ep terminal.Endpoint, magic int64) *Live {
	return &Live{gate: gate, ep: ep, magic: magic}
}

// WithSession opens a session, binds the gateway to it for the duration of
// fn, and always releases the terminal afterwards.
func (l *Live) WithSession(fn func() error) error {
	sess, err := l.gate.Open(l.ep)
	if err != nil {
		return err
	}
	l.sess = sess
	defer func() {
		l.sess = nil
		sess.Close()
	}()
	return fn()
}

// Ping returns the last session's connect latency.
func (l *Live) Ping() time.Duration {
	if l.sess == nil {
		return 0
	}
	return l.sess.Ping()
}

func (l *Live) AccountInfo() (*terminal.AccountInfo, error) {
	if l.sess == nil {
		return nil, ErrNotConnected
	}
	return l.sess.AccountInfo()
}

func (l *Live) SymbolInfo(symbol string) (*terminal.SymbolInfo, error) {
	if l.sess == nil {
		return nil, ErrNotConnected
	}
	l.sess.SymbolSelect(symbol, true)
	return l.sess.SymbolInfo(symbol)
}

func (l *Live) Tick(symbol string) (*terminal.Tick, error) {
	if l.sess == nil {
		return nil, ErrNotConnected
	}
	return l.sess.Tick(symbol)
}

func (l *Live) CopyRatesFromPos(symbol string, tf terminal.Timeframe, start, count int) ([]terminal.Bar, error) {
	if l.sess == nil {
		return nil, ErrNotConnected
	}
	return l.sess.CopyRatesFromPos(symbol, tf, start, count)
}

// Positions returns the account's open positions for symbol, restricted to
// this gateway's magic so strategies only see their own trades.
func (l *Live) Positions(symbol string) ([]terminal.Position, error) {
	if l.sess == nil {
		return nil, ErrNotConnected
	}
	return l.sess.Positions(symbol, l.magic)
}

func (l *Live) OrderCalcMargin(action terminal.TradeAction, symbol string, volume, price float64) (float64, error) {
	if l.sess == nil {
		return 0, ErrNotConnected
	}
	return l.sess.OrderCalcMargin(action, symbol, volume, price)
}

func (l *Live) OrderSend(req *terminal.TradeRequest) (*terminal.TradeResult, error) {
	if l.sess == nil {
		return nil, ErrNotConnected
	}
	if req.Magic == 0 {
		req.Magic = l.magic
	}
	return l.sess.OrderSend(req)
}

var _ Gateway = (*Live)(nil)
