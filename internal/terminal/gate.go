// Package terminal serializes access to the broker terminal adapter.
//
// The adapter is a process-global singleton: a second initialize silently
// supersedes the first, hijacking whatever session was active. The Gate
// therefore wraps the adapter in a single mutex and models every logical
// session as a connect → work → shutdown triple owned by the caller. Callers
// must not hold a Session across blocking calls into other subsystems.
package terminal

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Default initialize timeout, matching the reference terminal's 10s.
const defaultConnectTimeout = 10 * time.Second

// ErrSessionClosed is returned by Session methods after Close.
var ErrSessionClosed = errors.New("terminal: session closed")

// InitError is a failed adapter initialize carrying the provider's raw code.
type InitError struct {
	Code int
	Desc string
}

func (e *InitError) Error() string {
	return fmt.Sprintf("terminal initialize failed: %s (code: %d)", e.Desc, e.Code)
}

// IsInvalidAuth reports whether err is an initialize rejection for bad
// credentials. Callers lock the account immediately on this code rather
// than counting it as a transient failure.
func IsInvalidAuth(err error) bool {
	var ie *InitError
	return errors.As(err, &ie) && ie.Code == CodeInvalidAuth
}

// Adapter is the narrow surface we consume from the broker terminal.
// Implementations are process-global and single-session; all concurrency
// control lives in the Gate, not in the adapter.
type Adapter interface {
	Initialize(ep Endpoint, timeout time.Duration) error
	Shutdown()

	AccountInfo() (*AccountInfo, error)
	SymbolSelect(symbol string, enable bool) bool
	SymbolInfo(symbol string) (*SymbolInfo, error)
	SymbolInfoTick(symbol string) (*Tick, error)
	PositionsGet(symbol string, magic int64) ([]Position, error)
	OrdersGet(symbol string) ([]Order, error)
	CopyRatesRange(symbol string, tf Timeframe, from, to time.Time) ([]Bar, error)
	CopyRatesFromPos(symbol string, tf Timeframe, start, count int) ([]Bar, error)
	OrderSend(req *TradeRequest) (*TradeResult, error)
	OrderCalcMargin(action TradeAction, symbol string, volume, price float64) (float64, error)
}

// Gate owns the adapter mutex. There is exactly one Gate per process.
type Gate struct {
	sem     chan struct{}
	adapter Adapter
	timeout time.Duration
	logger  *logrus.Entry
}

// NewGate wraps adapter behind the process-wide terminal mutex.
func NewGate(adapter Adapter, logger *logrus.Logger) *Gate {
	return &Gate{
		sem:     make(chan struct{}, 1),
		adapter: adapter,
		timeout: defaultConnectTimeout,
		logger:  logger.WithField("component", "terminal"),
	}
}

// Open acquires the terminal mutex and initializes a session for ep.
// On success the caller owns the returned Session and must Close it; on
// failure the mutex is released and the error carries the adapter code.
// Ping is the wall-clock duration of the initialize call.
func (g *Gate) Open(ep Endpoint) (*Session, error) {
	g.sem <- struct{}{}
	start := time.Now()
	err := g.adapter.Initialize(ep, g.timeout)
	ping := time.Since(start)
	if err != nil {
		<-g.sem
		return nil, err
	}
	return &Session{gate: g, ping: ping}, nil
}

// Session is one connect → work → shutdown triple. All methods are valid
// only between Open and Close; the caller holds the terminal mutex for the
// session's entire lifetime.
type Session struct {
	gate   *Gate
	ping   time.Duration
	closed bool
}

// Ping returns the wall-clock duration of the initialize call.
func (s *Session) Ping() time.Duration { return s.ping }

// Close shuts the adapter session down and releases the terminal mutex.
// Close is idempotent.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.gate.adapter.Shutdown()
	<-s.gate.sem
}

func (s *Session) guard() error {
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// AccountInfo returns the connected account's telemetry snapshot.
func (s *Session) AccountInfo() (*AccountInfo, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.gate.adapter.AccountInfo()
}

// SymbolSelect enables sym in the terminal's watch list. Required before
// issuing orders or fetching ticks on symbols the terminal has not seen.
func (s *Session) SymbolSelect(sym string, enable bool) bool {
	if s.closed {
		return false
	}
	return s.gate.adapter.SymbolSelect(sym, enable)
}

func (s *Session) SymbolInfo(sym string) (*SymbolInfo, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.gate.adapter.SymbolInfo(sym)
}

func (s *Session) Tick(sym string) (*Tick, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.gate.adapter.SymbolInfoTick(sym)
}

// Positions returns open positions, optionally filtered by symbol and magic.
// Zero values disable the corresponding filter.
func (s *Session) Positions(symbol string, magic int64) ([]Position, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.gate.adapter.PositionsGet(symbol, magic)
}

// Orders returns pending orders, optionally filtered by symbol.
func (s *Session) Orders(symbol string) ([]Order, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.gate.adapter.OrdersGet(symbol)
}

func (s *Session) CopyRatesRange(sym string, tf Timeframe, from, to time.Time) ([]Bar, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.gate.adapter.CopyRatesRange(sym, tf, from, to)
}

func (s *Session) CopyRatesFromPos(sym string, tf Timeframe, start, count int) ([]Bar, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.gate.adapter.CopyRatesFromPos(sym, tf, start, count)
}

// OrderSend submits req. Transport errors return a nil result; trade-server
// rejections return a result whose Retcode is not RetcodeDone.
func (s *Session) OrderSend(req *TradeRequest) (*TradeResult, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.gate.adapter.OrderSend(req)
}

func (s *Session) OrderCalcMargin(action TradeAction, symbol string, volume, price float64) (float64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.gate.adapter.OrderCalcMargin(action, symbol, volume, price)
}
