// Package mock provides an in-memory terminal adapter. It backs paper mode
// and every test that needs a terminal without a broker behind it.
package mock

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mtkit/toolbox/internal/terminal"
)

// ContractScale converts (price delta × lots) into account currency for the
// standard FX contract size.
const ContractScale = 100000.0

var errNotInitialized = errors.New("mock terminal: not initialized")

// account is one simulated broker login.
type account struct {
	endpoint  terminal.Endpoint
	balance   float64
	currency  string
	positions map[int64]*terminal.Position
	orders    map[int64]*terminal.Order
}

// Terminal simulates the process-global terminal adapter. Like the real
// thing it serves exactly one session at a time: Initialize supersedes any
// previous session. It additionally watches for concurrent entry so tests
// can assert the Gate's mutual exclusion.
type Terminal struct {
	mu sync.Mutex

	accounts map[int64]*account
	symbols  map[string]terminal.SymbolInfo
	ticks    map[string]terminal.Tick
	bars     map[string]map[terminal.Timeframe][]terminal.Bar
	selected map[string]bool

	current    *account
	nextTicket int64

	rejects map[int64]*rejectPlan

	inFlight  atomic.Int32
	raced     atomic.Bool
	initCount atomic.Int64
}

type rejectPlan struct {
	code  int
	count int // -1 = forever
}

// NewTerminal returns an empty simulator. Seed it with AddAccount and
// SetSymbol before use.
func NewTerminal() *Terminal {
	return &Terminal{
		accounts:   make(map[int64]*account),
		symbols:    make(map[string]terminal.SymbolInfo),
		ticks:      make(map[string]terminal.Tick),
		bars:       make(map[string]map[terminal.Timeframe][]terminal.Bar),
		selected:   make(map[string]bool),
		rejects:    make(map[int64]*rejectPlan),
		nextTicket: 1000,
	}
}

// enter/leave bracket every adapter call to detect concurrent entry.
func (t *Terminal) enter() func() {
	if t.inFlight.Add(1) > 1 {
		t.raced.Store(true)
	}
	return func() { t.inFlight.Add(-1) }
}

// RaceDetected reports whether two adapter calls ever overlapped.
func (t *Terminal) RaceDetected() bool { return t.raced.Load() }

// InitCount returns how many Initialize calls have been made.
func (t *Terminal) InitCount() int64 { return t.initCount.Load() }

// AddAccount registers a login the simulator will accept.
func (t *Terminal) AddAccount(ep terminal.Endpoint, balance float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accounts[ep.Login] = &account{
		endpoint:  ep,
		balance:   balance,
		currency:  "USD",
		positions: make(map[int64]*terminal.Position),
		orders:    make(map[int64]*terminal.Order),
	}
}

// SetSymbol registers instrument metadata.
func (t *Terminal) SetSymbol(info terminal.SymbolInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbols[info.Name] = info
}

// SetTick publishes the current quote for sym and re-marks open positions.
func (t *Terminal) SetTick(sym string, bid, ask float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticks[sym] = terminal.Tick{Time: time.Now(), Bid: bid, Ask: ask, Last: bid}
	for _, acc := range t.accounts {
		for _, pos := range acc.positions {
			if pos.Symbol == sym {
				t.markPosition(pos)
			}
		}
	}
}

// SetBars seeds history for copy_rates calls.
func (t *Terminal) SetBars(sym string, tf terminal.Timeframe, bars []terminal.Bar) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bars[sym] == nil {
		t.bars[sym] = make(map[terminal.Timeframe][]terminal.Bar)
	}
	t.bars[sym][tf] = bars
}

// RejectConnect makes the next n Initialize calls for login fail with the
// given adapter code. n < 0 rejects forever.
func (t *Terminal) RejectConnect(login int64, code, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejects[login] = &rejectPlan{code: code, count: n}
}

// SeedPosition places an already-open position on an account. Used by tests
// and by paper mode bootstrap.
func (t *Terminal) SeedPosition(login int64, pos terminal.Position) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos.Ticket == 0 {
		t.nextTicket++
		pos.Ticket = t.nextTicket
	}
	if acc := t.accounts[login]; acc != nil {
		p := pos
		t.markPosition(&p)
		acc.positions[p.Ticket] = &p
	}
	return pos.Ticket
}

// SeedOrder places a pending order on an account.
func (t *Terminal) SeedOrder(login int64, ord terminal.Order) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ord.Ticket == 0 {
		t.nextTicket++
		ord.Ticket = t.nextTicket
	}
	if acc := t.accounts[login]; acc != nil {
		o := ord
		acc.orders[o.Ticket] = &o
	}
	return ord.Ticket
}

// AccountPositions returns a copy of an account's open positions without a
// session, for test assertions.
func (t *Terminal) AccountPositions(login int64) []terminal.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	acc := t.accounts[login]
	if acc == nil {
		return nil
	}
	out := make([]terminal.Position, 0, len(acc.positions))
	for _, p := range acc.positions {
		out = append(out, *p)
	}
	return out
}

// AccountOrders returns a copy of an account's pending orders.
func (t *Terminal) AccountOrders(login int64) []terminal.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	acc := t.accounts[login]
	if acc == nil {
		return nil
	}
	out := make([]terminal.Order, 0, len(acc.orders))
	for _, o := range acc.orders {
		out = append(out, *o)
	}
	return out
}

func (t *Terminal) markPosition(pos *terminal.Position) {
	tick, ok := t.ticks[pos.Symbol]
	if !ok {
		return
	}
	price := tick.Bid
	if !pos.Type.IsBuySide() {
		price = tick.Ask
	}
	pos.PriceCurrent = price
	if pos.Type == terminal.OrderTypeBuy {
		pos.Profit = (price - pos.PriceOpen) * pos.Volume * ContractScale
	} else {
		pos.Profit = (pos.PriceOpen - price) * pos.Volume * ContractScale
	}
}

// Initialize implements terminal.Adapter.
func (t *Terminal) Initialize(ep terminal.Endpoint, timeout time.Duration) error {
	defer t.enter()()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initCount.Add(1)

	if plan := t.rejects[ep.Login]; plan != nil && plan.count != 0 {
		if plan.count > 0 {
			plan.count--
		}
		return &terminal.InitError{Code: plan.code, Desc: "connect rejected"}
	}
	acc, ok := t.accounts[ep.Login]
	if !ok || acc.endpoint.Password != ep.Password || acc.endpoint.Server != ep.Server {
		return &terminal.InitError{Code: terminal.CodeInvalidAuth, Desc: "authorization failed"}
	}
	t.current = acc
	return nil
}

// Shutdown implements terminal.Adapter.
func (t *Terminal) Shutdown() {
	defer t.enter()()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = nil
}

func (t *Terminal) session() (*account, error) {
	if t.current == nil {
		return nil, errNotInitialized
	}
	return t.current, nil
}

// AccountInfo implements terminal.Adapter.
func (t *Terminal) AccountInfo() (*terminal.AccountInfo, error) {
	defer t.enter()()
	t.mu.Lock()
	defer t.mu.Unlock()
	acc, err := t.session()
	if err != nil {
		return nil, err
	}
	profit := 0.0
	for _, pos := range acc.positions {
		profit += pos.Profit
	}
	equity := acc.balance + profit
	margin := 0.0
	for _, pos := range acc.positions {
		margin += pos.Volume * pos.PriceOpen * ContractScale / 100
	}
	level := 0.0
	if margin > 0 {
		level = equity / margin * 100
	}
	return &terminal.AccountInfo{
		Login:       acc.endpoint.Login,
		Balance:     acc.balance,
		Equity:      equity,
		Profit:      profit,
		Margin:      margin,
		MarginFree:  equity - margin,
		MarginLevel: level,
		Currency:    acc.currency,
	}, nil
}

// SymbolSelect implements terminal.Adapter. Unknown symbols fail.
func (t *Terminal) SymbolSelect(sym string, enable bool) bool {
	defer t.enter()()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.symbols[sym]; !ok {
		return false
	}
	t.selected[sym] = enable
	return true
}

// SymbolInfo implements terminal.Adapter.
func (t *Terminal) SymbolInfo(sym string) (*terminal.SymbolInfo, error) {
	defer t.enter()()
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.symbols[sym]
	if !ok {
		return nil, fmt.Errorf("mock terminal: unknown symbol %q", sym)
	}
	return &info, nil
}

// SymbolInfoTick implements terminal.Adapter.
func (t *Terminal) SymbolInfoTick(sym string) (*terminal.Tick, error) {
	defer t.enter()()
	t.mu.Lock()
	defer t.mu.Unlock()
	tick, ok := t.ticks[sym]
	if !ok {
		return nil, fmt.Errorf("mock terminal: no tick for %q", sym)
	}
	return &tick, nil
}

// PositionsGet implements terminal.Adapter.
func (t *Terminal) PositionsGet(symbol string, magic int64) ([]terminal.Position, error) {
	defer t.enter()()
	t.mu.Lock()
	defer t.mu.Unlock()
	acc, err := t.session()
	if err != nil {
		return nil, err
	}
	var out []terminal.Position
	for _, pos := range acc.positions {
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		if magic != 0 && pos.Magic != magic {
			continue
		}
		out = append(out, *pos)
	}
	return out, nil
}

// OrdersGet implements terminal.Adapter.
func (t *Terminal) OrdersGet(symbol string) ([]terminal.Order, error) {
	defer t.enter()()
	t.mu.Lock()
	defer t.mu.Unlock()
	acc, err := t.session()
	if err != nil {
		return nil, err
	}
	var out []terminal.Order
	for _, ord := range acc.orders {
		if symbol != "" && ord.Symbol != symbol {
			continue
		}
		out = append(out, *ord)
	}
	return out, nil
}

// CopyRatesRange implements terminal.Adapter.
func (t *Terminal) CopyRatesRange(sym string, tf terminal.Timeframe, from, to time.Time) ([]terminal.Bar, error) {
	defer t.enter()()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.session(); err != nil {
		return nil, err
	}
	var out []terminal.Bar
	for _, bar := range t.bars[sym][tf] {
		if bar.Time.Before(from) || bar.Time.After(to) {
			continue
		}
		out = append(out, bar)
	}
	return out, nil
}

// CopyRatesFromPos implements terminal.Adapter. start counts back from the
// newest bar, 0 being the current one.
func (t *Terminal) CopyRatesFromPos(sym string, tf terminal.Timeframe, start, count int) ([]terminal.Bar, error) {
	defer t.enter()()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.session(); err != nil {
		return nil, err
	}
	all := t.bars[sym][tf]
	end := len(all) - start
	if end < 0 {
		end = 0
	}
	begin := end - count
	if begin < 0 {
		begin = 0
	}
	out := make([]terminal.Bar, end-begin)
	copy(out, all[begin:end])
	return out, nil
}

// OrderSend implements terminal.Adapter.
func (t *Terminal) OrderSend(req *terminal.TradeRequest) (*terminal.TradeResult, error) {
	defer t.enter()()
	t.mu.Lock()
	defer t.mu.Unlock()
	acc, err := t.session()
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case terminal.ActionDeal:
		if req.Position != 0 {
			return t.closeDeal(acc, req)
		}
		return t.openDeal(acc, req)
	case terminal.ActionPending:
		t.nextTicket++
		acc.orders[t.nextTicket] = &terminal.Order{
			Ticket:        t.nextTicket,
			Symbol:        req.Symbol,
			Type:          req.Type,
			VolumeInitial: req.Volume,
			PriceOpen:     req.Price,
			SL:            req.SL,
			TP:            req.TP,
			Magic:         req.Magic,
			Comment:       req.Comment,
			Time:          time.Now(),
		}
		return &terminal.TradeResult{Retcode: terminal.RetcodeDone, Order: t.nextTicket, Volume: req.Volume, Price: req.Price}, nil
	case terminal.ActionRemove:
		if _, ok := acc.orders[req.Order]; !ok {
			return &terminal.TradeResult{Retcode: 10013, Comment: "Invalid request"}, nil
		}
		delete(acc.orders, req.Order)
		return &terminal.TradeResult{Retcode: terminal.RetcodeDone, Order: req.Order}, nil
	case terminal.ActionSLTP:
		pos, ok := acc.positions[req.Position]
		if !ok {
			return &terminal.TradeResult{Retcode: 10013, Comment: "Invalid request"}, nil
		}
		pos.SL, pos.TP = req.SL, req.TP
		return &terminal.TradeResult{Retcode: terminal.RetcodeDone}, nil
	case terminal.ActionModify:
		ord, ok := acc.orders[req.Order]
		if !ok {
			return &terminal.TradeResult{Retcode: 10013, Comment: "Invalid request"}, nil
		}
		ord.SL, ord.TP = req.SL, req.TP
		if req.Price > 0 {
			ord.PriceOpen = req.Price
		}
		return &terminal.TradeResult{Retcode: terminal.RetcodeDone, Order: req.Order}, nil
	}
	return &terminal.TradeResult{Retcode: 10013, Comment: "Unsupported action"}, nil
}

func (t *Terminal) openDeal(acc *account, req *terminal.TradeRequest) (*terminal.TradeResult, error) {
	info, ok := t.symbols[req.Symbol]
	if ok && (req.Volume < info.VolumeMin || req.Volume > info.VolumeMax) {
		return &terminal.TradeResult{Retcode: 10014, Comment: "Invalid volume"}, nil
	}
	t.nextTicket++
	pos := &terminal.Position{
		Ticket:    t.nextTicket,
		Symbol:    req.Symbol,
		Type:      req.Type,
		Volume:    req.Volume,
		PriceOpen: req.Price,
		SL:        req.SL,
		TP:        req.TP,
		Magic:     req.Magic,
		Comment:   req.Comment,
		Time:      time.Now(),
	}
	t.markPosition(pos)
	acc.positions[pos.Ticket] = pos
	return &terminal.TradeResult{Retcode: terminal.RetcodeDone, Deal: pos.Ticket, Order: pos.Ticket, Volume: req.Volume, Price: req.Price}, nil
}

func (t *Terminal) closeDeal(acc *account, req *terminal.TradeRequest) (*terminal.TradeResult, error) {
	pos, ok := acc.positions[req.Position]
	if !ok {
		return &terminal.TradeResult{Retcode: 10013, Comment: "Position not found"}, nil
	}
	var profit float64
	if pos.Type == terminal.OrderTypeBuy {
		profit = (req.Price - pos.PriceOpen) * pos.Volume * ContractScale
	} else {
		profit = (pos.PriceOpen - req.Price) * pos.Volume * ContractScale
	}
	acc.balance += profit
	delete(acc.positions, req.Position)
	return &terminal.TradeResult{Retcode: terminal.RetcodeDone, Deal: req.Position, Volume: pos.Volume, Price: req.Price}, nil
}

// OrderCalcMargin implements terminal.Adapter with 1:100 leverage.
func (t *Terminal) OrderCalcMargin(action terminal.TradeAction, symbol string, volume, price float64) (float64, error) {
	defer t.enter()()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.session(); err != nil {
		return 0, err
	}
	return volume * price * ContractScale / 100, nil
}

var _ terminal.Adapter = (*Terminal)(nil)
