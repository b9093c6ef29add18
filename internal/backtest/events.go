// Package backtest is the event-driven backtester: bars advance through a
// single queue of Market, Signal, Order and Fill events, processed by one
// deterministic loop.
package backtest

import (
	"time"
)

// Direction is a signal or order side.
type Direction int

const (
	DirBuy Direction = iota
	DirSell
	// DirClose asks the portfolio to flatten the symbol's position.
	DirClose
)

func (d Direction) String() string {
	switch d {
	case DirBuy:
		return "Buy"
	case DirSell:
		return "Sell"
	case DirClose:
		return "Close"
	}
	return "?"
}

// OrderKind is the order execution model. Only market orders are filled;
// limit and stop kinds are declared for the interface and rejected.
type OrderKind int

const (
	OrderMKT OrderKind = iota
	OrderLMT
	OrderSTP
)

// Event is anything that can travel the backtest queue.
type Event interface {
	event()
}

// Market announces that a new bar has advanced.
type Market struct {
	Symbol string
	Time   time.Time
}

// Signal is a strategy intent.
type Signal struct {
	Symbol    string
	Direction Direction
	Strength  float64
}

// Order is a portfolio decision ready for execution.
type Order struct {
	Symbol    string
	Kind      OrderKind
	Direction Direction
	Quantity  float64
	// Price is used by LMT/STP kinds only.
	Price float64
	// Closing marks orders that flatten an existing position. Closing fills
	// carry no commission: the round-turn fee is charged at entry.
	Closing bool
}

// Fill is an execution confirmation.
type Fill struct {
	Symbol     string
	Direction  Direction
	Quantity   float64
	FillPrice  float64
	Commission float64
	Slippage   float64
	Closing    bool
	Time       time.Time
}

func (Market) event() {}
func (Signal) event() {}
func (Order) event()  {}
func (Fill) event()   {}

// Queue is the FIFO event queue. The loop is single-threaded, so no locking.
type Queue struct {
	events []Event
}

// Push appends an event.
func (q *Queue) Push(ev Event) { q.events = append(q.events, ev) }

// Pop removes and returns the oldest event.
func (q *Queue) Pop() (Event, bool) {
	if len(q.events) == 0 {
		return nil, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

// Empty reports whether the queue has no pending events.
func (q *Queue) Empty() bool { return len(q.events) == 0 }
