package terminal

import (
	"fmt"
	"time"
)

// Trade server return codes we treat specially. Everything else is logged
// verbatim with the provider's comment and retried on the next cycle.
const (
	// RetcodeDone is the terminal's success code for order_send.
	RetcodeDone = 10009
)

// CodeInvalidAuth is the adapter error code for a rejected login. It triggers
// an immediate account lockout in the session supervisor.
const CodeInvalidAuth = 1045

// OrderType enumerates the terminal's position and pending order types.
// The numeric values are the terminal's own and are wire-significant.
type OrderType int

const (
	OrderTypeBuy OrderType = iota
	OrderTypeSell
	OrderTypeBuyLimit
	OrderTypeSellLimit
	OrderTypeBuyStop
	OrderTypeSellStop
)

// IsBuySide reports whether fills execute against the ask.
func (t OrderType) IsBuySide() bool {
	return t == OrderTypeBuy || t == OrderTypeBuyLimit || t == OrderTypeBuyStop
}

// IsPending reports whether the type is a pending order rather than a deal.
func (t OrderType) IsPending() bool {
	return t >= OrderTypeBuyLimit && t <= OrderTypeSellStop
}

// Opposite returns the market order type that flattens a position of type t.
func (t OrderType) Opposite() OrderType {
	if t == OrderTypeBuy {
		return OrderTypeSell
	}
	return OrderTypeBuy
}

func (t OrderType) String() string {
	switch t {
	case OrderTypeBuy:
		return "Buy"
	case OrderTypeSell:
		return "Sell"
	case OrderTypeBuyLimit:
		return "Buy Limit"
	case OrderTypeSellLimit:
		return "Sell Limit"
	case OrderTypeBuyStop:
		return "Buy Stop"
	case OrderTypeSellStop:
		return "Sell Stop"
	}
	return fmt.Sprintf("OrderType(%d)", int(t))
}

// TradeAction selects the operation carried by a TradeRequest.
// Values mirror the terminal's TRADE_ACTION_* constants.
type TradeAction int

const (
	ActionDeal    TradeAction = 1
	ActionPending TradeAction = 5
	ActionSLTP    TradeAction = 6
	ActionModify  TradeAction = 7
	ActionRemove  TradeAction = 8
)

// Order filling and lifetime policies. Mirrored opens always use IOC + GTC.
const (
	FillingIOC = 1
	TimeGTC    = 0
)

// Timeframe is the terminal's bar period code.
type Timeframe int

const (
	TimeframeM1  Timeframe = 1
	TimeframeM5  Timeframe = 5
	TimeframeM15 Timeframe = 15
	TimeframeM30 Timeframe = 30
	TimeframeH1  Timeframe = 16385
	TimeframeH4  Timeframe = 16388
	TimeframeD1  Timeframe = 16408
)

var timeframeNames = map[string]Timeframe{
	"M1":  TimeframeM1,
	"M5":  TimeframeM5,
	"M15": TimeframeM15,
	"M30": TimeframeM30,
	"H1":  TimeframeH1,
	"H4":  TimeframeH4,
	"D1":  TimeframeD1,
}

// ParseTimeframe maps a config label like "H1" to its terminal code.
func ParseTimeframe(s string) (Timeframe, error) {
	if tf, ok := timeframeNames[s]; ok {
		return tf, nil
	}
	return 0, fmt.Errorf("unknown timeframe %q", s)
}

func (tf Timeframe) String() string {
	for name, code := range timeframeNames {
		if code == tf {
			return name
		}
	}
	return fmt.Sprintf("Timeframe(%d)", int(tf))
}

// Duration returns the bar period length. D1 is treated as 24h.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeM1:
		return time.Minute
	case TimeframeM5:
		return 5 * time.Minute
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeM30:
		return 30 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	case TimeframeD1:
		return 24 * time.Hour
	}
	return time.Minute
}

// Endpoint identifies one broker login against a terminal executable.
type Endpoint struct {
	Login    int64
	Password string
	Server   string
	Path     string
}

// Complete reports whether every field needed for initialize is present.
func (e Endpoint) Complete() bool {
	return e.Login != 0 && e.Password != "" && e.Server != "" && e.Path != ""
}

// AccountInfo is the terminal's account snapshot.
type AccountInfo struct {
	Login       int64
	Balance     float64
	Equity      float64
	Profit      float64
	Credit      float64
	Margin      float64
	MarginFree  float64
	MarginLevel float64
	Currency    string
}

// SymbolInfo describes one tradable instrument.
type SymbolInfo struct {
	Name       string
	Point      float64
	Digits     int
	Spread     int
	TradeMode  int
	VolumeMin  float64
	VolumeMax  float64
	VolumeStep float64
}

// Tick is the best bid/ask pair at a point in time.
type Tick struct {
	Time   time.Time
	Bid    float64
	Ask    float64
	Last   float64
	Volume int64
}

// Bar is one OHLC candle. Unique per (symbol, timeframe, time).
type Bar struct {
	Time       time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	TickVolume int64
	Spread     int32
	RealVolume int64
}

// Position is an open position row.
type Position struct {
	Ticket       int64
	Symbol       string
	Type         OrderType
	Volume       float64
	PriceOpen    float64
	PriceCurrent float64
	SL           float64
	TP           float64
	Profit       float64
	Magic        int64
	Comment      string
	Time         time.Time
}

// Order is a pending order row.
type Order struct {
	Ticket        int64
	Symbol        string
	Type          OrderType
	VolumeInitial float64
	PriceOpen     float64
	SL            float64
	TP            float64
	Magic         int64
	Comment       string
	Time          time.Time
}

// TradeRequest mirrors the terminal's order_send request map.
type TradeRequest struct {
	Action      TradeAction
	Symbol      string
	Volume      float64
	Type        OrderType
	Price       float64
	SL          float64
	TP          float64
	Deviation   int
	Magic       int64
	Comment     string
	Position    int64 // ticket for deal-close and SLTP modifies
	Order       int64 // ticket for pending modifies and removes
	TypeFilling int
	TypeTime    int
}

// TradeResult mirrors the terminal's order_send result.
type TradeResult struct {
	Retcode int
	Deal    int64
	Order   int64
	Volume  float64
	Price   float64
	Comment string
}

// Done reports whether the trade server accepted the request.
func (r *TradeResult) Done() bool {
	return r != nil && r.Retcode == RetcodeDone
}
