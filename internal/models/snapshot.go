package models

import (
	"time"

	"github.com/mtkit/toolbox/internal/terminal"
)

// TradeRow is one open position formatted for display.
type TradeRow struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"`
	Volume       float64 `json:"volume"`
	OpenPrice    float64 `json:"open_price"`
	CurrentPrice float64 `json:"current_price"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
	Profit       float64 `json:"profit"`
	Magic        int64   `json:"magic"`
	Comment      string  `json:"comment"`
	Pending      bool    `json:"pending,omitempty"`
}

// TradeRowFromPosition formats a terminal position for display.
func TradeRowFromPosition(p terminal.Position) TradeRow {
	return TradeRow{
		Ticket:       p.Ticket,
		Symbol:       p.Symbol,
		Type:         p.Type.String(),
		Volume:       p.Volume,
		OpenPrice:    p.PriceOpen,
		CurrentPrice: p.PriceCurrent,
		SL:           p.SL,
		TP:           p.TP,
		Profit:       p.Profit,
		Magic:        p.Magic,
		Comment:      p.Comment,
	}
}

// TradeRowFromOrder formats a pending order for display. Pendings have no
// profit yet; the column carries the "pending" marker instead of a number.
func TradeRowFromOrder(o terminal.Order) TradeRow {
	return TradeRow{
		Ticket:    o.Ticket,
		Symbol:    o.Symbol,
		Type:      o.Type.String(),
		Volume:    o.VolumeInitial,
		OpenPrice: o.PriceOpen,
		SL:        o.SL,
		TP:        o.TP,
		Magic:     o.Magic,
		Comment:   o.Comment,
		Pending:   true,
	}
}

// Telemetry is the session-derived portion of a snapshot. It is present only
// on snapshots taken while a session was open for the account that cycle.
type Telemetry struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Profit      float64 `json:"profit"`
	Margin      float64 `json:"margin"`
	MarginFree  float64 `json:"margin_free"`
	MarginLevel float64 `json:"margin_level"`
	Currency    string  `json:"currency"`
	PingMS      int64   `json:"ping_ms"`
}

// Snapshot is one account's state published on the snapshot queue. State and
// error text are always present; telemetry and trades only when the account
// held a session during the producing cycle, so consumers keep the last
// non-nil telemetry they saw.
type Snapshot struct {
	AccountID string       `json:"account_id"`
	Role      Role         `json:"role"`
	State     AccountState `json:"state"`
	Strategy  string       `json:"strategy,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	FailCount int          `json:"fail_count,omitempty"`
	Telemetry *Telemetry   `json:"telemetry,omitempty"`
	Trades    []TradeRow   `json:"trades,omitempty"`
	Taken     time.Time    `json:"taken"`
}

// SnapshotOf captures the account's publishable state. withTelemetry marks
// that the account held a session this cycle and its Info/Trades are fresh.
func SnapshotOf(a *Account, withTelemetry bool) Snapshot {
	snap := Snapshot{
		AccountID: a.ID,
		Role:      a.Role,
		State:     a.State,
		Strategy:  a.ActiveStrategy,
		LastError: a.LastError,
		FailCount: a.FailCount,
		Taken:     time.Now(),
	}
	if withTelemetry && a.Info != nil {
		snap.Telemetry = &Telemetry{
			Balance:     a.Info.Balance,
			Equity:      a.Info.Equity,
			Profit:      a.Info.Profit,
			Margin:      a.Info.Margin,
			MarginFree:  a.Info.MarginFree,
			MarginLevel: a.Info.MarginLevel,
			Currency:    a.Info.Currency,
			PingMS:      a.Ping.Milliseconds(),
		}
		snap.Trades = append([]TradeRow(nil), a.Trades...)
	}
	return snap
}
