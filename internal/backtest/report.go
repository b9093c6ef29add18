package backtest

import (
	"fmt"
	"math"
	"strings"
)

// Report is the end-of-run summary. Drawdown is computed over the
// realized-trade cumulative P&L curve, not the mark-to-market equity path.
type Report struct {
	InitialCash    float64
	FinalEquity    float64
	TotalReturnPct float64
	TotalTrades    int
	WinRate        float64
	AvgWin         float64
	AvgLoss        float64
	ProfitFactor   float64
	PeakEquity     float64
	MaxDrawdown    float64
	Trades         []TradeRecord
}

func buildReport(initialCash, finalEquity float64, trades []TradeRecord) *Report {
	r := &Report{
		InitialCash: initialCash,
		FinalEquity: finalEquity,
		TotalTrades: len(trades),
		Trades:      trades,
	}
	if initialCash > 0 {
		r.TotalReturnPct = (finalEquity - initialCash) / initialCash * 100
	}

	var wins, losses int
	var grossWin, grossLoss float64
	cumulative := 0.0
	peak := math.Inf(-1)
	peakCum := 0.0
	for _, t := range trades {
		if t.Net > 0 {
			wins++
			grossWin += t.Net
		} else {
			losses++
			grossLoss += -t.Net
		}
		cumulative += t.Net
		if cumulative > peak || peak == math.Inf(-1) {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > r.MaxDrawdown {
			r.MaxDrawdown = dd
		}
		if cumulative > peakCum {
			peakCum = cumulative
		}
	}
	if len(trades) > 0 {
		r.WinRate = float64(wins) / float64(len(trades))
	}
	if wins > 0 {
		r.AvgWin = grossWin / float64(wins)
	}
	if losses > 0 {
		r.AvgLoss = grossLoss / float64(losses)
	}
	switch {
	case grossLoss > 0:
		r.ProfitFactor = grossWin / grossLoss
	case grossWin > 0:
		r.ProfitFactor = math.Inf(1)
	}
	r.PeakEquity = initialCash + peakCum
	return r
}

// String renders the report for the console.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "initial cash:    %.2f\n", r.InitialCash)
	fmt.Fprintf(&b, "final equity:    %.2f\n", r.FinalEquity)
	fmt.Fprintf(&b, "total return:    %.2f%%\n", r.TotalReturnPct)
	fmt.Fprintf(&b, "total trades:    %d\n", r.TotalTrades)
	fmt.Fprintf(&b, "win rate:        %.1f%%\n", r.WinRate*100)
	fmt.Fprintf(&b, "avg win:         %.2f\n", r.AvgWin)
	fmt.Fprintf(&b, "avg loss:        %.2f\n", r.AvgLoss)
	fmt.Fprintf(&b, "profit factor:   %.2f\n", r.ProfitFactor)
	fmt.Fprintf(&b, "peak equity:     %.2f\n", r.PeakEquity)
	fmt.Fprintf(&b, "max drawdown:    %.2f\n", r.MaxDrawdown)
	return b.String()
}
