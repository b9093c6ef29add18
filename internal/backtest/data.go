package backtest

import (
	"fmt"
	"time"

	"github.com/mtkit/toolbox/internal/barstore"
	"github.com/mtkit/toolbox/internal/terminal"
)

// fallbackPoint is used when no symbol metadata is configured.
const fallbackPoint = 1e-5

// DataHandler replays stored bars chronologically. All series are loaded up
// front; UpdateBars advances every symbol by one bar and publishes a Market
// event for the primary symbol.
type DataHandler struct {
	symbols []string
	series  map[string][]terminal.Bar
	infos   map[string]terminal.SymbolInfo
	cursor  int
	length  int
}

// NewDataHandler loads bars for every symbol from the store.
func NewDataHandler(store *barstore.Store, symbols []string, tf terminal.Timeframe, from, to time.Time) (*DataHandler, error) {
	d := &DataHandler{
		symbols: symbols,
		series:  make(map[string][]terminal.Bar, len(symbols)),
		infos:   make(map[string]terminal.SymbolInfo),
	}
	for _, sym := range symbols {
		bars, err := store.GetBars(sym, tf, from, to)
		if err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			return nil, fmt.Errorf("backtest: no bars stored for %s %s in [%s, %s]", sym, tf, from.Format("2006-01-02"), to.Format("2006-01-02"))
		}
		d.series[sym] = bars
		if len(bars) > d.length {
			d.length = len(bars)
		}
	}
	return d, nil
}

// NewDataHandlerFromBars builds a handler from in-memory series, for tests
// and synthetic scenarios.
func NewDataHandlerFromBars(series map[string][]terminal.Bar) *DataHandler {
	d := &DataHandler{
		series: series,
		infos:  make(map[string]terminal.SymbolInfo),
	}
	for sym, bars := range series {
		d.symbols = append(d.symbols, sym)
		if len(bars) > d.length {
			d.length = len(bars)
		}
	}
	return d
}

// SetSymbolInfo attaches instrument metadata consulted for point size and
// volume limits.
func (d *DataHandler) SetSymbolInfo(info terminal.SymbolInfo) {
	d.infos[info.Name] = info
}

// SymbolInfo returns the configured metadata or a 5-digit default.
func (d *DataHandler) SymbolInfo(symbol string) terminal.SymbolInfo {
	if info, ok := d.infos[symbol]; ok {
		return info
	}
	return terminal.SymbolInfo{
		Name: symbol, Point: fallbackPoint, Digits: 5,
		VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01,
	}
}

// Point returns the symbol's point size.
func (d *DataHandler) Point(symbol string) float64 {
	return d.SymbolInfo(symbol).Point
}

// Continue reports whether bars remain to replay.
func (d *DataHandler) Continue() bool { return d.cursor < d.length }

// UpdateBars advances one bar and publishes a Market event. Publishing
// stops silently once every series is exhausted.
func (d *DataHandler) UpdateBars(q *Queue) {
	if !d.Continue() {
		return
	}
	d.cursor++
	primary := d.symbols[0]
	bar, ok := d.CurrentBar(primary)
	if !ok {
		return
	}
	q.Push(Market{Symbol: primary, Time: bar.Time})
}

// CurrentBar returns the bar the iterator currently stands on.
func (d *DataHandler) CurrentBar(symbol string) (terminal.Bar, bool) {
	bars := d.series[symbol]
	if d.cursor == 0 || d.cursor > len(bars) {
		return terminal.Bar{}, false
	}
	return bars[d.cursor-1], true
}

// LatestBars returns up to n bars ending at the current one.
func (d *DataHandler) LatestBars(symbol string, n int) []terminal.Bar {
	bars := d.series[symbol]
	end := d.cursor
	if end > len(bars) {
		end = len(bars)
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	return bars[start:end]
}

// CurrentTime is the primary symbol's current bar time.
func (d *DataHandler) CurrentTime() time.Time {
	if bar, ok := d.CurrentBar(d.symbols[0]); ok {
		return bar.Time
	}
	return time.Time{}
}
