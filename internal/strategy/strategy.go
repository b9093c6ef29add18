// Package strategy hosts the strategy runtime: the strategy contract, the
// registration table, parameter merging, and the per-account runner.
package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/mtkit/toolbox/internal/gateway"
	"github.com/mtkit/toolbox/internal/terminal"
)

// MarketEvent is the heartbeat delivered to OnBar. Live runners emit one per
// tick interval with Time = now; the backtester emits one per stored bar.
type MarketEvent struct {
	Symbol string
	Time   time.Time
}

// Strategy is the lifecycle every trading strategy implements. OnInit
// returning an error aborts the start; OnBar runs once per market event;
// OnDeinit always runs on shutdown of a started strategy.
type Strategy interface {
	OnInit() error
	OnBar(ev MarketEvent)
	OnDeinit()
}

// Factory builds a strategy instance bound to a gateway.
type Factory func(gw gateway.Gateway, symbol string, tf terminal.Timeframe, params Params) Strategy

// Info is the static metadata shown to operators.
type Info struct {
	Name        string
	Description string
	Schema      Schema
}

// registry is the explicit registration table. Strategies are compiled in
// and register from init; there is no filesystem discovery.
var registry = map[string]registration{}

type registration struct {
	info    Info
	factory Factory
}

// Register adds a strategy to the table. Duplicate names are a programming
// error and panic at init time.
func Register(info Info, factory Factory) {
	if _, dup := registry[info.Name]; dup {
		panic(fmt.Sprintf("strategy %q registered twice", info.Name))
	}
	registry[info.Name] = registration{info: info, factory: factory}
}

// Lookup returns the registered strategy by its user-visible name.
func Lookup(name string) (Info, Factory, error) {
	reg, ok := registry[name]
	if !ok {
		return Info{}, nil, fmt.Errorf("unknown strategy %q", name)
	}
	return reg.info, reg.factory, nil
}

// List returns all registered strategies sorted by name.
func List() []Info {
	out := make([]Info, 0, len(registry))
	for _, reg := range registry {
		out = append(out, reg.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
