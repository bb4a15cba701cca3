// Package strategy hosts the signal-generating strategies and the
// runtime that feeds them market data.
//
// A Strategy declares an appetite (symbols, channels, lookback window),
// receives matching events one at a time, and may answer with a Signal.
// Strategies are single-goroutine: the runtime serializes OnEvent calls,
// so implementations keep plain per-symbol state without locking.
//
// Implementations register a factory by name at init time; the runtime
// instantiates them from configuration.
package strategy

import (
	"fmt"
	"sort"

	"tradeforge/pkg/types"
)

// Appetite declares what data a strategy wants.
type Appetite struct {
	Symbols  []types.Symbol
	Channels []types.ChannelType
	// Window is the number of data points the strategy needs before it
	// can produce signals.
	Window int
}

// Strategy turns market events into signals. OnEvent returns nil when the
// event produces no opinion.
type Strategy interface {
	Name() string
	Appetite() Appetite
	OnEvent(ev types.Event) *types.Signal
}

// Config instantiates one strategy from configuration.
type Config struct {
	Symbols []types.Symbol
	Params  map[string]string
}

// Factory builds a strategy instance.
type Factory func(cfg Config) (Strategy, error)

var factories = map[string]Factory{}

// Register installs a factory under name. Duplicate names panic: factory
// registration happens at init time and a collision is a programming
// error.
func Register(name string, f Factory) {
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("strategy %q registered twice", name))
	}
	factories[name] = f
}

// New instantiates a registered strategy.
func New(name string, cfg Config) (Strategy, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (known: %v)", name, Names())
	}
	return f(cfg)
}

// Names lists the registered strategies, sorted.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
