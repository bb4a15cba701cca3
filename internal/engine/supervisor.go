// supervisor.go watches open positions against their protective
// triggers.
//
// The supervisor subscribes to tickers like any other consumer and
// emits close intents back into the engine's intent channel, which
// breaks what would otherwise be a cycle between the engine, the
// portfolio and the trigger logic. Trailing stops only ever ratchet in
// the favourable direction.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeforge/pkg/types"
)

// Trigger is one position's protective configuration.
type Trigger struct {
	Symbol     types.Symbol
	Side       types.PositionSide
	StopLoss   decimal.Decimal // zero = none
	TakeProfit decimal.Decimal // zero = none
	// TrailingPct keeps the stop at this fraction behind the best price
	// seen; zero disables trailing.
	TrailingPct decimal.Decimal
}

type watchState struct {
	trigger Trigger
	fired   bool
}

// Supervisor turns trigger crossings into close intents.
type Supervisor struct {
	logger  *slog.Logger
	intents chan<- types.TradeIntent

	mu      sync.Mutex
	watches map[types.Symbol]*watchState
}

// NewSupervisor emits close intents into the given channel.
func NewSupervisor(intents chan<- types.TradeIntent, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger:  logger.With("component", "supervisor"),
		intents: intents,
		watches: make(map[types.Symbol]*watchState),
	}
}

// Watch installs (or replaces) the trigger for a symbol.
func (s *Supervisor) Watch(t Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watches[t.Symbol] = &watchState{trigger: t}
	s.logger.Info("watching position",
		"symbol", t.Symbol,
		"side", t.Side,
		"stop_loss", t.StopLoss,
		"take_profit", t.TakeProfit,
		"trailing_pct", t.TrailingPct,
	)
}

// Drop removes a symbol's trigger, typically after its position closed.
func (s *Supervisor) Drop(symbol types.Symbol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watches, symbol)
}

// StopLossFor returns the current (possibly ratcheted) stop for tests
// and status reporting.
func (s *Supervisor) StopLossFor(symbol types.Symbol) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.watches[symbol]; ok {
		return w.trigger.StopLoss, true
	}
	return decimal.Decimal{}, false
}

// Run consumes ticker events until the channel closes or ctx is
// cancelled.
func (s *Supervisor) Run(ctx context.Context, events <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.OnTicker(ctx, ev)
		}
	}
}

// OnTicker ratchets trailing stops and fires at most one close per
// watched position.
func (s *Supervisor) OnTicker(ctx context.Context, ev types.Event) {
	if ev.Ticker == nil {
		return
	}
	price := ev.Ticker.Last
	if price.IsZero() {
		price = ev.Ticker.Mid()
	}
	if price.IsZero() {
		return
	}

	s.mu.Lock()
	w, ok := s.watches[ev.Symbol]
	if !ok || w.fired {
		s.mu.Unlock()
		return
	}

	s.ratchet(w, price)
	reason := crossed(w.trigger, price)
	if reason == "" {
		s.mu.Unlock()
		return
	}
	w.fired = true
	s.mu.Unlock()

	s.logger.Warn("protective trigger crossed",
		"symbol", ev.Symbol,
		"side", w.trigger.Side,
		"reason", reason,
		"price", price,
	)
	intent := types.TradeIntent{
		Symbol:      ev.Symbol,
		Action:      types.ActionClose,
		Strength:    decimal.NewFromInt(1),
		TargetPrice: price,
		Ts:          time.Now(),
	}
	select {
	case s.intents <- intent:
	case <-ctx.Done():
	}
}

// ratchet moves a trailing stop toward the price, never away from it.
func (s *Supervisor) ratchet(w *watchState, price decimal.Decimal) {
	trail := w.trigger.TrailingPct
	if !trail.IsPositive() {
		return
	}
	off := price.Mul(trail)
	if w.trigger.Side == types.PositionLong {
		candidate := price.Sub(off)
		if candidate.GreaterThan(w.trigger.StopLoss) {
			w.trigger.StopLoss = candidate
		}
	} else {
		candidate := price.Add(off)
		if w.trigger.StopLoss.IsZero() || candidate.LessThan(w.trigger.StopLoss) {
			w.trigger.StopLoss = candidate
		}
	}
}

// crossed names the trigger the price crossed, or "".
func crossed(t Trigger, price decimal.Decimal) string {
	if t.Side == types.PositionLong {
		if t.StopLoss.IsPositive() && price.LessThanOrEqual(t.StopLoss) {
			return "stop_loss"
		}
		if t.TakeProfit.IsPositive() && price.GreaterThanOrEqual(t.TakeProfit) {
			return "take_profit"
		}
		return ""
	}
	if t.StopLoss.IsPositive() && price.GreaterThanOrEqual(t.StopLoss) {
		return "stop_loss"
	}
	if t.TakeProfit.IsPositive() && price.LessThanOrEqual(t.TakeProfit) {
		return "take_profit"
	}
	return ""
}
