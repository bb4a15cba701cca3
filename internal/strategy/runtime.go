package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeforge/internal/bus"
	"tradeforge/internal/metrics"
	"tradeforge/pkg/types"
)

const (
	// eventBudget is the per-event processing allowance; exceeding it
	// counts a strike against the strategy.
	eventBudget = 50 * time.Millisecond
	// strikeLimit degrades a strategy once reached.
	strikeLimit = 3
	// degradedFactor down-weights a degraded strategy's signals.
	degradedFactor = "0.5"
)

// Runtime feeds bus events to strategies and collects their signals.
//
// Each strategy runs on its own goroutine with a private bus
// subscription per appetite channel, so a slow strategy degrades itself
// without stalling the others. A strategy that exceeds its per-event
// budget three times is marked degraded and its signal strengths are
// halved from then on.
type Runtime struct {
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *metrics.Metrics
	signals chan types.Signal

	mu     sync.Mutex
	states []*strategyState
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type strategyState struct {
	strategy Strategy
	strikes  int
	degraded bool
}

// NewRuntime creates a runtime publishing to a buffered signal channel.
func NewRuntime(b *bus.Bus, m *metrics.Metrics, logger *slog.Logger) *Runtime {
	return &Runtime{
		logger:  logger.With("component", "strategy"),
		bus:     b,
		metrics: m,
		signals: make(chan types.Signal, 256),
	}
}

// Add installs a strategy. Add must be called before Start.
func (r *Runtime) Add(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, &strategyState{strategy: s})
}

// Signals returns the merged signal stream. The channel closes after
// Stop once all strategy goroutines have drained.
func (r *Runtime) Signals() <-chan types.Signal { return r.signals }

// Start subscribes every strategy and begins dispatch.
func (r *Runtime) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		subs := r.subscribe(st.strategy)
		r.wg.Add(1)
		go r.pump(ctx, st, subs)
	}

	go func() {
		r.wg.Wait()
		close(r.signals)
	}()
}

// Stop cancels dispatch; Signals closes once the pumps exit.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runtime) subscribe(s Strategy) []*bus.Subscription {
	appetite := s.Appetite()
	var subs []*bus.Subscription
	for _, ch := range appetite.Channels {
		if len(appetite.Symbols) == 0 {
			subs = append(subs, r.bus.Subscribe(ch, "", bus.SubscriberOptions{}))
			continue
		}
		for _, sym := range appetite.Symbols {
			subs = append(subs, r.bus.Subscribe(ch, sym, bus.SubscriberOptions{}))
		}
	}
	return subs
}

// pump merges a strategy's subscriptions and serializes OnEvent calls.
func (r *Runtime) pump(ctx context.Context, st *strategyState, subs []*bus.Subscription) {
	defer r.wg.Done()
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	merged := make(chan types.Event, 64)
	var mergeWg sync.WaitGroup
	for _, sub := range subs {
		mergeWg.Add(1)
		go func(sub *bus.Subscription) {
			defer mergeWg.Done()
			for ev := range sub.Events() {
				select {
				case merged <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}
	go func() {
		mergeWg.Wait()
		close(merged)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-merged:
			if !ok {
				return
			}
			r.handle(ctx, st, ev)
		}
	}
}

func (r *Runtime) handle(ctx context.Context, st *strategyState, ev types.Event) {
	start := time.Now()
	signal := st.strategy.OnEvent(ev)
	elapsed := time.Since(start)

	if elapsed > eventBudget {
		st.strikes++
		r.logger.Warn("strategy exceeded event budget",
			"strategy", st.strategy.Name(),
			"elapsed", elapsed,
			"strikes", st.strikes,
		)
		if st.strikes >= strikeLimit && !st.degraded {
			st.degraded = true
			r.logger.Error("strategy degraded, down-weighting signals",
				"strategy", st.strategy.Name())
		}
	}

	if signal == nil {
		return
	}
	if st.degraded {
		signal.Strength = signal.Strength.Mul(decimal.RequireFromString(degradedFactor))
	}
	if r.metrics != nil {
		r.metrics.Signals.WithLabelValues(signal.Strategy, string(signal.Action)).Inc()
	}

	select {
	case r.signals <- *signal:
	case <-ctx.Done():
	}
}
