package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeforge/pkg/types"
)

const (
	defaultWindow    = time.Second
	defaultThreshold = "0.3"
)

// Combiner merges per-strategy signals into trade intents.
//
// Signals are bucketed per symbol over an evaluation window. At the end
// of each window each side's score is the weight-multiplied sum of its
// signal strengths; if the winning score clears the threshold and beats
// the other side, an intent is emitted with
// strength = win − lose clamped to [0, 1] and the originating signals
// attached. A tie or a sub-threshold score yields nothing. Strategies
// without a configured weight count at 1.0.
type Combiner struct {
	logger    *slog.Logger
	weights   map[string]decimal.Decimal
	window    time.Duration
	threshold decimal.Decimal
	intents   chan types.TradeIntent

	mu      sync.Mutex
	pending map[types.Symbol][]types.Signal

	cancel context.CancelFunc
	done   chan struct{}
}

// CombinerConfig tunes the combiner; zero values take defaults.
type CombinerConfig struct {
	Weights   map[string]decimal.Decimal // per-strategy, missing = 1.0
	Window    time.Duration              // 0 = 1s
	Threshold decimal.Decimal            // zero = 0.3
}

// NewCombiner creates a combiner. Feed delivers signals; Intents yields
// the combined output.
func NewCombiner(cfg CombinerConfig, logger *slog.Logger) *Combiner {
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	threshold := cfg.Threshold
	if threshold.IsZero() {
		threshold = decimal.RequireFromString(defaultThreshold)
	}
	weights := cfg.Weights
	if weights == nil {
		weights = map[string]decimal.Decimal{}
	}

	return &Combiner{
		logger:    logger.With("component", "combiner"),
		weights:   weights,
		window:    window,
		threshold: threshold,
		intents:   make(chan types.TradeIntent, 64),
		pending:   make(map[types.Symbol][]types.Signal),
		done:      make(chan struct{}),
	}
}

// Intents returns the combined intent stream. It closes after Stop.
func (c *Combiner) Intents() <-chan types.TradeIntent { return c.intents }

// Start consumes signals until the feed closes or ctx is cancelled,
// evaluating each symbol's bucket once per window.
func (c *Combiner) Start(ctx context.Context, feed <-chan types.Signal) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx, feed)
}

// Stop halts evaluation and closes Intents. Pending buckets are
// discarded: a partial window is not a representative vote.
func (c *Combiner) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func (c *Combiner) run(ctx context.Context, feed <-chan types.Signal) {
	defer close(c.done)
	defer close(c.intents)

	ticker := time.NewTicker(c.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-feed:
			if !ok {
				c.flush(ctx)
				return
			}
			if sig.Action == types.ActionHold {
				continue
			}
			c.mu.Lock()
			c.pending[sig.Symbol] = append(c.pending[sig.Symbol], sig)
			c.mu.Unlock()
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

// flush evaluates and clears every pending bucket.
func (c *Combiner) flush(ctx context.Context) {
	c.mu.Lock()
	buckets := c.pending
	c.pending = make(map[types.Symbol][]types.Signal)
	c.mu.Unlock()

	for symbol, signals := range buckets {
		intent := c.Evaluate(symbol, signals)
		if intent == nil {
			continue
		}
		c.logger.Debug("combined intent",
			"symbol", symbol,
			"action", intent.Action,
			"strength", intent.Strength,
			"signals", len(signals),
		)
		select {
		case c.intents <- *intent:
		case <-ctx.Done():
			return
		}
	}
}

// Evaluate scores one symbol's window. Exported for direct use in tests
// and the dry-run tooling; the runtime path goes through Start.
func (c *Combiner) Evaluate(symbol types.Symbol, signals []types.Signal) *types.TradeIntent {
	if len(signals) == 0 {
		return nil
	}

	one := decimal.NewFromInt(1)
	buyScore := decimal.Zero
	sellScore := decimal.Zero

	for _, sig := range signals {
		weight, ok := c.weights[sig.Strategy]
		if !ok {
			weight = one
		}
		contribution := sig.Strength.Mul(weight)
		switch sig.Action {
		case types.ActionBuy:
			buyScore = buyScore.Add(contribution)
		case types.ActionSell, types.ActionClose:
			sellScore = sellScore.Add(contribution)
		}
	}

	var action types.SignalAction
	var win, lose decimal.Decimal
	switch {
	case buyScore.GreaterThan(sellScore):
		action, win, lose = types.ActionBuy, buyScore, sellScore
	case sellScore.GreaterThan(buyScore):
		action, win, lose = types.ActionSell, sellScore, buyScore
	default:
		return nil // tie → hold
	}
	if win.LessThan(c.threshold) {
		return nil
	}

	strength := win.Sub(lose)
	if strength.GreaterThan(one) {
		strength = one
	}
	if strength.IsNegative() {
		strength = decimal.Zero
	}

	// the most recent signal's price anchors the intent
	latest := signals[0]
	for _, sig := range signals[1:] {
		if sig.Ts.After(latest.Ts) {
			latest = sig
		}
	}

	return &types.TradeIntent{
		Symbol:             symbol,
		Action:             action,
		Strength:           strength,
		TargetPrice:        latest.Price,
		OriginatingSignals: signals,
		Ts:                 time.Now(),
	}
}
