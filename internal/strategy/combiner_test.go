package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeforge/pkg/types"
)

func sig(strategy string, action types.SignalAction, strength string) types.Signal {
	return types.Signal{
		Symbol:   "BTC/USDT",
		Action:   action,
		Strength: d(strength),
		Price:    d("50000"),
		Ts:       time.Now(),
		Strategy: strategy,
	}
}

func newTestCombiner(t *testing.T, cfg CombinerConfig) *Combiner {
	t.Helper()
	return NewCombiner(cfg, testLogger())
}

func TestCombinerSingleStrongSignal(t *testing.T) {
	t.Parallel()

	c := newTestCombiner(t, CombinerConfig{})
	intent := c.Evaluate("BTC/USDT", []types.Signal{sig("macross", types.ActionBuy, "0.8")})
	if intent == nil {
		t.Fatal("expected intent from a signal above threshold")
	}
	if intent.Action != types.ActionBuy {
		t.Errorf("action = %s, want buy", intent.Action)
	}
	if !intent.Strength.Equal(d("0.8")) {
		t.Errorf("strength = %s, want 0.8 (win 0.8 − lose 0)", intent.Strength)
	}
	if len(intent.OriginatingSignals) != 1 {
		t.Errorf("originating signals = %d, want 1", len(intent.OriginatingSignals))
	}
}

func TestCombinerBelowThreshold(t *testing.T) {
	t.Parallel()

	c := newTestCombiner(t, CombinerConfig{})
	intent := c.Evaluate("BTC/USDT", []types.Signal{sig("macross", types.ActionBuy, "0.2")})
	if intent != nil {
		t.Fatalf("intent from sub-threshold score: %+v", intent)
	}
}

func TestCombinerTieHolds(t *testing.T) {
	t.Parallel()

	c := newTestCombiner(t, CombinerConfig{})
	intent := c.Evaluate("BTC/USDT", []types.Signal{
		sig("macross", types.ActionBuy, "0.6"),
		sig("rsi", types.ActionSell, "0.6"),
	})
	if intent != nil {
		t.Fatalf("intent from a tied vote: %+v", intent)
	}
}

func TestCombinerEqualWeights(t *testing.T) {
	t.Parallel()

	c := newTestCombiner(t, CombinerConfig{
		Weights: map[string]decimal.Decimal{"macross": d("1"), "rsi": d("1")},
	})
	intent := c.Evaluate("BTC/USDT", []types.Signal{
		sig("macross", types.ActionBuy, "0.6"),
		sig("rsi", types.ActionSell, "0.4"),
	})
	if intent == nil {
		t.Fatal("expected buy intent")
	}
	if intent.Action != types.ActionBuy {
		t.Errorf("action = %s, want buy", intent.Action)
	}
	if !intent.Strength.Equal(d("0.2")) {
		t.Errorf("strength = %s, want 0.2 (0.6 − 0.4)", intent.Strength)
	}
}

func TestCombinerWeightFlipsDecision(t *testing.T) {
	t.Parallel()

	// doubling the sell-side weight flips the same vote to a sell.
	c := newTestCombiner(t, CombinerConfig{
		Weights: map[string]decimal.Decimal{"macross": d("1"), "rsi": d("2")},
	})
	intent := c.Evaluate("BTC/USDT", []types.Signal{
		sig("macross", types.ActionBuy, "0.6"),
		sig("rsi", types.ActionSell, "0.4"),
	})
	if intent == nil {
		t.Fatal("expected sell intent")
	}
	if intent.Action != types.ActionSell {
		t.Errorf("action = %s, want sell", intent.Action)
	}
	if !intent.Strength.Equal(d("0.2")) {
		t.Errorf("strength = %s, want 0.2 (0.8 − 0.6)", intent.Strength)
	}
}

func TestCombinerStrongerBuyWeightNeverFlipsToSell(t *testing.T) {
	t.Parallel()

	signals := []types.Signal{
		sig("macross", types.ActionBuy, "0.6"),
		sig("rsi", types.ActionSell, "0.6"),
	}
	for _, w := range []string{"1.5", "2", "5", "100"} {
		c := newTestCombiner(t, CombinerConfig{
			Weights: map[string]decimal.Decimal{"macross": d(w), "rsi": d("1")},
		})
		intent := c.Evaluate("BTC/USDT", signals)
		if intent == nil {
			t.Fatalf("weight %s: expected buy intent", w)
		}
		if intent.Action != types.ActionBuy {
			t.Errorf("weight %s: action = %s, want buy", w, intent.Action)
		}
	}
}

func TestCombinerMissingWeightDefaultsToOne(t *testing.T) {
	t.Parallel()

	c := newTestCombiner(t, CombinerConfig{
		Weights: map[string]decimal.Decimal{"macross": d("1")},
	})
	// rsi has no configured weight; an equal-strength opposite vote must
	// tie, proving the default weight is 1.
	intent := c.Evaluate("BTC/USDT", []types.Signal{
		sig("macross", types.ActionBuy, "0.9"),
		sig("rsi", types.ActionSell, "0.9"),
	})
	if intent != nil {
		t.Fatalf("default weight is not 1: %+v", intent)
	}
}

func TestCombinerCloseCountsAsSell(t *testing.T) {
	t.Parallel()

	c := newTestCombiner(t, CombinerConfig{})
	intent := c.Evaluate("BTC/USDT", []types.Signal{sig("rsi", types.ActionClose, "0.9")})
	if intent == nil || intent.Action != types.ActionSell {
		t.Fatalf("close vote should produce a sell intent, got %+v", intent)
	}
}

func TestCombinerStrengthClamped(t *testing.T) {
	t.Parallel()

	// a heavy weight pushes the raw difference past 1; the intent clamps.
	c := newTestCombiner(t, CombinerConfig{
		Weights: map[string]decimal.Decimal{"macross": d("3")},
	})
	intent := c.Evaluate("BTC/USDT", []types.Signal{sig("macross", types.ActionBuy, "1")})
	if intent == nil {
		t.Fatal("expected intent")
	}
	if !intent.Strength.Equal(decimal.NewFromInt(1)) {
		t.Errorf("strength = %s, want clamped to 1", intent.Strength)
	}
}

func TestCombinerAnchorsLatestPrice(t *testing.T) {
	t.Parallel()

	c := newTestCombiner(t, CombinerConfig{})
	older := sig("macross", types.ActionBuy, "0.9")
	older.Ts = time.Now().Add(-time.Second)
	older.Price = d("49000")
	newer := sig("rsi", types.ActionBuy, "0.9")
	newer.Price = d("50500")

	intent := c.Evaluate("BTC/USDT", []types.Signal{older, newer})
	if intent == nil {
		t.Fatal("expected intent")
	}
	if !intent.TargetPrice.Equal(d("50500")) {
		t.Errorf("target price = %s, want the newest signal's 50500", intent.TargetPrice)
	}
}

func TestCombinerWindowedRun(t *testing.T) {
	t.Parallel()

	c := newTestCombiner(t, CombinerConfig{Window: 20 * time.Millisecond})
	feed := make(chan types.Signal, 4)
	c.Start(context.Background(), feed)
	defer c.Stop()

	feed <- sig("macross", types.ActionBuy, "0.5")
	feed <- sig("rsi", types.ActionBuy, "0.9")
	feed <- sig("rsi", types.ActionHold, "1") // holds never vote

	select {
	case intent := <-c.Intents():
		if intent.Action != types.ActionBuy {
			t.Errorf("action = %s, want buy", intent.Action)
		}
		if len(intent.OriginatingSignals) != 2 {
			t.Errorf("originating signals = %d, want 2", len(intent.OriginatingSignals))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no intent within the evaluation window")
	}
}

func TestCombinerStopClosesIntents(t *testing.T) {
	t.Parallel()

	c := newTestCombiner(t, CombinerConfig{})
	feed := make(chan types.Signal)
	c.Start(context.Background(), feed)
	c.Stop()

	if _, ok := <-c.Intents(); ok {
		t.Fatal("intent after Stop, want closed channel")
	}
}
