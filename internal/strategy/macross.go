package strategy

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"tradeforge/pkg/types"
)

const (
	defaultFastPeriod = 10
	defaultSlowPeriod = 30
)

func init() {
	Register("macross", newMACross)
}

// maCross signals on simple moving average crossovers: buy when the fast
// average crosses above the slow one, sell when it crosses below.
// Strength is the relative divergence of the two averages, capped at 1.
type maCross struct {
	symbols []types.Symbol
	fast    int
	slow    int

	prices map[types.Symbol]*ring
	// above records whether fast > slow after the previous event, so only
	// actual crossings signal.
	above map[types.Symbol]bool
	ready map[types.Symbol]bool
}

func newMACross(cfg Config) (Strategy, error) {
	fast, err := intParam(cfg.Params, "fast_period", defaultFastPeriod)
	if err != nil {
		return nil, err
	}
	slow, err := intParam(cfg.Params, "slow_period", defaultSlowPeriod)
	if err != nil {
		return nil, err
	}
	if fast >= slow {
		return nil, fmt.Errorf("macross: fast period %d must be below slow period %d", fast, slow)
	}

	return &maCross{
		symbols: cfg.Symbols,
		fast:    fast,
		slow:    slow,
		prices:  make(map[types.Symbol]*ring),
		above:   make(map[types.Symbol]bool),
		ready:   make(map[types.Symbol]bool),
	}, nil
}

func (s *maCross) Name() string { return "macross" }

func (s *maCross) Appetite() Appetite {
	return Appetite{
		Symbols:  s.symbols,
		Channels: []types.ChannelType{types.ChannelTicker},
		Window:   s.slow,
	}
}

func (s *maCross) OnEvent(ev types.Event) *types.Signal {
	if ev.Ticker == nil {
		return nil
	}
	price := ev.Ticker.Mid()
	if price.IsZero() {
		price = ev.Ticker.Last
	}
	if price.IsZero() {
		return nil
	}

	r, ok := s.prices[ev.Symbol]
	if !ok {
		r = newRing(s.slow)
		s.prices[ev.Symbol] = r
	}
	r.push(price)
	if !r.full() {
		return nil
	}

	fastMA := r.mean(s.fast)
	slowMA := r.mean(s.slow)
	nowAbove := fastMA.GreaterThan(slowMA)

	// the first full window only establishes the baseline
	if !s.ready[ev.Symbol] {
		s.ready[ev.Symbol] = true
		s.above[ev.Symbol] = nowAbove
		return nil
	}
	wasAbove := s.above[ev.Symbol]
	s.above[ev.Symbol] = nowAbove
	if nowAbove == wasAbove {
		return nil
	}

	action := types.ActionBuy
	if !nowAbove {
		action = types.ActionSell
	}

	// divergence relative to the slow average, scaled so 1% spread = full
	// strength
	divergence := fastMA.Sub(slowMA).Abs().Div(slowMA).Mul(decimal.NewFromInt(100))
	if divergence.GreaterThan(decimal.NewFromInt(1)) {
		divergence = decimal.NewFromInt(1)
	}

	return &types.Signal{
		Symbol:   ev.Symbol,
		Action:   action,
		Strength: divergence,
		Price:    price,
		Ts:       ev.Ts,
		Strategy: s.Name(),
		Metadata: map[string]string{
			"fast_ma": fastMA.StringFixed(8),
			"slow_ma": slowMA.StringFixed(8),
		},
	}
}

func intParam(params map[string]string, key string, fallback int) (int, error) {
	raw, ok := params[key]
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("parameter %s: %q is not a positive integer", key, raw)
	}
	return v, nil
}
