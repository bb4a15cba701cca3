package strategy

import (
	"github.com/shopspring/decimal"

	"tradeforge/pkg/types"
)

const (
	defaultRSIPeriod  = 14
	defaultOversold   = 30
	defaultOverbought = 70
)

func init() {
	Register("rsi", newRSI)
}

// rsi signals on the relative strength index: buy when the index drops
// below the oversold band, sell when it rises above the overbought band.
// Strength grows with the distance past the band, reaching 1 at the
// extremes.
type rsi struct {
	symbols    []types.Symbol
	period     int
	oversold   decimal.Decimal
	overbought decimal.Decimal

	prices map[types.Symbol]*ring
	// signaled suppresses repeat signals while the index stays past a band.
	signaled map[types.Symbol]types.SignalAction
}

func newRSI(cfg Config) (Strategy, error) {
	period, err := intParam(cfg.Params, "period", defaultRSIPeriod)
	if err != nil {
		return nil, err
	}
	oversold, err := intParam(cfg.Params, "oversold", defaultOversold)
	if err != nil {
		return nil, err
	}
	overbought, err := intParam(cfg.Params, "overbought", defaultOverbought)
	if err != nil {
		return nil, err
	}

	return &rsi{
		symbols:    cfg.Symbols,
		period:     period,
		oversold:   decimal.NewFromInt(int64(oversold)),
		overbought: decimal.NewFromInt(int64(overbought)),
		prices:     make(map[types.Symbol]*ring),
		signaled:   make(map[types.Symbol]types.SignalAction),
	}, nil
}

func (s *rsi) Name() string { return "rsi" }

func (s *rsi) Appetite() Appetite {
	return Appetite{
		Symbols:  s.symbols,
		Channels: []types.ChannelType{types.ChannelTicker},
		Window:   s.period + 1,
	}
}

func (s *rsi) OnEvent(ev types.Event) *types.Signal {
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
		r = newRing(s.period + 1)
		s.prices[ev.Symbol] = r
	}
	r.push(price)
	if !r.full() {
		return nil
	}

	index := s.compute(r)

	var action types.SignalAction
	var strength decimal.Decimal
	hundred := decimal.NewFromInt(100)
	switch {
	case index.LessThan(s.oversold):
		action = types.ActionBuy
		// distance below the band scaled to [0,1]
		strength = s.oversold.Sub(index).Div(s.oversold)
	case index.GreaterThan(s.overbought):
		action = types.ActionSell
		strength = index.Sub(s.overbought).Div(hundred.Sub(s.overbought))
	default:
		delete(s.signaled, ev.Symbol)
		return nil
	}

	// one signal per band excursion
	if s.signaled[ev.Symbol] == action {
		return nil
	}
	s.signaled[ev.Symbol] = action

	return &types.Signal{
		Symbol:   ev.Symbol,
		Action:   action,
		Strength: strength,
		Price:    price,
		Ts:       ev.Ts,
		Strategy: s.Name(),
		Metadata: map[string]string{"rsi": index.StringFixed(2)},
	}
}

// compute derives the RSI over the buffer's period using the simple
// average of gains and losses.
func (s *rsi) compute(r *ring) decimal.Decimal {
	gains := decimal.Zero
	losses := decimal.Zero
	for i := 0; i < s.period; i++ {
		change := r.at(i).Sub(r.at(i + 1))
		if change.IsPositive() {
			gains = gains.Add(change)
		} else {
			losses = losses.Sub(change)
		}
	}

	hundred := decimal.NewFromInt(100)
	if losses.IsZero() {
		if gains.IsZero() {
			return decimal.NewFromInt(50)
		}
		return hundred
	}
	rs := gains.Div(losses)
	one := decimal.NewFromInt(1)
	return hundred.Sub(hundred.Div(one.Add(rs)))
}
