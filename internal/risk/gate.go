// Package risk implements the pre-trade validation gate.
//
// Every trade intent passes the checks in a fixed order: kill switch,
// per-trade risk, position concentration, portfolio drawdown, rolling
// daily-trade count, correlation-based down-sizing, and finally venue
// capability. The first failing check rejects the intent; a passing
// intent comes out as an execution order sized for the chosen venue.
// Close intents face only the kill switch, validity and capability
// checks: they reduce exposure, so the entry limits never block them.
//
// The gate is CPU-bound and performs no I/O: it reads portfolio state
// through a snapshot interface and static venue capabilities.
package risk

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tradeforge/internal/exchange"
	"tradeforge/internal/metrics"
	"tradeforge/pkg/types"
)

// Rule names, used in rejection metrics and log lines.
const (
	RuleKillSwitch    = "kill_switch"
	RuleInvalidOrder  = "invalid_order"
	RulePerTradeRisk  = "per_trade_risk"
	RuleConcentration = "concentration"
	RuleDrawdown      = "drawdown"
	RuleDailyTrades   = "daily_trades"
	RuleCapability    = "capability"
)

// tradeWindow is the rolling window for the daily-trade count.
const tradeWindow = 24 * time.Hour

// farBookOffset pads the limit price when a market order is translated
// to an IOC limit, so the order crosses the whole visible book.
var farBookOffset = decimal.RequireFromString("0.05")

// PortfolioView is the read surface the gate needs. The portfolio core
// implements it with copied snapshots, so the gate never observes a
// partial mutation.
type PortfolioView interface {
	Equity() decimal.Decimal
	PeakEquity() decimal.Decimal
	Position(symbol types.Symbol) (types.Position, bool)
	Positions() []types.Position
	TradesSince(cutoff time.Time) int
}

// Limits are the configured risk bounds. Fractions are of account
// equity: MaxRiskPerTrade 0.02 means a trade may risk 2% of equity.
type Limits struct {
	MaxRiskPerTrade decimal.Decimal
	MaxPositionSize decimal.Decimal
	MaxDrawdown     decimal.Decimal
	MaxDailyTrades  int
	// DefaultStopLossPct sizes the risk check when an intent carries no
	// explicit stop.
	DefaultStopLossPct decimal.Decimal
}

// CorrelationProvider supplies pairwise symbol correlations in [-1, 1].
// A nil provider disables the correlation adjustment.
type CorrelationProvider interface {
	Correlation(a, b types.Symbol) (decimal.Decimal, bool)
}

// Gate validates trade intents against the portfolio and the limits.
type Gate struct {
	logger       *slog.Logger
	limits       Limits
	portfolio    PortfolioView
	correlations CorrelationProvider
	metrics      *metrics.Metrics
	killed       atomic.Bool
	now          func() time.Time
}

// NewGate builds a gate. correlations and m may be nil.
func NewGate(limits Limits, view PortfolioView, correlations CorrelationProvider, m *metrics.Metrics, logger *slog.Logger) *Gate {
	return &Gate{
		logger:       logger.With("component", "risk"),
		limits:       limits,
		portfolio:    view,
		correlations: correlations,
		metrics:      m,
		now:          time.Now,
	}
}

// SetKillSwitch engages or releases the global trading halt.
func (g *Gate) SetKillSwitch(on bool) {
	prev := g.killed.Swap(on)
	if prev != on {
		g.logger.Warn("kill switch changed", "engaged", on)
	}
}

// KillSwitch reports whether the halt is engaged.
func (g *Gate) KillSwitch() bool { return g.killed.Load() }

// Approve runs the checks in order and returns an execution order for
// the given venue, or the rejection of the first failing rule.
func (g *Gate) Approve(intent types.TradeIntent, venue string, caps types.Capabilities) (*types.ExecutionOrder, error) {
	if g.killed.Load() {
		return nil, g.reject(RuleKillSwitch, intent, exchange.NewError(exchange.ErrKillSwitch, "", "trading halted by operator"))
	}
	if !intent.Quantity.IsPositive() {
		return nil, g.reject(RuleInvalidOrder, intent, exchange.NewError(exchange.ErrInvalidOrder, "", "intent has no quantity"))
	}
	price := intent.TargetPrice
	if !price.IsPositive() {
		return nil, g.reject(RuleInvalidOrder, intent, exchange.NewError(exchange.ErrInvalidOrder, "", "intent has no reference price"))
	}

	quantity := intent.Quantity

	// A close only reduces exposure: the sizing, drawdown and
	// daily-count limits stop new risk, so a reduce-only intent skips
	// them and protective exits stay available after a halt trips.
	if intent.Action != types.ActionClose {
		equity := g.portfolio.Equity()
		if !equity.IsPositive() {
			return nil, g.reject(RulePerTradeRisk, intent, exchange.NewError(exchange.ErrRiskRejected, "", "account equity is not positive"))
		}

		notional := intent.Quantity.Mul(price)

		// per-trade risk: notional × stop distance against the risk budget
		stopDistance := g.stopDistance(intent, price)
		riskAmount := notional.Mul(stopDistance)
		riskBudget := g.limits.MaxRiskPerTrade.Mul(equity)
		if g.limits.MaxRiskPerTrade.IsPositive() && riskAmount.GreaterThan(riskBudget) {
			return nil, g.reject(RulePerTradeRisk, intent, exchange.NewError(exchange.ErrRiskRejected, "",
				"trade risks "+riskAmount.StringFixed(2)+", budget "+riskBudget.StringFixed(2)))
		}

		// concentration: post-trade position notional against the cap
		if g.limits.MaxPositionSize.IsPositive() {
			postNotional := notional
			if pos, ok := g.portfolio.Position(intent.Symbol); ok && sameDirection(pos.Side, intent.Action) {
				postNotional = postNotional.Add(pos.Notional(price))
			}
			limit := g.limits.MaxPositionSize.Mul(equity)
			if postNotional.GreaterThan(limit) {
				return nil, g.reject(RuleConcentration, intent, exchange.NewError(exchange.ErrRiskRejected, "",
					"position notional "+postNotional.StringFixed(2)+" exceeds cap "+limit.StringFixed(2)))
			}
		}

		// drawdown from peak equity
		if peak := g.portfolio.PeakEquity(); peak.IsPositive() && g.limits.MaxDrawdown.IsPositive() {
			drawdown := peak.Sub(equity).Div(peak)
			if drawdown.GreaterThanOrEqual(g.limits.MaxDrawdown) {
				return nil, g.reject(RuleDrawdown, intent, exchange.NewError(exchange.ErrDrawdown, "",
					"drawdown "+drawdown.StringFixed(4)+" at limit "+g.limits.MaxDrawdown.StringFixed(4)))
			}
		}

		// rolling 24h trade count
		if g.limits.MaxDailyTrades > 0 {
			trades := g.portfolio.TradesSince(g.now().Add(-tradeWindow))
			if trades >= g.limits.MaxDailyTrades {
				return nil, g.reject(RuleDailyTrades, intent, exchange.NewError(exchange.ErrRiskRejected, "",
					"daily trade limit reached"))
			}
		}

		quantity = g.scaleForCorrelation(intent)
		if !quantity.IsPositive() {
			return nil, g.reject(RuleInvalidOrder, intent, exchange.NewError(exchange.ErrInvalidOrder, "", "quantity scaled to zero"))
		}
	}

	order, err := g.buildOrder(intent, quantity, price, venue, caps)
	if err != nil {
		return nil, g.reject(RuleCapability, intent, err)
	}
	return order, nil
}

// stopDistance is the fractional distance from price to the stop, using
// the configured default when the intent carries no explicit stop.
func (g *Gate) stopDistance(intent types.TradeIntent, price decimal.Decimal) decimal.Decimal {
	if intent.StopLoss.IsPositive() {
		return price.Sub(intent.StopLoss).Abs().Div(price)
	}
	if g.limits.DefaultStopLossPct.IsPositive() {
		return g.limits.DefaultStopLossPct
	}
	// no stop anywhere: the whole notional is at risk
	return decimal.NewFromInt(1)
}

// scaleForCorrelation shrinks the quantity by 1 − 0.5·|ρ̄| where ρ̄ is
// the equity-weighted mean correlation of the symbol to open positions.
func (g *Gate) scaleForCorrelation(intent types.TradeIntent) decimal.Decimal {
	if g.correlations == nil {
		return intent.Quantity
	}

	weighted := decimal.Zero
	totalWeight := decimal.Zero
	for _, pos := range g.portfolio.Positions() {
		if pos.Symbol == intent.Symbol {
			continue
		}
		rho, ok := g.correlations.Correlation(intent.Symbol, pos.Symbol)
		if !ok {
			continue
		}
		weight := pos.Notional(pos.EntryPrice)
		weighted = weighted.Add(rho.Mul(weight))
		totalWeight = totalWeight.Add(weight)
	}
	if totalWeight.IsZero() {
		return intent.Quantity
	}

	meanRho := weighted.Div(totalWeight).Abs()
	half := decimal.RequireFromString("0.5")
	factor := decimal.NewFromInt(1).Sub(half.Mul(meanRho))
	scaled := intent.Quantity.Mul(factor)
	if !scaled.Equal(intent.Quantity) {
		g.logger.Debug("correlation-adjusted size",
			"symbol", intent.Symbol,
			"mean_correlation", meanRho.StringFixed(4),
			"quantity", scaled,
		)
	}
	return scaled
}

// buildOrder maps the intent onto the venue's capabilities. A market
// intent on a venue without market orders becomes an IOC limit priced
// past the far touch; anything else unsupported is rejected.
func (g *Gate) buildOrder(intent types.TradeIntent, quantity, price decimal.Decimal, venue string, caps types.Capabilities) (*types.ExecutionOrder, error) {
	side := types.BUY
	switch intent.Action {
	case types.ActionSell:
		side = types.SELL
	case types.ActionClose:
		// closing exits whatever is open: sell a long, buy back a short
		side = types.SELL
		if pos, ok := g.portfolio.Position(intent.Symbol); ok && pos.Side == types.PositionShort {
			side = types.BUY
		}
	}

	order := &types.ExecutionOrder{
		Venue:       venue,
		Symbol:      intent.Symbol,
		Side:        side,
		Type:        types.OrderTypeMarket,
		Quantity:    quantity,
		TimeInForce: types.TIFGoodTilCanceled,
		StopLoss:    intent.StopLoss,
		TakeProfit:  intent.TakeProfit,
		Intent:      &intent,
	}

	if caps.SupportsOrderType(types.OrderTypeMarket) {
		return order, nil
	}
	if !caps.SupportsOrderType(types.OrderTypeLimit) || !caps.SupportsTIF(types.TIFImmediateOrCancel) {
		return nil, exchange.NewError(exchange.ErrUnsupported, venue, "venue supports neither market nor IOC limit orders")
	}

	// cross the book: buy above the ask, sell below the bid
	offset := price.Mul(farBookOffset)
	order.Type = types.OrderTypeLimit
	order.TimeInForce = types.TIFImmediateOrCancel
	if side == types.BUY {
		order.Price = price.Add(offset)
	} else {
		order.Price = price.Sub(offset)
	}
	return order, nil
}

func (g *Gate) reject(rule string, intent types.TradeIntent, err error) error {
	if g.metrics != nil {
		g.metrics.RiskRejections.WithLabelValues(rule).Inc()
	}
	g.logger.Info("intent rejected",
		"rule", rule,
		"symbol", intent.Symbol,
		"action", intent.Action,
		"err", err,
	)
	return err
}

// sameDirection reports whether a new intent grows the existing
// position rather than reducing it. Closes always reduce.
func sameDirection(side types.PositionSide, action types.SignalAction) bool {
	switch action {
	case types.ActionBuy:
		return side == types.PositionLong
	case types.ActionSell:
		return side == types.PositionShort
	}
	return false
}
