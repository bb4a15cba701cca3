// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading engine — symbols,
// tickers, order books, orders, fills, positions, balances, signals, and
// trade intents. It has no dependencies on internal packages, so it can be
// imported by any layer.
//
// All monetary and quantity fields are decimal.Decimal. Floating-point is
// never used for anything that affects balances or P&L.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order types. Not every venue supports
// every type; adapters declare what they can do via Capabilities.
type OrderType string

const (
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeStop            OrderType = "STOP"
	OrderTypeStopLimit       OrderType = "STOP_LIMIT"
	OrderTypeTakeProfit      OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
)

// TimeInForce controls how long an order stays working on the venue.
type TimeInForce string

const (
	TIFGoodTilCanceled   TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFFillOrKill        TimeInForce = "FOK"
	TIFGoodTilDate       TimeInForce = "GTD"
)

// OrderStatus is the lifecycle state of an order. Terminal statuses
// (FILLED, CANCELED, REJECTED, EXPIRED) are immutable once reached.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Sign returns +1 for long and -1 for short, as a decimal multiplier for
// P&L math.
func (p PositionSide) Sign() decimal.Decimal {
	if p == PositionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// ChannelType identifies a streaming market-data channel.
type ChannelType string

const (
	ChannelTicker    ChannelType = "ticker"
	ChannelOrderBook ChannelType = "orderbook"
	ChannelTrade     ChannelType = "trade"
	ChannelUser      ChannelType = "user"
)

// SignalAction is what a strategy wants done with a symbol.
type SignalAction string

const (
	ActionBuy   SignalAction = "buy"
	ActionSell  SignalAction = "sell"
	ActionHold  SignalAction = "hold"
	ActionClose SignalAction = "close"
)

// ————————————————————————————————————————————————————————————————————————
// Symbols
// ————————————————————————————————————————————————————————————————————————

// Symbol is the canonical trading-pair identifier, BASE/QUOTE (e.g.
// "BTC/USDT"). It is the only cross-component currency; adapters translate
// to venue-native forms at the wire boundary.
type Symbol string

// NewSymbol builds a canonical symbol from base and quote assets.
func NewSymbol(base, quote string) Symbol {
	return Symbol(strings.ToUpper(base) + "/" + strings.ToUpper(quote))
}

// Parse splits the symbol into base and quote. An error is returned for
// anything that is not exactly BASE/QUOTE.
func (s Symbol) Parse() (base, quote string, err error) {
	parts := strings.Split(string(s), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed symbol %q, want BASE/QUOTE", s)
	}
	return parts[0], parts[1], nil
}

// Base returns the base asset, or "" for a malformed symbol.
func (s Symbol) Base() string {
	base, _, _ := s.Parse()
	return base
}

// Quote returns the quote asset, or "" for a malformed symbol.
func (s Symbol) Quote() string {
	_, quote, _ := s.Parse()
	return quote
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market describes one tradeable instrument on a venue: precision and
// minimum-size constraints the execution layer must respect when rounding
// order prices and quantities.
type Market struct {
	Symbol         Symbol          `json:"symbol"`
	Base           string          `json:"base"`
	Quote          string          `json:"quote"`
	PricePrecision int32           `json:"price_precision"`
	QtyPrecision   int32           `json:"qty_precision"`
	MinQty         decimal.Decimal `json:"min_qty"`
	MinNotional    decimal.Decimal `json:"min_notional"`
}

// FeeSchedule is the uniform per-venue maker/taker fee rate, expressed as
// fractions (0.001 = 10 bps).
type FeeSchedule struct {
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}

// Capabilities describes what an adapter can do, so the execution engine
// can refuse or translate unsupported order types instead of silently
// degrading.
type Capabilities struct {
	OrderTypes     []OrderType   `json:"order_types"`
	TimeInForce    []TimeInForce `json:"time_in_force"`
	ClientIDLookup bool          `json:"client_id_lookup"` // GET order by client ID supported
	Fees           FeeSchedule   `json:"fees"`
}

// SupportsOrderType reports whether the venue accepts the given order type.
func (c Capabilities) SupportsOrderType(t OrderType) bool {
	for _, ot := range c.OrderTypes {
		if ot == t {
			return true
		}
	}
	return false
}

// SupportsTIF reports whether the venue accepts the given time-in-force.
func (c Capabilities) SupportsTIF(tif TimeInForce) bool {
	for _, t := range c.TimeInForce {
		if t == tif {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Ticker is a normalized top-of-book quote. Within one stream session the
// Ts for a given symbol is monotonic non-decreasing: a regressing ticker is
// dropped at normalization, never delivered.
type Ticker struct {
	Symbol      Symbol          `json:"symbol"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	Last        decimal.Decimal `json:"last"`
	BaseVolume  decimal.Decimal `json:"base_volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	Ts          time.Time       `json:"ts"`
}

// Mid returns (bid+ask)/2, or zero if either side is empty.
func (t Ticker) Mid() decimal.Decimal {
	if t.Bid.IsZero() || t.Ask.IsZero() {
		return decimal.Zero
	}
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// PriceLevel is one bid or ask level: (price, size).
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBookSnapshot is a point-in-time view of one symbol's book.
// Bids are sorted descending, asks ascending.
type OrderBookSnapshot struct {
	Symbol       Symbol       `json:"symbol"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID int64        `json:"last_update_id"`
	Ts           time.Time    `json:"ts"`
}

// BestBidAsk returns the top of book. ok is false when either side is empty.
func (ob OrderBookSnapshot) BestBidAsk() (bid, ask decimal.Decimal, ok bool) {
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	return ob.Bids[0].Price, ob.Asks[0].Price, true
}

// OrderBookDelta is an incremental book update. A level with Size zero
// removes the level. Deltas are meaningful only relative to a prior
// snapshot: FirstUpdateID must be exactly lastLocalID+1 or the consumer
// must refetch a snapshot.
type OrderBookDelta struct {
	Symbol        Symbol       `json:"symbol"`
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
	FirstUpdateID int64        `json:"first_update_id"`
	LastUpdateID  int64        `json:"last_update_id"`
	Ts            time.Time    `json:"ts"`
}

// Trade is a normalized public trade print. TradeID is unique per symbol
// per venue.
type Trade struct {
	Symbol  Symbol          `json:"symbol"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Side    Side            `json:"side"`
	Ts      time.Time       `json:"ts"`
	TradeID string          `json:"trade_id"`
}

// Event is the union of payloads flowing through the market data bus.
// Exactly one of the pointer fields is set, matching Channel.
type Event struct {
	Venue    string             `json:"venue"`
	Channel  ChannelType        `json:"channel"`
	Symbol   Symbol             `json:"symbol"`
	Ticker   *Ticker            `json:"ticker,omitempty"`
	Book     *OrderBookSnapshot `json:"book,omitempty"`
	Delta    *OrderBookDelta    `json:"delta,omitempty"`
	Trade    *Trade             `json:"trade,omitempty"`
	Fill     *Fill              `json:"fill,omitempty"`
	OrderUpd *Order             `json:"order,omitempty"`
	// GapNotice is set on the first event of a channel after a reconnect:
	// consumers may have missed a window of events and should treat local
	// derived state (e.g. order books) as stale.
	GapNotice bool      `json:"gap_notice,omitempty"`
	Ts        time.Time `json:"ts"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// Order is the engine's view of one venue order. Created when a placement
// is acknowledged, mutated only by fill/cancel events, immutable once
// Status is terminal.
type Order struct {
	OrderID        string          `json:"order_id"`
	ClientID       string          `json:"client_id"`
	Venue          string          `json:"venue"`
	Symbol         Symbol          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Price          decimal.Decimal `json:"price"` // zero for market orders
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Status         OrderStatus     `json:"status"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining returns quantity − filled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Fill is a (partial or full) execution report, the authoritative source
// for balance and position changes.
type Fill struct {
	OrderID  string          `json:"order_id"`
	ClientID string          `json:"client_id"`
	Venue    string          `json:"venue"`
	Symbol   Symbol          `json:"symbol"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Fee      decimal.Decimal `json:"fee"` // charged in FeeAsset
	FeeAsset string          `json:"fee_asset"`
	TradeID  string          `json:"trade_id"`
	Ts       time.Time       `json:"ts"`
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio
// ————————————————————————————————————————————————————————————————————————

// Position is an open isolated position. Size is always > 0; a position
// whose size reaches zero is deleted atomically with the closing fill.
// EntryPrice is the size-weighted average (VWAP) of the opening fills.
type Position struct {
	Symbol        Symbol          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	EntryTime     time.Time       `json:"entry_time"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	StopLoss      decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    decimal.Decimal `json:"take_profit,omitempty"`
}

// Notional returns size × price.
func (p Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(price)
}

// Balance tracks one asset. Invariant: Total = Free + Used, all ≥ 0.
// Used is the sum of reservations held by open orders and positions.
type Balance struct {
	Asset string          `json:"asset"`
	Free  decimal.Decimal `json:"free"`
	Used  decimal.Decimal `json:"used"`
	Total decimal.Decimal `json:"total"`
}

// ————————————————————————————————————————————————————————————————————————
// Signals and intents
// ————————————————————————————————————————————————————————————————————————

// Signal is one strategy's opinion on a symbol at a moment in time.
// Signals are immutable once produced. Strength is in [0, 1].
type Signal struct {
	Symbol   Symbol            `json:"symbol"`
	Action   SignalAction      `json:"action"`
	Strength decimal.Decimal   `json:"strength"`
	Price    decimal.Decimal   `json:"price"`
	Ts       time.Time         `json:"ts"`
	Strategy string            `json:"strategy"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TradeIntent is a combined, not-yet-validated proposed trade. Produced by
// the signal combiner, consumed by the risk gate.
type TradeIntent struct {
	Symbol             Symbol          `json:"symbol"`
	Action             SignalAction    `json:"action"`
	Quantity           decimal.Decimal `json:"quantity"`
	Strength           decimal.Decimal `json:"strength"`
	TargetPrice        decimal.Decimal `json:"target_price,omitempty"`
	StopLoss           decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit         decimal.Decimal `json:"take_profit,omitempty"`
	OriginatingSignals []Signal        `json:"originating_signals,omitempty"`
	Ts                 time.Time       `json:"ts"`
}

// ExecutionOrder is a risk-approved, possibly resized intent ready for
// placement on a specific venue.
type ExecutionOrder struct {
	Venue       string          `json:"venue"`
	Symbol      Symbol          `json:"symbol"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	Price       decimal.Decimal `json:"price"` // zero for market orders
	Quantity    decimal.Decimal `json:"quantity"`
	TimeInForce TimeInForce     `json:"time_in_force"`
	StopLoss    decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit  decimal.Decimal `json:"take_profit,omitempty"`
	Intent      *TradeIntent    `json:"intent,omitempty"`
}
