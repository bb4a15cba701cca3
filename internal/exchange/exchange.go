// Package exchange defines the unified exchange contract and the shared
// plumbing every venue adapter is built from.
//
// The contract has three parts:
//
//   - Exchange: the REST capability set (markets, tickers, books, balances,
//     order management) every adapter implements.
//   - StreamProtocol: the venue-specific streaming dialect (subscribe
//     frames, auth handshake, frame parsing) consumed by the generic
//     stream session.
//   - the shared utilities adapters compose: Limiter (ratelimit.go),
//     Client (client.go), and the error taxonomy (errors.go).
//
// Adapters are flat implementations of this contract — no inheritance
// chains, all sharing happens through composition.
package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/shopspring/decimal"

	"tradeforge/pkg/types"
)

// Credentials identifies an API key pair on a venue. Passphrase is only
// used by venues that require one (e.g. Coinbase).
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
	Sandbox    bool
}

// Fingerprint returns a stable digest of the credentials, used by the
// registry to cache adapter instances per key pair. The secret itself is
// never exposed.
func (c Credentials) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.APIKey))
	h.Write([]byte{0})
	h.Write([]byte(c.Secret))
	h.Write([]byte{0})
	h.Write([]byte(c.Passphrase))
	if c.Sandbox {
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// OrderRequest is the venue-independent order placement request.
type OrderRequest struct {
	Symbol      types.Symbol
	Type        types.OrderType
	Side        types.Side
	Quantity    decimal.Decimal
	Price       decimal.Decimal // ignored for market orders
	TimeInForce types.TimeInForce
	ClientID    string // engine-generated UUID, echoed back by the venue
}

// Exchange is the unified REST contract implemented by every venue
// adapter. Adapters own symbol-form translation, numeric normalization to
// decimal, per-endpoint rate-bucket selection, and venue-error mapping to
// the shared taxonomy.
type Exchange interface {
	// Name returns the registry name of the venue ("binance", "kraken", …).
	Name() string

	// Capabilities describes supported order types, TIFs, and fees.
	Capabilities() types.Capabilities

	// Connect validates connectivity (and credentials when present).
	Connect(ctx context.Context) error

	// Disconnect releases adapter resources.
	Disconnect(ctx context.Context) error

	GetMarkets(ctx context.Context) ([]types.Market, error)
	GetTicker(ctx context.Context, symbol types.Symbol) (types.Ticker, error)
	GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (types.OrderBookSnapshot, error)
	GetBalances(ctx context.Context) (map[string]types.Balance, error)

	CreateOrder(ctx context.Context, req OrderRequest) (types.Order, error)
	CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error)
	GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error)
	GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error)

	// StreamProtocol returns the venue's streaming dialect for the generic
	// stream session.
	StreamProtocol() StreamProtocol
}

// Subscription identifies one streaming channel: (channel type, symbol).
// User-channel subscriptions leave Symbol empty.
type Subscription struct {
	Channel types.ChannelType
	Symbol  types.Symbol
}

// Private reports whether the subscription requires authentication.
func (s Subscription) Private() bool {
	return s.Channel == types.ChannelUser
}

// StreamProtocol is the venue-specific half of the streaming layer. The
// generic session (internal/stream) owns the connection lifecycle,
// reconnection, and dispatch; the protocol owns the wire dialect.
type StreamProtocol interface {
	// URL returns the websocket endpoint to dial.
	URL() string

	// SubscribeFrames returns the frames that subscribe the given channels.
	SubscribeFrames(subs []Subscription) ([][]byte, error)

	// UnsubscribeFrames returns the frames that unsubscribe the channels.
	UnsubscribeFrames(subs []Subscription) ([][]byte, error)

	// AuthFrames returns the authentication handshake frames required
	// before private subscriptions. Venues without an explicit handshake
	// return nil.
	AuthFrames() ([][]byte, error)

	// Parse normalizes one inbound frame into zero or more events.
	// Heartbeat and acknowledgement frames yield no events.
	Parse(frame []byte) ([]types.Event, error)
}
