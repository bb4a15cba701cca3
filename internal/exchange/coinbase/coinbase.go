// Package coinbase implements the exchange contract for Coinbase
// Exchange spot.
//
// REST endpoints used:
//   - GET  /products                — instrument metadata
//   - GET  /products/{id}/ticker    — best bid/ask and last trade
//   - GET  /products/{id}/book      — order book (level 2)
//   - GET  /accounts                — balances (signed)
//   - POST /orders, DELETE /orders/{id}, GET /orders — order flow (signed)
//
// Signed requests carry CB-ACCESS-KEY, CB-ACCESS-SIGN, CB-ACCESS-TIMESTAMP
// and CB-ACCESS-PASSPHRASE headers; the signature is the base64
// HMAC-SHA256, keyed with the base64-decoded secret, of
// timestamp + method + requestPath + body, where requestPath includes the
// encoded query string. Canonical symbols translate by separator only
// (BTC/USD → BTC-USD).
package coinbase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeforge/internal/exchange"
	"tradeforge/pkg/types"
)

const (
	venueName  = "coinbase"
	prodURL    = "https://api.exchange.coinbase.com"
	sandboxURL = "https://api-public.sandbox.exchange.coinbase.com"
	prodWSURL  = "wss://ws-feed.exchange.coinbase.com"
	sandboxWS  = "wss://ws-feed-public.sandbox.exchange.coinbase.com"
)

// Adapter is the Coinbase Exchange implementation of exchange.Exchange.
type Adapter struct {
	client   *exchange.Client
	limiter  *exchange.Limiter
	protocol *Protocol
	logger   *slog.Logger
}

// Options tune the adapter beyond credentials.
type Options struct {
	RateLimitPerMin int
	Logger          *slog.Logger
}

// New creates a Coinbase adapter.
func New(creds exchange.Credentials, opts Options) *Adapter {
	baseURL := prodURL
	wsURL := prodWSURL
	if creds.Sandbox {
		baseURL = sandboxURL
		wsURL = sandboxWS
	}

	limiter := exchange.NewLimiter()
	limiter.ConfigureDefaults(venueName, opts.RateLimitPerMin)

	a := &Adapter{
		limiter: limiter,
		logger:  opts.Logger.With("component", "adapter", "venue", venueName),
	}

	var signer *requestSigner
	if creds.APIKey != "" {
		signer = &requestSigner{
			apiKey:     creds.APIKey,
			secret:     creds.Secret,
			passphrase: creds.Passphrase,
		}
	}
	a.protocol = newProtocol(wsURL, a, signer)

	var clientSigner exchange.Signer
	if signer != nil {
		clientSigner = signer
	}
	a.client = exchange.NewClient(exchange.ClientConfig{
		Venue:    venueName,
		BaseURL:  baseURL,
		Limiter:  limiter,
		Signer:   clientSigner,
		ErrorMap: mapVenueError,
		Logger:   opts.Logger,
	})
	return a
}

// Name implements exchange.Exchange.
func (a *Adapter) Name() string { return venueName }

// Capabilities implements exchange.Exchange. Fees are the entry-tier
// maker/taker rates.
func (a *Adapter) Capabilities() types.Capabilities {
	return types.Capabilities{
		OrderTypes: []types.OrderType{
			types.OrderTypeMarket,
			types.OrderTypeLimit,
			types.OrderTypeStopLimit,
		},
		TimeInForce: []types.TimeInForce{
			types.TIFGoodTilCanceled,
			types.TIFImmediateOrCancel,
			types.TIFFillOrKill,
		},
		ClientIDLookup: true, // GET /orders/client:{client_oid}
		Fees: types.FeeSchedule{
			Maker: decimal.RequireFromString("0.004"),
			Taker: decimal.RequireFromString("0.006"),
		},
	}
}

// Connect probes connectivity via the server time endpoint.
func (a *Adapter) Connect(ctx context.Context) error {
	_, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: "/time",
		Class: exchange.ClassMarket, Idempotent: true,
	})
	return err
}

// Disconnect implements exchange.Exchange.
func (a *Adapter) Disconnect(ctx context.Context) error { return nil }

// StreamProtocol implements exchange.Exchange.
func (a *Adapter) StreamProtocol() exchange.StreamProtocol { return a.protocol }

// ToVenueSymbol translates BASE/QUOTE to Coinbase's product ID (BTC-USD).
func (a *Adapter) ToVenueSymbol(s types.Symbol) (string, error) {
	base, quote, err := s.Parse()
	if err != nil {
		return "", err
	}
	return base + "-" + quote, nil
}

// FromVenueSymbol resolves a product ID back to canonical form.
func (a *Adapter) FromVenueSymbol(venue string) (types.Symbol, bool) {
	base, quote, ok := strings.Cut(venue, "-")
	if !ok {
		return "", false
	}
	return types.NewSymbol(base, quote), true
}

// ————————————————————————————————————————————————————————————————————————
// REST: market data
// ————————————————————————————————————————————————————————————————————————

type productInfo struct {
	ID             string `json:"id"`
	BaseCurrency   string `json:"base_currency"`
	QuoteCurrency  string `json:"quote_currency"`
	QuoteIncrement string `json:"quote_increment"`
	BaseIncrement  string `json:"base_increment"`
	BaseMinSize    string `json:"base_min_size"`
	MinMarketFunds string `json:"min_market_funds"`
	Status         string `json:"status"`
}

// GetMarkets implements exchange.Exchange.
func (a *Adapter) GetMarkets(ctx context.Context) ([]types.Market, error) {
	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: "/products",
		Class: exchange.ClassMarket, Idempotent: true,
	})
	if err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}

	var products []productInfo
	if err := json.Unmarshal(resp.Body, &products); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}

	markets := make([]types.Market, 0, len(products))
	for _, p := range products {
		if p.Status != "online" {
			continue
		}
		markets = append(markets, types.Market{
			Symbol:         types.NewSymbol(p.BaseCurrency, p.QuoteCurrency),
			Base:           p.BaseCurrency,
			Quote:          p.QuoteCurrency,
			PricePrecision: precisionOf(p.QuoteIncrement),
			QtyPrecision:   precisionOf(p.BaseIncrement),
			MinQty:         parseDecimal(p.BaseMinSize),
			MinNotional:    parseDecimal(p.MinMarketFunds),
		})
	}
	return markets, nil
}

type tickerResponse struct {
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Price  string `json:"price"`
	Volume string `json:"volume"`
	Time   string `json:"time"`
}

// GetTicker implements exchange.Exchange.
func (a *Adapter) GetTicker(ctx context.Context, symbol types.Symbol) (types.Ticker, error) {
	product, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return types.Ticker{}, err
	}

	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: "/products/" + product + "/ticker",
		Class: exchange.ClassMarket, Idempotent: true,
	})
	if err != nil {
		return types.Ticker{}, fmt.Errorf("get ticker %s: %w", symbol, err)
	}

	var t tickerResponse
	if err := json.Unmarshal(resp.Body, &t); err != nil {
		return types.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}

	ts, terr := time.Parse(time.RFC3339, t.Time)
	if terr != nil {
		ts = time.Now()
	}
	return types.Ticker{
		Symbol:     symbol,
		Bid:        parseDecimal(t.Bid),
		Ask:        parseDecimal(t.Ask),
		Last:       parseDecimal(t.Price),
		BaseVolume: parseDecimal(t.Volume),
		Ts:         ts,
	}, nil
}

type bookResponse struct {
	Sequence int64               `json:"sequence"`
	Bids     [][]json.RawMessage `json:"bids"`
	Asks     [][]json.RawMessage `json:"asks"`
}

// GetOrderBook implements exchange.Exchange. Level 2 gives the top 50
// aggregated levels per side.
func (a *Adapter) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (types.OrderBookSnapshot, error) {
	product, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return types.OrderBookSnapshot{}, err
	}

	q := url.Values{}
	q.Set("level", "2")
	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: "/products/" + product + "/book", Query: q,
		Class: exchange.ClassMarket, Idempotent: true,
	})
	if err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("get book %s: %w", symbol, err)
	}

	var b bookResponse
	if err := json.Unmarshal(resp.Body, &b); err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("decode book: %w", err)
	}

	snap := types.OrderBookSnapshot{
		Symbol:       symbol,
		Bids:         parseRawLevels(b.Bids),
		Asks:         parseRawLevels(b.Asks),
		LastUpdateID: b.Sequence,
		Ts:           time.Now(),
	}
	if depth > 0 {
		if len(snap.Bids) > depth {
			snap.Bids = snap.Bids[:depth]
		}
		if len(snap.Asks) > depth {
			snap.Asks = snap.Asks[:depth]
		}
	}
	return snap, nil
}

// ————————————————————————————————————————————————————————————————————————
// REST: account and orders
// ————————————————————————————————————————————————————————————————————————

type accountInfo struct {
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Hold      string `json:"hold"`
}

// GetBalances implements exchange.Exchange.
func (a *Adapter) GetBalances(ctx context.Context) (map[string]types.Balance, error) {
	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: "/accounts",
		Class: exchange.ClassAccount, Auth: true, Idempotent: true,
	})
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}

	var accounts []accountInfo
	if err := json.Unmarshal(resp.Body, &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}

	balances := make(map[string]types.Balance, len(accounts))
	for _, acct := range accounts {
		total := parseDecimal(acct.Balance)
		if total.IsZero() {
			continue
		}
		balances[acct.Currency] = types.Balance{
			Asset: acct.Currency,
			Free:  parseDecimal(acct.Available),
			Used:  parseDecimal(acct.Hold),
			Total: total,
		}
	}
	return balances, nil
}

type orderResponse struct {
	ID          string `json:"id"`
	ClientOID   string `json:"client_oid"`
	ProductID   string `json:"product_id"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	FilledSize  string `json:"filled_size"`
	Status      string `json:"status"`
	DoneReason  string `json:"done_reason"`
	TimeInForce string `json:"time_in_force"`
	CreatedAt   string `json:"created_at"`
	DoneAt      string `json:"done_at"`
}

type createOrderBody struct {
	ClientOID   string `json:"client_oid,omitempty"`
	ProductID   string `json:"product_id"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Price       string `json:"price,omitempty"`
	Size        string `json:"size"`
	TimeInForce string `json:"time_in_force,omitempty"`
	Stop        string `json:"stop,omitempty"`
	StopPrice   string `json:"stop_price,omitempty"`
}

// CreateOrder implements exchange.Exchange. The request is never retried;
// an ambiguous transport outcome surfaces ErrUncertainPlacement.
func (a *Adapter) CreateOrder(ctx context.Context, req exchange.OrderRequest) (types.Order, error) {
	product, err := a.ToVenueSymbol(req.Symbol)
	if err != nil {
		return types.Order{}, err
	}

	body := createOrderBody{
		ClientOID: req.ClientID,
		ProductID: product,
		Side:      strings.ToLower(string(req.Side)),
		Type:      venueOrderType(req.Type),
		Size:      req.Quantity.String(),
	}
	if req.Type != types.OrderTypeMarket {
		body.Price = req.Price.String()
		body.TimeInForce = venueTIF(req.TimeInForce)
	}
	if req.Type == types.OrderTypeStopLimit {
		// stop direction follows the side: a sell stop triggers on loss
		if req.Side == types.SELL {
			body.Stop = "loss"
		} else {
			body.Stop = "entry"
		}
		body.StopPrice = req.Price.String()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return types.Order{}, fmt.Errorf("encode order: %w", err)
	}

	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodPost, Path: "/orders", Body: payload,
		Class: exchange.ClassOrder, Auth: true, Idempotent: false,
	})
	if err != nil {
		return types.Order{}, fmt.Errorf("create order %s: %w", req.Symbol, err)
	}

	var o orderResponse
	if err := json.Unmarshal(resp.Body, &o); err != nil {
		return types.Order{}, fmt.Errorf("decode order: %w", err)
	}
	order := a.toOrder(o)
	if order.ClientID == "" {
		order.ClientID = req.ClientID
	}
	return order, nil
}

// CancelOrder implements exchange.Exchange. Coinbase answers a cancel
// with just the order ID.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	_, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodDelete, Path: "/orders/" + orderID,
		Class: exchange.ClassCancel, Auth: true, Idempotent: false,
	})
	if err != nil {
		return types.Order{}, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return types.Order{
		OrderID:   orderID,
		Venue:     venueName,
		Symbol:    symbol,
		Status:    types.OrderStatusCanceled,
		UpdatedAt: time.Now(),
	}, nil
}

// GetOpenOrders implements exchange.Exchange.
func (a *Adapter) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	q := url.Values{}
	q.Set("status", "open")
	if symbol != "" {
		product, err := a.ToVenueSymbol(symbol)
		if err != nil {
			return nil, err
		}
		q.Set("product_id", product)
	}

	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: "/orders", Query: q,
		Class: exchange.ClassAccount, Auth: true, Idempotent: true,
	})
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}

	var raws []orderResponse
	if err := json.Unmarshal(resp.Body, &raws); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}

	orders := make([]types.Order, 0, len(raws))
	for _, o := range raws {
		orders = append(orders, a.toOrder(o))
	}
	return orders, nil
}

// GetOrder implements exchange.Exchange. Client-assigned IDs are looked
// up through the client: prefix; anything else is treated as a venue ID.
func (a *Adapter) GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	path := "/orders/" + orderID
	if !looksLikeUUID(orderID) {
		path = "/orders/client:" + orderID
	}

	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: path,
		Class: exchange.ClassAccount, Auth: true, Idempotent: true,
	})
	if err != nil {
		return types.Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}

	var o orderResponse
	if err := json.Unmarshal(resp.Body, &o); err != nil {
		return types.Order{}, fmt.Errorf("decode order: %w", err)
	}
	return a.toOrder(o), nil
}

func (a *Adapter) toOrder(o orderResponse) types.Order {
	symbol, _ := a.FromVenueSymbol(o.ProductID)
	created, err := time.Parse(time.RFC3339, o.CreatedAt)
	if err != nil {
		created = time.Now()
	}
	updated := created
	if o.DoneAt != "" {
		if t, err := time.Parse(time.RFC3339, o.DoneAt); err == nil {
			updated = t
		}
	}
	return types.Order{
		OrderID:        o.ID,
		ClientID:       o.ClientOID,
		Venue:          venueName,
		Symbol:         symbol,
		Side:           types.Side(strings.ToUpper(o.Side)),
		Type:           mapOrderType(o.Type),
		Price:          parseDecimal(o.Price),
		Quantity:       parseDecimal(o.Size),
		FilledQuantity: parseDecimal(o.FilledSize),
		Status:         mapStatus(o.Status, o.DoneReason),
		TimeInForce:    types.TimeInForce(o.TimeInForce),
		CreatedAt:      created,
		UpdatedAt:      updated,
	}
}

func venueOrderType(t types.OrderType) string {
	switch t {
	case types.OrderTypeMarket:
		return "market"
	case types.OrderTypeStopLimit:
		return "limit" // stop orders are limit orders with a stop trigger
	default:
		return "limit"
	}
}

func venueTIF(tif types.TimeInForce) string {
	switch tif {
	case types.TIFImmediateOrCancel:
		return "IOC"
	case types.TIFFillOrKill:
		return "FOK"
	case types.TIFGoodTilDate:
		return "GTT"
	default:
		return "GTC"
	}
}

func mapOrderType(t string) types.OrderType {
	switch t {
	case "market":
		return types.OrderTypeMarket
	case "limit":
		return types.OrderTypeLimit
	default:
		return types.OrderType(strings.ToUpper(t))
	}
}

func mapStatus(status, doneReason string) types.OrderStatus {
	switch status {
	case "pending", "open", "active", "received":
		return types.OrderStatusNew
	case "done":
		if doneReason == "canceled" {
			return types.OrderStatusCanceled
		}
		return types.OrderStatusFilled
	case "rejected":
		return types.OrderStatusRejected
	default:
		return types.OrderStatus(strings.ToUpper(status))
	}
}

func looksLikeUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	return s[8] == '-' && s[13] == '-' && s[18] == '-' && s[23] == '-'
}

// ————————————————————————————————————————————————————————————————————————
// Signing and error mapping
// ————————————————————————————————————————————————————————————————————————

// requestSigner implements Coinbase signing: CB-ACCESS-SIGN is the base64
// HMAC-SHA256, keyed with the base64-decoded secret, of
// timestamp + method + requestPath + body. requestPath includes the
// encoded query string because the client attaches the same values.
type requestSigner struct {
	apiKey     string
	secret     string // base64
	passphrase string

	// test hook: fixes the timestamp
	now func() time.Time
}

func (s *requestSigner) Sign(method, path string, query url.Values, body []byte) (map[string]string, url.Values, error) {
	clock := s.now
	if clock == nil {
		clock = time.Now
	}
	timestamp := strconv.FormatInt(clock().Unix(), 10)

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	secret, err := base64.StdEncoding.DecodeString(s.secret)
	if err != nil {
		return nil, nil, fmt.Errorf("decode api secret: %w", err)
	}

	payload := timestamp + method + requestPath + string(body)
	sig := exchange.HMACSHA256Base64(secret, []byte(payload))

	return map[string]string{
		"CB-ACCESS-KEY":        s.apiKey,
		"CB-ACCESS-SIGN":       sig,
		"CB-ACCESS-TIMESTAMP":  timestamp,
		"CB-ACCESS-PASSPHRASE": s.passphrase,
	}, nil, nil
}

// wsAuth produces the authentication fields for the websocket subscribe
// frame, signed over the verification path.
func (s *requestSigner) wsAuth() (map[string]string, error) {
	headers, _, err := s.Sign(http.MethodGet, "/users/self/verify", nil, nil)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"key":        headers["CB-ACCESS-KEY"],
		"signature":  headers["CB-ACCESS-SIGN"],
		"timestamp":  headers["CB-ACCESS-TIMESTAMP"],
		"passphrase": headers["CB-ACCESS-PASSPHRASE"],
	}, nil
}

// mapVenueError lifts the message out of Coinbase's error body.
func mapVenueError(status int, body []byte) error {
	var ve struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &ve); err != nil || ve.Message == "" {
		return nil // fall back to status-code mapping
	}

	switch {
	case status == http.StatusTooManyRequests:
		return exchange.NewError(exchange.ErrRateLimited, venueName, ve.Message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return exchange.NewError(exchange.ErrAuth, venueName, ve.Message)
	case status >= 500:
		return exchange.NewError(exchange.ErrNetwork, venueName, ve.Message)
	case status == http.StatusNotFound && strings.Contains(ve.Message, "order"):
		return exchange.NewError(exchange.ErrInvalidOrder, venueName, ve.Message)
	case status >= 400:
		return exchange.NewError(exchange.ErrInvalidOrder, venueName, ve.Message)
	default:
		return nil
	}
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseRawLevels decodes book levels of the form
// ["price", "size", num_orders]: price and size are strings, the order
// count a number.
func parseRawLevels(raw [][]json.RawMessage) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		var price, size string
		if err := json.Unmarshal(entry[0], &price); err != nil {
			continue
		}
		if err := json.Unmarshal(entry[1], &size); err != nil {
			continue
		}
		levels = append(levels, types.PriceLevel{
			Price: parseDecimal(price),
			Size:  parseDecimal(size),
		})
	}
	return levels
}

// precisionOf derives decimal places from an increment like "0.01" → 2.
func precisionOf(size string) int32 {
	trimmed := strings.TrimRight(size, "0")
	trimmed = strings.TrimRight(trimmed, ".")
	d, err := decimal.NewFromString(trimmed)
	if err != nil || d.IsZero() {
		return 8
	}
	if exp := d.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}
