package binance

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"tradeforge/internal/exchange"
	"tradeforge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestAdapter(t *testing.T, serverURL string) *Adapter {
	t.Helper()
	a := New(exchange.Credentials{APIKey: "key", Secret: "secret"}, Options{
		RateLimitPerMin: 60000,
		Logger:          testLogger(),
	})
	// point the shared client at the fake venue
	a.client = exchange.NewClient(exchange.ClientConfig{
		Venue:    "binance",
		BaseURL:  serverURL,
		Limiter:  a.limiter,
		Signer:   &requestSigner{apiKey: "key", secret: "secret"},
		ErrorMap: mapVenueError,
		Logger:   testLogger(),
	})
	return a
}

func TestSymbolTranslationRoundTrip(t *testing.T) {
	t.Parallel()
	a := New(exchange.Credentials{}, Options{Logger: testLogger()})

	venueSym, err := a.ToVenueSymbol("BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if venueSym != "BTCUSDT" {
		t.Errorf("venue symbol = %q, want BTCUSDT", venueSym)
	}

	back, ok := a.FromVenueSymbol("BTCUSDT")
	if !ok || back != "BTC/USDT" {
		t.Errorf("reverse = %q (%v), want BTC/USDT", back, ok)
	}

	if _, ok := a.FromVenueSymbol("ETHUSDT"); ok {
		t.Error("unseen venue symbol should not resolve")
	}
}

func TestGetTickerNormalizesDecimals(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/24hr" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %s, want BTCUSDT", got)
		}
		json.NewEncoder(w).Encode(ticker24hResponse{
			Symbol: "BTCUSDT", BidPrice: "20000.10", AskPrice: "20000.20",
			LastPrice: "20000.15", Volume: "123.4", QuoteVolume: "2468000",
			CloseTime: 1700000000000,
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	tk, err := a.GetTicker(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("GetTicker: %v", err)
	}
	if !tk.Bid.Equal(decimal.RequireFromString("20000.10")) {
		t.Errorf("bid = %s", tk.Bid)
	}
	if !tk.Ask.Equal(decimal.RequireFromString("20000.20")) {
		t.Errorf("ask = %s", tk.Ask)
	}
	if tk.Bid.GreaterThan(tk.Ask) {
		t.Error("bid must not exceed ask")
	}
}

func TestCreateOrderMapsResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("signature") == "" || q.Get("timestamp") == "" {
			t.Error("signed request missing signature or timestamp")
		}
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Error("missing API key header")
		}
		if q.Get("newClientOrderId") != "client-1" {
			t.Errorf("newClientOrderId = %q", q.Get("newClientOrderId"))
		}
		json.NewEncoder(w).Encode(orderResponse{
			Symbol: "BTCUSDT", OrderID: 42, ClientOrderID: "client-1",
			Price: "20000", OrigQty: "0.5", ExecutedQty: "0",
			Status: "NEW", TimeInForce: "GTC", Type: "LIMIT", Side: "BUY",
			TransactTime: 1700000000000,
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	order, err := a.CreateOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTC/USDT", Type: types.OrderTypeLimit, Side: types.BUY,
		Quantity: decimal.RequireFromString("0.5"),
		Price:    decimal.RequireFromString("20000"),
		ClientID: "client-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.OrderID != "42" || order.ClientID != "client-1" {
		t.Errorf("ids = (%s, %s)", order.OrderID, order.ClientID)
	}
	if order.Status != types.OrderStatusNew {
		t.Errorf("status = %s", order.Status)
	}
	if order.Venue != "binance" || order.Symbol != "BTC/USDT" {
		t.Errorf("venue/symbol = %s/%s", order.Venue, order.Symbol)
	}
}

func TestMapVenueErrorCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		want error
	}{
		{-1003, exchange.ErrRateLimited},
		{-1022, exchange.ErrAuth},
		{-2010, exchange.ErrInvalidOrder},
		{-2011, exchange.ErrInvalidOrder},
	}
	for _, tt := range tests {
		body, _ := json.Marshal(venueError{Code: tt.code, Msg: "x"})
		err := mapVenueError(400, body)
		if err == nil {
			t.Errorf("code %d: expected mapped error", tt.code)
			continue
		}
		var ee *exchange.Error
		if !errors.As(err, &ee) || ee.Kind != tt.want {
			t.Errorf("code %d mapped to %v, want kind %v", tt.code, err, tt.want)
		}
	}

	if err := mapVenueError(500, []byte("not json")); err != nil {
		t.Errorf("non-JSON body should fall back to status mapping, got %v", err)
	}
}

func TestFeeSchedulePinned(t *testing.T) {
	t.Parallel()
	a := New(exchange.Credentials{}, Options{Logger: testLogger()})
	fees := a.Capabilities().Fees
	if !fees.Maker.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("maker fee = %s, want 0.001", fees.Maker)
	}
	if !fees.Taker.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("taker fee = %s, want 0.001", fees.Taker)
	}
}

func TestStreamSubscribeFrames(t *testing.T) {
	t.Parallel()
	a := New(exchange.Credentials{}, Options{Logger: testLogger()})
	p := a.StreamProtocol()

	frames, err := p.SubscribeFrames([]exchange.Subscription{
		{Channel: types.ChannelTicker, Symbol: "BTC/USDT"},
		{Channel: types.ChannelTrade, Symbol: "ETH/USDT"},
		{Channel: types.ChannelUser}, // no frame for the user stream
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}

	var msg subscribeMsg
	if err := json.Unmarshal(frames[0], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Method != "SUBSCRIBE" {
		t.Errorf("method = %s", msg.Method)
	}
	want := map[string]bool{"btcusdt@ticker": true, "ethusdt@trade": true}
	for _, param := range msg.Params {
		if !want[param] {
			t.Errorf("unexpected stream %q", param)
		}
	}
	if len(msg.Params) != 2 {
		t.Errorf("params = %v, want 2 public streams", msg.Params)
	}
}

func TestStreamParseTicker(t *testing.T) {
	t.Parallel()
	a := New(exchange.Credentials{}, Options{Logger: testLogger()})
	if _, err := a.ToVenueSymbol("BTC/USDT"); err != nil {
		t.Fatal(err)
	}

	frame := []byte(`{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT",
		"c":"20005","b":"20000","a":"20010","v":"100.5","q":"2010000"}`)
	events, err := a.StreamProtocol().Parse(frame)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	evt := events[0]
	if evt.Channel != types.ChannelTicker || evt.Symbol != "BTC/USDT" {
		t.Errorf("event = %+v", evt)
	}
	if !evt.Ticker.Bid.Equal(decimal.RequireFromString("20000")) {
		t.Errorf("bid = %s", evt.Ticker.Bid)
	}
}

func TestStreamParseExecutionReportWithFill(t *testing.T) {
	t.Parallel()
	a := New(exchange.Credentials{}, Options{Logger: testLogger()})
	if _, err := a.ToVenueSymbol("BTC/USDT"); err != nil {
		t.Fatal(err)
	}

	frame := []byte(`{"e":"executionReport","E":1700000000000,"s":"BTCUSDT",
		"c":"client-9","S":"BUY","o":"LIMIT","f":"GTC","q":"1.0","p":"20000",
		"x":"TRADE","X":"PARTIALLY_FILLED","i":77,"l":"0.4","z":"0.4",
		"L":"19999.5","n":"0.01","N":"USDT","t":555,"O":1699999999000}`)
	events, err := a.StreamProtocol().Parse(frame)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want order update + fill", len(events))
	}
	if events[0].OrderUpd == nil || events[0].OrderUpd.Status != types.OrderStatusPartiallyFilled {
		t.Errorf("first event should be a partially-filled order update: %+v", events[0])
	}
	fill := events[1].Fill
	if fill == nil {
		t.Fatal("second event should be a fill")
	}
	if !fill.Quantity.Equal(decimal.RequireFromString("0.4")) {
		t.Errorf("fill qty = %s", fill.Quantity)
	}
	if fill.TradeID != "555" || fill.ClientID != "client-9" {
		t.Errorf("fill ids = %s/%s", fill.TradeID, fill.ClientID)
	}
}

func TestStreamParseIgnoresAcks(t *testing.T) {
	t.Parallel()
	a := New(exchange.Credentials{}, Options{Logger: testLogger()})
	events, err := a.StreamProtocol().Parse([]byte(`{"result":null,"id":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("ack should yield no events, got %d", len(events))
	}
}
