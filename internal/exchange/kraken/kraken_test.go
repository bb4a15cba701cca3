package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"tradeforge/internal/exchange"
	"tradeforge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestAdapter(t *testing.T, serverURL, secret string) *Adapter {
	t.Helper()
	a := New(exchange.Credentials{APIKey: "key", Secret: secret}, Options{
		RateLimitPerMin: 60000,
		Logger:          testLogger(),
	})
	a.client = exchange.NewClient(exchange.ClientConfig{
		Venue:   venueName,
		BaseURL: serverURL,
		Limiter: a.limiter,
		Signer:  &requestSigner{apiKey: "key", secret: secret},
		Logger:  testLogger(),
	})
	return a
}

func TestAssetTranslation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		venue string
		want  string
	}{
		{"XBT", "BTC"},
		{"XXBT", "BTC"},
		{"ZUSD", "USD"},
		{"ETH", "ETH"},
		{"XETH", "ETH"},
	}
	for _, tt := range tests {
		if got := assetFromVenue(tt.venue); got != tt.want {
			t.Errorf("assetFromVenue(%q) = %q, want %q", tt.venue, got, tt.want)
		}
	}
	if got := assetToVenue("BTC"); got != "XBT" {
		t.Errorf("assetToVenue(BTC) = %q, want XBT", got)
	}
}

func TestSymbolTranslation(t *testing.T) {
	t.Parallel()
	a := New(exchange.Credentials{}, Options{Logger: testLogger()})

	pair, err := a.ToVenueSymbol("BTC/USD")
	if err != nil {
		t.Fatal(err)
	}
	if pair != "XBTUSD" {
		t.Errorf("pair = %q, want XBTUSD", pair)
	}

	// both the concatenated and websocket forms resolve back
	for _, venue := range []string{"XBTUSD", "XBT/USD"} {
		got, ok := a.FromVenueSymbol(venue)
		if !ok || got != "BTC/USD" {
			t.Errorf("FromVenueSymbol(%q) = %q (%v), want BTC/USD", venue, got, ok)
		}
	}
}

// TestSignerKnownAnswer pins the signature example published in Kraken's
// API documentation.
func TestSignerKnownAnswer(t *testing.T) {
	t.Parallel()
	const (
		secret   = "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg=="
		postData = "nonce=1616492376594&ordertype=limit&pair=XBTUSD&price=37500&type=buy&volume=1.25"
		want     = "4/dpxb3iT4tp/ZCVEwSnEsLxx0bqyhLpdfOpc6fn7OR8+UClSV5n9E6aSS8MPtnRfp32bAb0nmbRn6H8ndwLUQ=="
	)

	s := &requestSigner{apiKey: "key", secret: secret}
	headers, extra, err := s.Sign(http.MethodPost, "/0/private/AddOrder", nil, []byte(postData))
	if err != nil {
		t.Fatal(err)
	}
	if len(extra) != 0 {
		t.Errorf("extra query = %v, want none", extra)
	}
	if headers["API-Sign"] != want {
		t.Errorf("API-Sign = %q, want %q", headers["API-Sign"], want)
	}
	if headers["API-Key"] != "key" {
		t.Errorf("API-Key = %q", headers["API-Key"])
	}
}

func TestSignerRejectsMissingNonce(t *testing.T) {
	t.Parallel()
	s := &requestSigner{apiKey: "key", secret: "c2VjcmV0"}
	if _, _, err := s.Sign(http.MethodPost, "/0/private/Balance", nil, []byte("pair=XBTUSD")); err == nil {
		t.Error("expected error for body without nonce")
	}
}

func TestClassifyVenueError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		msg  string
		want error
	}{
		{"EAPI:Rate limit exceeded", exchange.ErrRateLimited},
		{"EOrder:Rate limit exceeded", exchange.ErrRateLimited},
		{"EAPI:Invalid key", exchange.ErrAuth},
		{"EAPI:Invalid signature", exchange.ErrAuth},
		{"EGeneral:Permission denied", exchange.ErrAuth},
		{"EOrder:Insufficient funds", exchange.ErrInvalidOrder},
		{"EOrder:Unknown order", exchange.ErrInvalidOrder},
		{"EGeneral:Invalid arguments", exchange.ErrInvalidOrder},
		{"EService:Unavailable", exchange.ErrNetwork},
	}
	for _, tt := range tests {
		if err := classifyVenueError(tt.msg); !errors.Is(err, tt.want) {
			t.Errorf("classify(%q) = %v, want %v", tt.msg, err, tt.want)
		}
	}
}

func TestCreateOrderSendsSignedForm(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/private/AddOrder" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("API-Key") != "key" || r.Header.Get("API-Sign") == "" {
			t.Error("missing auth headers")
		}
		body, _ := io.ReadAll(r.Body)
		form, err := url.ParseQuery(string(body))
		if err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if form.Get("nonce") == "" {
			t.Error("form carries no nonce")
		}
		if form.Get("pair") != "XBTUSD" || form.Get("type") != "buy" || form.Get("ordertype") != "limit" {
			t.Errorf("form = %v", form)
		}
		if form.Get("cl_ord_id") != "client-1" {
			t.Errorf("cl_ord_id = %q", form.Get("cl_ord_id"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"error":  []string{},
			"result": map[string]any{"txid": []string{"OABC12-XYZ"}},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "c2VjcmV0")
	order, err := a.CreateOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTC/USD", Type: types.OrderTypeLimit, Side: types.BUY,
		Quantity: decimal.RequireFromString("1.25"),
		Price:    decimal.RequireFromString("37500"),
		ClientID: "client-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.OrderID != "OABC12-XYZ" {
		t.Errorf("order ID = %q", order.OrderID)
	}
	if order.Status != types.OrderStatusNew {
		t.Errorf("status = %s", order.Status)
	}
}

func TestEnvelopeErrorSurfaces(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": []string{"EOrder:Insufficient funds"},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "c2VjcmV0")
	_, err := a.CreateOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTC/USD", Type: types.OrderTypeMarket, Side: types.BUY,
		Quantity: decimal.RequireFromString("1"),
	})
	if !errors.Is(err, exchange.ErrInvalidOrder) {
		t.Errorf("err = %v, want ErrInvalidOrder from envelope", err)
	}
}

func TestNonceStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	a := New(exchange.Credentials{}, Options{Logger: testLogger()})
	prev := a.nonce()
	for i := 0; i < 100; i++ {
		n := a.nonce()
		if n <= prev {
			t.Fatalf("nonce %d not greater than %d", n, prev)
		}
		prev = n
	}
}

func TestFeeSchedulePinned(t *testing.T) {
	t.Parallel()
	fees := New(exchange.Credentials{}, Options{Logger: testLogger()}).Capabilities().Fees
	if !fees.Maker.Equal(decimal.RequireFromString("0.0016")) {
		t.Errorf("maker fee = %s, want 0.0016", fees.Maker)
	}
	if !fees.Taker.Equal(decimal.RequireFromString("0.0026")) {
		t.Errorf("taker fee = %s, want 0.0026", fees.Taker)
	}
}

func TestStreamSubscribeFramesGroupByChannel(t *testing.T) {
	t.Parallel()
	a := New(exchange.Credentials{}, Options{Logger: testLogger()})
	frames, err := a.StreamProtocol().SubscribeFrames([]exchange.Subscription{
		{Channel: types.ChannelTicker, Symbol: "BTC/USD"},
		{Channel: types.ChannelTicker, Symbol: "ETH/USD"},
		{Channel: types.ChannelTrade, Symbol: "BTC/USD"},
		{Channel: types.ChannelUser},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want one per public channel", len(frames))
	}

	var msg subscribeMsg
	if err := json.Unmarshal(frames[0], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Event != "subscribe" || msg.Subscription.Name != "ticker" {
		t.Errorf("frame = %+v", msg)
	}
	if len(msg.Pair) != 2 || msg.Pair[0] != "XBT/USD" {
		t.Errorf("pairs = %v", msg.Pair)
	}
}

func TestStreamParseTicker(t *testing.T) {
	t.Parallel()
	a := New(exchange.Credentials{}, Options{Logger: testLogger()})
	if _, err := a.ToVenueSymbol("BTC/USD"); err != nil {
		t.Fatal(err)
	}

	frame := []byte(`[42,{"a":["30010.0","1","1.000"],"b":["30000.0","2","2.000"],
		"c":["30005.0","0.1"],"v":["100.0","250.0"]},"ticker","XBT/USD"]`)
	events, err := a.StreamProtocol().Parse(frame)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	tk := events[0].Ticker
	if tk == nil || events[0].Symbol != "BTC/USD" {
		t.Fatalf("event = %+v", events[0])
	}
	if !tk.Bid.Equal(decimal.RequireFromString("30000.0")) || !tk.Ask.Equal(decimal.RequireFromString("30010.0")) {
		t.Errorf("bid/ask = %s/%s", tk.Bid, tk.Ask)
	}
	if !tk.BaseVolume.Equal(decimal.RequireFromString("250.0")) {
		t.Errorf("volume = %s, want the 24h figure", tk.BaseVolume)
	}
}

func TestStreamParseTrades(t *testing.T) {
	t.Parallel()
	a := New(exchange.Credentials{}, Options{Logger: testLogger()})
	if _, err := a.ToVenueSymbol("BTC/USD"); err != nil {
		t.Fatal(err)
	}

	frame := []byte(`[0,[["30000.1","0.5","1616492376.123456","s","l",""],
		["30000.2","0.3","1616492377.0","b","m",""]],"trade","XBT/USD"]`)
	events, err := a.StreamProtocol().Parse(frame)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 trades", len(events))
	}
	if events[0].Trade.Side != types.SELL || events[1].Trade.Side != types.BUY {
		t.Errorf("sides = %s/%s", events[0].Trade.Side, events[1].Trade.Side)
	}
	if !events[0].Trade.Price.Equal(decimal.RequireFromString("30000.1")) {
		t.Errorf("price = %s", events[0].Trade.Price)
	}
}

func TestStreamParseBookSnapshotAndDelta(t *testing.T) {
	t.Parallel()
	a := New(exchange.Credentials{}, Options{Logger: testLogger()})
	if _, err := a.ToVenueSymbol("BTC/USD"); err != nil {
		t.Fatal(err)
	}
	p := a.StreamProtocol()

	snap := []byte(`[0,{"as":[["30010.0","1.0","1616492376.0"]],
		"bs":[["30000.0","2.0","1616492376.0"]]},"book-100","XBT/USD"]`)
	events, err := p.Parse(snap)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Book == nil {
		t.Fatalf("snapshot events = %+v", events)
	}
	if len(events[0].Book.Bids) != 1 || !events[0].Book.Bids[0].Price.Equal(decimal.RequireFromString("30000.0")) {
		t.Errorf("snapshot bids = %+v", events[0].Book.Bids)
	}

	// updates can split asks and bids into two payload objects
	delta := []byte(`[0,{"a":[["30011.0","0.5","1616492377.0"]]},
		{"b":[["29999.0","1.5","1616492377.0"]]},"book-100","XBT/USD"]`)
	events, err = p.Parse(delta)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Delta == nil {
		t.Fatalf("delta events = %+v", events)
	}
	if len(events[0].Delta.Asks) != 1 || len(events[0].Delta.Bids) != 1 {
		t.Errorf("delta = %+v", events[0].Delta)
	}
}

func TestStreamParseIgnoresLifecycleFrames(t *testing.T) {
	t.Parallel()
	a := New(exchange.Credentials{}, Options{Logger: testLogger()})
	for _, frame := range []string{
		`{"event":"heartbeat"}`,
		`{"event":"systemStatus","status":"online"}`,
		`{"event":"subscriptionStatus","status":"subscribed"}`,
	} {
		events, err := a.StreamProtocol().Parse([]byte(frame))
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 0 {
			t.Errorf("frame %s should yield no events", frame)
		}
	}
}
