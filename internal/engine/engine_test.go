package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeforge/internal/exchange"
	"tradeforge/internal/portfolio"
	"tradeforge/internal/risk"
	"tradeforge/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockExchange scripts adapter behaviour for placement tests.
type mockExchange struct {
	mu         sync.Mutex
	name       string
	caps       types.Capabilities
	createErr  error
	created    []exchange.OrderRequest
	openOrders []types.Order
	cancels    []string
	cancelErr  error
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		name: "mock",
		caps: types.Capabilities{
			OrderTypes:  []types.OrderType{types.OrderTypeMarket, types.OrderTypeLimit},
			TimeInForce: []types.TimeInForce{types.TIFGoodTilCanceled, types.TIFImmediateOrCancel},
		},
	}
}

func (m *mockExchange) Name() string                     { return m.name }
func (m *mockExchange) Capabilities() types.Capabilities { return m.caps }
func (m *mockExchange) Connect(context.Context) error    { return nil }
func (m *mockExchange) Disconnect(context.Context) error { return nil }

func (m *mockExchange) GetMarkets(context.Context) ([]types.Market, error) { return nil, nil }
func (m *mockExchange) GetTicker(context.Context, types.Symbol) (types.Ticker, error) {
	return types.Ticker{}, nil
}
func (m *mockExchange) GetOrderBook(context.Context, types.Symbol, int) (types.OrderBookSnapshot, error) {
	return types.OrderBookSnapshot{}, nil
}
func (m *mockExchange) GetBalances(context.Context) (map[string]types.Balance, error) {
	return nil, nil
}
func (m *mockExchange) StreamProtocol() exchange.StreamProtocol { return nil }

func (m *mockExchange) CreateOrder(_ context.Context, req exchange.OrderRequest) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, req)
	if m.createErr != nil {
		return types.Order{}, m.createErr
	}
	return types.Order{
		OrderID:     "V-" + req.ClientID,
		ClientID:    req.ClientID,
		Venue:       m.name,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Status:      types.OrderStatusNew,
		TimeInForce: req.TimeInForce,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}, nil
}

func (m *mockExchange) CancelOrder(_ context.Context, orderID string, _ types.Symbol) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, orderID)
	if m.cancelErr != nil {
		return types.Order{}, m.cancelErr
	}
	return types.Order{OrderID: orderID, Status: types.OrderStatusCanceled, UpdatedAt: time.Now()}, nil
}

func (m *mockExchange) GetOpenOrders(context.Context, types.Symbol) ([]types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Order(nil), m.openOrders...), nil
}

func (m *mockExchange) GetOrder(_ context.Context, orderID string, _ types.Symbol) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.openOrders {
		if o.OrderID == orderID || o.ClientID == orderID {
			return o, nil
		}
	}
	return types.Order{}, exchange.NewError(exchange.ErrInvalidOrder, m.name, "unknown order")
}

func (m *mockExchange) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

type testRig struct {
	engine    *Engine
	portfolio *portfolio.Portfolio
	exchange  *mockExchange
	outbox    *Outbox
}

func newTestRig(t *testing.T, live bool) *testRig {
	t.Helper()

	p, err := portfolio.New(portfolio.Config{
		BaseCurrency: "USDT",
		InitialCash:  d("10000"),
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	t.Cleanup(p.Close)

	gate := risk.NewGate(risk.Limits{
		MaxRiskPerTrade: d("0.5"),
		MaxPositionSize: d("0.9"),
		MaxDrawdown:     d("0.5"),
		MaxDailyTrades:  100,
	}, p, nil, nil, testLogger())

	outbox, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.json"))
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}

	mock := newMockExchange()
	e, err := New(Config{
		Venues:          map[string]exchange.Exchange{"mock": mock},
		PreferredVenue:  "mock",
		LiveTrading:     live,
		Portfolio:       p,
		Gate:            gate,
		Outbox:          outbox,
		Logger:          testLogger(),
		ReconcileWindow: 200 * time.Millisecond,
		PollInterval:    20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return &testRig{engine: e, portfolio: p, exchange: mock, outbox: outbox}
}

func buyIntent(qty string) types.TradeIntent {
	return types.TradeIntent{
		Symbol:      "BTC/USDT",
		Action:      types.ActionBuy,
		Quantity:    d(qty),
		Strength:    d("0.8"),
		TargetPrice: d("20000"),
		StopLoss:    d("19600"),
		Ts:          time.Now(),
	}
}

func TestLivePlacement(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, true)
	if err := rig.engine.Execute(context.Background(), buyIntent("0.1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if n := rig.exchange.createdCount(); n != 1 {
		t.Fatalf("adapter calls = %d, want 1", n)
	}
	req := rig.exchange.created[0]
	if req.ClientID == "" || len(req.ClientID) != 36 {
		t.Errorf("client ID %q is not a UUID", req.ClientID)
	}

	// the quote notional is reserved while the order works.
	bal, _ := rig.portfolio.Balance("USDT")
	if !bal.Used.Equal(d("2000")) {
		t.Errorf("used = %s, want 2000 reserved", bal.Used)
	}
	// acknowledged placements leave no outbox residue.
	if pending := rig.outbox.Pending(); len(pending) != 0 {
		t.Errorf("outbox pending = %d, want 0", len(pending))
	}

	ord, ok := rig.engine.Order(req.ClientID)
	if !ok || ord.Status != types.OrderStatusNew {
		t.Errorf("tracked order = %+v, ok=%v", ord, ok)
	}
}

func TestDryRunShortCircuits(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, false)
	if err := rig.engine.Execute(context.Background(), buyIntent("0.1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// no HTTP call, no reservation, a DRY- acknowledgement on record.
	if n := rig.exchange.createdCount(); n != 0 {
		t.Errorf("adapter calls = %d, want 0 in dry-run", n)
	}
	bal, _ := rig.portfolio.Balance("USDT")
	if !bal.Used.IsZero() {
		t.Errorf("used = %s, want no reservation in dry-run", bal.Used)
	}

	found := false
	rig.engine.mu.Lock()
	for _, tr := range rig.engine.orders {
		if strings.HasPrefix(tr.order.OrderID, "DRY-") {
			found = true
		}
	}
	rig.engine.mu.Unlock()
	if !found {
		t.Error("no DRY- acknowledgement recorded")
	}
}

func TestUncertainPlacementAdopted(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, true)
	rig.exchange.createErr = exchange.NewError(exchange.ErrUncertainPlacement, "mock", "read timeout")

	// the venue did receive the order: it shows up in open orders.
	go func() {
		time.Sleep(30 * time.Millisecond)
		rig.exchange.mu.Lock()
		req := rig.exchange.created[0]
		rig.exchange.openOrders = []types.Order{{
			OrderID:  "V-adopted",
			ClientID: req.ClientID,
			Venue:    "mock",
			Symbol:   req.Symbol,
			Side:     req.Side,
			Quantity: req.Quantity,
			Status:   types.OrderStatusNew,
		}}
		rig.exchange.mu.Unlock()
	}()

	if err := rig.engine.Execute(context.Background(), buyIntent("0.1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := rig.exchange.createdCount(); n != 1 {
		t.Fatalf("adapter calls = %d, duplicate send attempted", n)
	}
	if pending := rig.outbox.Pending(); len(pending) != 0 {
		t.Errorf("outbox pending = %d after adoption, want 0", len(pending))
	}
}

func TestUncertainPlacementSurfaced(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, true)
	rig.exchange.createErr = exchange.NewError(exchange.ErrUncertainPlacement, "mock", "read timeout")

	err := rig.engine.Execute(context.Background(), buyIntent("0.1"))
	if !errors.Is(err, exchange.ErrUncertainPlacement) {
		t.Fatalf("err = %v, want ErrUncertainPlacement", err)
	}
	if n := rig.exchange.createdCount(); n != 1 {
		t.Fatalf("adapter calls = %d, duplicate send attempted", n)
	}
	// the outbox entry survives for the operator.
	if pending := rig.outbox.Pending(); len(pending) != 1 {
		t.Errorf("outbox pending = %d, want 1 surfaced entry", len(pending))
	}
	// the reservation is returned: the funds are not stuck.
	bal, _ := rig.portfolio.Balance("USDT")
	if !bal.Used.IsZero() {
		t.Errorf("used = %s after unresolved placement, want 0", bal.Used)
	}
}

func TestVenueRejectionReleasesReservation(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, true)
	rig.exchange.createErr = exchange.NewError(exchange.ErrInvalidOrder, "mock", "LOT_SIZE")

	err := rig.engine.Execute(context.Background(), buyIntent("0.1"))
	if !errors.Is(err, exchange.ErrInvalidOrder) {
		t.Fatalf("err = %v, want ErrInvalidOrder", err)
	}
	bal, _ := rig.portfolio.Balance("USDT")
	if !bal.Used.IsZero() {
		t.Errorf("used = %s after rejection, want 0", bal.Used)
	}
	if pending := rig.outbox.Pending(); len(pending) != 0 {
		t.Errorf("outbox pending = %d after hard rejection, want 0", len(pending))
	}
}

func TestFillUpdatesOrderAndReleasesShare(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, true)
	if err := rig.engine.Execute(context.Background(), buyIntent("0.1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	clientID := rig.exchange.created[0].ClientID

	rig.engine.OnEvent(types.Event{
		Venue:   "mock",
		Channel: types.ChannelUser,
		Symbol:  "BTC/USDT",
		Fill: &types.Fill{
			OrderID:  "V-" + clientID,
			ClientID: clientID,
			Venue:    "mock",
			Symbol:   "BTC/USDT",
			Side:     types.BUY,
			Price:    d("20000"),
			Quantity: d("0.04"),
			Ts:       time.Now(),
		},
	})

	ord, ok := rig.engine.Order(clientID)
	if !ok {
		t.Fatal("order dropped after partial fill")
	}
	if ord.Status != types.OrderStatusPartiallyFilled {
		t.Errorf("status = %s, want partially filled", ord.Status)
	}
	if !ord.FilledQuantity.Equal(d("0.04")) {
		t.Errorf("filled = %s, want 0.04", ord.FilledQuantity)
	}

	// 40% of the 2000 reservation is released with the fill.
	bal, _ := rig.portfolio.Balance("USDT")
	if !bal.Used.Equal(d("1200")) {
		t.Errorf("used = %s, want 1200", bal.Used)
	}
	// the fill reached the portfolio.
	if pos, ok := rig.portfolio.Position("BTC/USDT"); !ok || !pos.Size.Equal(d("0.04")) {
		t.Errorf("position = %+v, ok=%v", pos, ok)
	}
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, true)

	// unknown order: no-op success.
	if err := rig.engine.Cancel(context.Background(), "no-such-id"); err != nil {
		t.Fatalf("cancel of unknown order: %v", err)
	}

	if err := rig.engine.Execute(context.Background(), buyIntent("0.1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	clientID := rig.exchange.created[0].ClientID

	if err := rig.engine.Cancel(context.Background(), clientID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := rig.engine.Cancel(context.Background(), clientID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	rig.exchange.mu.Lock()
	cancels := len(rig.exchange.cancels)
	rig.exchange.mu.Unlock()
	if cancels != 1 {
		t.Errorf("venue cancel calls = %d, want 1", cancels)
	}

	// the unfilled reservation came back.
	bal, _ := rig.portfolio.Balance("USDT")
	if !bal.Used.IsZero() {
		t.Errorf("used = %s after cancel, want 0", bal.Used)
	}
}

func TestLateFillAfterCancelStillApplies(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, true)
	if err := rig.engine.Execute(context.Background(), buyIntent("0.1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	clientID := rig.exchange.created[0].ClientID
	if err := rig.engine.Cancel(context.Background(), clientID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// a fill that raced the cancel arrives inside the grace window.
	rig.engine.OnEvent(types.Event{
		Venue:   "mock",
		Channel: types.ChannelUser,
		Symbol:  "BTC/USDT",
		Fill: &types.Fill{
			OrderID:  "V-" + clientID,
			ClientID: clientID,
			Venue:    "mock",
			Symbol:   "BTC/USDT",
			Side:     types.BUY,
			Price:    d("20000"),
			Quantity: d("0.02"),
			Ts:       time.Now(),
		},
	})

	if pos, ok := rig.portfolio.Position("BTC/USDT"); !ok || !pos.Size.Equal(d("0.02")) {
		t.Errorf("late fill not applied: %+v, ok=%v", pos, ok)
	}
	// the cancel already returned the whole reservation, so the late
	// fill settles against free funds only.
	bal, _ := rig.portfolio.Balance("USDT")
	if !bal.Used.IsZero() {
		t.Errorf("used = %s after late fill, want 0", bal.Used)
	}
	if !bal.Total.Equal(d("9600")) {
		t.Errorf("total = %s, want 9600 after the 400 late-fill spend", bal.Total)
	}
	if !bal.Free.Add(bal.Used).Equal(bal.Total) {
		t.Errorf("free %s + used %s != total %s", bal.Free, bal.Used, bal.Total)
	}
}

func TestLateFillSharesComeFromOriginalReservation(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, true)
	if err := rig.engine.Execute(context.Background(), buyIntent("0.1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	clientID := rig.exchange.created[0].ClientID

	fillEvent := func(qty string) types.Event {
		return types.Event{
			Venue:   "mock",
			Channel: types.ChannelUser,
			Symbol:  "BTC/USDT",
			Fill: &types.Fill{
				OrderID:  "V-" + clientID,
				ClientID: clientID,
				Venue:    "mock",
				Symbol:   "BTC/USDT",
				Side:     types.BUY,
				Price:    d("20000"),
				Quantity: d(qty),
				Ts:       time.Now(),
			},
		}
	}

	// partial fill consumes 800 of the 2000 reservation, the cancel
	// returns the remaining 1200, and the racing fill spends from free.
	rig.engine.OnEvent(fillEvent("0.04"))
	if err := rig.engine.Cancel(context.Background(), clientID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	rig.engine.OnEvent(fillEvent("0.02"))

	if pos, ok := rig.portfolio.Position("BTC/USDT"); !ok || !pos.Size.Equal(d("0.06")) {
		t.Errorf("position = %+v, ok=%v, want size 0.06", pos, ok)
	}
	bal, _ := rig.portfolio.Balance("USDT")
	if !bal.Used.IsZero() {
		t.Errorf("used = %s, want 0 after cancel returned the remainder", bal.Used)
	}
	if !bal.Free.Equal(d("8800")) {
		t.Errorf("free = %s, want 8800 after 1200 spent", bal.Free)
	}
	if !bal.Free.Add(bal.Used).Equal(bal.Total) {
		t.Errorf("free %s + used %s != total %s", bal.Free, bal.Used, bal.Total)
	}
}

func TestCancelOfUnknownVenueOrderIsSuccess(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, true)
	rig.exchange.cancelErr = exchange.NewError(exchange.ErrInvalidOrder, "mock", "order not found")

	if err := rig.engine.Execute(context.Background(), buyIntent("0.1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	clientID := rig.exchange.created[0].ClientID
	if err := rig.engine.Cancel(context.Background(), clientID); err != nil {
		t.Fatalf("cancel of venue-unknown order: %v", err)
	}
}

func TestCloseIntentSizesFromPosition(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, true)
	rig.portfolio.ApplyFill(types.Fill{
		Venue: "mock", Symbol: "BTC/USDT", Side: types.BUY,
		Price: d("20000"), Quantity: d("0.1"), Ts: time.Now(),
	})

	intent := types.TradeIntent{
		Symbol:      "BTC/USDT",
		Action:      types.ActionClose,
		Strength:    decimal.NewFromInt(1),
		TargetPrice: d("21000"),
		Ts:          time.Now(),
	}
	if err := rig.engine.Execute(context.Background(), intent); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	req := rig.exchange.created[0]
	if req.Side != types.SELL || !req.Quantity.Equal(d("0.1")) {
		t.Errorf("close order = %s %s, want SELL 0.1", req.Side, req.Quantity)
	}
}

func TestResolveOutboxAdoptsSurvivors(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, true)
	entry := OutboxEntry{
		ClientID: "11111111-2222-3333-4444-555555555555",
		Venue:    "mock",
		Symbol:   "BTC/USDT",
		Side:     types.BUY,
		Type:     types.OrderTypeLimit,
		Price:    d("20000"),
		Quantity: d("0.1"),
		Ts:       time.Now().Add(-time.Minute),
	}
	if err := rig.outbox.Record(entry); err != nil {
		t.Fatal(err)
	}
	rig.exchange.openOrders = []types.Order{{
		OrderID:  "V-survivor",
		ClientID: entry.ClientID,
		Venue:    "mock",
		Symbol:   "BTC/USDT",
		Status:   types.OrderStatusNew,
		Quantity: d("0.1"),
	}}

	rig.engine.ResolveOutbox(context.Background())

	if pending := rig.outbox.Pending(); len(pending) != 0 {
		t.Errorf("outbox pending = %d after adoption, want 0", len(pending))
	}
	if _, ok := rig.engine.Order(entry.ClientID); !ok {
		t.Error("survivor order not tracked after adoption")
	}
}
