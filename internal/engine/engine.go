// Package engine turns approved trade intents into venue orders and
// keeps the portfolio in sync with their fills.
//
// The engine consumes intents from one channel (the combiner and the
// stop supervisor both feed it), routes each to the preferred venue,
// runs it through the risk gate, and places it with a fresh UUID client
// ID. The placement path is written to survive uncertainty: the outbox
// entry goes to disk before the adapter call, an uncertain outcome is
// reconciled by polling the venue for up to 30 s, and a placement that
// cannot be confirmed is surfaced — never silently retried.
//
// With live trading disabled the whole placement path short-circuits
// into a synthetic DRY- acknowledgement: no HTTP call, no reservation.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeforge/internal/exchange"
	"tradeforge/internal/metrics"
	"tradeforge/internal/portfolio"
	"tradeforge/internal/risk"
	"tradeforge/pkg/types"
)

const (
	defaultReconcileWindow = 30 * time.Second
	defaultPollInterval    = 2 * time.Second
	// lateFillGrace keeps a cancelled order tracked so fills that raced
	// the cancel are still applied.
	lateFillGrace = 5 * time.Second

	dryRunPrefix = "DRY-"
)

// Sizing turns intent strength into order quantity when the intent
// carries none.
type Sizing struct {
	// RiskPerTrade is the fraction of equity risked at full strength.
	RiskPerTrade decimal.Decimal
	// StopLossPct and TakeProfitPct place the protective triggers
	// relative to the entry price.
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
}

// Config wires the engine.
type Config struct {
	// Venues maps venue name to its connected adapter.
	Venues map[string]exchange.Exchange
	// PreferredVenue receives all orders (simple routing policy).
	PreferredVenue string
	// LiveTrading false short-circuits placements into DRY- acks.
	LiveTrading bool
	Sizing      Sizing

	Portfolio *portfolio.Portfolio
	Gate      *risk.Gate
	Outbox    *Outbox
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// ReconcileWindow and PollInterval tune uncertain-placement
	// resolution; zero values take the defaults.
	ReconcileWindow time.Duration
	PollInterval    time.Duration
}

// trackedOrder is one live order and its reservation. reservedTotal is
// the amount locked at placement and never changes; reservedLeft is
// what fills and cancels have not yet returned to the ledger.
type trackedOrder struct {
	order         types.Order
	reservedAsset string
	reservedTotal decimal.Decimal
	reservedLeft  decimal.Decimal
	canceledAt    time.Time // zero until a cancel is acknowledged
}

// Engine places orders and applies their fills.
type Engine struct {
	logger    *slog.Logger
	cfg       Config
	reconcile time.Duration
	poll      time.Duration

	mu     sync.Mutex
	orders map[string]*trackedOrder // by client ID

	wg sync.WaitGroup
}

// New builds an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.PreferredVenue == "" {
		return nil, exchange.NewError(exchange.ErrConfig, "", "preferred venue is required")
	}
	if _, ok := cfg.Venues[cfg.PreferredVenue]; !ok && cfg.LiveTrading {
		return nil, exchange.NewError(exchange.ErrConfig, cfg.PreferredVenue, "preferred venue has no adapter")
	}
	e := &Engine{
		logger:    cfg.Logger.With("component", "engine"),
		cfg:       cfg,
		reconcile: cfg.ReconcileWindow,
		poll:      cfg.PollInterval,
		orders:    make(map[string]*trackedOrder),
	}
	if e.reconcile <= 0 {
		e.reconcile = defaultReconcileWindow
	}
	if e.poll <= 0 {
		e.poll = defaultPollInterval
	}
	return e, nil
}

// Run consumes intents until the channel closes or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, intents <-chan types.TradeIntent) {
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case intent, ok := <-intents:
			if !ok {
				e.wg.Wait()
				return
			}
			if err := e.Execute(ctx, intent); err != nil {
				e.logger.Error("intent failed",
					"symbol", intent.Symbol,
					"action", intent.Action,
					"err", err,
				)
			}
		}
	}
}

// Execute routes, validates and places one intent.
func (e *Engine) Execute(ctx context.Context, intent types.TradeIntent) error {
	venue := e.cfg.PreferredVenue
	adapter := e.cfg.Venues[venue]

	var caps types.Capabilities
	if adapter != nil {
		caps = adapter.Capabilities()
	} else {
		// dry runs may operate without a live adapter
		caps = types.Capabilities{
			OrderTypes:  []types.OrderType{types.OrderTypeMarket, types.OrderTypeLimit},
			TimeInForce: []types.TimeInForce{types.TIFGoodTilCanceled, types.TIFImmediateOrCancel},
		}
	}

	e.size(&intent)
	order, err := e.cfg.Gate.Approve(intent, venue, caps)
	if err != nil {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.OrdersRejected.WithLabelValues(venue, "risk").Inc()
		}
		return err
	}
	return e.place(ctx, adapter, order)
}

// size fills in quantity and protective triggers for intents that
// carry none, scaling the full-strength risk budget by intent strength.
func (e *Engine) size(intent *types.TradeIntent) {
	// a close liquidates the whole open position
	if intent.Action == types.ActionClose && intent.Quantity.IsZero() {
		if pos, ok := e.cfg.Portfolio.Position(intent.Symbol); ok {
			intent.Quantity = pos.Size
		}
		return
	}

	price := intent.TargetPrice
	if !price.IsPositive() {
		return
	}

	if intent.StopLoss.IsZero() && e.cfg.Sizing.StopLossPct.IsPositive() {
		off := price.Mul(e.cfg.Sizing.StopLossPct)
		if intent.Action == types.ActionBuy {
			intent.StopLoss = price.Sub(off)
		} else {
			intent.StopLoss = price.Add(off)
		}
	}
	if intent.TakeProfit.IsZero() && e.cfg.Sizing.TakeProfitPct.IsPositive() {
		off := price.Mul(e.cfg.Sizing.TakeProfitPct)
		if intent.Action == types.ActionBuy {
			intent.TakeProfit = price.Add(off)
		} else {
			intent.TakeProfit = price.Sub(off)
		}
	}

	if !intent.Quantity.IsZero() {
		return
	}
	if !e.cfg.Sizing.RiskPerTrade.IsPositive() || !e.cfg.Sizing.StopLossPct.IsPositive() {
		return
	}
	riskAmount := e.cfg.Sizing.RiskPerTrade.Mul(e.cfg.Portfolio.Equity())
	if intent.Strength.IsPositive() {
		riskAmount = riskAmount.Mul(intent.Strength)
	}
	intent.Quantity = e.cfg.Portfolio.CalculatePositionSize(price, riskAmount, e.cfg.Sizing.StopLossPct)
}

// ————————————————————————————————————————————————————————————————————————
// Placement
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) place(ctx context.Context, adapter exchange.Exchange, order *types.ExecutionOrder) error {
	clientID := uuid.NewString()

	if !e.cfg.LiveTrading {
		return e.placeDry(clientID, order)
	}

	entry := OutboxEntry{
		ClientID: clientID,
		Venue:    order.Venue,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Type:     order.Type,
		Price:    order.Price,
		Quantity: order.Quantity,
		Ts:       time.Now(),
	}
	if e.cfg.Outbox != nil {
		if err := e.cfg.Outbox.Record(entry); err != nil {
			return exchange.NewError(exchange.ErrInternal, order.Venue, "outbox write failed").WithCause(err)
		}
	}

	asset, amount := reservationFor(order)
	if asset != "" {
		if err := e.cfg.Portfolio.Reserve(asset, amount); err != nil {
			e.clearOutbox(clientID)
			return err
		}
	}

	req := exchange.OrderRequest{
		Symbol:      order.Symbol,
		Type:        order.Type,
		Side:        order.Side,
		Quantity:    order.Quantity,
		Price:       order.Price,
		TimeInForce: order.TimeInForce,
		ClientID:    clientID,
	}
	ack, err := adapter.CreateOrder(ctx, req)
	if errors.Is(err, exchange.ErrUncertainPlacement) {
		adopted, rerr := e.reconcilePlacement(ctx, adapter, clientID, order.Symbol)
		if rerr != nil {
			if asset != "" {
				e.cfg.Portfolio.Release(asset, amount)
			}
			// the outbox entry stays: the operator resolves it
			return rerr
		}
		ack = adopted
		err = nil
	}
	if err != nil {
		if asset != "" {
			e.cfg.Portfolio.Release(asset, amount)
		}
		e.clearOutbox(clientID)
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.OrdersRejected.WithLabelValues(order.Venue, "venue").Inc()
		}
		return err
	}

	e.clearOutbox(clientID)
	e.track(clientID, ack, asset, amount)

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.OrdersPlaced.WithLabelValues(order.Venue, string(order.Side)).Inc()
	}
	e.logger.Info("order placed",
		"venue", order.Venue,
		"symbol", order.Symbol,
		"side", order.Side,
		"type", order.Type,
		"quantity", order.Quantity,
		"client_id", clientID,
		"order_id", ack.OrderID,
	)
	return nil
}

// placeDry records a synthetic acknowledgement without touching the
// venue or the balances.
func (e *Engine) placeDry(clientID string, order *types.ExecutionOrder) error {
	ack := types.Order{
		OrderID:     dryRunPrefix + clientID,
		ClientID:    clientID,
		Venue:       order.Venue,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Type:        order.Type,
		Price:       order.Price,
		Quantity:    order.Quantity,
		Status:      types.OrderStatusNew,
		TimeInForce: order.TimeInForce,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	e.track(clientID, ack, "", decimal.Zero)
	e.logger.Info("dry-run order recorded",
		"venue", order.Venue,
		"symbol", order.Symbol,
		"side", order.Side,
		"quantity", order.Quantity,
		"order_id", ack.OrderID,
	)
	return nil
}

// reconcilePlacement polls the venue until the uncertain placement is
// found or the window expires. An order that never appears is surfaced
// as ErrUncertainPlacement; a duplicate send is never attempted.
func (e *Engine) reconcilePlacement(ctx context.Context, adapter exchange.Exchange, clientID string, symbol types.Symbol) (types.Order, error) {
	deadline := time.Now().Add(e.reconcile)
	byClientID := adapter.Capabilities().ClientIDLookup

	for {
		if byClientID {
			if ord, err := adapter.GetOrder(ctx, clientID, symbol); err == nil {
				e.logger.Info("uncertain placement adopted", "client_id", clientID, "order_id", ord.OrderID)
				return ord, nil
			}
		} else {
			open, err := adapter.GetOpenOrders(ctx, symbol)
			if err == nil {
				for _, ord := range open {
					if ord.ClientID == clientID {
						e.logger.Info("uncertain placement adopted", "client_id", clientID, "order_id", ord.OrderID)
						return ord, nil
					}
				}
			}
		}

		if time.Now().After(deadline) {
			return types.Order{}, exchange.NewError(exchange.ErrUncertainPlacement, adapter.Name(),
				"placement unresolved after polling window").WithCorrelation(clientID)
		}
		select {
		case <-ctx.Done():
			return types.Order{}, ctx.Err()
		case <-time.After(e.poll):
		}
	}
}

// reservationFor returns the funds an order locks: the quote notional
// for buys. Sells settle against the position, not a held balance, so
// they lock nothing.
func reservationFor(order *types.ExecutionOrder) (string, decimal.Decimal) {
	if order.Side != types.BUY {
		return "", decimal.Zero
	}
	price := order.Price
	if price.IsZero() && order.Intent != nil {
		price = order.Intent.TargetPrice
	}
	return order.Symbol.Quote(), order.Quantity.Mul(price)
}

// ————————————————————————————————————————————————————————————————————————
// Order tracking and fills
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) track(clientID string, ord types.Order, asset string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders[clientID] = &trackedOrder{
		order:         ord,
		reservedAsset: asset,
		reservedTotal: amount,
		reservedLeft:  amount,
	}
}

// Order returns a copy of a tracked order.
func (e *Engine) Order(clientID string) (types.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tr, ok := e.orders[clientID]; ok {
		return tr.order, true
	}
	return types.Order{}, false
}

// OnEvent feeds user-channel events (fills and order updates) into the
// engine. Fills go through the portfolio; a fill for an order whose
// cancel raced it is still applied inside the grace window.
func (e *Engine) OnEvent(ev types.Event) {
	switch {
	case ev.Fill != nil:
		e.applyFill(*ev.Fill)
	case ev.OrderUpd != nil:
		e.applyOrderUpdate(*ev.OrderUpd)
	}
}

func (e *Engine) applyFill(fill types.Fill) {
	if strings.HasPrefix(fill.OrderID, dryRunPrefix) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	tr := e.lookupLocked(fill.ClientID, fill.OrderID)

	// The reservation share this fill consumes, proportional to the
	// placement-time reservation. Earlier fills and cancels only cap it
	// through reservedLeft, never skew the proportion.
	var asset string
	share := decimal.Zero
	if tr != nil && tr.reservedAsset != "" && tr.order.Quantity.IsPositive() {
		asset = tr.reservedAsset
		share = decimal.Min(
			tr.reservedTotal.Mul(fill.Quantity).Div(tr.order.Quantity),
			tr.reservedLeft,
		)
	}

	if _, err := e.cfg.Portfolio.SettleFill(fill, asset, share); err != nil {
		e.logger.Error("fill rejected by portfolio", "order_id", fill.OrderID, "err", err)
		return
	}
	if tr == nil {
		return
	}
	tr.reservedLeft = tr.reservedLeft.Sub(share)
	tr.order.FilledQuantity = tr.order.FilledQuantity.Add(fill.Quantity)
	tr.order.UpdatedAt = fill.Ts
	if tr.order.FilledQuantity.GreaterThanOrEqual(tr.order.Quantity) {
		tr.order.Status = types.OrderStatusFilled
		// rounding dust left in the reservation goes back to free
		if tr.reservedAsset != "" && tr.reservedLeft.IsPositive() {
			e.cfg.Portfolio.Release(tr.reservedAsset, tr.reservedLeft)
			tr.reservedLeft = decimal.Zero
		}
		delete(e.orders, tr.order.ClientID)
	} else {
		tr.order.Status = types.OrderStatusPartiallyFilled
	}
}

func (e *Engine) applyOrderUpdate(upd types.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr := e.lookupLocked(upd.ClientID, upd.OrderID)
	if tr == nil {
		return
	}
	if upd.Status != "" {
		tr.order.Status = upd.Status
	}
	tr.order.UpdatedAt = upd.UpdatedAt

	if upd.Status.IsTerminal() && upd.Status != types.OrderStatusFilled {
		// return whatever reservation the fills did not consume; a late
		// fill inside the grace window then settles against free funds
		if tr.reservedAsset != "" && tr.reservedLeft.IsPositive() {
			e.cfg.Portfolio.Release(tr.reservedAsset, tr.reservedLeft)
			tr.reservedLeft = decimal.Zero
		}
		tr.canceledAt = time.Now()
		e.expireAfterGrace(tr.order.ClientID)
	}
}

// lookupLocked finds a tracked order by client ID first, venue ID
// second. e.mu must be held.
func (e *Engine) lookupLocked(clientID, orderID string) *trackedOrder {
	if tr, ok := e.orders[clientID]; ok {
		return tr
	}
	for _, tr := range e.orders {
		if orderID != "" && tr.order.OrderID == orderID {
			return tr
		}
	}
	return nil
}

// expireAfterGrace drops a terminal order after the late-fill window.
func (e *Engine) expireAfterGrace(clientID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		time.Sleep(lateFillGrace)
		e.mu.Lock()
		delete(e.orders, clientID)
		e.mu.Unlock()
	}()
}

// ————————————————————————————————————————————————————————————————————————
// Cancellation
// ————————————————————————————————————————————————————————————————————————

// Cancel is idempotent: an unknown or already-terminal order is a no-op
// success. Fills that race the cancel are applied during the grace
// window; the remainder stays cancelled.
func (e *Engine) Cancel(ctx context.Context, clientID string) error {
	e.mu.Lock()
	tr, ok := e.orders[clientID]
	if !ok || tr.order.Status.IsTerminal() || !tr.canceledAt.IsZero() {
		e.mu.Unlock()
		return nil
	}
	ord := tr.order
	e.mu.Unlock()

	if strings.HasPrefix(ord.OrderID, dryRunPrefix) {
		e.applyOrderUpdate(types.Order{
			ClientID:  clientID,
			OrderID:   ord.OrderID,
			Status:    types.OrderStatusCanceled,
			UpdatedAt: time.Now(),
		})
		return nil
	}

	adapter := e.cfg.Venues[ord.Venue]
	if adapter == nil {
		return exchange.NewError(exchange.ErrConfig, ord.Venue, "no adapter for tracked order")
	}
	ack, err := adapter.CancelOrder(ctx, ord.OrderID, ord.Symbol)
	if err != nil {
		// a venue that no longer knows the order already cancelled it
		if errors.Is(err, exchange.ErrInvalidOrder) {
			ack = types.Order{ClientID: clientID, OrderID: ord.OrderID, Status: types.OrderStatusCanceled, UpdatedAt: time.Now()}
		} else {
			return err
		}
	}
	if ack.ClientID == "" {
		ack.ClientID = clientID
	}
	e.applyOrderUpdate(ack)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Startup reconciliation
// ————————————————————————————————————————————————————————————————————————

// ResolveOutbox reconciles placements left behind by a previous run.
// Found orders are adopted; entries that cannot be confirmed are logged
// for the operator and kept on disk.
func (e *Engine) ResolveOutbox(ctx context.Context) {
	if e.cfg.Outbox == nil {
		return
	}
	for _, entry := range e.cfg.Outbox.Pending() {
		adapter := e.cfg.Venues[entry.Venue]
		if adapter == nil {
			e.logger.Warn("outbox entry for unknown venue", "venue", entry.Venue, "client_id", entry.ClientID)
			continue
		}
		ord, err := e.reconcilePlacement(ctx, adapter, entry.ClientID, entry.Symbol)
		if err != nil {
			e.logger.Error("unresolved placement from previous run, operator action required",
				"client_id", entry.ClientID,
				"venue", entry.Venue,
				"symbol", entry.Symbol,
			)
			continue
		}
		e.track(entry.ClientID, ord, "", decimal.Zero)
		e.clearOutbox(entry.ClientID)
	}
}

func (e *Engine) clearOutbox(clientID string) {
	if e.cfg.Outbox == nil {
		return
	}
	if err := e.cfg.Outbox.Clear(clientID); err != nil {
		e.logger.Error("outbox clear failed", "client_id", clientID, "err", err)
	}
}
