// Package portfolio is the single-writer core for balances, positions
// and P&L.
//
// All state lives with one owner goroutine that consumes a command
// channel; every public method posts a closure and waits for it to run.
// Readers receive copied snapshots, so no caller ever observes a
// partial mutation. Fills are the only source of balance and position
// changes; prices only move unrealized P&L.
//
// When a Store is attached the state is snapshotted to disk after every
// mutation. A failing save logs and disables persistence rather than
// halting trading.
package portfolio

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradeforge/internal/exchange"
	"tradeforge/internal/metrics"
	"tradeforge/pkg/types"
)

// TradeRecord is one fill as entered into the trade log.
type TradeRecord struct {
	Symbol      types.Symbol    `json:"symbol"`
	Side        types.Side      `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Fee         decimal.Decimal `json:"fee"`
	FeeAsset    string          `json:"fee_asset"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Ts          time.Time       `json:"ts"`
}

// FillResult reports what one fill changed.
type FillResult struct {
	RealizedPnL decimal.Decimal
	// Position is the post-fill position, nil when the fill closed it.
	Position *types.Position
}

// Summary is a consistent snapshot of portfolio health.
type Summary struct {
	Equity        decimal.Decimal  `json:"equity"`
	Cash          decimal.Decimal  `json:"cash"`
	Positions     []types.Position `json:"positions"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	Returns       decimal.Decimal  `json:"returns"`
	WinRate       decimal.Decimal  `json:"win_rate"`
	Drawdown      decimal.Decimal  `json:"drawdown"`
}

// Config builds a portfolio.
type Config struct {
	// BaseCurrency is the equity denomination, e.g. "USDT". Positions
	// are valued in it; symbols quoted in anything else only contribute
	// realized P&L.
	BaseCurrency string
	// InitialCash seeds the base-currency balance when no snapshot
	// exists.
	InitialCash decimal.Decimal
	// Store persists state; nil disables persistence.
	Store   *Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Portfolio owns balances, positions and the trade log.
type Portfolio struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   *Store
	base    string

	cmds chan func()
	done chan struct{}

	// owner-goroutine state below, never touched from outside run()
	balances   map[string]*types.Balance
	positions  map[types.Symbol]*types.Position
	lastPrices map[types.Symbol]decimal.Decimal
	trades     []TradeRecord
	realized   decimal.Decimal
	peak       decimal.Decimal
	initial    decimal.Decimal
	persistOK  bool
}

// New builds the portfolio and starts its owner goroutine. When a store
// is configured the previous snapshot is loaded first; a corrupt
// snapshot fails construction with ErrStateCorrupt.
func New(cfg Config) (*Portfolio, error) {
	if cfg.BaseCurrency == "" {
		return nil, exchange.NewError(exchange.ErrConfig, "", "portfolio base currency is required")
	}
	p := &Portfolio{
		logger:     cfg.Logger.With("component", "portfolio"),
		metrics:    cfg.Metrics,
		store:      cfg.Store,
		base:       cfg.BaseCurrency,
		cmds:       make(chan func(), 64),
		done:       make(chan struct{}),
		balances:   make(map[string]*types.Balance),
		positions:  make(map[types.Symbol]*types.Position),
		lastPrices: make(map[types.Symbol]decimal.Decimal),
		persistOK:  cfg.Store != nil,
	}

	if cfg.Store != nil {
		snap, err := cfg.Store.Load()
		if err != nil {
			return nil, err
		}
		if snap != nil {
			p.restore(snap)
			p.logger.Info("state restored",
				"balances", len(p.balances),
				"positions", len(p.positions),
				"trades", len(p.trades),
			)
		}
	}
	if len(p.balances) == 0 && cfg.InitialCash.IsPositive() {
		p.balances[p.base] = &types.Balance{
			Asset: p.base,
			Free:  cfg.InitialCash,
			Total: cfg.InitialCash,
		}
	}

	p.initial = p.equity()
	if p.peak.LessThan(p.initial) {
		p.peak = p.initial
	}

	go p.run()
	return p, nil
}

// Close stops the owner goroutine after flushing state.
func (p *Portfolio) Close() {
	p.do(func() { p.persist() })
	close(p.cmds)
	<-p.done
	if p.store != nil {
		p.store.Close()
	}
}

func (p *Portfolio) run() {
	defer close(p.done)
	for cmd := range p.cmds {
		cmd()
	}
}

// do posts fn to the owner goroutine and waits for it to finish.
func (p *Portfolio) do(fn func()) {
	done := make(chan struct{})
	p.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// ————————————————————————————————————————————————————————————————————————
// Fills
// ————————————————————————————————————————————————————————————————————————

// ApplyFill mutates balances and positions for one execution report.
// Same-side fills grow the position at the volume-weighted entry;
// opposite-side fills realize P&L and shrink it; a fill beyond the
// remaining size flips into a fresh opposite position.
func (p *Portfolio) ApplyFill(fill types.Fill) (FillResult, error) {
	var res FillResult
	var err error
	p.do(func() { res, err = p.applyFill(fill) })
	return res, err
}

func (p *Portfolio) applyFill(fill types.Fill) (FillResult, error) {
	if !fill.Quantity.IsPositive() || !fill.Price.IsPositive() {
		return FillResult{}, exchange.NewError(exchange.ErrInvalidOrder, fill.Venue, "fill has non-positive price or quantity")
	}
	_, quote, err := fill.Symbol.Parse()
	if err != nil {
		return FillResult{}, exchange.NewError(exchange.ErrInternal, fill.Venue, err.Error())
	}

	notional := fill.Quantity.Mul(fill.Price)
	if fill.Side == types.BUY {
		p.credit(quote, notional.Neg())
	} else {
		p.credit(quote, notional)
	}
	if fill.Fee.IsPositive() {
		asset := fill.FeeAsset
		if asset == "" {
			asset = quote
		}
		p.credit(asset, fill.Fee.Neg())
	}

	realizedDelta := p.applyToPosition(fill)
	p.realized = p.realized.Add(realizedDelta)

	p.trades = append(p.trades, TradeRecord{
		Symbol:      fill.Symbol,
		Side:        fill.Side,
		Price:       fill.Price,
		Quantity:    fill.Quantity,
		Fee:         fill.Fee,
		FeeAsset:    fill.FeeAsset,
		RealizedPnL: realizedDelta,
		Ts:          fill.Ts,
	})

	p.lastPrices[fill.Symbol] = fill.Price
	p.refreshEquity()
	p.persist()

	if p.metrics != nil {
		p.metrics.FillsApplied.WithLabelValues(fill.Venue, string(fill.Side)).Inc()
	}
	p.logger.Info("fill applied",
		"venue", fill.Venue,
		"symbol", fill.Symbol,
		"side", fill.Side,
		"price", fill.Price,
		"quantity", fill.Quantity,
		"realized_delta", realizedDelta,
	)

	res := FillResult{RealizedPnL: realizedDelta}
	if pos, ok := p.positions[fill.Symbol]; ok {
		cp := *pos
		res.Position = &cp
	}
	return res, nil
}

// applyToPosition folds the fill into the symbol's position and returns
// the realized P&L delta.
func (p *Portfolio) applyToPosition(fill types.Fill) decimal.Decimal {
	fillSide := types.PositionLong
	if fill.Side == types.SELL {
		fillSide = types.PositionShort
	}

	pos, ok := p.positions[fill.Symbol]
	if !ok {
		p.positions[fill.Symbol] = &types.Position{
			Symbol:     fill.Symbol,
			Side:       fillSide,
			Size:       fill.Quantity,
			EntryPrice: fill.Price,
			EntryTime:  fill.Ts,
		}
		return decimal.Zero
	}

	if pos.Side == fillSide {
		// same side: VWAP the entry
		newSize := pos.Size.Add(fill.Quantity)
		pos.EntryPrice = pos.Size.Mul(pos.EntryPrice).
			Add(fill.Quantity.Mul(fill.Price)).
			Div(newSize)
		pos.Size = newSize
		return decimal.Zero
	}

	// opposite side: realize against the entry
	closed := decimal.Min(pos.Size, fill.Quantity)
	realized := fill.Price.Sub(pos.EntryPrice).Mul(closed).Mul(pos.Side.Sign())
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.Size = pos.Size.Sub(closed)

	if pos.Size.IsZero() {
		delete(p.positions, fill.Symbol)
	}

	// flip-through: the excess opens a fresh opposite position
	if excess := fill.Quantity.Sub(closed); excess.IsPositive() {
		p.positions[fill.Symbol] = &types.Position{
			Symbol:     fill.Symbol,
			Side:       fillSide,
			Size:       excess,
			EntryPrice: fill.Price,
			EntryTime:  fill.Ts,
		}
	}
	return realized
}

// credit adjusts an asset's free balance by delta, creating the balance
// on first touch. Total is always recomputed as free + used, so the
// ledger identity survives every adjustment. A free balance never goes
// negative; an overdraft means the ledger disagrees with the venue and
// is clamped and escalated, pending the next reconcile.
func (p *Portfolio) credit(asset string, delta decimal.Decimal) {
	bal, ok := p.balances[asset]
	if !ok {
		bal = &types.Balance{Asset: asset}
		p.balances[asset] = bal
	}
	bal.Free = bal.Free.Add(delta)
	if bal.Free.IsNegative() {
		p.logger.Error("ledger overdraft clamped at zero", "asset", asset, "overdraft", bal.Free.Neg())
		bal.Free = decimal.Zero
	}
	bal.Total = bal.Free.Add(bal.Used)
}

// ————————————————————————————————————————————————————————————————————————
// Reservations
// ————————————————————————————————————————————————————————————————————————

// Reserve moves amount from free to used for an open order.
func (p *Portfolio) Reserve(asset string, amount decimal.Decimal) error {
	var err error
	p.do(func() {
		bal, ok := p.balances[asset]
		if !ok || bal.Free.LessThan(amount) {
			err = exchange.NewError(exchange.ErrRiskRejected, "",
				fmt.Sprintf("insufficient free %s for reservation of %s", asset, amount))
			return
		}
		bal.Free = bal.Free.Sub(amount)
		bal.Used = bal.Used.Add(amount)
		p.persist()
	})
	return err
}

// Release returns a reservation to free, clamped to what is held.
func (p *Portfolio) Release(asset string, amount decimal.Decimal) {
	p.do(func() {
		p.release(asset, amount)
		p.persist()
	})
}

func (p *Portfolio) release(asset string, amount decimal.Decimal) {
	bal, ok := p.balances[asset]
	if !ok {
		return
	}
	released := decimal.Min(amount, bal.Used)
	bal.Used = bal.Used.Sub(released)
	bal.Free = bal.Free.Add(released)
}

// SettleFill releases the fill's reservation share and applies the fill
// as one command, so the funds return to free before the fill debits
// them and the ledger never dips through zero between the two steps.
// An empty reservedAsset applies the fill with no release.
func (p *Portfolio) SettleFill(fill types.Fill, reservedAsset string, release decimal.Decimal) (FillResult, error) {
	var res FillResult
	var err error
	p.do(func() {
		if reservedAsset != "" && release.IsPositive() {
			p.release(reservedAsset, release)
		}
		res, err = p.applyFill(fill)
	})
	return res, err
}

// ————————————————————————————————————————————————————————————————————————
// Prices and P&L
// ————————————————————————————————————————————————————————————————————————

// UpdatePrices refreshes marks and per-position unrealized P&L,
// returning the total unrealized delta.
func (p *Portfolio) UpdatePrices(prices map[types.Symbol]decimal.Decimal) decimal.Decimal {
	var delta decimal.Decimal
	p.do(func() {
		before := p.unrealized()
		for sym, price := range prices {
			if price.IsPositive() {
				p.lastPrices[sym] = price
			}
		}
		for _, pos := range p.positions {
			last, ok := p.lastPrices[pos.Symbol]
			if !ok {
				continue
			}
			pos.UnrealizedPnL = last.Sub(pos.EntryPrice).Mul(pos.Size).Mul(pos.Side.Sign())
		}
		p.refreshEquity()
		delta = p.unrealized().Sub(before)
	})
	return delta
}

func (p *Portfolio) unrealized() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.positions {
		total = total.Add(pos.UnrealizedPnL)
	}
	return total
}

// equity is base-currency cash plus signed position market value for
// base-quoted symbols.
func (p *Portfolio) equity() decimal.Decimal {
	eq := decimal.Zero
	if bal, ok := p.balances[p.base]; ok {
		eq = bal.Total
	}
	for _, pos := range p.positions {
		if pos.Symbol.Quote() != p.base {
			continue
		}
		last, ok := p.lastPrices[pos.Symbol]
		if !ok {
			last = pos.EntryPrice
		}
		eq = eq.Add(pos.Size.Mul(last).Mul(pos.Side.Sign()))
	}
	return eq
}

func (p *Portfolio) refreshEquity() {
	eq := p.equity()
	if eq.GreaterThan(p.peak) {
		p.peak = eq
	}
	if p.metrics != nil {
		f, _ := eq.Float64()
		p.metrics.Equity.Set(f)
		r, _ := p.realized.Float64()
		p.metrics.RealizedPnL.Set(r)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Read surface
// ————————————————————————————————————————————————————————————————————————

// Equity is the current account equity in the base currency.
func (p *Portfolio) Equity() decimal.Decimal {
	var eq decimal.Decimal
	p.do(func() { eq = p.equity() })
	return eq
}

// PeakEquity is the highest equity observed since inception.
func (p *Portfolio) PeakEquity() decimal.Decimal {
	var peak decimal.Decimal
	p.do(func() { peak = p.peak })
	return peak
}

// Position returns a copy of the symbol's open position.
func (p *Portfolio) Position(symbol types.Symbol) (types.Position, bool) {
	var pos types.Position
	var ok bool
	p.do(func() {
		if cur, found := p.positions[symbol]; found {
			pos, ok = *cur, true
		}
	})
	return pos, ok
}

// Positions returns copies of all open positions.
func (p *Portfolio) Positions() []types.Position {
	var out []types.Position
	p.do(func() {
		for _, pos := range p.positions {
			out = append(out, *pos)
		}
	})
	return out
}

// Balance returns a copy of one asset's balance.
func (p *Portfolio) Balance(asset string) (types.Balance, bool) {
	var bal types.Balance
	var ok bool
	p.do(func() {
		if cur, found := p.balances[asset]; found {
			bal, ok = *cur, true
		}
	})
	return bal, ok
}

// TradesSince counts trade-log entries at or after cutoff. Fills can
// land out of timestamp order across venues, so every record is
// examined.
func (p *Portfolio) TradesSince(cutoff time.Time) int {
	var n int
	p.do(func() {
		for _, tr := range p.trades {
			if !tr.Ts.Before(cutoff) {
				n++
			}
		}
	})
	return n
}

// CalculatePositionSize converts a risk budget into a quantity:
// riskAmount / (price × stopLossPct).
func (p *Portfolio) CalculatePositionSize(price, riskAmount, stopLossPct decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !stopLossPct.IsPositive() || !riskAmount.IsPositive() {
		return decimal.Zero
	}
	return riskAmount.Div(price.Mul(stopLossPct))
}

// Summary snapshots overall portfolio health.
func (p *Portfolio) Summary() Summary {
	var s Summary
	p.do(func() {
		eq := p.equity()
		s.Equity = eq
		if bal, ok := p.balances[p.base]; ok {
			s.Cash = bal.Total
		}
		for _, pos := range p.positions {
			s.Positions = append(s.Positions, *pos)
		}
		s.RealizedPnL = p.realized
		s.UnrealizedPnL = p.unrealized()
		if p.initial.IsPositive() {
			s.Returns = eq.Sub(p.initial).Div(p.initial)
		}
		s.WinRate = p.winRate()
		if p.peak.IsPositive() {
			s.Drawdown = p.peak.Sub(eq).Div(p.peak)
			if s.Drawdown.IsNegative() {
				s.Drawdown = decimal.Zero
			}
		}
	})
	return s
}

// winRate is winners over decided round trips; trades that realized
// nothing (opens, adds) do not vote.
func (p *Portfolio) winRate() decimal.Decimal {
	var wins, decided int64
	for _, tr := range p.trades {
		if tr.RealizedPnL.IsZero() {
			continue
		}
		decided++
		if tr.RealizedPnL.IsPositive() {
			wins++
		}
	}
	if decided == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(wins).Div(decimal.NewFromInt(decided))
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation
// ————————————————————————————————————————————————————————————————————————

// Reconcile overwrites local balances with venue-reported ones. The
// snapshot stays authoritative for positions; the venue is
// authoritative for balances. Discrepancies are logged, not failed.
func (p *Portfolio) Reconcile(venue string, balances []types.Balance) {
	p.do(func() {
		for _, remote := range balances {
			local, ok := p.balances[remote.Asset]
			if ok && !local.Total.Equal(remote.Total) {
				p.logger.Warn("balance discrepancy, adopting venue value",
					"venue", venue,
					"asset", remote.Asset,
					"local", local.Total,
					"remote", remote.Total,
				)
			}
			cp := remote
			p.balances[remote.Asset] = &cp
		}
		p.refreshEquity()
		p.persist()
	})
}

// ————————————————————————————————————————————————————————————————————————
// Persistence
// ————————————————————————————————————————————————————————————————————————

func (p *Portfolio) persist() {
	if p.store == nil || !p.persistOK {
		return
	}
	if err := p.store.Save(p.snapshot()); err != nil {
		p.persistOK = false
		p.logger.Error("state save failed, persistence disabled", "err", err)
	}
}

func (p *Portfolio) snapshot() *Snapshot {
	snap := &Snapshot{
		SchemaVersion: schemaVersion,
		BaseCurrency:  p.base,
		Balances:      make(map[string]types.Balance, len(p.balances)),
		Positions:     make(map[types.Symbol]types.Position, len(p.positions)),
		Trades:        append([]TradeRecord(nil), p.trades...),
		PeakBalance:   p.peak,
		RealizedPnL:   p.realized,
		SavedAt:       time.Now().UTC(),
	}
	for asset, bal := range p.balances {
		snap.Balances[asset] = *bal
	}
	for sym, pos := range p.positions {
		snap.Positions[sym] = *pos
	}
	return snap
}

func (p *Portfolio) restore(snap *Snapshot) {
	p.base = snap.BaseCurrency
	for asset, bal := range snap.Balances {
		cp := bal
		p.balances[asset] = &cp
	}
	for sym, pos := range snap.Positions {
		cp := pos
		p.positions[sym] = &cp
	}
	p.trades = snap.Trades
	p.peak = snap.PeakBalance
	p.realized = snap.RealizedPnL
}
