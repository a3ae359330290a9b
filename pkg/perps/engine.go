package perps

import (
	"sync"
	"time"

	"github.com/luxfi/log"
)

// Engine constants. Loss fraction and tolerance are engine-wide;
// spread and funding come from the asset registry.
const (
	MinLeverage = 1
	MaxLeverage = 100

	// LossFractionBps of margin is lost when price reaches the
	// liquidation level.
	LossFractionBps int64 = 8000

	// ToleranceBps is the acceptance band between a trigger price and
	// an observed price.
	ToleranceBps int64 = 5

	// FundingInterval is the accrual period for funding charges.
	FundingInterval = 2700 * time.Second

	// DefaultMaxProofAge bounds price attestation staleness.
	DefaultMaxProofAge = 60 * time.Second
)

// OpenParams carries the trader-supplied order parameters.
type OpenParams struct {
	Asset       uint32
	Side        Side
	Lots        int64
	Leverage    int64
	TargetPrice int64 // limit orders only
	StopLoss    int64
	TakeProfit  int64
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Registry    AssetRegistry
	Oracle      PriceOracle
	Ledger      *Ledger
	Roles       *RoleTable
	Logger      log.Logger
	MaxProofAge time.Duration
	// Identity is the account the engine presents to the ledger. It
	// must hold RoleController.
	Identity string
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
	// ObserveProofAge, when set, receives the age of every accepted
	// price attestation.
	ObserveProofAge func(time.Duration)
}

type exposureKey struct {
	asset uint32
	side  Side
}

// Engine is the position state machine. All operations run to
// completion under one lock: no interleaving of partial effects, no
// suspension mid-flight.
type Engine struct {
	mu              sync.Mutex
	registry        AssetRegistry
	oracle          PriceOracle
	ledger          *Ledger
	roles           *RoleTable
	logger          log.Logger
	maxProofAge     time.Duration
	identity        string
	clock           func() time.Time
	observeProofAge func(time.Duration)

	trades   map[uint64]*Trade
	nextID   uint64
	exposure map[exposureKey]int64
	auth     *Authorizer
}

// NewEngine creates a position engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MaxProofAge == 0 {
		cfg.MaxProofAge = DefaultMaxProofAge
	}
	if cfg.Identity == "" {
		cfg.Identity = "engine"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		registry:        cfg.Registry,
		oracle:          cfg.Oracle,
		ledger:          cfg.Ledger,
		roles:           cfg.Roles,
		logger:          cfg.Logger,
		maxProofAge:     cfg.MaxProofAge,
		identity:        cfg.Identity,
		clock:           cfg.Clock,
		observeProofAge: cfg.ObserveProofAge,
		trades:          make(map[uint64]*Trade),
		exposure:        make(map[exposureKey]int64),
		auth:            NewAuthorizer(),
	}
}

// resolvePrice resolves a fresh reference price from an attestation and
// feeds the accepted entry's age to the observer when one is wired.
func (e *Engine) resolvePrice(asset uint32, proof []byte) (int64, error) {
	ref, age, err := ResolvePriceAge(e.oracle, proof, asset, e.maxProofAge, e.clock())
	if err != nil {
		return 0, err
	}
	if e.observeProofAge != nil {
		e.observeProofAge(age)
	}
	return ref, nil
}

// Identity returns the account the engine presents to the ledger.
func (e *Engine) Identity() string { return e.identity }

// OpenLimit places a pending limit order. Margin is sized from the
// target price and locked immediately; the liquidation price is fixed
// here and never recomputed, even if the later fill price differs.
func (e *Engine) OpenLimit(trader string, p OpenParams) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.TargetPrice <= 0 {
		return 0, ErrZeroPrice
	}
	qty, err := e.quantity(p.Asset, p.Lots)
	if err != nil {
		return 0, err
	}
	if err := validateLeverage(p.Leverage); err != nil {
		return 0, err
	}
	margin, err := marginFor(qty, p.TargetPrice, p.Leverage)
	if err != nil {
		return 0, err
	}
	liq, err := liquidationPrice(p.Side, p.TargetPrice, p.Leverage)
	if err != nil {
		return 0, err
	}
	if err := validateStops(p.Side, p.TargetPrice, liq, p.StopLoss, p.TakeProfit); err != nil {
		return 0, err
	}
	if err := e.ledger.Lock(e.identity, trader, margin); err != nil {
		return 0, err
	}

	t := &Trade{
		ID:               e.allocID(),
		Owner:            trader,
		Asset:            p.Asset,
		Side:             p.Side,
		Lots:             p.Lots,
		Leverage:         p.Leverage,
		State:            StateOrder,
		TargetPrice:      p.TargetPrice,
		StopLoss:         p.StopLoss,
		TakeProfit:       p.TakeProfit,
		LiquidationPrice: liq,
		MarginReserved:   margin,
		CreatedAt:        e.clock(),
	}
	e.trades[t.ID] = t
	e.logger.Info("limit order placed",
		"trade", t.ID,
		"trader", trader,
		"asset", p.Asset,
		"side", p.Side.String(),
		"lots", p.Lots,
		"target", p.TargetPrice,
		"margin", margin)
	return t.ID, nil
}

// OpenMarket opens a position directly against a fresh price proof.
// The execution price is the reference price adjusted by the asset's
// half-spread, always against the trader.
func (e *Engine) OpenMarket(trader string, p OpenParams, proof []byte) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openMarketLocked(trader, p, proof)
}

func (e *Engine) openMarketLocked(trader string, p OpenParams, proof []byte) (uint64, error) {
	open, err := e.registry.IsMarketOpen(p.Asset)
	if err != nil {
		return 0, err
	}
	if !open {
		return 0, ErrMarketClosed
	}
	now := e.clock()
	ref, err := e.resolvePrice(p.Asset, proof)
	if err != nil {
		return 0, err
	}
	entry, err := e.spreadAdjust(p.Asset, p.Side, ref, true)
	if err != nil {
		return 0, err
	}
	qty, err := e.quantity(p.Asset, p.Lots)
	if err != nil {
		return 0, err
	}
	if err := validateLeverage(p.Leverage); err != nil {
		return 0, err
	}
	margin, err := marginFor(qty, entry, p.Leverage)
	if err != nil {
		return 0, err
	}
	liq, err := liquidationPrice(p.Side, entry, p.Leverage)
	if err != nil {
		return 0, err
	}
	if err := validateStops(p.Side, entry, liq, p.StopLoss, p.TakeProfit); err != nil {
		return 0, err
	}
	if err := e.ledger.Lock(e.identity, trader, margin); err != nil {
		return 0, err
	}

	t := &Trade{
		ID:               e.allocID(),
		Owner:            trader,
		Asset:            p.Asset,
		Side:             p.Side,
		Lots:             p.Lots,
		Leverage:         p.Leverage,
		State:            StateOpen,
		EntryPrice:       entry,
		StopLoss:         p.StopLoss,
		TakeProfit:       p.TakeProfit,
		LiquidationPrice: liq,
		MarginReserved:   margin,
		CreatedAt:        now,
		OpenedAt:         now,
	}
	e.trades[t.ID] = t
	e.exposure[exposureKey{p.Asset, p.Side}] += p.Lots
	e.logger.Info("position opened",
		"trade", t.ID,
		"trader", trader,
		"asset", p.Asset,
		"side", p.Side.String(),
		"lots", p.Lots,
		"entry", entry,
		"margin", margin)
	return t.ID, nil
}

// Cancel aborts a pending limit order, releasing its margin. Only the
// trade owner may cancel; no PnL is realized.
func (e *Engine) Cancel(caller string, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelLocked(caller, id)
}

func (e *Engine) cancelLocked(caller string, id uint64) error {
	t, ok := e.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	if t.Owner != caller {
		return ErrNotOwner
	}
	if t.State != StateOrder {
		return ErrInvalidState
	}
	if err := e.ledger.Unlock(e.identity, t.Owner, t.MarginReserved); err != nil {
		return err
	}
	t.State = StateCancelled
	t.ClosedAt = e.clock()
	e.logger.Info("order cancelled", "trade", id, "trader", caller)
	return nil
}

// Execute fills a pending limit order against a fresh price. The
// reference price must lie within the tolerance band of the order's
// target; the recorded entry price is the spread-adjusted execution
// price. Keeper role or the trade owner may execute.
func (e *Engine) Execute(caller string, id uint64, proof []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	if e.roles.Check(RoleKeeper, caller) != nil && t.Owner != caller {
		return ErrUnauthorized
	}
	ref, err := e.resolvePrice(t.Asset, proof)
	if err != nil {
		return err
	}
	return e.executeLocked(t, ref, true)
}

func (e *Engine) executeLocked(t *Trade, ref int64, commitExposure bool) error {
	if t.State != StateOrder {
		return ErrInvalidState
	}
	if !withinTolerance(ref, t.TargetPrice) {
		return ErrPriceNotNear
	}
	entry, err := e.spreadAdjust(t.Asset, t.Side, ref, true)
	if err != nil {
		return err
	}
	t.EntryPrice = entry
	t.TargetPrice = 0
	t.State = StateOpen
	t.OpenedAt = e.clock()
	if commitExposure {
		e.exposure[exposureKey{t.Asset, t.Side}] += t.Lots
	}
	e.logger.Info("order executed",
		"trade", t.ID,
		"entry", entry,
		"liquidation", t.LiquidationPrice)
	return nil
}

// Close closes an open position at the current reference price,
// adjusted by spread and accrued funding. Only the trade owner.
func (e *Engine) Close(caller string, id uint64, proof []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeMarketLocked(caller, id, proof)
}

func (e *Engine) closeMarketLocked(caller string, id uint64, proof []byte) error {
	t, ok := e.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	if t.Owner != caller {
		return ErrNotOwner
	}
	if t.State != StateOpen {
		return ErrInvalidState
	}
	ref, err := e.resolvePrice(t.Asset, proof)
	if err != nil {
		return err
	}
	if err := e.closeLocked(t, ref, CloseMarket); err != nil {
		return err
	}
	e.exposure[exposureKey{t.Asset, t.Side}] -= t.Lots
	return nil
}

// TriggerClose closes an open position through one of its stored
// triggers. Keeper role only; the trigger must be set and the fresh
// price must satisfy its acceptance test.
func (e *Engine) TriggerClose(caller string, id uint64, reason CloseReason, proof []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Check(RoleKeeper, caller); err != nil {
		return err
	}
	t, ok := e.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	if t.State != StateOpen {
		return ErrInvalidState
	}
	ref, err := e.resolvePrice(t.Asset, proof)
	if err != nil {
		return err
	}
	if !e.triggerMatches(t, ref, reason) {
		return ErrPriceNotNear
	}
	if err := e.closeLocked(t, ref, reason); err != nil {
		return err
	}
	e.exposure[exposureKey{t.Asset, t.Side}] -= t.Lots
	return nil
}

// ExecLimits fills a batch of pending limit orders against one proof.
// Items failing a precondition are skipped; the accumulated exposure
// deltas commit once at the end of the batch.
func (e *Engine) ExecLimits(caller string, asset uint32, ids []uint64, proof []byte) (executed, skipped int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Check(RoleKeeper, caller); err != nil {
		return 0, 0, err
	}
	ref, err := e.resolvePrice(asset, proof)
	if err != nil {
		return 0, 0, err
	}

	deltas := make(map[exposureKey]int64)
	for _, id := range ids {
		t, ok := e.trades[id]
		if !ok || t.Asset != asset {
			skipped++
			continue
		}
		if execErr := e.executeLocked(t, ref, false); execErr != nil {
			skipped++
			continue
		}
		deltas[exposureKey{t.Asset, t.Side}] += t.Lots
		executed++
	}
	e.foldExposure(deltas)
	return executed, skipped, nil
}

// CloseBatch evaluates a batch of open positions against one proof,
// closing each whose liquidation, stop-loss or take-profit trigger
// accepts the price. Per-item precondition failures skip the item;
// settlement failures abort the batch since they indicate an
// accounting inconsistency. Exposure deltas accrued before an abort
// still commit.
func (e *Engine) CloseBatch(caller string, asset uint32, ids []uint64, proof []byte) (closed, skipped int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Check(RoleKeeper, caller); err != nil {
		return 0, 0, err
	}
	ref, err := e.resolvePrice(asset, proof)
	if err != nil {
		return 0, 0, err
	}

	deltas := make(map[exposureKey]int64)
	defer func() { e.foldExposure(deltas) }()

	for _, id := range ids {
		t, ok := e.trades[id]
		if !ok || t.Asset != asset || t.State != StateOpen {
			skipped++
			continue
		}
		reason := e.matchTrigger(t, ref)
		if reason == CloseNone {
			skipped++
			continue
		}
		if closeErr := e.closeLocked(t, ref, reason); closeErr != nil {
			return closed, skipped, closeErr
		}
		deltas[exposureKey{t.Asset, t.Side}] -= t.Lots
		closed++
	}
	return closed, skipped, nil
}

// SetStops updates a trade's stop-loss/take-profit levels. Allowed
// while the trade is an order or open, by the owner only. Levels are
// revalidated against the trade's reference price and its fixed
// liquidation price.
func (e *Engine) SetStops(caller string, id uint64, stopLoss, takeProfit int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	if t.Owner != caller {
		return ErrNotOwner
	}
	if t.State != StateOrder && t.State != StateOpen {
		return ErrInvalidState
	}
	ref := t.TargetPrice
	if t.State == StateOpen {
		ref = t.EntryPrice
	}
	if err := validateStops(t.Side, ref, t.LiquidationPrice, stopLoss, takeProfit); err != nil {
		return err
	}
	t.StopLoss = stopLoss
	t.TakeProfit = takeProfit
	return nil
}

// closeLocked converges the four close paths: compute the exit price
// (funding folded in, spread for market closes), cap the realized PnL
// to the reserved margin, release margin and settle through the ledger
// in one step, then mark the trade closed.
func (e *Engine) closeLocked(t *Trade, ref int64, reason CloseReason) error {
	exit := ref
	var err error
	if reason == CloseMarket {
		exit, err = e.spreadAdjust(t.Asset, t.Side, ref, false)
		if err != nil {
			return err
		}
	}
	exit, err = e.fundingAdjust(t, exit)
	if err != nil {
		return err
	}

	qty, err := e.quantity(t.Asset, t.Lots)
	if err != nil {
		return err
	}
	move, err := checkedMul(qty, exit-t.EntryPrice)
	if err != nil {
		return err
	}
	pnl := t.Side.Sign() * move
	// Bound settlement exposure to what was actually locked.
	if pnl > t.MarginReserved {
		pnl = t.MarginReserved
	} else if pnl < -t.MarginReserved {
		pnl = -t.MarginReserved
	}

	if err := e.ledger.ReleaseAndSettle(e.identity, t.Owner, t.MarginReserved, pnl); err != nil {
		return err
	}
	t.State = StateClosed
	t.CloseReason = reason
	t.RealizedPnL = pnl
	t.ClosedAt = e.clock()
	e.logger.Info("position closed",
		"trade", t.ID,
		"reason", reason.String(),
		"exit", exit,
		"pnl", pnl)
	return nil
}

// matchTrigger returns the first trigger accepting the price, checking
// liquidation, then stop-loss, then take-profit.
func (e *Engine) matchTrigger(t *Trade, ref int64) CloseReason {
	for _, r := range []CloseReason{CloseLiquidation, CloseStopLoss, CloseTakeProfit} {
		if e.triggerMatches(t, ref, r) {
			return r
		}
	}
	return CloseNone
}

// triggerMatches applies the acceptance test for one trigger. SL/TP
// use the tolerance band; liquidation additionally accepts any price
// past the trigger in the adverse direction, so a position cannot get
// stuck unliquidated when price gaps through the level.
func (e *Engine) triggerMatches(t *Trade, ref int64, reason CloseReason) bool {
	switch reason {
	case CloseStopLoss:
		return t.StopLoss != 0 && withinTolerance(ref, t.StopLoss)
	case CloseTakeProfit:
		return t.TakeProfit != 0 && withinTolerance(ref, t.TakeProfit)
	case CloseLiquidation:
		if withinTolerance(ref, t.LiquidationPrice) {
			return true
		}
		if t.Side == Long {
			return ref <= t.LiquidationPrice
		}
		return ref >= t.LiquidationPrice
	default:
		return false
	}
}

// fundingAdjust folds accrued funding into the exit price: elapsed
// holding time in whole intervals times the asset's signed rate,
// charged against the side holding the position.
func (e *Engine) fundingAdjust(t *Trade, exit int64) (int64, error) {
	rate, err := e.registry.FundingRate(t.Asset)
	if err != nil {
		return 0, err
	}
	if rate == 0 || t.OpenedAt.IsZero() {
		return exit, nil
	}
	intervals := int64(e.clock().Sub(t.OpenedAt) / FundingInterval)
	if intervals <= 0 {
		return exit, nil
	}
	accrued, err := checkedMul(rate, intervals)
	if err != nil {
		return 0, err
	}
	exit -= t.Side.Sign() * accrued
	if exit < 0 {
		exit = 0
	}
	return exit, nil
}

// spreadAdjust applies the asset's half-spread to a reference price.
// The spread is always paid by the trader: longs buy above and sell
// below the reference, shorts the opposite.
func (e *Engine) spreadAdjust(asset uint32, side Side, ref int64, opening bool) (int64, error) {
	hs, err := e.registry.HalfSpread(asset)
	if err != nil {
		return 0, err
	}
	if hs == 0 {
		return ref, nil
	}
	dir := side.Sign()
	if !opening {
		dir = -dir
	}
	return mulDiv(ref, PriceScale+dir*hs, PriceScale)
}

func (e *Engine) quantity(asset uint32, lots int64) (int64, error) {
	num, den, err := e.registry.Lot(asset)
	if err != nil {
		return 0, err
	}
	if num == 0 || den == 0 || lots <= 0 {
		return 0, ErrQtyZero
	}
	qty, err := mulDiv(lots, num, den)
	if err != nil {
		return 0, err
	}
	if qty <= 0 {
		return 0, ErrQtyZero
	}
	return qty, nil
}

func (e *Engine) foldExposure(deltas map[exposureKey]int64) {
	for k, d := range deltas {
		e.exposure[k] += d
	}
}

func (e *Engine) allocID() uint64 {
	e.nextID++
	return e.nextID
}

// Trade returns a copy of a trade record.
func (e *Engine) Trade(id uint64) (Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trades[id]
	if !ok {
		return Trade{}, ErrTradeNotFound
	}
	return *t, nil
}

// StateOf returns a trade's lifecycle state.
func (e *Engine) StateOf(id uint64) (TradeState, error) {
	t, err := e.Trade(id)
	return t.State, err
}

// SideOf returns a trade's direction.
func (e *Engine) SideOf(id uint64) (Side, error) {
	t, err := e.Trade(id)
	return t.Side, err
}

// OpenLots returns the per-asset open lot exposure for one side.
func (e *Engine) OpenLots(asset uint32, side Side) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exposure[exposureKey{asset, side}]
}

// Trades returns a snapshot of every trade record, for persistence.
func (e *Engine) Trades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Trade, 0, len(e.trades))
	for _, t := range e.trades {
		out = append(out, *t)
	}
	return out
}

// RestoreTrade reinstates a persisted trade record, advancing the id
// counter and exposure counters as needed. Startup only.
func (e *Engine) RestoreTrade(t Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := t
	e.trades[t.ID] = &cp
	if t.ID > e.nextID {
		e.nextID = t.ID
	}
	if t.State == StateOpen {
		e.exposure[exposureKey{t.Asset, t.Side}] += t.Lots
	}
}

// Pricing helpers shared by the open paths.

func validateLeverage(leverage int64) error {
	if leverage < MinLeverage || leverage > MaxLeverage {
		return ErrInvalidLeverage
	}
	return nil
}

// marginFor is ceil(quantity*price/leverage) in 6-decimal units.
func marginFor(qty, price, leverage int64) (int64, error) {
	notional, err := checkedMul(qty, price)
	if err != nil {
		return 0, err
	}
	margin, err := mulDivCeil(notional, 1, leverage)
	if err != nil {
		return 0, err
	}
	if margin <= 0 {
		return 0, ErrZeroAmount
	}
	return margin, nil
}

// liquidationPrice fixes the adverse price at which the position loses
// LossFractionBps of its margin: P*(1 -/+ F/L).
func liquidationPrice(side Side, ref, leverage int64) (int64, error) {
	den := 10_000 * leverage
	num := den - LossFractionBps
	if side == Short {
		num = den + LossFractionBps
	}
	return mulDiv(ref, num, den)
}

// withinTolerance reports |price-trigger| <= trigger*ToleranceBps/1e4.
func withinTolerance(price, trigger int64) bool {
	if trigger <= 0 {
		return false
	}
	band, err := mulDiv(trigger, ToleranceBps, 10_000)
	if err != nil {
		return false
	}
	return abs64(price-trigger) <= band
}

// validateStops checks stop levels against the reference price and the
// fixed liquidation price. Zero means unset. Take-profit must sit on
// the profitable side of the reference; stop-loss must lie between the
// reference and the liquidation price, inclusive.
func validateStops(side Side, ref, liq, stopLoss, takeProfit int64) error {
	if takeProfit != 0 {
		if side == Long && takeProfit < ref {
			return ErrInvalidStopRange
		}
		if side == Short && takeProfit > ref {
			return ErrInvalidStopRange
		}
	}
	if stopLoss != 0 {
		if side == Long && (stopLoss < liq || stopLoss > ref) {
			return ErrInvalidStopRange
		}
		if side == Short && (stopLoss < ref || stopLoss > liq) {
			return ErrInvalidStopRange
		}
	}
	return nil
}
