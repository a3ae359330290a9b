package perps

import (
	"errors"
	"testing"
	"time"

	"github.com/luxfi/log"
)

const (
	testOwner  = "owner"
	testKeeper = "keeper"
	testTrader = "alice"
	testAsset  = uint32(1)
)

// testOracle returns preset points regardless of the proof bytes.
type testOracle struct {
	points []PricePoint
	err    error
}

func (o *testOracle) DecodeProof([]byte) ([]PricePoint, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.points, nil
}

type fixture struct {
	roles     *RoleTable
	ledger    *Ledger
	registry  *StaticRegistry
	oracle    *testOracle
	engine    *Engine
	pool      *CashPool
	now       time.Time
	proofAges []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		roles:  NewRoleTable(testOwner),
		oracle: &testOracle{},
		pool:   NewCashPool(1_000_000_000_000), // $1M counterparty float
		now:    time.Unix(1_700_000_000, 0),
	}
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)

	f.ledger = NewLedger(f.pool, f.roles, logger)
	f.registry = NewStaticRegistry(f.roles)
	f.engine = NewEngine(EngineConfig{
		Registry:        f.registry,
		Oracle:          f.oracle,
		Ledger:          f.ledger,
		Roles:           f.roles,
		Logger:          logger,
		Clock:           func() time.Time { return f.now },
		ObserveProofAge: func(age time.Duration) { f.proofAges = append(f.proofAges, age) },
	})
	if err := f.roles.Grant(testOwner, RoleController, f.engine.Identity()); err != nil {
		t.Fatalf("grant controller: %v", err)
	}
	if err := f.roles.Grant(testOwner, RoleKeeper, testKeeper); err != nil {
		t.Fatalf("grant keeper: %v", err)
	}
	if err := f.registry.ListAsset(testOwner, testAsset, AssetConfig{
		LotNumerator:   1,
		LotDenominator: 1,
		MarketOpen:     true,
	}); err != nil {
		t.Fatalf("list asset: %v", err)
	}
	if err := f.ledger.Deposit(testTrader, 100_000_000); err != nil { // $100
		t.Fatalf("deposit: %v", err)
	}
	return f
}

// setPrice points the oracle at a fresh attestation for the asset.
func (f *fixture) setPrice(price int64) {
	f.oracle.points = []PricePoint{{
		Pair:      testAsset,
		Price:     price,
		Decimals:  6,
		Timestamp: f.now.Unix(),
		Round:     1,
	}}
}

func (f *fixture) openLong(t *testing.T, price int64, lots, leverage int64) uint64 {
	t.Helper()
	f.setPrice(price)
	id, err := f.engine.OpenMarket(testTrader, OpenParams{
		Asset:    testAsset,
		Side:     Long,
		Lots:     lots,
		Leverage: leverage,
	}, nil)
	if err != nil {
		t.Fatalf("open market long: %v", err)
	}
	return id
}

func TestOpenMarketRoundTrip(t *testing.T) {
	f := newFixture(t)

	id := f.openLong(t, 100_000_000, 5, 10)

	tr, err := f.engine.Trade(id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if tr.State != StateOpen {
		t.Errorf("expected open, got %s", tr.State)
	}
	if tr.EntryPrice != 100_000_000 {
		t.Errorf("expected entry 100_000000, got %d", tr.EntryPrice)
	}
	// margin = 5 * 100 / 10 = $50
	if tr.MarginReserved != 50_000_000 {
		t.Errorf("expected margin 50_000000, got %d", tr.MarginReserved)
	}
	if got := f.ledger.Available(testTrader); got != 50_000_000 {
		t.Errorf("expected available 50_000000 after lock, got %d", got)
	}
	if got := f.engine.OpenLots(testAsset, Long); got != 5 {
		t.Errorf("expected exposure 5, got %d", got)
	}

	// Close at the same price: zero PnL, margin returned.
	if err := f.engine.Close(testTrader, id, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	tr, _ = f.engine.Trade(id)
	if tr.State != StateClosed || tr.CloseReason != CloseMarket {
		t.Errorf("expected market close, got %s/%s", tr.State, tr.CloseReason)
	}
	if tr.RealizedPnL != 0 {
		t.Errorf("expected zero pnl, got %d", tr.RealizedPnL)
	}
	if got := f.ledger.Available(testTrader); got != 100_000_000 {
		t.Errorf("expected full balance back, got %d", got)
	}
	if got := f.engine.OpenLots(testAsset, Long); got != 0 {
		t.Errorf("expected exposure 0, got %d", got)
	}
}

func TestOpenMarketClosedMarket(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.SetMarketOpen(testOwner, testAsset, false); err != nil {
		t.Fatalf("set market open: %v", err)
	}
	f.setPrice(100_000_000)
	_, err := f.engine.OpenMarket(testTrader, OpenParams{
		Asset: testAsset, Side: Long, Lots: 1, Leverage: 10,
	}, nil)
	if !errors.Is(err, ErrMarketClosed) {
		t.Errorf("expected ErrMarketClosed, got %v", err)
	}
}

func TestOpenLimitValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		p    OpenParams
		want error
	}{
		{"zero target", OpenParams{Asset: testAsset, Side: Long, Lots: 1, Leverage: 10}, ErrZeroPrice},
		{"zero lots", OpenParams{Asset: testAsset, Side: Long, Leverage: 10, TargetPrice: 100_000_000}, ErrQtyZero},
		{"zero leverage", OpenParams{Asset: testAsset, Side: Long, Lots: 1, TargetPrice: 100_000_000}, ErrInvalidLeverage},
		{"excess leverage", OpenParams{Asset: testAsset, Side: Long, Lots: 1, Leverage: 101, TargetPrice: 100_000_000}, ErrInvalidLeverage},
		{"unknown asset", OpenParams{Asset: 99, Side: Long, Lots: 1, Leverage: 10, TargetPrice: 100_000_000}, ErrUnknownAsset},
		{"tp below ref for long", OpenParams{Asset: testAsset, Side: Long, Lots: 1, Leverage: 10, TargetPrice: 100_000_000, TakeProfit: 99_000_000}, ErrInvalidStopRange},
		{"sl above ref for long", OpenParams{Asset: testAsset, Side: Long, Lots: 1, Leverage: 10, TargetPrice: 100_000_000, StopLoss: 101_000_000}, ErrInvalidStopRange},
		{"sl below liquidation", OpenParams{Asset: testAsset, Side: Long, Lots: 1, Leverage: 10, TargetPrice: 100_000_000, StopLoss: 91_000_000}, ErrInvalidStopRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.OpenLimit(testTrader, tc.p)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOpenLimitInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	// notional $2000, leverage 10 -> margin $200 > $100 balance
	_, err := f.engine.OpenLimit(testTrader, OpenParams{
		Asset: testAsset, Side: Long, Lots: 20, Leverage: 10, TargetPrice: 100_000_000,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := f.ledger.AccountOf(testTrader).Locked; got != 0 {
		t.Errorf("failed open must not leave margin locked, got %d", got)
	}
}

func TestLiquidationPriceFixedAcrossExecute(t *testing.T) {
	f := newFixture(t)

	id, err := f.engine.OpenLimit(testTrader, OpenParams{
		Asset: testAsset, Side: Long, Lots: 5, Leverage: 10, TargetPrice: 100_000_000,
	})
	if err != nil {
		t.Fatalf("open limit: %v", err)
	}
	before, _ := f.engine.Trade(id)
	// liq = 100 * (1 - 0.8/10) = 92
	if before.LiquidationPrice != 92_000_000 {
		t.Errorf("expected liquidation 92_000000, got %d", before.LiquidationPrice)
	}

	// Fill near the top of the tolerance band.
	f.setPrice(100_040_000)
	if err := f.engine.Execute(testKeeper, id, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	after, _ := f.engine.Trade(id)
	if after.LiquidationPrice != before.LiquidationPrice {
		t.Errorf("liquidation price moved on execute: %d -> %d",
			before.LiquidationPrice, after.LiquidationPrice)
	}
	if after.State != StateOpen || after.TargetPrice != 0 {
		t.Errorf("expected open with cleared target, got %s target=%d", after.State, after.TargetPrice)
	}
	if after.EntryPrice != 100_040_000 {
		t.Errorf("expected entry at fill price, got %d", after.EntryPrice)
	}
}

func TestExecuteToleranceBoundary(t *testing.T) {
	f := newFixture(t)

	open := func() uint64 {
		id, err := f.engine.OpenLimit(testTrader, OpenParams{
			Asset: testAsset, Side: Long, Lots: 1, Leverage: 10, TargetPrice: 100_000_000,
		})
		if err != nil {
			t.Fatalf("open limit: %v", err)
		}
		return id
	}

	id := open()
	f.setPrice(100_049_999)
	if err := f.engine.Execute(testKeeper, id, nil); err != nil {
		t.Errorf("expected fill just inside band, got %v", err)
	}

	id = open()
	f.setPrice(100_050_001)
	if err := f.engine.Execute(testKeeper, id, nil); !errors.Is(err, ErrPriceNotNear) {
		t.Errorf("expected ErrPriceNotNear just outside band, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)

	id, err := f.engine.OpenLimit(testTrader, OpenParams{
		Asset: testAsset, Side: Short, Lots: 2, Leverage: 5, TargetPrice: 50_000_000,
	})
	if err != nil {
		t.Fatalf("open limit: %v", err)
	}
	if err := f.engine.Cancel("mallory", id); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner for stranger, got %v", err)
	}
	if err := f.engine.Cancel(testTrader, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.ledger.Available(testTrader); got != 100_000_000 {
		t.Errorf("expected margin released, available %d", got)
	}
	// Terminal: nothing mutates a cancelled trade.
	if err := f.engine.Cancel(testTrader, id); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on re-cancel, got %v", err)
	}
	f.setPrice(50_000_000)
	if err := f.engine.Execute(testKeeper, id, nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on execute, got %v", err)
	}
}

func TestClosedIsTerminal(t *testing.T) {
	f := newFixture(t)

	id := f.openLong(t, 100_000_000, 1, 10)
	if err := f.engine.Close(testTrader, id, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.engine.Close(testTrader, id, nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on double close, got %v", err)
	}
	if err := f.engine.SetStops(testTrader, id, 0, 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on stop mutation, got %v", err)
	}
	if err := f.engine.TriggerClose(testKeeper, id, CloseLiquidation, nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on trigger close, got %v", err)
	}
}

func TestLiquidationUnionRule(t *testing.T) {
	f := newFixture(t)

	// leverage 8: liq = 100 * (1 - 0.8/8) = 90
	cases := []struct {
		price  int64
		closes bool
	}{
		{90_045_000, true},  // within 5 bps of the trigger
		{85_000_000, true},  // gapped through, adverse direction
		{95_000_000, false}, // nowhere near
	}
	for _, tc := range cases {
		id := f.openLong(t, 100_000_000, 1, 8)
		tr, _ := f.engine.Trade(id)
		if tr.LiquidationPrice != 90_000_000 {
			t.Fatalf("expected liquidation 90_000000, got %d", tr.LiquidationPrice)
		}
		f.setPrice(tc.price)
		err := f.engine.TriggerClose(testKeeper, id, CloseLiquidation, nil)
		if tc.closes && err != nil {
			t.Errorf("price %d: expected liquidation, got %v", tc.price, err)
		}
		if !tc.closes && !errors.Is(err, ErrPriceNotNear) {
			t.Errorf("price %d: expected ErrPriceNotNear, got %v", tc.price, err)
		}
		if !tc.closes {
			// clean up so the next iteration has funds
			f.setPrice(100_000_000)
			if err := f.engine.Close(testTrader, id, nil); err != nil {
				t.Fatalf("cleanup close: %v", err)
			}
		}
	}
}

func TestLiquidationLossCappedToMargin(t *testing.T) {
	f := newFixture(t)

	id := f.openLong(t, 100_000_000, 5, 10) // margin $50
	// Gap far through the liquidation level: raw loss would be
	// 5 * (100-60) = $200, capped at the $50 margin.
	f.setPrice(60_000_000)
	if err := f.engine.TriggerClose(testKeeper, id, CloseLiquidation, nil); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	tr, _ := f.engine.Trade(id)
	if tr.RealizedPnL != -50_000_000 {
		t.Errorf("expected pnl capped at -50_000000, got %d", tr.RealizedPnL)
	}
	acct := f.ledger.AccountOf(testTrader)
	if acct.Balance != 50_000_000 || acct.Locked != 0 {
		t.Errorf("expected balance 50_000000 unlocked, got %+v", acct)
	}
}

func TestStopLossTriggerAndSettlement(t *testing.T) {
	f := newFixture(t)

	f.setPrice(100_000_000)
	id, err := f.engine.OpenMarket(testTrader, OpenParams{
		Asset: testAsset, Side: Long, Lots: 5, Leverage: 10,
		StopLoss: 95_000_000, TakeProfit: 110_000_000,
	}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Not near the stop: rejected.
	f.setPrice(99_000_000)
	if err := f.engine.TriggerClose(testKeeper, id, CloseStopLoss, nil); !errors.Is(err, ErrPriceNotNear) {
		t.Errorf("expected ErrPriceNotNear, got %v", err)
	}

	poolBefore := f.pool.NAV()
	f.setPrice(95_000_000)
	if err := f.engine.TriggerClose(testKeeper, id, CloseStopLoss, nil); err != nil {
		t.Fatalf("stop-loss close: %v", err)
	}
	tr, _ := f.engine.Trade(id)
	if tr.CloseReason != CloseStopLoss {
		t.Errorf("expected stop_loss reason, got %s", tr.CloseReason)
	}
	if tr.RealizedPnL != -25_000_000 { // 5 * (95-100)
		t.Errorf("expected pnl -25_000000, got %d", tr.RealizedPnL)
	}
	if got := f.pool.NAV() - poolBefore; got != 25_000_000 {
		t.Errorf("expected pool to gain the loss, got %d", got)
	}
}

func TestTakeProfitPaysFromPool(t *testing.T) {
	f := newFixture(t)

	f.setPrice(100_000_000)
	id, err := f.engine.OpenMarket(testTrader, OpenParams{
		Asset: testAsset, Side: Short, Lots: 2, Leverage: 4,
		TakeProfit: 90_000_000,
	}, nil)
	if err != nil {
		t.Fatalf("open short: %v", err)
	}
	f.setPrice(90_000_000)
	if err := f.engine.TriggerClose(testKeeper, id, CloseTakeProfit, nil); err != nil {
		t.Fatalf("take-profit close: %v", err)
	}
	tr, _ := f.engine.Trade(id)
	if tr.RealizedPnL != 20_000_000 { // 2 * (100-90), short side
		t.Errorf("expected pnl 20_000000, got %d", tr.RealizedPnL)
	}
	if got := f.ledger.AccountOf(testTrader).Balance; got != 120_000_000 {
		t.Errorf("expected balance 120_000000, got %d", got)
	}
}

func TestTriggerCloseRequiresKeeper(t *testing.T) {
	f := newFixture(t)
	id := f.openLong(t, 100_000_000, 1, 10)
	f.setPrice(92_000_000)
	if err := f.engine.TriggerClose(testTrader, id, CloseLiquidation, nil); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for non-keeper, got %v", err)
	}
}

func TestSpreadChargedBothWays(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.ListAsset(testOwner, testAsset, AssetConfig{
		LotNumerator:   1,
		LotDenominator: 1,
		MarketOpen:     true,
		HalfSpread:     1000, // 0.1%
	}); err != nil {
		t.Fatalf("list asset: %v", err)
	}

	id := f.openLong(t, 100_000_000, 1, 10)
	tr, _ := f.engine.Trade(id)
	if tr.EntryPrice != 100_100_000 {
		t.Errorf("expected entry lifted by half-spread, got %d", tr.EntryPrice)
	}
	// Close at the same reference: exit = 99.9, entry = 100.1,
	// the trader pays the full spread.
	if err := f.engine.Close(testTrader, id, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	tr, _ = f.engine.Trade(id)
	if tr.RealizedPnL != -200_000 {
		t.Errorf("expected pnl -200000 (full spread), got %d", tr.RealizedPnL)
	}
}

func TestFundingFoldedIntoExit(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.ListAsset(testOwner, testAsset, AssetConfig{
		LotNumerator:   1,
		LotDenominator: 1,
		MarketOpen:     true,
		FundingRate:    1000, // 0.001 per interval, longs pay
	}); err != nil {
		t.Fatalf("list asset: %v", err)
	}

	id := f.openLong(t, 100_000_000, 5, 10)
	f.now = f.now.Add(2 * FundingInterval).Add(time.Minute)
	f.setPrice(100_000_000)
	if err := f.engine.Close(testTrader, id, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	tr, _ := f.engine.Trade(id)
	// exit = 100 - 2*0.001 = 99.998, pnl = 5 * -0.002
	if tr.RealizedPnL != -10_000 {
		t.Errorf("expected pnl -10000 from funding, got %d", tr.RealizedPnL)
	}
}

func TestSetStops(t *testing.T) {
	f := newFixture(t)
	id := f.openLong(t, 100_000_000, 1, 10) // liq 92

	if err := f.engine.SetStops(testTrader, id, 95_000_000, 120_000_000); err != nil {
		t.Fatalf("set stops: %v", err)
	}
	tr, _ := f.engine.Trade(id)
	if tr.StopLoss != 95_000_000 || tr.TakeProfit != 120_000_000 {
		t.Errorf("stops not applied: %+v", tr)
	}
	if err := f.engine.SetStops(testTrader, id, 91_000_000, 0); !errors.Is(err, ErrInvalidStopRange) {
		t.Errorf("expected ErrInvalidStopRange below liquidation, got %v", err)
	}
	if err := f.engine.SetStops(testKeeper, id, 0, 0); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestExecLimitsBatch(t *testing.T) {
	f := newFixture(t)

	var ids []uint64
	for i := 0; i < 3; i++ {
		id, err := f.engine.OpenLimit(testTrader, OpenParams{
			Asset: testAsset, Side: Long, Lots: 1, Leverage: 10, TargetPrice: 100_000_000,
		})
		if err != nil {
			t.Fatalf("open limit: %v", err)
		}
		ids = append(ids, id)
	}
	// One far-off target that cannot fill at this price.
	far, err := f.engine.OpenLimit(testTrader, OpenParams{
		Asset: testAsset, Side: Long, Lots: 1, Leverage: 10, TargetPrice: 90_000_000,
	})
	if err != nil {
		t.Fatalf("open limit: %v", err)
	}
	ids = append(ids, far, 9999) // and one unknown id

	f.setPrice(100_000_000)
	executed, skipped, err := f.engine.ExecLimits(testKeeper, testAsset, ids, nil)
	if err != nil {
		t.Fatalf("exec limits: %v", err)
	}
	if executed != 3 || skipped != 2 {
		t.Errorf("expected 3 executed / 2 skipped, got %d/%d", executed, skipped)
	}
	if got := f.engine.OpenLots(testAsset, Long); got != 3 {
		t.Errorf("expected exposure 3 after batch, got %d", got)
	}

	if _, _, err := f.engine.ExecLimits(testTrader, testAsset, ids, nil); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for non-keeper, got %v", err)
	}
}

func TestCloseBatchPartialSuccess(t *testing.T) {
	f := newFixture(t)
	if err := f.ledger.Deposit(testTrader, 400_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Five open longs at 100, lots=1 each. Two carry a stop-loss at
	// 95, two carry no triggers at all, one is closed before the batch.
	var ids []uint64
	for i := 0; i < 5; i++ {
		p := OpenParams{Asset: testAsset, Side: Long, Lots: 1, Leverage: 10}
		if i < 2 {
			p.StopLoss = 95_000_000
		}
		f.setPrice(100_000_000)
		id, err := f.engine.OpenMarket(testTrader, p, nil)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	if err := f.engine.Close(testTrader, ids[4], nil); err != nil {
		t.Fatalf("pre-close: %v", err)
	}

	expBefore := f.engine.OpenLots(testAsset, Long)
	f.setPrice(95_000_000)
	closed, skipped, err := f.engine.CloseBatch(testKeeper, testAsset, ids, nil)
	if err != nil {
		t.Fatalf("close batch: %v", err)
	}
	if closed != 2 || skipped != 3 {
		t.Errorf("expected closed=2 skipped=3, got %d/%d", closed, skipped)
	}
	if got := expBefore - f.engine.OpenLots(testAsset, Long); got != 2 {
		t.Errorf("expected exposure to drop by exactly 2, got %d", got)
	}
	for _, id := range ids[:2] {
		tr, _ := f.engine.Trade(id)
		if tr.State != StateClosed || tr.CloseReason != CloseStopLoss {
			t.Errorf("trade %d: expected stop_loss close, got %s/%s", id, tr.State, tr.CloseReason)
		}
	}
	for _, id := range ids[2:4] {
		tr, _ := f.engine.Trade(id)
		if tr.State != StateOpen {
			t.Errorf("trade %d: expected still open, got %s", id, tr.State)
		}
	}
}

func TestCloseBatchAbortsOnDrainedPool(t *testing.T) {
	f := newFixture(t)
	f.pool.nav = 0 // pool cannot fund any profit

	f.setPrice(100_000_000)
	id, err := f.engine.OpenMarket(testTrader, OpenParams{
		Asset: testAsset, Side: Long, Lots: 1, Leverage: 10, TakeProfit: 105_000_000,
	}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.setPrice(105_000_000)
	_, _, err = f.engine.CloseBatch(testKeeper, testAsset, []uint64{id}, nil)
	if !errors.Is(err, ErrLiquidityLow) {
		t.Errorf("expected ErrLiquidityLow to abort the batch, got %v", err)
	}
	tr, _ := f.engine.Trade(id)
	if tr.State != StateOpen {
		t.Errorf("aborted item must stay open, got %s", tr.State)
	}
}

func TestQuantityFromLotRatio(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.ListAsset(testOwner, testAsset, AssetConfig{
		LotNumerator:   3,
		LotDenominator: 2,
		MarketOpen:     true,
	}); err != nil {
		t.Fatalf("list asset: %v", err)
	}
	// qty = 4 * 3 / 2 = 6; margin = 6 * 10 / 2 = $30
	id, err := f.engine.OpenLimit(testTrader, OpenParams{
		Asset: testAsset, Side: Long, Lots: 4, Leverage: 2, TargetPrice: 10_000_000,
	})
	if err != nil {
		t.Fatalf("open limit: %v", err)
	}
	tr, _ := f.engine.Trade(id)
	if tr.MarginReserved != 30_000_000 {
		t.Errorf("expected margin 30_000000, got %d", tr.MarginReserved)
	}

	if err := f.registry.ListAsset(testOwner, testAsset, AssetConfig{
		LotDenominator: 2,
		MarketOpen:     true,
	}); err != nil {
		t.Fatalf("list asset: %v", err)
	}
	_, err = f.engine.OpenLimit(testTrader, OpenParams{
		Asset: testAsset, Side: Long, Lots: 4, Leverage: 2, TargetPrice: 10_000_000,
	})
	if !errors.Is(err, ErrQtyZero) {
		t.Errorf("expected ErrQtyZero with zero numerator, got %v", err)
	}
}

func TestLockedNeverExceedsBalance(t *testing.T) {
	f := newFixture(t)

	check := func(step string) {
		t.Helper()
		for id, a := range f.ledger.Accounts() {
			if a.Locked > a.Balance {
				t.Fatalf("%s: account %s locked %d > balance %d", step, id, a.Locked, a.Balance)
			}
		}
	}

	id := f.openLong(t, 100_000_000, 5, 10)
	check("after open")
	if err := f.engine.SetStops(testTrader, id, 95_000_000, 0); err != nil {
		t.Fatalf("set stops: %v", err)
	}
	f.setPrice(95_000_000)
	if err := f.engine.TriggerClose(testKeeper, id, CloseStopLoss, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	check("after close")
	if err := f.ledger.Withdraw(testTrader, f.ledger.Available(testTrader)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	check("after withdraw")
}

func TestAcceptedProofAgeObserved(t *testing.T) {
	f := newFixture(t)

	f.oracle.points = []PricePoint{{
		Pair:      testAsset,
		Price:     100_000_000,
		Decimals:  6,
		Timestamp: f.now.Unix() - 30,
		Round:     1,
	}}
	if _, err := f.engine.OpenMarket(testTrader, OpenParams{
		Asset: testAsset, Side: Long, Lots: 1, Leverage: 10,
	}, nil); err != nil {
		t.Fatalf("open market: %v", err)
	}
	if len(f.proofAges) != 1 {
		t.Fatalf("expected 1 observed age, got %d", len(f.proofAges))
	}
	if f.proofAges[0] != 30*time.Second {
		t.Errorf("expected 30s age, got %s", f.proofAges[0])
	}

	// Rejected attestations never reach the observer.
	f.oracle.points[0].Timestamp = f.now.Add(-2 * DefaultMaxProofAge).Unix()
	if _, err := f.engine.OpenMarket(testTrader, OpenParams{
		Asset: testAsset, Side: Long, Lots: 1, Leverage: 10,
	}, nil); !errors.Is(err, ErrProofTooOld) {
		t.Fatalf("expected ErrProofTooOld, got %v", err)
	}
	if len(f.proofAges) != 1 {
		t.Errorf("expected stale attestation to go unobserved, got %d ages", len(f.proofAges))
	}
}
