package perps

import (
	"sync"

	"github.com/shopspring/decimal"
)

// CounterpartyPool is the aggregate balance trader PnL settles
// against. Credit receives a trader loss, Debit funds a trader profit.
// Implementations are not safe for concurrent use; the ledger
// serializes access.
type CounterpartyPool interface {
	Credit(amount int64)
	Debit(amount int64) error
	NAV() int64
	Snapshot() PoolState
	Restore(PoolState)
}

// PoolState is a persistence snapshot of a counterparty pool. Cash
// pools carry only NAV; share-priced pools fill every field.
type PoolState struct {
	NAV         int64
	TotalShares int64
	Shares      map[string]int64
	OwnerFees   int64
}

// CashPool is the single owner-operated counterparty balance.
type CashPool struct {
	nav int64
}

// NewCashPool creates a cash pool seeded with the given balance.
func NewCashPool(seed int64) *CashPool {
	return &CashPool{nav: seed}
}

func (p *CashPool) Credit(amount int64) { p.nav += amount }

func (p *CashPool) Debit(amount int64) error {
	if amount > p.nav {
		return ErrLiquidityLow
	}
	p.nav -= amount
	return nil
}

func (p *CashPool) NAV() int64 { return p.nav }

// Snapshot implements CounterpartyPool.
func (p *CashPool) Snapshot() PoolState { return PoolState{NAV: p.nav} }

// Restore reinstates a persisted snapshot. Startup only.
func (p *CashPool) Restore(s PoolState) { p.nav = s.NAV }

// ShareScale is the fixed-point scale for pool shares.
const ShareScale int64 = 1_000_000

// FeeSkimBps is the share of trader losses diverted to the owner-fee
// accrual instead of pool NAV, in basis points.
const FeeSkimBps int64 = 3000

// LiquidityPool is the share-priced counterparty pool variant.
// Investors mint shares at NAV price and redeem them later; only
// settlement of trade PnL moves the share price.
type LiquidityPool struct {
	mu          sync.RWMutex
	nav         int64 // 6-decimal stablecoin units
	totalShares int64 // x1e6
	shares      map[string]int64
	ownerFees   int64 // accrued outside NAV
}

// NewLiquidityPool creates an empty liquidity pool.
func NewLiquidityPool() *LiquidityPool {
	return &LiquidityPool{shares: make(map[string]int64)}
}

// Credit books a trader loss: a fixed cut accrues to the owner fee
// bucket, the remainder raises pool NAV.
func (p *LiquidityPool) Credit(amount int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fee := amount * FeeSkimBps / 10_000
	p.ownerFees += fee
	p.nav += amount - fee
}

// Debit funds a trader profit out of pool NAV.
func (p *LiquidityPool) Debit(amount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount > p.nav {
		return ErrLiquidityLow
	}
	p.nav -= amount
	return nil
}

// NAV returns the pool's net asset value.
func (p *LiquidityPool) NAV() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nav
}

// SharePrice returns NAV/totalShares as a decimal, 1.0 at zero supply.
func (p *LiquidityPool) SharePrice() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sharePriceLocked()
}

func (p *LiquidityPool) sharePriceLocked() decimal.Decimal {
	if p.totalShares == 0 {
		return decimal.NewFromInt(1)
	}
	nav := decimal.New(p.nav, -6)
	supply := decimal.New(p.totalShares, -6)
	return nav.Div(supply)
}

// Mint issues shares against a deposit at the current share price.
// Deposits never move the price by construction.
func (p *LiquidityPool) Mint(investor string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price := p.sharePriceLocked()
	minted := decimal.New(amount, -6).Div(price).Mul(decimal.New(ShareScale, 0)).IntPart()
	if minted <= 0 {
		return 0, ErrZeroAmount
	}
	p.nav += amount
	p.totalShares += minted
	p.shares[investor] += minted
	return minted, nil
}

// Redeem burns shares and returns the corresponding funds.
func (p *LiquidityPool) Redeem(investor string, shareAmount int64) (int64, error) {
	if shareAmount <= 0 {
		return 0, ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	held := p.shares[investor]
	if shareAmount > held {
		return 0, ErrInsufficientShares
	}
	price := p.sharePriceLocked()
	out := decimal.New(shareAmount, -6).Mul(price).Mul(decimal.New(PriceScale, 0)).IntPart()
	if out > p.nav {
		return 0, ErrLiquidityLow
	}
	p.shares[investor] = held - shareAmount
	if p.shares[investor] == 0 {
		delete(p.shares, investor)
	}
	p.totalShares -= shareAmount
	p.nav -= out
	return out, nil
}

// Snapshot returns a deep copy of the pool's state for persistence.
func (p *LiquidityPool) Snapshot() PoolState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	shares := make(map[string]int64, len(p.shares))
	for investor, held := range p.shares {
		shares[investor] = held
	}
	return PoolState{
		NAV:         p.nav,
		TotalShares: p.totalShares,
		Shares:      shares,
		OwnerFees:   p.ownerFees,
	}
}

// Restore reinstates a persisted snapshot wholesale. Startup only.
func (p *LiquidityPool) Restore(s PoolState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nav = s.NAV
	p.totalShares = s.TotalShares
	p.shares = make(map[string]int64, len(s.Shares))
	for investor, held := range s.Shares {
		p.shares[investor] = held
	}
	p.ownerFees = s.OwnerFees
}

// SharesOf returns an investor's share balance.
func (p *LiquidityPool) SharesOf(investor string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.shares[investor]
}

// TotalShares returns the outstanding share supply.
func (p *LiquidityPool) TotalShares() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalShares
}

// OwnerFees returns the accrued owner fee balance.
func (p *LiquidityPool) OwnerFees() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ownerFees
}

// DrainOwnerFees zeroes and returns the accrued owner fees.
func (p *LiquidityPool) DrainOwnerFees() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.ownerFees
	p.ownerFees = 0
	return out
}
