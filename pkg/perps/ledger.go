package perps

import (
	"sync"

	"github.com/luxfi/log"
)

// Account holds custodied funds for one trader. Invariant after every
// operation: Locked <= Balance.
type Account struct {
	Balance int64 // total custodied funds, 6-decimal units
	Locked  int64 // portion reserved against open trades and orders
}

// Available returns the spendable portion of the balance.
func (a Account) Available() int64 { return a.Balance - a.Locked }

// Ledger is the custody bookkeeping layer: per-account balances with
// margin locking and PnL settlement against a counterparty pool.
// Lock, Unlock, Settle and ReleaseAndSettle are restricted to the
// controller role.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	pool     CounterpartyPool
	roles    *RoleTable
	logger   log.Logger
}

// NewLedger creates a ledger settling against the given pool.
func NewLedger(pool CounterpartyPool, roles *RoleTable, logger log.Logger) *Ledger {
	return &Ledger{
		accounts: make(map[string]*Account),
		pool:     pool,
		roles:    roles,
		logger:   logger,
	}
}

// Pool returns the counterparty pool the ledger settles against.
func (l *Ledger) Pool() CounterpartyPool { return l.pool }

// Deposit credits an account balance.
func (l *Ledger) Deposit(account string, amount int64) error {
	if amount <= 0 {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acct(account).Balance += amount
	return nil
}

// Withdraw debits an account's available balance.
func (l *Ledger) Withdraw(account string, amount int64) error {
	if amount <= 0 {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.acct(account)
	if amount > a.Available() {
		return ErrInsufficientFunds
	}
	a.Balance -= amount
	return nil
}

// Lock reserves available balance as margin. Controller only.
func (l *Ledger) Lock(caller, account string, amount int64) error {
	if err := l.roles.Check(RoleController, caller); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.acct(account)
	if amount > a.Available() {
		return ErrInsufficientFunds
	}
	a.Locked += amount
	return nil
}

// Unlock releases reserved margin. Controller only.
func (l *Ledger) Unlock(caller, account string, amount int64) error {
	if err := l.roles.Check(RoleController, caller); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unlockLocked(account, amount)
}

func (l *Ledger) unlockLocked(account string, amount int64) error {
	a := l.acct(account)
	if amount > a.Locked {
		return ErrOverUnlock
	}
	a.Locked -= amount
	return nil
}

// Settle moves realized PnL between an account and the counterparty
// pool. Positive PnL pays the account from the pool; negative PnL
// debits the account's total balance (not just available, since the
// loss comes out of funds that were locked). Controller only.
func (l *Ledger) Settle(caller, account string, pnl int64) error {
	if err := l.roles.Check(RoleController, caller); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settleLocked(account, pnl)
}

func (l *Ledger) settleLocked(account string, pnl int64) error {
	if pnl == 0 {
		return nil
	}
	a := l.acct(account)
	if pnl > 0 {
		if err := l.pool.Debit(pnl); err != nil {
			return err
		}
		a.Balance += pnl
		return nil
	}
	loss := -pnl
	if loss > a.Balance {
		return ErrFundsLow
	}
	a.Balance -= loss
	l.pool.Credit(loss)
	return nil
}

// ReleaseAndSettle unlocks a trade's margin and settles its PnL as one
// atomic ledger operation: either both take effect or neither does.
// This is the hook every close path converges on. Controller only.
func (l *Ledger) ReleaseAndSettle(caller, account string, margin, pnl int64) error {
	if err := l.roles.Check(RoleController, caller); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.acct(account)
	if margin > a.Locked {
		return ErrOverUnlock
	}
	if pnl < 0 && -pnl > a.Balance {
		return ErrFundsLow
	}
	if pnl > 0 {
		if err := l.pool.Debit(pnl); err != nil {
			return err
		}
	}
	a.Locked -= margin
	if pnl > 0 {
		a.Balance += pnl
	} else if pnl < 0 {
		a.Balance += pnl
		l.pool.Credit(-pnl)
	}
	if l.logger != nil {
		l.logger.Debug("settled trade",
			"account", account,
			"margin", margin,
			"pnl", pnl)
	}
	return nil
}

// PoolMint moves funds from an investor's available balance into the
// liquidity pool, minting shares at the current NAV price. Only valid
// when the ledger settles against a share-priced pool.
func (l *Ledger) PoolMint(investor string, amount int64) (int64, error) {
	lp, ok := l.pool.(*LiquidityPool)
	if !ok {
		return 0, ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.acct(investor)
	if amount <= 0 {
		return 0, ErrZeroAmount
	}
	if amount > a.Available() {
		return 0, ErrInsufficientFunds
	}
	minted, err := lp.Mint(investor, amount)
	if err != nil {
		return 0, err
	}
	a.Balance -= amount
	return minted, nil
}

// PoolRedeem burns an investor's shares and credits the proceeds back
// to their ledger balance.
func (l *Ledger) PoolRedeem(investor string, shareAmount int64) (int64, error) {
	lp, ok := l.pool.(*LiquidityPool)
	if !ok {
		return 0, ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out, err := lp.Redeem(investor, shareAmount)
	if err != nil {
		return 0, err
	}
	l.acct(investor).Balance += out
	return out, nil
}

// WithdrawOwnerFees pays the accrued fee skim to the owner's account.
func (l *Ledger) WithdrawOwnerFees(caller string) (int64, error) {
	if err := l.roles.Check(RoleOwner, caller); err != nil {
		return 0, err
	}
	lp, ok := l.pool.(*LiquidityPool)
	if !ok {
		return 0, ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := lp.DrainOwnerFees()
	if out > 0 {
		l.acct(caller).Balance += out
	}
	return out, nil
}

// AccountOf returns a snapshot of an account.
func (l *Ledger) AccountOf(account string) Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.accounts[account]; ok {
		return *a
	}
	return Account{}
}

// Available returns an account's spendable balance.
func (l *Ledger) Available(account string) int64 {
	return l.AccountOf(account).Available()
}

// Accounts returns a snapshot of every account, keyed by identifier.
func (l *Ledger) Accounts() map[string]Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Account, len(l.accounts))
	for id, a := range l.accounts {
		out[id] = *a
	}
	return out
}

// Restore replaces an account's state wholesale. Used when reloading
// persisted state at startup; not reachable through the API surface.
func (l *Ledger) Restore(account string, snapshot Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := snapshot
	l.accounts[account] = &a
}

func (l *Ledger) acct(account string) *Account {
	a, ok := l.accounts[account]
	if !ok {
		a = &Account{}
		l.accounts[account] = a
	}
	return a
}
