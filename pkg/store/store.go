// Package store persists ledger accounts, trade records, the
// counterparty pool and delegate nonces to a luxfi/database backend so
// a node can restart without losing custody state. Records are
// JSON-encoded under per-kind key prefixes.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luxfi/database"

	"github.com/luxfi/perps/pkg/perps"
)

var (
	tradePrefix   = []byte("trade/")
	accountPrefix = []byte("acct/")
	poolKey       = []byte("pool")
	nonceKey      = []byte("nonces")
)

// Store wraps a database with the ledger's persistence schema.
type Store struct {
	db database.Database
}

// New creates a store on the given database.
func New(db database.Database) *Store {
	return &Store{db: db}
}

func tradeKey(id uint64) []byte {
	key := make([]byte, len(tradePrefix)+8)
	copy(key, tradePrefix)
	binary.BigEndian.PutUint64(key[len(tradePrefix):], id)
	return key
}

func accountKey(id string) []byte {
	return append(append([]byte{}, accountPrefix...), id...)
}

// PutTrade writes one trade record.
func (s *Store) PutTrade(t perps.Trade) error {
	blob, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade %d: %w", t.ID, err)
	}
	return s.db.Put(tradeKey(t.ID), blob)
}

// Trade reads one trade record.
func (s *Store) Trade(id uint64) (perps.Trade, error) {
	blob, err := s.db.Get(tradeKey(id))
	if err != nil {
		return perps.Trade{}, err
	}
	var t perps.Trade
	if err := json.Unmarshal(blob, &t); err != nil {
		return perps.Trade{}, fmt.Errorf("unmarshal trade %d: %w", id, err)
	}
	return t, nil
}

// Trades reads every persisted trade record.
func (s *Store) Trades() ([]perps.Trade, error) {
	it := s.db.NewIteratorWithPrefix(tradePrefix)
	defer it.Release()

	var out []perps.Trade
	for it.Next() {
		var t perps.Trade
		if err := json.Unmarshal(it.Value(), &t); err != nil {
			return nil, fmt.Errorf("unmarshal trade record: %w", err)
		}
		out = append(out, t)
	}
	return out, it.Error()
}

// PutAccount writes one ledger account snapshot.
func (s *Store) PutAccount(id string, a perps.Account) error {
	blob, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal account %s: %w", id, err)
	}
	return s.db.Put(accountKey(id), blob)
}

// Accounts reads every persisted account, keyed by identifier.
func (s *Store) Accounts() (map[string]perps.Account, error) {
	it := s.db.NewIteratorWithPrefix(accountPrefix)
	defer it.Release()

	out := make(map[string]perps.Account)
	for it.Next() {
		var a perps.Account
		if err := json.Unmarshal(it.Value(), &a); err != nil {
			return nil, fmt.Errorf("unmarshal account record: %w", err)
		}
		out[string(it.Key()[len(accountPrefix):])] = a
	}
	return out, it.Error()
}

// PutPool writes the counterparty pool snapshot.
func (s *Store) PutPool(state perps.PoolState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal pool: %w", err)
	}
	return s.db.Put(poolKey, blob)
}

// Pool reads the persisted pool snapshot.
func (s *Store) Pool() (perps.PoolState, error) {
	blob, err := s.db.Get(poolKey)
	if err != nil {
		return perps.PoolState{}, err
	}
	var state perps.PoolState
	if err := json.Unmarshal(blob, &state); err != nil {
		return perps.PoolState{}, fmt.Errorf("unmarshal pool record: %w", err)
	}
	return state, nil
}

// PutNonces writes the delegate nonce map.
func (s *Store) PutNonces(nonces map[string]uint64) error {
	blob, err := json.Marshal(nonces)
	if err != nil {
		return fmt.Errorf("marshal nonces: %w", err)
	}
	return s.db.Put(nonceKey, blob)
}

// Nonces reads the persisted delegate nonce map.
func (s *Store) Nonces() (map[string]uint64, error) {
	blob, err := s.db.Get(nonceKey)
	if err != nil {
		return nil, err
	}
	nonces := make(map[string]uint64)
	if err := json.Unmarshal(blob, &nonces); err != nil {
		return nil, fmt.Errorf("unmarshal nonce record: %w", err)
	}
	return nonces, nil
}

// Save snapshots the engine's trades and delegate nonces, the ledger's
// accounts and the counterparty pool.
func (s *Store) Save(engine *perps.Engine, ledger *perps.Ledger) error {
	for _, t := range engine.Trades() {
		if err := s.PutTrade(t); err != nil {
			return err
		}
	}
	for id, a := range ledger.Accounts() {
		if err := s.PutAccount(id, a); err != nil {
			return err
		}
	}
	if err := s.PutPool(ledger.Pool().Snapshot()); err != nil {
		return err
	}
	return s.PutNonces(engine.DelegateNonces())
}

// Load restores persisted state into a fresh engine and ledger. Meant
// for startup, before the node serves traffic. Pool and nonce records
// absent from a first boot are skipped.
func (s *Store) Load(engine *perps.Engine, ledger *perps.Ledger) error {
	trades, err := s.Trades()
	if err != nil {
		return err
	}
	for _, t := range trades {
		engine.RestoreTrade(t)
	}
	accounts, err := s.Accounts()
	if err != nil {
		return err
	}
	for id, a := range accounts {
		ledger.Restore(id, a)
	}
	pool, err := s.Pool()
	switch {
	case err == nil:
		ledger.Pool().Restore(pool)
	case !errors.Is(err, database.ErrNotFound):
		return err
	}
	nonces, err := s.Nonces()
	switch {
	case err == nil:
		engine.RestoreDelegateNonces(nonces)
	case !errors.Is(err, database.ErrNotFound):
		return err
	}
	return nil
}
