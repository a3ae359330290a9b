package perps

import "time"

// PriceScale is the canonical fixed-point scale for prices and
// stablecoin amounts: integers carrying six decimal places.
const PriceScale int64 = 1_000_000

// Side represents position direction
type Side int

const (
	Long Side = iota
	Short
)

// Sign returns +1 for long exposure, -1 for short
func (s Side) Sign() int64 {
	if s == Long {
		return 1
	}
	return -1
}

func (s Side) String() string {
	if s == Long {
		return "long"
	}
	return "short"
}

// TradeState represents the lifecycle state of a trade
type TradeState int

const (
	StateOrder TradeState = iota // pending limit order
	StateOpen
	StateClosed
	StateCancelled
)

func (s TradeState) String() string {
	switch s {
	case StateOrder:
		return "order"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is permitted
func (s TradeState) Terminal() bool {
	return s == StateClosed || s == StateCancelled
}

// CloseReason records why an open position was closed
type CloseReason int

const (
	CloseNone CloseReason = iota
	CloseMarket
	CloseStopLoss
	CloseTakeProfit
	CloseLiquidation
)

func (r CloseReason) String() string {
	switch r {
	case CloseMarket:
		return "market"
	case CloseStopLoss:
		return "stop_loss"
	case CloseTakeProfit:
		return "take_profit"
	case CloseLiquidation:
		return "liquidation"
	default:
		return "none"
	}
}

// Trade is one order-or-position record. Records are exclusively owned
// by the Engine; callers only ever see copies.
type Trade struct {
	ID               uint64
	Owner            string
	Asset            uint32
	Side             Side
	Lots             int64
	Leverage         int64
	State            TradeState
	EntryPrice       int64 // x1e6, zero while StateOrder
	TargetPrice      int64 // x1e6, zero once StateOpen
	StopLoss         int64 // x1e6, zero means unset
	TakeProfit       int64 // x1e6, zero means unset
	LiquidationPrice int64 // x1e6, fixed at creation, never recomputed
	MarginReserved   int64 // 6-decimal stablecoin units locked in the ledger
	CreatedAt        time.Time
	OpenedAt         time.Time // set on transition to StateOpen
	ClosedAt         time.Time
	CloseReason      CloseReason
	RealizedPnL      int64 // signed, set on close
}

// AssetRegistry is the external lot/market configuration lookup the
// engine depends on. Implementations must return ErrUnknownAsset for
// unlisted assets.
type AssetRegistry interface {
	// Lot returns the lot ratio converting lots to base quantity.
	Lot(asset uint32) (numerator, denominator int64, err error)
	// IsMarketOpen reports whether market orders are accepted.
	IsMarketOpen(asset uint32) (bool, error)
	// HalfSpread returns the per-asset half-spread as a x1e6 fraction
	// of price, always charged against the trader.
	HalfSpread(asset uint32) (int64, error)
	// FundingRate returns the signed per-interval funding rate in x1e6
	// price units, charged against the side holding the position.
	FundingRate(asset uint32) (int64, error)
}

// PricePoint is one decoded entry of a price attestation.
type PricePoint struct {
	Pair      uint32
	Price     int64 // raw, scaled by 10^Decimals
	Decimals  uint8
	Timestamp int64 // unix seconds or milliseconds
	Round     uint64
}

// PriceOracle decodes an opaque attestation into price points. A
// malformed or unverifiable proof fails the whole calling operation.
type PriceOracle interface {
	DecodeProof(proof []byte) ([]PricePoint, error)
}
