package perps

import "errors"

// Authorization errors
var (
	ErrUnauthorized = errors.New("caller not authorized")
	ErrNotOwner     = errors.New("caller does not own trade")
)

// State errors
var (
	ErrInvalidState  = errors.New("invalid trade state for operation")
	ErrMarketClosed  = errors.New("market closed for asset")
	ErrTradeNotFound = errors.New("trade not found")
	ErrUnknownAsset  = errors.New("unknown asset")
)

// Funds errors
var (
	ErrInsufficientFunds  = errors.New("insufficient available balance")
	ErrOverUnlock         = errors.New("unlock exceeds locked amount")
	ErrLiquidityLow       = errors.New("counterparty pool cannot cover payout")
	ErrFundsLow           = errors.New("account balance cannot cover loss")
	ErrInsufficientShares = errors.New("insufficient pool shares")
)

// Parameter errors
var (
	ErrZeroAmount       = errors.New("amount must be positive")
	ErrZeroPrice        = errors.New("price must be positive")
	ErrQtyZero          = errors.New("quantity resolves to zero")
	ErrInvalidLeverage  = errors.New("leverage out of range")
	ErrInvalidStopRange = errors.New("stop level out of allowed range")
)

// Price errors
var (
	ErrPriceNotNear      = errors.New("price not within tolerance of trigger")
	ErrPriceNotFound     = errors.New("pair not present in proof")
	ErrProofTooOld       = errors.New("price proof too old")
	ErrProofBadTimestamp = errors.New("price proof timestamp in the future")
	ErrProofPriceZero    = errors.New("price proof carries non-positive price")
	ErrProofRange        = errors.New("rescaled price exceeds container")
)

// Arithmetic errors
var (
	ErrAmountRange = errors.New("computed amount exceeds container")
)

// Delegated-call errors
var (
	ErrBadSignature = errors.New("delegate signature invalid")
	ErrBadNonce     = errors.New("delegate nonce out of sequence")
	ErrAuthExpired  = errors.New("delegate authorization expired")
)
