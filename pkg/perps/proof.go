package perps

import (
	"fmt"
	"time"
)

const (
	// maxForwardSkew is the allowance for attestation clocks running
	// ahead of ours.
	maxForwardSkew = 180 * time.Second

	// msThreshold: timestamps above this are taken as milliseconds.
	msThreshold = int64(1e12)

	priceDecimals = 6
)

// ResolvePrice decodes an attestation, locates the requested pair and
// returns its price normalized to x1e6 fixed point. The proof is
// rejected when the matched entry is older than maxAge, ahead of the
// local clock beyond the skew allowance, non-positive, or too large to
// rescale into an int64.
func ResolvePrice(oracle PriceOracle, proof []byte, pair uint32, maxAge time.Duration, now time.Time) (int64, error) {
	price, _, err := ResolvePriceAge(oracle, proof, pair, maxAge, now)
	return price, err
}

// ResolvePriceAge is ResolvePrice that additionally reports how old the
// accepted entry is relative to now. Entries ahead of the local clock
// within the skew allowance report zero age.
func ResolvePriceAge(oracle PriceOracle, proof []byte, pair uint32, maxAge time.Duration, now time.Time) (int64, time.Duration, error) {
	points, err := oracle.DecodeProof(proof)
	if err != nil {
		return 0, 0, fmt.Errorf("decode proof: %w", err)
	}
	for _, p := range points {
		if p.Pair == pair {
			return normalizePoint(p, maxAge, now)
		}
	}
	return 0, 0, ErrPriceNotFound
}

func normalizePoint(p PricePoint, maxAge time.Duration, now time.Time) (int64, time.Duration, error) {
	ts := p.Timestamp
	if ts > msThreshold {
		ts /= 1000
	}
	nowSec := now.Unix()
	if ts > nowSec+int64(maxForwardSkew/time.Second) {
		return 0, 0, ErrProofBadTimestamp
	}
	if ts < nowSec-int64(maxAge/time.Second) {
		return 0, 0, ErrProofTooOld
	}
	if p.Price <= 0 {
		return 0, 0, ErrProofPriceZero
	}
	age := time.Duration(nowSec-ts) * time.Second
	if age < 0 {
		age = 0
	}
	price, err := rescalePrice(p.Price, int(p.Decimals))
	if err != nil {
		return 0, 0, err
	}
	return price, age, nil
}

// rescalePrice converts a raw price from its native decimal count to
// the canonical 6-decimal representation.
func rescalePrice(raw int64, decimals int) (int64, error) {
	switch {
	case decimals == priceDecimals:
		return raw, nil
	case decimals > priceDecimals:
		div, err := pow10(decimals - priceDecimals)
		if err != nil {
			return 0, err
		}
		out := raw / div
		if out == 0 {
			return 0, ErrProofPriceZero
		}
		return out, nil
	default:
		mul, err := pow10(priceDecimals - decimals)
		if err != nil {
			return 0, err
		}
		out, err := checkedMul(raw, mul)
		if err != nil {
			return 0, ErrProofRange
		}
		return out, nil
	}
}

func pow10(n int) (int64, error) {
	if n < 0 || n > 18 {
		return 0, ErrProofRange
	}
	out := int64(1)
	for i := 0; i < n; i++ {
		out *= 10
	}
	return out, nil
}
