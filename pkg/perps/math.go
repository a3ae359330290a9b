package perps

import "math/big"

var maxInt64 = big.NewInt(1<<63 - 1)

// mulDiv computes a*b/den with intermediate big precision, truncating
// toward zero. Returns ErrAmountRange if the result does not fit int64.
func mulDiv(a, b, den int64) (int64, error) {
	if den == 0 {
		return 0, ErrAmountRange
	}
	out := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	out.Quo(out, big.NewInt(den))
	if out.CmpAbs(maxInt64) > 0 {
		return 0, ErrAmountRange
	}
	return out.Int64(), nil
}

// mulDivCeil is mulDiv rounding away from zero for positive inputs.
func mulDivCeil(a, b, den int64) (int64, error) {
	if den == 0 {
		return 0, ErrAmountRange
	}
	num := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	q, r := new(big.Int).QuoRem(num, big.NewInt(den), new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	if q.CmpAbs(maxInt64) > 0 {
		return 0, ErrAmountRange
	}
	return q.Int64(), nil
}

// checkedMul multiplies two int64 values, failing on overflow.
func checkedMul(a, b int64) (int64, error) {
	return mulDiv(a, b, 1)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
