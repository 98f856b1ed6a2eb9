package treasury

import (
	"math"

	"github.com/holiman/uint256"
)

var (
	maxU128   = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))
	precision = uint256.NewInt(Precision)
	bpsDenom  = uint256.NewInt(BpsDenominator)
)

func checkedAdd(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrCalculationOverflow
	}
	return a + b, nil
}

func checkedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrCalculationOverflow
	}
	return a - b, nil
}

func checkedMul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > math.MaxUint64/b {
		return 0, ErrCalculationOverflow
	}
	return a * b, nil
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

func checkedAddI64(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrCalculationOverflow
	}
	return a + b, nil
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// fitsU128 rejects values wider than the persisted 128-bit fields.
func fitsU128(v *uint256.Int) error {
	if v.Gt(maxU128) {
		return ErrCalculationOverflow
	}
	return nil
}

func toU64(v *uint256.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, ErrCalculationOverflow
	}
	return v.Uint64(), nil
}

// mulDiv computes a*b/c in 256-bit space. c must be non-zero.
func mulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrCalculationOverflow
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	return toU64(prod.Div(prod, uint256.NewInt(c)))
}

// CalculateFee returns amount*bps/10000 rounded half up.
func CalculateFee(amount, bps uint64) (uint64, error) {
	v := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(bps))
	v.Add(v, uint256.NewInt(BpsDenominator/2))
	return toU64(v.Div(v, bpsDenom))
}

// accumulatorIncrement returns amount*Precision/deposited.
func accumulatorIncrement(amount, deposited uint64) (*uint256.Int, error) {
	if deposited == 0 {
		return new(uint256.Int), nil
	}
	v := new(uint256.Int).Mul(uint256.NewInt(amount), precision)
	v.Div(v, uint256.NewInt(deposited))
	if err := fitsU128(v); err != nil {
		return nil, err
	}
	return v, nil
}

// scaledProduct returns amount*rps, bounded to 128 bits.
func scaledProduct(amount uint64, rps *uint256.Int) (*uint256.Int, error) {
	v, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(amount), rps)
	if overflow {
		return nil, ErrCalculationOverflow
	}
	if err := fitsU128(v); err != nil {
		return nil, err
	}
	return v, nil
}

func addU128(a, b *uint256.Int) (*uint256.Int, error) {
	v, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrCalculationOverflow
	}
	if err := fitsU128(v); err != nil {
		return nil, err
	}
	return v, nil
}

func bps(part, whole uint64) uint64 {
	if whole == 0 {
		return 0
	}
	v, err := mulDiv(part, BpsDenominator, whole)
	if err != nil {
		return math.MaxUint64
	}
	return v
}
