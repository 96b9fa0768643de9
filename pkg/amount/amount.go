package amount

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// MaxDecimals is the largest decimals value accepted for a token
const MaxDecimals = 36

var (
	// ErrNegative is returned when an amount would go below zero
	ErrNegative = errors.New("amount cannot be negative")
	// ErrOverflow is returned when an amount does not fit in uint256
	ErrOverflow = errors.New("amount exceeds uint256")
	// ErrDecimalsMismatch is returned when combining amounts of different precision
	ErrDecimalsMismatch = errors.New("amount decimals mismatch")
	// ErrTooPrecise is returned when a human value has more fractional digits than the token
	ErrTooPrecise = errors.New("amount has more precision than token decimals")
)

var integerPattern = regexp.MustCompile(`^[0-9]+$`)

// Amount is an exact on-chain quantity expressed in the token's smallest unit
type Amount struct {
	value    *big.Int
	decimals uint8
}

// New creates an amount from a smallest-unit integer
func New(value *big.Int, decimals uint8) (Amount, error) {
	if value == nil {
		value = new(big.Int)
	}
	if value.Sign() < 0 {
		return Amount{}, ErrNegative
	}
	if _, overflow := uint256.FromBig(value); overflow {
		return Amount{}, ErrOverflow
	}
	if decimals > MaxDecimals {
		return Amount{}, fmt.Errorf("decimals %d above maximum %d", decimals, MaxDecimals)
	}
	return Amount{value: new(big.Int).Set(value), decimals: decimals}, nil
}

// MustNew is New for constants and tests
func MustNew(value int64, decimals uint8) Amount {
	a, err := New(big.NewInt(value), decimals)
	if err != nil {
		panic(err)
	}
	return a
}

// FromString parses a smallest-unit decimal integer string
func FromString(s string, decimals uint8) (Amount, error) {
	if !integerPattern.MatchString(s) {
		return Amount{}, fmt.Errorf("invalid integer amount %q", s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid integer amount %q", s)
	}
	return New(v, decimals)
}

// Parse converts a human readable value like "1.5" into smallest units
func Parse(human string, decimals uint8) (Amount, error) {
	d, err := decimal.NewFromString(human)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", human, err)
	}
	if d.IsNegative() {
		return Amount{}, ErrNegative
	}
	if !d.Equal(d.Truncate(int32(decimals))) {
		return Amount{}, ErrTooPrecise
	}
	return New(d.Shift(int32(decimals)).BigInt(), decimals)
}

// Zero returns a zero amount with the given precision
func Zero(decimals uint8) Amount {
	return Amount{value: new(big.Int), decimals: decimals}
}

// Int returns a copy of the smallest-unit value
func (a Amount) Int() *big.Int {
	if a.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.value)
}

// Decimals returns the token precision
func (a Amount) Decimals() uint8 {
	return a.decimals
}

// IsZero reports whether the amount is zero
func (a Amount) IsZero() bool {
	return a.value == nil || a.value.Sign() == 0
}

// String returns the smallest-unit integer
func (a Amount) String() string {
	return a.Int().String()
}

// Human returns the amount scaled by its decimals, e.g. "1.000000"
func (a Amount) Human() string {
	return decimal.NewFromBigInt(a.Int(), -int32(a.decimals)).StringFixed(int32(a.decimals))
}

// Cmp compares two amounts of the same precision
func (a Amount) Cmp(b Amount) int {
	return a.Int().Cmp(b.Int())
}

// Add returns a+b
func (a Amount) Add(b Amount) (Amount, error) {
	if a.decimals != b.decimals {
		return Amount{}, ErrDecimalsMismatch
	}
	return New(new(big.Int).Add(a.Int(), b.Int()), a.decimals)
}

// Sub returns a-b and fails when the result would be negative
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.decimals != b.decimals {
		return Amount{}, ErrDecimalsMismatch
	}
	return New(new(big.Int).Sub(a.Int(), b.Int()), a.decimals)
}

// ApplyBps returns the amount reduced by bps basis points, rounded down
func (a Amount) ApplyBps(bps uint32) Amount {
	if bps >= 10000 {
		return Zero(a.decimals)
	}
	v := new(big.Int).Mul(a.Int(), big.NewInt(int64(10000-bps)))
	v.Quo(v, big.NewInt(10000))
	return Amount{value: v, decimals: a.decimals}
}

// Rescale converts the amount to another precision, rounding down
func (a Amount) Rescale(decimals uint8) (Amount, error) {
	if decimals == a.decimals {
		return a, nil
	}
	v := a.Int()
	if decimals > a.decimals {
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-a.decimals)), nil))
	} else {
		v.Quo(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(a.decimals-decimals)), nil))
	}
	return New(v, decimals)
}

// Between reports whether lo <= a <= hi
func (a Amount) Between(lo, hi Amount) bool {
	return a.Cmp(lo) >= 0 && a.Cmp(hi) <= 0
}

type amountJSON struct {
	Value    string `json:"value"`
	Decimals uint8  `json:"decimals"`
}

// MarshalJSON encodes the amount as {"value":"<int>","decimals":n}
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountJSON{Value: a.String(), Decimals: a.decimals})
}

// UnmarshalJSON decodes the schema written by MarshalJSON
func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw amountJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode amount: %w", err)
	}
	parsed, err := FromString(raw.Value, raw.Decimals)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
