package coin

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// MaxBits is the width of on-chain bank amounts (Uint128).
const MaxBits = 128

var (
	ErrInvalidAmount = errors.New("coin: invalid amount")
	ErrOverflow      = errors.New("coin: amount overflows uint128")
	ErrUnderflow     = errors.New("coin: amount underflow")
	ErrInvalidDenom  = errors.New("coin: invalid denom")
)

// Amount is an unsigned 128-bit integer. The zero value is 0.
//
// JSON encoding is a quoted decimal string, matching the chain's Uint128 schema.
type Amount struct {
	v uint256.Int
}

func NewAmount(v uint64) Amount {
	var a Amount
	a.v.SetUint64(v)
	return a
}

// ParseAmount parses a base-10 string of ASCII digits.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return Amount{}, fmt.Errorf("%w: %q is not a decimal integer", ErrInvalidAmount, s)
		}
	}
	// uint256.FromDecimal rejects values wider than 256 bits.
	if len(s) > 80 {
		return Amount{}, ErrOverflow
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if v.BitLen() > MaxBits {
		return Amount{}, ErrOverflow
	}
	return Amount{v: *v}, nil
}

// MustParseAmount is ParseAmount for constants in tests and examples.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) IsZero() bool { return a.v.IsZero() }

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow || out.v.BitLen() > MaxBits {
		return Amount{}, ErrOverflow
	}
	return out, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, ErrUnderflow
	}
	return out, nil
}

// Uint64 returns the amount and whether it fits in 64 bits.
func (a Amount) Uint64() (uint64, bool) {
	if !a.v.IsUint64() {
		return 0, false
	}
	return a.v.Uint64(), true
}

func (a Amount) String() string { return a.v.Dec() }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: expected decimal string", ErrInvalidAmount)
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Coin is an amount of a single native denom.
type Coin struct {
	Denom  string `json:"denom"`
	Amount Amount `json:"amount"`
}

func New(denom string, amount Amount) Coin {
	return Coin{Denom: denom, Amount: amount}
}

func (c Coin) String() string {
	return c.Amount.String() + c.Denom
}

// ValidateDenom applies the bank module's denom shape: 3-128 chars, leading letter,
// then letters, digits or one of "/:._-".
func ValidateDenom(denom string) error {
	if len(denom) < 3 || len(denom) > 128 {
		return fmt.Errorf("%w: length %d", ErrInvalidDenom, len(denom))
	}
	first := denom[0]
	if !(first >= 'a' && first <= 'z' || first >= 'A' && first <= 'Z') {
		return fmt.Errorf("%w: %q must start with a letter", ErrInvalidDenom, denom)
	}
	for i := 1; i < len(denom); i++ {
		c := denom[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '/', c == ':', c == '.', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: %q has invalid character %q", ErrInvalidDenom, denom, c)
		}
	}
	return nil
}
