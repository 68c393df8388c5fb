package coin

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseAmount_Bounds(t *testing.T) {
	t.Parallel()

	max128 := "340282366920938463463374607431768211455"
	a, err := ParseAmount(max128)
	if err != nil {
		t.Fatalf("ParseAmount(max): %v", err)
	}
	if a.String() != max128 {
		t.Fatalf("String: got %q want %q", a.String(), max128)
	}

	if _, err := ParseAmount("340282366920938463463374607431768211456"); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	for _, in := range []string{"", "-1", "1.5", "0x10", "1e3", "+4"} {
		if _, err := ParseAmount(in); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("ParseAmount(%q): expected ErrInvalidAmount, got %v", in, err)
		}
	}
}

func TestAmount_Arithmetic(t *testing.T) {
	t.Parallel()

	a := NewAmount(10)
	b := NewAmount(3)

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sum.Cmp(NewAmount(13)) != 0 {
		t.Fatalf("Add: got %s", sum)
	}

	diff, err := a.Sub(b)
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	if diff.Cmp(NewAmount(7)) != 0 {
		t.Fatalf("Sub: got %s", diff)
	}

	if _, err := b.Sub(a); !errors.Is(err, ErrUnderflow) {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}

	max := MustParseAmount("340282366920938463463374607431768211455")
	if _, err := max.Add(NewAmount(1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}

	if !(Amount{}).IsZero() {
		t.Fatalf("zero value must be zero")
	}
}

func TestAmount_JSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Coin{Denom: "urxp", Amount: NewAmount(1500)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"denom":"urxp","amount":"1500"}` {
		t.Fatalf("unexpected json: %s", b)
	}

	var got Amount
	if err := json.Unmarshal([]byte(`"42"`), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v, ok := got.Uint64(); !ok || v != 42 {
		t.Fatalf("Uint64: got %d ok=%v", v, ok)
	}

	// Numbers are rejected; the schema is a string.
	if err := json.Unmarshal([]byte(`42`), &got); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestValidateDenom(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"urxp", "uatom", "ibc/27394FB092D2ECCD56123C74F36E4C1F926001CEADA9CA97EA622B25F41E5EB2", "factory/addr/sub"} {
		if err := ValidateDenom(ok); err != nil {
			t.Fatalf("ValidateDenom(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "ab", "1urxp", "ur xp", "urxp!"} {
		if err := ValidateDenom(bad); !errors.Is(err, ErrInvalidDenom) {
			t.Fatalf("ValidateDenom(%q): expected ErrInvalidDenom, got %v", bad, err)
		}
	}
}
