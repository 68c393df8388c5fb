package address

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

func mustBech32(t *testing.T, hrp string, payload []byte) string {
	t.Helper()

	conv, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		t.Fatalf("ConvertBits: %v", err)
	}
	s, err := bech32.Encode(hrp, conv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return s
}

func TestBech32_Validate(t *testing.T) {
	t.Parallel()

	v, err := New(KindBech32, "rebus")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	account := mustBech32(t, "rebus", make([]byte, 20))
	contract := mustBech32(t, "rebus", make([]byte, 32))
	if err := v.Validate(account); err != nil {
		t.Fatalf("Validate(account): %v", err)
	}
	if err := v.Validate(contract); err != nil {
		t.Fatalf("Validate(contract): %v", err)
	}

	other := mustBech32(t, "cosmos", make([]byte, 20))
	short := mustBech32(t, "rebus", make([]byte, 8))
	corrupt := account[:len(account)-1] + "q"
	if corrupt == account {
		corrupt = account[:len(account)-1] + "p"
	}
	for _, bad := range []string{other, short, corrupt, "", "addr1"} {
		if err := v.Validate(bad); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("Validate(%q): expected ErrInvalidAddress, got %v", bad, err)
		}
	}
}

func TestHex_Validate(t *testing.T) {
	t.Parallel()

	v := Hex{}
	if err := v.Validate("0x00000000000000000000000000000000000000aa"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for _, bad := range []string{"00000000000000000000000000000000000000aa", "0x1234", "rebus1xyz"} {
		if err := v.Validate(bad); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("Validate(%q): expected ErrInvalidAddress, got %v", bad, err)
		}
	}
}

func TestBasic_Validate(t *testing.T) {
	t.Parallel()

	v := Basic{}
	if err := v.Validate("addr1"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for _, bad := range []string{"", "ab", "Addr1", "addr 1"} {
		if err := v.Validate(bad); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("Validate(%q): expected ErrInvalidAddress, got %v", bad, err)
		}
	}
}

func TestNew_RejectsUnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := New("ss58", ""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(KindBech32, " "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
