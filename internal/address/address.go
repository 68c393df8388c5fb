// Package address validates human-readable chain addresses.
//
// Address validation is a host capability: the custody runtime injects a Validator into the
// timelock core so the core never depends on a particular address encoding.
package address

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
)

const (
	KindBasic  = "basic"
	KindBech32 = "bech32"
	KindHex    = "hex"

	basicMinLen = 3
	basicMaxLen = 255
)

var (
	ErrInvalidAddress = errors.New("address: invalid address")
	ErrInvalidConfig  = errors.New("address: invalid config")
)

type Validator interface {
	Validate(addr string) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(addr string) error

func (f ValidatorFunc) Validate(addr string) error { return f(addr) }

// New returns the validator for kind. hrp is required for bech32.
func New(kind, hrp string) (Validator, error) {
	switch strings.TrimSpace(strings.ToLower(kind)) {
	case "", KindBech32:
		hrp = strings.TrimSpace(hrp)
		if hrp == "" {
			return nil, fmt.Errorf("%w: bech32 validator requires hrp", ErrInvalidConfig)
		}
		return Bech32{HRP: strings.ToLower(hrp)}, nil
	case KindHex:
		return Hex{}, nil
	case KindBasic:
		return Basic{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", ErrInvalidConfig, kind)
	}
}

// Basic accepts any normalized (lowercase, no whitespace) identifier of 3-255 bytes.
// It matches what chain test harnesses accept and is intended for local runs and tests.
type Basic struct{}

func (Basic) Validate(addr string) error {
	if len(addr) < basicMinLen || len(addr) > basicMaxLen {
		return fmt.Errorf("%w: length %d out of range", ErrInvalidAddress, len(addr))
	}
	if strings.ToLower(addr) != addr {
		return fmt.Errorf("%w: %q is not normalized", ErrInvalidAddress, addr)
	}
	if strings.ContainsAny(addr, " \t\r\n") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidAddress, addr)
	}
	return nil
}

// Bech32 accepts lowercase bech32 addresses with the configured human-readable part and a
// 20-byte (account) or 32-byte (contract) payload.
type Bech32 struct {
	HRP string
}

func (v Bech32) Validate(addr string) error {
	if addr != strings.ToLower(addr) {
		return fmt.Errorf("%w: %q is not lowercase", ErrInvalidAddress, addr)
	}
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if hrp != v.HRP {
		return fmt.Errorf("%w: prefix %q, want %q", ErrInvalidAddress, hrp, v.HRP)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != 20 && len(raw) != 32 {
		return fmt.Errorf("%w: payload length %d", ErrInvalidAddress, len(raw))
	}
	return nil
}

// Hex accepts 0x-prefixed 20-byte EVM addresses.
type Hex struct{}

func (Hex) Validate(addr string) error {
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("%w: %q missing 0x prefix", ErrInvalidAddress, addr)
	}
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}
