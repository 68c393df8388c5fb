package timelock

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/juno-intents/custody-timelock/internal/address"
	"github.com/juno-intents/custody-timelock/internal/coin"
)

const (
	Day = 24 * time.Hour

	// MaxWithdrawDelayDays is the largest delay representable as a time.Duration.
	MaxWithdrawDelayDays = uint64(math.MaxInt64 / int64(Day))
)

// InstantiateMsg is the one-time configuration of a controller instance.
type InstantiateMsg struct {
	WithdrawAddress     string `json:"withdraw_address"`
	WithdrawDelayInDays uint64 `json:"withdraw_delay_in_days"`
	NativeDenom         string `json:"native_denom"`
}

// Config is immutable for the lifetime of an instance.
type Config struct {
	WithdrawAddress string
	WithdrawDelay   time.Duration
	Denom           string
}

// NewConfig validates msg and converts the delay from days.
func NewConfig(msg InstantiateMsg, addrs address.Validator) (Config, error) {
	if addrs == nil {
		return Config{}, fmt.Errorf("%w: nil address validator", ErrInvalidConfig)
	}
	addr := strings.TrimSpace(msg.WithdrawAddress)
	if addr == "" {
		return Config{}, fmt.Errorf("%w: missing withdraw address", ErrInvalidConfig)
	}
	if err := addrs.Validate(addr); err != nil {
		return Config{}, fmt.Errorf("%w: withdraw address: %v", ErrInvalidAddress, err)
	}
	if msg.WithdrawDelayInDays > MaxWithdrawDelayDays {
		return Config{}, fmt.Errorf("%w: withdraw delay %d days exceeds %d", ErrInvalidConfig, msg.WithdrawDelayInDays, MaxWithdrawDelayDays)
	}
	denom := strings.TrimSpace(msg.NativeDenom)
	if err := coin.ValidateDenom(denom); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return Config{
		WithdrawAddress: addr,
		WithdrawDelay:   time.Duration(msg.WithdrawDelayInDays) * Day,
		Denom:           denom,
	}, nil
}

func (c Config) Validate() error {
	if c.WithdrawAddress == "" {
		return fmt.Errorf("%w: missing withdraw address", ErrInvalidConfig)
	}
	if c.WithdrawDelay < 0 {
		return fmt.Errorf("%w: negative withdraw delay", ErrInvalidConfig)
	}
	if c.Denom == "" {
		return fmt.Errorf("%w: missing denom", ErrInvalidConfig)
	}
	return nil
}
