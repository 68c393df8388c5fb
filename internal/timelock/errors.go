package timelock

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidConfig       = errors.New("timelock: invalid config")
	ErrInvalidMessage      = errors.New("timelock: invalid message")
	ErrInvalidAmount       = errors.New("timelock: invalid amount")
	ErrInvalidAddress      = errors.New("timelock: invalid address")
	ErrAlreadyPending      = errors.New("timelock: withdrawal already pending")
	ErrNoWithdrawalPending = errors.New("timelock: no withdrawal pending")
	ErrNotReadyYet         = errors.New("timelock: withdrawal not ready yet")
	ErrInsufficientFunds   = errors.New("timelock: insufficient funds")
	ErrUnauthorized        = errors.New("timelock: unauthorized")
)

// NotReadyError reports when a pending withdrawal becomes executable.
type NotReadyError struct {
	ReadyTime time.Time
	Remaining time.Duration
}

func (e *NotReadyError) Error() string {
	if e == nil {
		return ErrNotReadyYet.Error()
	}
	return fmt.Sprintf("%s: ready at %s (%s remaining)", ErrNotReadyYet, e.ReadyTime.UTC().Format(time.RFC3339), e.Remaining)
}

func (e *NotReadyError) Unwrap() error { return ErrNotReadyYet }

// InsufficientFundsError carries the requested and held amounts.
type InsufficientFundsError struct {
	Requested string
	Available string
	Denom     string
}

func (e *InsufficientFundsError) Error() string {
	if e == nil {
		return ErrInsufficientFunds.Error()
	}
	return fmt.Sprintf("%s: requested %s%s, available %s%s", ErrInsufficientFunds, e.Requested, e.Denom, e.Available, e.Denom)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// Code returns a stable machine-readable code for err, or "internal" when err is not a
// timelock error.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyPending):
		return "already_pending"
	case errors.Is(err, ErrNoWithdrawalPending):
		return "no_withdrawal_pending"
	case errors.Is(err, ErrNotReadyYet):
		return "not_ready_yet"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	default:
		return "internal"
	}
}
