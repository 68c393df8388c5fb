// Package bank provides the balance capability the timelock reads from, and an in-memory
// ledger that can also execute emitted instructions.
package bank

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/juno-intents/custody-timelock/internal/coin"
	"github.com/juno-intents/custody-timelock/internal/timelock"
)

var (
	ErrInvalidInput      = errors.New("bank: invalid input")
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
)

// Bank answers live balance queries.
type Bank interface {
	Balance(ctx context.Context, account, denom string) (coin.Amount, error)
}

// Ledger is an in-memory bank intended for tests and single-process devnets.
// It is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]map[string]coin.Amount
	// applied holds refs of instructions already executed.
	applied map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[string]map[string]coin.Amount),
		applied:  make(map[string]struct{}),
	}
}

func (l *Ledger) Balance(_ context.Context, account, denom string) (coin.Amount, error) {
	if account == "" || denom == "" {
		return coin.Amount{}, fmt.Errorf("%w: account and denom are required", ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.balances[account][denom], nil
}

// Deposit credits account; it models funds arriving from outside the ledger.
func (l *Ledger) Deposit(account string, c coin.Coin) error {
	if account == "" || c.Denom == "" {
		return fmt.Errorf("%w: account and denom are required", ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.credit(account, c)
}

func (l *Ledger) Transfer(from, to string, c coin.Coin) error {
	if from == "" || to == "" || c.Denom == "" {
		return fmt.Errorf("%w: from, to and denom are required", ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.transfer(from, to, c)
}

func (l *Ledger) transfer(from, to string, c coin.Coin) error {
	if err := l.debit(from, c); err != nil {
		return err
	}
	if err := l.credit(to, c); err != nil {
		// Restore the debit; credit only fails on overflow.
		_ = l.credit(from, c)
		return err
	}
	return nil
}

func (l *Ledger) Burn(from string, c coin.Coin) error {
	if from == "" || c.Denom == "" {
		return fmt.Errorf("%w: from and denom are required", ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.debit(from, c)
}

// Execute applies an instruction emitted by the timelock held at account. A non-empty ref
// names the instruction: once it has applied, executing the same ref again is a no-op.
func (l *Ledger) Execute(_ context.Context, account, ref string, ins timelock.Instruction) error {
	if account == "" || ins.Coin.Denom == "" {
		return fmt.Errorf("%w: account and denom are required", ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.applied[ref]; ok && ref != "" {
		return nil
	}

	var err error
	switch ins.Kind {
	case timelock.InstructionTransfer:
		to := strings.TrimSpace(ins.Recipient)
		switch {
		case to == "":
			err = fmt.Errorf("%w: transfer without recipient", ErrInvalidInput)
		case !ins.Coin.Amount.IsZero():
			err = l.transfer(account, to, ins.Coin)
		}
	case timelock.InstructionBurn:
		if !ins.Coin.Amount.IsZero() {
			err = l.debit(account, ins.Coin)
		}
	default:
		err = fmt.Errorf("%w: unsupported instruction %s", ErrInvalidInput, ins.Kind)
	}
	if err != nil {
		return err
	}
	if ref != "" {
		l.applied[ref] = struct{}{}
	}
	return nil
}

func (l *Ledger) credit(account string, c coin.Coin) error {
	byDenom, ok := l.balances[account]
	if !ok {
		byDenom = make(map[string]coin.Amount)
		l.balances[account] = byDenom
	}
	sum, err := byDenom[c.Denom].Add(c.Amount)
	if err != nil {
		return fmt.Errorf("bank: credit %s: %w", account, err)
	}
	byDenom[c.Denom] = sum
	return nil
}

func (l *Ledger) debit(account string, c coin.Coin) error {
	held := l.balances[account][c.Denom]
	rest, err := held.Sub(c.Amount)
	if err != nil {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, account, coin.New(c.Denom, held), c)
	}
	if l.balances[account] == nil {
		l.balances[account] = make(map[string]coin.Amount)
	}
	l.balances[account][c.Denom] = rest
	return nil
}
