// Package timelock implements the withdrawal timelock state machine and its governance
// override path.
//
// Everything in this package is a deterministic function of its inputs: the host supplies the
// current time, the current WithdrawalState and a balance reader on every call, and persists the
// returned state and instruction. The package never reads a clock and never caches balances.
package timelock

import (
	"fmt"
	"strings"
	"time"

	"github.com/juno-intents/custody-timelock/internal/address"
	"github.com/juno-intents/custody-timelock/internal/coin"
)

// BalanceFunc returns the held balance of the controller's denom at the time of the call.
type BalanceFunc func() (coin.Amount, error)

// Authorizer is the capability check the host runs for caller-initiated actions.
type Authorizer interface {
	AuthorizeExecute(sender string, msg ExecuteMsg) error
}

// WithdrawAuthority authorizes a single identity for StartWithdraw and ExecuteWithdraw.
type WithdrawAuthority string

// AuthorizeExecute fails with ErrUnauthorized unless sender is the authority.
func (a WithdrawAuthority) AuthorizeExecute(sender string, _ ExecuteMsg) error {
	if a == "" || sender != string(a) {
		return fmt.Errorf("%w: %q is not the withdraw authority", ErrUnauthorized, sender)
	}
	return nil
}

// Option configures a Controller.
type Option func(*Controller)

// WithAuthorizer sets the check run by HandleExecute before an execute action is applied.
func WithAuthorizer(a Authorizer) Option {
	return func(c *Controller) { c.auth = a }
}

// Controller applies actions to a WithdrawalState under an immutable Config.
type Controller struct {
	cfg   Config
	addrs address.Validator
	auth  Authorizer
}

// NewController returns a Controller for a validated cfg.
func NewController(cfg Config, addrs address.Validator, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if addrs == nil {
		return nil, fmt.Errorf("%w: nil address validator", ErrInvalidConfig)
	}
	c := &Controller{cfg: cfg, addrs: addrs}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Config returns the immutable instance configuration.
func (c *Controller) Config() Config { return c.cfg }

// Authorize runs the configured Authorizer. With no Authorizer every sender is allowed.
func (c *Controller) Authorize(sender string, msg ExecuteMsg) error {
	if c.auth == nil {
		return nil
	}
	return c.auth.AuthorizeExecute(sender, msg)
}

// StartWithdraw begins the countdown. Funds do not move.
func (c *Controller) StartWithdraw(st WithdrawalState, now time.Time) (WithdrawalState, error) {
	if st.Pending() {
		return st, ErrAlreadyPending
	}
	return WithdrawalStarted(now.Add(c.cfg.WithdrawDelay)), nil
}

// ExecuteWithdraw releases the whole balance, read at this call, to the withdraw address.
// A zero balance still completes the withdrawal.
func (c *Controller) ExecuteWithdraw(st WithdrawalState, now time.Time, balance BalanceFunc) (WithdrawalState, Instruction, error) {
	ready, ok := st.ReadyTime()
	if !ok {
		return st, Instruction{}, ErrNoWithdrawalPending
	}
	if now.Before(ready) {
		return st, Instruction{}, &NotReadyError{ReadyTime: ready, Remaining: ready.Sub(now)}
	}
	held, err := c.balance(balance)
	if err != nil {
		return st, Instruction{}, err
	}
	return NoWithdrawal(), Transfer(c.cfg.WithdrawAddress, coin.New(c.cfg.Denom, held)), nil
}

// ExecuteBurn burns the whole balance. The withdrawal state is not consulted.
func (c *Controller) ExecuteBurn(balance BalanceFunc) (Instruction, error) {
	held, err := c.balance(balance)
	if err != nil {
		return Instruction{}, err
	}
	return Burn(coin.New(c.cfg.Denom, held)), nil
}

// ExecuteSend transfers amount to recipient, bypassing the timelock.
func (c *Controller) ExecuteSend(recipient string, amount coin.Amount, balance BalanceFunc) (Instruction, error) {
	recipient, err := c.recipient(recipient)
	if err != nil {
		return Instruction{}, err
	}
	if amount.IsZero() {
		return Instruction{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidAmount)
	}
	held, err := c.balance(balance)
	if err != nil {
		return Instruction{}, err
	}
	if amount.Cmp(held) > 0 {
		return Instruction{}, &InsufficientFundsError{
			Requested: amount.String(),
			Available: held.String(),
			Denom:     c.cfg.Denom,
		}
	}
	return Transfer(recipient, coin.New(c.cfg.Denom, amount)), nil
}

// ExecuteSendAll transfers the whole balance to recipient, bypassing the timelock.
func (c *Controller) ExecuteSendAll(recipient string, balance BalanceFunc) (Instruction, error) {
	recipient, err := c.recipient(recipient)
	if err != nil {
		return Instruction{}, err
	}
	held, err := c.balance(balance)
	if err != nil {
		return Instruction{}, err
	}
	return Transfer(recipient, coin.New(c.cfg.Denom, held)), nil
}

// WithdrawalReadyTime fails with ErrNoWithdrawalPending when nothing is pending.
func (c *Controller) WithdrawalReadyTime(st WithdrawalState) (time.Time, error) {
	ready, ok := st.ReadyTime()
	if !ok {
		return time.Time{}, ErrNoWithdrawalPending
	}
	return ready, nil
}

func (c *Controller) IsWithdrawalReady(st WithdrawalState, now time.Time) bool {
	ready, ok := st.ReadyTime()
	return ok && !now.Before(ready)
}

func (c *Controller) balance(fn BalanceFunc) (coin.Amount, error) {
	if fn == nil {
		return coin.Amount{}, fmt.Errorf("%w: nil balance reader", ErrInvalidConfig)
	}
	held, err := fn()
	if err != nil {
		return coin.Amount{}, fmt.Errorf("timelock: query balance: %w", err)
	}
	return held, nil
}

func (c *Controller) recipient(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: missing recipient", ErrInvalidAddress)
	}
	if err := c.addrs.Validate(addr); err != nil {
		return "", fmt.Errorf("%w: recipient: %v", ErrInvalidAddress, err)
	}
	return addr, nil
}
