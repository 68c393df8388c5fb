// Package custody hosts timelock instances: it persists each instance's Config and
// WithdrawalState, serializes actions per instance, reads live balances, and records emitted
// instructions in an outbox in the same atomic step as the state change.
//
// An emitted instruction is outstanding until it is settled (the account balance reflects it)
// or failed (it will never move funds). Actions see the bank balance minus outstanding
// outflows, so funds committed by one action are not available to the next.
package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juno-intents/custody-timelock/internal/coin"
	"github.com/juno-intents/custody-timelock/internal/timelock"
)

var (
	ErrNotFound            = errors.New("custody: instance not found")
	ErrAlreadyInstantiated = errors.New("custody: instance already instantiated")
	ErrInvalidInput        = errors.New("custody: invalid input")
	ErrActionMismatch      = errors.New("custody: action id reused for a different action")
	ErrAlreadyFinal        = errors.New("custody: instruction already settled or failed")
)

// Instance is one hosted timelock.
type Instance struct {
	ID        string
	Config    timelock.Config
	Account   string
	Authority string
	State     timelock.WithdrawalState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record is an outbox entry: an instruction emitted by an applied action.
type Record struct {
	Instance    string
	Seq         uint64
	ActionID    [32]byte
	Action      string
	Instruction timelock.Instruction
	CreatedAt   time.Time

	// DispatchedAt is zero until the dispatcher has relayed the record.
	DispatchedAt time.Time
	// SettledAt is set once the instruction is reflected in the account balance.
	SettledAt time.Time
	// FailedAt is set when the instruction will never execute; Failure says why.
	FailedAt time.Time
	Failure  string
}

// Outstanding reports whether the instruction still counts against the held balance.
func (r Record) Outstanding() bool {
	return r.SettledAt.IsZero() && r.FailedAt.IsZero()
}

// Outcome describes an applied (or replayed) action.
type Outcome struct {
	Instance string
	ActionID [32]byte
	Action   string
	State    timelock.WithdrawalState
	Record   *Record

	// Replayed is set when ActionID had already been applied; nothing changed this time.
	Replayed bool
}

// Transition runs with the instance locked and returns the new state and optional instruction.
// outstanding is the sum of the instance's outstanding instruction amounts, read under the same
// lock. Returning an error aborts the action without persisting anything.
type Transition func(inst Instance, now time.Time, outstanding coin.Amount) (timelock.Result, error)

type Store interface {
	Create(ctx context.Context, inst Instance) error
	Get(ctx context.Context, id string) (Instance, error)

	// Apply serializes with other Apply calls on the same instance. If actionID was applied
	// before, the recorded outcome is returned with Replayed set and fn is not called.
	Apply(ctx context.Context, id string, actionID [32]byte, action string, fn Transition) (Outcome, error)

	// ListUndispatched returns records that are neither dispatched nor failed, oldest first.
	ListUndispatched(ctx context.Context, limit int) ([]Record, error)
	MarkDispatched(ctx context.Context, instance string, seq uint64) error

	// MarkSettled and MarkFailed end a record's outstanding period. Repeating the same call is
	// a no-op; settling a failed record or failing a settled one returns ErrAlreadyFinal.
	MarkSettled(ctx context.Context, instance string, seq uint64) error
	MarkFailed(ctx context.Context, instance string, seq uint64, reason string) error
}

func validateInstance(inst Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("%w: missing instance id", ErrInvalidInput)
	}
	if err := inst.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if inst.Account == "" || inst.Authority == "" {
		return fmt.Errorf("%w: missing account or authority", ErrInvalidInput)
	}
	return nil
}

func validateApply(id string, actionID [32]byte, action string, fn Transition) error {
	if id == "" || action == "" || fn == nil {
		return fmt.Errorf("%w: instance, action and transition are required", ErrInvalidInput)
	}
	if actionID == ([32]byte{}) {
		return fmt.Errorf("%w: zero action id", ErrInvalidInput)
	}
	return nil
}
