package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/juno-intents/custody-timelock/internal/address"
	"github.com/juno-intents/custody-timelock/internal/bank"
	"github.com/juno-intents/custody-timelock/internal/coin"
	"github.com/juno-intents/custody-timelock/internal/envelope"
	"github.com/juno-intents/custody-timelock/internal/timelock"
)

var ErrInvalidConfig = errors.New("custody: invalid config")

type RuntimeConfig struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// Runtime is the host side of the timelock: it loads an instance, reads the live balance
// under the instance lock, runs the controller, and persists the result. The balance the
// controller sees excludes outflows already committed to the outbox but not yet settled.
type Runtime struct {
	store Store
	bank  bank.Bank
	addrs address.Validator
	now   func() time.Time
	log   *slog.Logger
}

func NewRuntime(store Store, b bank.Bank, addrs address.Validator, cfg RuntimeConfig) (*Runtime, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: nil bank", ErrInvalidConfig)
	}
	if addrs == nil {
		return nil, fmt.Errorf("%w: nil address validator", ErrInvalidConfig)
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		store: store,
		bank:  b,
		addrs: addrs,
		now:   nowFn,
		log:   log,
	}, nil
}

// InstantiateOptions carries host-side settings that are not part of the instance Config.
type InstantiateOptions struct {
	// Account holds the custodied funds. Required.
	Account string
	// Authority may start and execute withdrawals. Defaults to the withdraw address.
	Authority string
}

// Instantiate creates instance id.
func (r *Runtime) Instantiate(ctx context.Context, id string, msg timelock.InstantiateMsg, opts InstantiateOptions) (Instance, error) {
	if err := envelope.ValidateInstance(id); err != nil {
		return Instance{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	cfg, err := timelock.NewConfig(msg, r.addrs)
	if err != nil {
		return Instance{}, err
	}
	account := strings.TrimSpace(opts.Account)
	if account == "" {
		return Instance{}, fmt.Errorf("%w: missing custody account", ErrInvalidInput)
	}
	if err := r.addrs.Validate(account); err != nil {
		return Instance{}, fmt.Errorf("%w: custody account: %v", ErrInvalidInput, err)
	}
	authority := strings.TrimSpace(opts.Authority)
	if authority == "" {
		authority = cfg.WithdrawAddress
	}

	inst := Instance{
		ID:        id,
		Config:    cfg,
		Account:   account,
		Authority: authority,
		State:     timelock.NoWithdrawal(),
	}
	if err := r.store.Create(ctx, inst); err != nil {
		return Instance{}, err
	}
	created, err := r.store.Get(ctx, id)
	if err != nil {
		return Instance{}, err
	}

	r.log.Info("instantiated",
		"instance", id,
		"withdraw_address", cfg.WithdrawAddress,
		"withdraw_delay", cfg.WithdrawDelay,
		"denom", cfg.Denom,
		"account", account,
		"authority", authority,
	)
	return created, nil
}

// Execute applies a caller-initiated action on behalf of sender.
func (r *Runtime) Execute(ctx context.Context, id string, actionID [32]byte, sender string, msg timelock.ExecuteMsg) (Outcome, error) {
	name, err := msg.Name()
	if err != nil {
		return Outcome{}, err
	}
	out, err := r.store.Apply(ctx, id, actionID, name, func(inst Instance, now time.Time, outstanding coin.Amount) (timelock.Result, error) {
		c, err := r.controller(inst)
		if err != nil {
			return timelock.Result{}, err
		}
		return c.HandleExecute(inst.State, now, sender, msg, r.balanceFunc(ctx, inst, outstanding))
	})
	r.logOutcome(id, actionID, name, out, err)
	return out, err
}

// Sudo applies a governance action. Callers authenticate governance before calling.
func (r *Runtime) Sudo(ctx context.Context, id string, actionID [32]byte, msg timelock.SudoMsg) (Outcome, error) {
	name, err := msg.Name()
	if err != nil {
		return Outcome{}, err
	}
	out, err := r.store.Apply(ctx, id, actionID, name, func(inst Instance, _ time.Time, outstanding coin.Amount) (timelock.Result, error) {
		c, err := r.controller(inst)
		if err != nil {
			return timelock.Result{}, err
		}
		return c.HandleSudo(inst.State, msg, r.balanceFunc(ctx, inst, outstanding))
	})
	r.logOutcome(id, actionID, name, out, err)
	return out, err
}

// Query answers msg against the latest persisted state.
func (r *Runtime) Query(ctx context.Context, id string, msg timelock.QueryMsg) (any, error) {
	inst, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := r.controller(inst)
	if err != nil {
		return nil, err
	}
	return c.HandleQuery(inst.State, r.now().UTC(), msg)
}

// Balance is the live held balance of the instance's denom.
func (r *Runtime) Balance(ctx context.Context, id string) (coin.Coin, error) {
	inst, err := r.store.Get(ctx, id)
	if err != nil {
		return coin.Coin{}, err
	}
	amt, err := r.bank.Balance(ctx, inst.Account, inst.Config.Denom)
	if err != nil {
		return coin.Coin{}, err
	}
	return coin.New(inst.Config.Denom, amt), nil
}

func (r *Runtime) Instance(ctx context.Context, id string) (Instance, error) {
	return r.store.Get(ctx, id)
}

// SettleInstruction records that instruction seq of instance is reflected in the account
// balance, releasing it from the outstanding total.
func (r *Runtime) SettleInstruction(ctx context.Context, instance string, seq uint64) error {
	if err := r.store.MarkSettled(ctx, instance, seq); err != nil {
		return err
	}
	r.log.Info("instruction settled", "instance", instance, "seq", seq)
	return nil
}

// FailInstruction records that instruction seq of instance will never move funds.
func (r *Runtime) FailInstruction(ctx context.Context, instance string, seq uint64, reason string) error {
	if err := r.store.MarkFailed(ctx, instance, seq, reason); err != nil {
		return err
	}
	r.log.Warn("instruction failed", "instance", instance, "seq", seq, "reason", reason)
	return nil
}

func (r *Runtime) controller(inst Instance) (*timelock.Controller, error) {
	return timelock.NewController(inst.Config, r.addrs,
		timelock.WithAuthorizer(timelock.WithdrawAuthority(inst.Authority)),
	)
}

// balanceFunc reads the bank balance and subtracts outstanding outflows. When the bank already
// reflects an instruction that has not been reported settled yet, the difference clamps to zero.
func (r *Runtime) balanceFunc(ctx context.Context, inst Instance, outstanding coin.Amount) timelock.BalanceFunc {
	return func() (coin.Amount, error) {
		held, err := r.bank.Balance(ctx, inst.Account, inst.Config.Denom)
		if err != nil {
			return coin.Amount{}, err
		}
		if held.Cmp(outstanding) <= 0 {
			return coin.Amount{}, nil
		}
		return held.Sub(outstanding)
	}
}

func (r *Runtime) logOutcome(id string, actionID [32]byte, action string, out Outcome, err error) {
	if err != nil {
		r.log.Warn("action rejected",
			"instance", id,
			"action_id", envelope.FormatID(actionID),
			"action", action,
			"code", timelock.Code(err),
			"err", err,
		)
		return
	}
	attrs := []any{
		"instance", id,
		"action_id", envelope.FormatID(actionID),
		"action", action,
		"state", out.State.String(),
		"replayed", out.Replayed,
	}
	if out.Record != nil {
		attrs = append(attrs, "seq", out.Record.Seq, "instruction", out.Record.Instruction.String())
	}
	r.log.Info("action applied", attrs...)
}
