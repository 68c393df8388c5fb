// Package node turns action envelopes into custody runtime calls and runs the service loop
// that consumes them.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/custody-timelock/internal/custody"
	"github.com/juno-intents/custody-timelock/internal/dispatch"
	"github.com/juno-intents/custody-timelock/internal/envelope"
	"github.com/juno-intents/custody-timelock/internal/govauth"
	"github.com/juno-intents/custody-timelock/internal/timelock"
)

var ErrInvalidConfig = errors.New("node: invalid config")

// Runtime is the subset of custody.Runtime the processor drives.
type Runtime interface {
	Execute(ctx context.Context, id string, actionID [32]byte, sender string, msg timelock.ExecuteMsg) (custody.Outcome, error)
	Sudo(ctx context.Context, id string, actionID [32]byte, msg timelock.SudoMsg) (custody.Outcome, error)
	SettleInstruction(ctx context.Context, instance string, seq uint64) error
	FailInstruction(ctx context.Context, instance string, seq uint64, reason string) error
}

// Processor authenticates and applies envelopes. It is shared by the queue loop and the HTTP API.
type Processor struct {
	rt      Runtime
	gov     *govauth.Verifier
	senders govauth.SenderKeys
	log     *slog.Logger
}

type ProcessorOption func(*Processor)

// WithSenderKeys registers the keys that sign execute envelopes arriving through Handle.
func WithSenderKeys(keys govauth.SenderKeys) ProcessorOption {
	return func(p *Processor) { p.senders = keys }
}

// NewProcessor returns a Processor. A nil verifier rejects every sudo envelope, and without
// sender keys Handle rejects every execute envelope.
func NewProcessor(rt Runtime, gov *govauth.Verifier, log *slog.Logger, opts ...ProcessorOption) (*Processor, error) {
	if rt == nil {
		return nil, fmt.Errorf("%w: nil runtime", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Processor{rt: rt, gov: gov, log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// HandleBytes parses a wire envelope and applies it as Handle does.
func (p *Processor) HandleBytes(ctx context.Context, b []byte) (custody.Outcome, error) {
	env, err := envelope.Parse(b)
	if err != nil {
		return custody.Outcome{}, err
	}
	return p.Handle(ctx, env)
}

// Handle applies an envelope from an unauthenticated source such as the action queue.
// Execute envelopes must be signed by the key registered for env.Sender. Sudo envelopes must
// be signed by a configured governor.
func (p *Processor) Handle(ctx context.Context, env envelope.Envelope) (custody.Outcome, error) {
	return p.handle(ctx, env, false)
}

// HandleAuthenticated applies env for a caller that has already authenticated env.Sender, so
// execute envelopes need no signature. Sudo envelopes are still checked against governance.
func (p *Processor) HandleAuthenticated(ctx context.Context, env envelope.Envelope) (custody.Outcome, error) {
	return p.handle(ctx, env, true)
}

func (p *Processor) handle(ctx context.Context, env envelope.Envelope, senderTrusted bool) (custody.Outcome, error) {
	if err := env.Validate(); err != nil {
		return custody.Outcome{}, err
	}

	switch env.Kind {
	case envelope.KindExecute:
		if !senderTrusted {
			if err := p.authenticateExecute(env); err != nil {
				p.log.Warn("execute rejected",
					"instance", env.Instance,
					"action_id", envelope.FormatID(env.ID),
					"sender", env.Sender,
					"err", err,
				)
				return custody.Outcome{}, err
			}
		}
		msg, err := timelock.ParseExecuteMsg(env.Msg)
		if err != nil {
			return custody.Outcome{}, err
		}
		return p.rt.Execute(ctx, env.Instance, env.ID, env.Sender, msg)

	case envelope.KindSudo:
		signer, err := p.authenticateSudo(env)
		if err != nil {
			p.log.Warn("sudo rejected",
				"instance", env.Instance,
				"action_id", envelope.FormatID(env.ID),
				"err", err,
			)
			return custody.Outcome{}, err
		}
		msg, err := timelock.ParseSudoMsg(env.Msg)
		if err != nil {
			return custody.Outcome{}, err
		}
		p.log.Info("sudo authorized",
			"instance", env.Instance,
			"action_id", envelope.FormatID(env.ID),
			"governor", signer,
		)
		return p.rt.Sudo(ctx, env.Instance, env.ID, msg)

	default:
		return custody.Outcome{}, fmt.Errorf("%w: unknown kind %q", envelope.ErrInvalidEnvelope, env.Kind)
	}
}

// HandleSettlement records the outcome an external executor reported for an instruction.
func (p *Processor) HandleSettlement(ctx context.Context, s dispatch.Settlement) error {
	switch s.Status {
	case dispatch.StatusSettled:
		return p.rt.SettleInstruction(ctx, s.Instance, s.Seq)
	case dispatch.StatusFailed:
		return p.rt.FailInstruction(ctx, s.Instance, s.Seq, s.Reason)
	default:
		return fmt.Errorf("%w: unknown status %q", dispatch.ErrInvalidMessage, s.Status)
	}
}

func (p *Processor) authenticateExecute(env envelope.Envelope) error {
	if len(env.Signature) == 0 {
		return fmt.Errorf("%w: unsigned execute envelope", timelock.ErrUnauthorized)
	}
	if err := p.senders.Verify(env.Sender, env.Digest(), env.Signature); err != nil {
		return fmt.Errorf("%w: %v", timelock.ErrUnauthorized, err)
	}
	return nil
}

func (p *Processor) authenticateSudo(env envelope.Envelope) (common.Address, error) {
	if p.gov == nil {
		return common.Address{}, fmt.Errorf("%w: governance is not configured", timelock.ErrUnauthorized)
	}
	signer, err := p.gov.Verify(env.Digest(), env.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", timelock.ErrUnauthorized, err)
	}
	return signer, nil
}

// Terminal reports whether err is a final answer for the envelope. Non-terminal errors come
// from storage or the bank and may succeed on retry.
func Terminal(err error) bool {
	if err == nil {
		return true
	}
	if timelock.Code(err) != "internal" {
		return true
	}
	return errors.Is(err, envelope.ErrInvalidEnvelope) ||
		errors.Is(err, envelope.ErrInvalidInstance) ||
		errors.Is(err, custody.ErrNotFound) ||
		errors.Is(err, custody.ErrInvalidInput) ||
		errors.Is(err, custody.ErrActionMismatch) ||
		errors.Is(err, custody.ErrAlreadyFinal) ||
		errors.Is(err, dispatch.ErrInvalidMessage)
}
