// Package dispatch relays outbox instructions to the instruction topic, optionally executes
// them against a local ledger, and archives a receipt per instruction.
//
// With a local Executor, each record is executed and settled before it is published, and the
// ledger dedupes on InstructionRef so a retry after a crash does not apply it twice. An
// execution the ledger rejects marks the record failed, which releases its amount and lets
// later records proceed. Without an Executor, downstream executors report the outcome with a
// Settlement message.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/juno-intents/custody-timelock/internal/blobstore"
	"github.com/juno-intents/custody-timelock/internal/custody"
	"github.com/juno-intents/custody-timelock/internal/queue"
	"github.com/juno-intents/custody-timelock/internal/timelock"
)

var ErrInvalidConfig = errors.New("dispatch: invalid config")

type Outbox interface {
	Get(ctx context.Context, id string) (custody.Instance, error)
	ListUndispatched(ctx context.Context, limit int) ([]custody.Record, error)
	MarkDispatched(ctx context.Context, instance string, seq uint64) error
	MarkSettled(ctx context.Context, instance string, seq uint64) error
	MarkFailed(ctx context.Context, instance string, seq uint64, reason string) error
}

// Executor applies an instruction to the instance's custody account. Executing the same ref
// twice must apply it once.
type Executor interface {
	Execute(ctx context.Context, account, ref string, ins timelock.Instruction) error
}

// InstructionRef names an outbox record for executors.
func InstructionRef(instance string, seq uint64) string {
	return fmt.Sprintf("%s/%d", instance, seq)
}

type Config struct {
	Topic     string
	BatchSize int

	// Receipts is optional.
	Receipts blobstore.Store
	// Executor is optional; set it only where this process owns the ledger.
	Executor Executor

	Now    func() time.Time
	Logger *slog.Logger
}

type Dispatcher struct {
	outbox   Outbox
	producer queue.Producer
	topic    string
	batch    int
	receipts blobstore.Store
	exec     Executor
	now      func() time.Time
	log      *slog.Logger
}

func New(outbox Outbox, producer queue.Producer, cfg Config) (*Dispatcher, error) {
	if outbox == nil {
		return nil, fmt.Errorf("%w: nil outbox", ErrInvalidConfig)
	}
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: missing topic", ErrInvalidConfig)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		outbox:   outbox,
		producer: producer,
		topic:    topic,
		batch:    batch,
		receipts: cfg.Receipts,
		exec:     cfg.Executor,
		now:      nowFn,
		log:      log,
	}, nil
}

// Tick relays up to one batch and returns how many records were dispatched or marked failed.
// It stops at the first transient failure so per-instance order is preserved; that record is
// retried on the next Tick. Delivery is at-least-once.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	recs, err := d.outbox.ListUndispatched(ctx, d.batch)
	if err != nil {
		return 0, fmt.Errorf("dispatch: list outbox: %w", err)
	}
	n := 0
	for _, r := range recs {
		if err := d.relay(ctx, r); err != nil {
			return n, fmt.Errorf("dispatch: %s seq %d: %w", r.Instance, r.Seq, err)
		}
		n++
	}
	return n, nil
}

func (d *Dispatcher) relay(ctx context.Context, r custody.Record) error {
	key := ReceiptKey(r.Instance, r.Seq)
	if d.receipts != nil {
		done, err := d.receipts.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("check receipt: %w", err)
		}
		if done {
			// Receipts are written after settlement.
			if d.exec != nil {
				if err := d.outbox.MarkSettled(ctx, r.Instance, r.Seq); err != nil && !errors.Is(err, custody.ErrAlreadyFinal) {
					return fmt.Errorf("mark settled: %w", err)
				}
			}
			return d.outbox.MarkDispatched(ctx, r.Instance, r.Seq)
		}
	}

	msg := NewMessage(r)
	executed := false
	if d.exec != nil {
		if r.SettledAt.IsZero() {
			inst, err := d.outbox.Get(ctx, r.Instance)
			if err != nil {
				return fmt.Errorf("load instance: %w", err)
			}
			if err := d.exec.Execute(ctx, inst.Account, InstructionRef(r.Instance, r.Seq), r.Instruction); err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return fmt.Errorf("execute: %w", err)
				}
				return d.fail(ctx, r, msg, err)
			}
			if err := d.outbox.MarkSettled(ctx, r.Instance, r.Seq); err != nil {
				return fmt.Errorf("mark settled: %w", err)
			}
		}
		executed = true
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal instruction: %w", err)
	}
	if err := d.producer.Publish(ctx, d.topic, []byte(r.Instance), payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	if err := d.archive(ctx, key, Receipt{
		Version:      ReceiptVersion,
		Instruction:  msg,
		Topic:        d.topic,
		Executed:     executed,
		DispatchedAt: d.now().UTC(),
	}); err != nil {
		return err
	}

	if err := d.outbox.MarkDispatched(ctx, r.Instance, r.Seq); err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	d.log.Info("instruction dispatched",
		"instance", r.Instance,
		"seq", r.Seq,
		"action_id", msg.ActionID,
		"instruction", r.Instruction.String(),
		"executed", executed,
	)
	return nil
}

// fail parks a record the executor rejected. It is not published.
func (d *Dispatcher) fail(ctx context.Context, r custody.Record, msg Message, cause error) error {
	reason := cause.Error()
	if err := d.outbox.MarkFailed(ctx, r.Instance, r.Seq, reason); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if err := d.archive(ctx, ReceiptKey(r.Instance, r.Seq), Receipt{
		Version:      ReceiptVersion,
		Instruction:  msg,
		Topic:        d.topic,
		Failure:      reason,
		DispatchedAt: d.now().UTC(),
	}); err != nil {
		return err
	}
	d.log.Warn("instruction failed",
		"instance", r.Instance,
		"seq", r.Seq,
		"action_id", msg.ActionID,
		"instruction", r.Instruction.String(),
		"err", cause,
	)
	return nil
}

func (d *Dispatcher) archive(ctx context.Context, key string, rc Receipt) error {
	if d.receipts == nil {
		return nil
	}
	b, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	if err := d.receipts.Create(ctx, key, b, "application/json"); err != nil && !errors.Is(err, blobstore.ErrExists) {
		return fmt.Errorf("archive receipt: %w", err)
	}
	return nil
}
