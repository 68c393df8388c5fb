package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juno-intents/custody-timelock/internal/dispatch"
	"github.com/juno-intents/custody-timelock/internal/envelope"
	"github.com/juno-intents/custody-timelock/internal/queue"
	"github.com/juno-intents/custody-timelock/internal/timelock"
)

// Ticker is periodic background work, e.g. the outbox dispatcher.
type Ticker interface {
	Tick(ctx context.Context) (int, error)
}

// Leader gates work to a single replica.
type Leader interface {
	Tick(ctx context.Context) (bool, error)
	Leading() bool
	Resign(ctx context.Context) error
}

type ServiceConfig struct {
	TickInterval  time.Duration
	ActionTimeout time.Duration
	AckTimeout    time.Duration

	// MaxAttempts bounds in-process retries of an envelope that failed with a non-terminal
	// error. The message is acked afterwards either way.
	MaxAttempts int
	RetryDelay  time.Duration

	Logger *slog.Logger
}

// Service consumes action envelopes and settlement reports, and runs the dispatcher while this
// replica leads.
type Service struct {
	proc     *Processor
	consumer queue.Consumer
	dispatch Ticker
	leader   Leader
	cfg      ServiceConfig
	log      *slog.Logger
}

// NewService wires the loop. dispatch and leader are optional; without a leader the service
// always considers itself leading.
func NewService(proc *Processor, consumer queue.Consumer, dispatch Ticker, leader Leader, cfg ServiceConfig) (*Service, error) {
	if proc == nil {
		return nil, fmt.Errorf("%w: nil processor", ErrInvalidConfig)
	}
	if consumer == nil {
		return nil, fmt.Errorf("%w: nil consumer", ErrInvalidConfig)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay < 0 {
		return nil, fmt.Errorf("%w: negative retry delay", ErrInvalidConfig)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		proc:     proc,
		consumer: consumer,
		dispatch: dispatch,
		leader:   leader,
		cfg:      cfg,
		log:      log,
	}, nil
}

// Run blocks until ctx is done or the consumer's message channel closes. A follower does not
// read from the consumer, so unacked messages stay with the queue.
func (s *Service) Run(ctx context.Context) error {
	defer s.resign()

	s.tick(ctx)

	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()

	errCh := s.consumer.Errors()
	for {
		var msgCh <-chan queue.Message
		if s.leading() {
			msgCh = s.consumer.Messages()
		}

		select {
		case <-ctx.Done():
			s.log.Info("shutdown", "reason", ctx.Err())
			return nil
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				s.log.Error("queue consume error", "err", err)
			}
		case <-t.C:
			s.tick(ctx)
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Service) leading() bool {
	if s.leader == nil {
		return true
	}
	return s.leader.Leading()
}

func (s *Service) tick(ctx context.Context) {
	if s.leader != nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
		_, err := s.leader.Tick(cctx)
		cancel()
		if err != nil {
			s.log.Error("lease tick", "err", err)
		}
	}
	if s.dispatch == nil || !s.leading() {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
	n, err := s.dispatch.Tick(cctx)
	cancel()
	if err != nil {
		s.log.Error("dispatch tick", "err", err, "dispatched", n)
		return
	}
	if n > 0 {
		s.log.Debug("dispatch tick", "dispatched", n)
	}
}

func (s *Service) handle(ctx context.Context, msg queue.Message) {
	defer s.ack(msg)

	line := bytes.TrimSpace(msg.Value)
	if len(line) == 0 {
		return
	}

	if dispatch.PeekVersion(line) == dispatch.SettlementVersion {
		st, err := dispatch.ParseSettlement(line)
		if err != nil {
			s.log.Error("parse settlement", "topic", msg.Topic, "err", err)
			return
		}
		err = s.apply(ctx, []any{"instance", st.Instance, "seq", st.Seq, "status", st.Status}, func(ctx context.Context) error {
			return s.proc.HandleSettlement(ctx, st)
		})
		if err != nil && Terminal(err) {
			s.log.Warn("settlement rejected", "instance", st.Instance, "seq", st.Seq, "status", st.Status, "err", err)
		}
		return
	}

	env, err := envelope.Parse(line)
	if err != nil {
		s.log.Error("parse envelope", "topic", msg.Topic, "err", err)
		return
	}
	// Rejections are logged by the processor and the runtime.
	_ = s.apply(ctx, []any{"instance", env.Instance, "action_id", envelope.FormatID(env.ID)}, func(ctx context.Context) error {
		_, err := s.proc.Handle(ctx, env)
		return err
	})
}

// apply runs fn until it returns a terminal error or MaxAttempts is reached, and returns the
// last error.
func (s *Service) apply(ctx context.Context, attrs []any, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
		err := fn(cctx)
		cancel()
		if Terminal(err) {
			return err
		}
		if attempt >= s.cfg.MaxAttempts || ctx.Err() != nil {
			s.log.Error("message failed", append(attrs,
				"attempts", attempt,
				"code", timelock.Code(err),
				"err", err,
			)...)
			return err
		}
		s.log.Warn("message retry", append(attrs, "attempt", attempt, "err", err)...)
		if !sleepCtx(ctx, s.cfg.RetryDelay) {
			return err
		}
	}
}

func (s *Service) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		s.log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}

func (s *Service) resign() {
	if s.leader == nil || !s.leader.Leading() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AckTimeout)
	defer cancel()
	if err := s.leader.Resign(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("resign lease", "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
