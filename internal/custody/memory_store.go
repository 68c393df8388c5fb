package custody

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juno-intents/custody-timelock/internal/coin"
	"github.com/juno-intents/custody-timelock/internal/timelock"
)

// MemoryStore is a single-process Store. A single mutex serializes all instances.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	instances map[string]*instanceRec
	records   map[recordKey]*Record
	// undispatched keeps insertion order across instances. Entries that were dispatched or
	// failed since the last listing are dropped lazily.
	undispatched []*Record
}

type recordKey struct {
	instance string
	seq      uint64
}

type instanceRec struct {
	inst    Instance
	nextSeq uint64
	actions map[[32]byte]actionRec
	// outstanding holds records that are neither settled nor failed.
	outstanding map[uint64]*Record
}

type actionRec struct {
	action string
	state  timelock.WithdrawalState
	seq    uint64
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:       now,
		instances: make(map[string]*instanceRec),
		records:   make(map[recordKey]*Record),
	}
}

func (s *MemoryStore) Create(_ context.Context, inst Instance) error {
	if err := validateInstance(inst); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyInstantiated, inst.ID)
	}
	now := s.now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	s.instances[inst.ID] = &instanceRec{
		inst:        inst,
		nextSeq:     1,
		actions:     make(map[[32]byte]actionRec),
		outstanding: make(map[uint64]*Record),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[id]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return rec.inst, nil
}

func (s *MemoryStore) Apply(_ context.Context, id string, actionID [32]byte, action string, fn Transition) (Outcome, error) {
	if err := validateApply(id, actionID, action, fn); err != nil {
		return Outcome{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[id]
	if !ok {
		return Outcome{}, ErrNotFound
	}

	if prev, ok := rec.actions[actionID]; ok {
		if prev.action != action {
			return Outcome{}, fmt.Errorf("%w: recorded %s, got %s", ErrActionMismatch, prev.action, action)
		}
		out := Outcome{Instance: id, ActionID: actionID, Action: prev.action, State: prev.state, Replayed: true}
		if r, ok := s.records[recordKey{id, prev.seq}]; ok {
			cp := *r
			out.Record = &cp
		}
		return out, nil
	}

	outstanding, err := sumOutstanding(rec.outstanding)
	if err != nil {
		return Outcome{}, err
	}

	now := s.now().UTC()
	res, err := fn(rec.inst, now, outstanding)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Instance: id, ActionID: actionID, Action: action, State: res.State}
	var seq uint64
	if res.Instruction != nil {
		seq = rec.nextSeq
		rec.nextSeq++
		r := &Record{
			Instance:    id,
			Seq:         seq,
			ActionID:    actionID,
			Action:      action,
			Instruction: *res.Instruction,
			CreatedAt:   now,
		}
		s.records[recordKey{id, seq}] = r
		s.undispatched = append(s.undispatched, r)
		rec.outstanding[seq] = r
		cp := *r
		out.Record = &cp
	}
	rec.inst.State = res.State
	rec.inst.UpdatedAt = now
	rec.actions[actionID] = actionRec{action: action, state: res.State, seq: seq}
	return out, nil
}

func sumOutstanding(recs map[uint64]*Record) (coin.Amount, error) {
	var total coin.Amount
	for _, r := range recs {
		sum, err := total.Add(r.Instruction.Coin.Amount)
		if err != nil {
			return coin.Amount{}, fmt.Errorf("custody: outstanding outflow: %w", err)
		}
		total = sum
	}
	return total, nil
}

func (s *MemoryStore) ListUndispatched(_ context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.undispatched[:0]
	for _, r := range s.undispatched {
		if r.DispatchedAt.IsZero() && r.FailedAt.IsZero() {
			live = append(live, r)
		}
	}
	clear(s.undispatched[len(live):])
	s.undispatched = live

	n := min(limit, len(live))
	out := make([]Record, 0, n)
	for _, r := range live[:n] {
		out = append(out, *r)
	}
	return out, nil
}

func (s *MemoryStore) MarkDispatched(_ context.Context, instance string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[recordKey{instance, seq}]
	if !ok {
		return ErrNotFound
	}
	if r.DispatchedAt.IsZero() {
		r.DispatchedAt = s.now().UTC()
	}
	return nil
}

func (s *MemoryStore) MarkSettled(_ context.Context, instance string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[recordKey{instance, seq}]
	if !ok {
		return ErrNotFound
	}
	if !r.FailedAt.IsZero() {
		return fmt.Errorf("%w: %s seq %d failed", ErrAlreadyFinal, instance, seq)
	}
	if r.SettledAt.IsZero() {
		r.SettledAt = s.now().UTC()
		delete(s.instances[instance].outstanding, seq)
	}
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, instance string, seq uint64, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: missing failure reason", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[recordKey{instance, seq}]
	if !ok {
		return ErrNotFound
	}
	if !r.SettledAt.IsZero() {
		return fmt.Errorf("%w: %s seq %d settled", ErrAlreadyFinal, instance, seq)
	}
	if r.FailedAt.IsZero() {
		r.FailedAt = s.now().UTC()
		r.Failure = reason
		delete(s.instances[instance].outstanding, seq)
	}
	return nil
}
