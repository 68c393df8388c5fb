package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/custody-timelock/internal/coin"
	"github.com/juno-intents/custody-timelock/internal/custody"
	"github.com/juno-intents/custody-timelock/internal/timelock"
)

var ErrInvalidConfig = errors.New("custody/postgres: invalid config")

var _ custody.Store = (*Store)(nil)

// Store persists instances, the instruction outbox and the applied-action log. Apply holds a
// row lock on the instance for the whole transition.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func New(pool *pgxpool.Pool, now func() time.Time) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &Store{pool: pool, now: now}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("custody/postgres: ensure schema: %w", err)
	}
	return nil
}

// timestamptz keeps microseconds.
func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Store) Create(ctx context.Context, inst custody.Instance) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if inst.ID == "" || inst.Account == "" || inst.Authority == "" {
		return fmt.Errorf("%w: missing instance id, account or authority", custody.ErrInvalidInput)
	}
	if err := inst.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", custody.ErrInvalidInput, err)
	}

	now := s.clock()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO timelock_instances (
			instance, withdraw_address, withdraw_delay_seconds, denom, account, authority,
			ready_time, next_seq, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,1,$8,$8)
		ON CONFLICT (instance) DO NOTHING
	`,
		inst.ID,
		inst.Config.WithdrawAddress,
		int64(inst.Config.WithdrawDelay/time.Second),
		inst.Config.Denom,
		inst.Account,
		inst.Authority,
		readyTimeParam(inst.State),
		now,
	)
	if err != nil {
		return fmt.Errorf("custody/postgres: insert instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", custody.ErrAlreadyInstantiated, inst.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (custody.Instance, error) {
	if s == nil || s.pool == nil {
		return custody.Instance{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	inst, _, err := scanInstance(s.pool.QueryRow(ctx, selectInstanceSQL+` WHERE instance = $1`, id))
	return inst, err
}

const selectInstanceSQL = `
	SELECT instance, withdraw_address, withdraw_delay_seconds, denom, account, authority,
		ready_time, next_seq, created_at, updated_at
	FROM timelock_instances`

func scanInstance(row pgx.Row) (custody.Instance, int64, error) {
	var (
		inst      custody.Instance
		delaySecs int64
		readyTime *time.Time
		nextSeq   int64
	)
	err := row.Scan(
		&inst.ID,
		&inst.Config.WithdrawAddress,
		&delaySecs,
		&inst.Config.Denom,
		&inst.Account,
		&inst.Authority,
		&readyTime,
		&nextSeq,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return custody.Instance{}, 0, custody.ErrNotFound
		}
		return custody.Instance{}, 0, fmt.Errorf("custody/postgres: scan instance: %w", err)
	}
	inst.Config.WithdrawDelay = time.Duration(delaySecs) * time.Second
	if readyTime != nil {
		inst.State = timelock.WithdrawalStarted(*readyTime)
	} else {
		inst.State = timelock.NoWithdrawal()
	}
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	return inst, nextSeq, nil
}

func (s *Store) Apply(ctx context.Context, id string, actionID [32]byte, action string, fn custody.Transition) (custody.Outcome, error) {
	if s == nil || s.pool == nil {
		return custody.Outcome{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if id == "" || action == "" || fn == nil || actionID == ([32]byte{}) {
		return custody.Outcome{}, fmt.Errorf("%w: instance, action id, action and transition are required", custody.ErrInvalidInput)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return custody.Outcome{}, fmt.Errorf("custody/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inst, nextSeq, err := scanInstance(tx.QueryRow(ctx, selectInstanceSQL+` WHERE instance = $1 FOR UPDATE`, id))
	if err != nil {
		return custody.Outcome{}, err
	}

	var (
		prevAction string
		prevReady  *time.Time
		prevSeq    *int64
	)
	err = tx.QueryRow(ctx, `
		SELECT action, ready_time, instruction_seq
		FROM timelock_actions
		WHERE instance = $1 AND action_id = $2
	`, id, actionID[:]).Scan(&prevAction, &prevReady, &prevSeq)
	switch {
	case err == nil:
		if prevAction != action {
			return custody.Outcome{}, fmt.Errorf("%w: recorded %s, got %s", custody.ErrActionMismatch, prevAction, action)
		}
		out := custody.Outcome{Instance: id, ActionID: actionID, Action: prevAction, Replayed: true}
		if prevReady != nil {
			out.State = timelock.WithdrawalStarted(*prevReady)
		}
		if prevSeq != nil {
			rec, err := scanRecord(tx.QueryRow(ctx, selectRecordSQL+` WHERE instance = $1 AND seq = $2`, id, *prevSeq))
			if err != nil {
				return custody.Outcome{}, err
			}
			out.Record = &rec
		}
		return out, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return custody.Outcome{}, fmt.Errorf("custody/postgres: lookup action: %w", err)
	}

	var outstandingText string
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text
		FROM timelock_instructions
		WHERE instance = $1 AND settled_at IS NULL AND failed_at IS NULL
	`, id).Scan(&outstandingText); err != nil {
		return custody.Outcome{}, fmt.Errorf("custody/postgres: sum outstanding: %w", err)
	}
	outstanding, err := coin.ParseAmount(outstandingText)
	if err != nil {
		return custody.Outcome{}, fmt.Errorf("custody/postgres: outstanding outflow: %w", err)
	}

	now := s.clock()
	res, err := fn(inst, now, outstanding)
	if err != nil {
		return custody.Outcome{}, err
	}

	out := custody.Outcome{Instance: id, ActionID: actionID, Action: action, State: res.State}
	var seq *int64
	if res.Instruction != nil {
		n := nextSeq
		seq = &n
		ins := *res.Instruction
		_, err = tx.Exec(ctx, `
			INSERT INTO timelock_instructions (
				instance, seq, action_id, action, kind, recipient, denom, amount, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9)
		`, id, n, actionID[:], action, ins.Kind.String(), ins.Recipient, ins.Coin.Denom, ins.Coin.Amount.String(), now)
		if err != nil {
			return custody.Outcome{}, fmt.Errorf("custody/postgres: insert instruction: %w", err)
		}
		nextSeq++
		out.Record = &custody.Record{
			Instance:    id,
			Seq:         uint64(n),
			ActionID:    actionID,
			Action:      action,
			Instruction: ins,
			CreatedAt:   now,
		}
	}

	ready := readyTimeParam(res.State)
	if _, err := tx.Exec(ctx, `
		UPDATE timelock_instances
		SET ready_time = $2, next_seq = $3, updated_at = $4
		WHERE instance = $1
	`, id, ready, nextSeq, now); err != nil {
		return custody.Outcome{}, fmt.Errorf("custody/postgres: update instance: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO timelock_actions (instance, action_id, action, ready_time, instruction_seq, applied_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, id, actionID[:], action, ready, seq, now); err != nil {
		return custody.Outcome{}, fmt.Errorf("custody/postgres: insert action: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return custody.Outcome{}, fmt.Errorf("custody/postgres: commit: %w", err)
	}
	return out, nil
}

const selectRecordSQL = `
	SELECT instance, seq, action_id, action, kind, recipient, denom, amount::text, created_at,
		dispatched_at, settled_at, failed_at, failure
	FROM timelock_instructions`

func scanRecord(row pgx.Row) (custody.Record, error) {
	var (
		r          custody.Record
		seq        int64
		actionID   []byte
		kind       string
		recipient  string
		denom      string
		amount     string
		dispatched *time.Time
		settled    *time.Time
		failed     *time.Time
	)
	if err := row.Scan(&r.Instance, &seq, &actionID, &r.Action, &kind, &recipient, &denom, &amount, &r.CreatedAt, &dispatched, &settled, &failed, &r.Failure); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return custody.Record{}, custody.ErrNotFound
		}
		return custody.Record{}, fmt.Errorf("custody/postgres: scan instruction: %w", err)
	}
	if len(actionID) != 32 {
		return custody.Record{}, fmt.Errorf("custody/postgres: invalid action id length %d", len(actionID))
	}
	k, err := timelock.ParseInstructionKind(kind)
	if err != nil {
		return custody.Record{}, fmt.Errorf("custody/postgres: %w", err)
	}
	amt, err := coin.ParseAmount(amount)
	if err != nil {
		return custody.Record{}, fmt.Errorf("custody/postgres: parse amount: %w", err)
	}

	r.Seq = uint64(seq)
	copy(r.ActionID[:], actionID)
	r.Instruction = timelock.Instruction{Kind: k, Recipient: recipient, Coin: coin.New(denom, amt)}
	r.CreatedAt = r.CreatedAt.UTC()
	if dispatched != nil {
		r.DispatchedAt = dispatched.UTC()
	}
	if settled != nil {
		r.SettledAt = settled.UTC()
	}
	if failed != nil {
		r.FailedAt = failed.UTC()
	}
	return r, nil
}

func (s *Store) ListUndispatched(ctx context.Context, limit int) ([]custody.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", custody.ErrInvalidInput)
	}

	rows, err := s.pool.Query(ctx, selectRecordSQL+`
		WHERE dispatched_at IS NULL AND failed_at IS NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("custody/postgres: list undispatched: %w", err)
	}
	defer rows.Close()

	var out []custody.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("custody/postgres: list undispatched: %w", err)
	}
	return out, nil
}

func (s *Store) MarkDispatched(ctx context.Context, instance string, seq uint64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE timelock_instructions
		SET dispatched_at = COALESCE(dispatched_at, $3)
		WHERE instance = $1 AND seq = $2
	`, instance, int64(seq), s.clock())
	if err != nil {
		return fmt.Errorf("custody/postgres: mark dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return custody.ErrNotFound
	}
	return nil
}

func (s *Store) MarkSettled(ctx context.Context, instance string, seq uint64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var failed bool
	err := s.pool.QueryRow(ctx, `
		UPDATE timelock_instructions
		SET settled_at = COALESCE(settled_at, CASE WHEN failed_at IS NULL THEN $3::timestamptz END)
		WHERE instance = $1 AND seq = $2
		RETURNING failed_at IS NOT NULL
	`, instance, int64(seq), s.clock()).Scan(&failed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return custody.ErrNotFound
		}
		return fmt.Errorf("custody/postgres: mark settled: %w", err)
	}
	if failed {
		return fmt.Errorf("%w: %s seq %d failed", custody.ErrAlreadyFinal, instance, seq)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, instance string, seq uint64, reason string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: missing failure reason", custody.ErrInvalidInput)
	}
	var settled bool
	err := s.pool.QueryRow(ctx, `
		UPDATE timelock_instructions
		SET failed_at = CASE WHEN failed_at IS NULL AND settled_at IS NULL THEN $3::timestamptz ELSE failed_at END,
			failure = CASE WHEN failed_at IS NULL AND settled_at IS NULL THEN $4 ELSE failure END
		WHERE instance = $1 AND seq = $2
		RETURNING settled_at IS NOT NULL
	`, instance, int64(seq), s.clock(), reason).Scan(&settled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return custody.ErrNotFound
		}
		return fmt.Errorf("custody/postgres: mark failed: %w", err)
	}
	if settled {
		return fmt.Errorf("%w: %s seq %d settled", custody.ErrAlreadyFinal, instance, seq)
	}
	return nil
}

func readyTimeParam(st timelock.WithdrawalState) *time.Time {
	t, ok := st.ReadyTime()
	if !ok {
		return nil
	}
	return &t
}
