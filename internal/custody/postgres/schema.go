package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS timelock_instances (
	instance TEXT PRIMARY KEY,
	withdraw_address TEXT NOT NULL,
	withdraw_delay_seconds BIGINT NOT NULL CHECK (withdraw_delay_seconds >= 0),
	denom TEXT NOT NULL,
	account TEXT NOT NULL,
	authority TEXT NOT NULL,

	-- NULL means no withdrawal started.
	ready_time TIMESTAMPTZ NULL,

	next_seq BIGINT NOT NULL DEFAULT 1,

	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS timelock_instructions (
	id BIGSERIAL UNIQUE,
	instance TEXT NOT NULL REFERENCES timelock_instances (instance),
	seq BIGINT NOT NULL,
	action_id BYTEA NOT NULL CHECK (octet_length(action_id) = 32),
	action TEXT NOT NULL,
	kind TEXT NOT NULL,
	recipient TEXT NOT NULL DEFAULT '',
	denom TEXT NOT NULL,
	amount NUMERIC(39,0) NOT NULL CHECK (amount >= 0),
	created_at TIMESTAMPTZ NOT NULL,
	dispatched_at TIMESTAMPTZ NULL,
	settled_at TIMESTAMPTZ NULL,
	failed_at TIMESTAMPTZ NULL,
	failure TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (instance, seq),
	CHECK (settled_at IS NULL OR failed_at IS NULL)
);

ALTER TABLE timelock_instructions ADD COLUMN IF NOT EXISTS settled_at TIMESTAMPTZ NULL;
ALTER TABLE timelock_instructions ADD COLUMN IF NOT EXISTS failed_at TIMESTAMPTZ NULL;
ALTER TABLE timelock_instructions ADD COLUMN IF NOT EXISTS failure TEXT NOT NULL DEFAULT '';

DROP INDEX IF EXISTS timelock_instructions_undispatched_idx;
CREATE INDEX IF NOT EXISTS timelock_instructions_relay_idx
	ON timelock_instructions (id) WHERE dispatched_at IS NULL AND failed_at IS NULL;

-- Outflows committed by Apply that the bank has not yet confirmed or rejected.
CREATE INDEX IF NOT EXISTS timelock_instructions_outstanding_idx
	ON timelock_instructions (instance) WHERE settled_at IS NULL AND failed_at IS NULL;

CREATE TABLE IF NOT EXISTS timelock_actions (
	instance TEXT NOT NULL REFERENCES timelock_instances (instance),
	action_id BYTEA NOT NULL CHECK (octet_length(action_id) = 32),
	action TEXT NOT NULL,
	ready_time TIMESTAMPTZ NULL,
	instruction_seq BIGINT NULL,
	applied_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (instance, action_id)
);
`
