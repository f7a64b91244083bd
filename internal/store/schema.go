// schema.go - Postgres DDL for the transfer core tables.

package store

// Schema holds the idempotent DDL applied by Migrate. Tables are keyed by
// origin so one database serves every origin ledger.
const Schema = `
CREATE TABLE IF NOT EXISTS transfer_events (
    origin_id    INTEGER NOT NULL,
    event_index  BIGINT  NOT NULL,
    from_digest  BYTEA   NOT NULL,
    to_binding   BYTEA   NOT NULL,
    value        BIGINT  NOT NULL,
    origin_block BIGINT  NOT NULL,
    PRIMARY KEY (origin_id, event_index)
);

CREATE INDEX IF NOT EXISTS transfer_events_by_recipient
    ON transfer_events (origin_id, to_binding, event_index);

CREATE TABLE IF NOT EXISTS event_sync_state (
    origin_id                INTEGER PRIMARY KEY,
    contiguous_index         BIGINT NOT NULL,
    contiguous_block         BIGINT NOT NULL,
    last_synced_block        BIGINT NOT NULL,
    last_seen_contract_index BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS tree_heads (
    origin_id  INTEGER PRIMARY KEY,
    size       BIGINT NOT NULL,
    root       BYTEA  NOT NULL,
    hash_chain BYTEA  NOT NULL
);

CREATE TABLE IF NOT EXISTS merkle_nodes (
    origin_id        INTEGER NOT NULL,
    level            INTEGER NOT NULL,
    node_index       BIGINT  NOT NULL,
    hash             BYTEA   NOT NULL,
    updated_at_index BIGINT  NOT NULL,
    PRIMARY KEY (origin_id, level, node_index)
);

CREATE TABLE IF NOT EXISTS merkle_node_updates (
    seq        BIGSERIAL PRIMARY KEY,
    origin_id  INTEGER NOT NULL,
    tree_index BIGINT  NOT NULL,
    level      INTEGER NOT NULL,
    node_index BIGINT  NOT NULL,
    old_hash   BYTEA   NOT NULL,
    new_hash   BYTEA   NOT NULL
);

CREATE INDEX IF NOT EXISTS merkle_node_updates_by_node
    ON merkle_node_updates (origin_id, level, node_index, tree_index);

CREATE INDEX IF NOT EXISTS merkle_node_updates_by_range
    ON merkle_node_updates (origin_id, tree_index, seq);

CREATE TABLE IF NOT EXISTS merkle_snapshots (
    origin_id  INTEGER NOT NULL,
    tree_index BIGINT  NOT NULL,
    root       BYTEA   NOT NULL,
    hash_chain BYTEA   NOT NULL,
    PRIMARY KEY (origin_id, tree_index)
);

CREATE TABLE IF NOT EXISTS root_prover_state (
    origin_id                   INTEGER PRIMARY KEY,
    base_index                  BIGINT NOT NULL,
    last_compiled_index         BIGINT NOT NULL,
    last_submitted_index        BIGINT NOT NULL,
    pending_reserved_index      BIGINT,
    pending_reserved_hash_chain BYTEA
);

CREATE TABLE IF NOT EXISTS root_ivc_proofs (
    origin_id        INTEGER NOT NULL,
    start_index      BIGINT  NOT NULL,
    end_index        BIGINT  NOT NULL,
    step_count       BIGINT  NOT NULL,
    proof_bytes      BYTEA   NOT NULL,
    state_index      BIGINT  NOT NULL,
    state_hash_chain BYTEA   NOT NULL,
    state_root       BYTEA   NOT NULL,
    PRIMARY KEY (origin_id, end_index)
);

CREATE TABLE IF NOT EXISTS aggregation_snapshots (
    agg_seq      BIGINT    PRIMARY KEY,
    root         BYTEA     NOT NULL,
    origin_ids   INTEGER[] NOT NULL,
    leaves       BYTEA[]   NOT NULL,
    tree_indices BIGINT[]  NOT NULL
);

CREATE TABLE IF NOT EXISTS leases (
    key        TEXT PRIMARY KEY,
    holder     TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`
