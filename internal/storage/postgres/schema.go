package postgres

import "github.com/steveyegge/claims/internal/storage/sqlq"

var schema = `
-- Event log (system of record)
CREATE TABLE IF NOT EXISTS events (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    version INTEGER NOT NULL CHECK(version >= 1),
    type TEXT NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    payload BYTEA NOT NULL,
    codec TEXT NOT NULL DEFAULT 'json',
    UNIQUE (aggregate_id, version),
    UNIQUE (aggregate_id, id)
);

CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);

-- Snapshots (one per aggregate, newest wins)
CREATE TABLE IF NOT EXISTS snapshots (
    aggregate_id TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    state BYTEA NOT NULL,
    encoding TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

-- Claim view (rebuildable from events)
CREATE TABLE IF NOT EXISTS claims (
    id TEXT PRIMARY KEY,
    issue_id TEXT NOT NULL,
    repository TEXT NOT NULL DEFAULT '',
    claimant_id TEXT NOT NULL,
    claimant_type TEXT NOT NULL CHECK(claimant_type IN ('human', 'agent')),
    status TEXT NOT NULL,
    progress DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK(progress >= 0 AND progress <= 1),
    claimed_at TIMESTAMPTZ NOT NULL,
    last_activity_at TIMESTAMPTZ NOT NULL,
    steal_types TEXT NOT NULL DEFAULT '',
    contested BOOLEAN NOT NULL DEFAULT FALSE,
    version INTEGER NOT NULL,
    data JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_claimant ON claims(claimant_id);
CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status);
CREATE INDEX IF NOT EXISTS idx_claims_last_activity ON claims(last_activity_at);

-- At most one active-family claim per (issue, repository)
CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_active_issue ON claims(issue_id, repository)
    WHERE status IN (` + sqlq.ActiveStatusList() + `);
`
