package sqlite

import (
	"github.com/steveyegge/claims/internal/storage/migrations"
	"github.com/steveyegge/claims/internal/storage/sqlq"
)

// Timestamps are INTEGER unix nanoseconds.
var schemaMigrations = []migrations.Migration{
	{
		Version:     1,
		Description: "event log and snapshots",
		Up:          eventSchema,
		Down:        "DROP TABLE snapshots; DROP TABLE events;",
	},
	{
		Version:     2,
		Description: "claim view",
		Up:          claimSchema,
		Down:        "DROP TABLE claims;",
	},
}

const eventSchema = `
-- Event log (system of record)
CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    version INTEGER NOT NULL CHECK(version >= 1),
    type TEXT NOT NULL,
    ts INTEGER NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    payload BLOB NOT NULL,
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
    state BLOB NOT NULL,
    encoding TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
`

var claimSchema = `
-- Claim view (rebuildable from events)
CREATE TABLE IF NOT EXISTS claims (
    id TEXT PRIMARY KEY,
    issue_id TEXT NOT NULL,
    repository TEXT NOT NULL DEFAULT '',
    claimant_id TEXT NOT NULL,
    claimant_type TEXT NOT NULL CHECK(claimant_type IN ('human', 'agent')),
    status TEXT NOT NULL,
    progress REAL NOT NULL DEFAULT 0 CHECK(progress >= 0 AND progress <= 1),
    claimed_at INTEGER NOT NULL,
    last_activity_at INTEGER NOT NULL,
    steal_types TEXT NOT NULL DEFAULT '',
    contested INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL,
    data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_claimant ON claims(claimant_id);
CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status);
CREATE INDEX IF NOT EXISTS idx_claims_last_activity ON claims(last_activity_at);

-- At most one active-family claim per (issue, repository)
CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_active_issue ON claims(issue_id, repository)
    WHERE status IN (` + sqlq.ActiveStatusList() + `);
`
