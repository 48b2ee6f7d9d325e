package audit

import (
	"context"
	"database/sql"

	"calltrail/pkg/utils"
)

// Schema creates the journal table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS reconcile_events (
  id         UUID PRIMARY KEY,
  call_sid   TEXT NOT NULL,
  owner_id   TEXT NOT NULL DEFAULT '',
  type       TEXT NOT NULL,
  attempts   INTEGER NOT NULL DEFAULT 0,
  message    TEXT NOT NULL DEFAULT '',
  metadata   JSONB,
  created_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS reconcile_events_call_sid_idx ON reconcile_events (call_sid, created_at)`,
}

// PostgresRepo is the append-only Postgres journal.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func Migrate(ctx context.Context, db *sql.DB) error {
	return utils.Migrate(ctx, db, Schema...)
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO reconcile_events (
  id, call_sid, owner_id, type, attempts, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
	var metadata any
	if e.Metadata != "" {
		metadata = e.Metadata
	}
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.CallSid,
		e.OwnerID,
		string(e.Type),
		e.Attempts,
		e.Message,
		metadata,
		e.CreatedAt.UTC(),
	)
	return err
}

func (r *PostgresRepo) ListByCall(ctx context.Context, callSid string) ([]Event, error) {
	const q = `
SELECT id, call_sid, owner_id, type, attempts, message, COALESCE(metadata::text, ''), created_at
FROM reconcile_events
WHERE call_sid = $1
ORDER BY created_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, callSid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(
			&e.ID,
			&e.CallSid,
			&e.OwnerID,
			&typ,
			&e.Attempts,
			&e.Message,
			&e.Metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
