package calllog

import (
	"context"
	"database/sql"

	"calltrail/pkg/utils"
)

// Schema creates the call log tables.
//
// call_logs is append-only. NULL in a column means the row did not write it.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_logs (
  seq           BIGSERIAL PRIMARY KEY,
  call_sid      TEXT NOT NULL,
  from_number   TEXT,
  to_number     TEXT,
  status        TEXT,
  duration      INTEGER CHECK (duration >= 0),
  start_time    TIMESTAMP,
  end_time      TIMESTAMP,
  direction     TEXT,
  user_id       TEXT,
  notes         TEXT,
  recording_sid TEXT,
  recording_url TEXT,
  written_at    TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS call_logs_call_sid_idx ON call_logs (call_sid, written_at DESC, seq DESC)`,
	`CREATE INDEX IF NOT EXISTS call_logs_user_id_idx ON call_logs (user_id) WHERE user_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS call_debug_info (
  call_sid     TEXT PRIMARY KEY,
  price        NUMERIC NOT NULL,
  price_unit   TEXT NOT NULL DEFAULT '',
  direction    TEXT NOT NULL DEFAULT '',
  date_created TIMESTAMP,
  recordings   JSONB NOT NULL DEFAULT '[]',
  events       JSONB NOT NULL DEFAULT '[]',
  child_calls  JSONB NOT NULL DEFAULT '[]',
  created_at   TIMESTAMP NOT NULL
)`,
}

// Migrate applies Schema in one transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	return utils.Migrate(ctx, db, Schema...)
}
