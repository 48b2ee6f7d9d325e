package calllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"calltrail/internal/calls"

	"github.com/juju/clock"
)

// NOTE: This repository assumes the tables in Schema exist.
//
// Collapse rule: per column, the value of the most recent row that wrote it,
// ordered by written_at then seq (insertion order breaks ties).

// Repository is the Postgres-backed Store and DebugStore.
type Repository struct {
	db        *sql.DB
	clock     clock.Clock
	opTimeout time.Duration
}

func NewRepository(db *sql.DB, clk clock.Clock) *Repository {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Repository{db: db, clock: clk, opTimeout: 5 * time.Second}
}

var collapsedColumns = []string{
	"from_number",
	"to_number",
	"status",
	"duration",
	"start_time",
	"end_time",
	"direction",
	"user_id",
	"notes",
	"recording_sid",
	"recording_url",
}

// orderExprs keeps SQL ordering aligned with the in-memory comparator.
var orderExprs = map[string]string{
	"start_time":  "start_time",
	"end_time":    "end_time",
	"duration":    "COALESCE(duration, 0)",
	"status":      "NULLIF(status, '')",
	"from_number": "NULLIF(from_number, '')",
	"to_number":   "NULLIF(to_number, '')",
	"direction":   "NULLIF(direction, '')",
}

func collapsedSelect(where string) string {
	var b strings.Builder
	b.WriteString("SELECT call_sid")
	for _, col := range collapsedColumns {
		fmt.Fprintf(&b, ",\n  (array_agg(%[1]s ORDER BY written_at DESC, seq DESC) FILTER (WHERE %[1]s IS NOT NULL))[1] AS %[1]s", col)
	}
	b.WriteString(",\n  max(written_at) AS written_at\nFROM call_logs\n")
	if where != "" {
		b.WriteString("WHERE ")
		b.WriteString(where)
		b.WriteString("\n")
	}
	b.WriteString("GROUP BY call_sid")
	return b.String()
}

var selectList = "call_sid, " + strings.Join(collapsedColumns, ", ") + ", written_at"

func (r *Repository) Insert(ctx context.Context, row Row) error {
	if err := validateRow(row); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	const q = `
INSERT INTO call_logs (
  call_sid, from_number, to_number, status, duration, start_time, end_time,
  direction, user_id, notes, recording_sid, recording_url, written_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
`
	var status any
	if row.Status != nil {
		status = string(*row.Status)
	}
	_, err := r.db.ExecContext(ctx, q,
		row.CallSid,
		textArg(row.FromNumber),
		textArg(row.ToNumber),
		status,
		intArg(row.Duration),
		timeArg(row.StartTime),
		timeArg(row.EndTime),
		textArg(row.Direction),
		textArg(row.UserID),
		textArg(row.Notes),
		textArg(row.RecordingSid),
		textArg(row.RecordingURL),
		r.clock.Now().UTC(),
	)
	return storeErr("insert", err)
}

func (r *Repository) Latest(ctx context.Context, callSid string) (Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	q := collapsedSelect("call_sid = $1")
	a, err := scanAttempt(r.db.QueryRowContext(ctx, q, callSid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attempt{}, ErrNotFound
		}
		return Attempt{}, storeErr("latest", err)
	}
	return a, nil
}

func (r *Repository) Query(ctx context.Context, ownerID string, f Filter) ([]Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	q, args := buildQuery(ownerID, f)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("query", err)
	}
	defer rows.Close()

	out := []Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, storeErr("query scan", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query rows", err)
	}
	return out, nil
}

func (r *Repository) CountRows(ctx context.Context, callSid string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	var n int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM call_logs WHERE call_sid = $1`, callSid).Scan(&n)
	if err != nil {
		return 0, storeErr("count", err)
	}
	return n, nil
}

func (r *Repository) InsertDebugInfo(ctx context.Context, d DebugInfo) error {
	if err := validateDebugInfo(d); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.clock.Now().UTC()
	}
	// A duplicate reconciliation for the same call is a no-op.
	const q = `
INSERT INTO call_debug_info (
  call_sid, price, price_unit, direction, date_created, recordings, events, child_calls, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (call_sid) DO NOTHING
`
	_, err := r.db.ExecContext(ctx, q,
		d.CallSid,
		*d.Price,
		d.PriceUnit,
		d.Direction,
		timeArg(d.DateCreated),
		jsonArg(d.Recordings),
		jsonArg(d.Events),
		jsonArg(d.ChildCalls),
		d.CreatedAt.UTC(),
	)
	return storeErr("insert debug info", err)
}

func (r *Repository) DebugInfo(ctx context.Context, callSid string) (DebugInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	const q = `
SELECT call_sid, price::float8, price_unit, direction, date_created,
       recordings::text, events::text, child_calls::text, created_at
FROM call_debug_info
WHERE call_sid = $1
`
	var (
		d                          DebugInfo
		price                      float64
		dateCreated                sql.NullTime
		recordings, events, childs string
	)
	err := r.db.QueryRowContext(ctx, q, callSid).Scan(
		&d.CallSid,
		&price,
		&d.PriceUnit,
		&d.Direction,
		&dateCreated,
		&recordings,
		&events,
		&childs,
		&d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DebugInfo{}, ErrNotFound
		}
		return DebugInfo{}, storeErr("debug info", err)
	}
	d.Price = &price
	if dateCreated.Valid {
		t := dateCreated.Time.UTC()
		d.DateCreated = &t
	}
	d.Recordings = json.RawMessage(recordings)
	d.Events = json.RawMessage(events)
	d.ChildCalls = json.RawMessage(childs)
	return d, nil
}

// argList numbers positional parameters as they are added.
type argList struct {
	args []any
}

func (l *argList) add(v any) string {
	l.args = append(l.args, v)
	return fmt.Sprintf("$%d", len(l.args))
}

// buildQuery filters the collapsed view, never the raw rows. f must be normalized.
func buildQuery(ownerID string, f Filter) (string, []any) {
	var l argList
	owner := l.add(ownerID)

	// Pre-narrow to calls the owner ever wrote; the outer predicate still
	// checks the collapsed owner.
	inner := collapsedSelect(fmt.Sprintf("call_sid IN (SELECT call_sid FROM call_logs WHERE user_id = %s)", owner))

	conds := []string{"user_id = " + owner}
	if !f.From.IsZero() {
		conds = append(conds, "start_time >= "+l.add(f.From.UTC()))
	}
	if !f.To.IsZero() {
		conds = append(conds, "start_time <= "+l.add(f.To.UTC()))
	}
	if f.Phone != "" {
		p := l.add("%" + escapeLike(f.Phone) + "%")
		conds = append(conds, fmt.Sprintf("(from_number ILIKE %s OR to_number ILIKE %s)", p, p))
	}
	if f.Status != "" {
		conds = append(conds, "status = "+l.add(string(f.Status)))
	}
	if f.Direction != "" {
		conds = append(conds, "direction = "+l.add(f.Direction))
	}
	if f.Notes != "" {
		conds = append(conds, "notes ILIKE "+l.add("%"+escapeLike(f.Notes)+"%"))
	}

	order, ok := orderExprs[f.Sort]
	if !ok {
		order = orderExprs["start_time"]
	}
	dir := "DESC"
	if f.SortDirection == SortAsc {
		dir = "ASC"
	}

	q := fmt.Sprintf(`WITH collapsed AS (
%s
)
SELECT %s
FROM collapsed
WHERE %s
ORDER BY %s %s NULLS LAST, call_sid ASC
LIMIT %s OFFSET %s`,
		inner,
		selectList,
		strings.Join(conds, " AND "),
		order, dir,
		l.add(f.Limit), l.add(f.Offset()),
	)
	return q, l.args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s scanner) (Attempt, error) {
	var (
		a                                          Attempt
		from, to, status, direction, userID, notes sql.NullString
		recordingSid, recordingURL                 sql.NullString
		duration                                   sql.NullInt64
		start, end                                 sql.NullTime
	)
	if err := s.Scan(
		&a.CallSid,
		&from,
		&to,
		&status,
		&duration,
		&start,
		&end,
		&direction,
		&userID,
		&notes,
		&recordingSid,
		&recordingURL,
		&a.WrittenAt,
	); err != nil {
		return Attempt{}, err
	}
	a.FromNumber = from.String
	a.ToNumber = to.String
	a.Status = calls.Status(status.String)
	a.Duration = int(duration.Int64)
	if start.Valid {
		t := start.Time.UTC()
		a.StartTime = &t
	}
	if end.Valid {
		t := end.Time.UTC()
		a.EndTime = &t
	}
	a.Direction = direction.String
	a.UserID = userID.String
	a.Notes = notes.String
	a.RecordingSid = recordingSid.String
	a.RecordingURL = recordingURL.String
	a.WrittenAt = a.WrittenAt.UTC()
	return a, nil
}

func textArg(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func intArg(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func timeArg(p *time.Time) any {
	if p == nil || p.IsZero() {
		return nil
	}
	return p.UTC()
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return "[]"
	}
	return string(raw)
}
