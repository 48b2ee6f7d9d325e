package calllog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"calltrail/internal/calls"
)

const (
	DefaultLimit = 5
	MaxLimit     = 100

	SortAsc  = "asc"
	SortDesc = "desc"
)

// sortColumns maps accepted sort keys to collapsed column names.
var sortColumns = map[string]string{
	"start_time":  "start_time",
	"end_time":    "end_time",
	"duration":    "duration",
	"status":      "status",
	"from_number": "from_number",
	"to_number":   "to_number",
	"direction":   "direction",
}

// Filter selects collapsed rows for one owner.
//
// Every predicate applies to the collapsed view, never to raw rows.
type Filter struct {
	// From/To bound the collapsed start time, inclusive. Zero means unbounded.
	From time.Time
	To   time.Time

	// Phone matches a substring of either number.
	Phone     string
	Status    calls.Status
	Direction string
	Notes     string

	Page  int
	Limit int

	Sort          string
	SortDirection string
}

// Normalize applies paging and sort defaults. A From without a To is bounded
// by now.
func (f Filter) Normalize(now time.Time) (Filter, error) {
	out := f
	if out.Page <= 0 {
		out.Page = 1
	}
	if out.Limit <= 0 {
		out.Limit = DefaultLimit
	}
	if out.Limit > MaxLimit {
		out.Limit = MaxLimit
	}
	out.Phone = strings.TrimSpace(out.Phone)
	out.Notes = strings.TrimSpace(out.Notes)
	out.Direction = strings.TrimSpace(out.Direction)

	if out.Sort == "" {
		out.Sort = "start_time"
	}
	if _, ok := sortColumns[out.Sort]; !ok {
		return Filter{}, fmt.Errorf("%w: unsupported sort %q", ErrInvalidArgument, out.Sort)
	}
	switch strings.ToLower(out.SortDirection) {
	case "":
		out.SortDirection = SortDesc
	case SortAsc, SortDesc:
		out.SortDirection = strings.ToLower(out.SortDirection)
	default:
		return Filter{}, fmt.Errorf("%w: sort_direction must be asc or desc", ErrInvalidArgument)
	}

	if out.Status != "" && !out.Status.Valid() {
		return Filter{}, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, out.Status)
	}
	if !out.From.IsZero() && out.To.IsZero() {
		out.To = now
	}
	if !out.From.IsZero() && out.To.Before(out.From) {
		return Filter{}, fmt.Errorf("%w: from must not be after to", ErrInvalidArgument)
	}
	return out, nil
}

func (f Filter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// matches evaluates the predicates against a collapsed row.
func (f Filter) matches(ownerID string, a Attempt) bool {
	if a.UserID != ownerID {
		return false
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		if a.StartTime == nil {
			return false
		}
		if !f.From.IsZero() && a.StartTime.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && a.StartTime.After(f.To) {
			return false
		}
	}
	if f.Phone != "" && !containsFold(a.FromNumber, f.Phone) && !containsFold(a.ToNumber, f.Phone) {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Direction != "" && a.Direction != f.Direction {
		return false
	}
	if f.Notes != "" && !containsFold(a.Notes, f.Notes) {
		return false
	}
	return true
}

// sortAttempts orders rows the same way the SQL query does: missing values
// last regardless of direction, call_sid as the final tiebreak.
func (f Filter) sortAttempts(rows []Attempt) {
	desc := f.SortDirection == SortDesc
	sort.SliceStable(rows, func(i, j int) bool {
		c, iNull, jNull := compareColumn(f.Sort, rows[i], rows[j])
		switch {
		case iNull && jNull:
			return rows[i].CallSid < rows[j].CallSid
		case iNull:
			return false
		case jNull:
			return true
		case c == 0:
			return rows[i].CallSid < rows[j].CallSid
		case desc:
			return c > 0
		default:
			return c < 0
		}
	})
}

func compareColumn(col string, a, b Attempt) (int, bool, bool) {
	switch col {
	case "start_time":
		return compareTimes(a.StartTime, b.StartTime)
	case "end_time":
		return compareTimes(a.EndTime, b.EndTime)
	case "duration":
		return a.Duration - b.Duration, false, false
	case "status":
		return strings.Compare(string(a.Status), string(b.Status)), a.Status == "", b.Status == ""
	case "from_number":
		return strings.Compare(a.FromNumber, b.FromNumber), a.FromNumber == "", b.FromNumber == ""
	case "to_number":
		return strings.Compare(a.ToNumber, b.ToNumber), a.ToNumber == "", b.ToNumber == ""
	case "direction":
		return strings.Compare(a.Direction, b.Direction), a.Direction == "", b.Direction == ""
	}
	return 0, false, false
}

func compareTimes(a, b *time.Time) (int, bool, bool) {
	if a == nil || b == nil {
		return 0, a == nil, b == nil
	}
	return a.Compare(*b), false, false
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// escapeLike escapes LIKE metacharacters so user input matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
