// Package sqlq builds the claim and event queries shared by the SQL
// backends. Queries are written with ? placeholders and rebound for
// dialects that number their parameters.
package sqlq

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	Name string
	// Numbered dialects use $1, $2... instead of ?
	Numbered bool
	// NoLimit is the LIMIT value meaning "unbounded", needed before OFFSET
	NoLimit string
	// IDOrder is the tiebreak expression; byte order on every backend
	IDOrder string
	// DurationNanos averages last_activity_at - claimed_at in nanoseconds
	DurationNanos string
	// Time converts a timestamp to the column representation
	Time func(time.Time) any
	// JSON converts encoded JSON to the data column representation
	JSON func([]byte) any
}

// SQLite stores timestamps as unix nanoseconds so range filters compare
// integers.
var SQLite = Dialect{
	Name:          "sqlite",
	NoLimit:       "-1",
	IDOrder:       "id",
	DurationNanos: "COALESCE(AVG(last_activity_at - claimed_at), 0)",
	Time:          func(t time.Time) any { return t.UnixNano() },
	JSON:          func(b []byte) any { return string(b) },
}

// Postgres stores timestamps as TIMESTAMPTZ and claim data as JSONB.
var Postgres = Dialect{
	Name:          "postgres",
	Numbered:      true,
	NoLimit:       "ALL",
	IDOrder:       `id COLLATE "C"`,
	DurationNanos: "COALESCE(AVG(EXTRACT(EPOCH FROM (last_activity_at - claimed_at)) * 1000000000), 0)::float8",
	Time:          func(t time.Time) any { return t.UTC() },
	JSON:          func(b []byte) any { return json.RawMessage(b) },
}

// Rebind rewrites ? placeholders for numbered dialects.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Select accumulates a SELECT statement.
type Select struct {
	d       Dialect
	cols    string
	from    string
	where   []string
	args    []any
	orderBy []string
	offset  int
	limit   int
	empty   bool
}

// NewSelect starts a SELECT of cols from a table.
func NewSelect(d Dialect, cols, from string) *Select {
	return &Select{d: d, cols: cols, from: from}
}

// Where adds a condition; conditions are ANDed.
func (s *Select) Where(cond string, args ...any) *Select {
	s.where = append(s.where, cond)
	s.args = append(s.args, args...)
	return s
}

// WhereIn adds col IN (...). An empty value set matches nothing.
func (s *Select) WhereIn(col string, vals []string) *Select {
	if len(vals) == 0 {
		s.empty = true
		return s
	}
	marks := make([]string, len(vals))
	for i, v := range vals {
		marks[i] = "?"
		s.args = append(s.args, v)
	}
	s.where = append(s.where, col+" IN ("+strings.Join(marks, ", ")+")")
	return s
}

// OrderBy appends ORDER BY terms.
func (s *Select) OrderBy(terms ...string) *Select {
	s.orderBy = append(s.orderBy, terms...)
	return s
}

// Page sets OFFSET and LIMIT; a zero limit is unbounded.
func (s *Select) Page(offset, limit int) *Select {
	s.offset, s.limit = offset, limit
	return s
}

// Build renders the statement in the dialect.
func (s *Select) Build() (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(s.cols)
	b.WriteString(" FROM ")
	b.WriteString(s.from)

	where := s.where
	if s.empty {
		where = append([]string{"1 = 0"}, where...)
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if len(s.orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(s.orderBy, ", "))
	}
	switch {
	case s.limit > 0:
		b.WriteString(" LIMIT " + strconv.Itoa(s.limit))
	case s.offset > 0:
		b.WriteString(" LIMIT " + s.d.NoLimit)
	}
	if s.offset > 0 {
		b.WriteString(" OFFSET " + strconv.Itoa(s.offset))
	}
	return s.d.Rebind(b.String()), s.args
}
