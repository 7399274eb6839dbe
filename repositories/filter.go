package repositories

import (
	"fmt"
	"strings"
	"time"
)

// Placeholder renders the n-th (1-based) bind parameter for a SQL dialect.
type Placeholder func(n int) string

// DollarPlaceholder renders PostgreSQL style $n parameters.
func DollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// QuestionPlaceholder renders SQLite style ? parameters.
func QuestionPlaceholder(int) string { return "?" }

// WhereBuilder accumulates AND-ed conditions and their arguments.
type WhereBuilder struct {
	ph    Placeholder
	conds []string
	args  []interface{}
	// TimeArg converts a time bound to the column's storage type.
	TimeArg func(time.Time) interface{}
}

// NewWhereBuilder creates a builder for the given dialect.
func NewWhereBuilder(ph Placeholder, timeArg func(time.Time) interface{}) *WhereBuilder {
	if timeArg == nil {
		timeArg = func(t time.Time) interface{} { return t.UTC() }
	}
	return &WhereBuilder{ph: ph, TimeArg: timeArg}
}

// Eq adds "column = value" when value is non-empty.
func (b *WhereBuilder) Eq(column, value string) *WhereBuilder {
	if value == "" {
		return b
	}
	b.args = append(b.args, value)
	b.conds = append(b.conds, fmt.Sprintf("%s = %s", column, b.ph(len(b.args))))
	return b
}

// Cond adds a literal condition with no bind arguments.
func (b *WhereBuilder) Cond(sql string) *WhereBuilder {
	b.conds = append(b.conds, sql)
	return b
}

// Since adds "column >= t" when t is set.
func (b *WhereBuilder) Since(column string, t *time.Time) *WhereBuilder {
	if t == nil {
		return b
	}
	b.args = append(b.args, b.TimeArg(*t))
	b.conds = append(b.conds, fmt.Sprintf("%s >= %s", column, b.ph(len(b.args))))
	return b
}

// Before adds "column < t" when t is set.
func (b *WhereBuilder) Before(column string, t *time.Time) *WhereBuilder {
	if t == nil {
		return b
	}
	b.args = append(b.args, b.TimeArg(*t))
	b.conds = append(b.conds, fmt.Sprintf("%s < %s", column, b.ph(len(b.args))))
	return b
}

// Clause returns " WHERE ..." or an empty string.
func (b *WhereBuilder) Clause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

// Page appends LIMIT/OFFSET parameters and returns the SQL fragment.
func (b *WhereBuilder) Page(limit, offset int) string {
	if offset < 0 {
		offset = 0
	}
	b.args = append(b.args, NormalizeLimit(limit))
	l := b.ph(len(b.args))
	b.args = append(b.args, offset)
	o := b.ph(len(b.args))
	return fmt.Sprintf(" LIMIT %s OFFSET %s", l, o)
}

// Args returns the accumulated bind arguments.
func (b *WhereBuilder) Args() []interface{} {
	return b.args
}

// EventWhere applies an EventFilter to b.
func EventWhere(b *WhereBuilder, f EventFilter) *WhereBuilder {
	return b.
		Eq("endpoint", f.Provider).
		Eq("enforcement_action", string(f.Decision)).
		Eq("event_type", string(f.EventType)).
		Eq("client_ip", f.ClientIP).
		Since("timestamp", f.Start).
		Before("timestamp", f.End)
}

// AdminWhere applies an AdminEventFilter to b.
func AdminWhere(b *WhereBuilder, f AdminEventFilter) *WhereBuilder {
	return b.
		Eq("event_type", string(f.EventType)).
		Eq("actor", f.Actor).
		Since("timestamp", f.Start).
		Before("timestamp", f.End)
}

// SuccessRate returns successes/attempts as a percentage rounded to two decimals.
func SuccessRate(successes, attempts int64) float64 {
	if attempts == 0 {
		return 0
	}
	pct := float64(successes) / float64(attempts) * 100
	return float64(int64(pct*100+0.5)) / 100
}
