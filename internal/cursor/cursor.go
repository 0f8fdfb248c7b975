// Package cursor implements the high-water-mark filter used by incremental resources.
package cursor

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/timestamp"
)

// Cursor tracks one incremental field across a run. It is not safe for
// concurrent use; a run processes each resource sequentially.
type Cursor struct {
	field   string
	last    any
	max     any
	dropped int64
	parser  *timestamp.Parser
}

// New returns a cursor over field. last is the persisted value, or the
// initial value on the first run; nil keeps every row.
func New(field string, last any) *Cursor {
	return &Cursor{
		field:  field,
		last:   Normalize(last),
		parser: timestamp.NewParser(),
	}
}

// Field returns the tracked column name.
func (c *Cursor) Field() string { return c.field }

// Last returns the value rows are compared against.
func (c *Cursor) Last() any { return c.last }

// Filter reports whether row is new relative to the last value. Retained rows
// advance the pending high-water mark.
func (c *Cursor) Filter(row model.Row) bool {
	v, ok := row[c.field]
	if !ok || v == nil {
		c.dropped++
		return false
	}
	v = Normalize(v)
	if c.last != nil {
		cmp, err := c.compare(v, c.last)
		if err != nil || cmp <= 0 {
			c.dropped++
			return false
		}
	}
	c.observe(v)
	return true
}

func (c *Cursor) observe(v any) {
	if c.max == nil {
		c.max = v
		return
	}
	if cmp, err := c.compare(v, c.max); err == nil && cmp > 0 {
		c.max = v
	}
}

// Dropped returns how many rows Filter rejected.
func (c *Cursor) Dropped() int64 { return c.dropped }

// Next returns the new high-water mark: the maximum retained value, or the
// last value when nothing was retained.
func (c *Cursor) Next() any {
	if c.max == nil {
		return c.last
	}
	return c.max
}

// Advanced reports whether Next differs from Last.
func (c *Cursor) Advanced() bool { return c.max != nil }

// Normalize converts decoded JSON and YAML values into the small set of types
// the cursor compares: int64, float64, string and time.Time.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t)
		}
		return float64(t)
	case float32:
		return float64(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case time.Time:
		return t.UTC()
	case string:
		return t
	}
	return fmt.Sprint(v)
}

func (c *Cursor) compare(a, b any) (int, error) {
	if ai, ok := a.(int64); ok {
		if bi, ok := b.(int64); ok {
			return cmpInt(ai, bi), nil
		}
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return cmpFloat(af, bf), nil
		}
	}
	if at, aok := c.asTime(a); aok {
		if bt, bok := c.asTime(b); bok {
			return at.Compare(bt), nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("cursor %s: cannot compare %T with %T", c.field, a, b)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func (c *Cursor) asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		return c.parser.ParseTimestamp(t)
	}
	return time.Time{}, false
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
