// Package timestamp parses the timestamp shapes REST APIs commonly return.
package timestamp

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// Parser converts loosely typed values into time.Time.
type Parser struct {
	loc *time.Location
}

// NewParser returns a parser that interprets zone-less values as UTC.
func NewParser() *Parser {
	return &Parser{loc: time.UTC}
}

// ParseTimestamp accepts strings in common ISO-8601 variants, unix epochs as
// numbers (seconds, millis, micros or nanos chosen by magnitude) and time.Time.
func (p *Parser) ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		return p.parseString(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return parseUnix(f)
		}
		return p.parseString(t.String())
	case float64:
		return parseUnix(t)
	case float32:
		return parseUnix(float64(t))
	case int64:
		return parseUnix(float64(t))
	case int:
		return parseUnix(float64(t))
	}
	return time.Time{}, false
}

func (p *Parser) parseString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	// Comma decimal separator ("10:30:45,123") is common in European locales.
	if i := strings.LastIndex(s, ","); i > 0 && i+1 < len(s) && isDigits(s[i+1:]) {
		s = s[:i] + "." + s[i+1:]
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, s, p.loc); err == nil {
			return ts, true
		}
	}
	if isDigits(s) {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return parseUnix(n)
		}
	}
	return time.Time{}, false
}

// parseUnix treats values <= 1e10 as seconds, <= 1e13 as millis,
// <= 1e16 as micros and anything larger as nanos.
func parseUnix(v float64) (time.Time, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return time.Time{}, false
	}
	switch {
	case v <= 1e10:
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	case v <= 1e13:
		return time.UnixMilli(int64(v)).UTC(), true
	case v <= 1e16:
		return time.UnixMicro(int64(v)).UTC(), true
	default:
		return time.Unix(0, int64(v)).UTC(), true
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
