package ingest

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

var tsParser = timestamp.NewParser()

// InferType returns the column type a decoded JSON value maps to, or "" for nil.
func InferType(v any) model.ColumnType {
	switch t := v.(type) {
	case nil:
		return ""
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return model.TypeBigint
		}
		return model.TypeDouble
	case int, int32, int64, uint32:
		return model.TypeBigint
	case float32, float64:
		return model.TypeDouble
	case bool:
		return model.TypeBoolean
	case string:
		return model.TypeText
	case time.Time:
		return model.TypeTimestamp
	case map[string]any, []any:
		return model.TypeJSON
	}
	return model.TypeText
}

// Coerce converts v to the Go representation destinations expect for typ:
// int64, float64, bool, string (text and json) or time.Time. nil stays nil.
func Coerce(v any, typ model.ColumnType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case model.TypeBigint:
		return toInt64(v)
	case model.TypeDouble:
		return toFloat64(v)
	case model.TypeBoolean:
		return toBool(v)
	case model.TypeTimestamp:
		if ts, ok := tsParser.ParseTimestamp(v); ok {
			return ts.UTC(), nil
		}
		return nil, fmt.Errorf("cannot parse %v as timestamp", v)
	case model.TypeJSON:
		return toJSONText(v)
	case model.TypeText, "":
		return toText(v)
	}
	return nil, fmt.Errorf("unsupported column type %q", typ)
}

func toInt64(v any) (any, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		return floatToInt(t.String())
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("%v is not an integer", t)
		}
		return int64(t), nil
	case string:
		s := strings.TrimSpace(t)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		return floatToInt(s)
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, fmt.Errorf("cannot convert %T to bigint", v)
}

func floatToInt(s string) (any, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) {
		return nil, fmt.Errorf("%q is not an integer", s)
	}
	return int64(f), nil
}

func toFloat64(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", t)
		}
		return f, nil
	}
	return nil, fmt.Errorf("cannot convert %T to double", v)
}

func toBool(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", t)
		}
		return b, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return f != 0, nil
	case int64:
		return t != 0, nil
	}
	return nil, fmt.Errorf("cannot convert %T to boolean", v)
}

func toText(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case map[string]any, []any:
		return toJSONText(v)
	}
	return fmt.Sprint(v), nil
}

func toJSONText(v any) (any, error) {
	if s, ok := v.(string); ok && json.Valid([]byte(s)) {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

// CoerceRow converts the values of row to the column types of schema in place.
// Journal replays use it to restore values decoded as json.Number or strings.
func CoerceRow(schema model.TableSchema, row model.Row) error {
	for _, c := range schema.Columns {
		v, ok := row[c.Name]
		if !ok {
			continue
		}
		cv, err := Coerce(v, c.Type)
		if err != nil {
			return fmt.Errorf("column %s: %w", c.Name, err)
		}
		row[c.Name] = cv
	}
	return nil
}
