package resource

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	"github.com/tinytelemetry/siphon/internal/model"
)

// Transform is a per-column value rewrite applied after extraction.
type Transform string

const (
	TransformNone   Transform = ""
	TransformLength Transform = "length"
	TransformLower  Transform = "lower"
	TransformUpper  Transform = "upper"
	TransformTrim   Transform = "trim"
)

func parseTransform(s string) (Transform, error) {
	switch t := Transform(strings.ToLower(strings.TrimSpace(s))); t {
	case TransformNone, TransformLength, TransformLower, TransformUpper, TransformTrim:
		return t, nil
	}
	return "", fmt.Errorf("unknown transform %q", s)
}

// DefaultLoadTime fills a column with the load timestamp when its path does
// not resolve, for sources that carry no modification time of their own.
const DefaultLoadTime = "load_time"

// Column maps one JSON path of a source record to one output column.
type Column struct {
	Name      string
	Path      string
	Type      model.ColumnType
	Transform Transform
	// LoadTimeDefault is set by `default: load_time`.
	LoadTimeDefault bool

	eval gval.Evaluable
}

func newColumn(spec columnSpec) (Column, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return Column{}, fmt.Errorf("column name is empty")
	}
	typ, err := model.ParseColumnType(spec.Type)
	if err != nil {
		return Column{}, fmt.Errorf("column %q: %w", name, err)
	}
	tr, err := parseTransform(spec.Transform)
	if err != nil {
		return Column{}, fmt.Errorf("column %q: %w", name, err)
	}
	if tr == TransformLength {
		if typ != "" && typ != model.TypeBigint {
			return Column{}, fmt.Errorf("column %q: transform length yields bigint, not %s", name, typ)
		}
		typ = model.TypeBigint
	}

	var loadTime bool
	switch d := strings.ToLower(strings.TrimSpace(spec.Default)); d {
	case "":
	case DefaultLoadTime:
		if typ != "" && typ != model.TypeTimestamp {
			return Column{}, fmt.Errorf("column %q: default load_time yields timestamp, not %s", name, typ)
		}
		typ = model.TypeTimestamp
		loadTime = true
	default:
		return Column{}, fmt.Errorf("column %q: unknown default %q", name, spec.Default)
	}

	path := spec.Path
	if strings.TrimSpace(path) == "" {
		path = name
	}
	expr := normalizePath(path)
	eval, err := jsonpath.New(expr)
	if err != nil {
		return Column{}, fmt.Errorf("column %q: invalid path %q: %w", name, path, err)
	}
	return Column{
		Name:            name,
		Path:            expr,
		Type:            typ,
		Transform:       tr,
		LoadTimeDefault: loadTime,
		eval:            eval,
	}, nil
}

// normalizePath accepts both "$.a.b" and the shorthand "a.b".
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "$") {
		return p
	}
	if strings.HasPrefix(p, "[") {
		return "$" + p
	}
	return "$." + p
}

// Extract evaluates the column path against record. A path that does not
// resolve yields nil so the destination stores NULL.
func (c Column) Extract(ctx context.Context, record map[string]any) any {
	if c.eval == nil {
		return nil
	}
	v, err := c.eval(ctx, record)
	if err != nil {
		return nil
	}
	return c.apply(v)
}

func (c Column) apply(v any) any {
	if v == nil || c.Transform == TransformNone {
		return v
	}
	s, ok := v.(string)
	if !ok {
		if c.Transform == TransformLength {
			switch t := v.(type) {
			case []any:
				return int64(len(t))
			case map[string]any:
				return int64(len(t))
			}
			s = fmt.Sprint(v)
		} else {
			return v
		}
	}
	switch c.Transform {
	case TransformLength:
		return int64(utf8.RuneCountInString(s))
	case TransformLower:
		return strings.ToLower(s)
	case TransformUpper:
		return strings.ToUpper(s)
	case TransformTrim:
		return strings.TrimSpace(s)
	}
	return v
}
