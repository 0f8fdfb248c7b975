// Package resource describes REST sources and the tables their resources load into.
package resource

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/siphon/internal/model"
)

//go:embed default_catalog.yml
var defaultCatalog []byte

// ErrUnknownResource is returned by Select for names not in the catalog.
var ErrUnknownResource = errors.New("unknown resource")

// Pagination strategies.
const (
	PaginateNone       = "none"
	PaginatePageNumber = "page_number"
	PaginateOffset     = "offset"
)

type catalogSpec struct {
	Name      string         `yaml:"name"`
	BaseURL   string         `yaml:"base_url"`
	Resources []resourceSpec `yaml:"resources"`
}

type resourceSpec struct {
	Name             string            `yaml:"name"`
	Endpoint         string            `yaml:"endpoint"`
	Table            string            `yaml:"table"`
	WriteDisposition string            `yaml:"write_disposition"`
	PrimaryKey       []string          `yaml:"primary_key"`
	Incremental      *Incremental      `yaml:"incremental"`
	Params           map[string]string `yaml:"params"`
	DataSelector     string            `yaml:"data_selector"`
	Paginate         Paginate          `yaml:"paginate"`
	Columns          []columnSpec      `yaml:"columns"`
	AddLoadTimestamp bool              `yaml:"add_load_timestamp"`
}

type columnSpec struct {
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	Type      string `yaml:"type"`
	Transform string `yaml:"transform"`
	Default   string `yaml:"default"`
}

// Incremental configures a cursor over one output column.
type Incremental struct {
	Cursor       string `yaml:"cursor"`
	InitialValue any    `yaml:"initial_value"`
	// Param, when set, sends the last cursor value to the API as a query parameter.
	Param string `yaml:"param"`
}

// Paginate configures how the extractor walks pages.
type Paginate struct {
	Type        string `yaml:"type"`
	PageParam   string `yaml:"page_param"`
	OffsetParam string `yaml:"offset_param"`
	LimitParam  string `yaml:"limit_param"`
	Limit       int    `yaml:"limit"`
	MaxPages    int    `yaml:"max_pages"`
}

// Catalog is a named REST source and its resources.
type Catalog struct {
	Name      string
	BaseURL   string
	Resources []*Resource
}

// Resource is one endpoint and the table it loads into.
type Resource struct {
	Name             string
	Endpoint         string
	Table            string
	WriteDisposition model.WriteDisposition
	PrimaryKey       []string
	Incremental      *Incremental
	Params           map[string]string
	DataSelector     string
	Paginate         Paginate
	Columns          []Column
	AddLoadTimestamp bool
}

// Default returns the built-in jsonplaceholder catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("resource: embedded catalog: %v", err))
	}
	return c
}

// Load reads a catalog file. An empty path returns the built-in catalog.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resource: read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("resource: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var spec catalogSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(spec.Resources) == 0 {
		return nil, errors.New("catalog has no resources")
	}

	c := &Catalog{
		Name:    strings.TrimSpace(spec.Name),
		BaseURL: strings.TrimRight(strings.TrimSpace(spec.BaseURL), "/"),
	}
	if c.Name == "" {
		c.Name = "source"
	}
	if c.BaseURL == "" {
		c.BaseURL = model.DefaultBaseURL
	}

	seen := make(map[string]bool, len(spec.Resources))
	tables := make(map[string]string, len(spec.Resources))
	for i, rs := range spec.Resources {
		r, err := newResource(rs)
		if err != nil {
			return nil, fmt.Errorf("resources[%d]: %w", i, err)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate resource %q", r.Name)
		}
		if other, ok := tables[r.Table]; ok {
			return nil, fmt.Errorf("resources %q and %q both load table %q", other, r.Name, r.Table)
		}
		seen[r.Name] = true
		tables[r.Table] = r.Name
		c.Resources = append(c.Resources, r)
	}
	return c, nil
}

func newResource(rs resourceSpec) (*Resource, error) {
	name := strings.TrimSpace(rs.Name)
	if name == "" {
		return nil, errors.New("resource name is empty")
	}
	disp, err := model.ParseWriteDisposition(rs.WriteDisposition)
	if err != nil {
		return nil, fmt.Errorf("resource %q: %w", name, err)
	}

	r := &Resource{
		Name:             name,
		Endpoint:         strings.TrimSpace(rs.Endpoint),
		Table:            NormalizeName(rs.Table),
		WriteDisposition: disp,
		Incremental:      rs.Incremental,
		Params:           rs.Params,
		DataSelector:     strings.TrimSpace(rs.DataSelector),
		Paginate:         rs.Paginate,
		AddLoadTimestamp: rs.AddLoadTimestamp,
	}
	if strings.TrimSpace(rs.Table) == "" {
		r.Table = NormalizeName(name)
	}
	if r.Endpoint == "" {
		r.Endpoint = "/" + name
	}
	for _, pk := range rs.PrimaryKey {
		if pk = strings.TrimSpace(pk); pk != "" {
			r.PrimaryKey = append(r.PrimaryKey, pk)
		}
	}

	colNames := make(map[string]bool, len(rs.Columns))
	for _, cs := range rs.Columns {
		col, err := newColumn(cs)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", name, err)
		}
		if colNames[col.Name] {
			return nil, fmt.Errorf("resource %q: duplicate column %q", name, col.Name)
		}
		colNames[col.Name] = true
		r.Columns = append(r.Columns, col)
	}
	if r.AddLoadTimestamp && colNames[model.LoadTimestampColumn] {
		return nil, fmt.Errorf("resource %q: column %q is reserved by add_load_timestamp", name, model.LoadTimestampColumn)
	}

	if err := r.validate(colNames); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resource) validate(colNames map[string]bool) error {
	declared := len(colNames) > 0
	if r.WriteDisposition == model.Merge && len(r.PrimaryKey) == 0 {
		return fmt.Errorf("resource %q: %w", r.Name, model.ErrMissingPrimaryKey)
	}
	if declared {
		for _, pk := range r.PrimaryKey {
			if !colNames[pk] {
				return fmt.Errorf("resource %q: primary key %q is not a declared column", r.Name, pk)
			}
		}
	}
	if inc := r.Incremental; inc != nil {
		inc.Cursor = strings.TrimSpace(inc.Cursor)
		if inc.Cursor == "" {
			return fmt.Errorf("resource %q: incremental cursor is empty", r.Name)
		}
		if declared && !colNames[inc.Cursor] {
			return fmt.Errorf("resource %q: incremental cursor %q is not a declared column", r.Name, inc.Cursor)
		}
	}

	p := &r.Paginate
	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case "", PaginateNone:
		p.Type = PaginateNone
	case PaginatePageNumber:
		p.Type = PaginatePageNumber
		if p.PageParam == "" {
			p.PageParam = "_page"
		}
	case PaginateOffset:
		p.Type = PaginateOffset
		if p.OffsetParam == "" {
			p.OffsetParam = "_start"
		}
	default:
		return fmt.Errorf("resource %q: unknown paginate type %q", r.Name, p.Type)
	}
	if p.Type != PaginateNone {
		if p.LimitParam == "" {
			p.LimitParam = "_limit"
		}
		if p.Limit <= 0 {
			p.Limit = 20
		}
	}
	if p.MaxPages < 0 {
		return fmt.Errorf("resource %q: max_pages must be >= 0", r.Name)
	}
	return nil
}

// Select returns the named resources in catalog order, or all of them when
// names is empty.
func (c *Catalog) Select(names []string) ([]*Resource, error) {
	if len(names) == 0 {
		return c.Resources, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if c.Resource(n) == nil {
			return nil, fmt.Errorf("%w %q", ErrUnknownResource, n)
		}
		want[n] = true
	}
	var out []*Resource
	for _, r := range c.Resources {
		if want[r.Name] {
			out = append(out, r)
		}
	}
	return out, nil
}

// Resource returns the named resource or nil.
func (c *Catalog) Resource(name string) *Resource {
	for _, r := range c.Resources {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Schema returns the declared part of the table schema. Columns without a
// declared type carry an empty type and are inferred from data.
func (r *Resource) Schema() model.TableSchema {
	s := model.TableSchema{Name: r.Table}
	pk := make(map[string]bool, len(r.PrimaryKey))
	for _, k := range r.PrimaryKey {
		pk[k] = true
	}
	for _, c := range r.Columns {
		s.Columns = append(s.Columns, model.Column{Name: c.Name, Type: c.Type, PrimaryKey: pk[c.Name]})
	}
	if r.AddLoadTimestamp {
		s.Columns = append(s.Columns, model.Column{Name: model.LoadTimestampColumn, Type: model.TypeTimestamp})
	}
	return s
}

// IsPrimaryKey reports whether col is part of the resource primary key.
func (r *Resource) IsPrimaryKey(col string) bool {
	for _, k := range r.PrimaryKey {
		if k == col {
			return true
		}
	}
	return false
}
