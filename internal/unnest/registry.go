package unnest

import "unnest/internal/record"

// PrimaryIndex is returned by FindTable when the name belongs to the primary table.
const PrimaryIndex = -1

// Table accumulates flat rows and the union of their column names.
//
// Headers only grow: a column, once added, keeps its position for the life of
// the table. Every key of every row in Rows is present in Headers.
type Table struct {
	Name    string
	Headers []string
	Rows    []*record.Record

	seen map[string]struct{}
}

// NewTable returns an empty table.
func NewTable(name string) *Table {
	return &Table{Name: name, seen: make(map[string]struct{})}
}

// MergeHeaders widens the header list with the columns of row.
//
// extra columns (the foreign-key label of a sub-table row) are considered first
// so linkage columns land early and in the same place for every row. Empty
// names in extra are ignored.
func (t *Table) MergeHeaders(row *record.Record, extra ...string) {
	for _, c := range extra {
		if c != "" {
			t.addHeader(c)
		}
	}
	for _, k := range row.Keys() {
		t.addHeader(k)
	}
}

// Append merges the headers of row and appends it.
func (t *Table) Append(row *record.Record, extra ...string) {
	t.MergeHeaders(row, extra...)
	t.Rows = append(t.Rows, row)
}

// HasHeader reports whether name is a column of t.
func (t *Table) HasHeader(name string) bool {
	t.ensureSeen()
	_, ok := t.seen[name]
	return ok
}

func (t *Table) addHeader(name string) {
	t.ensureSeen()
	if _, ok := t.seen[name]; ok {
		return
	}
	t.seen[name] = struct{}{}
	t.Headers = append(t.Headers, name)
}

// ensureSeen rebuilds the lookup set for tables built as struct literals.
func (t *Table) ensureSeen() {
	if t.seen != nil {
		return
	}
	t.seen = make(map[string]struct{}, len(t.Headers))
	for _, h := range t.Headers {
		t.seen[h] = struct{}{}
	}
}

// Registry holds the primary table and one sub-table per nesting path.
//
// A Registry belongs to a single export job and is not safe for concurrent
// use: header merge and row append are two separate steps.
type Registry struct {
	PrimaryKey string
	Primary    *Table

	subs   []*Table
	byName map[string]int
}

// NewRegistry returns a registry for records identified by primaryKey.
func NewRegistry(primaryKey string, primary *Table) *Registry {
	return &Registry{
		PrimaryKey: primaryKey,
		Primary:    primary,
		byName:     make(map[string]int),
	}
}

// FindTable looks up a table by name. It returns PrimaryIndex for the primary
// table, the sub-table index for a known sub-table, and ok=false otherwise.
func (r *Registry) FindTable(name string) (idx int, ok bool) {
	if r.Primary != nil && r.Primary.Name == name {
		return PrimaryIndex, true
	}
	idx, ok = r.byName[name]
	return idx, ok
}

// SubTable returns the sub-table for path, creating it on first use. The table
// is named "<primary>.<path>". It fails with ErrNotConfigured when the
// registry has no primary table to name it after.
func (r *Registry) SubTable(path string) (*Table, error) {
	if r.Primary == nil {
		return nil, ErrNotConfigured
	}
	return r.subTable(path), nil
}

func (r *Registry) subTable(path string) *Table {
	name := subTableName(r.Primary.Name, path)
	if idx, ok := r.byName[name]; ok {
		return r.subs[idx]
	}
	if r.byName == nil {
		r.byName = make(map[string]int)
	}
	t := NewTable(name)
	r.byName[name] = len(r.subs)
	r.subs = append(r.subs, t)
	return t
}

// SubTables returns the sub-tables in creation order.
func (r *Registry) SubTables() []*Table {
	return append([]*Table(nil), r.subs...)
}

// Tables returns the primary table followed by every sub-table.
func (r *Registry) Tables() []*Table {
	out := make([]*Table, 0, len(r.subs)+1)
	if r.Primary != nil {
		out = append(out, r.Primary)
	}
	return append(out, r.subs...)
}

// Table returns the table called name, primary included.
func (r *Registry) Table(name string) (*Table, bool) {
	idx, ok := r.FindTable(name)
	if !ok {
		return nil, false
	}
	if idx == PrimaryIndex {
		return r.Primary, true
	}
	return r.subs[idx], true
}

func (r *Registry) configured() bool {
	return r != nil && r.PrimaryKey != "" && r.Primary != nil
}
