// Package unnest turns nested records into a primary table plus linked
// sub-tables, one per nesting path.
//
// Every sub-table row carries two linkage columns:
//   - a foreign key naming its parent row: "<primary>_<primaryKey>" when the
//     parent is a primary row, "<parentPath>_<subKeyLabel>" otherwise;
//   - its own local key under "<path>_<subKeyLabel>", which its children use as
//     their foreign key.
//
// Nested records are either extracted into sub-tables (Options.UnnestDicts) or
// inlined into the parent row with "_"-joined column names. List elements that
// are records are always extracted; scalar elements are extracted as
// {"value": element} rows when Options.UnnestSimpleLists is set.
package unnest

import (
	"fmt"

	"unnest/internal/record"
)

const (
	// DefaultSubKeyLabel is the suffix of local-key column names.
	DefaultSubKeyLabel = "key"

	// DefaultMaxDepth bounds recursion for untrusted input.
	DefaultMaxDepth = 256

	// ValueColumn holds a scalar list element extracted into its own row.
	ValueColumn = "value"
)

// Options controls how a record is flattened.
type Options struct {
	// SubKeyLabel suffixes local-key columns. Empty means DefaultSubKeyLabel.
	SubKeyLabel string

	// UnnestDicts extracts nested records into sub-tables. When false they are
	// inlined into the parent row.
	UnnestDicts bool

	// UnnestSimpleLists extracts scalar list elements into sub-table rows. When
	// false they stay in the parent row as a list cell.
	UnnestSimpleLists bool

	// Keys generates local keys. Nil means ContentHash.
	Keys KeyFunc

	// MaxDepth is the deepest nesting accepted. Zero or less means DefaultMaxDepth.
	MaxDepth int
}

// DefaultOptions inlines nested records and extracts scalar lists.
func DefaultOptions() Options {
	return Options{
		SubKeyLabel:       DefaultSubKeyLabel,
		UnnestSimpleLists: true,
		Keys:              ContentHash,
		MaxDepth:          DefaultMaxDepth,
	}
}

func (o Options) withDefaults() Options {
	if o.SubKeyLabel == "" {
		o.SubKeyLabel = DefaultSubKeyLabel
	}
	if o.Keys == nil {
		o.Keys = ContentHash
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	return o
}

// Link ties a nested record to its parent row.
type Link struct {
	// Path is the dot-joined key path from the primary record, e.g. "orders.items".
	Path string

	ForeignKeyLabel string
	ForeignKeyValue record.Value
}

// Flatten adds a top-level record to the registry: one primary row plus the
// sub-table rows of everything extracted from it.
//
// The record must carry the registry's primary key; otherwise a
// *MissingKeyError is returned. Flatten is all-or-nothing: on error no table
// is touched. rec itself is never modified.
func (r *Registry) Flatten(rec *record.Record, opts Options) error {
	return r.flatten(rec, nil, opts)
}

// FlattenLinked adds a nested record under link as if it had been found at
// link.Path inside a parent row.
func (r *Registry) FlattenLinked(rec *record.Record, link Link, opts Options) error {
	if link.Path == "" {
		return fmt.Errorf("unnest: linked record needs a path")
	}
	return r.flatten(rec, &link, opts)
}

func (r *Registry) flatten(rec *record.Record, link *Link, opts Options) error {
	if !r.configured() {
		return ErrNotConfigured
	}
	j := &job{reg: r, opts: opts.withDefaults()}
	if err := j.flatten(rec, link, 0); err != nil {
		return err
	}
	j.commit()
	return nil
}

// job stages the rows produced by one Flatten call so a failure deep in the
// recursion leaves the registry as it was.
type job struct {
	reg  *Registry
	opts Options

	// paths lists sub-tables in the order they were first reached, which is the
	// order they are created in.
	paths  []string
	staged []stagedRow
}

type stagedRow struct {
	primary bool
	path    string
	row     *record.Record
	fkLabel string
}

// frame is what the children of one record need to link back to it.
type frame struct {
	top      bool
	path     string
	keyLabel string
	key      record.Value
}

func (f frame) child(key string) *Link {
	path := key
	if !f.top {
		path = joinPath(f.path, key)
	}
	return &Link{Path: path, ForeignKeyLabel: f.keyLabel, ForeignKeyValue: f.key}
}

func (j *job) flatten(rec *record.Record, link *Link, depth int) error {
	if depth > j.opts.MaxDepth {
		return fmt.Errorf("%w: depth %d exceeds %d", ErrMaxDepth, depth, j.opts.MaxDepth)
	}

	work := rec.Clone()
	var f frame
	fkLabel := ""

	if link == nil {
		pk, ok := rec.Get(j.reg.PrimaryKey)
		if !ok {
			return &MissingKeyError{Key: j.reg.PrimaryKey, Table: j.reg.Primary.Name}
		}
		f = frame{
			top:      true,
			keyLabel: primaryLinkLabel(j.reg.Primary.Name, j.reg.PrimaryKey),
			key:      pk,
		}
	} else {
		// The key is derived before the link columns go in.
		key := record.Scalar(j.opts.Keys(rec))
		label := localKeyLabel(link.Path, j.opts.SubKeyLabel)
		work.Set(link.ForeignKeyLabel, link.ForeignKeyValue)
		work.Set(label, key)

		j.paths = append(j.paths, link.Path)
		f = frame{path: link.Path, keyLabel: label, key: key}
		fkLabel = link.ForeignKeyLabel
	}

	for _, field := range work.Fields() {
		switch field.Value.Kind() {
		case record.KindRecord:
			work.Delete(field.Key)
			if err := j.nested(work, field.Key, field.Value.Record(), f, depth); err != nil {
				return err
			}
		case record.KindList:
			if err := j.partition(work, field.Key, field.Value.List(), f, depth); err != nil {
				return err
			}
		case record.KindScalar:
		}
	}

	j.staged = append(j.staged, stagedRow{
		primary: link == nil,
		path:    f.path,
		row:     work,
		fkLabel: fkLabel,
	})
	return nil
}

// nested handles a record-valued key that has already been removed from work.
func (j *job) nested(work *record.Record, key string, child *record.Record, f frame, depth int) error {
	if child.Len() == 0 {
		return nil
	}
	if j.opts.UnnestDicts {
		return j.flatten(child, f.child(key), depth+1)
	}

	pairs, err := inline(key, child, j.opts.MaxDepth-depth)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		work.Set(p.Key, p.Value)
		if p.Value.Kind() == record.KindList {
			if err := j.partition(work, p.Key, p.Value.List(), f, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

// partition extracts list elements into sub-table rows and leaves only the
// retained elements under key. The key is dropped when nothing is retained.
func (j *job) partition(work *record.Record, key string, items []record.Value, f frame, depth int) error {
	var kept []record.Value
	link := f.child(key)

	for _, el := range items {
		switch el.Kind() {
		case record.KindRecord:
			if el.Record().Len() == 0 {
				continue
			}
			if err := j.flatten(el.Record(), link, depth+1); err != nil {
				return err
			}
		case record.KindScalar, record.KindList:
			if !j.opts.UnnestSimpleLists {
				kept = append(kept, el)
				continue
			}
			wrapped := record.New(record.Field{Key: ValueColumn, Value: el})
			if err := j.flatten(wrapped, link, depth+1); err != nil {
				return err
			}
		}
	}

	if len(kept) == 0 {
		work.Delete(key)
		return nil
	}
	work.Set(key, record.List(kept...))
	return nil
}

func (j *job) commit() {
	for _, p := range j.paths {
		j.reg.subTable(p)
	}
	for _, s := range j.staged {
		t := j.reg.Primary
		if !s.primary {
			t = j.reg.subTable(s.path)
		}
		t.Append(s.row, s.fkLabel)
	}
}
