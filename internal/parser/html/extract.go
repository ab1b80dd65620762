// Package html turns HTML pages into nested records using CSS selector
// mappings.
package html

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"unnest/internal/record"
)

// Extractor applies a compiled MappingSet to documents.
type Extractor struct {
	set   MappingSet
	rules []rule
}

type rule struct {
	Mapping
	path []string
	re   *regexp.Regexp
}

// NewExtractor validates ms and compiles its regex filters.
func NewExtractor(ms MappingSet) (*Extractor, error) {
	if err := ms.validate(); err != nil {
		return nil, err
	}
	x := &Extractor{set: ms}
	for _, m := range ms.Mappings {
		re, err := compileOptionalRegex(m.Match, m.JSONPath)
		if err != nil {
			return nil, err
		}
		x.rules = append(x.rules, rule{
			Mapping: m,
			path:    strings.Split(strings.Trim(m.JSONPath, "."), "."),
			re:      re,
		})
	}
	return x, nil
}

// ExtractRecords parses one HTML document.
//
// In record mode every element matched by the record selector becomes one
// record, in document order; containers yielding no fields are dropped. In
// single mode the whole document yields at most one record.
//
// Missing selectors are not errors; they simply produce no field.
func (x *Extractor) ExtractRecords(r io.Reader, source string) ([]*record.Record, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("html: parse %s: %w", source, err)
	}

	var roots []*goquery.Selection
	if strings.TrimSpace(x.set.RecordSelector) != "" {
		doc.Find(x.set.RecordSelector).Each(func(_ int, s *goquery.Selection) {
			roots = append(roots, s)
		})
	} else {
		roots = append(roots, doc.Selection)
	}

	var out []*record.Record
	for _, root := range roots {
		rec := x.parseSelection(root)
		if rec.Len() == 0 {
			continue
		}
		if x.set.SourceField != "" {
			rec.Set(x.set.SourceField, record.Scalar(source))
		}
		out = append(out, rec)
	}
	return out, nil
}

// StreamRecords extracts the records of one document and sends them to out.
func (x *Extractor) StreamRecords(ctx context.Context, r io.Reader, source string, out chan<- *record.Record) error {
	recs, err := x.ExtractRecords(r, source)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (x *Extractor) parseSelection(root *goquery.Selection) *record.Record {
	rec := record.New()

	for _, rl := range x.rules {
		if rl.All {
			var vals []record.Value
			root.Find(rl.Selector).Each(func(_ int, sel *goquery.Selection) {
				if v := applyRegexFilter(rl.extractOne(sel), rl.re); v != "" {
					vals = append(vals, record.Scalar(v))
				}
			})
			if len(vals) > 0 {
				setPath(rec, rl.path, record.List(vals...))
			}
			continue
		}

		sel := root.Find(rl.Selector).First()
		if sel.Length() == 0 {
			continue
		}
		if v := applyRegexFilter(rl.extractOne(sel), rl.re); v != "" {
			setPath(rec, rl.path, record.Scalar(v))
		}
	}
	return rec
}

// extractOne returns "" to mean "no value" for this node.
func (rl rule) extractOne(sel *goquery.Selection) string {
	switch rl.Extract {
	case "", "text":
		return strings.TrimSpace(sel.Text())
	case "attr":
		val, _ := sel.Attr(rl.Attr)
		return strings.TrimSpace(val)
	case "html":
		h, err := sel.Html()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(h)
	default:
		return ""
	}
}

// setPath stores v under path, creating intermediate records. A scalar in the
// way is replaced by a record.
func setPath(rec *record.Record, path []string, v record.Value) {
	for _, seg := range path[:len(path)-1] {
		cur, ok := rec.Get(seg)
		if !ok || cur.Kind() != record.KindRecord {
			cur = record.Nested(record.New())
			rec.Set(seg, cur)
		}
		rec = cur.Record()
	}
	rec.Set(path[len(path)-1], v)
}

func compileOptionalRegex(pattern, jsonPath string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("html: invalid regex for json_path=%q: %w", jsonPath, err)
	}
	return re, nil
}

// applyRegexFilter returns value unchanged without a regex, "" when the regex
// does not match, group 1 when it has one, and the full match otherwise.
func applyRegexFilter(value string, re *regexp.Regexp) string {
	if value == "" || re == nil {
		return value
	}
	sm := re.FindStringSubmatch(value)
	if len(sm) == 0 {
		return ""
	}
	if len(sm) > 1 {
		return sm[1]
	}
	return sm[0]
}
