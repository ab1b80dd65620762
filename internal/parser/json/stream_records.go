// Package json streams nested records out of JSON documents without
// materializing the whole input.
package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"unnest/internal/config"
	"unnest/internal/record"
)

// StreamRecords parses JSON from r and sends one *record.Record per top-level
// record to out. Key order is preserved at every depth.
//
// Input shapes:
//   - root array: each element is a record; null elements are skipped.
//   - root object with no data_path: the object itself is one record.
//   - root object with data_path "a.b": the value at that path is streamed, as
//     an array of records or as a single record.
//
// Whole JSON values following the root (JSON Lines) are streamed as further
// records.
//
// parserOpts:
//   - data_path: dot-separated path to the record array inside an envelope
//
// onParseErr, when set, is called with the 1-based index of the offending
// record before the error is returned.
func StreamRecords(
	ctx context.Context,
	r io.Reader,
	parserOpts config.Options,
	out chan<- *record.Record,
	onParseErr func(line int, err error),
) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	s := &streamer{ctx: ctx, dec: dec, out: out, onParseErr: onParseErr}
	path := splitPath(parserOpts.String("data_path", ""))

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		s.parseErr(0, err)
		return fmt.Errorf("json: read first token: %w", err)
	}

	d, ok := tok.(json.Delim)
	if !ok {
		return fmt.Errorf("json: unsupported root token %T (want object or array)", tok)
	}

	switch d {
	case '[':
		if len(path) > 0 {
			return fmt.Errorf("json: data_path %q set but root is an array", strings.Join(path, "."))
		}
		if err := s.streamArray(); err != nil {
			return err
		}

	case '{':
		if len(path) == 0 {
			v, err := record.DecodeFromToken(dec, tok)
			if err != nil {
				s.parseErr(s.line+1, err)
				return fmt.Errorf("json: decode root object: %w", err)
			}
			if err := s.emit(v.Record()); err != nil {
				return err
			}
			break
		}
		found, err := s.descend(path)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("json: data_path %q not found", strings.Join(path, "."))
		}

	default:
		return fmt.Errorf("json: unsupported root delimiter %q", d)
	}

	return s.streamTrailing()
}

// ReadAll collects every record StreamRecords would emit.
func ReadAll(ctx context.Context, r io.Reader, parserOpts config.Options) ([]*record.Record, error) {
	out := make(chan *record.Record, 64)
	errc := make(chan error, 1)
	go func() {
		errc <- StreamRecords(ctx, r, parserOpts, out, nil)
		close(out)
	}()

	var recs []*record.Record
	for rec := range out {
		recs = append(recs, rec)
	}
	return recs, <-errc
}

type streamer struct {
	ctx        context.Context
	dec        *json.Decoder
	out        chan<- *record.Record
	onParseErr func(line int, err error)
	line       int
}

func (s *streamer) parseErr(line int, err error) {
	if s.onParseErr != nil {
		s.onParseErr(line, err)
	}
}

func (s *streamer) emit(rec *record.Record) error {
	s.line++
	select {
	case s.out <- rec:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// emitValue sends v if it is a record, skips null and rejects anything else.
func (s *streamer) emitValue(v record.Value, where string) error {
	switch {
	case v.IsNull():
		return nil
	case v.Kind() == record.KindRecord:
		return s.emit(v.Record())
	default:
		err := fmt.Errorf("json: %s not an object (got %s)", where, v.Kind())
		s.parseErr(s.line+1, err)
		return err
	}
}

// streamArray streams the elements of an array whose '[' has been consumed,
// then consumes the closing ']'.
func (s *streamer) streamArray() error {
	for s.dec.More() {
		v, err := record.DecodeValue(s.dec)
		if err != nil {
			s.parseErr(s.line+1, err)
			return fmt.Errorf("json: decode array element: %w", err)
		}
		if err := s.emitValue(v, "array element"); err != nil {
			return err
		}
		if err := s.ctx.Err(); err != nil {
			return err
		}
	}
	return expectDelim(s.dec, ']')
}

// descend walks an object whose '{' has been consumed looking for path. Every
// other member is skipped without being materialized.
func (s *streamer) descend(path []string) (found bool, _ error) {
	for s.dec.More() {
		keyTok, err := s.dec.Token()
		if err != nil {
			s.parseErr(s.line+1, err)
			return found, fmt.Errorf("json: read object key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return found, fmt.Errorf("json: object key not a string (got %T)", keyTok)
		}
		if found || key != path[0] {
			if err := skipNextValue(s.dec); err != nil {
				return found, err
			}
			continue
		}

		valTok, err := s.dec.Token()
		if err != nil {
			s.parseErr(s.line+1, err)
			return found, fmt.Errorf("json: read %q: %w", key, err)
		}

		if len(path) > 1 {
			if valTok != json.Delim('{') {
				return found, fmt.Errorf("json: data_path segment %q is not an object", key)
			}
			if found, err = s.descend(path[1:]); err != nil {
				return found, err
			}
			continue
		}

		found = true
		if valTok == json.Delim('[') {
			if err := s.streamArray(); err != nil {
				return found, err
			}
			continue
		}
		v, err := record.DecodeFromToken(s.dec, valTok)
		if err != nil {
			s.parseErr(s.line+1, err)
			return found, fmt.Errorf("json: decode %q: %w", key, err)
		}
		if err := s.emitValue(v, "data_path value"); err != nil {
			return found, err
		}
	}
	return found, expectDelim(s.dec, '}')
}

func (s *streamer) streamTrailing() error {
	for {
		v, err := record.DecodeValue(s.dec)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.parseErr(s.line+1, err)
			return fmt.Errorf("json: decode trailing object: %w", err)
		}
		if err := s.emitValue(v, "trailing value"); err != nil {
			return err
		}
	}
}

func splitPath(p string) []string {
	p = strings.Trim(strings.TrimSpace(p), ".")
	if p == "" {
		return nil
	}
	return strings.Split(p, ".")
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	end, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: read %q: %w", want, err)
	}
	if end != want {
		return fmt.Errorf("json: expected %q, got %v", want, end)
	}
	return nil
}

// skipNextValue consumes the next JSON value without building it.
func skipNextValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: skip value token: %w", err)
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch d {
	case '{':
		for dec.More() {
			if _, err := dec.Token(); err != nil {
				return fmt.Errorf("json: skip object key: %w", err)
			}
			if err := skipNextValue(dec); err != nil {
				return err
			}
		}
		return expectDelim(dec, '}')
	case '[':
		for dec.More() {
			if err := skipNextValue(dec); err != nil {
				return err
			}
		}
		return expectDelim(dec, ']')
	default:
		return fmt.Errorf("json: unexpected delimiter %q", d)
	}
}
