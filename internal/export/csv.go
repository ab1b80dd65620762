package export

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

const utf8BOM = "\uFEFF"

// csvFormat is the resolved dialect of written CSV files.
type csvFormat struct {
	comma rune
	enc   encoding.Encoding // nil for utf-8
	bom   bool
}

func newCSVFormat(comma rune, label string, bom bool) (csvFormat, error) {
	if comma == 0 {
		comma = ','
	}
	if comma == '"' || comma == '\r' || comma == '\n' {
		return csvFormat{}, fmt.Errorf("export: invalid csv delimiter %q", comma)
	}
	f := csvFormat{comma: comma}

	label = strings.TrimSpace(label)
	if label == "" {
		f.bom = bom
		return f, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return csvFormat{}, fmt.Errorf("export: unknown encoding %q: %w", label, err)
	}
	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		f.bom = bom
		return f, nil
	}
	f.enc = enc
	return f, nil
}

// writeFile writes headers and rows to path, replacing any existing file.
func (f csvFormat) writeFile(path string, headers []string, rows [][]string) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(out)
	if err := f.write(bw, headers, rows); err != nil {
		return err
	}
	return bw.Flush()
}

func (f csvFormat) write(w io.Writer, headers []string, rows [][]string) error {
	if f.enc == nil {
		if f.bom {
			if _, err := io.WriteString(w, utf8BOM); err != nil {
				return err
			}
		}
		return writeRecords(w, f.comma, headers, rows)
	}

	// Characters the target charset cannot hold are replaced, not fatal.
	tw := transform.NewWriter(w, encoding.ReplaceUnsupported(f.enc.NewEncoder()))
	if err := writeRecords(tw, f.comma, headers, rows); err != nil {
		_ = tw.Close()
		return err
	}
	return tw.Close()
}

func writeRecords(w io.Writer, comma rune, headers []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	cw.Comma = comma
	if err := cw.Write(headers); err != nil {
		return err
	}
	// WriteAll flushes.
	return cw.WriteAll(rows)
}
