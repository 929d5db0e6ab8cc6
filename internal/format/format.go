// Package format reads and writes the supported tabular file formats as
// bounded batches of rows.
package format

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"ferry/internal/convert"
	"ferry/internal/model"
)

// RowReader streams data rows. Next returns at most n rows and io.EOF once
// the input is exhausted. Blank rows are skipped.
type RowReader interface {
	Header() []string
	Next(n int) ([]model.Row, error)
	Close() error
}

// RowWriter renders an output artifact. Close flushes buffered output and must
// be called before the underlying writer is used.
type RowWriter interface {
	WriteHeader(header []string) error
	WriteRow(values []string) error
	Close() error
}

// Open returns a reader for the given format
func Open(f model.Format, r io.Reader) (RowReader, error) {
	switch f {
	case model.FormatCSV:
		return newCSVReader(r)
	case model.FormatXLSX:
		return newXLSXReader(r)
	case model.FormatXML:
		return newXMLReader(r)
	}
	return nil, model.ConfigErrorf("unsupported format %q", f)
}

// NewWriter returns a writer for the given format
func NewWriter(f model.Format, w io.Writer) (RowWriter, error) {
	switch f {
	case model.FormatCSV:
		return newCSVWriter(w), nil
	case model.FormatXLSX:
		return newXLSXWriter(w)
	case model.FormatXML:
		return newXMLWriter(w), nil
	}
	return nil, model.ConfigErrorf("unsupported format %q", f)
}

// CountRows reads r to the end and returns the number of data rows
func CountRows(f model.Format, r io.Reader) (int, error) {
	rr, err := Open(f, r)
	if err != nil {
		return 0, err
	}
	defer rr.Close()

	total := 0
	for {
		rows, err := rr.Next(1000)
		total += len(rows)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func Extension(f model.Format) string {
	return "." + string(f)
}

func ContentType(f model.Format) string {
	switch f {
	case model.FormatCSV:
		return "text/csv"
	case model.FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case model.FormatXML:
		return "application/xml"
	}
	return "application/octet-stream"
}

// Sanitize strips a leading byte order mark and replaces invalid UTF-8 with
// U+FFFD. UTF-16 input announced by a BOM is decoded to UTF-8.
func Sanitize(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
}

// normaliseHeader cleans header cells and names blank or repeated columns
func normaliseHeader(raw []string) []string {
	out := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for i, h := range raw {
		h = convert.CleanCell(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		if n := seen[strings.ToLower(h)]; n > 0 {
			seen[strings.ToLower(h)] = n + 1
			h = fmt.Sprintf("%s_%d", h, n+1)
		} else {
			seen[strings.ToLower(h)] = 1
		}
		out[i] = h
	}
	return out
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// tabular adapts a cell slice source (csv, xlsx) to RowReader
type tabular struct {
	header []string
	next   func() ([]string, error)
	closer func() error
	line   int
	done   bool
}

func (t *tabular) Header() []string {
	return append([]string(nil), t.header...)
}

func (t *tabular) Next(n int) ([]model.Row, error) {
	if t.done {
		return nil, io.EOF
	}
	if n <= 0 {
		n = 1
	}

	rows := make([]model.Row, 0, n)
	for len(rows) < n {
		cells, err := t.next()
		if errors.Is(err, io.EOF) {
			t.done = true
			break
		}
		if err != nil {
			return rows, err
		}
		if blank(cells) {
			continue
		}

		t.line++
		rec := make(model.Record, len(t.header))
		for i, h := range t.header {
			if i < len(cells) {
				rec[h] = cells[i]
			} else {
				rec[h] = ""
			}
		}
		rows = append(rows, model.Row{Line: t.line, Values: rec})
	}

	if len(rows) == 0 && t.done {
		return nil, io.EOF
	}
	return rows, nil
}

func (t *tabular) Close() error {
	if t.closer != nil {
		return t.closer()
	}
	return nil
}
