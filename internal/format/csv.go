package format

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

var delimiters = []rune{',', ';', '\t', '|'}

// sniffDelimiter picks the candidate that occurs most often in the first line
func sniffDelimiter(br *bufio.Reader) rune {
	peek, _ := br.Peek(4096)
	if i := bytes.IndexByte(peek, '\n'); i >= 0 {
		peek = peek[:i]
	}

	best, bestCount := ',', 0
	for _, d := range delimiters {
		if c := bytes.Count(peek, []byte(string(d))); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}

func newCSVReader(r io.Reader) (RowReader, error) {
	br := bufio.NewReaderSize(Sanitize(r), 64*1024)

	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	t := &tabular{
		next: func() ([]string, error) {
			return cr.Read()
		},
	}

	for {
		raw, err := cr.Read()
		if errors.Is(err, io.EOF) {
			t.done = true
			return t, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv header: %w", err)
		}
		if !blank(raw) {
			t.header = normaliseHeader(raw)
			return t, nil
		}
	}
}

type csvWriter struct {
	w *csv.Writer
}

func newCSVWriter(w io.Writer) *csvWriter {
	return &csvWriter{w: csv.NewWriter(w)}
}

func (c *csvWriter) WriteHeader(header []string) error {
	return c.w.Write(header)
}

func (c *csvWriter) WriteRow(values []string) error {
	return c.w.Write(values)
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	return c.w.Error()
}
