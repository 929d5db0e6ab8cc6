package format

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const xlsxSheet = "Sheet1"

// newXLSXReader streams the first worksheet of a workbook
func newXLSXReader(r io.Reader) (RowReader, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return &tabular{done: true}, nil
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	next := func() ([]string, error) {
		if !rows.Next() {
			if err := rows.Error(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return rows.Columns()
	}

	t := &tabular{
		next: next,
		closer: func() error {
			rows.Close()
			return f.Close()
		},
	}

	for {
		raw, err := next()
		if err == io.EOF {
			t.done = true
			return t, nil
		}
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("read sheet header: %w", err)
		}
		if !blank(raw) {
			t.header = normaliseHeader(raw)
			return t, nil
		}
	}
}

// xlsxWriter buffers rows through excelize's stream writer and writes the
// workbook to w on Close.
type xlsxWriter struct {
	out  io.Writer
	file *excelize.File
	sw   *excelize.StreamWriter
	row  int
}

func newXLSXWriter(w io.Writer) (*xlsxWriter, error) {
	f := excelize.NewFile()
	sw, err := f.NewStreamWriter(xlsxSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create stream writer: %w", err)
	}
	return &xlsxWriter{out: w, file: f, sw: sw}, nil
}

func (x *xlsxWriter) WriteHeader(header []string) error {
	return x.WriteRow(header)
}

func (x *xlsxWriter) WriteRow(values []string) error {
	x.row++
	cell, err := excelize.CoordinatesToCellName(1, x.row)
	if err != nil {
		return err
	}
	row := make([]interface{}, len(values))
	for i, v := range values {
		row[i] = v
	}
	return x.sw.SetRow(cell, row)
}

func (x *xlsxWriter) Close() error {
	defer x.file.Close()
	if err := x.sw.Flush(); err != nil {
		return fmt.Errorf("flush workbook: %w", err)
	}
	if err := x.file.Write(x.out); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
