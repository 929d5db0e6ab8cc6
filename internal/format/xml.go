package format

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"ferry/internal/model"
)

// xmlReader expects one element per row under the document root, with
// field values as child elements or attributes:
//
//	<rows><row id="1"><email>a@b.io</email></row></rows>
type xmlReader struct {
	dec     *xml.Decoder
	header  []string
	known   map[string]bool
	pending []model.Record
	line    int
	done    bool
}

func newXMLReader(r io.Reader) (RowReader, error) {
	x := &xmlReader{dec: xml.NewDecoder(Sanitize(r)), known: make(map[string]bool)}

	for {
		tok, err := x.dec.Token()
		if errors.Is(err, io.EOF) {
			x.done = true
			return x, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read xml root: %w", err)
		}
		if _, ok := tok.(xml.StartElement); ok {
			break
		}
	}

	for {
		rec, fields, err := x.readRow()
		if errors.Is(err, io.EOF) {
			x.done = true
			return x, nil
		}
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		x.addFields(fields)
		x.pending = append(x.pending, rec)
		return x, nil
	}
}

func (x *xmlReader) addFields(fields []string) {
	for _, f := range fields {
		if !x.known[f] {
			x.known[f] = true
			x.header = append(x.header, f)
		}
	}
}

// readRow returns the next non-blank row, or a nil record for a blank one
func (x *xmlReader) readRow() (model.Record, []string, error) {
	for {
		tok, err := x.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil, io.EOF
			}
			return nil, nil, fmt.Errorf("read xml row: %w", err)
		}

		switch el := tok.(type) {
		case xml.EndElement:
			return nil, nil, io.EOF
		case xml.StartElement:
			return x.decodeRow(el)
		}
	}
}

func (x *xmlReader) decodeRow(start xml.StartElement) (model.Record, []string, error) {
	rec := make(model.Record)
	var fields []string

	for _, a := range start.Attr {
		rec[a.Name.Local] = a.Value
		fields = append(fields, a.Name.Local)
	}

	for {
		tok, err := x.dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("read xml row: %w", err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			var value string
			if err := x.dec.DecodeElement(&value, &el); err != nil {
				return nil, nil, fmt.Errorf("read xml field %s: %w", el.Name.Local, err)
			}
			if _, dup := rec[el.Name.Local]; !dup {
				fields = append(fields, el.Name.Local)
			}
			rec[el.Name.Local] = value
		case xml.EndElement:
			for _, v := range rec {
				if strings.TrimSpace(v) != "" {
					return rec, fields, nil
				}
			}
			return nil, nil, nil
		}
	}
}

func (x *xmlReader) Header() []string {
	return append([]string(nil), x.header...)
}

func (x *xmlReader) Next(n int) ([]model.Row, error) {
	if n <= 0 {
		n = 1
	}

	rows := make([]model.Row, 0, n)
	for len(rows) < n {
		var rec model.Record
		if len(x.pending) > 0 {
			rec, x.pending = x.pending[0], x.pending[1:]
		} else if x.done {
			break
		} else {
			r, fields, err := x.readRow()
			if errors.Is(err, io.EOF) {
				x.done = true
				break
			}
			if err != nil {
				return rows, err
			}
			if r == nil {
				continue
			}
			x.addFields(fields)
			rec = r
		}

		x.line++
		for _, h := range x.header {
			if _, ok := rec[h]; !ok {
				rec[h] = ""
			}
		}
		rows = append(rows, model.Row{Line: x.line, Values: rec})
	}

	if len(rows) == 0 {
		return nil, io.EOF
	}
	return rows, nil
}

func (x *xmlReader) Close() error {
	return nil
}

// xmlName turns a column header into a valid element name
func xmlName(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case unicode.IsLetter(r) || r == '_':
			b.WriteRune(r)
		case unicode.IsDigit(r) || r == '-' || r == '.':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "field"
	}
	return b.String()
}

type xmlWriter struct {
	enc    *xml.Encoder
	names  []xml.Name
	opened bool
}

func newXMLWriter(w io.Writer) *xmlWriter {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return &xmlWriter{enc: enc}
}

func (x *xmlWriter) open() error {
	if x.opened {
		return nil
	}
	x.opened = true
	if err := x.enc.EncodeToken(xml.ProcInst{Target: "xml", Inst: []byte(`version="1.0" encoding="UTF-8"`)}); err != nil {
		return err
	}
	return x.enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: "rows"}})
}

func (x *xmlWriter) WriteHeader(header []string) error {
	x.names = make([]xml.Name, len(header))
	for i, h := range header {
		x.names[i] = xml.Name{Local: xmlName(h)}
	}
	return x.open()
}

func (x *xmlWriter) WriteRow(values []string) error {
	if err := x.open(); err != nil {
		return err
	}

	row := xml.StartElement{Name: xml.Name{Local: "row"}}
	if err := x.enc.EncodeToken(row); err != nil {
		return err
	}
	for i, v := range values {
		name := xml.Name{Local: fmt.Sprintf("column_%d", i+1)}
		if i < len(x.names) {
			name = x.names[i]
		}
		if err := x.enc.EncodeElement(v, xml.StartElement{Name: name}); err != nil {
			return err
		}
	}
	return x.enc.EncodeToken(row.End())
}

func (x *xmlWriter) Close() error {
	if err := x.open(); err != nil {
		return err
	}
	if err := x.enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: "rows"}}); err != nil {
		return err
	}
	return x.enc.Flush()
}
