package sowfile

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
)

type csvReader struct {
	name   string
	r      *csv.Reader
	header []string
}

func newCSVReader(name string, br *bufio.Reader) (*csvReader, error) {
	stripUTF8BOM(br)

	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	first, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &FormatError{Name: name, Reason: "file is empty"}
		}
		return nil, &FormatError{Name: name, Reason: "unreadable CSV header", Err: err}
	}
	return &csvReader{name: name, r: r, header: cleanHeader(first)}, nil
}

func (c *csvReader) Header() []string { return c.header }

func (c *csvReader) Next() (RawRow, error) {
	for {
		rec, err := c.r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return RawRow{}, io.EOF
			}
			return RawRow{}, &FormatError{Name: c.name, Reason: "unreadable CSV row", Err: err}
		}
		values, blank := normalizeRow(rec, len(c.header))
		if blank {
			continue
		}
		line, _ := c.r.FieldPos(0)
		return RawRow{Line: line, Values: values}, nil
	}
}

func (c *csvReader) Close() error { return nil }

func stripUTF8BOM(r *bufio.Reader) {
	b, err := r.Peek(3)
	if err == nil && len(b) == 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		_, _ = r.Discard(3)
	}
}
