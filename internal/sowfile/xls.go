package sowfile

import (
	"bytes"
	"fmt"
	"io"

	"github.com/extrame/xls"
)

// xlsMaxCols is the BIFF8 column limit.
const xlsMaxCols = 256

// xlsReader reads the first worksheet of a legacy BIFF workbook. The format
// needs random access, so the upload is buffered in memory.
type xlsReader struct {
	name   string
	sheet  *xls.WorkSheet
	header []string
	next   int
}

func newXLSReader(name string, r io.Reader) (x *xlsReader, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &FormatError{Name: name, Reason: "read failed", Err: err}
	}
	// The BIFF parser panics on some malformed streams.
	defer func() {
		if p := recover(); p != nil {
			x, err = nil, &FormatError{Name: name, Reason: "unreadable Excel workbook", Err: fmt.Errorf("%v", p)}
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, &FormatError{Name: name, Reason: "unreadable Excel workbook", Err: err}
	}
	if wb.NumSheets() == 0 {
		return nil, &FormatError{Name: name, Reason: "workbook has no worksheets"}
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, &FormatError{Name: name, Reason: "unreadable worksheet"}
	}

	x = &xlsReader{name: name, sheet: sheet}
	for x.next <= int(sheet.MaxRow) {
		cells := x.cells(x.next, xlsMaxCols)
		x.next++
		if header := cleanHeader(cells); len(header) > 0 {
			x.header = header
			return x, nil
		}
	}
	return nil, &FormatError{Name: name, Reason: "first worksheet " + sheet.Name + " is empty"}
}

func (x *xlsReader) cells(i, width int) []string {
	row := x.sheet.Row(i)
	if row == nil {
		return nil
	}
	out := make([]string, width)
	for c := range out {
		out[c] = row.Col(c)
	}
	return out
}

func (x *xlsReader) Header() []string { return x.header }

func (x *xlsReader) Next() (row RawRow, err error) {
	defer func() {
		if p := recover(); p != nil {
			row, err = RawRow{}, &FormatError{Name: x.name, Reason: "unreadable row", Err: fmt.Errorf("%v", p)}
		}
	}()
	for x.next <= int(x.sheet.MaxRow) {
		i := x.next
		x.next++
		values, blank := normalizeRow(x.cells(i, len(x.header)), len(x.header))
		if blank {
			continue
		}
		return RawRow{Line: i + 1, Values: values}, nil
	}
	return RawRow{}, io.EOF
}

func (x *xlsReader) Close() error { return nil }
