package sowfile

import (
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// rawCells reads stored values so numbers keep full precision regardless of
// the display format applied to the cell.
var rawCells = excelize.Options{RawCellValue: true}

type excelReader struct {
	name   string
	f      *excelize.File
	sheet  string
	rows   *excelize.Rows
	header []string
	line   int
	dates  map[int]bool
}

// newExcelReader opens the workbook and streams the first worksheet. The
// first non-blank row is the header.
func newExcelReader(name string, r io.Reader) (*excelReader, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &FormatError{Name: name, Reason: "unreadable Excel workbook", Err: err}
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, &FormatError{Name: name, Reason: "workbook has no worksheets"}
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, &FormatError{Name: name, Reason: "unreadable worksheet " + sheets[0], Err: err}
	}

	x := &excelReader{name: name, f: f, sheet: sheets[0], rows: rows, dates: map[int]bool{}}
	for rows.Next() {
		x.line++
		cells, err := rows.Columns(rawCells)
		if err != nil {
			x.Close()
			return nil, &FormatError{Name: name, Reason: "unreadable header row", Err: err}
		}
		if header := cleanHeader(cells); len(header) > 0 {
			x.header = header
			return x, nil
		}
	}
	x.Close()
	return nil, &FormatError{Name: name, Reason: "first worksheet " + sheets[0] + " is empty"}
}

func (x *excelReader) Header() []string { return x.header }

func (x *excelReader) Next() (RawRow, error) {
	for x.rows.Next() {
		x.line++
		cells, err := x.rows.Columns(rawCells)
		if err != nil {
			return RawRow{}, &FormatError{Name: x.name, Reason: "unreadable row", Err: err}
		}
		values, blank := normalizeRow(cells, len(x.header))
		if blank {
			continue
		}
		x.formatDates(values)
		return RawRow{Line: x.line, Values: values}, nil
	}
	if err := x.rows.Error(); err != nil {
		return RawRow{}, &FormatError{Name: x.name, Reason: "unreadable worksheet", Err: err}
	}
	return RawRow{}, io.EOF
}

// formatDates replaces the serial number of date-styled cells with the
// workbook's rendering of the date. Other numeric cells stay raw.
func (x *excelReader) formatDates(values []string) {
	for i, v := range values {
		if v == "" {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(i+1, x.line)
		if err != nil {
			continue
		}
		style, err := x.f.GetCellStyle(x.sheet, cell)
		if err != nil || style == 0 || !x.isDateStyle(style) {
			continue
		}
		if shown, err := x.f.GetCellValue(x.sheet, cell); err == nil && shown != "" {
			values[i] = shown
		}
	}
}

func (x *excelReader) isDateStyle(id int) bool {
	if d, ok := x.dates[id]; ok {
		return d
	}
	d := false
	if s, err := x.f.GetStyle(id); err == nil && s != nil {
		switch {
		case s.CustomNumFmt != nil:
			d = isDateFormat(*s.CustomNumFmt)
		case s.NumFmt >= 14 && s.NumFmt <= 22, s.NumFmt >= 45 && s.NumFmt <= 47:
			d = true
		}
	}
	x.dates[id] = d
	return d
}

var literalFmt = regexp.MustCompile(`"[^"]*"|\[[^\]]*\]|\\.`)

// isDateFormat reports whether a custom number format has date parts once
// quoted literals and bracketed sections are removed.
func isDateFormat(format string) bool {
	return strings.ContainsAny(strings.ToLower(literalFmt.ReplaceAllString(format, "")), "dy")
}

func (x *excelReader) Close() error {
	if x.rows != nil {
		x.rows.Close()
	}
	return x.f.Close()
}
