// Package sowfile reads uploaded SOW spreadsheets (XLSX, XLS or CSV) into raw rows.
package sowfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how many leading bytes are inspected for content detection.
const sniffLen = 3072

// FormatError reports a file that is neither a readable Excel workbook nor
// CSV text, or whose first sheet is empty. It is fatal to the import.
type FormatError struct {
	Name   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sowfile: %s: %s: %v", e.Name, e.Reason, e.Err)
	}
	return fmt.Sprintf("sowfile: %s: %s", e.Name, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// RawRow is one data row. Values are aligned with the reader's header and
// padded with empty strings when the source row is short.
type RawRow struct {
	Line   int
	Values []string
}

// Fields returns the row as a header-name to value mapping.
func (r RawRow) Fields(header []string) map[string]string {
	m := make(map[string]string, len(header))
	for i, h := range header {
		if i < len(r.Values) {
			m[h] = r.Values[i]
		}
	}
	return m
}

// Reader yields the rows of the first sheet of an upload, in file order.
// Next returns io.EOF after the last row.
type Reader interface {
	Header() []string
	Next() (RawRow, error)
	Close() error
}

// Supported reports whether name has an extension Open accepts.
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".xlsx", ".xls":
		return true
	}
	return false
}

// Open detects the format of r from the file name extension and the leading
// content bytes, then returns a streaming Reader positioned after the header.
func Open(name string, r io.Reader) (Reader, error) {
	ext := strings.ToLower(filepath.Ext(name))
	br := bufio.NewReaderSize(r, sniffLen*2)
	head, err := br.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, &FormatError{Name: name, Reason: "read failed", Err: err}
	}
	if len(head) == 0 {
		return nil, &FormatError{Name: name, Reason: "file is empty"}
	}
	mt := mimetype.Detect(head)

	switch ext {
	case ".csv":
		if !hasAncestor(mt, "text/plain") {
			return nil, &FormatError{Name: name, Reason: fmt.Sprintf("content is %s, not CSV text", mt.String())}
		}
		return newCSVReader(name, br)
	case ".xlsx", ".xls":
		if hasAncestor(mt, "application/x-ole-storage") || mt.Is("application/vnd.ms-excel") {
			return newXLSReader(name, br)
		}
		if !hasAncestor(mt, "application/zip") {
			return nil, &FormatError{Name: name, Reason: fmt.Sprintf("content is %s, not an Excel workbook", mt.String())}
		}
		return newExcelReader(name, br)
	default:
		return nil, &FormatError{Name: name, Reason: fmt.Sprintf("unsupported file extension %q, expected .xlsx, .xls or .csv", ext)}
	}
}

// OpenFile opens the file at path and returns a Reader that also closes the
// underlying file.
func OpenFile(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &FormatError{Name: filepath.Base(path), Reason: "open failed", Err: err}
	}
	rd, err := Open(filepath.Base(path), f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileReader{Reader: rd, f: f}, nil
}

type fileReader struct {
	Reader
	f *os.File
}

func (r *fileReader) Close() error {
	err := r.Reader.Close()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func hasAncestor(mt *mimetype.MIME, want string) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is(want) {
			return true
		}
	}
	return false
}

// normalizeRow pads or truncates values to the header width and reports
// whether every cell is blank.
func normalizeRow(values []string, width int) ([]string, bool) {
	out := make([]string, width)
	blank := true
	for i := 0; i < width && i < len(values); i++ {
		out[i] = values[i]
		if strings.TrimSpace(values[i]) != "" {
			blank = false
		}
	}
	return out, blank
}

func cleanHeader(cells []string) []string {
	header := make([]string, len(cells))
	for i, c := range cells {
		header[i] = strings.TrimSpace(c)
	}
	// Trailing blank header cells carry no column.
	for len(header) > 0 && header[len(header)-1] == "" {
		header = header[:len(header)-1]
	}
	return header
}
