package sow

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/fibreflow/internal/sowfile"
)

// DefaultStatus is applied to rows with a blank status cell.
const DefaultStatus = "planned"

// Options tunes normalization.
type Options struct {
	// DefaultMaxDrops is the pole capacity used when the cell is blank.
	DefaultMaxDrops int
}

func (o Options) maxDrops() int {
	if o.DefaultMaxDrops > 0 {
		return o.DefaultMaxDrops
	}
	return 12
}

// Invalid is a row rejected by validation, with every problem found on it.
type Invalid struct {
	Line     int
	Raw      map[string]string
	Messages []string
}

// Error renders the row as a single issue line.
func (iv Invalid) Error() string {
	return fmt.Sprintf("line %d: %s", iv.Line, strings.Join(iv.Messages, "; "))
}

// Validation is the outcome of validating a set of rows.
type Validation struct {
	Valid   []Record
	Invalid []Invalid
}

// maxRunes bounds text fields to the width of the column they are stored in.
var maxRunes = map[field]int{
	fPoleNumber:   128,
	fDropNumber:   128,
	fSegmentID:    128,
	fFromPoint:    128,
	fToPoint:      128,
	fAddress:      500,
	fCustomerName: 255,
	fCableType:    64,
	fZone:         32,
	fPON:          32,
	fStatus:       32,
}

// Map normalizes one raw row. A nil Record with messages means the row is
// invalid; messages name the offending field.
func (m *Mapper) Map(row sowfile.RawRow, opts Options) (Record, []string) {
	p := &problems{}
	for i, v := range row.Values {
		if !utf8.ValidString(v) && i < len(m.header) {
			p.addf(field(headerKey(m.header[i])), "contains invalid UTF-8")
		}
	}
	if len(p.msgs) > 0 {
		return nil, p.msgs
	}
	var rec Record
	switch m.kind {
	case KindPoles:
		rec = m.mapPole(row, opts, p)
	case KindDrops:
		rec = m.mapDrop(row, p)
	case KindFibre:
		rec = m.mapFibre(row, p)
	}
	if len(p.msgs) > 0 {
		return nil, p.msgs
	}
	return rec, nil
}

// Validate maps every row and partitions them into valid and invalid, in
// file order. A file with no data rows is a SchemaError.
func (m *Mapper) Validate(rows []sowfile.RawRow, opts Options) (*Validation, error) {
	if len(rows) == 0 {
		return nil, &SchemaError{Kind: m.kind, Reason: "file contains no data rows"}
	}
	v := &Validation{}
	for _, row := range rows {
		rec, msgs := m.Map(row, opts)
		if msgs != nil {
			v.Invalid = append(v.Invalid, Invalid{Line: row.Line, Raw: row.Fields(m.header), Messages: msgs})
			continue
		}
		v.Valid = append(v.Valid, rec)
	}
	return v, nil
}

// Validate builds a Mapper for header and validates rows with it.
func Validate(kind Kind, header []string, rows []sowfile.RawRow, opts Options) (*Validation, error) {
	m, err := NewMapper(kind, header)
	if err != nil {
		return nil, err
	}
	return m.Validate(rows, opts)
}

func (m *Mapper) mapPole(row sowfile.RawRow, opts Options, p *problems) Record {
	r := PoleRow{Line: row.Line, Metadata: m.metadata(row)}
	r.PoleNumber = m.key(row, fPoleNumber, p)
	r.Latitude = m.float(row, fLatitude, p)
	r.Longitude = m.float(row, fLongitude, p)
	r.Status = m.status(row, p)
	r.MaxDrops = m.int(row, fMaxDrops, opts.maxDrops(), p)
	r.CurrentDrops = m.int(row, fCurrentDrops, 0, p)

	if r.Latitude < -90 || r.Latitude > 90 {
		p.addf(fLatitude, "%v is outside -90..90", r.Latitude)
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		p.addf(fLongitude, "%v is outside -180..180", r.Longitude)
	}
	if r.Latitude != 0 && r.Latitude == r.Longitude {
		p.addf(fLongitude, "equals latitude (%v), columns are likely swapped or duplicated", r.Latitude)
	}
	if r.MaxDrops < 0 {
		p.addf(fMaxDrops, "must be >= 0, got %d", r.MaxDrops)
	}
	if r.CurrentDrops < 0 {
		p.addf(fCurrentDrops, "must be >= 0, got %d", r.CurrentDrops)
	}
	if r.CurrentDrops > r.MaxDrops && r.MaxDrops >= 0 {
		p.addf(fCurrentDrops, "%d exceeds max_drops %d", r.CurrentDrops, r.MaxDrops)
	}
	return r
}

func (m *Mapper) mapDrop(row sowfile.RawRow, p *problems) Record {
	r := DropRow{Line: row.Line, Metadata: m.metadata(row)}
	r.DropNumber = m.key(row, fDropNumber, p)
	if v, ok := m.value(row, fPoleNumber); ok {
		r.PoleNumber = m.fit(fPoleNumber, NormalizeKey(v), p)
	}
	r.Address = m.text(row, fAddress, p)
	r.CustomerName = m.text(row, fCustomerName, p)
	r.CableLength = m.float(row, fCableLength, p)
	r.Status = m.status(row, p)

	if r.CableLength < 0 {
		p.addf(fCableLength, "must be >= 0, got %v", r.CableLength)
	}
	return r
}

func (m *Mapper) mapFibre(row sowfile.RawRow, p *problems) Record {
	r := FibreRow{Line: row.Line, Metadata: m.metadata(row)}
	r.SegmentID = m.key(row, fSegmentID, p)
	r.FromPoint = m.required(row, fFromPoint, p)
	r.ToPoint = m.required(row, fToPoint, p)
	r.Distance = m.float(row, fDistance, p)
	r.CableType = m.text(row, fCableType, p)
	r.Zone = m.text(row, fZone, p)
	r.PON = m.text(row, fPON, p)
	r.Status = m.status(row, p)

	if r.Distance < 0 {
		p.addf(fDistance, "must be >= 0, got %v", r.Distance)
	}
	return r
}

// key reads a business key field, reporting it when blank.
func (m *Mapper) key(row sowfile.RawRow, f field, p *problems) string {
	v, _ := m.value(row, f)
	k := NormalizeKey(v)
	if k == "" {
		p.addf(f, "%s is required", m.kind.keyLabel())
	}
	return m.fit(f, k, p)
}

func (m *Mapper) required(row sowfile.RawRow, f field, p *problems) string {
	v := m.text(row, f, p)
	if v == "" {
		p.addf(f, "is required")
	}
	return v
}

func (m *Mapper) text(row sowfile.RawRow, f field, p *problems) string {
	v, _ := m.value(row, f)
	return m.fit(f, strings.Join(strings.Fields(v), " "), p)
}

// fit reports a value longer than its column allows.
func (m *Mapper) fit(f field, v string, p *problems) string {
	if limit, ok := maxRunes[f]; ok {
		if n := utf8.RuneCountInString(v); n > limit {
			p.addf(f, "is %d characters, at most %d allowed", n, limit)
		}
	}
	return v
}

func (m *Mapper) status(row sowfile.RawRow, p *problems) string {
	v := strings.ToLower(m.text(row, fStatus, p))
	if v == "" {
		return DefaultStatus
	}
	return v
}

// float parses a numeric cell. Blank and absent cells read as 0.
func (m *Mapper) float(row sowfile.RawRow, f field, p *problems) float64 {
	v, _ := m.value(row, f)
	if v == "" {
		return 0
	}
	n, err := ParseNumber(v)
	if err != nil {
		p.addf(f, "%v", err)
		return 0
	}
	return n
}

func (m *Mapper) int(row sowfile.RawRow, f field, def int, p *problems) int {
	v, _ := m.value(row, f)
	if v == "" {
		return def
	}
	n, err := ParseNumber(v)
	if err != nil {
		p.addf(f, "%v", err)
		return def
	}
	if n != math.Trunc(n) {
		p.addf(f, "%q is not a whole number", v)
		return def
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		p.addf(f, "%q is out of range", v)
		return def
	}
	return int(n)
}

// NormalizeKey trims a business key, collapses inner whitespace and
// upper-cases it, so "p 001 " and "P 001" collide.
func NormalizeKey(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// ParseNumber parses a spreadsheet number. A lone decimal comma is accepted
// ("18,5") unless exactly three digits follow it ("1,250"), which reads
// equally as a thousands separator and is rejected. NaN and infinities are
// rejected.
func ParseNumber(s string) (float64, error) {
	t := strings.TrimSpace(s)
	if strings.Count(t, ",") == 1 && !strings.Contains(t, ".") {
		if frac := t[strings.Index(t, ",")+1:]; len(frac) == 3 && isDigits(frac) {
			return 0, fmt.Errorf("%q is ambiguous, use a decimal point or no thousands separator", s)
		}
		t = strings.Replace(t, ",", ".", 1)
	}
	n, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("%q is not a finite number", s)
	}
	return n, nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

type problems struct {
	msgs []string
}

func (p *problems) addf(f field, format string, args ...any) {
	p.msgs = append(p.msgs, string(f)+": "+fmt.Sprintf(format, args...))
}
