// Package sow maps raw spreadsheet rows onto typed SOW records (poles, drops,
// fibre segments), validates them, and partitions duplicates.
package sow

import (
	"fmt"
	"strings"
)

// Kind is the SOW step a file is imported for.
type Kind string

const (
	KindPoles Kind = "poles"
	KindDrops Kind = "drops"
	KindFibre Kind = "fibre"
)

// Kinds lists every supported kind in import order.
var Kinds = []Kind{KindPoles, KindDrops, KindFibre}

// ParseKind accepts a kind name case-insensitively, including the singular
// forms and the "fiber" spelling.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "poles", "pole":
		return KindPoles, nil
	case "drops", "drop":
		return KindDrops, nil
	case "fibre", "fiber", "fibre_segments", "segments":
		return KindFibre, nil
	}
	return "", fmt.Errorf("sow: unknown step %q, expected poles, drops or fibre", s)
}

// keyLabel names the business key of a kind in messages.
func (k Kind) keyLabel() string {
	switch k {
	case KindPoles:
		return "pole number"
	case KindDrops:
		return "drop number"
	default:
		return "segment id"
	}
}

// Record is one normalized SOW row. It is implemented only by PoleRow,
// DropRow and FibreRow.
type Record interface {
	Kind() Kind
	// Key is the normalized business key, unique per project and kind.
	Key() string
	// SourceLine is the 1-based line of the row in the uploaded file.
	SourceLine() int
	isRecord()
}

// PoleRow is a normalized pole.
type PoleRow struct {
	Line         int
	PoleNumber   string
	Latitude     float64
	Longitude    float64
	Status       string
	MaxDrops     int
	CurrentDrops int
	Metadata     map[string]string
}

func (PoleRow) Kind() Kind        { return KindPoles }
func (r PoleRow) Key() string     { return r.PoleNumber }
func (r PoleRow) SourceLine() int { return r.Line }
func (PoleRow) isRecord()         {}

// DropRow is a normalized drop. PoleNumber is a soft reference.
type DropRow struct {
	Line         int
	DropNumber   string
	PoleNumber   string
	Address      string
	CustomerName string
	CableLength  float64
	Status       string
	Metadata     map[string]string
}

func (DropRow) Kind() Kind        { return KindDrops }
func (r DropRow) Key() string     { return r.DropNumber }
func (r DropRow) SourceLine() int { return r.Line }
func (DropRow) isRecord()         {}

// FibreRow is a normalized fibre segment.
type FibreRow struct {
	Line      int
	SegmentID string
	FromPoint string
	ToPoint   string
	Distance  float64
	CableType string
	Zone      string
	PON       string
	Status    string
	Metadata  map[string]string
}

func (FibreRow) Kind() Kind        { return KindFibre }
func (r FibreRow) Key() string     { return r.SegmentID }
func (r FibreRow) SourceLine() int { return r.Line }
func (FibreRow) isRecord()         {}
