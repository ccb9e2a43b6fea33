package sow

import (
	"fmt"
	"sort"
)

// Duplicate is a record whose key already appeared earlier in the same file.
// It is skipped, never written.
type Duplicate struct {
	Record    Record
	FirstLine int
}

// Warning renders the skipped duplicate as an issue line.
func (d Duplicate) Warning() string {
	return fmt.Sprintf("line %d: duplicate %s %s (first seen on line %d), skipped",
		d.Record.SourceLine(), d.Record.Kind().keyLabel(), d.Record.Key(), d.FirstLine)
}

// Deduped partitions valid records by how their key relates to the file and
// to the rows already persisted for the project.
type Deduped struct {
	FirstOccurrence     []Record
	DuplicateInBatch    []Duplicate
	DuplicateOfExisting []Record
}

// Dedupe keeps the first occurrence of each key in file order. Later rows
// with the same key become DuplicateInBatch. First occurrences whose key is
// in existing are update candidates and go to DuplicateOfExisting.
func Dedupe(valid []Record, existing map[string]struct{}) Deduped {
	var d Deduped
	seen := make(map[string]int, len(valid))
	for _, rec := range valid {
		if first, dup := seen[rec.Key()]; dup {
			d.DuplicateInBatch = append(d.DuplicateInBatch, Duplicate{Record: rec, FirstLine: first})
			continue
		}
		seen[rec.Key()] = rec.SourceLine()
		if _, ok := existing[rec.Key()]; ok {
			d.DuplicateOfExisting = append(d.DuplicateOfExisting, rec)
			continue
		}
		d.FirstOccurrence = append(d.FirstOccurrence, rec)
	}
	return d
}

// Upsertable returns FirstOccurrence and DuplicateOfExisting merged back into
// file order, ready for batching.
func (d Deduped) Upsertable() []Record {
	out := make([]Record, 0, len(d.FirstOccurrence)+len(d.DuplicateOfExisting))
	out = append(out, d.FirstOccurrence...)
	out = append(out, d.DuplicateOfExisting...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SourceLine() < out[j].SourceLine()
	})
	return out
}

// OrphanDrops returns the drops whose pole reference is blank or names a
// pole not in poles.
func OrphanDrops(recs []Record, poles map[string]struct{}) []DropRow {
	var out []DropRow
	for _, rec := range recs {
		d, ok := rec.(DropRow)
		if !ok {
			continue
		}
		if _, found := poles[d.PoleNumber]; d.PoleNumber == "" || !found {
			out = append(out, d)
		}
	}
	return out
}

// OrphanWarning renders an orphaned drop as an issue line.
func OrphanWarning(d DropRow) string {
	if d.PoleNumber == "" {
		return fmt.Sprintf("line %d: drop %s has no pole reference", d.Line, d.DropNumber)
	}
	return fmt.Sprintf("line %d: drop %s references unknown pole %s", d.Line, d.DropNumber, d.PoleNumber)
}
