package sow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zulandar/fibreflow/internal/sowfile"
)

// SchemaError reports a file whose shape is unusable: a blank header row,
// missing required columns, ambiguous columns, or no data rows at all. It
// fails the whole import rather than individual rows.
type SchemaError struct {
	Kind    Kind
	Missing []string
	Reason  string
}

func (e *SchemaError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("sow: %s file is missing required columns: %s", e.Kind, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("sow: %s file: %s", e.Kind, e.Reason)
}

// field is a canonical column of a SOW record.
type field string

const (
	fPoleNumber   field = "pole_number"
	fLatitude     field = "latitude"
	fLongitude    field = "longitude"
	fStatus       field = "status"
	fMaxDrops     field = "max_drops"
	fCurrentDrops field = "current_drops"
	fDropNumber   field = "drop_number"
	fAddress      field = "address"
	fCustomerName field = "customer_name"
	fCableLength  field = "cable_length"
	fSegmentID    field = "segment_id"
	fFromPoint    field = "from_point"
	fToPoint      field = "to_point"
	fDistance     field = "distance"
	fCableType    field = "cable_type"
	fZone         field = "zone"
	fPON          field = "pon"
)

type fieldSpec struct {
	name     field
	required bool
	aliases  []string
}

// Header aliases are matched after lower-casing and trimming. Aliases cover
// the planning exports field teams upload (Label_1, strtfeat, endfeat, ...).
var schemas = map[Kind][]fieldSpec{
	KindPoles: {
		{fPoleNumber, true, []string{"pole_number", "pole number", "pole_no", "pole", "label_1", "label", "pole_id"}},
		{fLatitude, false, []string{"latitude", "lat", "y", "coord_lat", "coord_y"}},
		{fLongitude, false, []string{"longitude", "lon", "lng", "long", "x", "coord_lng", "coord_x"}},
		{fStatus, false, []string{"status", "pole_status"}},
		{fMaxDrops, false, []string{"max_drops", "max drops", "capacity", "max_capacity"}},
		{fCurrentDrops, false, []string{"current_drops", "current drops", "drops"}},
	},
	KindDrops: {
		{fDropNumber, true, []string{"drop_number", "drop number", "drop_no", "drop", "label", "drop_id"}},
		{fPoleNumber, false, []string{"pole_number", "pole number", "pole_no", "pole", "strtfeat", "pole_id"}},
		{fAddress, false, []string{"address", "end_point", "endfeat", "ont_address"}},
		{fCustomerName, false, []string{"customer_name", "customer", "name"}},
		{fCableLength, false, []string{"cable_length", "cable length", "length", "distance", "dim2"}},
		{fStatus, false, []string{"status", "drop_status"}},
	},
	KindFibre: {
		{fSegmentID, true, []string{"segment_id", "segment id", "segment", "label", "cable_id", "fibre_id", "fiber_id"}},
		{fFromPoint, true, []string{"from_point", "from point", "from", "start", "strtfeat"}},
		{fToPoint, true, []string{"to_point", "to point", "to", "end", "endfeat"}},
		{fDistance, true, []string{"distance", "length", "cable_length"}},
		{fCableType, false, []string{"cable_type", "cable type", "type", "cable_size"}},
		{fZone, false, []string{"zone", "zone_no"}},
		{fPON, false, []string{"pon", "pon_no"}},
		{fStatus, false, []string{"status", "layer"}},
	},
}

// Mapper binds the columns of one header row to the canonical fields of a
// kind. Columns that match no alias are kept as metadata.
type Mapper struct {
	kind   Kind
	header []string
	index  map[field]int
	extra  []int
}

// NewMapper resolves header against the aliases of kind.
func NewMapper(kind Kind, header []string) (*Mapper, error) {
	specs, ok := schemas[kind]
	if !ok {
		return nil, fmt.Errorf("sow: unknown kind %q", kind)
	}

	blank := true
	for _, h := range header {
		if strings.TrimSpace(h) != "" {
			blank = false
			break
		}
	}
	if blank {
		return nil, &SchemaError{Kind: kind, Reason: "header row is blank"}
	}

	lookup := make(map[string]field)
	for _, s := range specs {
		for _, a := range s.aliases {
			lookup[a] = s.name
		}
	}

	m := &Mapper{kind: kind, header: header, index: make(map[field]int)}
	seen := make(map[string]int)
	for i, h := range header {
		name := headerKey(h)
		if name == "" {
			continue
		}
		if prev, dup := seen[name]; dup {
			return nil, &SchemaError{Kind: kind, Reason: fmt.Sprintf("column %q appears twice (columns %d and %d)", strings.TrimSpace(h), prev+1, i+1)}
		}
		seen[name] = i

		f, ok := lookup[name]
		if !ok {
			m.extra = append(m.extra, i)
			continue
		}
		if prev, taken := m.index[f]; taken {
			return nil, &SchemaError{Kind: kind, Reason: fmt.Sprintf("columns %q and %q both map to %s", strings.TrimSpace(header[prev]), strings.TrimSpace(h), f)}
		}
		m.index[f] = i
	}

	var missing []string
	for _, s := range specs {
		if _, ok := m.index[s.name]; s.required && !ok {
			missing = append(missing, string(s.name))
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Kind: kind, Missing: missing}
	}
	return m, nil
}

// Kind returns the kind the mapper was built for.
func (m *Mapper) Kind() Kind { return m.kind }

// Columns returns the header column bound to each canonical field, sorted
// by field name.
func (m *Mapper) Columns() map[string]string {
	out := make(map[string]string, len(m.index))
	for f, i := range m.index {
		out[string(f)] = strings.TrimSpace(m.header[i])
	}
	return out
}

// Unmapped returns the header cells kept as metadata, in column order.
func (m *Mapper) Unmapped() []string {
	out := make([]string, 0, len(m.extra))
	for _, i := range m.extra {
		out = append(out, strings.TrimSpace(m.header[i]))
	}
	return out
}

func (m *Mapper) value(row sowfile.RawRow, f field) (string, bool) {
	i, ok := m.index[f]
	if !ok || i >= len(row.Values) {
		return "", false
	}
	return strings.TrimSpace(row.Values[i]), true
}

func (m *Mapper) metadata(row sowfile.RawRow) map[string]string {
	var md map[string]string
	for _, i := range m.extra {
		if i >= len(row.Values) {
			continue
		}
		v := strings.TrimSpace(row.Values[i])
		if v == "" {
			continue
		}
		if md == nil {
			md = make(map[string]string)
		}
		md[strings.TrimSpace(m.header[i])] = v
	}
	return md
}

// Aliases returns the accepted header names for every field of kind, for
// help output.
func Aliases(kind Kind) map[string][]string {
	out := make(map[string][]string)
	for _, s := range schemas[kind] {
		a := append([]string(nil), s.aliases...)
		sort.Strings(a)
		out[string(s.name)] = a
	}
	return out
}

// RequiredFields lists the mandatory fields of kind.
func RequiredFields(kind Kind) []string {
	var out []string
	for _, s := range schemas[kind] {
		if s.required {
			out = append(out, string(s.name))
		}
	}
	return out
}

func headerKey(h string) string {
	return strings.ToLower(strings.Join(strings.Fields(h), " "))
}
