// Package store persists normalized SOW records with a parameterized
// insert-or-update keyed on (project_id, business key).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zulandar/fibreflow/internal/models"
	"github.com/zulandar/fibreflow/internal/sow"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned by the Get methods when no row matches the key.
var ErrNotFound = errors.New("store: record not found")

// Store is the relational persistence boundary for SOW records.
type Store struct {
	db *gorm.DB
}

// New wraps an open connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

type table struct {
	name    string
	key     string
	updates []string
}

var tables = map[sow.Kind]table{
	sow.KindPoles: {
		name:    "sow_poles",
		key:     "pole_number",
		updates: []string{"latitude", "longitude", "status", "max_drops", "current_drops", "metadata", "source_line", "import_job_id", "updated_at"},
	},
	sow.KindDrops: {
		name:    "sow_drops",
		key:     "drop_number",
		updates: []string{"pole_number", "address", "customer_name", "cable_length", "status", "metadata", "source_line", "import_job_id", "updated_at"},
	},
	sow.KindFibre: {
		name:    "sow_fibre",
		key:     "segment_id",
		updates: []string{"from_point", "to_point", "distance", "cable_type", "zone", "pon", "status", "metadata", "source_line", "import_job_id", "updated_at"},
	},
}

func tableFor(kind sow.Kind) (table, error) {
	t, ok := tables[kind]
	if !ok {
		return table{}, fmt.Errorf("store: unknown kind %q", kind)
	}
	return t, nil
}

// Upsert writes recs for projectID in one statement. Rows whose natural key
// already exists have every non-key column overwritten and updated_at
// refreshed. All records must share one kind. It returns the driver's
// affected-row count.
func (s *Store) Upsert(ctx context.Context, projectID string, jobID uint, recs []sow.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	kind := recs[0].Kind()
	t, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	var rows interface{}
	switch kind {
	case sow.KindPoles:
		poles := make([]models.Pole, 0, len(recs))
		for _, rec := range recs {
			r, ok := rec.(sow.PoleRow)
			if !ok {
				return 0, fmt.Errorf("store: mixed kinds in batch: %s in %s batch", rec.Kind(), kind)
			}
			md, err := marshalMetadata(r.Metadata)
			if err != nil {
				return 0, fmt.Errorf("store: marshal metadata for pole %q: %w", r.PoleNumber, err)
			}
			poles = append(poles, models.Pole{
				ProjectID:    projectID,
				PoleNumber:   r.PoleNumber,
				Latitude:     r.Latitude,
				Longitude:    r.Longitude,
				Status:       r.Status,
				MaxDrops:     r.MaxDrops,
				CurrentDrops: r.CurrentDrops,
				Metadata:     md,
				SourceLine:   r.Line,
				ImportJobID:  jobID,
			})
		}
		rows = &poles
	case sow.KindDrops:
		drops := make([]models.Drop, 0, len(recs))
		for _, rec := range recs {
			r, ok := rec.(sow.DropRow)
			if !ok {
				return 0, fmt.Errorf("store: mixed kinds in batch: %s in %s batch", rec.Kind(), kind)
			}
			md, err := marshalMetadata(r.Metadata)
			if err != nil {
				return 0, fmt.Errorf("store: marshal metadata for drop %q: %w", r.DropNumber, err)
			}
			drops = append(drops, models.Drop{
				ProjectID:    projectID,
				DropNumber:   r.DropNumber,
				PoleNumber:   r.PoleNumber,
				Address:      r.Address,
				CustomerName: r.CustomerName,
				CableLength:  r.CableLength,
				Status:       r.Status,
				Metadata:     md,
				SourceLine:   r.Line,
				ImportJobID:  jobID,
			})
		}
		rows = &drops
	case sow.KindFibre:
		segs := make([]models.FibreSegment, 0, len(recs))
		for _, rec := range recs {
			r, ok := rec.(sow.FibreRow)
			if !ok {
				return 0, fmt.Errorf("store: mixed kinds in batch: %s in %s batch", rec.Kind(), kind)
			}
			md, err := marshalMetadata(r.Metadata)
			if err != nil {
				return 0, fmt.Errorf("store: marshal metadata for segment %q: %w", r.SegmentID, err)
			}
			segs = append(segs, models.FibreSegment{
				ProjectID:   projectID,
				SegmentID:   r.SegmentID,
				FromPoint:   r.FromPoint,
				ToPoint:     r.ToPoint,
				Distance:    r.Distance,
				CableType:   r.CableType,
				Zone:        r.Zone,
				PON:         r.PON,
				Status:      r.Status,
				Metadata:    md,
				SourceLine:  r.Line,
				ImportJobID: jobID,
			})
		}
		rows = &segs
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: t.key}},
		DoUpdates: clause.AssignmentColumns(t.updates),
	}).Create(rows)
	if result.Error != nil {
		return 0, fmt.Errorf("store: upsert %d %s for project %s: %w", len(recs), kind, projectID, result.Error)
	}
	return result.RowsAffected, nil
}

// ExistingKeys returns the business keys already persisted for projectID.
func (s *Store) ExistingKeys(ctx context.Context, projectID string, kind sow.Kind) (map[string]struct{}, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := s.db.WithContext(ctx).Table(t.name).
		Where("project_id = ?", projectID).
		Pluck(t.key, &keys).Error; err != nil {
		return nil, fmt.Errorf("store: existing %s keys for project %s: %w", kind, projectID, err)
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, nil
}

// Count returns the number of persisted records of kind for projectID.
func (s *Store) Count(ctx context.Context, projectID string, kind sow.Kind) (int64, error) {
	t, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Table(t.name).Where("project_id = ?", projectID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("store: count %s for project %s: %w", kind, projectID, err)
	}
	return n, nil
}

// GetPole looks a pole up by its natural key. poleNumber is normalized first.
func (s *Store) GetPole(ctx context.Context, projectID, poleNumber string) (*models.Pole, error) {
	var p models.Pole
	if err := s.first(ctx, &p, "pole_number", projectID, poleNumber); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetDrop looks a drop up by its natural key.
func (s *Store) GetDrop(ctx context.Context, projectID, dropNumber string) (*models.Drop, error) {
	var d models.Drop
	if err := s.first(ctx, &d, "drop_number", projectID, dropNumber); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetFibreSegment looks a fibre segment up by its natural key.
func (s *Store) GetFibreSegment(ctx context.Context, projectID, segmentID string) (*models.FibreSegment, error) {
	var f models.FibreSegment
	if err := s.first(ctx, &f, "segment_id", projectID, segmentID); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) first(ctx context.Context, dest interface{}, keyCol, projectID, key string) error {
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND "+keyCol+" = ?", projectID, sow.NormalizeKey(key)).
		First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %q in project %s", ErrNotFound, keyCol, key, projectID)
	}
	if err != nil {
		return fmt.Errorf("store: get %s %q: %w", keyCol, key, err)
	}
	return nil
}

// marshalMetadata encodes unmapped columns, returning "" when there are none.
func marshalMetadata(md map[string]string) (string, error) {
	if len(md) == 0 {
		return "", nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Metadata decodes a stored metadata column.
func Metadata(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var md map[string]string
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil, fmt.Errorf("store: decode metadata: %w", err)
	}
	return md, nil
}
