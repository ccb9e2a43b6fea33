package models

import "time"

// Pole is a project-scoped SOW pole keyed by (ProjectID, PoleNumber).
type Pole struct {
	ID           uint    `gorm:"primaryKey;autoIncrement"`
	ProjectID    string  `gorm:"size:64;not null;uniqueIndex:idx_sow_poles_key,priority:1"`
	PoleNumber   string  `gorm:"size:128;not null;uniqueIndex:idx_sow_poles_key,priority:2"`
	Latitude     float64 `gorm:"default:0"`
	Longitude    float64 `gorm:"default:0"`
	Status       string  `gorm:"size:32;default:planned"`
	MaxDrops     int     `gorm:"not null"`
	CurrentDrops int     `gorm:"default:0"`
	Metadata     string  `gorm:"type:text"`
	SourceLine   int
	ImportJobID  uint `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName keeps the table name used by the existing SOW schema.
func (Pole) TableName() string { return "sow_poles" }

// Drop is a customer connection keyed by (ProjectID, DropNumber). PoleNumber
// is a soft reference and may point at a pole that is not persisted yet.
type Drop struct {
	ID           uint    `gorm:"primaryKey;autoIncrement"`
	ProjectID    string  `gorm:"size:64;not null;uniqueIndex:idx_sow_drops_key,priority:1"`
	DropNumber   string  `gorm:"size:128;not null;uniqueIndex:idx_sow_drops_key,priority:2"`
	PoleNumber   string  `gorm:"size:128;index"`
	Address      string  `gorm:"size:500"`
	CustomerName string  `gorm:"size:255"`
	CableLength  float64 `gorm:"default:0"`
	Status       string  `gorm:"size:32;default:planned"`
	Metadata     string  `gorm:"type:text"`
	SourceLine   int
	ImportJobID  uint `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Drop) TableName() string { return "sow_drops" }

// FibreSegment is a cable run keyed by (ProjectID, SegmentID).
type FibreSegment struct {
	ID          uint    `gorm:"primaryKey;autoIncrement"`
	ProjectID   string  `gorm:"size:64;not null;uniqueIndex:idx_sow_fibre_key,priority:1"`
	SegmentID   string  `gorm:"size:128;not null;uniqueIndex:idx_sow_fibre_key,priority:2"`
	FromPoint   string  `gorm:"size:128;not null"`
	ToPoint     string  `gorm:"size:128;not null"`
	Distance    float64 `gorm:"not null;default:0"`
	CableType   string  `gorm:"size:64"`
	Zone        string  `gorm:"size:32"`
	PON         string  `gorm:"column:pon;size:32"`
	Status      string  `gorm:"size:32;default:planned"`
	Metadata    string  `gorm:"type:text"`
	SourceLine  int
	ImportJobID uint `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (FibreSegment) TableName() string { return "sow_fibre" }
