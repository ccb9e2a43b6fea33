package models

import "time"

// ImportJob records one upload-to-completion attempt for a project and step.
// Re-imports create a new row; terminal rows are never reopened.
type ImportJob struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	ProjectID     string `gorm:"size:64;not null;index:idx_import_jobs_project_step,priority:1"`
	Step          string `gorm:"size:16;not null;index:idx_import_jobs_project_step,priority:2"`
	FileName      string `gorm:"size:255"`
	Status        string `gorm:"size:16;default:queued;index"`
	Progress      int    `gorm:"default:0"`
	TotalRows     int
	ProcessedRows int
	ValidRows     int
	InvalidRows   int
	DuplicateRows int
	ExistingRows  int
	OrphanRows    int
	PersistedRows int
	FailedRows    int
	ErrorCount    int
	Issues        string `gorm:"type:text"`
	ErrorMessage  string `gorm:"type:text"`
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time

	Batches []ImportBatch `gorm:"foreignKey:JobID"`
}

// ImportBatch is the ledger entry for one contiguous chunk of an import.
type ImportBatch struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	JobID        uint   `gorm:"not null;index"`
	Seq          int    `gorm:"not null"`
	FirstLine    int
	LastLine     int
	Rows         int
	RowsAffected int64
	Status       string `gorm:"size:16"`
	Error        string `gorm:"type:text"`
	CreatedAt    time.Time
}
