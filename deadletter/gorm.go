package deadletter

import (
	"context"
	"time"

	"github.com/kbukum/etlkit/database"
	"github.com/kbukum/etlkit/record"
)

// Model is the dead_letters row.
type Model struct {
	ID         string    `gorm:"primaryKey;size:36"`
	PipelineID string    `gorm:"index;size:128"`
	RunID      string    `gorm:"index;size:64"`
	StepKey    string    `gorm:"size:128"`
	RecordID   string    `gorm:"size:256"`
	Payload    string    `gorm:"type:text"`
	Error      string    `gorm:"type:text"`
	Code       string    `gorm:"size:64"`
	Attempts   int
	CreatedAt  time.Time `gorm:"index"`
}

// TableName implements gorm's Tabler.
func (Model) TableName() string { return "dead_letters" }

// GormSink writes entries to the dead_letters table.
type GormSink struct {
	db *database.DB
}

// NewGormSink creates a sink on db. Call Migrate, or register Model with
// the database component's auto-migration, before the first write.
func NewGormSink(db *database.DB) *GormSink {
	return &GormSink{db: db}
}

// Migrate creates or updates the dead_letters table.
func (s *GormSink) Migrate() error {
	return s.db.AutoMigrate(&Model{})
}

// Write implements Sink.
func (s *GormSink) Write(ctx context.Context, e Entry) error {
	payload := []byte("null")
	if e.Record != nil {
		var err error
		if payload, err = e.Record.MarshalJSON(); err != nil {
			return err
		}
	}
	row := Model{
		ID:         e.ID,
		PipelineID: e.PipelineID,
		RunID:      e.RunID,
		StepKey:    e.StepKey,
		RecordID:   e.RecordID,
		Payload:    string(payload),
		Error:      e.Error,
		Code:       e.Code,
		Attempts:   e.Attempts,
		CreatedAt:  e.At,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return database.FromDatabase(err, "dead letter")
	}
	return nil
}

// List returns the entries of one run in insertion order.
func (s *GormSink) List(ctx context.Context, runID string) ([]Entry, error) {
	var rows []Model
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, database.FromDatabase(err, "dead letter")
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e := Entry{
			ID:         row.ID,
			PipelineID: row.PipelineID,
			RunID:      row.RunID,
			StepKey:    row.StepKey,
			RecordID:   row.RecordID,
			Error:      row.Error,
			Code:       row.Code,
			Attempts:   row.Attempts,
			At:         row.CreatedAt,
		}
		if row.Payload != "" && row.Payload != "null" {
			rec, err := record.Parse([]byte(row.Payload))
			if err != nil {
				return nil, err
			}
			e.Record = rec
		}
		out = append(out, e)
	}
	return out, nil
}
