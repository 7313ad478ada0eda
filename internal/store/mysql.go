// Package store mirrors committed collaboration state into MySQL. It is a
// write-through cache for readers outside the core (session listings,
// audit); the in-memory operation log stays authoritative for ordering.
package store

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/KlikkAI/reporunner-sub009/internal/collab"
)

// OperationRecord is one committed log entry, payload serialized as JSON.
type OperationRecord struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement"`
	OperationID      string    `gorm:"size:36;uniqueIndex"`
	SessionID        string    `gorm:"size:36;index:idx_session_version,priority:1"`
	CommittedVersion uint64    `gorm:"index:idx_session_version,priority:2"`
	WorkflowID       string    `gorm:"size:36;index"`
	AuthorID         string    `gorm:"size:64"`
	Type             string    `gorm:"size:32"`
	TargetKind       string    `gorm:"size:16"`
	TargetID         string    `gorm:"size:64"`
	BaseVersion      uint64
	Status           string `gorm:"size:16"`
	RejectReason     string `gorm:"size:32"`
	TransformedBy    string `gorm:"size:36"`
	Payload          []byte `gorm:"type:json"`
	Timestamp        time.Time
	CreatedAt        time.Time
}

// SessionRecord is the persisted session document, upserted on every
// membership or settings change.
type SessionRecord struct {
	SessionID    string `gorm:"primaryKey;size:36"`
	WorkflowID   string `gorm:"size:36;index"`
	CreatedBy    string `gorm:"size:64"`
	Participants []byte `gorm:"type:json"`
	Settings     []byte `gorm:"type:json"`
	IsActive     bool
	HeadVersion  uint64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SnapshotRecord is a materialized graph at a given version, written by
// autosave.
type SnapshotRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:36;uniqueIndex:idx_snapshot,priority:1"`
	Version   uint64 `gorm:"uniqueIndex:idx_snapshot,priority:2"`
	State     []byte `gorm:"type:json"`
	CreatedAt time.Time
}

type MySQLStore struct {
	db *gorm.DB
}

func InitMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}

func NewMySQLStore(db *gorm.DB) (*MySQLStore, error) {
	if err := db.AutoMigrate(&OperationRecord{}, &SessionRecord{}, &SnapshotRecord{}); err != nil {
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) SaveOperation(ctx context.Context, op *collab.Operation) error {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return err
	}
	rec := OperationRecord{
		OperationID:      op.ID,
		SessionID:        op.SessionID,
		CommittedVersion: op.CommittedVersion,
		WorkflowID:       op.WorkflowID,
		AuthorID:         op.AuthorID,
		Type:             string(op.Type),
		TargetKind:       string(op.Target.Kind),
		TargetID:         op.Target.ID,
		BaseVersion:      op.BaseVersion,
		Status:           string(op.Status),
		RejectReason:     string(op.RejectReason),
		TransformedBy:    op.TransformedBy,
		Payload:          payload,
		Timestamp:        op.Timestamp,
	}
	// At-least-once upstream means the same operation may be saved twice.
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "operation_id"}}, DoNothing: true}).
		Create(&rec).Error
}

func (s *MySQLStore) SaveSession(ctx context.Context, view collab.SessionView) error {
	participants, err := json.Marshal(view.Participants)
	if err != nil {
		return err
	}
	settings, err := json.Marshal(view.Settings)
	if err != nil {
		return err
	}
	rec := SessionRecord{
		SessionID:    view.SessionID,
		WorkflowID:   view.WorkflowID,
		CreatedBy:    view.CreatedBy,
		Participants: participants,
		Settings:     settings,
		IsActive:     view.IsActive,
		HeadVersion:  view.HeadVersion,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"participants", "settings", "is_active", "head_version", "updated_at"}),
		}).
		Create(&rec).Error
}

func (s *MySQLStore) SaveSnapshot(ctx context.Context, sessionID string, version uint64, state []byte) error {
	rec := SnapshotRecord{
		SessionID: sessionID,
		Version:   version,
		State:     state,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
}

// SessionsByWorkflow serves the read side for the external listing layer.
func (s *MySQLStore) SessionsByWorkflow(ctx context.Context, workflowID string) ([]SessionRecord, error) {
	var recs []SessionRecord
	err := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Find(&recs).Error
	return recs, err
}
