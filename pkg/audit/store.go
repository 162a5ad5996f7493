// Package audit provides the append-only audit trail for the architect
// server. Beacon mutations, registrations, votes, winner announcements and
// executor batches all land here, mirroring the event log the rest of the
// system indexes.
package audit

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Details is a JSON column carrying event-specific fields.
type Details map[string]any

// Scan implements the sql.Scanner interface for Details.
func (d *Details) Scan(value any) error {
	if value == nil {
		*d = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for Details: %T", value)
	}
	return json.Unmarshal(bytes, d)
}

// Value implements the driver.Valuer interface for Details.
func (d Details) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// EventRecord is a GORM model for one immutable audit event.
type EventRecord struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	OrgID     string    `gorm:"column:org_id;index:idx_audit_org"`
	Actor     string    `gorm:"column:actor;not null"`
	Action    string    `gorm:"column:action;index:idx_audit_action;not null"`
	Subject   string    `gorm:"column:subject;index:idx_audit_subject;not null"`
	Details   Details   `gorm:"column:details;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index:idx_audit_created"`
}

// TableName returns the GORM table name.
func (EventRecord) TableName() string { return "audit_events" }

// Store provides append-only operations for audit events.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new audit store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to the given transaction handle, so events
// appended during a unit of work roll back with it.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// AutoMigrate creates or updates the audit table.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&EventRecord{}); err != nil {
		return fmt.Errorf("auto-migrate audit_events: %w", err)
	}
	return nil
}

// Append creates a new immutable audit event record.
func (s *Store) Append(event *EventRecord) error {
	if err := s.db.Create(event).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListBySubject returns paginated audit events for one subject, newest
// first. pageToken is an RFC3339 timestamp; events strictly older than it
// are returned.
func (s *Store) ListBySubject(subject string, pageSize int, pageToken string) ([]EventRecord, string, int, error) {
	return s.list(s.db.Where("subject = ?", subject), pageSize, pageToken)
}

// ListAll returns paginated audit events, newest first, optionally filtered
// by action.
func (s *Store) ListAll(pageSize int, pageToken string, action string) ([]EventRecord, string, int, error) {
	query := s.db.Session(&gorm.Session{})
	if action != "" {
		query = query.Where("action = ?", action)
	}
	return s.list(query, pageSize, pageToken)
}

func (s *Store) list(query *gorm.DB, pageSize int, pageToken string) ([]EventRecord, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var totalSize int64
	if err := query.Model(&EventRecord{}).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit events: %w", err)
	}

	query = query.Order("created_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var records []EventRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list audit events: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		records = records[:pageSize]
		nextToken = records[len(records)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return records, nextToken, int(totalSize), nil
}

// GetByID returns one event, or nil when it does not exist.
func (s *Store) GetByID(id string) (*EventRecord, error) {
	var rec EventRecord
	if err := s.db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load audit event: %w", err)
	}
	return &rec, nil
}

// DeleteOlderThan removes events created before cutoff and returns how many
// were removed.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result := s.db.Where("created_at < ?", cutoff).Delete(&EventRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete audit events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
