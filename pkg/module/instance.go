package module

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrInstanceNotFound is returned when an instance lookup misses.
var ErrInstanceNotFound = errors.New("instance not found")

// InstanceRecord is a GORM model for one deployed module instance. The ID is
// the instance's permanent identity; the beacon binding is immutable after
// construction.
type InstanceRecord struct {
	ID          string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	OrgID       string    `gorm:"column:org_id;index:idx_instance_org;not null"`
	ModuleType  string    `gorm:"column:module_type;not null"`
	BeaconID    string    `gorm:"column:beacon_id;not null"`
	Initialized bool      `gorm:"column:initialized;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (InstanceRecord) TableName() string { return "module_instances" }

// InstanceStore persists module instances.
type InstanceStore struct {
	db *gorm.DB
}

// NewInstanceStore creates an instance store.
func NewInstanceStore(db *gorm.DB) *InstanceStore {
	return &InstanceStore{db: db}
}

// AutoMigrate creates or updates the instances table.
func (s *InstanceStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&InstanceRecord{}); err != nil {
		return fmt.Errorf("auto-migrate module_instances: %w", err)
	}
	return nil
}

// WithTx returns a store bound to the given transaction handle.
func (s *InstanceStore) WithTx(tx *gorm.DB) *InstanceStore {
	return &InstanceStore{db: tx}
}

// Create persists a new uninitialized instance bound to beaconID.
func (s *InstanceStore) Create(ctx context.Context, orgID, moduleType, beaconID string) (*InstanceRecord, error) {
	rec := &InstanceRecord{
		ID:         uuid.New().String(),
		OrgID:      orgID,
		ModuleType: moduleType,
		BeaconID:   beaconID,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	return rec, nil
}

// Get returns an instance by ID.
func (s *InstanceStore) Get(ctx context.Context, id string) (*InstanceRecord, error) {
	var rec InstanceRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return nil, fmt.Errorf("load instance: %w", err)
	}
	return &rec, nil
}

// MarkInitialized flips the one-shot initializer guard. Returns
// ErrAlreadyInitialized if the guard was already set.
func (s *InstanceStore) MarkInitialized(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&InstanceRecord{}).
		Where("id = ? AND initialized = ?", id, false).
		Update("initialized", true)
	if result.Error != nil {
		return fmt.Errorf("mark initialized: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.Initialized {
			return fmt.Errorf("%w: %s", ErrAlreadyInitialized, id)
		}
	}
	return nil
}
