// Package registry implements the durable organization directory: which
// organizations exist, which module contracts each one owns, and which hats
// its roles map to. The registry is the single source of truth preventing
// duplicate deployments.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/PerpetualOrganizationArchitect/poa/internal/db/filter"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/audit"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/hats"
)

var (
	// ErrZeroOrgID is returned when registering an org with an empty ID.
	ErrZeroOrgID = errors.New("zero org id")

	// ErrOrgExists is returned when an org ID is already registered.
	ErrOrgExists = errors.New("org already registered")

	// ErrOrgNotFound is returned when an org does not exist.
	ErrOrgNotFound = errors.New("org not found")

	// ErrEmptyModuleType is returned when a contract registration carries
	// no module type.
	ErrEmptyModuleType = errors.New("empty module type")

	// ErrContractExists is returned when a (org, module type) pair is
	// already registered.
	ErrContractExists = errors.New("contract already registered for org and type")

	// ErrContractNotFound is returned when a contract lookup misses.
	ErrContractNotFound = errors.New("contract not found")

	// ErrRoleNotBound is returned when a role index has no hat bound.
	ErrRoleNotBound = errors.New("role not bound")
)

// OrgRecord is a GORM model for one organization.
type OrgRecord struct {
	ID            string    `gorm:"primaryKey;column:id;type:varchar(64)"`
	Owner         string    `gorm:"column:owner;not null"`
	Name          string    `gorm:"column:name;not null"`
	ContractCount int       `gorm:"column:contract_count;not null;default:0"`
	AutoUpgrade   bool      `gorm:"column:auto_upgrade;not null;default:false"`
	Complete      bool      `gorm:"column:complete;not null;default:false"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (OrgRecord) TableName() string { return "orgs" }

// ContractRecord is a GORM model for one module registration.
type ContractRecord struct {
	Key         string    `gorm:"primaryKey;column:key;type:varchar(64)"`
	OrgID       string    `gorm:"column:org_id;uniqueIndex:idx_org_type,priority:1;not null"`
	ModuleType  string    `gorm:"column:module_type;uniqueIndex:idx_org_type,priority:2;not null"`
	Proxy       string    `gorm:"column:proxy;not null"`
	Beacon      string    `gorm:"column:beacon;not null"`
	AutoUpgrade bool      `gorm:"column:auto_upgrade;not null;default:false"`
	Owner       string    `gorm:"column:owner;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (ContractRecord) TableName() string { return "org_contracts" }

// RoleHatRecord binds one of an org's role indices to a hat.
type RoleHatRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	OrgID     string `gorm:"column:org_id;uniqueIndex:idx_org_role,priority:1;not null"`
	RoleIndex uint8  `gorm:"column:role_index;uniqueIndex:idx_org_role,priority:2;not null"`
	HatID     string `gorm:"column:hat_id;not null"`
	Name      string `gorm:"column:name"`
}

// TableName returns the GORM table name.
func (RoleHatRecord) TableName() string { return "org_role_hats" }

// DeriveOrgID derives the content-addressed org identifier from its name and
// owner.
func DeriveOrgID(name, owner string) string {
	sum := sha256.Sum256([]byte(name + "\x00" + owner))
	return hex.EncodeToString(sum[:])
}

// ContractKey derives the content-addressed registration key for an (org,
// module type) pair.
func ContractKey(orgID, moduleType string) string {
	sum := sha256.Sum256([]byte(orgID + "\x00" + moduleType))
	return hex.EncodeToString(sum[:])
}

// Store provides the registry's guarded entry points. All mutation goes
// through these; nothing touches the maps directly.
type Store struct {
	db     *gorm.DB
	events *audit.Store
	logger *slog.Logger
}

// NewStore creates a registry store.
func NewStore(db *gorm.DB, events *audit.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, events: events, logger: logger}
}

// AutoMigrate creates or updates the registry tables.
func (s *Store) AutoMigrate() error {
	for _, model := range []any{&OrgRecord{}, &ContractRecord{}, &RoleHatRecord{}} {
		if err := s.db.AutoMigrate(model); err != nil {
			return fmt.Errorf("auto-migrate registry: %w", err)
		}
	}
	return nil
}

// WithTx returns a store bound to the given transaction handle. Audit events
// are rebound to the same transaction so they roll back with it.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	events := s.events
	if events != nil {
		events = events.WithTx(tx)
	}
	return &Store{db: tx, events: events, logger: s.logger}
}

// RegisterOrg registers a new organization. Empty and duplicate IDs are
// rejected.
func (s *Store) RegisterOrg(ctx context.Context, orgID, owner, name string, autoUpgrade bool) error {
	if orgID == "" {
		return ErrZeroOrgID
	}
	if owner == "" {
		return fmt.Errorf("org %s: empty owner", orgID)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&OrgRecord{}).Where("id = ?", orgID).Count(&count).Error; err != nil {
			return fmt.Errorf("query org: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrOrgExists, orgID)
		}
		return tx.Create(&OrgRecord{
			ID:          orgID,
			Owner:       owner,
			Name:        name,
			AutoUpgrade: autoUpgrade,
		}).Error
	})
	if err != nil {
		return err
	}

	s.appendEvent(orgID, owner, "registry.org_registered", orgID, audit.Details{
		"name":        name,
		"autoUpgrade": autoUpgrade,
	})
	return nil
}

// RegisterOrgContract records a deployed module for an org. The pair
// (org, module type) can be registered at most once; isLastInBatch marks the
// org's contract set complete.
func (s *Store) RegisterOrgContract(ctx context.Context, orgID, moduleType, proxy, beaconID string, autoUpgrade bool, owner string, isLastInBatch bool) error {
	if orgID == "" {
		return ErrZeroOrgID
	}
	if moduleType == "" {
		return ErrEmptyModuleType
	}

	key := ContractKey(orgID, moduleType)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var org OrgRecord
		if err := tx.First(&org, "id = ?", orgID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrOrgNotFound, orgID)
			}
			return fmt.Errorf("load org: %w", err)
		}

		var count int64
		if err := tx.Model(&ContractRecord{}).
			Where("org_id = ? AND module_type = ?", orgID, moduleType).
			Count(&count).Error; err != nil {
			return fmt.Errorf("query contract: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s/%s", ErrContractExists, orgID, moduleType)
		}

		if err := tx.Create(&ContractRecord{
			Key:         key,
			OrgID:       orgID,
			ModuleType:  moduleType,
			Proxy:       proxy,
			Beacon:      beaconID,
			AutoUpgrade: autoUpgrade,
			Owner:       owner,
		}).Error; err != nil {
			return fmt.Errorf("register contract: %w", err)
		}

		updates := map[string]any{"contract_count": gorm.Expr("contract_count + 1")}
		if isLastInBatch {
			updates["complete"] = true
		}
		return tx.Model(&OrgRecord{}).Where("id = ?", orgID).Updates(updates).Error
	})
	if err != nil {
		return err
	}

	s.appendEvent(orgID, owner, "registry.contract_registered", key, audit.Details{
		"moduleType":  moduleType,
		"proxy":       proxy,
		"beacon":      beaconID,
		"autoUpgrade": autoUpgrade,
		"lastInBatch": isLastInBatch,
	})
	return nil
}

// GetOrg returns an organization record.
func (s *Store) GetOrg(ctx context.Context, orgID string) (*OrgRecord, error) {
	var rec OrgRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", orgID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrgNotFound, orgID)
		}
		return nil, fmt.Errorf("load org: %w", err)
	}
	return &rec, nil
}

// OrgExists reports whether an org is registered.
func (s *Store) OrgExists(ctx context.Context, orgID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&OrgRecord{}).Where("id = ?", orgID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("query org: %w", err)
	}
	return count > 0, nil
}

// GetOrgContract returns the proxy registered for (org, module type).
func (s *Store) GetOrgContract(ctx context.Context, orgID, moduleType string) (*ContractRecord, error) {
	var rec ContractRecord
	err := s.db.WithContext(ctx).
		First(&rec, "org_id = ? AND module_type = ?", orgID, moduleType).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrContractNotFound, orgID, moduleType)
		}
		return nil, fmt.Errorf("load contract: %w", err)
	}
	return &rec, nil
}

// GetContractBeacon returns the beacon behind a registered contract.
func (s *Store) GetContractBeacon(ctx context.Context, orgID, moduleType string) (string, error) {
	rec, err := s.GetOrgContract(ctx, orgID, moduleType)
	if err != nil {
		return "", err
	}
	return rec.Beacon, nil
}

// IsContractAutoUpgrade reports the auto-upgrade flag recorded at
// registration time.
func (s *Store) IsContractAutoUpgrade(ctx context.Context, orgID, moduleType string) (bool, error) {
	rec, err := s.GetOrgContract(ctx, orgID, moduleType)
	if err != nil {
		return false, err
	}
	return rec.AutoUpgrade, nil
}

// OrgCount returns how many organizations are registered.
func (s *Store) OrgCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&OrgRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count orgs: %w", err)
	}
	return count, nil
}

// ContractCount returns how many contracts an org has registered.
func (s *Store) ContractCount(ctx context.Context, orgID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ContractRecord{}).
		Where("org_id = ?", orgID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count contracts: %w", err)
	}
	return count, nil
}

// orgFilterColumns are the fields the list endpoint accepts in filter
// expressions.
var orgFilterColumns = map[string]string{
	"owner":       "owner",
	"name":        "name",
	"autoUpgrade": "auto_upgrade",
	"complete":    "complete",
}

// ListOrgs returns paginated orgs, oldest first, optionally narrowed by a
// filter expression. pageToken is the ID of the last record from the
// previous page.
func (s *Store) ListOrgs(ctx context.Context, filterExpr string, pageSize int, pageToken string) ([]OrgRecord, string, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	query := s.db.WithContext(ctx).Model(&OrgRecord{}).Order("created_at ASC, id ASC").Limit(pageSize + 1)
	query, err := filter.Apply(query, filterExpr, orgFilterColumns)
	if err != nil {
		return nil, "", err
	}
	if pageToken != "" {
		query = query.Where("id > ?", pageToken)
	}

	var records []OrgRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", fmt.Errorf("list orgs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		records = records[:pageSize]
		nextToken = records[len(records)-1].ID
	}
	return records, nextToken, nil
}

// ListOrgContracts returns all contracts registered for an org.
func (s *Store) ListOrgContracts(ctx context.Context, orgID string) ([]ContractRecord, error) {
	var records []ContractRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ?", orgID).Order("created_at ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	return records, nil
}

// SetRoleHat binds a role index to a hat for an org.
func (s *Store) SetRoleHat(ctx context.Context, orgID string, index uint8, hat hats.HatID, name string) error {
	ok, err := s.OrgExists(ctx, orgID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrgNotFound, orgID)
	}
	if hat == hats.Zero {
		return fmt.Errorf("org %s role %d: empty hat", orgID, index)
	}
	return s.db.WithContext(ctx).Create(&RoleHatRecord{
		OrgID:     orgID,
		RoleIndex: index,
		HatID:     string(hat),
		Name:      name,
	}).Error
}

// RoleHat returns the hat bound to a role index. Implements roles.Source.
func (s *Store) RoleHat(ctx context.Context, orgID string, index uint8) (hats.HatID, error) {
	var rec RoleHatRecord
	err := s.db.WithContext(ctx).
		First(&rec, "org_id = ? AND role_index = ?", orgID, index).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return hats.Zero, fmt.Errorf("%w: role %d for org %s", ErrRoleNotBound, index, orgID)
		}
		return hats.Zero, fmt.Errorf("load role hat: %w", err)
	}
	return hats.HatID(rec.HatID), nil
}

// RoleCount returns how many roles an org has declared. Implements
// roles.Source.
func (s *Store) RoleCount(ctx context.Context, orgID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&RoleHatRecord{}).
		Where("org_id = ?", orgID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count role hats: %w", err)
	}
	return int(count), nil
}

func (s *Store) appendEvent(orgID, actor, action, subject string, details audit.Details) {
	if s.events == nil {
		return
	}
	err := s.events.Append(&audit.EventRecord{
		ID:      uuid.New().String(),
		OrgID:   orgID,
		Actor:   actor,
		Action:  action,
		Subject: subject,
		Details: details,
	})
	if err != nil {
		s.logger.Error("failed to append registry audit event", "action", action, "subject", subject, "error", err)
	}
}
