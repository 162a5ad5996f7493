package hats

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// HatRecord is a GORM model for a hat.
type HatRecord struct {
	ID        string `gorm:"primaryKey;column:id;type:varchar(36)"`
	Admin     string `gorm:"column:admin;index:idx_hat_admin"`
	Details   string `gorm:"column:details"`
	MaxSupply uint32 `gorm:"column:max_supply;not null;default:0"`
	Supply    uint32 `gorm:"column:supply;not null;default:0"`
	TopHat    bool   `gorm:"column:top_hat;not null;default:false"`
}

// TableName returns the GORM table name.
func (HatRecord) TableName() string { return "hats" }

// WearerRecord is a GORM model for a hat assignment.
type WearerRecord struct {
	ID     uint   `gorm:"primaryKey;autoIncrement"`
	HatID  string `gorm:"column:hat_id;uniqueIndex:idx_hat_wearer,priority:1;not null"`
	Wearer string `gorm:"column:wearer;uniqueIndex:idx_hat_wearer,priority:2;not null"`
}

// TableName returns the GORM table name.
func (WearerRecord) TableName() string { return "hat_wearers" }

// predicates holds the process-local eligibility and toggle functions,
// shared between a directory and its transaction-bound copies.
type predicates struct {
	mu          sync.RWMutex
	eligibility map[HatID]Eligibility
	toggles     map[HatID]Toggle
}

// LocalDirectory is a GORM-backed Directory used in development and tests.
// Eligibility and toggle predicates are process-local; everything else is
// durable.
type LocalDirectory struct {
	db    *gorm.DB
	preds *predicates
}

// NewLocalDirectory creates a local hats directory over db.
func NewLocalDirectory(db *gorm.DB) *LocalDirectory {
	return &LocalDirectory{
		db: db,
		preds: &predicates{
			eligibility: make(map[HatID]Eligibility),
			toggles:     make(map[HatID]Toggle),
		},
	}
}

// WithTx returns a directory bound to tx. Predicates are shared with the
// parent.
func (d *LocalDirectory) WithTx(tx *gorm.DB) Directory {
	return &LocalDirectory{db: tx, preds: d.preds}
}

// AutoMigrate creates or updates the hats tables.
func (d *LocalDirectory) AutoMigrate() error {
	if err := d.db.AutoMigrate(&HatRecord{}); err != nil {
		return fmt.Errorf("auto-migrate hats: %w", err)
	}
	if err := d.db.AutoMigrate(&WearerRecord{}); err != nil {
		return fmt.Errorf("auto-migrate hat_wearers: %w", err)
	}
	return nil
}

// IsWearerOf reports whether wearer currently wears hat.
func (d *LocalDirectory) IsWearerOf(ctx context.Context, wearer string, hat HatID) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&WearerRecord{}).
		Where("hat_id = ? AND wearer = ?", string(hat), wearer).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("query wearer: %w", err)
	}
	return count > 0, nil
}

// Mint assigns hat to wearer.
func (d *LocalDirectory) Mint(ctx context.Context, hat HatID, wearer string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec HatRecord
		if err := tx.First(&rec, "id = ?", string(hat)).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrHatNotFound
			}
			return fmt.Errorf("load hat: %w", err)
		}
		if rec.MaxSupply > 0 && rec.Supply >= rec.MaxSupply {
			return ErrSupplyExhausted
		}

		if e := d.eligibilityFor(hat); e != nil {
			ok, err := e(ctx, wearer, hat)
			if err != nil {
				return fmt.Errorf("eligibility check: %w", err)
			}
			if !ok {
				return ErrNotEligible
			}
		}

		var count int64
		if err := tx.Model(&WearerRecord{}).
			Where("hat_id = ? AND wearer = ?", string(hat), wearer).
			Count(&count).Error; err != nil {
			return fmt.Errorf("query wearer: %w", err)
		}
		if count > 0 {
			return ErrAlreadyWearing
		}

		if err := tx.Create(&WearerRecord{HatID: string(hat), Wearer: wearer}).Error; err != nil {
			return fmt.Errorf("mint hat: %w", err)
		}
		return tx.Model(&HatRecord{}).Where("id = ?", string(hat)).
			Update("supply", gorm.Expr("supply + 1")).Error
	})
}

// Create creates a new hat under admin.
func (d *LocalDirectory) Create(ctx context.Context, admin HatID, details string, maxSupply uint32) (HatID, error) {
	if admin != Zero {
		var count int64
		if err := d.db.WithContext(ctx).Model(&HatRecord{}).
			Where("id = ?", string(admin)).Count(&count).Error; err != nil {
			return Zero, fmt.Errorf("query admin hat: %w", err)
		}
		if count == 0 {
			return Zero, ErrHatNotFound
		}
	}

	rec := HatRecord{
		ID:        uuid.New().String(),
		Admin:     string(admin),
		Details:   details,
		MaxSupply: maxSupply,
	}
	if err := d.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return Zero, fmt.Errorf("create hat: %w", err)
	}
	return HatID(rec.ID), nil
}

// CreateBatch creates several hats under admin, preserving input order.
func (d *LocalDirectory) CreateBatch(ctx context.Context, admin HatID, details []string, maxSupply []uint32) ([]HatID, error) {
	if len(details) != len(maxSupply) {
		return nil, fmt.Errorf("details and maxSupply length mismatch: %d != %d", len(details), len(maxSupply))
	}
	ids := make([]HatID, 0, len(details))
	for i := range details {
		id, err := d.Create(ctx, admin, details[i], maxSupply[i])
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CreateTopHat creates a root hat and mints it to wearer.
func (d *LocalDirectory) CreateTopHat(ctx context.Context, wearer string, details string) (HatID, error) {
	rec := HatRecord{
		ID:        uuid.New().String(),
		Details:   details,
		MaxSupply: 1,
		TopHat:    true,
	}
	if err := d.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return Zero, fmt.Errorf("create top hat: %w", err)
	}
	if err := d.Mint(ctx, HatID(rec.ID), wearer); err != nil {
		return Zero, err
	}
	return HatID(rec.ID), nil
}

// SetEligibility installs an eligibility predicate for hat.
func (d *LocalDirectory) SetEligibility(ctx context.Context, hat HatID, e Eligibility) error {
	if err := d.mustExist(ctx, hat); err != nil {
		return err
	}
	d.preds.mu.Lock()
	d.preds.eligibility[hat] = e
	d.preds.mu.Unlock()
	return nil
}

// SetToggle installs an active/inactive predicate for hat.
func (d *LocalDirectory) SetToggle(ctx context.Context, hat HatID, t Toggle) error {
	if err := d.mustExist(ctx, hat); err != nil {
		return err
	}
	d.preds.mu.Lock()
	d.preds.toggles[hat] = t
	d.preds.mu.Unlock()
	return nil
}

// InGoodStanding reports whether wearer wears hat, the hat is active, and
// the wearer is still eligible.
func (d *LocalDirectory) InGoodStanding(ctx context.Context, wearer string, hat HatID) (bool, error) {
	wearing, err := d.IsWearerOf(ctx, wearer, hat)
	if err != nil || !wearing {
		return false, err
	}

	d.preds.mu.RLock()
	t := d.preds.toggles[hat]
	e := d.preds.eligibility[hat]
	d.preds.mu.RUnlock()

	if t != nil {
		active, err := t(ctx, hat)
		if err != nil {
			return false, fmt.Errorf("toggle check: %w", err)
		}
		if !active {
			return false, nil
		}
	}
	if e != nil {
		ok, err := e(ctx, wearer, hat)
		if err != nil {
			return false, fmt.Errorf("eligibility check: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (d *LocalDirectory) eligibilityFor(hat HatID) Eligibility {
	d.preds.mu.RLock()
	defer d.preds.mu.RUnlock()
	return d.preds.eligibility[hat]
}

func (d *LocalDirectory) mustExist(ctx context.Context, hat HatID) error {
	var count int64
	if err := d.db.WithContext(ctx).Model(&HatRecord{}).
		Where("id = ?", string(hat)).Count(&count).Error; err != nil {
		return fmt.Errorf("query hat: %w", err)
	}
	if count == 0 {
		return ErrHatNotFound
	}
	return nil
}
