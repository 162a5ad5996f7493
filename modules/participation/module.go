// Package participation implements the participation token module: a
// non-transferable per-org point balance earned through contribution and
// consumed as voting power by hybrid governance.
package participation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	poadb "github.com/PerpetualOrganizationArchitect/poa/internal/db"
	"github.com/PerpetualOrganizationArchitect/poa/modules/internal/params"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/hats"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
)

// ModuleType identifies this module in beacon and registry records.
const ModuleType = "ParticipationToken"

var (
	// ErrNotMinter is returned when the caller may not mint.
	ErrNotMinter = errors.New("caller is not a minter")

	// ErrZeroAmount is returned for a mint of zero tokens.
	ErrZeroAmount = errors.New("mint amount must be positive")

	// ErrUnknownMethod is returned for an unsupported operation.
	ErrUnknownMethod = errors.New("unknown participation token method")
)

func init() {
	module.RegisterImplementation(ModuleType, "v1", func(deps module.Deps) module.Logic {
		return &logic{deps: deps}
	})
}

// ConfigRecord holds per-instance token configuration.
type ConfigRecord struct {
	InstanceID string           `gorm:"primaryKey;column:instance_id;type:varchar(36)"`
	Name       string           `gorm:"column:name;not null"`
	Symbol     string           `gorm:"column:symbol;not null"`
	ExecutorID string           `gorm:"column:executor_id;not null"`
	MinterHat  string           `gorm:"column:minter_hat"`
	Minters    poadb.StringList `gorm:"column:minters;type:text"`
	CreatedAt  time.Time        `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (ConfigRecord) TableName() string { return "participation_configs" }

// BalanceRecord holds one account's balance under an instance.
type BalanceRecord struct {
	InstanceID string    `gorm:"primaryKey;column:instance_id;type:varchar(36)"`
	Account    string    `gorm:"primaryKey;column:account"`
	Balance    uint64    `gorm:"column:balance;not null;default:0"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (BalanceRecord) TableName() string { return "participation_balances" }

// AutoMigrate creates or updates the participation token tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ConfigRecord{}, &BalanceRecord{}); err != nil {
		return fmt.Errorf("auto-migrate participation tables: %w", err)
	}
	return nil
}

type logic struct {
	deps module.Deps
}

func (l *logic) Type() string    { return ModuleType }
func (l *logic) Version() string { return "v1" }

func (l *logic) Init(ctx context.Context, instanceID string, args map[string]any) error {
	name := params.String(args, "name")
	symbol := params.String(args, "symbol")
	executorID := params.String(args, "executor")
	if name == "" || symbol == "" {
		return fmt.Errorf("participation token requires name and symbol")
	}
	if executorID == "" {
		return fmt.Errorf("participation token requires an executor")
	}
	minterHat := params.String(args, "minterHat")

	rec := &ConfigRecord{
		InstanceID: instanceID,
		Name:       name,
		Symbol:     symbol,
		ExecutorID: executorID,
		MinterHat:  minterHat,
	}
	if err := l.deps.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("init participation token: %w", err)
	}
	return nil
}

func (l *logic) Invoke(ctx context.Context, instanceID, method string, args map[string]any) (any, error) {
	switch method {
	case "mint":
		account := params.String(args, "account")
		amount := params.Uint64(args, "amount")
		return nil, l.mint(ctx, instanceID, account, amount)
	case "balanceOf":
		account := params.String(args, "account")
		return l.balanceOf(ctx, instanceID, account)
	case "totalSupply":
		return l.totalSupply(ctx, instanceID)
	case "setMinter":
		account := params.String(args, "account")
		allowed := params.Bool(args, "allowed")
		return nil, l.setMinter(ctx, instanceID, account, allowed)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

// mint credits amount to account. Permitted to the org executor and to
// wearers of the configured minter hat.
func (l *logic) mint(ctx context.Context, instanceID, account string, amount uint64) error {
	if account == "" {
		return fmt.Errorf("empty account")
	}
	if amount == 0 {
		return ErrZeroAmount
	}

	var cfg ConfigRecord
	if err := l.deps.DB.WithContext(ctx).First(&cfg, "instance_id = ?", instanceID).Error; err != nil {
		return fmt.Errorf("load participation config: %w", err)
	}

	caller := identity.CallerFromContext(ctx)
	allowed := caller != "" && caller == cfg.ExecutorID
	if !allowed && caller != "" {
		for _, m := range cfg.Minters {
			if m == caller {
				allowed = true
				break
			}
		}
	}
	if !allowed && cfg.MinterHat != "" && caller != "" {
		ok, err := l.deps.Hats.IsWearerOf(ctx, caller, hats.HatID(cfg.MinterHat))
		if err != nil {
			return fmt.Errorf("minter check: %w", err)
		}
		allowed = ok
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrNotMinter, caller)
	}

	err := l.deps.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}, {Name: "account"}},
		DoUpdates: clause.Assignments(map[string]any{"balance": gorm.Expr("balance + ?", amount)}),
	}).Create(&BalanceRecord{InstanceID: instanceID, Account: account, Balance: amount}).Error
	if err != nil {
		return fmt.Errorf("mint participation tokens: %w", err)
	}

	l.deps.Logger.Info("minted participation tokens",
		"instance", instanceID, "account", account, "amount", amount)
	return nil
}

func (l *logic) balanceOf(ctx context.Context, instanceID, account string) (uint64, error) {
	var rec BalanceRecord
	err := l.deps.DB.WithContext(ctx).
		First(&rec, "instance_id = ? AND account = ?", instanceID, account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("load balance: %w", err)
	}
	return rec.Balance, nil
}

// setMinter grants or revokes a principal's right to mint. Executor only.
func (l *logic) setMinter(ctx context.Context, instanceID, account string, allowed bool) error {
	if account == "" {
		return fmt.Errorf("empty account")
	}

	var cfg ConfigRecord
	if err := l.deps.DB.WithContext(ctx).First(&cfg, "instance_id = ?", instanceID).Error; err != nil {
		return fmt.Errorf("load participation config: %w", err)
	}
	if identity.CallerFromContext(ctx) != cfg.ExecutorID {
		return fmt.Errorf("%w: only the executor manages minters", ErrNotMinter)
	}

	minters := make(poadb.StringList, 0, len(cfg.Minters)+1)
	for _, m := range cfg.Minters {
		if m != account {
			minters = append(minters, m)
		}
	}
	if allowed {
		minters = append(minters, account)
	}
	cfg.Minters = minters

	if err := l.deps.DB.WithContext(ctx).Save(&cfg).Error; err != nil {
		return fmt.Errorf("update minters: %w", err)
	}
	return nil
}

func (l *logic) totalSupply(ctx context.Context, instanceID string) (uint64, error) {
	var total *uint64
	err := l.deps.DB.WithContext(ctx).Model(&BalanceRecord{}).
		Where("instance_id = ?", instanceID).
		Select("SUM(balance)").Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum supply: %w", err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

