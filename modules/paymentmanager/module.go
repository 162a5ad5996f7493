// Package paymentmanager implements the org treasury module: a ledger of
// deposits and executor-approved withdrawals.
package paymentmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/PerpetualOrganizationArchitect/poa/modules/internal/params"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
)

// ModuleType identifies this module in beacon and registry records.
const ModuleType = "PaymentManager"

// Ledger entry kinds.
const (
	EntryDeposit    = "deposit"
	EntryWithdrawal = "withdrawal"
)

var (
	// ErrNotExecutor is returned when a withdrawal comes from anyone but
	// the org executor.
	ErrNotExecutor = errors.New("only the executor withdraws")

	// ErrInsufficientFunds is returned when a withdrawal exceeds the
	// treasury balance.
	ErrInsufficientFunds = errors.New("insufficient treasury funds")

	// ErrZeroAmount is returned for a zero-valued ledger entry.
	ErrZeroAmount = errors.New("amount must be positive")

	// ErrUnknownMethod is returned for an unsupported operation.
	ErrUnknownMethod = errors.New("unknown payment manager method")
)

func init() {
	module.RegisterImplementation(ModuleType, "v1", func(deps module.Deps) module.Logic {
		return &logic{deps: deps}
	})
}

// ConfigRecord holds per-instance treasury configuration.
type ConfigRecord struct {
	InstanceID string    `gorm:"primaryKey;column:instance_id;type:varchar(36)"`
	ExecutorID string    `gorm:"column:executor_id;not null"`
	Currency   string    `gorm:"column:currency;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (ConfigRecord) TableName() string { return "paymentmanager_configs" }

// LedgerRecord is one treasury movement.
type LedgerRecord struct {
	ID         string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	InstanceID string    `gorm:"column:instance_id;index:idx_ledger_instance;not null"`
	Kind       string    `gorm:"column:kind;not null"`
	Account    string    `gorm:"column:account;not null"`
	Amount     uint64    `gorm:"column:amount;not null"`
	Memo       string    `gorm:"column:memo"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (LedgerRecord) TableName() string { return "paymentmanager_ledger" }

// AutoMigrate creates or updates the payment manager tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ConfigRecord{}, &LedgerRecord{}); err != nil {
		return fmt.Errorf("auto-migrate paymentmanager tables: %w", err)
	}
	return nil
}

type logic struct {
	deps module.Deps
}

func (l *logic) Type() string    { return ModuleType }
func (l *logic) Version() string { return "v1" }

func (l *logic) Init(ctx context.Context, instanceID string, args map[string]any) error {
	executorID := params.String(args, "executor")
	if executorID == "" {
		return fmt.Errorf("payment manager requires an executor")
	}
	currency := params.String(args, "currency")
	if currency == "" {
		currency = "USD"
	}

	rec := &ConfigRecord{InstanceID: instanceID, ExecutorID: executorID, Currency: currency}
	if err := l.deps.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("init payment manager: %w", err)
	}
	return nil
}

func (l *logic) Invoke(ctx context.Context, instanceID, method string, args map[string]any) (any, error) {
	var cfg ConfigRecord
	if err := l.deps.DB.WithContext(ctx).First(&cfg, "instance_id = ?", instanceID).Error; err != nil {
		return nil, fmt.Errorf("load payment manager config: %w", err)
	}

	switch method {
	case "deposit":
		return nil, appendEntry(l.deps.DB.WithContext(ctx), cfg.InstanceID, EntryDeposit,
			identity.CallerFromContext(ctx), params.Uint64(args, "amount"), params.String(args, "memo"))
	case "withdraw":
		if identity.CallerFromContext(ctx) != cfg.ExecutorID {
			return nil, ErrNotExecutor
		}
		return nil, l.withdraw(ctx, &cfg,
			params.String(args, "account"), params.Uint64(args, "amount"), params.String(args, "memo"))
	case "balance":
		return l.balance(ctx, instanceID)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func appendEntry(db *gorm.DB, instanceID, kind, account string, amount uint64, memo string) error {
	if account == "" {
		return fmt.Errorf("empty account")
	}
	if amount == 0 {
		return ErrZeroAmount
	}
	rec := &LedgerRecord{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Kind:       kind,
		Account:    account,
		Amount:     amount,
		Memo:       memo,
	}
	if err := db.Create(rec).Error; err != nil {
		return fmt.Errorf("record %s: %w", kind, err)
	}
	return nil
}

// withdraw checks the balance and records the movement in one transaction
// so concurrent withdrawals cannot overdraw.
func (l *logic) withdraw(ctx context.Context, cfg *ConfigRecord, account string, amount uint64, memo string) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	return l.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := balanceIn(tx, cfg.InstanceID)
		if err != nil {
			return err
		}
		if bal < amount {
			return fmt.Errorf("%w: have %d, want %d", ErrInsufficientFunds, bal, amount)
		}
		return appendEntry(tx, cfg.InstanceID, EntryWithdrawal, account, amount, memo)
	})
}

func (l *logic) balance(ctx context.Context, instanceID string) (uint64, error) {
	return balanceIn(l.deps.DB.WithContext(ctx), instanceID)
}

func balanceIn(db *gorm.DB, instanceID string) (uint64, error) {
	type sums struct {
		Deposits    uint64
		Withdrawals uint64
	}
	var s sums
	err := db.Model(&LedgerRecord{}).
		Select("COALESCE(SUM(CASE WHEN kind = ? THEN amount ELSE 0 END), 0) AS deposits, "+
			"COALESCE(SUM(CASE WHEN kind = ? THEN amount ELSE 0 END), 0) AS withdrawals",
			EntryDeposit, EntryWithdrawal).
		Where("instance_id = ?", instanceID).
		Scan(&s).Error
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return s.Deposits - s.Withdrawals, nil
}
