// Package quickjoin implements the self-service onboarding module: anyone
// may join the org and receive the member hat, optionally with a welcome
// grant of participation tokens.
package quickjoin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/PerpetualOrganizationArchitect/poa/modules/internal/params"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/hats"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
)

// ModuleType identifies this module in beacon and registry records.
const ModuleType = "QuickJoin"

var (
	// ErrAlreadyMember is returned when a member joins twice.
	ErrAlreadyMember = errors.New("already a member")

	// ErrNoCaller is returned when no principal is attached to the call.
	ErrNoCaller = errors.New("no caller identity")

	// ErrUnknownMethod is returned for an unsupported operation.
	ErrUnknownMethod = errors.New("unknown quick join method")
)

func init() {
	module.RegisterImplementation(ModuleType, "v1", func(deps module.Deps) module.Logic {
		return &logic{deps: deps}
	})
}

// ConfigRecord holds per-instance onboarding configuration.
type ConfigRecord struct {
	InstanceID    string    `gorm:"primaryKey;column:instance_id;type:varchar(36)"`
	ExecutorID    string    `gorm:"column:executor_id;not null"`
	MemberHat     string    `gorm:"column:member_hat;not null"`
	TokenInstance string    `gorm:"column:token_instance"`
	WelcomeBonus  uint64    `gorm:"column:welcome_bonus;not null;default:0"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (ConfigRecord) TableName() string { return "quickjoin_configs" }

// MemberRecord is one onboarded member.
type MemberRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	InstanceID string    `gorm:"column:instance_id;uniqueIndex:idx_member_instance_account;not null"`
	Account    string    `gorm:"column:account;uniqueIndex:idx_member_instance_account;not null"`
	Username   string    `gorm:"column:username"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (MemberRecord) TableName() string { return "quickjoin_members" }

// AutoMigrate creates or updates the quick join tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ConfigRecord{}, &MemberRecord{}); err != nil {
		return fmt.Errorf("auto-migrate quickjoin tables: %w", err)
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
	memberHat := params.String(args, "memberHat")
	if executorID == "" || memberHat == "" {
		return fmt.Errorf("quick join requires executor and memberHat")
	}

	rec := &ConfigRecord{
		InstanceID:    instanceID,
		ExecutorID:    executorID,
		MemberHat:     memberHat,
		TokenInstance: params.String(args, "tokenInstance"),
		WelcomeBonus:  params.Uint64(args, "welcomeBonus"),
	}
	if rec.WelcomeBonus > 0 && rec.TokenInstance == "" {
		return fmt.Errorf("welcome bonus requires a tokenInstance")
	}
	if err := l.deps.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("init quick join: %w", err)
	}
	return nil
}

func (l *logic) Invoke(ctx context.Context, instanceID, method string, args map[string]any) (any, error) {
	var cfg ConfigRecord
	if err := l.deps.DB.WithContext(ctx).First(&cfg, "instance_id = ?", instanceID).Error; err != nil {
		return nil, fmt.Errorf("load quick join config: %w", err)
	}

	switch method {
	case "join":
		return nil, l.join(ctx, &cfg, instanceID, params.String(args, "username"))
	case "isMember":
		return l.isMember(ctx, instanceID, params.String(args, "account"))
	case "memberCount":
		var count int64
		err := l.deps.DB.WithContext(ctx).Model(&MemberRecord{}).
			Where("instance_id = ?", instanceID).Count(&count).Error
		if err != nil {
			return nil, fmt.Errorf("count members: %w", err)
		}
		return count, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func (l *logic) join(ctx context.Context, cfg *ConfigRecord, instanceID, username string) error {
	caller := identity.CallerFromContext(ctx)
	if caller == "" {
		return ErrNoCaller
	}

	member, err := l.isMember(ctx, instanceID, caller)
	if err != nil {
		return err
	}
	if member {
		return fmt.Errorf("%w: %s", ErrAlreadyMember, caller)
	}

	if err := l.deps.Hats.Mint(ctx, hats.HatID(cfg.MemberHat), caller); err != nil {
		if !errors.Is(err, hats.ErrAlreadyWearing) {
			return fmt.Errorf("mint member hat: %w", err)
		}
	}

	rec := &MemberRecord{InstanceID: instanceID, Account: caller, Username: username}
	if err := l.deps.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("record member: %w", err)
	}

	if cfg.WelcomeBonus > 0 {
		mintCtx := identity.WithPrincipal(ctx, identity.Principal{ID: instanceID})
		_, err := l.deps.Invoke(mintCtx, cfg.TokenInstance, "mint", map[string]any{
			"account": caller,
			"amount":  cfg.WelcomeBonus,
		})
		if err != nil {
			return fmt.Errorf("mint welcome bonus: %w", err)
		}
	}

	l.deps.Logger.Info("member joined", "instance", instanceID, "account", caller)
	return nil
}

func (l *logic) isMember(ctx context.Context, instanceID, account string) (bool, error) {
	var count int64
	err := l.deps.DB.WithContext(ctx).Model(&MemberRecord{}).
		Where("instance_id = ? AND account = ?", instanceID, account).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("query member: %w", err)
	}
	return count > 0, nil
}
