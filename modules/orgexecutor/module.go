// Package orgexecutor implements the executor module: the instance whose ID
// is the org's privileged principal. Ownership of every org beacon lands
// here after deployment, and governance batches run under this identity.
package orgexecutor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/PerpetualOrganizationArchitect/poa/modules/internal/params"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/executor"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
)

// ModuleType identifies this module in beacon and registry records.
const ModuleType = "Executor"

var (
	// ErrNotSelf is returned when dispatcher management is attempted by
	// anyone but the executor itself.
	ErrNotSelf = errors.New("only the executor manages its dispatchers")

	// ErrUnknownMethod is returned for an unsupported operation.
	ErrUnknownMethod = errors.New("unknown executor method")
)

// Register installs the executor implementation, bound to the batch runner.
// Called once during server wiring, before any deployment.
func Register(exec *executor.Service) {
	module.RegisterImplementation(ModuleType, "v1", func(deps module.Deps) module.Logic {
		return &logic{deps: deps, exec: exec}
	})
}

// ConfigRecord holds per-instance executor configuration.
type ConfigRecord struct {
	InstanceID string    `gorm:"primaryKey;column:instance_id;type:varchar(36)"`
	OrgID      string    `gorm:"column:org_id;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (ConfigRecord) TableName() string { return "executor_configs" }

// AutoMigrate creates or updates the executor tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ConfigRecord{}); err != nil {
		return fmt.Errorf("auto-migrate executor tables: %w", err)
	}
	return nil
}

type logic struct {
	deps module.Deps
	exec *executor.Service
}

func (l *logic) Type() string    { return ModuleType }
func (l *logic) Version() string { return "v1" }

func (l *logic) Init(ctx context.Context, instanceID string, args map[string]any) error {
	orgID := params.String(args, "org")
	if orgID == "" {
		return fmt.Errorf("executor requires an org")
	}
	rec := &ConfigRecord{InstanceID: instanceID, OrgID: orgID}
	if err := l.deps.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("init executor: %w", err)
	}
	return nil
}

// Invoke exposes dispatcher management to governance. Both mutations demand
// the executor itself as the acting principal, so they are only reachable
// through an approved batch.
func (l *logic) Invoke(ctx context.Context, instanceID, method string, args map[string]any) (any, error) {
	switch method {
	case "addDispatcher":
		if identity.CallerFromContext(ctx) != instanceID {
			return nil, ErrNotSelf
		}
		l.exec.AddDispatcher(instanceID, params.String(args, "principal"))
		return nil, nil
	case "removeDispatcher":
		if identity.CallerFromContext(ctx) != instanceID {
			return nil, ErrNotSelf
		}
		l.exec.RemoveDispatcher(instanceID, params.String(args, "principal"))
		return nil, nil
	case "isDispatcher":
		return l.exec.IsDispatcher(instanceID, params.String(args, "principal")), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}
