// Package deployer implements the deployment pipeline: single modules are
// provisioned as beacon-bound instances, and whole organizations are
// assembled from an org config in one all-or-nothing pass.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/beacon"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/registry"
)

var (
	// ErrNoGlobalBeacon is returned when a module type has no published
	// global beacon to follow or pin from.
	ErrNoGlobalBeacon = errors.New("no global beacon for module type")
)

// ModuleSpec describes one module deployment.
type ModuleSpec struct {
	Type   string
	Params map[string]any
	// AutoUpgrade selects a mirror beacon following the global pointer.
	// Without it the beacon is pinned to the global's current
	// implementation and only moves by explicit upgrade.
	AutoUpgrade bool
	// CustomImpl pins the beacon to a specific implementation, overriding
	// the global beacon entirely.
	CustomImpl string
	// IsLast marks the final module of an org batch; it flips the org's
	// completeness flag in the registry.
	IsLast bool
}

// Deployer provisions single module instances.
type Deployer struct {
	db       *gorm.DB
	beacons  *beacon.Service
	proxies  *module.Proxies
	registry *registry.Store
	logger   *slog.Logger
}

// NewDeployer creates a deployer.
func NewDeployer(db *gorm.DB, beacons *beacon.Service, proxies *module.Proxies, reg *registry.Store, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{db: db, beacons: beacons, proxies: proxies, registry: reg, logger: logger}
}

// DeployModule provisions one module instance for an org: beacon, instance
// record, registry entry, then the module initializer, in that order and in
// one transaction. A failing initializer unwinds everything, including the
// registry entry.
func (d *Deployer) DeployModule(ctx context.Context, orgID, owner string, spec ModuleSpec) (*module.InstanceRecord, error) {
	var instance *module.InstanceRecord
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		instance, err = d.deployInTx(ctx, tx, orgID, owner, spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func (d *Deployer) deployInTx(ctx context.Context, tx *gorm.DB, orgID, owner string, spec ModuleSpec) (*module.InstanceRecord, error) {
	beacons := d.beacons.WithTx(tx)
	proxies := d.proxies.WithTx(tx)
	reg := d.registry.WithTx(tx)

	b, err := d.orgBeacon(ctx, beacons, orgID, owner, spec)
	if err != nil {
		return nil, err
	}

	instance, err := proxies.Instances().Create(ctx, orgID, spec.Type, b.ID)
	if err != nil {
		return nil, err
	}

	// The instance is registered before its initializer runs. Modules that
	// look themselves up during initialization see a consistent registry.
	err = reg.RegisterOrgContract(ctx, orgID, spec.Type, instance.ID, b.ID, spec.AutoUpgrade, owner, spec.IsLast)
	if err != nil {
		return nil, err
	}

	if err := proxies.Init(ctx, instance.ID, spec.Params); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", spec.Type, err)
	}

	d.logger.Info("deployed module",
		"org", orgID, "type", spec.Type, "instance", instance.ID, "beacon", b.ID)
	return instance, nil
}

// orgBeacon creates the per-org beacon for a module deployment.
func (d *Deployer) orgBeacon(ctx context.Context, beacons *beacon.Service, orgID, owner string, spec ModuleSpec) (*beacon.Record, error) {
	if spec.CustomImpl != "" {
		return beacons.Create(ctx, beacon.CreateParams{
			OrgID:                orgID,
			ModuleType:           spec.Type,
			Mode:                 beacon.ModeStatic,
			PinnedImplementation: spec.CustomImpl,
			Owner:                owner,
		})
	}

	global, err := beacons.GlobalFor(ctx, spec.Type)
	if err != nil {
		if errors.Is(err, beacon.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoGlobalBeacon, spec.Type)
		}
		return nil, err
	}

	if spec.AutoUpgrade {
		return beacons.Create(ctx, beacon.CreateParams{
			OrgID:        orgID,
			ModuleType:   spec.Type,
			Mode:         beacon.ModeMirror,
			MirrorSource: global.ID,
			Owner:        owner,
		})
	}

	impl, err := beacons.Implementation(ctx, global.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve global %s: %w", spec.Type, err)
	}
	return beacons.Create(ctx, beacon.CreateParams{
		OrgID:                orgID,
		ModuleType:           spec.Type,
		Mode:                 beacon.ModeStatic,
		PinnedImplementation: impl,
		Owner:                owner,
	})
}

// PublishGlobalBeacon creates (or no-ops on) the static global beacon for a
// module type, pinned to the latest registered implementation. Run at
// startup for every known module type.
func (d *Deployer) PublishGlobalBeacon(ctx context.Context, moduleType, owner string) (*beacon.Record, error) {
	existing, err := d.beacons.GlobalFor(ctx, moduleType)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, beacon.ErrNotFound) {
		return nil, err
	}

	impl, err := module.Latest(moduleType)
	if err != nil {
		return nil, err
	}
	return d.beacons.Create(ctx, beacon.CreateParams{
		ModuleType:           moduleType,
		Mode:                 beacon.ModeStatic,
		PinnedImplementation: impl,
		Owner:                owner,
		Global:               true,
	})
}
