package module

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/beacon"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/hats"
)

// Proxies dispatches calls against module instances through their beacons.
// The implementation behind an instance is resolved at call time, so an
// upgrade of the beacon's pointer is visible on the very next call without
// any proxy-side state change.
type Proxies struct {
	instances *InstanceStore
	beacons   *beacon.Service
	deps      Deps
}

// NewProxies creates the proxy dispatcher. The dependency set handed to
// module logic gets its Invoke routed back through this dispatcher.
func NewProxies(instances *InstanceStore, beacons *beacon.Service, deps Deps) *Proxies {
	p := &Proxies{instances: instances, beacons: beacons, deps: deps}
	p.deps.Invoke = p.Invoke
	return p
}

// Instances exposes the underlying instance store.
func (p *Proxies) Instances() *InstanceStore { return p.instances }

// WithTx returns a copy of the dispatcher bound to tx. Instance records,
// beacon resolution, and the module logic's own writes all join the
// transaction.
func (p *Proxies) WithTx(tx *gorm.DB) *Proxies {
	clone := &Proxies{
		instances: p.instances.WithTx(tx),
		beacons:   p.beacons.WithTx(tx),
		deps:      p.deps,
	}
	clone.deps.DB = tx
	clone.deps.Invoke = clone.Invoke
	if td, ok := p.deps.Hats.(interface {
		WithTx(*gorm.DB) hats.Directory
	}); ok {
		clone.deps.Hats = td.WithTx(tx)
	}
	return clone
}

// logicFor resolves an instance's current implementation through its beacon
// and instantiates the logic behind it.
func (p *Proxies) logicFor(ctx context.Context, rec *InstanceRecord) (Logic, error) {
	implID, err := p.beacons.Implementation(ctx, rec.BeaconID)
	if err != nil {
		return nil, fmt.Errorf("resolve implementation for instance %s: %w", rec.ID, err)
	}
	logic, err := Instantiate(implID, p.deps)
	if err != nil {
		return nil, err
	}
	if logic.Type() != rec.ModuleType {
		return nil, fmt.Errorf("beacon %s resolves to %s logic, instance %s is %s",
			rec.BeaconID, logic.Type(), rec.ID, rec.ModuleType)
	}
	return logic, nil
}

// Init runs an instance's one-shot initializer. The guard is checked and set
// before the module initializer runs; a failed initializer propagates its
// cause unchanged and the caller's transaction unwinds both.
func (p *Proxies) Init(ctx context.Context, instanceID string, params map[string]any) error {
	rec, err := p.instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if rec.Initialized {
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, instanceID)
	}

	logic, err := p.logicFor(ctx, rec)
	if err != nil {
		return err
	}
	if err := p.instances.MarkInitialized(ctx, instanceID); err != nil {
		return err
	}
	return logic.Init(ctx, instanceID, params)
}

// Invoke dispatches a named operation against an initialized instance.
func (p *Proxies) Invoke(ctx context.Context, instanceID, method string, args map[string]any) (any, error) {
	rec, err := p.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !rec.Initialized {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, instanceID)
	}

	logic, err := p.logicFor(ctx, rec)
	if err != nil {
		return nil, err
	}
	return logic.Invoke(ctx, instanceID, method, args)
}
