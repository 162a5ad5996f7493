package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/hats"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/registry"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/roles"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/voting"

	"github.com/PerpetualOrganizationArchitect/poa/modules/directdemocracy"
	"github.com/PerpetualOrganizationArchitect/poa/modules/educationhub"
	"github.com/PerpetualOrganizationArchitect/poa/modules/hybridvoting"
	"github.com/PerpetualOrganizationArchitect/poa/modules/orgexecutor"
	"github.com/PerpetualOrganizationArchitect/poa/modules/participation"
	"github.com/PerpetualOrganizationArchitect/poa/modules/paymentmanager"
	"github.com/PerpetualOrganizationArchitect/poa/modules/quickjoin"
	"github.com/PerpetualOrganizationArchitect/poa/modules/taskmanager"
)

// ErrOrgAlreadyDeployed is returned when the derived org ID is taken.
var ErrOrgAlreadyDeployed = errors.New("org already deployed")

// OrgDeployment summarizes a completed deployment.
type OrgDeployment struct {
	OrgID      string            `json:"orgId"`
	ExecutorID string            `json:"executorId"`
	TopHat     string            `json:"topHat"`
	RoleHats   []string          `json:"roleHats"`
	Instances  map[string]string `json:"instances"`
}

// Orchestrator assembles whole organizations: the hat tree, the executor,
// the core module set, governance, cross-module wiring, and the final
// handover of beacon ownership to the org's own executor.
type Orchestrator struct {
	db        *gorm.DB
	deployer  *Deployer
	directory hats.Directory
	registry  *registry.Store
	logger    *slog.Logger
	// bootstrapID is the principal that owns org beacons while the
	// deployment runs. Nothing outside a deployment ever acts as it.
	bootstrapID string
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(db *gorm.DB, d *Deployer, directory hats.Directory, reg *registry.Store, bootstrapID string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if bootstrapID == "" {
		bootstrapID = "deployment-bootstrap"
	}
	return &Orchestrator{
		db:          db,
		deployer:    d,
		directory:   directory,
		registry:    reg,
		logger:      logger,
		bootstrapID: bootstrapID,
	}
}

// DeployOrg deploys a complete organization from its config. The whole
// batch runs in one transaction; any failure leaves no trace of the org.
func (o *Orchestrator) DeployOrg(ctx context.Context, cfg *OrgConfig) (*OrgDeployment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	orgID := registry.DeriveOrgID(cfg.Name, cfg.Owner)
	exists, err := o.registry.OrgExists(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrOrgAlreadyDeployed, orgID)
	}

	var result *OrgDeployment
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = o.deployOrgInTx(ctx, tx, orgID, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("deployed organization",
		"org", result.OrgID, "name", cfg.Name, "executor", result.ExecutorID,
		"modules", len(result.Instances))
	return result, nil
}

func (o *Orchestrator) deployOrgInTx(ctx context.Context, tx *gorm.DB, orgID string, cfg *OrgConfig) (*OrgDeployment, error) {
	reg := o.registry.WithTx(tx)
	beacons := o.deployer.beacons.WithTx(tx)
	proxies := o.deployer.proxies.WithTx(tx)

	directory := o.directory
	if td, ok := directory.(interface {
		WithTx(*gorm.DB) hats.Directory
	}); ok {
		directory = td.WithTx(tx)
	}

	if err := reg.RegisterOrg(ctx, orgID, cfg.Owner, cfg.Name, cfg.AutoUpgrade); err != nil {
		return nil, err
	}

	topHat, roleHats, err := o.buildHatTree(ctx, directory, reg, orgID, cfg)
	if err != nil {
		return nil, err
	}

	// Role indices resolve through the registry so a config referencing a
	// role the org never declared fails here, not at first vote.
	resolver := roles.NewResolver(reg)
	voterHats, err := resolver.Resolve(ctx, orgID, cfg.VoterRoleIndexes())
	if err != nil {
		return nil, err
	}
	creatorHats, err := resolver.Resolve(ctx, orgID, cfg.CreatorRoleIndexes())
	if err != nil {
		return nil, err
	}

	memberHat := string(voterHats[0])
	creatorHat := string(creatorHats[0])

	deploy := func(spec ModuleSpec) (*module.InstanceRecord, error) {
		spec.AutoUpgrade = cfg.AutoUpgrade
		return o.deployer.deployInTx(ctx, tx, orgID, o.bootstrapID, spec)
	}

	// The executor comes first: every later module binds to its ID.
	execInstance, err := deploy(ModuleSpec{
		Type:   orgexecutor.ModuleType,
		Params: map[string]any{"org": orgID},
	})
	if err != nil {
		return nil, err
	}
	execID := execInstance.ID

	token, err := deploy(ModuleSpec{
		Type: participation.ModuleType,
		Params: map[string]any{
			"name":     cfg.Token.Name,
			"symbol":   cfg.Token.Symbol,
			"executor": execID,
		},
	})
	if err != nil {
		return nil, err
	}

	joiner, err := deploy(ModuleSpec{
		Type: quickjoin.ModuleType,
		Params: map[string]any{
			"executor":      execID,
			"memberHat":     memberHat,
			"tokenInstance": token.ID,
			"welcomeBonus":  cfg.Token.WelcomeBonus,
		},
	})
	if err != nil {
		return nil, err
	}

	tasks, err := deploy(ModuleSpec{
		Type: taskmanager.ModuleType,
		Params: map[string]any{
			"executor":      execID,
			"tokenInstance": token.ID,
			"creatorHat":    creatorHat,
			"memberHat":     memberHat,
		},
	})
	if err != nil {
		return nil, err
	}

	hub, err := deploy(ModuleSpec{
		Type: educationhub.ModuleType,
		Params: map[string]any{
			"executor":      execID,
			"tokenInstance": token.ID,
			"creatorHat":    creatorHat,
			"memberHat":     memberHat,
		},
	})
	if err != nil {
		return nil, err
	}

	payments, err := deploy(ModuleSpec{
		Type:   paymentmanager.ModuleType,
		Params: map[string]any{"executor": execID},
	})
	if err != nil {
		return nil, err
	}

	instances := map[string]string{
		orgexecutor.ModuleType:    execID,
		participation.ModuleType:  token.ID,
		quickjoin.ModuleType:      joiner.ID,
		taskmanager.ModuleType:    tasks.ID,
		educationhub.ModuleType:   hub.ID,
		paymentmanager.ModuleType: payments.ID,
	}

	for _, m := range cfg.Modules {
		inst, err := deploy(ModuleSpec{Type: m.Type, Params: m.Params, CustomImpl: m.Impl})
		if err != nil {
			return nil, err
		}
		instances[m.Type] = inst.ID
	}

	// Governance last: its allow-list covers every instance deployed above.
	votingType := directdemocracy.ModuleType
	if cfg.Voting.Class == voting.ClassHybrid {
		votingType = hybridvoting.ModuleType
	}
	votingParams := map[string]any{
		"org":            orgID,
		"executor":       execID,
		"quorum":         cfg.Voting.Quorum,
		"creatorHats":    hatStrings(creatorHats),
		"voterHats":      hatStrings(voterHats),
		"allowedTargets": targetList(instances),
	}
	if votingType == hybridvoting.ModuleType {
		votingParams["tokenInstance"] = token.ID
	}
	machine, err := deploy(ModuleSpec{Type: votingType, Params: votingParams, IsLast: true})
	if err != nil {
		return nil, err
	}
	instances[votingType] = machine.ID

	// Cross-wiring runs under the executor principal: modules that pay out
	// participation tokens get minter grants.
	execCtx := identity.WithPrincipal(ctx, identity.Principal{ID: execID})
	for _, minter := range []string{tasks.ID, hub.ID, joiner.ID} {
		_, err := proxies.Invoke(execCtx, token.ID, "setMinter", map[string]any{
			"account": minter,
			"allowed": true,
		})
		if err != nil {
			return nil, fmt.Errorf("grant minter %s: %w", minter, err)
		}
	}

	// Handover: every beacon created under the bootstrap owner moves to the
	// org's executor. From here on only governance can repoint them.
	contracts, err := reg.ListOrgContracts(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for _, c := range handoverOrder(contracts) {
		if err := beacons.TransferOwnership(ctx, c.Beacon, o.bootstrapID, execID); err != nil {
			return nil, fmt.Errorf("hand over beacon %s: %w", c.Beacon, err)
		}
	}

	return &OrgDeployment{
		OrgID:      orgID,
		ExecutorID: execID,
		TopHat:     string(topHat),
		RoleHats:   hatStrings(roleHats),
		Instances:  instances,
	}, nil
}

// buildHatTree creates the org's top hat and one hat per configured role,
// recording each role hat in the registry by index.
func (o *Orchestrator) buildHatTree(ctx context.Context, directory hats.Directory, reg *registry.Store, orgID string, cfg *OrgConfig) (hats.HatID, []hats.HatID, error) {
	topHat, err := directory.CreateTopHat(ctx, cfg.Owner, cfg.Name)
	if err != nil {
		return hats.Zero, nil, fmt.Errorf("create top hat: %w", err)
	}

	details := make([]string, len(cfg.Roles))
	supplies := make([]uint32, len(cfg.Roles))
	for i, r := range cfg.Roles {
		details[i] = fmt.Sprintf("%s/%s", cfg.Name, r.Name)
		supplies[i] = r.MaxSupply
	}
	roleHats, err := directory.CreateBatch(ctx, topHat, details, supplies)
	if err != nil {
		return hats.Zero, nil, fmt.Errorf("create role hats: %w", err)
	}

	for i, hat := range roleHats {
		if err := reg.SetRoleHat(ctx, orgID, uint8(i), hat, cfg.Roles[i].Name); err != nil {
			return hats.Zero, nil, err
		}
	}

	// The owner starts out wearing every role hat; membership grows through
	// quick join and hat minting afterwards.
	for _, hat := range roleHats {
		if err := directory.Mint(ctx, hat, cfg.Owner); err != nil {
			return hats.Zero, nil, fmt.Errorf("mint role hat to owner: %w", err)
		}
	}
	return topHat, roleHats, nil
}

// hatStrings converts hat IDs to their string form, in order.
func hatStrings(roleHats []hats.HatID) []string {
	out := make([]string, len(roleHats))
	for i, h := range roleHats {
		out[i] = string(h)
	}
	return out
}

// handoverOrder moves the executor's own contract to the end of the list.
// Its beacon is the last one out of bootstrap hands; every other module is
// governed before the executor governs itself.
func handoverOrder(contracts []registry.ContractRecord) []registry.ContractRecord {
	ordered := make([]registry.ContractRecord, 0, len(contracts))
	var own []registry.ContractRecord
	for _, c := range contracts {
		if c.ModuleType == orgexecutor.ModuleType {
			own = append(own, c)
			continue
		}
		ordered = append(ordered, c)
	}
	return append(ordered, own...)
}

// targetList flattens the deployed instances into a governance allow-list.
// The executor itself is included so batches can manage dispatchers.
func targetList(instances map[string]string) []string {
	out := make([]string, 0, len(instances))
	for _, id := range instances {
		out = append(out, id)
	}
	return out
}
