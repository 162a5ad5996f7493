// Package directdemocracy implements the direct democracy governance
// module: one member, one hundred points, gated on membership hats alone.
package directdemocracy

import (
	"context"

	"gorm.io/gorm"

	"github.com/PerpetualOrganizationArchitect/poa/modules/internal/params"
	"github.com/PerpetualOrganizationArchitect/poa/modules/internal/votingadmin"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/executor"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/voting"
)

// ModuleType identifies this module in beacon and registry records.
const ModuleType = "DirectDemocracyVoting"

// Register installs the direct democracy implementation, bound to the
// voting engine and the batch runner. Called once during server wiring.
func Register(svc *voting.Service, exec *executor.Service) {
	module.RegisterImplementation(ModuleType, "v1", func(deps module.Deps) module.Logic {
		return &logic{deps: deps, svc: svc, exec: exec}
	})
}

// AutoMigrate creates or updates the voting tables shared by both classes.
func AutoMigrate(db *gorm.DB) error {
	return voting.AutoMigrate(db)
}

type logic struct {
	deps module.Deps
	svc  *voting.Service
	exec *executor.Service
}

func (l *logic) Type() string    { return ModuleType }
func (l *logic) Version() string { return "v1" }

// Init provisions the machine and authorizes it as a dispatcher to the org
// executor so winning batches can run.
func (l *logic) Init(ctx context.Context, instanceID string, args map[string]any) error {
	executorID := params.String(args, "executor")
	// Bind to the caller's transaction so a failed deployment unwinds
	// the machine record too.
	_, err := l.svc.WithTx(l.deps.DB).CreateMachine(ctx, voting.MachineParams{
		InstanceID:     instanceID,
		OrgID:          params.String(args, "org"),
		ExecutorID:     executorID,
		Class:          voting.ClassDirectDemocracy,
		QuorumPct:      int(params.Uint64(args, "quorum")),
		CreatorHats:    params.Strings(args, "creatorHats"),
		VoterHats:      params.Strings(args, "voterHats"),
		AllowedTargets: params.Strings(args, "allowedTargets"),
	})
	if err != nil {
		return err
	}
	l.exec.AddDispatcher(executorID, instanceID)
	return nil
}

// Invoke routes governance-reachable machine administration.
func (l *logic) Invoke(ctx context.Context, instanceID, method string, args map[string]any) (any, error) {
	return votingadmin.Invoke(ctx, l.svc.WithTx(l.deps.DB), instanceID, method, args)
}
