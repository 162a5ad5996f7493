// Package votingadmin routes governance-reachable machine administration
// for both voting classes. The voting engine enforces that every mutation
// comes from the org executor.
package votingadmin

import (
	"context"
	"fmt"

	"github.com/PerpetualOrganizationArchitect/poa/modules/internal/params"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/voting"
)

// Invoke dispatches a machine administration method.
func Invoke(ctx context.Context, svc *voting.Service, instanceID, method string, args map[string]any) (any, error) {
	caller := identity.CallerFromContext(ctx)
	switch method {
	case "pause":
		return nil, svc.Pause(ctx, instanceID, caller)
	case "unpause":
		return nil, svc.Unpause(ctx, instanceID, caller)
	case "setQuorum":
		return nil, svc.SetQuorum(ctx, instanceID, caller, int(params.Uint64(args, "quorum")))
	case "setExecutor":
		return nil, svc.SetExecutor(ctx, instanceID, caller, params.String(args, "executor"))
	case "setTargetAllowed":
		return nil, svc.SetTargetAllowed(ctx, instanceID, caller,
			params.String(args, "target"), params.Bool(args, "allowed"))
	case "setRoleAllowed":
		return nil, svc.SetRoleAllowed(ctx, instanceID, caller,
			params.String(args, "hat"), params.Bool(args, "creator"), params.Bool(args, "allowed"))
	case "proposalsCount":
		return svc.ProposalsCount(ctx, instanceID)
	default:
		return nil, fmt.Errorf("unknown voting method: %s", method)
	}
}
