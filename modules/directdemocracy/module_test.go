package directdemocracy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	poadb "github.com/PerpetualOrganizationArchitect/poa/internal/db"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/executor"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/hats"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/voting"
)

// The implementation registry is process-global, so the whole binary shares
// one wired environment; tests isolate through distinct instance IDs.
var (
	sharedDB   *gorm.DB
	sharedSvc  *voting.Service
	sharedExec = executor.NewService(nil, nil, nil, nil)
)

func init() {
	db, err := poadb.OpenTest()
	if err != nil {
		panic(err)
	}
	if err := AutoMigrate(db); err != nil {
		panic(err)
	}
	directory := hats.NewLocalDirectory(db)
	if err := directory.AutoMigrate(); err != nil {
		panic(err)
	}
	sharedDB = db
	sharedSvc = voting.NewService(db, directory, sharedExec, nil, nil, nil)
	Register(sharedSvc, sharedExec)
}

func newLogic(t *testing.T) module.Logic {
	t.Helper()
	logic, err := module.Instantiate(module.ImplID(ModuleType, "v1"), module.Deps{DB: sharedDB})
	require.NoError(t, err)
	return logic
}

func initArgs() map[string]any {
	return map[string]any{
		"org":            "org-1",
		"executor":       "org-executor",
		"quorum":         uint64(50),
		"voterHats":      []string{"hat-member"},
		"creatorHats":    []string{"hat-member"},
		"allowedTargets": []string{"target-1"},
	}
}

func asCaller(id string) context.Context {
	return identity.WithPrincipal(context.Background(), identity.Principal{ID: id})
}

func TestInitProvisionsMachine(t *testing.T) {
	logic := newLogic(t)
	const instanceID = "dd-provision"
	require.NoError(t, logic.Init(context.Background(), instanceID, initArgs()))

	m, err := sharedSvc.Machine(context.Background(), instanceID)
	require.NoError(t, err)
	assert.Equal(t, voting.ClassDirectDemocracy, m.Class)
	assert.Equal(t, 50, m.QuorumPct)
	assert.Empty(t, m.TokenInstance, "direct democracy carries no token gate")

	assert.True(t, sharedExec.IsDispatcher("org-executor", instanceID))
}

func TestInitValidation(t *testing.T) {
	logic := newLogic(t)
	args := initArgs()
	args["quorum"] = uint64(101)
	err := logic.Init(context.Background(), "dd-bad-quorum", args)
	require.ErrorIs(t, err, voting.ErrInvalidQuorum)

	args = initArgs()
	args["org"] = ""
	require.Error(t, logic.Init(context.Background(), "dd-no-org", args))
}

func TestInvokeRoutesAdministration(t *testing.T) {
	logic := newLogic(t)
	const instanceID = "dd-admin"
	require.NoError(t, logic.Init(context.Background(), instanceID, initArgs()))

	_, err := logic.Invoke(asCaller("mallory"), instanceID, "setTargetAllowed",
		map[string]any{"target": "target-2", "allowed": true})
	require.ErrorIs(t, err, voting.ErrNotAuthorized)

	_, err = logic.Invoke(asCaller("org-executor"), instanceID, "setTargetAllowed",
		map[string]any{"target": "target-2", "allowed": true})
	require.NoError(t, err)

	targets, err := sharedSvc.AllowedTargets(context.Background(), instanceID)
	require.NoError(t, err)
	assert.Contains(t, targets, "target-2")

	_, err = logic.Invoke(asCaller("org-executor"), instanceID, "setRoleAllowed",
		map[string]any{"hat": "hat-extra", "creator": false, "allowed": true})
	require.NoError(t, err)

	m, err := sharedSvc.Machine(context.Background(), instanceID)
	require.NoError(t, err)
	assert.Contains(t, []string(m.VoterHats), "hat-extra")
}
