package beacon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	poadb "github.com/PerpetualOrganizationArchitect/poa/internal/db"
)

// knownImpls is the implementation source used throughout: only these IDs
// count as registered logic.
var knownImpls = map[string]bool{
	"TaskManager@v1": true,
	"TaskManager@v2": true,
	"QuickJoin@v1":   true,
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := poadb.OpenTest()
	require.NoError(t, err)
	svc := NewService(db, SourceFunc(func(id string) bool { return knownImpls[id] }), nil, nil)
	require.NoError(t, svc.AutoMigrate())
	return svc
}

func createGlobal(t *testing.T, svc *Service, moduleType, impl string) *Record {
	t.Helper()
	rec, err := svc.Create(context.Background(), CreateParams{
		ModuleType:           moduleType,
		Mode:                 ModeStatic,
		PinnedImplementation: impl,
		Owner:                "root",
		Global:               true,
	})
	require.NoError(t, err)
	return rec
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{Mode: ModeStatic, PinnedImplementation: "TaskManager@v1", Owner: "root"})
	require.ErrorIs(t, err, ErrEmptyValue)

	_, err = svc.Create(ctx, CreateParams{ModuleType: "TaskManager", Mode: ModeStatic, PinnedImplementation: "TaskManager@v1"})
	require.ErrorIs(t, err, ErrEmptyValue)

	_, err = svc.Create(ctx, CreateParams{ModuleType: "TaskManager", Mode: ModeStatic, Owner: "root"})
	require.ErrorIs(t, err, ErrEmptyValue)

	_, err = svc.Create(ctx, CreateParams{ModuleType: "TaskManager", Mode: ModeStatic, PinnedImplementation: "TaskManager@v9", Owner: "root"})
	require.ErrorIs(t, err, ErrNotLogic)

	_, err = svc.Create(ctx, CreateParams{ModuleType: "TaskManager", Mode: "drifting", PinnedImplementation: "TaskManager@v1", Owner: "root"})
	require.Error(t, err)
}

func TestStaticResolution(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	global := createGlobal(t, svc, "TaskManager", "TaskManager@v1")

	impl, err := svc.Implementation(ctx, global.ID)
	require.NoError(t, err)
	assert.Equal(t, "TaskManager@v1", impl)
}

func TestMirrorResolvesOneHop(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	global := createGlobal(t, svc, "TaskManager", "TaskManager@v1")

	follower, err := svc.Create(ctx, CreateParams{
		OrgID:        "org-1",
		ModuleType:   "TaskManager",
		Mode:         ModeMirror,
		MirrorSource: global.ID,
		Owner:        "org-exec",
	})
	require.NoError(t, err)

	impl, err := svc.Implementation(ctx, follower.ID)
	require.NoError(t, err)
	assert.Equal(t, "TaskManager@v1", impl)

	// Repinning the source is visible on the next resolution.
	require.NoError(t, svc.Pin(ctx, global.ID, "root", "TaskManager@v2"))
	impl, err = svc.Implementation(ctx, follower.ID)
	require.NoError(t, err)
	assert.Equal(t, "TaskManager@v2", impl)
}

func TestMirrorChainRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	global := createGlobal(t, svc, "TaskManager", "TaskManager@v1")

	follower, err := svc.Create(ctx, CreateParams{
		OrgID:        "org-1",
		ModuleType:   "TaskManager",
		Mode:         ModeMirror,
		MirrorSource: global.ID,
		Owner:        "org-exec",
	})
	require.NoError(t, err)

	// A mirror may never follow another mirror.
	_, err = svc.Create(ctx, CreateParams{
		OrgID:        "org-2",
		ModuleType:   "TaskManager",
		Mode:         ModeMirror,
		MirrorSource: follower.ID,
		Owner:        "other-exec",
	})
	require.ErrorIs(t, err, ErrMirrorChain)

	other, err := svc.Create(ctx, CreateParams{
		OrgID:                "org-2",
		ModuleType:           "TaskManager",
		Mode:                 ModeStatic,
		PinnedImplementation: "TaskManager@v1",
		Owner:                "other-exec",
	})
	require.NoError(t, err)
	err = svc.SetMirror(ctx, other.ID, "other-exec", follower.ID)
	require.ErrorIs(t, err, ErrMirrorChain)
}

func TestMirrorSourceMustExist(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(context.Background(), CreateParams{
		ModuleType:   "TaskManager",
		Mode:         ModeMirror,
		MirrorSource: "missing",
		Owner:        "org-exec",
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOwnershipGate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	global := createGlobal(t, svc, "TaskManager", "TaskManager@v1")

	err := svc.Pin(ctx, global.ID, "mallory", "TaskManager@v2")
	require.ErrorIs(t, err, ErrNotOwner)
	err = svc.TransferOwnership(ctx, global.ID, "mallory", "mallory")
	require.ErrorIs(t, err, ErrNotOwner)

	// A failed mutation leaves the record untouched.
	rec, err := svc.Get(ctx, global.ID)
	require.NoError(t, err)
	assert.Equal(t, "TaskManager@v1", rec.PinnedImplementation)
	assert.Equal(t, "root", rec.Owner)
}

func TestTransferOwnership(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	global := createGlobal(t, svc, "TaskManager", "TaskManager@v1")

	require.Error(t, svc.TransferOwnership(ctx, global.ID, "root", ""))
	require.NoError(t, svc.TransferOwnership(ctx, global.ID, "root", "successor"))

	// Only the new owner mutates from here on.
	require.ErrorIs(t, svc.Pin(ctx, global.ID, "root", "TaskManager@v2"), ErrNotOwner)
	require.NoError(t, svc.Pin(ctx, global.ID, "successor", "TaskManager@v2"))
}

func TestPinToCurrentFreezes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	global := createGlobal(t, svc, "TaskManager", "TaskManager@v1")

	follower, err := svc.Create(ctx, CreateParams{
		OrgID:        "org-1",
		ModuleType:   "TaskManager",
		Mode:         ModeMirror,
		MirrorSource: global.ID,
		Owner:        "org-exec",
	})
	require.NoError(t, err)

	// Freeze at the currently resolved version, then upgrade the global.
	require.NoError(t, svc.PinToCurrent(ctx, follower.ID, "org-exec"))
	require.NoError(t, svc.Pin(ctx, global.ID, "root", "TaskManager@v2"))

	impl, err := svc.Implementation(ctx, follower.ID)
	require.NoError(t, err)
	assert.Equal(t, "TaskManager@v1", impl, "frozen beacons do not follow upgrades")

	rec, err := svc.Get(ctx, follower.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeStatic, rec.Mode)
	assert.Empty(t, rec.MirrorSource)
}

func TestUpgradeMovesGlobal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	createGlobal(t, svc, "TaskManager", "TaskManager@v1")

	require.NoError(t, svc.Upgrade(ctx, "TaskManager", "root", "TaskManager@v2"))

	global, err := svc.GlobalFor(ctx, "TaskManager")
	require.NoError(t, err)
	assert.Equal(t, "TaskManager@v2", global.PinnedImplementation)

	err = svc.Upgrade(ctx, "QuickJoin", "root", "QuickJoin@v1")
	require.ErrorIs(t, err, ErrNotFound, "no global beacon published for the type")
}

func TestGetNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.GlobalFor(context.Background(), "Nothing")
	require.ErrorIs(t, err, ErrNotFound)
}
