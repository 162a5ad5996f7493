package quickjoin

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	poadb "github.com/PerpetualOrganizationArchitect/poa/internal/db"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/hats"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
)

// mintCall records one cross-module token mint requested during onboarding.
type mintCall struct {
	Instance string
	Caller   string
	Account  string
	Amount   uint64
}

type testEnv struct {
	logic     module.Logic
	directory *hats.LocalDirectory
	memberHat hats.HatID

	mu    sync.Mutex
	mints []mintCall
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := poadb.OpenTest()
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	env := &testEnv{directory: hats.NewLocalDirectory(db)}
	require.NoError(t, env.directory.AutoMigrate())
	env.memberHat, err = env.directory.Create(context.Background(), hats.Zero, "member", 0)
	require.NoError(t, err)

	env.logic, err = module.Instantiate(module.ImplID(ModuleType, "v1"), module.Deps{
		DB:     db,
		Hats:   env.directory,
		Logger: slog.Default(),
		Invoke: func(ctx context.Context, instanceID, method string, args map[string]any) (any, error) {
			require.Equal(t, "mint", method)
			env.mu.Lock()
			env.mints = append(env.mints, mintCall{
				Instance: instanceID,
				Caller:   identity.CallerFromContext(ctx),
				Account:  args["account"].(string),
				Amount:   args["amount"].(uint64),
			})
			env.mu.Unlock()
			return nil, nil
		},
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) initInstance(t *testing.T, extra map[string]any) string {
	t.Helper()
	args := map[string]any{"executor": "org-executor", "memberHat": string(e.memberHat)}
	for k, v := range extra {
		args[k] = v
	}
	const instanceID = "joiner-1"
	require.NoError(t, e.logic.Init(context.Background(), instanceID, args))
	return instanceID
}

func asCaller(id string) context.Context {
	return identity.WithPrincipal(context.Background(), identity.Principal{ID: id})
}

func TestInitValidation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	require.Error(t, e.logic.Init(ctx, "j", map[string]any{"memberHat": string(e.memberHat)}))
	require.Error(t, e.logic.Init(ctx, "j", map[string]any{"executor": "org-executor"}))
	require.Error(t, e.logic.Init(ctx, "j", map[string]any{
		"executor":     "org-executor",
		"memberHat":    string(e.memberHat),
		"welcomeBonus": uint64(10),
	}), "a welcome bonus without a token has nowhere to mint")
}

func TestJoin(t *testing.T) {
	e := newTestEnv(t)
	id := e.initInstance(t, nil)
	ctx := context.Background()

	_, err := e.logic.Invoke(asCaller("alice"), id, "join", map[string]any{"username": "alice99"})
	require.NoError(t, err)

	wearing, err := e.directory.IsWearerOf(ctx, "alice", e.memberHat)
	require.NoError(t, err)
	assert.True(t, wearing, "joining mints the member hat")

	out, err := e.logic.Invoke(ctx, id, "isMember", map[string]any{"account": "alice"})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.logic.Invoke(ctx, id, "isMember", map[string]any{"account": "bob"})
	require.NoError(t, err)
	assert.Equal(t, false, out)

	assert.Empty(t, e.mints, "no bonus configured, no mint issued")
}

func TestJoinRejections(t *testing.T) {
	e := newTestEnv(t)
	id := e.initInstance(t, nil)

	_, err := e.logic.Invoke(context.Background(), id, "join", nil)
	require.ErrorIs(t, err, ErrNoCaller)

	_, err = e.logic.Invoke(asCaller("alice"), id, "join", nil)
	require.NoError(t, err)
	_, err = e.logic.Invoke(asCaller("alice"), id, "join", nil)
	require.ErrorIs(t, err, ErrAlreadyMember)
}

func TestJoinToleratesExistingHat(t *testing.T) {
	e := newTestEnv(t)
	id := e.initInstance(t, nil)

	// Someone who already wears the member hat can still register.
	require.NoError(t, e.directory.Mint(context.Background(), e.memberHat, "alice"))
	_, err := e.logic.Invoke(asCaller("alice"), id, "join", nil)
	require.NoError(t, err)

	out, err := e.logic.Invoke(context.Background(), id, "isMember", map[string]any{"account": "alice"})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestWelcomeBonus(t *testing.T) {
	e := newTestEnv(t)
	id := e.initInstance(t, map[string]any{"tokenInstance": "token-1", "welcomeBonus": uint64(50)})

	_, err := e.logic.Invoke(asCaller("alice"), id, "join", nil)
	require.NoError(t, err)

	require.Len(t, e.mints, 1)
	assert.Equal(t, "token-1", e.mints[0].Instance)
	assert.Equal(t, "alice", e.mints[0].Account)
	assert.EqualValues(t, 50, e.mints[0].Amount)
	assert.Equal(t, id, e.mints[0].Caller, "the bonus mints under the instance's own identity")
}

func TestMemberCount(t *testing.T) {
	e := newTestEnv(t)
	id := e.initInstance(t, nil)

	out, err := e.logic.Invoke(context.Background(), id, "memberCount", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, out)

	for _, account := range []string{"alice", "bob", "carol"} {
		_, err = e.logic.Invoke(asCaller(account), id, "join", nil)
		require.NoError(t, err)
	}

	out, err = e.logic.Invoke(context.Background(), id, "memberCount", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, out)
}

func TestUnknownMethod(t *testing.T) {
	e := newTestEnv(t)
	id := e.initInstance(t, nil)
	_, err := e.logic.Invoke(context.Background(), id, "leave", nil)
	require.ErrorIs(t, err, ErrUnknownMethod)
}
