package module

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	poadb "github.com/PerpetualOrganizationArchitect/poa/internal/db"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/beacon"
)

// echoLogic is a minimal module used to exercise the registry and proxy
// machinery. Init records the params it saw; echo reports which version
// answered.
type echoLogic struct {
	version string
}

var (
	echoMu    sync.Mutex
	echoInits = map[string]map[string]any{}
)

func (l *echoLogic) Type() string    { return "EchoModule" }
func (l *echoLogic) Version() string { return l.version }

func (l *echoLogic) Init(_ context.Context, instanceID string, params map[string]any) error {
	if params["fail"] == true {
		return errors.New("init refused")
	}
	echoMu.Lock()
	echoInits[instanceID] = params
	echoMu.Unlock()
	return nil
}

func (l *echoLogic) Invoke(_ context.Context, instanceID, method string, args map[string]any) (any, error) {
	switch method {
	case "echo":
		return l.version + ":" + args["msg"].(string), nil
	}
	return nil, errors.New("unknown method: " + method)
}

type noopLogic struct{}

func (noopLogic) Type() string    { return "ScratchModule" }
func (noopLogic) Version() string { return "v1" }
func (noopLogic) Init(context.Context, string, map[string]any) error {
	return nil
}
func (noopLogic) Invoke(context.Context, string, string, map[string]any) (any, error) {
	return nil, nil
}

func init() {
	RegisterImplementation("EchoModule", "v1", func(Deps) Logic { return &echoLogic{version: "v1"} })
	RegisterImplementation("EchoModule", "v2", func(Deps) Logic { return &echoLogic{version: "v2"} })
	RegisterImplementation("ScratchModule", "v1", func(Deps) Logic { return noopLogic{} })
}

func TestImplID(t *testing.T) {
	assert.Equal(t, "TaskManager@v1", ImplID("TaskManager", "v1"))

	moduleType, version, ok := SplitImplID("TaskManager@v1")
	assert.True(t, ok)
	assert.Equal(t, "TaskManager", moduleType)
	assert.Equal(t, "v1", version)

	_, _, ok = SplitImplID("no-separator")
	assert.False(t, ok)
}

func TestRegistry(t *testing.T) {
	assert.True(t, HasImplementation("EchoModule@v1"))
	assert.True(t, HasImplementation("EchoModule@v2"))
	assert.False(t, HasImplementation("EchoModule@v9"))

	names := Names()
	assert.Contains(t, names, "EchoModule")
	assert.IsIncreasing(t, names)

	// Latest follows registration order, not lexical order.
	latest, err := Latest("EchoModule")
	require.NoError(t, err)
	assert.Equal(t, "EchoModule@v2", latest)

	_, err = Latest("NoSuchModule")
	require.ErrorIs(t, err, ErrUnknownModuleType)

	_, err = Instantiate("NoSuchModule@v1", Deps{})
	require.ErrorIs(t, err, ErrUnknownImplementation)

	logic, err := Instantiate("EchoModule@v1", Deps{})
	require.NoError(t, err)
	assert.Equal(t, "EchoModule", logic.Type())
	assert.Equal(t, "v1", logic.Version())
}

// proxyEnv wires an instance store, a beacon service backed by the real
// registry, and the proxy dispatcher over one in-memory database.
type proxyEnv struct {
	instances *InstanceStore
	beacons   *beacon.Service
	proxies   *Proxies
}

func newProxyEnv(t *testing.T) *proxyEnv {
	t.Helper()
	db, err := poadb.OpenTest()
	require.NoError(t, err)

	instances := NewInstanceStore(db)
	require.NoError(t, instances.AutoMigrate())
	beacons := beacon.NewService(db, beacon.SourceFunc(HasImplementation), nil, nil)
	require.NoError(t, beacons.AutoMigrate())

	return &proxyEnv{
		instances: instances,
		beacons:   beacons,
		proxies:   NewProxies(instances, beacons, Deps{DB: db}),
	}
}

func (e *proxyEnv) newInstance(t *testing.T, moduleType, impl string) (*InstanceRecord, *beacon.Record) {
	t.Helper()
	b, err := e.beacons.Create(context.Background(), beacon.CreateParams{
		OrgID:                "org-1",
		ModuleType:           moduleType,
		Mode:                 beacon.ModeStatic,
		PinnedImplementation: impl,
		Owner:                "org-exec",
	})
	require.NoError(t, err)
	rec, err := e.instances.Create(context.Background(), "org-1", moduleType, b.ID)
	require.NoError(t, err)
	return rec, b
}

func TestProxyInitGuard(t *testing.T) {
	e := newProxyEnv(t)
	ctx := context.Background()
	rec, _ := e.newInstance(t, "EchoModule", "EchoModule@v1")

	require.NoError(t, e.proxies.Init(ctx, rec.ID, map[string]any{"name": "demo"}))

	echoMu.Lock()
	params := echoInits[rec.ID]
	echoMu.Unlock()
	assert.Equal(t, "demo", params["name"])

	// The initializer runs at most once per instance.
	err := e.proxies.Init(ctx, rec.ID, nil)
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	err = e.proxies.Init(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestProxyInvokeRequiresInit(t *testing.T) {
	e := newProxyEnv(t)
	ctx := context.Background()
	rec, _ := e.newInstance(t, "EchoModule", "EchoModule@v1")

	_, err := e.proxies.Invoke(ctx, rec.ID, "echo", map[string]any{"msg": "hi"})
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, e.proxies.Init(ctx, rec.ID, nil))
	out, err := e.proxies.Invoke(ctx, rec.ID, "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "v1:hi", out)

	_, err = e.proxies.Invoke(ctx, "missing", "echo", nil)
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestProxyResolvesAtCallTime(t *testing.T) {
	e := newProxyEnv(t)
	ctx := context.Background()
	rec, b := e.newInstance(t, "EchoModule", "EchoModule@v1")
	require.NoError(t, e.proxies.Init(ctx, rec.ID, nil))

	out, err := e.proxies.Invoke(ctx, rec.ID, "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "v1:hi", out)

	// Repinning the beacon upgrades the instance with no proxy-side change.
	require.NoError(t, e.beacons.Pin(ctx, b.ID, "org-exec", "EchoModule@v2"))
	out, err = e.proxies.Invoke(ctx, rec.ID, "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "v2:hi", out)
}

func TestProxyRejectsTypeMismatch(t *testing.T) {
	e := newProxyEnv(t)
	ctx := context.Background()

	// A beacon repointed at logic of a different type is refused at
	// dispatch, not silently executed.
	rec, b := e.newInstance(t, "EchoModule", "EchoModule@v1")
	require.NoError(t, e.proxies.Init(ctx, rec.ID, nil))
	require.NoError(t, e.beacons.Pin(ctx, b.ID, "org-exec", "ScratchModule@v1"))

	_, err := e.proxies.Invoke(ctx, rec.ID, "echo", map[string]any{"msg": "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ScratchModule")
}

func TestInitFailureReportsCause(t *testing.T) {
	e := newProxyEnv(t)
	rec, _ := e.newInstance(t, "EchoModule", "EchoModule@v1")

	err := e.proxies.Init(context.Background(), rec.ID, map[string]any{"fail": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init refused")
}

func TestMarkInitialized(t *testing.T) {
	e := newProxyEnv(t)
	ctx := context.Background()
	rec, _ := e.newInstance(t, "EchoModule", "EchoModule@v1")

	require.NoError(t, e.instances.MarkInitialized(ctx, rec.ID))
	require.ErrorIs(t, e.instances.MarkInitialized(ctx, rec.ID), ErrAlreadyInitialized)
	require.ErrorIs(t, e.instances.MarkInitialized(ctx, "missing"), ErrInstanceNotFound)

	got, err := e.instances.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Initialized)
}
