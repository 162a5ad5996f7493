package voting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	poadb "github.com/PerpetualOrganizationArchitect/poa/internal/db"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/beacon"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/executor"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/hats"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
)

// fakeLogic is a minimal module implementation for dispatch targets and
// participation balance checks.
type fakeLogic struct{}

var (
	fakeMu       sync.Mutex
	fakeCalls    []string
	fakeBalances = map[string]uint64{}
)

func (fakeLogic) Type() string    { return "FakeModule" }
func (fakeLogic) Version() string { return "v1" }

func (fakeLogic) Init(ctx context.Context, instanceID string, args map[string]any) error {
	return nil
}

func (fakeLogic) Invoke(ctx context.Context, instanceID, method string, args map[string]any) (any, error) {
	if method == "balanceOf" {
		account, _ := args["account"].(string)
		fakeMu.Lock()
		defer fakeMu.Unlock()
		return fakeBalances[account], nil
	}
	fakeMu.Lock()
	fakeCalls = append(fakeCalls, instanceID+"."+method)
	fakeMu.Unlock()
	return nil, nil
}

func init() {
	module.RegisterImplementation("FakeModule", "v1", func(deps module.Deps) module.Logic {
		return fakeLogic{}
	})
}

func recordedCalls() []string {
	fakeMu.Lock()
	defer fakeMu.Unlock()
	out := make([]string, len(fakeCalls))
	copy(out, fakeCalls)
	return out
}

func resetFakes() {
	fakeMu.Lock()
	fakeCalls = nil
	fakeBalances = map[string]uint64{}
	fakeMu.Unlock()
}

func setBalance(account string, amount uint64) {
	fakeMu.Lock()
	fakeBalances[account] = amount
	fakeMu.Unlock()
}

type testEnv struct {
	db        *gorm.DB
	directory *hats.LocalDirectory
	beacons   *beacon.Service
	instances *module.InstanceStore
	proxies   *module.Proxies
	exec      *executor.Service
	svc       *Service

	executorID string
	voterHat   string
	creatorHat string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	resetFakes()

	db, err := poadb.OpenTest()
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	directory := hats.NewLocalDirectory(db)
	require.NoError(t, directory.AutoMigrate())

	instances := module.NewInstanceStore(db)
	require.NoError(t, instances.AutoMigrate())

	beacons := beacon.NewService(db, beacon.SourceFunc(module.HasImplementation), nil, nil)
	require.NoError(t, beacons.AutoMigrate())

	proxies := module.NewProxies(instances, beacons, module.Deps{DB: db, Hats: directory})
	exec := executor.NewService(proxies, beacons, nil, nil)
	svc := NewService(db, directory, exec, proxies, nil, nil)

	ctx := context.Background()
	voterHat, err := directory.Create(ctx, hats.Zero, "voters", 0)
	require.NoError(t, err)
	creatorHat, err := directory.Create(ctx, hats.Zero, "creators", 0)
	require.NoError(t, err)

	return &testEnv{
		db:         db,
		directory:  directory,
		beacons:    beacons,
		instances:  instances,
		proxies:    proxies,
		exec:       exec,
		svc:        svc,
		executorID: "org-executor",
		voterHat:   string(voterHat),
		creatorHat: string(creatorHat),
	}
}

// newFakeInstance provisions an initialized FakeModule instance that can be
// used as a batch target.
func (e *testEnv) newFakeInstance(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	b, err := e.beacons.Create(ctx, beacon.CreateParams{
		OrgID:                "org-1",
		ModuleType:           "FakeModule",
		Mode:                 beacon.ModeStatic,
		PinnedImplementation: "FakeModule@v1",
		Owner:                e.executorID,
	})
	require.NoError(t, err)
	inst, err := e.instances.Create(ctx, "org-1", "FakeModule", b.ID)
	require.NoError(t, err)
	require.NoError(t, e.instances.MarkInitialized(ctx, inst.ID))
	return inst.ID
}

func (e *testEnv) newMachine(t *testing.T, class string, targets []string) *MachineRecord {
	t.Helper()
	params := MachineParams{
		InstanceID:     "machine-" + t.Name(),
		OrgID:          "org-1",
		ExecutorID:     e.executorID,
		Class:          class,
		QuorumPct:      30,
		CreatorHats:    []string{e.creatorHat},
		VoterHats:      []string{e.voterHat},
		AllowedTargets: targets,
	}
	if class == ClassHybrid {
		params.TokenInstance = e.newFakeInstance(t)
	}
	m, err := e.svc.CreateMachine(context.Background(), params)
	require.NoError(t, err)
	e.exec.AddDispatcher(e.executorID, m.ID)
	return m
}

func (e *testEnv) addVoter(t *testing.T, account string) {
	t.Helper()
	require.NoError(t, e.directory.Mint(context.Background(), hats.HatID(e.voterHat), account))
}

func (e *testEnv) addCreator(t *testing.T, account string) {
	t.Helper()
	require.NoError(t, e.directory.Mint(context.Background(), hats.HatID(e.creatorHat), account))
}

// expire pushes a proposal's end timestamp into the past so finalization
// paths can run without waiting out a real voting window.
func (e *testEnv) expire(t *testing.T, proposalID string) {
	t.Helper()
	err := e.db.Model(&ProposalRecord{}).
		Where("id = ?", proposalID).
		Update("ends_at", time.Now().Add(-time.Minute)).Error
	require.NoError(t, err)
}

func TestCreateMachineValidation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.svc.CreateMachine(ctx, MachineParams{OrgID: "o", ExecutorID: "x", Class: ClassDirectDemocracy, QuorumPct: 30})
	require.Error(t, err)

	_, err = e.svc.CreateMachine(ctx, MachineParams{InstanceID: "m", OrgID: "o", ExecutorID: "x", Class: ClassDirectDemocracy, QuorumPct: 0})
	require.ErrorIs(t, err, ErrInvalidQuorum)

	_, err = e.svc.CreateMachine(ctx, MachineParams{InstanceID: "m", OrgID: "o", ExecutorID: "x", Class: ClassDirectDemocracy, QuorumPct: 101})
	require.ErrorIs(t, err, ErrInvalidQuorum)

	_, err = e.svc.CreateMachine(ctx, MachineParams{InstanceID: "m", OrgID: "o", ExecutorID: "x", Class: "plutocracy", QuorumPct: 30})
	require.Error(t, err)

	_, err = e.svc.CreateMachine(ctx, MachineParams{InstanceID: "m", OrgID: "o", ExecutorID: "x", Class: ClassHybrid, QuorumPct: 30})
	require.Error(t, err, "hybrid machines need a token instance")
}

func TestMachineNotFound(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.svc.Machine(context.Background(), "missing")
	require.ErrorIs(t, err, ErrMachineNotFound)
}

func TestCreateProposalGating(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMachine(t, ClassDirectDemocracy, nil)
	e.addCreator(t, "alice")

	params := ProposalParams{Metadata: "ipfs://proposal", Duration: time.Hour, Options: 2}

	// Wearing the creator hat is enough.
	_, err := e.svc.CreateProposal(ctx, m.ID, "alice", params)
	require.NoError(t, err)

	// The executor may always create.
	_, err = e.svc.CreateProposal(ctx, m.ID, e.executorID, params)
	require.NoError(t, err)

	// Anyone else is rejected.
	_, err = e.svc.CreateProposal(ctx, m.ID, "mallory", params)
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestCreateProposalValidation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	target := e.newFakeInstance(t)
	m := e.newMachine(t, ClassDirectDemocracy, []string{target})
	e.addCreator(t, "alice")

	base := ProposalParams{Metadata: "m", Duration: time.Hour, Options: 2}

	tests := []struct {
		name    string
		mutate  func(*ProposalParams)
		wantErr error
	}{
		{"empty metadata", func(p *ProposalParams) { p.Metadata = "" }, ErrEmptyMetadata},
		{"zero options", func(p *ProposalParams) { p.Options = 0 }, ErrInvalidOptionCount},
		{"too many options", func(p *ProposalParams) { p.Options = MaxOptions + 1 }, ErrInvalidOptionCount},
		{"too short", func(p *ProposalParams) { p.Duration = time.Minute }, ErrInvalidDuration},
		{"too long", func(p *ProposalParams) { p.Duration = MaxDuration + time.Hour }, ErrInvalidDuration},
		{"batch length mismatch", func(p *ProposalParams) {
			p.Batches = [][]executor.Call{{{Target: target, Method: "poke"}}}
		}, ErrBatchLengthMismatch},
		{"self target", func(p *ProposalParams) {
			p.Batches = [][]executor.Call{{{Target: m.ID, Method: "poke"}}, nil}
		}, ErrSelfTarget},
		{"target not allow-listed", func(p *ProposalParams) {
			p.Batches = [][]executor.Call{{{Target: "rogue", Method: "poke"}}, nil}
		}, ErrTargetNotAllowed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			_, err := e.svc.CreateProposal(ctx, m.ID, "alice", p)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}

	t.Run("too many calls", func(t *testing.T) {
		calls := make([]executor.Call, MaxCalls+1)
		for i := range calls {
			calls[i] = executor.Call{Target: target, Method: "poke"}
		}
		p := base
		p.Batches = [][]executor.Call{calls, nil}
		_, err := e.svc.CreateProposal(ctx, m.ID, "alice", p)
		require.ErrorIs(t, err, ErrTooManyCalls)
	})
}

func TestCreateProposalPaused(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMachine(t, ClassDirectDemocracy, nil)
	e.addCreator(t, "alice")

	require.NoError(t, e.svc.Pause(ctx, m.ID, e.executorID))
	_, err := e.svc.CreateProposal(ctx, m.ID, "alice", ProposalParams{Metadata: "m", Duration: time.Hour, Options: 2})
	require.ErrorIs(t, err, ErrPaused)
}

func TestValidateBallot(t *testing.T) {
	tests := []struct {
		name    string
		options []int
		weights []uint8
		wantErr error
	}{
		{"full budget on one option", []int{0}, []uint8{100}, nil},
		{"split budget", []int{0, 2}, []uint8{70, 30}, nil},
		{"length mismatch", []int{0, 1}, []uint8{100}, ErrArrayLengthMismatch},
		{"empty ballot", nil, nil, ErrInvalidWeightSum},
		{"negative option", []int{-1}, []uint8{100}, ErrInvalidOption},
		{"out of range option", []int{3}, []uint8{100}, ErrInvalidOption},
		{"duplicate option", []int{1, 1}, []uint8{50, 50}, ErrDuplicateOption},
		{"under budget", []int{0, 1}, []uint8{40, 40}, ErrInvalidWeightSum},
		{"over budget", []int{0, 1}, []uint8{60, 60}, ErrInvalidWeightSum},
		{"single weight above budget", []int{0, 1}, []uint8{150, 50}, ErrInvalidWeightSum},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateBallot(3, tc.options, tc.weights)
			if tc.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestVoteTalliesAccumulate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMachine(t, ClassDirectDemocracy, nil)
	e.addCreator(t, "alice")
	e.addVoter(t, "alice")
	e.addVoter(t, "bob")

	prop, err := e.svc.CreateProposal(ctx, m.ID, "alice", ProposalParams{Metadata: "m", Duration: time.Hour, Options: 3})
	require.NoError(t, err)

	require.NoError(t, e.svc.Vote(ctx, prop.ID, "alice", []int{0, 1}, []uint8{70, 30}))
	require.NoError(t, e.svc.Vote(ctx, prop.ID, "bob", []int{1}, []uint8{100}))

	fresh, err := e.svc.Proposal(ctx, prop.ID)
	require.NoError(t, err)
	assert.Equal(t, JSONTallies{70, 130, 0}, fresh.Tallies)
	assert.Equal(t, uint64(2*WeightBudget), fresh.TotalWeight)

	voted, err := e.svc.HasVoted(ctx, prop.ID, "alice")
	require.NoError(t, err)
	assert.True(t, voted)
	voted, err = e.svc.HasVoted(ctx, prop.ID, "carol")
	require.NoError(t, err)
	assert.False(t, voted)
}

func TestVoteRejections(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMachine(t, ClassDirectDemocracy, nil)
	e.addCreator(t, "alice")
	e.addVoter(t, "alice")

	prop, err := e.svc.CreateProposal(ctx, m.ID, "alice", ProposalParams{Metadata: "m", Duration: time.Hour, Options: 2})
	require.NoError(t, err)

	// Not wearing a voter hat.
	err = e.svc.Vote(ctx, prop.ID, "mallory", []int{0}, []uint8{100})
	require.ErrorIs(t, err, ErrNotAuthorized)

	// Second ballot from the same voter.
	require.NoError(t, e.svc.Vote(ctx, prop.ID, "alice", []int{0}, []uint8{100}))
	err = e.svc.Vote(ctx, prop.ID, "alice", []int{1}, []uint8{100})
	require.ErrorIs(t, err, ErrAlreadyVoted)

	// Rejected ballots leave no trace.
	fresh, err := e.svc.Proposal(ctx, prop.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(WeightBudget), fresh.TotalWeight)
}

func TestVoteAfterExpiry(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMachine(t, ClassDirectDemocracy, nil)
	e.addCreator(t, "alice")
	e.addVoter(t, "alice")

	prop, err := e.svc.CreateProposal(ctx, m.ID, "alice", ProposalParams{Metadata: "m", Duration: time.Hour, Options: 2})
	require.NoError(t, err)
	e.expire(t, prop.ID)

	err = e.svc.Vote(ctx, prop.ID, "alice", []int{0}, []uint8{100})
	require.ErrorIs(t, err, ErrVotingExpired)
}

func TestVoteWhilePaused(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMachine(t, ClassDirectDemocracy, nil)
	e.addCreator(t, "alice")
	e.addVoter(t, "alice")

	prop, err := e.svc.CreateProposal(ctx, m.ID, "alice", ProposalParams{Metadata: "m", Duration: time.Hour, Options: 2})
	require.NoError(t, err)
	require.NoError(t, e.svc.Pause(ctx, m.ID, e.executorID))

	err = e.svc.Vote(ctx, prop.ID, "alice", []int{0}, []uint8{100})
	require.ErrorIs(t, err, ErrPaused)
}

func TestVoteRestrictedProposal(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMachine(t, ClassDirectDemocracy, nil)
	e.addCreator(t, "alice")
	e.addVoter(t, "alice")
	e.addVoter(t, "bob")

	boardHat, err := e.directory.Create(ctx, hats.Zero, "board", 0)
	require.NoError(t, err)
	require.NoError(t, e.directory.Mint(ctx, boardHat, "alice"))

	prop, err := e.svc.CreateProposal(ctx, m.ID, "alice", ProposalParams{
		Metadata:       "board only",
		Duration:       time.Hour,
		Options:        2,
		RestrictedHats: []string{string(boardHat)},
	})
	require.NoError(t, err)
	assert.True(t, prop.Restricted)

	require.NoError(t, e.svc.Vote(ctx, prop.ID, "alice", []int{0}, []uint8{100}))
	err = e.svc.Vote(ctx, prop.ID, "bob", []int{0}, []uint8{100})
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestVoteHybridTokenGate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMachine(t, ClassHybrid, nil)
	e.addCreator(t, "alice")
	e.addVoter(t, "alice")
	e.addVoter(t, "bob")
	setBalance("alice", 10)

	prop, err := e.svc.CreateProposal(ctx, m.ID, "alice", ProposalParams{Metadata: "m", Duration: time.Hour, Options: 2})
	require.NoError(t, err)

	require.NoError(t, e.svc.Vote(ctx, prop.ID, "alice", []int{0}, []uint8{100}))

	// bob wears the voter hat but holds no tokens.
	err = e.svc.Vote(ctx, prop.ID, "bob", []int{0}, []uint8{100})
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestComputeWinner(t *testing.T) {
	tests := []struct {
		name       string
		tallies    []uint64
		wantWinner int
		wantTally  uint64
	}{
		{"clear leader", []uint64{30, 70, 0}, 1, 70},
		{"tie for first", []uint64{50, 50}, -1, 50},
		{"three way tie", []uint64{40, 40, 40}, -1, 40},
		{"no votes", []uint64{0, 0}, -1, 0},
		{"single option", []uint64{100}, 0, 100},
		{"leader first", []uint64{90, 10}, 0, 90},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			winner, tally := computeWinner(tc.tallies)
			assert.Equal(t, tc.wantWinner, winner)
			assert.Equal(t, tc.wantTally, tally)
		})
	}
}

func TestQuorumMet(t *testing.T) {
	// Exact integer cross-multiplication: tally*100 must strictly exceed
	// totalWeight*pct.
	assert.False(t, quorumMet(30, 100, 30))
	assert.True(t, quorumMet(31, 100, 30))
	assert.False(t, quorumMet(0, 0, 30))
	assert.True(t, quorumMet(1, 1, 99))
	assert.False(t, quorumMet(1, 1, 100))
}

func TestAnnounceWinnerLifecycle(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	target := e.newFakeInstance(t)
	m := e.newMachine(t, ClassDirectDemocracy, []string{target})
	e.addCreator(t, "alice")
	e.addVoter(t, "alice")
	e.addVoter(t, "bob")

	prop, err := e.svc.CreateProposal(ctx, m.ID, "alice", ProposalParams{
		Metadata: "m",
		Duration: time.Hour,
		Options:  2,
		Batches: [][]executor.Call{
			{{Target: target, Method: "optionZero"}},
			{{Target: target, Method: "optionOne"}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, e.svc.Vote(ctx, prop.ID, "alice", []int{1}, []uint8{100}))
	require.NoError(t, e.svc.Vote(ctx, prop.ID, "bob", []int{1}, []uint8{100}))

	// Still open.
	_, err = e.svc.AnnounceWinner(ctx, prop.ID)
	require.ErrorIs(t, err, ErrVotingOpen)

	e.expire(t, prop.ID)

	result, err := e.svc.AnnounceWinner(ctx, prop.ID)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 1, result.WinnerIndex)
	assert.Equal(t, uint64(200), result.Tally)
	assert.True(t, result.Dispatched)
	assert.Equal(t, []string{target + ".optionOne"}, recordedCalls())

	fresh, err := e.svc.Proposal(ctx, prop.ID)
	require.NoError(t, err)
	assert.True(t, fresh.Finalized)
	assert.True(t, fresh.ValidWinner)
	assert.Equal(t, 1, fresh.WinnerIndex)
	require.NotNil(t, fresh.AnnouncedAt)

	// Finalization is one-shot.
	_, err = e.svc.AnnounceWinner(ctx, prop.ID)
	require.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestAnnounceWinnerQuorumNotMet(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMachine(t, ClassDirectDemocracy, nil)
	e.addCreator(t, "alice")
	e.addVoter(t, "alice")

	prop, err := e.svc.CreateProposal(ctx, m.ID, "alice", ProposalParams{Metadata: "m", Duration: time.Hour, Options: 4})
	require.NoError(t, err)

	// One ballot split thin: the leader holds 30 of 100 points and the
	// machine quorum is 30 percent, so 30*100 > 100*30 fails.
	require.NoError(t, e.svc.Vote(ctx, prop.ID, "alice", []int{0, 1, 2, 3}, []uint8{30, 25, 25, 20}))
	e.expire(t, prop.ID)

	result, err := e.svc.AnnounceWinner(ctx, prop.ID)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, -1, result.WinnerIndex)
	assert.False(t, result.Dispatched)

	fresh, err := e.svc.Proposal(ctx, prop.ID)
	require.NoError(t, err)
	assert.True(t, fresh.Finalized)
	assert.False(t, fresh.ValidWinner)
}

func TestAnnounceWinnerTie(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMachine(t, ClassDirectDemocracy, nil)
	e.addCreator(t, "alice")
	e.addVoter(t, "alice")
	e.addVoter(t, "bob")

	prop, err := e.svc.CreateProposal(ctx, m.ID, "alice", ProposalParams{Metadata: "m", Duration: time.Hour, Options: 2})
	require.NoError(t, err)
	require.NoError(t, e.svc.Vote(ctx, prop.ID, "alice", []int{0}, []uint8{100}))
	require.NoError(t, e.svc.Vote(ctx, prop.ID, "bob", []int{1}, []uint8{100}))
	e.expire(t, prop.ID)

	result, err := e.svc.AnnounceWinner(ctx, prop.ID)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, -1, result.WinnerIndex)
}

func TestAnnounceWinnerSkipsRevokedTargets(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	target := e.newFakeInstance(t)
	m := e.newMachine(t, ClassDirectDemocracy, []string{target})
	e.addCreator(t, "alice")
	e.addVoter(t, "alice")

	prop, err := e.svc.CreateProposal(ctx, m.ID, "alice", ProposalParams{
		Metadata: "m",
		Duration: time.Hour,
		Options:  1,
		Batches:  [][]executor.Call{{{Target: target, Method: "poke"}}},
	})
	require.NoError(t, err)
	require.NoError(t, e.svc.Vote(ctx, prop.ID, "alice", []int{0}, []uint8{100}))

	// The allow-list changes between creation and finalization.
	require.NoError(t, e.svc.SetTargetAllowed(ctx, m.ID, e.executorID, target, false))
	e.expire(t, prop.ID)

	result, err := e.svc.AnnounceWinner(ctx, prop.ID)
	require.NoError(t, err)
	assert.True(t, result.Valid, "the winner stands even when the batch is skipped")
	assert.Equal(t, 0, result.WinnerIndex)
	assert.False(t, result.Dispatched)
	assert.Empty(t, recordedCalls())
}

func TestAnnounceWinnerLocked(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.newMachine(t, ClassDirectDemocracy, nil)
	e.addCreator(t, "alice")

	prop, err := e.svc.CreateProposal(ctx, m.ID, "alice", ProposalParams{Metadata: "m", Duration: time.Hour, Options: 2})
	require.NoError(t, err)
	e.expire(t, prop.ID)

	// Hold the finalization guard as an in-flight announcement would.
	g := e.svc.guardFor(prop.ID)
	require.NoError(t, g.acquire())
	defer g.release()

	_, err = e.svc.AnnounceWinner(ctx, prop.ID)
	require.ErrorIs(t, err, ErrLocked)
}

func TestProposalNotFound(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.svc.Proposal(context.Background(), "missing")
	require.ErrorIs(t, err, ErrProposalNotFound)
	_, err = e.svc.AnnounceWinner(context.Background(), "missing")
	require.ErrorIs(t, err, ErrProposalNotFound)
}
