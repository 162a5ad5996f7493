package hats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	poadb "github.com/PerpetualOrganizationArchitect/poa/internal/db"
)

func newTestDirectory(t *testing.T) *LocalDirectory {
	t.Helper()
	db, err := poadb.OpenTest()
	require.NoError(t, err)
	d := NewLocalDirectory(db)
	require.NoError(t, d.AutoMigrate())
	return d
}

func TestCreateAndMint(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	hat, err := d.Create(ctx, Zero, "member", 0)
	require.NoError(t, err)
	require.NotEqual(t, Zero, hat)

	wearing, err := d.IsWearerOf(ctx, "alice", hat)
	require.NoError(t, err)
	assert.False(t, wearing)

	require.NoError(t, d.Mint(ctx, hat, "alice"))

	wearing, err = d.IsWearerOf(ctx, "alice", hat)
	require.NoError(t, err)
	assert.True(t, wearing)
}

func TestMintUnknownHat(t *testing.T) {
	d := newTestDirectory(t)
	err := d.Mint(context.Background(), HatID("missing"), "alice")
	require.ErrorIs(t, err, ErrHatNotFound)
}

func TestMintTwice(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	hat, err := d.Create(ctx, Zero, "member", 0)
	require.NoError(t, err)
	require.NoError(t, d.Mint(ctx, hat, "alice"))
	require.ErrorIs(t, d.Mint(ctx, hat, "alice"), ErrAlreadyWearing)
}

func TestMintSupplyExhausted(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	hat, err := d.Create(ctx, Zero, "board seat", 2)
	require.NoError(t, err)
	require.NoError(t, d.Mint(ctx, hat, "alice"))
	require.NoError(t, d.Mint(ctx, hat, "bob"))
	require.ErrorIs(t, d.Mint(ctx, hat, "carol"), ErrSupplyExhausted)

	// A zero max supply means unbounded.
	open, err := d.Create(ctx, Zero, "member", 0)
	require.NoError(t, err)
	for _, w := range []string{"alice", "bob", "carol", "dave"} {
		require.NoError(t, d.Mint(ctx, open, w))
	}
}

func TestCreateRequiresExistingAdmin(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Create(ctx, HatID("missing"), "child", 0)
	require.ErrorIs(t, err, ErrHatNotFound)

	top, err := d.CreateTopHat(ctx, "owner", "org root")
	require.NoError(t, err)
	_, err = d.Create(ctx, top, "child", 0)
	require.NoError(t, err)
}

func TestCreateTopHat(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	top, err := d.CreateTopHat(ctx, "owner", "org root")
	require.NoError(t, err)

	wearing, err := d.IsWearerOf(ctx, "owner", top)
	require.NoError(t, err)
	assert.True(t, wearing)

	// Top hats carry a supply of one and the owner already wears it.
	require.ErrorIs(t, d.Mint(ctx, top, "usurper"), ErrSupplyExhausted)
}

func TestCreateBatchPreservesOrder(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	details := []string{"executive", "member", "observer"}
	ids, err := d.CreateBatch(ctx, Zero, details, []uint32{1, 0, 0})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	for i, id := range ids {
		var rec HatRecord
		require.NoError(t, d.db.First(&rec, "id = ?", string(id)).Error)
		assert.Equal(t, details[i], rec.Details)
	}

	_, err = d.CreateBatch(ctx, Zero, []string{"a", "b"}, []uint32{0})
	require.Error(t, err)
}

func TestEligibilityGatesMint(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	hat, err := d.Create(ctx, Zero, "vetted member", 0)
	require.NoError(t, err)
	require.NoError(t, d.SetEligibility(ctx, hat, func(_ context.Context, wearer string, _ HatID) (bool, error) {
		return wearer != "mallory", nil
	}))

	require.NoError(t, d.Mint(ctx, hat, "alice"))
	require.ErrorIs(t, d.Mint(ctx, hat, "mallory"), ErrNotEligible)

	err = d.SetEligibility(ctx, HatID("missing"), nil)
	require.ErrorIs(t, err, ErrHatNotFound)
}

func TestInGoodStanding(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	hat, err := d.Create(ctx, Zero, "member", 0)
	require.NoError(t, err)
	require.NoError(t, d.Mint(ctx, hat, "alice"))

	ok, err := d.InGoodStanding(ctx, "alice", hat)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.InGoodStanding(ctx, "bob", hat)
	require.NoError(t, err)
	assert.False(t, ok, "non-wearers are never in good standing")

	// An inactive toggle suspends every wearer without unminting.
	active := true
	require.NoError(t, d.SetToggle(ctx, hat, func(context.Context, HatID) (bool, error) {
		return active, nil
	}))
	active = false
	ok, err = d.InGoodStanding(ctx, "alice", hat)
	require.NoError(t, err)
	assert.False(t, ok)
	active = true

	// Eligibility revoked after minting also drops standing.
	require.NoError(t, d.SetEligibility(ctx, hat, func(context.Context, string, HatID) (bool, error) {
		return false, nil
	}))
	ok, err = d.InGoodStanding(ctx, "alice", hat)
	require.NoError(t, err)
	assert.False(t, ok)

	wearing, err := d.IsWearerOf(ctx, "alice", hat)
	require.NoError(t, err)
	assert.True(t, wearing, "standing checks never remove the hat")
}

func TestWithTxSharesPredicates(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	hat, err := d.Create(ctx, Zero, "member", 0)
	require.NoError(t, err)
	require.NoError(t, d.SetEligibility(ctx, hat, func(context.Context, string, HatID) (bool, error) {
		return false, nil
	}))

	err = d.db.Transaction(func(tx *gorm.DB) error {
		return d.WithTx(tx).Mint(ctx, hat, "alice")
	})
	require.ErrorIs(t, err, ErrNotEligible)
}
