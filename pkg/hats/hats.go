// Package hats defines the permission directory consumed by the deployment
// pipeline and the voting machines. A hat is an externally managed capability
// token; "wearing" a hat grants the capability it denotes. The package treats
// the directory purely as a membership oracle plus a provisioning mutator and
// never models its internals.
package hats

import (
	"context"
	"errors"
)

// HatID identifies a hat. IDs are opaque to callers.
type HatID string

// Zero is the empty hat identifier.
const Zero HatID = ""

var (
	// ErrHatNotFound is returned when an operation references a hat that
	// does not exist in the directory.
	ErrHatNotFound = errors.New("hat not found")

	// ErrAlreadyWearing is returned when minting a hat to a wearer that
	// already wears it.
	ErrAlreadyWearing = errors.New("wearer already wears hat")

	// ErrSupplyExhausted is returned when a hat's maximum supply has been
	// reached.
	ErrSupplyExhausted = errors.New("hat supply exhausted")

	// ErrNotEligible is returned when minting to a wearer the hat's
	// eligibility predicate rejects.
	ErrNotEligible = errors.New("wearer not eligible")
)

// Eligibility decides whether an address may wear a hat.
type Eligibility func(ctx context.Context, wearer string, hat HatID) (bool, error)

// Toggle decides whether a hat is currently active.
type Toggle func(ctx context.Context, hat HatID) (bool, error)

// Directory is the external permission-domain oracle.
type Directory interface {
	// IsWearerOf reports whether wearer currently wears hat.
	IsWearerOf(ctx context.Context, wearer string, hat HatID) (bool, error)

	// Mint assigns hat to wearer. Fails if the hat does not exist, the
	// wearer already wears it, supply is exhausted, or the wearer is not
	// eligible.
	Mint(ctx context.Context, hat HatID, wearer string) error

	// Create creates a new hat under admin and returns its identifier.
	Create(ctx context.Context, admin HatID, details string, maxSupply uint32) (HatID, error)

	// CreateBatch creates several hats under the same admin, preserving
	// input order in the returned identifiers.
	CreateBatch(ctx context.Context, admin HatID, details []string, maxSupply []uint32) ([]HatID, error)

	// CreateTopHat creates a root hat owned by wearer and returns it.
	CreateTopHat(ctx context.Context, wearer string, details string) (HatID, error)

	// SetEligibility installs an eligibility predicate for hat.
	SetEligibility(ctx context.Context, hat HatID, e Eligibility) error

	// SetToggle installs an active/inactive predicate for hat.
	SetToggle(ctx context.Context, hat HatID, t Toggle) error

	// InGoodStanding reports whether wearer wears hat and the hat is
	// active and the wearer still eligible.
	InGoodStanding(ctx context.Context, wearer string, hat HatID) (bool, error)
}
