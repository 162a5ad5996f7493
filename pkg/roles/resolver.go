// Package roles maps an organization's abstract role indices to concrete
// permission-domain hats. Resolution is order-preserving and out-of-range
// indices are a hard error; nothing ever silently resolves to the zero hat.
package roles

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/hats"
)

var (
	// ErrRoleOutOfRange is returned when an index references a role the
	// organization has not declared.
	ErrRoleOutOfRange = errors.New("role index out of range")

	// ErrRoleUnset is returned when a declared role has no hat bound.
	ErrRoleUnset = errors.New("role has no hat bound")
)

// Source supplies an organization's role directory.
type Source interface {
	// RoleHat returns the hat bound to the role index for the org.
	RoleHat(ctx context.Context, orgID string, index uint8) (hats.HatID, error)

	// RoleCount returns how many roles the org has declared.
	RoleCount(ctx context.Context, orgID string) (int, error)
}

// Resolver resolves role assignments against a Source. It holds no state of
// its own.
type Resolver struct {
	source Source
}

// NewResolver creates a resolver over source.
func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Resolve maps an explicit ordered list of role indices to hats.
func (r *Resolver) Resolve(ctx context.Context, orgID string, indices []uint8) ([]hats.HatID, error) {
	count, err := r.source.RoleCount(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("role count for org %s: %w", orgID, err)
	}

	resolved := make([]hats.HatID, 0, len(indices))
	for _, idx := range indices {
		hat, err := r.resolveOne(ctx, orgID, idx, count)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, hat)
	}
	return resolved, nil
}

// ResolveBitmap maps a bitmap of role indices to hats, ascending by bit
// position. Bit N set means role N holds the capability.
func (r *Resolver) ResolveBitmap(ctx context.Context, orgID string, bitmap *big.Int) ([]hats.HatID, error) {
	if bitmap == nil || bitmap.Sign() == 0 {
		return nil, nil
	}
	count, err := r.source.RoleCount(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("role count for org %s: %w", orgID, err)
	}

	var resolved []hats.HatID
	for bit := 0; bit < bitmap.BitLen(); bit++ {
		if bitmap.Bit(bit) == 0 {
			continue
		}
		if bit > 255 {
			return nil, fmt.Errorf("%w: bit %d", ErrRoleOutOfRange, bit)
		}
		hat, err := r.resolveOne(ctx, orgID, uint8(bit), count)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, hat)
	}
	return resolved, nil
}

func (r *Resolver) resolveOne(ctx context.Context, orgID string, idx uint8, count int) (hats.HatID, error) {
	if int(idx) >= count {
		return hats.Zero, fmt.Errorf("%w: index %d, org %s declares %d roles", ErrRoleOutOfRange, idx, orgID, count)
	}
	hat, err := r.source.RoleHat(ctx, orgID, idx)
	if err != nil {
		return hats.Zero, fmt.Errorf("role hat %d for org %s: %w", idx, orgID, err)
	}
	if hat == hats.Zero {
		return hats.Zero, fmt.Errorf("%w: index %d, org %s", ErrRoleUnset, idx, orgID)
	}
	return hat, nil
}
