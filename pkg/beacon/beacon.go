// Package beacon implements the switchable upgrade beacon. A beacon tells a
// module instance which logic implementation to use. In Mirror mode it
// follows a global upgrade source for its module type; in Static mode it is
// pinned to one implementation until explicitly changed. A beacon resolves at
// most one hop and only ever to registered logic, never to another beacon.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/audit"
)

// Mode is a beacon's upgrade mode.
type Mode string

const (
	// ModeMirror follows the mirror source's current implementation.
	ModeMirror Mode = "mirror"

	// ModeStatic stays pinned to one implementation.
	ModeStatic Mode = "static"
)

var (
	// ErrNotFound is returned when a beacon does not exist.
	ErrNotFound = errors.New("beacon not found")

	// ErrNotOwner is returned when a mutating call comes from anyone but
	// the beacon's owner.
	ErrNotOwner = errors.New("caller is not the beacon owner")

	// ErrEmptyValue is returned for empty identifiers where a real one is
	// required.
	ErrEmptyValue = errors.New("empty value")

	// ErrImplementationUnset is returned when resolution reaches an unset
	// implementation. Resolution failure is fatal to the caller; there is
	// no silent fallback.
	ErrImplementationUnset = errors.New("implementation unset")

	// ErrNotLogic is returned when a pin or mirror target does not resolve
	// to registered logic.
	ErrNotLogic = errors.New("target does not resolve to logic")

	// ErrMirrorChain is returned when a mirror source is itself in Mirror
	// mode. Indirection depth is capped at one hop.
	ErrMirrorChain = errors.New("mirror source is itself a mirror")
)

// ImplementationSource reports whether an implementation ID denotes
// registered module logic.
type ImplementationSource interface {
	HasImplementation(id string) bool
}

// SourceFunc adapts a function to the ImplementationSource interface.
type SourceFunc func(id string) bool

// HasImplementation calls f.
func (f SourceFunc) HasImplementation(id string) bool { return f(id) }

// Record is a GORM model for one beacon.
type Record struct {
	ID                   string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	OrgID                string    `gorm:"column:org_id;index:idx_beacon_org"`
	ModuleType           string    `gorm:"column:module_type;not null"`
	Mode                 Mode      `gorm:"column:mode;not null"`
	MirrorSource         string    `gorm:"column:mirror_source"`
	PinnedImplementation string    `gorm:"column:pinned_implementation"`
	Owner                string    `gorm:"column:owner;not null"`
	Global               bool      `gorm:"column:global;not null;default:false"`
	CreatedAt            time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (Record) TableName() string { return "beacons" }

// Service manages beacons and resolves implementations through them.
type Service struct {
	db     *gorm.DB
	impls  ImplementationSource
	events *audit.Store
	logger *slog.Logger
}

// NewService creates a beacon service.
func NewService(db *gorm.DB, impls ImplementationSource, events *audit.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, impls: impls, events: events, logger: logger}
}

// WithTx returns a copy of the service bound to tx, rebinding the audit
// store so events roll back with the surrounding work.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	clone := *s
	clone.db = tx
	if s.events != nil {
		clone.events = s.events.WithTx(tx)
	}
	return &clone
}

// AutoMigrate creates or updates the beacons table.
func (s *Service) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("auto-migrate beacons: %w", err)
	}
	return nil
}

// CreateParams configures a new beacon.
type CreateParams struct {
	OrgID      string
	ModuleType string
	Mode       Mode
	// MirrorSource is required in Mirror mode: the global beacon to follow.
	MirrorSource string
	// PinnedImplementation is required in Static mode.
	PinnedImplementation string
	Owner                string
	Global               bool
}

// Create creates a beacon. The initial pointer is validated the same way the
// explicit mode-transition operations validate theirs.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Record, error) {
	if p.ModuleType == "" {
		return nil, fmt.Errorf("%w: module type", ErrEmptyValue)
	}
	if p.Owner == "" {
		return nil, fmt.Errorf("%w: owner", ErrEmptyValue)
	}

	rec := &Record{
		ID:         uuid.New().String(),
		OrgID:      p.OrgID,
		ModuleType: p.ModuleType,
		Mode:       p.Mode,
		Owner:      p.Owner,
		Global:     p.Global,
	}
	switch p.Mode {
	case ModeMirror:
		if err := s.validateMirrorSource(ctx, p.MirrorSource); err != nil {
			return nil, err
		}
		rec.MirrorSource = p.MirrorSource
	case ModeStatic:
		if err := s.validatePin(p.PinnedImplementation); err != nil {
			return nil, err
		}
		rec.PinnedImplementation = p.PinnedImplementation
	default:
		return nil, fmt.Errorf("invalid beacon mode: %q", p.Mode)
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create beacon: %w", err)
	}

	s.appendEvent(rec.OrgID, rec.Owner, "beacon.created", rec.ID, audit.Details{
		"moduleType": rec.ModuleType,
		"mode":       string(rec.Mode),
		"mirror":     rec.MirrorSource,
		"pinned":     rec.PinnedImplementation,
	})
	return rec, nil
}

// Get returns a beacon by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load beacon: %w", err)
	}
	return &rec, nil
}

// GlobalFor returns the global beacon for a module type.
func (s *Service) GlobalFor(ctx context.Context, moduleType string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).
		First(&rec, "module_type = ? AND global = ?", moduleType, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: global beacon for %s", ErrNotFound, moduleType)
		}
		return nil, fmt.Errorf("load global beacon: %w", err)
	}
	return &rec, nil
}

// Implementation resolves the implementation a beacon currently points at.
// Mirror beacons follow their source's pinned implementation in one hop; an
// unset pointer anywhere along the way is a hard error.
func (s *Service) Implementation(ctx context.Context, id string) (string, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.resolve(ctx, rec)
}

func (s *Service) resolve(ctx context.Context, rec *Record) (string, error) {
	switch rec.Mode {
	case ModeStatic:
		if rec.PinnedImplementation == "" {
			return "", fmt.Errorf("%w: beacon %s", ErrImplementationUnset, rec.ID)
		}
		return rec.PinnedImplementation, nil
	case ModeMirror:
		source, err := s.Get(ctx, rec.MirrorSource)
		if err != nil {
			return "", fmt.Errorf("mirror source of beacon %s: %w", rec.ID, err)
		}
		if source.Mode != ModeStatic {
			return "", fmt.Errorf("%w: beacon %s via %s", ErrMirrorChain, rec.ID, source.ID)
		}
		if source.PinnedImplementation == "" {
			return "", fmt.Errorf("%w: beacon %s via %s", ErrImplementationUnset, rec.ID, source.ID)
		}
		return source.PinnedImplementation, nil
	}
	return "", fmt.Errorf("invalid beacon mode: %q", rec.Mode)
}

// SetMirror switches the beacon to Mirror mode following source. The source
// must resolve to a non-empty implementation before the transition commits;
// on failure the beacon is left untouched.
func (s *Service) SetMirror(ctx context.Context, id, caller, source string) error {
	return s.mutate(ctx, id, caller, "beacon.set_mirror", func(rec *Record) error {
		if err := s.validateMirrorSource(ctx, source); err != nil {
			return err
		}
		rec.Mode = ModeMirror
		rec.MirrorSource = source
		return nil
	})
}

// Pin switches the beacon to Static mode pinned at impl, independent of the
// current mode.
func (s *Service) Pin(ctx context.Context, id, caller, impl string) error {
	return s.mutate(ctx, id, caller, "beacon.pinned", func(rec *Record) error {
		if err := s.validatePin(impl); err != nil {
			return err
		}
		rec.Mode = ModeStatic
		rec.PinnedImplementation = impl
		rec.MirrorSource = ""
		return nil
	})
}

// PinToCurrent reads the currently resolved implementation and pins exactly
// that value, switching to Static. This freezes the organization at its
// present version.
func (s *Service) PinToCurrent(ctx context.Context, id, caller string) error {
	return s.mutate(ctx, id, caller, "beacon.pinned_current", func(rec *Record) error {
		current, err := s.resolve(ctx, rec)
		if err != nil {
			return err
		}
		rec.Mode = ModeStatic
		rec.PinnedImplementation = current
		rec.MirrorSource = ""
		return nil
	})
}

// TransferOwnership hands the beacon to a new owner.
func (s *Service) TransferOwnership(ctx context.Context, id, caller, newOwner string) error {
	return s.mutate(ctx, id, caller, "beacon.ownership_transferred", func(rec *Record) error {
		if newOwner == "" {
			return fmt.Errorf("%w: new owner", ErrEmptyValue)
		}
		rec.Owner = newOwner
		return nil
	})
}

// Upgrade repins the global beacon for a module type, making the new
// implementation immediately visible to every Mirror follower.
func (s *Service) Upgrade(ctx context.Context, moduleType, caller, impl string) error {
	global, err := s.GlobalFor(ctx, moduleType)
	if err != nil {
		return err
	}
	return s.Pin(ctx, global.ID, caller, impl)
}

// mutate loads the beacon, checks ownership, applies fn and saves, all in
// one transaction. Every successful mutation emits an audit event with the
// before and after state.
func (s *Service) mutate(ctx context.Context, id, caller, action string, fn func(*Record) error) error {
	var before, after Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&before, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("load beacon: %w", err)
		}
		if before.Owner != caller {
			return fmt.Errorf("%w: beacon %s, caller %s", ErrNotOwner, id, caller)
		}

		after = before
		if err := fn(&after); err != nil {
			return err
		}
		return tx.Save(&after).Error
	})
	if err != nil {
		return err
	}

	s.appendEvent(after.OrgID, caller, action, id, audit.Details{
		"beforeMode":   string(before.Mode),
		"beforeMirror": before.MirrorSource,
		"beforePinned": before.PinnedImplementation,
		"beforeOwner":  before.Owner,
		"afterMode":    string(after.Mode),
		"afterMirror":  after.MirrorSource,
		"afterPinned":  after.PinnedImplementation,
		"afterOwner":   after.Owner,
	})
	return nil
}

func (s *Service) validateMirrorSource(ctx context.Context, source string) error {
	if source == "" {
		return fmt.Errorf("%w: mirror source", ErrEmptyValue)
	}
	src, err := s.Get(ctx, source)
	if err != nil {
		return err
	}
	if src.Mode != ModeStatic {
		return fmt.Errorf("%w: %s", ErrMirrorChain, source)
	}
	if src.PinnedImplementation == "" {
		return fmt.Errorf("%w: source %s", ErrImplementationUnset, source)
	}
	return nil
}

func (s *Service) validatePin(impl string) error {
	if impl == "" {
		return fmt.Errorf("%w: implementation", ErrEmptyValue)
	}
	if !s.impls.HasImplementation(impl) {
		return fmt.Errorf("%w: %s", ErrNotLogic, impl)
	}
	return nil
}

func (s *Service) appendEvent(orgID, actor, action, subject string, details audit.Details) {
	if s.events == nil {
		return
	}
	err := s.events.Append(&audit.EventRecord{
		ID:      uuid.New().String(),
		OrgID:   orgID,
		Actor:   actor,
		Action:  action,
		Subject: subject,
		Details: details,
	})
	if err != nil {
		s.logger.Error("failed to append beacon audit event", "action", action, "beacon", subject, "error", err)
	}
}
