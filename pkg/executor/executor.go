// Package executor implements the governance executor: the sole privileged
// principal that owns an organization's beacons after bootstrap and the only
// entity allowed to run batches of calls approved by a vote.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/audit"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/beacon"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
)

var (
	// ErrUnauthorizedCaller is returned when a batch is submitted by a
	// principal that is neither the executor itself nor a registered
	// dispatcher.
	ErrUnauthorizedCaller = errors.New("caller not authorized to submit batches")

	// ErrEmptyBatch is returned for a batch with no calls.
	ErrEmptyBatch = errors.New("empty call batch")
)

// Call is one (target, method, args, value) tuple in a governance batch.
// Target is a module instance ID.
type Call struct {
	Target string         `json:"target"`
	Method string         `json:"method"`
	Args   map[string]any `json:"args,omitempty"`
	Value  uint64         `json:"value,omitempty"`
}

// Service runs approved batches on behalf of per-org executors. An executor
// identity is the instance ID of the org's deployed executor module.
type Service struct {
	proxies *module.Proxies
	beacons *beacon.Service
	events  *audit.Store
	logger  *slog.Logger

	mu          sync.RWMutex
	dispatchers map[string]mapset.Set[string]
}

// NewService creates the executor service.
func NewService(proxies *module.Proxies, beacons *beacon.Service, events *audit.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		proxies:     proxies,
		beacons:     beacons,
		events:      events,
		logger:      logger,
		dispatchers: make(map[string]mapset.Set[string]),
	}
}

// AddDispatcher authorizes a principal (a voting machine) to submit batches
// to the given executor.
func (s *Service) AddDispatcher(executorID, principal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.dispatchers[executorID]
	if !ok {
		set = mapset.NewSet[string]()
		s.dispatchers[executorID] = set
	}
	set.Add(principal)
}

// RemoveDispatcher revokes a principal's batch-submission right.
func (s *Service) RemoveDispatcher(executorID, principal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.dispatchers[executorID]; ok {
		set.Remove(principal)
	}
}

// IsDispatcher reports whether principal may submit batches to executorID.
func (s *Service) IsDispatcher(executorID, principal string) bool {
	if principal == executorID {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.dispatchers[executorID]
	return ok && set.Contains(principal)
}

// Execute runs an approved batch of calls, attributing the execution to
// batchID. Calls run in order; the first failure aborts the batch with the
// underlying cause propagated unchanged.
func (s *Service) Execute(ctx context.Context, executorID, caller, batchID string, calls []Call) error {
	if !s.IsDispatcher(executorID, caller) {
		return fmt.Errorf("%w: executor %s, caller %s", ErrUnauthorizedCaller, executorID, caller)
	}
	if len(calls) == 0 {
		return ErrEmptyBatch
	}

	// Calls run with the executor as the acting principal.
	ctx = identity.WithPrincipal(ctx, identity.Principal{ID: executorID})

	for i, call := range calls {
		if _, err := s.proxies.Invoke(ctx, call.Target, call.Method, call.Args); err != nil {
			return fmt.Errorf("batch %s call %d (%s.%s): %w", batchID, i, call.Target, call.Method, err)
		}
	}

	s.appendEvent(executorID, "executor.batch_executed", batchID, audit.Details{
		"caller": caller,
		"calls":  len(calls),
	})
	s.logger.Info("executed governance batch",
		"executor", executorID, "batch", batchID, "calls", len(calls))
	return nil
}

// OwnsBeacon reports whether the executor owns the given beacon.
func (s *Service) OwnsBeacon(ctx context.Context, executorID, beaconID string) (bool, error) {
	rec, err := s.beacons.Get(ctx, beaconID)
	if err != nil {
		return false, err
	}
	return rec.Owner == executorID, nil
}

func (s *Service) appendEvent(actor, action, subject string, details audit.Details) {
	if s.events == nil {
		return
	}
	err := s.events.Append(&audit.EventRecord{
		ID:      uuid.New().String(),
		Actor:   actor,
		Action:  action,
		Subject: subject,
		Details: details,
	})
	if err != nil {
		s.logger.Error("failed to append executor audit event", "action", action, "subject", subject, "error", err)
	}
}
