package voting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/audit"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/executor"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/hats"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
)

// guard is the finalization lock: acquired at entry, released on every exit
// path. Re-entry while held is a hard error, never a wait.
type guard struct {
	mu     sync.Mutex
	locked bool
}

func (g *guard) acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locked {
		return ErrLocked
	}
	g.locked = true
	return nil
}

func (g *guard) release() {
	g.mu.Lock()
	g.locked = false
	g.mu.Unlock()
}

// Service runs the voting machines for every organization.
type Service struct {
	db        *gorm.DB
	directory hats.Directory
	exec      *executor.Service
	proxies   *module.Proxies
	events    *audit.Store
	logger    *slog.Logger
	locks     *lockTable
}

// lockTable holds the per-proposal finalization guards, shared between a
// service and its transaction-bound copies.
type lockTable struct {
	mu sync.Mutex
	m  map[string]*guard
}

// NewService creates the voting service.
func NewService(db *gorm.DB, directory hats.Directory, exec *executor.Service, proxies *module.Proxies, events *audit.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:        db,
		directory: directory,
		exec:      exec,
		proxies:   proxies,
		events:    events,
		logger:    logger,
		locks:     &lockTable{m: make(map[string]*guard)},
	}
}

// MachineParams configures a new voting machine.
type MachineParams struct {
	InstanceID     string
	OrgID          string
	ExecutorID     string
	Class          string
	QuorumPct      int
	CreatorHats    []string
	VoterHats      []string
	AllowedTargets []string
	// TokenInstance is the participation token instance hybrid machines
	// additionally gate on.
	TokenInstance string
}

// CreateMachine provisions a voting machine for an org. Called by the
// deployment pipeline when the voting module initializes.
func (s *Service) CreateMachine(ctx context.Context, p MachineParams) (*MachineRecord, error) {
	if p.InstanceID == "" || p.OrgID == "" || p.ExecutorID == "" {
		return nil, fmt.Errorf("machine params: instance, org and executor are required")
	}
	if p.QuorumPct < 1 || p.QuorumPct > 100 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuorum, p.QuorumPct)
	}
	switch p.Class {
	case ClassDirectDemocracy, ClassHybrid:
	default:
		return nil, fmt.Errorf("unknown voting class: %q", p.Class)
	}
	if p.Class == ClassHybrid && p.TokenInstance == "" {
		return nil, fmt.Errorf("hybrid voting requires a participation token instance")
	}

	rec := &MachineRecord{
		ID:             p.InstanceID,
		OrgID:          p.OrgID,
		ExecutorID:     p.ExecutorID,
		Class:          p.Class,
		QuorumPct:      p.QuorumPct,
		CreatorHats:    p.CreatorHats,
		VoterHats:      p.VoterHats,
		AllowedTargets: p.AllowedTargets,
		TokenInstance:  p.TokenInstance,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create voting machine: %w", err)
	}
	return rec, nil
}

// Machine returns a voting machine by instance ID.
func (s *Service) Machine(ctx context.Context, id string) (*MachineRecord, error) {
	var rec MachineRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, id)
		}
		return nil, fmt.Errorf("load voting machine: %w", err)
	}
	return &rec, nil
}

// ProposalParams configures a new proposal.
type ProposalParams struct {
	Metadata string
	Duration time.Duration
	Options  int
	// Batches holds the per-option calls to execute if that option wins.
	// Nil means no option carries a batch; otherwise the length must match
	// Options exactly.
	Batches [][]executor.Call
	// RestrictedHats narrows the voter set to specific permission domains.
	RestrictedHats []string
}

// CreateProposal opens a new proposal on the machine. Creation is gated on
// the creator hats or the executor itself, and rejected while paused.
func (s *Service) CreateProposal(ctx context.Context, machineID, creator string, p ProposalParams) (*ProposalRecord, error) {
	m, err := s.Machine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if m.Paused {
		return nil, ErrPaused
	}

	allowed := creator == m.ExecutorID
	if !allowed {
		allowed, err = s.wearsAny(ctx, creator, m.CreatorHats)
		if err != nil {
			return nil, err
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: creator %s", ErrNotAuthorized, creator)
	}

	if p.Metadata == "" {
		return nil, ErrEmptyMetadata
	}
	if p.Options < 1 || p.Options > MaxOptions {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOptionCount, p.Options)
	}
	if p.Duration < MinDuration || p.Duration > MaxDuration {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDuration, p.Duration)
	}
	if p.Batches != nil {
		if len(p.Batches) != p.Options {
			return nil, fmt.Errorf("%w: %d batches for %d options", ErrBatchLengthMismatch, len(p.Batches), p.Options)
		}
		targets := mapset.NewSet(m.AllowedTargets...)
		for i, batch := range p.Batches {
			if len(batch) > MaxCalls {
				return nil, fmt.Errorf("%w: option %d has %d calls", ErrTooManyCalls, i, len(batch))
			}
			for _, call := range batch {
				if call.Target == machineID {
					return nil, fmt.Errorf("%w: option %d", ErrSelfTarget, i)
				}
				if !targets.Contains(call.Target) {
					return nil, fmt.Errorf("%w: option %d target %s", ErrTargetNotAllowed, i, call.Target)
				}
			}
		}
	}

	now := time.Now()
	rec := &ProposalRecord{
		ID:             uuid.New().String(),
		MachineID:      machineID,
		Metadata:       p.Metadata,
		NumOptions:     p.Options,
		Tallies:        make(JSONTallies, p.Options),
		Restricted:     len(p.RestrictedHats) > 0,
		RestrictedHats: p.RestrictedHats,
		Batches:        p.Batches,
		WinnerIndex:    -1,
		CreatedAt:      now,
		EndsAt:         now.Add(p.Duration),
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}

	s.appendEvent(m.OrgID, creator, "voting.proposal_created", rec.ID, audit.Details{
		"machine":    machineID,
		"options":    p.Options,
		"endsAt":     rec.EndsAt.Format(time.RFC3339),
		"restricted": rec.Restricted,
	})
	return rec, nil
}

// Vote casts a weighted ballot. The caller splits exactly WeightBudget
// points across the chosen options; anything else is rejected whole.
func (s *Service) Vote(ctx context.Context, proposalID, voter string, options []int, weights []uint8) error {
	prop, err := s.Proposal(ctx, proposalID)
	if err != nil {
		return err
	}
	m, err := s.Machine(ctx, prop.MachineID)
	if err != nil {
		return err
	}
	if m.Paused {
		return ErrPaused
	}
	if !time.Now().Before(prop.EndsAt) {
		return fmt.Errorf("%w: proposal %s", ErrVotingExpired, proposalID)
	}

	if err := s.checkVoterEligibility(ctx, m, prop, voter); err != nil {
		return err
	}
	if err := validateBallot(prop.NumOptions, options, weights); err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&BallotRecord{}).
			Where("proposal_id = ? AND voter = ?", proposalID, voter).
			Count(&count).Error; err != nil {
			return fmt.Errorf("query ballot: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s on %s", ErrAlreadyVoted, voter, proposalID)
		}
		if err := tx.Create(&BallotRecord{ProposalID: proposalID, Voter: voter}).Error; err != nil {
			return fmt.Errorf("record ballot: %w", err)
		}

		// Reload under a row lock so concurrent ballots accumulate
		// instead of overwriting each other. SQLite drops the clause and
		// serializes writers itself.
		var fresh ProposalRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&fresh, "id = ?", proposalID).Error; err != nil {
			return fmt.Errorf("reload proposal: %w", err)
		}
		for i, opt := range options {
			fresh.Tallies[opt] += uint64(weights[i])
		}
		fresh.TotalWeight += WeightBudget
		return tx.Model(&ProposalRecord{}).Where("id = ?", proposalID).
			Updates(map[string]any{
				"tallies":      fresh.Tallies,
				"total_weight": fresh.TotalWeight,
			}).Error
	})
	if err != nil {
		return err
	}

	s.appendEvent(m.OrgID, voter, "voting.vote_cast", proposalID, audit.Details{
		"options": options,
	})
	return nil
}

// WinnerResult is the outcome of a finalization.
type WinnerResult struct {
	WinnerIndex int    `json:"winnerIndex"`
	Valid       bool   `json:"valid"`
	Tally       uint64 `json:"tally"`
	TotalWeight uint64 `json:"totalWeight"`
	Dispatched  bool   `json:"dispatched"`
}

// AnnounceWinner finalizes an expired proposal exactly once. The winner must
// lead the runner-up strictly and clear the quorum gate
// (tally*100 > totalWeight*quorumPct, exact integer comparison); otherwise
// there is no valid winner and nothing dispatches. All proposal state is
// persisted before the batch executes.
func (s *Service) AnnounceWinner(ctx context.Context, proposalID string) (*WinnerResult, error) {
	g := s.guardFor(proposalID)
	if err := g.acquire(); err != nil {
		return nil, err
	}
	defer g.release()

	prop, err := s.Proposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if prop.Finalized {
		s.dropGuard(proposalID)
		return nil, fmt.Errorf("%w: %s", ErrAlreadyFinalized, proposalID)
	}
	if time.Now().Before(prop.EndsAt) {
		return nil, fmt.Errorf("%w: proposal %s ends at %s", ErrVotingOpen, proposalID, prop.EndsAt.Format(time.RFC3339))
	}
	m, err := s.Machine(ctx, prop.MachineID)
	if err != nil {
		return nil, err
	}

	winner, tally := computeWinner(prop.Tallies)
	valid := winner >= 0 && quorumMet(tally, prop.TotalWeight, m.QuorumPct)

	now := time.Now()
	prop.Finalized = true
	prop.ValidWinner = valid
	prop.AnnouncedAt = &now
	if valid {
		prop.WinnerIndex = winner
	}
	if err := s.db.WithContext(ctx).Model(&ProposalRecord{}).Where("id = ?", proposalID).
		Updates(map[string]any{
			"finalized":    true,
			"valid_winner": valid,
			"winner_index": prop.WinnerIndex,
			"announced_at": now,
		}).Error; err != nil {
		return nil, fmt.Errorf("finalize proposal: %w", err)
	}
	// Finalization is durable; later calls fail on the Finalized check, so
	// the guard entry can go.
	s.dropGuard(proposalID)

	result := &WinnerResult{
		WinnerIndex: prop.WinnerIndex,
		Valid:       valid,
		Tally:       tally,
		TotalWeight: prop.TotalWeight,
	}

	// Dispatch only after all accounting is persisted.
	if valid && winner < len(prop.Batches) && len(prop.Batches[winner]) > 0 {
		batch := prop.Batches[winner]
		if revoked := s.revokedTargets(m, batch); len(revoked) > 0 {
			// The allow-list changed between creation and finalization.
			// The winner stands but the batch does not run.
			s.logger.Warn("winning batch skipped, targets no longer allow-listed",
				"proposal", proposalID, "targets", revoked)
		} else if err := s.exec.Execute(ctx, m.ExecutorID, m.ID, proposalID, batch); err != nil {
			// The announcement stands; the failed batch is reported,
			// not retried.
			s.logger.Warn("winning batch dispatch failed",
				"proposal", proposalID, "error", err)
		} else {
			result.Dispatched = true
		}
	}

	s.appendEvent(m.OrgID, m.ID, "voting.winner_announced", proposalID, audit.Details{
		"winnerIndex": result.WinnerIndex,
		"valid":       valid,
		"tally":       tally,
		"totalWeight": prop.TotalWeight,
		"dispatched":  result.Dispatched,
	})
	return result, nil
}

// Proposal returns a proposal by ID.
func (s *Service) Proposal(ctx context.Context, id string) (*ProposalRecord, error) {
	var rec ProposalRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
		}
		return nil, fmt.Errorf("load proposal: %w", err)
	}
	return &rec, nil
}

// ProposalsCount returns how many proposals a machine has seen.
func (s *Service) ProposalsCount(ctx context.Context, machineID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ProposalRecord{}).
		Where("machine_id = ?", machineID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count proposals: %w", err)
	}
	return count, nil
}

// Restriction returns whether a proposal is hat-restricted and, if so, to
// which domains.
func (s *Service) Restriction(ctx context.Context, proposalID string) (bool, []string, error) {
	rec, err := s.Proposal(ctx, proposalID)
	if err != nil {
		return false, nil, err
	}
	return rec.Restricted, rec.RestrictedHats, nil
}

// HasVoted reports whether voter already voted on the proposal.
func (s *Service) HasVoted(ctx context.Context, proposalID, voter string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&BallotRecord{}).
		Where("proposal_id = ? AND voter = ?", proposalID, voter).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("query ballot: %w", err)
	}
	return count > 0, nil
}

func (s *Service) checkVoterEligibility(ctx context.Context, m *MachineRecord, prop *ProposalRecord, voter string) error {
	if voter != m.ExecutorID {
		eligible, err := s.wearsAny(ctx, voter, m.VoterHats)
		if err != nil {
			return err
		}
		if !eligible {
			return fmt.Errorf("%w: voter %s", ErrNotAuthorized, voter)
		}
	}

	if prop.Restricted {
		allowed, err := s.wearsAny(ctx, voter, prop.RestrictedHats)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("%w: proposal restricted, voter %s", ErrNotAuthorized, voter)
		}
	}

	if m.Class == ClassHybrid && voter != m.ExecutorID {
		balance, err := s.proxies.Invoke(ctx, m.TokenInstance, "balanceOf", map[string]any{"account": voter})
		if err != nil {
			return fmt.Errorf("participation balance for %s: %w", voter, err)
		}
		if bal, ok := balance.(uint64); !ok || bal == 0 {
			return fmt.Errorf("%w: voter %s holds no participation tokens", ErrNotAuthorized, voter)
		}
	}
	return nil
}

func (s *Service) wearsAny(ctx context.Context, principal string, hatIDs []string) (bool, error) {
	for _, h := range hatIDs {
		ok, err := s.directory.IsWearerOf(ctx, principal, hats.HatID(h))
		if err != nil {
			return false, fmt.Errorf("hat check: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// validateBallot checks the structural ballot invariants: matched lengths,
// in-range non-duplicated indices, per-option weights within budget, and the
// exact-budget sum.
func validateBallot(numOptions int, options []int, weights []uint8) error {
	if len(options) != len(weights) {
		return fmt.Errorf("%w: %d options, %d weights", ErrArrayLengthMismatch, len(options), len(weights))
	}
	if len(options) == 0 {
		return fmt.Errorf("%w: empty ballot", ErrInvalidWeightSum)
	}

	seen := mapset.NewSet[int]()
	var sum int
	for i, opt := range options {
		if opt < 0 || opt >= numOptions {
			return fmt.Errorf("%w: %d", ErrInvalidOption, opt)
		}
		if !seen.Add(opt) {
			return fmt.Errorf("%w: %d", ErrDuplicateOption, opt)
		}
		if weights[i] > WeightBudget {
			return fmt.Errorf("%w: weight %d exceeds budget", ErrInvalidWeightSum, weights[i])
		}
		sum += int(weights[i])
	}
	if sum != WeightBudget {
		return fmt.Errorf("%w: got %d", ErrInvalidWeightSum, sum)
	}
	return nil
}

// computeWinner returns the index with the strictly highest tally, or -1 on
// a tie for first place. tally is the leader's accumulated weight.
func computeWinner(tallies []uint64) (int, uint64) {
	winner := -1
	var best, runnerUp uint64
	for i, t := range tallies {
		switch {
		case t > best:
			runnerUp = best
			best = t
			winner = i
		case t > runnerUp:
			runnerUp = t
		}
	}
	if winner < 0 || best == runnerUp {
		return -1, best
	}
	return winner, best
}

// quorumMet applies the quorum gate by cross-multiplication, avoiding any
// fractional rounding.
func quorumMet(tally, totalWeight uint64, quorumPct int) bool {
	return tally*100 > totalWeight*uint64(quorumPct)
}

func (s *Service) revokedTargets(m *MachineRecord, batch []executor.Call) []string {
	targets := mapset.NewSet(m.AllowedTargets...)
	var revoked []string
	for _, call := range batch {
		if !targets.Contains(call.Target) {
			revoked = append(revoked, call.Target)
		}
	}
	return revoked
}

func (s *Service) guardFor(proposalID string) *guard {
	s.locks.mu.Lock()
	defer s.locks.mu.Unlock()
	g, ok := s.locks.m[proposalID]
	if !ok {
		g = &guard{}
		s.locks.m[proposalID] = g
	}
	return g
}

func (s *Service) dropGuard(proposalID string) {
	s.locks.mu.Lock()
	delete(s.locks.m, proposalID)
	s.locks.mu.Unlock()
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
		s.logger.Error("failed to append voting audit event", "action", action, "subject", subject, "error", err)
	}
}
