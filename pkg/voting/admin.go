package voting

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"

	"github.com/PerpetualOrganizationArchitect/poa/internal/db/filter"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/executor"
)

// Machine administration. Every mutation here is gated on the org executor:
// machines reconfigure themselves only through governance outcomes.

func (s *Service) adminMutate(ctx context.Context, machineID, caller, action string, apply func(*MachineRecord) error) error {
	m, err := s.Machine(ctx, machineID)
	if err != nil {
		return err
	}
	if caller != m.ExecutorID {
		return fmt.Errorf("%w: %s is not the executor of %s", ErrNotAuthorized, caller, machineID)
	}
	if err := apply(m); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("update voting machine: %w", err)
	}
	s.appendEvent(m.OrgID, caller, action, machineID, nil)
	return nil
}

// Pause stops proposal creation and vote casting on the machine.
// Finalization of already-expired proposals still proceeds.
func (s *Service) Pause(ctx context.Context, machineID, caller string) error {
	return s.adminMutate(ctx, machineID, caller, "voting.paused", func(m *MachineRecord) error {
		m.Paused = true
		return nil
	})
}

// Unpause resumes the machine.
func (s *Service) Unpause(ctx context.Context, machineID, caller string) error {
	return s.adminMutate(ctx, machineID, caller, "voting.unpaused", func(m *MachineRecord) error {
		m.Paused = false
		return nil
	})
}

// SetQuorum changes the quorum percentage for future finalizations.
func (s *Service) SetQuorum(ctx context.Context, machineID, caller string, pct int) error {
	if pct < 1 || pct > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidQuorum, pct)
	}
	return s.adminMutate(ctx, machineID, caller, "voting.quorum_changed", func(m *MachineRecord) error {
		m.QuorumPct = pct
		return nil
	})
}

// SetExecutor repoints the machine at a new executor.
func (s *Service) SetExecutor(ctx context.Context, machineID, caller, executorID string) error {
	if executorID == "" {
		return fmt.Errorf("empty executor id")
	}
	return s.adminMutate(ctx, machineID, caller, "voting.executor_changed", func(m *MachineRecord) error {
		m.ExecutorID = executorID
		return nil
	})
}

// SetTargetAllowed adds or removes a call target from the machine allow-list.
func (s *Service) SetTargetAllowed(ctx context.Context, machineID, caller, target string, allowed bool) error {
	if target == "" {
		return fmt.Errorf("empty target")
	}
	if target == machineID {
		return ErrSelfTarget
	}
	return s.adminMutate(ctx, machineID, caller, "voting.target_changed", func(m *MachineRecord) error {
		set := mapset.NewSet(m.AllowedTargets...)
		if allowed {
			set.Add(target)
		} else {
			set.Remove(target)
		}
		m.AllowedTargets = set.ToSlice()
		return nil
	})
}

// SetRoleAllowed grants or revokes a permission domain either as a proposal
// creator role or as a voter role.
func (s *Service) SetRoleAllowed(ctx context.Context, machineID, caller, hatID string, creator, allowed bool) error {
	if hatID == "" {
		return fmt.Errorf("empty hat id")
	}
	return s.adminMutate(ctx, machineID, caller, "voting.role_changed", func(m *MachineRecord) error {
		pick := &m.VoterHats
		if creator {
			pick = &m.CreatorHats
		}
		set := mapset.NewSet([]string(*pick)...)
		if allowed {
			set.Add(hatID)
		} else {
			set.Remove(hatID)
		}
		*pick = set.ToSlice()
		return nil
	})
}

// AllowedTargets returns the machine's current call allow-list.
func (s *Service) AllowedTargets(ctx context.Context, machineID string) ([]string, error) {
	m, err := s.Machine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	return m.AllowedTargets, nil
}

// AllowedHats returns the machine's creator and voter permission domains.
func (s *Service) AllowedHats(ctx context.Context, machineID string) (creators, voters []string, err error) {
	m, err := s.Machine(ctx, machineID)
	if err != nil {
		return nil, nil, err
	}
	return m.CreatorHats, m.VoterHats, nil
}

var proposalFilterColumns = map[string]string{
	"machine":    "machine_id",
	"metadata":   "metadata",
	"finalized":  "finalized",
	"restricted": "restricted",
	"valid":      "valid_winner",
}

// ListProposals returns paginated proposals for a machine, newest first,
// optionally narrowed by a filter expression such as `finalized = false`.
func (s *Service) ListProposals(ctx context.Context, machineID string, filterQuery string, pageSize int, pageToken string) ([]ProposalRecord, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	query := s.db.WithContext(ctx).Model(&ProposalRecord{}).Where("machine_id = ?", machineID)
	if filterQuery != "" {
		var err error
		query, err = filter.Apply(query, filterQuery, proposalFilterColumns)
		if err != nil {
			return nil, "", 0, fmt.Errorf("proposal filter: %w", err)
		}
	}

	var totalSize int64
	if err := query.Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count proposals: %w", err)
	}

	query = query.Order("created_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var records []ProposalRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list proposals: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		records = records[:pageSize]
		nextToken = records[len(records)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return records, nextToken, int(totalSize), nil
}

// RehydrateDispatchers re-authorizes every machine as a batch dispatcher to
// its executor. Dispatcher grants live in memory, so this runs at startup.
func (s *Service) RehydrateDispatchers(ctx context.Context, exec *executor.Service) error {
	var machines []MachineRecord
	if err := s.db.WithContext(ctx).Find(&machines).Error; err != nil {
		return fmt.Errorf("load voting machines: %w", err)
	}
	for _, m := range machines {
		exec.AddDispatcher(m.ExecutorID, m.ID)
	}
	return nil
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
