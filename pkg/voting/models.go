// Package voting implements the proposal lifecycle for perpetual
// organizations: role-gated creation, fixed-budget weighted ballots, quorum
// and strict-majority winner computation, and conditional dispatch of the
// winning option's call batch through the governance executor.
package voting

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/executor"
)

// Voting classes.
const (
	// ClassDirectDemocracy gives every eligible voter the same fixed
	// weight budget.
	ClassDirectDemocracy = "direct-democracy"

	// ClassHybrid additionally requires voters to hold the org's
	// participation token. Weights are read live at call time.
	ClassHybrid = "hybrid"
)

// Voting limits.
const (
	// WeightBudget is the fixed number of points every voter splits
	// across chosen options. Exact conservation is enforced per ballot.
	WeightBudget = 100

	// MaxOptions bounds the option count per proposal.
	MaxOptions = 32

	// MaxCalls bounds the batch length per option.
	MaxCalls = 16

	// MinDuration and MaxDuration bound the voting window.
	MinDuration = 10 * time.Minute
	MaxDuration = 30 * 24 * time.Hour
)

var (
	// ErrMachineNotFound is returned when a voting machine lookup misses.
	ErrMachineNotFound = errors.New("voting machine not found")

	// ErrProposalNotFound is returned when a proposal lookup misses.
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrPaused is returned while the machine is paused.
	ErrPaused = errors.New("voting is paused")

	// ErrNotAuthorized is returned when the caller lacks the required
	// role for the operation.
	ErrNotAuthorized = errors.New("caller not authorized")

	// ErrEmptyMetadata is returned for a proposal without metadata.
	ErrEmptyMetadata = errors.New("empty proposal metadata")

	// ErrInvalidOptionCount is returned when numOptions is outside
	// [1, MaxOptions].
	ErrInvalidOptionCount = errors.New("invalid option count")

	// ErrInvalidDuration is returned when the duration is outside
	// [MinDuration, MaxDuration].
	ErrInvalidDuration = errors.New("invalid proposal duration")

	// ErrBatchLengthMismatch is returned when the per-option batches
	// array does not match the option count.
	ErrBatchLengthMismatch = errors.New("batches length does not match option count")

	// ErrTooManyCalls is returned when an option's batch exceeds MaxCalls.
	ErrTooManyCalls = errors.New("too many calls in batch")

	// ErrTargetNotAllowed is returned when a call targets an instance
	// outside the allow-list.
	ErrTargetNotAllowed = errors.New("call target not allow-listed")

	// ErrSelfTarget is returned when a call targets the voting machine
	// itself.
	ErrSelfTarget = errors.New("call targets the voting machine")

	// ErrVotingExpired is returned for ballots cast after the end
	// timestamp.
	ErrVotingExpired = errors.New("voting has ended")

	// ErrVotingOpen is returned for finalization attempts before the end
	// timestamp.
	ErrVotingOpen = errors.New("voting still open")

	// ErrAlreadyVoted is returned for a second ballot from the same
	// voter.
	ErrAlreadyVoted = errors.New("voter already voted")

	// ErrAlreadyFinalized is returned for a second finalization.
	ErrAlreadyFinalized = errors.New("proposal already finalized")

	// ErrArrayLengthMismatch is returned when option indices and weights
	// differ in length.
	ErrArrayLengthMismatch = errors.New("option and weight arrays differ in length")

	// ErrInvalidOption is returned for an out-of-range option index.
	ErrInvalidOption = errors.New("invalid option index")

	// ErrDuplicateOption is returned when a ballot repeats an option
	// index.
	ErrDuplicateOption = errors.New("duplicate option index in ballot")

	// ErrInvalidWeightSum is returned when a ballot's weights do not sum
	// to exactly the weight budget.
	ErrInvalidWeightSum = errors.New("ballot weights must sum to exactly the budget")

	// ErrInvalidQuorum is returned for a quorum percentage outside
	// [1, 100].
	ErrInvalidQuorum = errors.New("quorum must be in [1,100]")

	// ErrLocked is returned when finalization re-enters while a dispatch
	// is in flight.
	ErrLocked = errors.New("finalization in progress")
)

// JSONStrings is a []string stored as JSON.
type JSONStrings []string

// Scan implements the sql.Scanner interface for JSONStrings.
func (s *JSONStrings) Scan(value any) error { return scanJSON(value, s) }

// Value implements the driver.Valuer interface for JSONStrings.
func (s JSONStrings) Value() (driver.Value, error) { return valueJSON(s == nil, s) }

// JSONTallies is a []uint64 of per-option accumulated weights stored as
// JSON.
type JSONTallies []uint64

// Scan implements the sql.Scanner interface for JSONTallies.
func (t *JSONTallies) Scan(value any) error { return scanJSON(value, t) }

// Value implements the driver.Valuer interface for JSONTallies.
func (t JSONTallies) Value() (driver.Value, error) { return valueJSON(t == nil, t) }

// JSONBatches is the per-option call batches stored as JSON.
type JSONBatches [][]executor.Call

// Scan implements the sql.Scanner interface for JSONBatches.
func (b *JSONBatches) Scan(value any) error { return scanJSON(value, b) }

// Value implements the driver.Valuer interface for JSONBatches.
func (b JSONBatches) Value() (driver.Value, error) { return valueJSON(b == nil, b) }

func scanJSON(value any, dest any) error {
	if value == nil {
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSON column: %T", value)
	}
	return json.Unmarshal(bytes, dest)
}

func valueJSON(isNil bool, v any) (driver.Value, error) {
	if isNil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// MachineRecord is a GORM model for one org's voting machine configuration.
// The ID is the machine's module instance ID; it doubles as the principal
// the executor recognizes as a dispatcher.
type MachineRecord struct {
	ID             string      `gorm:"primaryKey;column:id;type:varchar(36)"`
	OrgID          string      `gorm:"column:org_id;index:idx_machine_org;not null"`
	ExecutorID     string      `gorm:"column:executor_id;not null"`
	Class          string      `gorm:"column:class;not null"`
	QuorumPct      int         `gorm:"column:quorum_pct;not null"`
	Paused         bool        `gorm:"column:paused;not null;default:false"`
	CreatorHats    JSONStrings `gorm:"column:creator_hats;type:text"`
	VoterHats      JSONStrings `gorm:"column:voter_hats;type:text"`
	AllowedTargets JSONStrings `gorm:"column:allowed_targets;type:text"`
	TokenInstance  string      `gorm:"column:token_instance"`
	CreatedAt      time.Time   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time   `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (MachineRecord) TableName() string { return "voting_machines" }

// ProposalRecord is a GORM model for one proposal.
type ProposalRecord struct {
	ID             string      `gorm:"primaryKey;column:id;type:varchar(36)"`
	MachineID      string      `gorm:"column:machine_id;index:idx_proposal_machine;not null"`
	Metadata       string      `gorm:"column:metadata;not null"`
	NumOptions     int         `gorm:"column:num_options;not null"`
	Tallies        JSONTallies `gorm:"column:tallies;type:text"`
	TotalWeight    uint64      `gorm:"column:total_weight;not null;default:0"`
	Restricted     bool        `gorm:"column:restricted;not null;default:false"`
	RestrictedHats JSONStrings `gorm:"column:restricted_hats;type:text"`
	Batches        JSONBatches `gorm:"column:batches;type:text"`
	Finalized      bool        `gorm:"column:finalized;not null;default:false"`
	WinnerIndex    int         `gorm:"column:winner_index;not null;default:-1"`
	ValidWinner    bool        `gorm:"column:valid_winner;not null;default:false"`
	CreatedAt      time.Time   `gorm:"column:created_at;autoCreateTime"`
	EndsAt         time.Time   `gorm:"column:ends_at;not null"`
	AnnouncedAt    *time.Time  `gorm:"column:announced_at"`
}

// TableName returns the GORM table name.
func (ProposalRecord) TableName() string { return "voting_proposals" }

// BallotRecord marks that a voter has voted on a proposal. The unique index
// is the database-level backstop for the one-ballot-per-voter invariant.
type BallotRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	ProposalID string    `gorm:"column:proposal_id;uniqueIndex:idx_ballot,priority:1;not null"`
	Voter      string    `gorm:"column:voter;uniqueIndex:idx_ballot,priority:2;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (BallotRecord) TableName() string { return "voting_ballots" }

// AutoMigrate creates or updates the voting tables.
func AutoMigrate(db *gorm.DB) error {
	for _, model := range []any{&MachineRecord{}, &ProposalRecord{}, &BallotRecord{}} {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("auto-migrate voting: %w", err)
		}
	}
	return nil
}
