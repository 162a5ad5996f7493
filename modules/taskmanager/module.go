// Package taskmanager implements the task board module: hat-gated task
// creation, member claims, and completion payouts in participation tokens.
package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/PerpetualOrganizationArchitect/poa/modules/internal/params"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/hats"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
	"github.com/PerpetualOrganizationArchitect/poa/pkg/module"
)

// ModuleType identifies this module in beacon and registry records.
const ModuleType = "TaskManager"

// Task lifecycle states.
const (
	StatusOpen      = "open"
	StatusClaimed   = "claimed"
	StatusSubmitted = "submitted"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

var (
	// ErrTaskNotFound is returned when a task lookup misses.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotPermitted is returned when the caller lacks the required hat.
	ErrNotPermitted = errors.New("caller not permitted")

	// ErrWrongStatus is returned when a transition does not apply to the
	// task's current state.
	ErrWrongStatus = errors.New("task is not in the required state")

	// ErrUnknownMethod is returned for an unsupported operation.
	ErrUnknownMethod = errors.New("unknown task manager method")
)

func init() {
	module.RegisterImplementation(ModuleType, "v1", func(deps module.Deps) module.Logic {
		return &logic{deps: deps}
	})
}

// ConfigRecord holds per-instance task board configuration.
type ConfigRecord struct {
	InstanceID    string    `gorm:"primaryKey;column:instance_id;type:varchar(36)"`
	ExecutorID    string    `gorm:"column:executor_id;not null"`
	TokenInstance string    `gorm:"column:token_instance;not null"`
	CreatorHat    string    `gorm:"column:creator_hat;not null"`
	MemberHat     string    `gorm:"column:member_hat;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (ConfigRecord) TableName() string { return "taskmanager_configs" }

// TaskRecord is one task on the board.
type TaskRecord struct {
	ID         string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	InstanceID string    `gorm:"column:instance_id;index:idx_task_instance;not null"`
	Title      string    `gorm:"column:title;not null"`
	Payout     uint64    `gorm:"column:payout;not null"`
	Status     string    `gorm:"column:status;not null"`
	Claimant   string    `gorm:"column:claimant"`
	Submission string    `gorm:"column:submission"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (TaskRecord) TableName() string { return "taskmanager_tasks" }

// AutoMigrate creates or updates the task manager tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ConfigRecord{}, &TaskRecord{}); err != nil {
		return fmt.Errorf("auto-migrate taskmanager tables: %w", err)
	}
	return nil
}

type logic struct {
	deps module.Deps
}

func (l *logic) Type() string    { return ModuleType }
func (l *logic) Version() string { return "v1" }

func (l *logic) Init(ctx context.Context, instanceID string, args map[string]any) error {
	executorID := params.String(args, "executor")
	tokenInstance := params.String(args, "tokenInstance")
	creatorHat := params.String(args, "creatorHat")
	memberHat := params.String(args, "memberHat")
	if executorID == "" || tokenInstance == "" || creatorHat == "" || memberHat == "" {
		return fmt.Errorf("task manager requires executor, tokenInstance, creatorHat and memberHat")
	}

	rec := &ConfigRecord{
		InstanceID:    instanceID,
		ExecutorID:    executorID,
		TokenInstance: tokenInstance,
		CreatorHat:    creatorHat,
		MemberHat:     memberHat,
	}
	if err := l.deps.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("init task manager: %w", err)
	}
	return nil
}

func (l *logic) Invoke(ctx context.Context, instanceID, method string, args map[string]any) (any, error) {
	cfg, err := l.config(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	switch method {
	case "createTask":
		title := params.String(args, "title")
		return l.createTask(ctx, cfg, title, params.Uint64(args, "payout"))
	case "claimTask":
		taskID := params.String(args, "task")
		return nil, l.claimTask(ctx, cfg, taskID)
	case "submitTask":
		taskID := params.String(args, "task")
		submission := params.String(args, "submission")
		return nil, l.submitTask(ctx, cfg, taskID, submission)
	case "completeTask":
		taskID := params.String(args, "task")
		return nil, l.completeTask(ctx, cfg, instanceID, taskID)
	case "cancelTask":
		taskID := params.String(args, "task")
		return nil, l.cancelTask(ctx, cfg, taskID)
	case "task":
		taskID := params.String(args, "task")
		return l.task(ctx, cfg.InstanceID, taskID)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func (l *logic) config(ctx context.Context, instanceID string) (*ConfigRecord, error) {
	var cfg ConfigRecord
	if err := l.deps.DB.WithContext(ctx).First(&cfg, "instance_id = ?", instanceID).Error; err != nil {
		return nil, fmt.Errorf("load task manager config: %w", err)
	}
	return &cfg, nil
}

func (l *logic) requireHat(ctx context.Context, cfg *ConfigRecord, hatID string) (string, error) {
	caller := identity.CallerFromContext(ctx)
	if caller == "" {
		return "", fmt.Errorf("%w: no caller", ErrNotPermitted)
	}
	if caller == cfg.ExecutorID {
		return caller, nil
	}
	ok, err := l.deps.Hats.IsWearerOf(ctx, caller, hats.HatID(hatID))
	if err != nil {
		return "", fmt.Errorf("hat check: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotPermitted, caller)
	}
	return caller, nil
}

func (l *logic) createTask(ctx context.Context, cfg *ConfigRecord, title string, payout uint64) (string, error) {
	if _, err := l.requireHat(ctx, cfg, cfg.CreatorHat); err != nil {
		return "", err
	}
	if title == "" {
		return "", fmt.Errorf("empty task title")
	}

	rec := &TaskRecord{
		ID:         uuid.New().String(),
		InstanceID: cfg.InstanceID,
		Title:      title,
		Payout:     payout,
		Status:     StatusOpen,
	}
	if err := l.deps.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return rec.ID, nil
}

func (l *logic) claimTask(ctx context.Context, cfg *ConfigRecord, taskID string) error {
	caller, err := l.requireHat(ctx, cfg, cfg.MemberHat)
	if err != nil {
		return err
	}
	return l.transition(ctx, cfg.InstanceID, taskID, StatusOpen, func(t *TaskRecord) {
		t.Status = StatusClaimed
		t.Claimant = caller
	})
}

func (l *logic) submitTask(ctx context.Context, cfg *ConfigRecord, taskID, submission string) error {
	caller := identity.CallerFromContext(ctx)
	task, err := l.task(ctx, cfg.InstanceID, taskID)
	if err != nil {
		return err
	}
	if task.Claimant != caller {
		return fmt.Errorf("%w: only the claimant submits", ErrNotPermitted)
	}
	return l.transition(ctx, cfg.InstanceID, taskID, StatusClaimed, func(t *TaskRecord) {
		t.Status = StatusSubmitted
		t.Submission = submission
	})
}

// completeTask approves a submitted task and pays the claimant. The payout
// mint is issued with this instance as the acting principal, which the
// token recognizes through its minter grants.
func (l *logic) completeTask(ctx context.Context, cfg *ConfigRecord, instanceID, taskID string) error {
	if _, err := l.requireHat(ctx, cfg, cfg.CreatorHat); err != nil {
		return err
	}
	task, err := l.task(ctx, cfg.InstanceID, taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusSubmitted {
		return fmt.Errorf("%w: %s is %s", ErrWrongStatus, taskID, task.Status)
	}

	if err := l.transition(ctx, cfg.InstanceID, taskID, StatusSubmitted, func(t *TaskRecord) {
		t.Status = StatusCompleted
	}); err != nil {
		return err
	}

	if task.Payout > 0 {
		mintCtx := identity.WithPrincipal(ctx, identity.Principal{ID: instanceID})
		_, err := l.deps.Invoke(mintCtx, cfg.TokenInstance, "mint", map[string]any{
			"account": task.Claimant,
			"amount":  task.Payout,
		})
		if err != nil {
			return fmt.Errorf("pay out task %s: %w", taskID, err)
		}
		l.deps.Logger.Info("task payout minted",
			"task", taskID, "claimant", task.Claimant, "amount", task.Payout)
	}
	return nil
}

func (l *logic) cancelTask(ctx context.Context, cfg *ConfigRecord, taskID string) error {
	if _, err := l.requireHat(ctx, cfg, cfg.CreatorHat); err != nil {
		return err
	}
	task, err := l.task(ctx, cfg.InstanceID, taskID)
	if err != nil {
		return err
	}
	if task.Status == StatusCompleted || task.Status == StatusCancelled {
		return fmt.Errorf("%w: %s is %s", ErrWrongStatus, taskID, task.Status)
	}
	return l.transition(ctx, cfg.InstanceID, taskID, task.Status, func(t *TaskRecord) {
		t.Status = StatusCancelled
	})
}

func (l *logic) task(ctx context.Context, instanceID, taskID string) (*TaskRecord, error) {
	var rec TaskRecord
	err := l.deps.DB.WithContext(ctx).
		First(&rec, "id = ? AND instance_id = ?", taskID, instanceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("load task: %w", err)
	}
	return &rec, nil
}

// transition applies a state change inside a transaction, re-checking the
// expected current status so concurrent transitions cannot double-apply.
func (l *logic) transition(ctx context.Context, instanceID, taskID, fromStatus string, apply func(*TaskRecord)) error {
	return l.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec TaskRecord
		if err := tx.First(&rec, "id = ? AND instance_id = ?", taskID, instanceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
			}
			return fmt.Errorf("load task: %w", err)
		}
		if rec.Status != fromStatus {
			return fmt.Errorf("%w: %s is %s, expected %s", ErrWrongStatus, taskID, rec.Status, fromStatus)
		}
		apply(&rec)
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return nil
	})
}

