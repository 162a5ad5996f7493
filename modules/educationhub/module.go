// Package educationhub implements the education hub module: onboarding
// lessons that members complete for a participation token reward.
package educationhub

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
const ModuleType = "EducationHub"

var (
	// ErrLessonNotFound is returned when a lesson lookup misses.
	ErrLessonNotFound = errors.New("lesson not found")

	// ErrNotPermitted is returned when the caller lacks the required hat.
	ErrNotPermitted = errors.New("caller not permitted")

	// ErrAlreadyCompleted is returned when a member repeats a lesson.
	ErrAlreadyCompleted = errors.New("lesson already completed")

	// ErrWrongAnswer is returned when the completion answer does not match.
	ErrWrongAnswer = errors.New("incorrect answer")

	// ErrUnknownMethod is returned for an unsupported operation.
	ErrUnknownMethod = errors.New("unknown education hub method")
)

func init() {
	module.RegisterImplementation(ModuleType, "v1", func(deps module.Deps) module.Logic {
		return &logic{deps: deps}
	})
}

// ConfigRecord holds per-instance hub configuration.
type ConfigRecord struct {
	InstanceID    string    `gorm:"primaryKey;column:instance_id;type:varchar(36)"`
	ExecutorID    string    `gorm:"column:executor_id;not null"`
	TokenInstance string    `gorm:"column:token_instance;not null"`
	CreatorHat    string    `gorm:"column:creator_hat;not null"`
	MemberHat     string    `gorm:"column:member_hat;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (ConfigRecord) TableName() string { return "educationhub_configs" }

// LessonRecord is one lesson with its reward and expected answer.
type LessonRecord struct {
	ID         string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	InstanceID string    `gorm:"column:instance_id;index:idx_lesson_instance;not null"`
	Title      string    `gorm:"column:title;not null"`
	Content    string    `gorm:"column:content"`
	Answer     string    `gorm:"column:answer;not null"`
	Reward     uint64    `gorm:"column:reward;not null"`
	Enabled    bool      `gorm:"column:enabled;not null;default:true"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (LessonRecord) TableName() string { return "educationhub_lessons" }

// CompletionRecord marks one member's completion of a lesson.
type CompletionRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	LessonID  string    `gorm:"column:lesson_id;uniqueIndex:idx_completion_lesson_member;not null"`
	Member    string    `gorm:"column:member;uniqueIndex:idx_completion_lesson_member;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (CompletionRecord) TableName() string { return "educationhub_completions" }

// AutoMigrate creates or updates the education hub tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ConfigRecord{}, &LessonRecord{}, &CompletionRecord{}); err != nil {
		return fmt.Errorf("auto-migrate educationhub tables: %w", err)
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
		return fmt.Errorf("education hub requires executor, tokenInstance, creatorHat and memberHat")
	}

	rec := &ConfigRecord{
		InstanceID:    instanceID,
		ExecutorID:    executorID,
		TokenInstance: tokenInstance,
		CreatorHat:    creatorHat,
		MemberHat:     memberHat,
	}
	if err := l.deps.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("init education hub: %w", err)
	}
	return nil
}

func (l *logic) Invoke(ctx context.Context, instanceID, method string, args map[string]any) (any, error) {
	var cfg ConfigRecord
	if err := l.deps.DB.WithContext(ctx).First(&cfg, "instance_id = ?", instanceID).Error; err != nil {
		return nil, fmt.Errorf("load education hub config: %w", err)
	}

	switch method {
	case "createLesson":
		return l.createLesson(ctx, &cfg, args)
	case "setLessonEnabled":
		return nil, l.setLessonEnabled(ctx, &cfg, params.String(args, "lesson"), params.Bool(args, "enabled"))
	case "completeLesson":
		return nil, l.completeLesson(ctx, &cfg, instanceID, params.String(args, "lesson"), params.String(args, "answer"))
	case "lesson":
		return l.lesson(ctx, cfg.InstanceID, params.String(args, "lesson"))
	case "hasCompleted":
		return l.hasCompleted(ctx, params.String(args, "lesson"), params.String(args, "member"))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func (l *logic) requireCreator(ctx context.Context, cfg *ConfigRecord) error {
	caller := identity.CallerFromContext(ctx)
	if caller == cfg.ExecutorID && caller != "" {
		return nil
	}
	ok, err := l.deps.Hats.IsWearerOf(ctx, caller, hats.HatID(cfg.CreatorHat))
	if err != nil {
		return fmt.Errorf("hat check: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPermitted, caller)
	}
	return nil
}

func (l *logic) createLesson(ctx context.Context, cfg *ConfigRecord, args map[string]any) (string, error) {
	if err := l.requireCreator(ctx, cfg); err != nil {
		return "", err
	}
	title := params.String(args, "title")
	answer := params.String(args, "answer")
	if title == "" || answer == "" {
		return "", fmt.Errorf("lesson requires title and answer")
	}

	rec := &LessonRecord{
		ID:         uuid.New().String(),
		InstanceID: cfg.InstanceID,
		Title:      title,
		Content:    params.String(args, "content"),
		Answer:     answer,
		Reward:     params.Uint64(args, "reward"),
		Enabled:    true,
	}
	if err := l.deps.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return "", fmt.Errorf("create lesson: %w", err)
	}
	return rec.ID, nil
}

func (l *logic) setLessonEnabled(ctx context.Context, cfg *ConfigRecord, lessonID string, enabled bool) error {
	if err := l.requireCreator(ctx, cfg); err != nil {
		return err
	}
	result := l.deps.DB.WithContext(ctx).Model(&LessonRecord{}).
		Where("id = ? AND instance_id = ?", lessonID, cfg.InstanceID).
		Update("enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("update lesson: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrLessonNotFound, lessonID)
	}
	return nil
}

// completeLesson records a member's completion and mints the reward. The
// unique (lesson, member) index makes repeats impossible even under
// concurrent submissions.
func (l *logic) completeLesson(ctx context.Context, cfg *ConfigRecord, instanceID, lessonID, answer string) error {
	caller := identity.CallerFromContext(ctx)
	ok, err := l.deps.Hats.IsWearerOf(ctx, caller, hats.HatID(cfg.MemberHat))
	if err != nil {
		return fmt.Errorf("hat check: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPermitted, caller)
	}

	lesson, err := l.lesson(ctx, cfg.InstanceID, lessonID)
	if err != nil {
		return err
	}
	if !lesson.Enabled {
		return fmt.Errorf("%w: %s is disabled", ErrLessonNotFound, lessonID)
	}
	if lesson.Answer != answer {
		return ErrWrongAnswer
	}

	done, err := l.hasCompleted(ctx, lessonID, caller)
	if err != nil {
		return err
	}
	if done {
		return fmt.Errorf("%w: %s by %s", ErrAlreadyCompleted, lessonID, caller)
	}
	rec := &CompletionRecord{LessonID: lessonID, Member: caller}
	if err := l.deps.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("record completion: %w", err)
	}

	if lesson.Reward > 0 {
		mintCtx := identity.WithPrincipal(ctx, identity.Principal{ID: instanceID})
		_, err := l.deps.Invoke(mintCtx, cfg.TokenInstance, "mint", map[string]any{
			"account": caller,
			"amount":  lesson.Reward,
		})
		if err != nil {
			return fmt.Errorf("mint lesson reward: %w", err)
		}
	}
	return nil
}

func (l *logic) lesson(ctx context.Context, instanceID, lessonID string) (*LessonRecord, error) {
	var rec LessonRecord
	err := l.deps.DB.WithContext(ctx).
		First(&rec, "id = ? AND instance_id = ?", lessonID, instanceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrLessonNotFound, lessonID)
		}
		return nil, fmt.Errorf("load lesson: %w", err)
	}
	return &rec, nil
}

func (l *logic) hasCompleted(ctx context.Context, lessonID, member string) (bool, error) {
	var count int64
	err := l.deps.DB.WithContext(ctx).Model(&CompletionRecord{}).
		Where("lesson_id = ? AND member = ?", lessonID, member).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("query completion: %w", err)
	}
	return count > 0, nil
}
