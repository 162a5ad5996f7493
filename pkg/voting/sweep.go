package voting

import (
	"context"
	"log/slog"
	"time"
)

// ExpiredUnfinalized lists proposals whose voting window has closed without
// a winner announcement. Anyone may finalize these; the sweep worker reports
// them so stalled governance is visible in the logs.
func (s *Service) ExpiredUnfinalized(ctx context.Context) ([]ProposalRecord, error) {
	var props []ProposalRecord
	err := s.db.WithContext(ctx).
		Where("finalized = ? AND ends_at <= ?", false, time.Now()).
		Order("ends_at ASC").
		Find(&props).Error
	if err != nil {
		return nil, err
	}
	return props, nil
}

// SweepWorker periodically reports proposals that closed without being
// finalized.
type SweepWorker struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
}

// NewSweepWorker creates a new SweepWorker. The worker runs hourly by default.
func NewSweepWorker(svc *Service, logger *slog.Logger) *SweepWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepWorker{
		svc:      svc,
		interval: time.Hour,
		logger:   logger,
	}
}

// Run starts the sweep worker. It runs until the context is cancelled.
func (w *SweepWorker) Run(ctx context.Context) {
	if w.svc == nil {
		w.logger.Info("proposal sweep worker disabled")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("proposal sweep worker started", "interval", w.interval.String())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("proposal sweep worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep performs a single reporting pass.
func (w *SweepWorker) sweep(ctx context.Context) {
	props, err := w.svc.ExpiredUnfinalized(ctx)
	if err != nil {
		w.logger.Error("proposal sweep failed", "error", err)
		return
	}
	for _, p := range props {
		w.logger.Warn("proposal expired without winner announcement",
			"proposalId", p.ID,
			"machineId", p.MachineID,
			"endedAt", p.EndsAt.Format(time.RFC3339))
	}
}
