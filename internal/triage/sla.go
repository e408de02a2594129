package triage

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashita-ai/kujo/internal/model"
)

// Escalator moves overdue complaints to escalated.
type Escalator interface {
	EscalateOverdue(ctx context.Context, cutoff time.Time) ([]model.Complaint, error)
}

// SLAMonitor escalates complaints that have waited on a business response
// for longer than the response window.
type SLAMonitor struct {
	store    Escalator
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSLAMonitor creates an SLAMonitor. responseDays is the business
// response window; interval is how often it checks.
func NewSLAMonitor(store Escalator, responseDays int, interval time.Duration, logger *slog.Logger) *SLAMonitor {
	if responseDays <= 0 {
		responseDays = 14
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &SLAMonitor{
		store:    store,
		window:   time.Duration(responseDays) * 24 * time.Hour,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Check escalates everything overdue as of now and returns how many
// complaints moved.
func (m *SLAMonitor) Check(ctx context.Context) (int, error) {
	escalated, err := m.store.EscalateOverdue(ctx, m.now().Add(-m.window))
	if err != nil {
		return 0, err
	}
	for _, c := range escalated {
		m.logger.Warn("sla: business response overdue, escalated",
			"complaint_id", c.ID, "tenant_id", c.TenantID, "reference", c.Reference)
	}
	return len(escalated), nil
}

// Run checks on every tick until ctx is cancelled.
func (m *SLAMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("sla: check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
