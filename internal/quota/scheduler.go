package quota

import (
	"context"
	"fablab/internal/config"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule fires at midnight on the first day of every month.
const DefaultSchedule = "0 0 1 * *"

// Config configures quota limits and the reset schedule.
type Config struct {
	DefaultLimit int64
	Schedule     string // standard five-field cron expression
	Location     *time.Location
}

// LoadConfigFromEnv loads quota configuration from environment variables.
func LoadConfigFromEnv() Config {
	loc, err := time.LoadLocation(config.GetEnv("QUOTA_TIMEZONE", "UTC"))
	if err != nil {
		slog.Warn("Unknown QUOTA_TIMEZONE, using UTC", "error", err)
		loc = time.UTC
	}
	return Config{
		DefaultLimit: config.GetInt64Env("QUOTA_LIMIT", 1000),
		Schedule:     config.GetEnv("QUOTA_SCHEDULE", DefaultSchedule),
		Location:     loc,
	}
}

// Scheduler resets the quota on a cron schedule, independent of discovery
// and request handling.
type Scheduler struct {
	cron    *cron.Cron
	ctrl    *Controller
	timeout time.Duration
	logger  *slog.Logger
}

// NewScheduler validates the schedule and registers the reset job.
func NewScheduler(ctrl *Controller, schedule string, loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		ctrl:    ctrl,
		timeout: 10 * time.Second,
		logger:  slog.With("component", "quota-scheduler"),
	}
	if _, err := s.cron.AddFunc(schedule, s.reset); err != nil {
		return nil, fmt.Errorf("invalid quota schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins firing resets in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	entries := s.cron.Entries()
	if len(entries) > 0 {
		s.logger.Info("Quota scheduler started", "next", entries[0].Next)
	}
}

// Stop prevents further resets and waits for a running one to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Next returns the next scheduled reset time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now())
}

func (s *Scheduler) reset() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.ctrl.Reset(ctx); err != nil {
		s.logger.Error("Quota reset failed", "error", err)
	}
}
