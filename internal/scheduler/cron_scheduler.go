// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// CronScheduler triggers the retry scan on a cron schedule such as "@every 10s".
type CronScheduler struct {
	cron    *cron.Cron
	scanner *RetryScanner
	spec    string
	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewCronScheduler validates spec and creates a scheduler for scanner.
func NewCronScheduler(spec string, scanner *RetryScanner, logger *slog.Logger) (*CronScheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid scanner schedule %q: %w", spec, err)
	}
	return &CronScheduler{
		// Overlapping scans are skipped rather than queued.
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		scanner: scanner,
		spec:    spec,
		now:     time.Now,
		logger:  logger.With("component", "cron-scheduler"),
		tracer:  otel.Tracer("worker-dispatch-scheduler"),
	}, nil
}

// Start runs scans until ctx is cancelled, then waits for a running scan to finish.
func (s *CronScheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.runOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry scan: %w", err)
	}

	s.logger.Info("cron scheduler started", "schedule", s.spec)
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

func (s *CronScheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, span := s.tracer.Start(ctx, "scheduler.RetryScan")
	defer span.End()

	moved, err := s.scanner.Scan(ctx, s.now())
	if err != nil {
		s.logger.Error("retry scan finished with errors", "reoffered", len(moved), "error", err)
		span.RecordError(err)
		return
	}
	s.logger.Debug("retry scan finished", "reoffered", len(moved))
}
