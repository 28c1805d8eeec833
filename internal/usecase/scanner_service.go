package usecase

import (
	"context"
	"log/slog"
	"time"

	"worker-dispatch/internal/domain"
	"worker-dispatch/internal/metrics"
)

// Runner is a blocking periodic job, stopped by cancelling its context.
type Runner interface {
	Start(ctx context.Context) error
}

// ScannerService runs the retry scanner only while this node holds leadership.
type ScannerService struct {
	leaderManager domain.LeaderElectionManager
	scheduler     Runner
	nodeID        string
	retryDelay    time.Duration
	logger        *slog.Logger
}

func NewScannerService(leaderManager domain.LeaderElectionManager, scheduler Runner, nodeID string, logger *slog.Logger) *ScannerService {
	return &ScannerService{
		leaderManager: leaderManager,
		scheduler:     scheduler,
		nodeID:        nodeID,
		retryDelay:    5 * time.Second,
		logger:        logger.With("component", "scanner-service", "node_id", nodeID),
	}
}

// Start campaigns for leadership and runs the scheduler for as long as it is
// held, campaigning again after every loss. It returns when ctx is cancelled.
func (s *ScannerService) Start(ctx context.Context) error {
	s.logger.Info("scanner service starting")
	leaderGauge := metrics.IsLeader.WithLabelValues(s.nodeID)
	leaderGauge.Set(0)

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("scanner service shutting down")
			return err
		}

		s.logger.Info("attempting to campaign for leadership")
		lost, err := s.leaderManager.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("leadership campaign failed, retrying", "error", err, "retry_in", s.retryDelay)
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
			}
			continue
		}

		s.logger.Info("became the leader, starting the retry scanner")
		leaderGauge.Set(1)
		s.lead(ctx, lost)
		leaderGauge.Set(0)
	}
}

// lead runs the scheduler until leadership is lost or ctx ends.
func (s *ScannerService) lead(ctx context.Context, lost <-chan struct{}) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.scheduler.Start(runCtx)
	}()

	select {
	case <-lost:
		s.logger.Warn("leadership lost, stopping the retry scanner")
	case <-ctx.Done():
		resignCtx, resignCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.leaderManager.Resign(resignCtx); err != nil {
			s.logger.Warn("failed to resign leadership", "error", err)
		}
		resignCancel()
	}
	cancel()
	<-done
}
