package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipforge/taskd/config"
	"github.com/clipforge/taskd/internal/core"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo   core.ReaperRepository // Required: reaper repository
	Config config.ReaperConfig   // Required: reaper configuration
	Logger *slog.Logger          // Optional: structured logger
}

// ReaperService recovers jobs wedged by worker crashes or abandonment:
// assigned jobs that were never started go back to pending, and pending jobs
// nobody ever claimed eventually fail. Both sweeps take an advisory lock in
// the repository, so running replicas never double-process.
type ReaperService struct {
	repo   core.ReaperRepository
	config config.ReaperConfig
	logger *slog.Logger
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	logger := resolveLogger(opts.Logger).With("component", "reaper_service")
	logger.Debug("ReaperService initialized",
		"interval", opts.Config.Interval,
		"assigned_max_age", opts.Config.AssignedMaxAge,
		"pending_max_age", opts.Config.PendingMaxAge,
	)
	return &ReaperService{
		repo:   opts.Repo,
		config: opts.Config,
		logger: logger,
	}, nil
}

// MustNewReaperService constructs a new ReaperService and panics on error.
func MustNewReaperService(opts ReaperServiceOptions) *ReaperService {
	svc, err := NewReaperService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create ReaperService: %v", err))
	}
	return svc
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)

	// Jitter prevents a thundering herd when replicas start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.Sweep(ctx); err != nil && !isContextCancellation(err) {
		s.logger.ErrorContext(ctx, "initial sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && !isContextCancellation(err) {
				// Keep running despite errors; the next tick retries.
				s.logger.ErrorContext(ctx, "sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass of both recovery operations.
func (s *ReaperService) Sweep(ctx context.Context) error {
	now := time.Now()
	var errs []error

	requeued, err := s.repo.RequeueStaleAssigned(ctx, now.Add(-s.config.AssignedMaxAge))
	if err != nil {
		errs = append(errs, fmt.Errorf("requeue stale assigned jobs: %w", err))
	} else if requeued > 0 {
		s.logger.InfoContext(ctx, "requeued stale assigned jobs", "count", requeued)
	}

	failed, err := s.repo.FailStalePending(ctx, now.Add(-s.config.PendingMaxAge))
	if err != nil {
		errs = append(errs, fmt.Errorf("fail stale pending jobs: %w", err))
	} else if failed > 0 {
		s.logger.InfoContext(ctx, "failed stale pending jobs", "count", failed)
	}

	return errors.Join(errs...)
}

// waitWithJitter delays up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Skip jitter rather than failing startup.
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)))

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
