package services

import (
	"context"
	"log/slog"
	"time"
)

// Scanner runs one maintenance pass.
type Scanner interface {
	Scan(ctx context.Context) (ScanReport, error)
}

// Scheduler runs a Scanner on a fixed interval until its context ends.
type Scheduler struct {
	scanner  Scanner
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(scanner Scanner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{scanner: scanner, interval: interval, logger: logger}
}

// Run scans once per interval and returns when ctx is done. A scan that
// overruns the interval delays the next tick instead of overlapping it.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scan scheduler started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scan scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.scanner.Scan(ctx); err != nil {
				s.logger.Warn("scan completed with errors", slog.Any("error", err))
			}
		}
	}
}
