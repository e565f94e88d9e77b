// Package worker holds the background retention sweeper.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/metrics"
	"go.uber.org/zap"
)

// RetentionStore deletes rows that are no longer needed and closes out
// generations nobody is working on.
type RetentionStore interface {
	DeleteExpiredRateLimits(ctx context.Context) (int64, error)
	DeleteExpiredCacheEntries(ctx context.Context) (int64, error)
	DeleteCompletedGenerationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	FailStaleGenerations(ctx context.Context, cutoff time.Time, message string) (int64, error)
}

const staleMessage = "abandoned: no worker finished the generation in time"

type SweepResult struct {
	RateLimits   int64     `json:"rate_limits"`
	CacheEntries int64     `json:"cache_entries"`
	Generations  int64     `json:"generations"`
	Stale        int64     `json:"stale_generations"`
	Cutoff       time.Time `json:"cutoff"`
}

// Sweeper periodically removes expired rate-limit windows, expired cache
// entries and COMPLETED generations older than the retention period. It also
// marks QUEUED or PROCESSING generations older than staleAfter as ERROR.
type Sweeper struct {
	store      RetentionStore
	retention  time.Duration
	interval   time.Duration
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewSweeper builds a sweeper. A non-positive staleAfter disables the stale
// generation pass.
func NewSweeper(store RetentionStore, retentionDays int, interval, staleAfter time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:      store,
		retention:  time.Duration(retentionDays) * 24 * time.Hour,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Start sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("retention sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("retention", s.retention),
	)

	s.run(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

func (s *Sweeper) run(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retention sweep failed", zap.Error(err))
	}
}

// Sweep runs every deletion even when an earlier one fails and returns the
// joined errors.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	res := &SweepResult{Cutoff: s.now().Add(-s.retention)}
	var errs []error

	n, err := s.store.DeleteExpiredRateLimits(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	res.RateLimits = n
	metrics.ObserveSweep("rate_limits", n)

	n, err = s.store.DeleteExpiredCacheEntries(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	res.CacheEntries = n
	metrics.ObserveSweep("cache_entries", n)

	n, err = s.store.DeleteCompletedGenerationsBefore(ctx, res.Cutoff)
	if err != nil {
		errs = append(errs, err)
	}
	res.Generations = n
	metrics.ObserveSweep("generations", n)

	if s.staleAfter > 0 {
		n, err = s.store.FailStaleGenerations(ctx, s.now().Add(-s.staleAfter), staleMessage)
		if err != nil {
			errs = append(errs, err)
		}
		res.Stale = n
		metrics.ObserveSweep("stale_generations", n)
		if n > 0 {
			s.logger.Warn("stale generations marked as failed", zap.Int64("count", n))
		}
	}

	s.logger.Info("retention sweep finished",
		zap.Int64("rate_limits", res.RateLimits),
		zap.Int64("cache_entries", res.CacheEntries),
		zap.Int64("generations", res.Generations),
		zap.Int64("stale_generations", res.Stale),
		zap.Time("cutoff", res.Cutoff),
	)
	return res, errors.Join(errs...)
}
