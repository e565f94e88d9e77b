package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/apperr"
	"github.com/HanTheDev/tryon-gateway/internal/db"
	"github.com/HanTheDev/tryon-gateway/internal/metrics"
	"github.com/HanTheDev/tryon-gateway/internal/models"
	"github.com/HanTheDev/tryon-gateway/internal/provider"
	"github.com/HanTheDev/tryon-gateway/internal/queue"
	"github.com/HanTheDev/tryon-gateway/internal/retry"
	"go.uber.org/zap"
)

// dispatchSync calls the provider once. Failures are persisted before they
// are returned and are not retried.
func (s *Service) dispatchSync(ctx context.Context, tenant *models.Tenant, req Request, hash string, start time.Time) (*Result, error) {
	g := s.newGeneration(tenant, req, hash, models.StatusProcessing)
	if err := s.deps.Repo.CreateGeneration(ctx, g); err != nil {
		return nil, apperr.Internal(err)
	}
	log := s.logger.With(zap.String("tenant_id", tenant.ID), zap.String("generation_id", g.ID))

	res, providerDur, err := s.callProvider(ctx, req.PersonImage, req.Garments)
	total := s.now().Sub(start)
	if err != nil {
		s.fail(ctx, log, g, err, total)
		return nil, err
	}

	s.complete(ctx, log, g, res.ImageURL, total, providerDur)
	return &Result{
		GenerationID: g.ID,
		Status:       models.StatusCompleted,
		ResultURL:    res.ImageURL,
		TotalMs:      total.Milliseconds(),
		ProviderMs:   providerDur.Milliseconds(),
	}, nil
}

// dispatchAsync records a QUEUED generation and hands it to the queue. The
// caller polls Status for the outcome.
func (s *Service) dispatchAsync(ctx context.Context, tenant *models.Tenant, req Request, hash string) (*Result, error) {
	g := s.newGeneration(tenant, req, hash, models.StatusQueued)
	if err := s.deps.Repo.CreateGeneration(ctx, g); err != nil {
		return nil, apperr.Internal(err)
	}

	job := &queue.Job{
		ID:          g.ID,
		TenantID:    tenant.ID,
		PersonImage: req.PersonImage,
		Garments:    req.Garments,
		InputsHash:  hash,
		Priority:    queue.PriorityForTier(tenant.Tier),
	}
	if err := s.deps.Queue.Push(ctx, job); err != nil {
		if ferr := s.deps.Repo.FailGeneration(context.WithoutCancel(ctx), g.ID, "could not enqueue: "+err.Error(), 0); ferr != nil {
			s.logger.Error("failed to mark unqueued generation", zap.String("generation_id", g.ID), zap.Error(ferr))
		}
		return nil, apperr.Internal(err)
	}

	metrics.ObserveQueueJob("enqueued")
	s.logger.Info("generation queued",
		zap.String("tenant_id", tenant.ID),
		zap.String("generation_id", g.ID),
		zap.Int("priority", job.Priority),
	)
	return &Result{GenerationID: g.ID, Status: models.StatusQueued, Queued: true}, nil
}

var (
	errTerminal = errors.New("generation already finished")
	// errNotStarted wraps failures that happen before any provider attempt.
	errNotStarted = errors.New("job not started")
)

// Process runs one queued job. Provider failures are retried with
// exponential backoff; after the last attempt the generation is marked
// ERROR. Jobs for generations already COMPLETED or ERROR are skipped.
func (s *Service) Process(ctx context.Context, job *queue.Job) error {
	log := s.logger.With(zap.String("tenant_id", job.TenantID), zap.String("generation_id", job.ID))

	g, err := s.deps.Repo.GetGeneration(ctx, job.ID)
	if errors.Is(err, db.ErrNotFound) {
		log.Warn("dropping job for unknown generation")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: load generation: %w", errNotStarted, err)
	}
	if g.Status.Terminal() {
		log.Info("generation already terminal, skipping", zap.String("status", string(g.Status)))
		return nil
	}

	start := s.now()
	var providerDur time.Duration
	cfg := &retry.Config{
		MaxAttempts:       s.opts.MaxAttempts,
		InitialBackoff:    s.opts.Backoff,
		MaxBackoff:        8 * s.opts.Backoff,
		BackoffMultiplier: 2,
		ShouldRetry:       apperr.Retryable,
		OnRetry:           func(int, error) { metrics.ObserveQueueJob("retried") },
	}

	res, err := retry.Do(ctx, cfg, log, "generate", func(ctx context.Context, attempt int) (*provider.Result, error) {
		if _, err := s.deps.Repo.BeginAttempt(ctx, job.ID); err != nil {
			var invalid *models.ErrInvalidTransition
			if errors.As(err, &invalid) {
				return nil, errTerminal
			}
			return nil, apperr.Internal(err)
		}
		res, d, err := s.callProvider(ctx, job.PersonImage, job.Garments)
		providerDur = d
		return res, err
	})
	total := s.now().Sub(start)

	if errors.Is(err, errTerminal) {
		log.Info("generation finished elsewhere, skipping")
		return nil
	}
	if err != nil {
		s.fail(ctx, log, g, err, total)
		metrics.ObserveQueueJob("failed")
		return err
	}

	s.complete(ctx, log, g, res.ImageURL, total, providerDur)
	metrics.ObserveQueueJob("completed")
	return nil
}

// callProvider bounds the provider call with the configured timeout and
// normalizes its error to a provider or timeout error.
func (s *Service) callProvider(ctx context.Context, person string, garments []string) (*provider.Result, time.Duration, error) {
	pctx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	defer cancel()

	start := s.now()
	res, err := s.deps.Provider.Generate(pctx, provider.Request{
		PersonImageURL:   person,
		GarmentImageURLs: garments,
	})
	elapsed := s.now().Sub(start)

	if err != nil {
		if errors.Is(pctx.Err(), context.DeadlineExceeded) && !apperr.Is(err, apperr.KindTimeout) {
			err = apperr.Timeout(s.opts.ProviderTimeout, err)
		} else if !apperr.IsProvider(err) {
			err = apperr.Provider(0, "", err)
		}
		metrics.ObserveProvider("error", elapsed)
		return nil, elapsed, err
	}

	metrics.ObserveProvider("success", elapsed)
	return res, elapsed, nil
}

func (s *Service) complete(ctx context.Context, log *zap.Logger, g *models.Generation, url string, total, providerDur time.Duration) {
	if err := s.deps.Repo.CompleteGeneration(ctx, g.ID, url, total, providerDur); err != nil {
		log.Error("failed to mark generation completed", zap.Error(err))
	}
	if err := s.deps.Cache.Set(ctx, g.InputsHash, url, g.TenantID, s.deps.Provider.Name(), s.opts.CacheTTL); err != nil {
		log.Warn("failed to cache result", zap.Error(err))
	}
	s.deps.Metrics.Record(ctx, g.TenantID, s.opts.Model, models.MetricStatusSuccess, total, nil)

	log.Info("generation completed",
		zap.Duration("total", total),
		zap.Duration("provider", providerDur),
	)
}

func (s *Service) fail(ctx context.Context, log *zap.Logger, g *models.Generation, cause error, total time.Duration) {
	if err := s.deps.Repo.FailGeneration(ctx, g.ID, cause.Error(), total); err != nil {
		log.Error("failed to mark generation failed", zap.Error(err))
	}
	s.deps.Metrics.Record(ctx, g.TenantID, s.opts.Model, models.MetricStatusFailed, total, cause)

	log.Warn("generation failed",
		zap.String("kind", apperr.KindOf(cause).String()),
		zap.Duration("total", total),
		zap.Error(cause),
	)
}
