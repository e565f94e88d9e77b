package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/metrics"
	"github.com/HanTheDev/tryon-gateway/internal/queue"
	"go.uber.org/zap"
)

const popTimeout = 5 * time.Second

// RunWorkers consumes the queue with n workers until ctx is cancelled. A job
// already taken is finished even after cancellation.
func (s *Service) RunWorkers(ctx context.Context, n int) error {
	if s.deps.Queue == nil {
		return errors.New("no queue configured")
	}
	if n <= 0 {
		n = 1
	}

	s.logger.Info("generation workers started", zap.Int("workers", n))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()

	s.logger.Info("generation workers stopped")
	return nil
}

func (s *Service) workerLoop(ctx context.Context, id int) {
	log := s.logger.With(zap.Int("worker", id))

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := s.deps.Queue.Pop(ctx, popTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to pop job", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := s.Process(context.WithoutCancel(ctx), job); err != nil {
			log.Warn("job failed", zap.String("generation_id", job.ID), zap.Error(err))
			if errors.Is(err, errNotStarted) {
				s.requeue(ctx, log, job, err)
			}
		}
	}
}

// requeue pushes a job that could not start back onto the queue after a
// linear backoff. Once the job has been tried MaxAttempts times, or the push
// fails, the generation is marked ERROR so it never stays QUEUED.
func (s *Service) requeue(ctx context.Context, log *zap.Logger, job *queue.Job, cause error) {
	log = log.With(zap.String("generation_id", job.ID), zap.Int("requeues", job.Requeues))

	if job.Requeues+1 >= s.opts.MaxAttempts {
		s.abandon(ctx, log, job, "could not start: "+cause.Error())
		return
	}

	job.Requeues++
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(job.Requeues) * s.opts.Backoff):
	}

	if err := s.deps.Queue.Push(context.WithoutCancel(ctx), job); err != nil {
		log.Error("failed to requeue job", zap.Error(err))
		s.abandon(ctx, log, job, "could not requeue: "+err.Error())
		return
	}
	metrics.ObserveQueueJob("requeued")
	log.Info("job requeued")
}

func (s *Service) abandon(ctx context.Context, log *zap.Logger, job *queue.Job, reason string) {
	metrics.ObserveQueueJob("failed")
	if err := s.deps.Repo.FailGeneration(context.WithoutCancel(ctx), job.ID, reason, 0); err != nil {
		// Left for the stale sweep.
		log.Error("failed to mark generation as failed", zap.Error(err))
		return
	}
	log.Warn("generation abandoned", zap.String("reason", reason))
}
