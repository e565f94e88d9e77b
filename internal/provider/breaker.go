package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/apperr"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Breaker stops calling a provider that keeps failing and gives it time to
// recover. Client errors (4xx) do not count as failures.
type Breaker struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func NewBreaker(next Provider, s BreakerSettings, logger *zap.Logger) *Breaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var e *apperr.Error
			if errors.As(err, &e) && e.Kind == apperr.KindProvider {
				return e.ProviderStatus >= 400 && e.ProviderStatus < 500
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Name() string {
	return b.next.Name()
}

func (b *Breaker) Generate(ctx context.Context, req Request) (*Result, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Generate(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperr.Provider(http.StatusServiceUnavailable, "", err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*Result), nil
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
