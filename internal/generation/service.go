// Package generation runs the admission pipeline for try-on requests and
// dispatches admitted requests to the image provider.
//
// Guards run in a fixed order, each cheaper than the next:
//
//	auth -> origin -> rate limit -> quota -> result cache -> provider
//
// The first failing guard short-circuits the request with its own error.
package generation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/apperr"
	"github.com/HanTheDev/tryon-gateway/internal/cache"
	"github.com/HanTheDev/tryon-gateway/internal/config"
	"github.com/HanTheDev/tryon-gateway/internal/db"
	"github.com/HanTheDev/tryon-gateway/internal/metrics"
	"github.com/HanTheDev/tryon-gateway/internal/models"
	"github.com/HanTheDev/tryon-gateway/internal/provider"
	"github.com/HanTheDev/tryon-gateway/internal/queue"
	"github.com/HanTheDev/tryon-gateway/internal/ratelimit"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MaxGarments     = 3
	storedInputSize = 200
)

type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*models.Tenant, error)
}

type OriginGuard interface {
	IsOriginAllowed(ctx context.Context, tenantID, origin string) bool
}

type RateLimiter interface {
	CheckTenant(ctx context.Context, tenantID string, tier ratelimit.Tier) ratelimit.Result
}

type QuotaGuard interface {
	HasQuota(ctx context.Context, tenant *models.Tenant) (bool, error)
}

type ResultCache interface {
	Get(ctx context.Context, hash, tenantID string) (string, bool, error)
	Set(ctx context.Context, hash, resultURL, tenantID, provider string, ttl time.Duration) error
}

type Repository interface {
	CreateGeneration(ctx context.Context, g *models.Generation) error
	GetGeneration(ctx context.Context, id string) (*models.Generation, error)
	BeginAttempt(ctx context.Context, id string) (*models.Generation, error)
	CompleteGeneration(ctx context.Context, id, resultURL string, duration, providerDuration time.Duration) error
	FailGeneration(ctx context.Context, id, message string, duration time.Duration) error
}

type MetricRecorder interface {
	Record(ctx context.Context, tenantID, model, status string, duration time.Duration, cause error)
}

type Options struct {
	Mode            string
	ProviderTimeout time.Duration
	CacheTTL        time.Duration
	Model           string
	MaxAttempts     int
	Backoff         time.Duration

	// DefaultTier applies to tenants whose tier has no fixed ceilings.
	DefaultTier ratelimit.Tier
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Mode:            cfg.AdmissionMode,
		ProviderTimeout: cfg.Provider.Timeout,
		CacheTTL:        cfg.CacheTTL,
		Model:           cfg.Provider.Model,
		MaxAttempts:     cfg.QueueMaxAttempts,
		Backoff:         cfg.QueueBackoff,
		DefaultTier: ratelimit.Tier{
			Name:      "standard",
			PerMinute: cfg.RateLimitPerMinute,
			PerDay:    cfg.RateLimitPerDay,
		},
	}
}

// Deps groups the collaborators. Queue may be nil in sync mode.
type Deps struct {
	Auth     Authenticator
	Origins  OriginGuard
	Limiter  RateLimiter
	Quota    QuotaGuard
	Cache    ResultCache
	Repo     Repository
	Metrics  MetricRecorder
	Provider provider.Provider
	Queue    queue.Queue
}

type Service struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func NewService(deps Deps, opts Options, logger *zap.Logger) (*Service, error) {
	if opts.Mode == "" {
		opts.Mode = config.ModeSync
	}
	if opts.Mode == config.ModeQueued && deps.Queue == nil {
		return nil, errors.New("queued admission mode requires a queue")
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	return &Service{deps: deps, opts: opts, logger: logger, now: time.Now}, nil
}

type Request struct {
	APIKey      string
	Origin      string
	PersonImage string
	Garments    []string
}

type Result struct {
	GenerationID string
	Status       models.GenerationStatus
	ResultURL    string
	Cached       bool
	Queued       bool
	TotalMs      int64
	ProviderMs   int64
}

// Validate checks the payload shape before any store is touched.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.PersonImage) == "" {
		return apperr.Validation("personImage", "person image is required")
	}
	if len(r.Garments) == 0 {
		return apperr.Validation("garments", "at least one garment image is required")
	}
	if len(r.Garments) > MaxGarments {
		return apperr.Validation("garments", "at most 3 garment images are allowed")
	}
	for _, g := range r.Garments {
		if strings.TrimSpace(g) == "" {
			return apperr.Validation("garments", "garment image references must not be empty")
		}
	}
	return nil
}

// Generate admits a request and, on a cache miss, dispatches it. Every
// returned error is an *apperr.Error.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	start := s.now()

	if err := req.Validate(); err != nil {
		return nil, s.reject(err)
	}

	tenant, err := s.deps.Auth.Authenticate(ctx, req.APIKey)
	if err != nil {
		return nil, s.reject(err)
	}
	log := s.logger.With(zap.String("tenant_id", tenant.ID))

	if !s.deps.Origins.IsOriginAllowed(ctx, tenant.ID, req.Origin) {
		log.Info("origin rejected", zap.String("origin", req.Origin))
		return nil, s.reject(apperr.Origin(req.Origin))
	}

	tier := ratelimit.ResolveTier(tenant.Tier, s.opts.DefaultTier)
	if rl := s.deps.Limiter.CheckTenant(ctx, tenant.ID, tier); !rl.Allowed {
		log.Info("rate limited", zap.String("tier", tier.Name), zap.Time("reset_at", rl.ResetAt))
		return nil, s.reject(apperr.RateLimited(rl.RetryAfter(s.now())))
	}

	ok, err := s.deps.Quota.HasQuota(ctx, tenant)
	if err != nil {
		// An unreadable count must not turn into a false rejection.
		log.Warn("quota check failed, admitting request", zap.Error(err))
	} else if !ok {
		return nil, s.reject(apperr.Quota(tenant.Limit))
	}

	hash := cache.Hash(req.PersonImage, req.Garments)
	url, hit, err := s.deps.Cache.Get(ctx, hash, tenant.ID)
	if err != nil {
		log.Warn("cache lookup failed, treating as miss", zap.Error(err))
	}
	if hit {
		elapsed := s.now().Sub(start)
		s.deps.Metrics.Record(ctx, tenant.ID, "cached", models.MetricStatusCached, elapsed, nil)
		log.Info("cache hit", zap.String("hash", hash))
		return &Result{
			Status:    models.StatusCompleted,
			ResultURL: url,
			Cached:    true,
			TotalMs:   elapsed.Milliseconds(),
		}, nil
	}

	if s.opts.Mode == config.ModeQueued {
		return s.dispatchAsync(ctx, tenant, req, hash)
	}
	// A dispatched generation runs to completion even if the caller goes away.
	return s.dispatchSync(context.WithoutCancel(ctx), tenant, req, hash, start)
}

// Status returns a generation owned by the tenant holding apiKey. Another
// tenant's generation is reported as not found.
func (s *Service) Status(ctx context.Context, apiKey, id string) (*models.Generation, error) {
	tenant, err := s.deps.Auth.Authenticate(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.NotFound("generation")
	}

	g, err := s.deps.Repo.GetGeneration(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("generation")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if g.TenantID != tenant.ID {
		return nil, apperr.NotFound("generation")
	}
	return g, nil
}

func (s *Service) reject(err error) error {
	metrics.ObserveRejection(apperr.KindOf(err).String())
	return err
}

func (s *Service) newGeneration(tenant *models.Tenant, req Request, hash string, status models.GenerationStatus) *models.Generation {
	garments := make([]string, len(req.Garments))
	for i, g := range req.Garments {
		garments[i] = truncate(g, storedInputSize)
	}
	g := &models.Generation{
		ID:             uuid.NewString(),
		TenantID:       tenant.ID,
		Status:         status,
		Model:          s.opts.Model,
		InputsHash:     hash,
		PersonImageURL: truncate(req.PersonImage, storedInputSize),
		GarmentURLs:    garments,
	}
	if status == models.StatusProcessing {
		now := s.now()
		g.StartedAt = &now
		g.Attempts = 1
	}
	return g
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
