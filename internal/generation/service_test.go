package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/apperr"
	"github.com/HanTheDev/tryon-gateway/internal/auth"
	"github.com/HanTheDev/tryon-gateway/internal/cache"
	"github.com/HanTheDev/tryon-gateway/internal/config"
	"github.com/HanTheDev/tryon-gateway/internal/db"
	"github.com/HanTheDev/tryon-gateway/internal/models"
	"github.com/HanTheDev/tryon-gateway/internal/origin"
	"github.com/HanTheDev/tryon-gateway/internal/provider"
	"github.com/HanTheDev/tryon-gateway/internal/queue"
	"github.com/HanTheDev/tryon-gateway/internal/quota"
	"github.com/HanTheDev/tryon-gateway/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memRepo stands in for *db.DB across every interface the pipeline uses.
type memRepo struct {
	mu          sync.Mutex
	tenants     map[string]*models.Tenant
	domains     map[string][]string
	generations map[string]*models.Generation
}

func newMemRepo() *memRepo {
	return &memRepo{
		tenants:     map[string]*models.Tenant{},
		domains:     map[string][]string{},
		generations: map[string]*models.Generation{},
	}
}

func (r *memRepo) addTenant(t *models.Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[t.APIKey] = t
	r.domains[t.ID] = t.AllowedOrigins
}

func (r *memRepo) GetTenantByAPIKey(_ context.Context, key string) (*models.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[key]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memRepo) ListAllowedOrigins(_ context.Context, tenantID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.domains[tenantID], nil
}

func (r *memRepo) CountGenerations(_ context.Context, tenantID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, g := range r.generations {
		if g.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) CreateGeneration(_ context.Context, g *models.Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g.CreatedAt = time.Now()
	cp := *g
	r.generations[g.ID] = &cp
	return nil
}

func (r *memRepo) GetGeneration(_ context.Context, id string) (*models.Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.generations[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (r *memRepo) transition(id string, to models.GenerationStatus, apply func(*models.Generation)) (*models.Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.generations[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	retry := g.Status == models.StatusProcessing && to == models.StatusProcessing
	if !retry && !g.Status.CanTransition(to) {
		return nil, &models.ErrInvalidTransition{From: g.Status, To: to}
	}
	g.Status = to
	apply(g)
	cp := *g
	return &cp, nil
}

func (r *memRepo) BeginAttempt(_ context.Context, id string) (*models.Generation, error) {
	return r.transition(id, models.StatusProcessing, func(g *models.Generation) { g.Attempts++ })
}

func (r *memRepo) CompleteGeneration(_ context.Context, id, url string, total, providerDur time.Duration) error {
	_, err := r.transition(id, models.StatusCompleted, func(g *models.Generation) {
		g.ResultURL = &url
		ms, pms := total.Milliseconds(), providerDur.Milliseconds()
		g.DurationMs, g.ProviderDuration = &ms, &pms
	})
	return err
}

func (r *memRepo) FailGeneration(_ context.Context, id, msg string, total time.Duration) error {
	_, err := r.transition(id, models.StatusError, func(g *models.Generation) {
		g.Error = &msg
		ms := total.Milliseconds()
		g.DurationMs = &ms
	})
	return err
}

func (r *memRepo) only(t *testing.T) *models.Generation {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.generations, 1)
	for _, g := range r.generations {
		cp := *g
		return &cp
	}
	return nil
}

type fakeProvider struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	block     bool
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()

	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n <= p.failFirst {
		return nil, apperr.Provider(http.StatusBadGateway, "upstream unavailable", errors.New("fal status 502"))
	}
	return &provider.Result{ImageURL: fmt.Sprintf("https://cdn.example/result-%d.png", n)}, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (f *fakeRecorder) Record(_ context.Context, _, _, status string, _ time.Duration, _ error) {
	f.mu.Lock()
	f.statuses = append(f.statuses, status)
	f.mu.Unlock()
}

func (f *fakeRecorder) Statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

type harness struct {
	svc      *Service
	repo     *memRepo
	provider *fakeProvider
	recorder *fakeRecorder
	queue    *queue.MemoryQueue
}

func newHarness(t *testing.T, mutate func(*Options, *Deps)) *harness {
	t.Helper()
	logger := zap.NewNop()

	repo := newMemRepo()
	repo.addTenant(&models.Tenant{ID: "t-shop", APIKey: "tryon_shop", Active: true, Tier: "standard", AllowedOrigins: []string{"shop.com"}})
	repo.addTenant(&models.Tenant{ID: "t-old", APIKey: "tryon_old", Active: false})
	repo.addTenant(&models.Tenant{ID: "t-one", APIKey: "tryon_one", Active: true, Limit: 1})
	repo.addTenant(&models.Tenant{ID: "t-other", APIKey: "tryon_other", Active: true})

	h := &harness{
		repo:     repo,
		provider: &fakeProvider{},
		recorder: &fakeRecorder{},
		queue:    queue.NewMemoryQueue(),
	}

	deps := Deps{
		Auth:     auth.NewAuthenticator(repo, logger),
		Origins:  origin.NewGuard(repo, logger),
		Limiter:  ratelimit.NewRateLimiter(ratelimit.NewMemoryStore(nil), logger),
		Quota:    quota.NewGuard(repo),
		Cache:    cache.New(cache.NewMemoryStore(), time.Hour, logger),
		Repo:     repo,
		Metrics:  h.recorder,
		Provider: h.provider,
		Queue:    h.queue,
	}
	opts := Options{
		Mode:            config.ModeSync,
		ProviderTimeout: time.Second,
		Model:           "fal-ai/test",
		MaxAttempts:     3,
		Backoff:         time.Millisecond,
		DefaultTier:     ratelimit.Tier{Name: "standard", PerMinute: 100},
	}
	if mutate != nil {
		mutate(&opts, &deps)
	}

	svc, err := NewService(deps, opts, logger)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func validRequest() Request {
	return Request{
		APIKey:      "tryon_shop",
		Origin:      "https://www.shop.com",
		PersonImage: "https://img.example/person.png",
		Garments:    []string{"https://img.example/shirt.png", "https://img.example/pants.png"},
	}
}

func TestGenerate_FirstRequestCallsProvider(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.svc.Generate(context.Background(), validRequest())
	require.NoError(t, err)

	assert.False(t, res.Cached)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, "https://cdn.example/result-1.png", res.ResultURL)
	assert.NotEmpty(t, res.GenerationID)
	assert.Equal(t, 1, h.provider.Calls())

	g := h.repo.only(t)
	assert.Equal(t, models.StatusCompleted, g.Status)
	require.NotNil(t, g.ResultURL)
	assert.Equal(t, res.ResultURL, *g.ResultURL)
	assert.Equal(t, 1, g.Attempts)
	assert.Equal(t, []string{models.MetricStatusSuccess}, h.recorder.Statuses())
}

func TestGenerate_ReplayIsServedFromCache(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.svc.Generate(ctx, validRequest())
	require.NoError(t, err)

	replay := validRequest()
	replay.Garments = []string{replay.Garments[1], replay.Garments[0]}
	second, err := h.svc.Generate(ctx, replay)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.ResultURL, second.ResultURL)
	assert.Equal(t, 1, h.provider.Calls())
	assert.Equal(t, []string{models.MetricStatusSuccess, models.MetricStatusCached}, h.recorder.Statuses())
}

func TestGenerate_CacheIsPerTenant(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Generate(ctx, validRequest())
	require.NoError(t, err)

	other := validRequest()
	other.APIKey = "tryon_other"
	res, err := h.svc.Generate(ctx, other)
	require.NoError(t, err)

	assert.False(t, res.Cached)
	assert.Equal(t, 2, h.provider.Calls())
}

func TestGenerate_DeactivatedTenant(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.APIKey = "tryon_old"

	_, err := h.svc.Generate(context.Background(), req)

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindAuth, appErr.Kind)
	assert.Equal(t, apperr.ReasonDeactivated, appErr.Reason)
	assert.Equal(t, http.StatusUnauthorized, apperr.HTTPStatus(err))
	assert.Zero(t, h.provider.Calls())
}

func TestGenerate_QuotaExhausted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := validRequest()
	req.APIKey = "tryon_one"

	_, err := h.svc.Generate(ctx, req)
	require.NoError(t, err)

	req.Garments = []string{"https://img.example/hat.png"}
	_, err = h.svc.Generate(ctx, req)
	assert.True(t, apperr.Is(err, apperr.KindQuota))
	assert.Equal(t, http.StatusForbidden, apperr.HTTPStatus(err))
	assert.Equal(t, 1, h.provider.Calls())
}

func TestGenerate_ProviderTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) {
		o.ProviderTimeout = 20 * time.Millisecond
	})
	h.provider.block = true

	_, err := h.svc.Generate(context.Background(), validRequest())
	assert.True(t, apperr.Is(err, apperr.KindTimeout))
	assert.Equal(t, http.StatusInternalServerError, apperr.HTTPStatus(err))

	g := h.repo.only(t)
	assert.Equal(t, models.StatusError, g.Status)
	require.NotNil(t, g.Error)
	assert.Contains(t, *g.Error, "Timeout")
	assert.Equal(t, []string{models.MetricStatusFailed}, h.recorder.Statuses())
}

func TestGenerate_ProviderErrorIsNotRetriedInSyncMode(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.failFirst = 1

	_, err := h.svc.Generate(context.Background(), validRequest())
	assert.True(t, apperr.Is(err, apperr.KindProvider))
	assert.Equal(t, 1, h.provider.Calls())
	assert.Equal(t, models.StatusError, h.repo.only(t).Status)
}

func TestGenerate_Validation(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name  string
		edit  func(*Request)
		field string
	}{
		{"no person", func(r *Request) { r.PersonImage = "" }, "personImage"},
		{"no garments", func(r *Request) { r.Garments = nil }, "garments"},
		{"too many garments", func(r *Request) { r.Garments = []string{"a", "b", "c", "d"} }, "garments"},
		{"blank garment", func(r *Request) { r.Garments = []string{"a", " "} }, "garments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.edit(&req)

			_, err := h.svc.Generate(context.Background(), req)
			var appErr *apperr.Error
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, apperr.KindValidation, appErr.Kind)
			assert.Equal(t, tt.field, appErr.Field)
		})
	}
	assert.Zero(t, h.provider.Calls())
}

func TestGenerate_ThreeGarmentsAccepted(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.Garments = []string{"a", "b", "c"}

	_, err := h.svc.Generate(context.Background(), req)
	require.NoError(t, err)
}

func TestGenerate_GuardOrder(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) {
		o.DefaultTier.PerMinute = 1
	})
	ctx := context.Background()

	bad := validRequest()
	bad.APIKey = "tryon_old"
	bad.Origin = "https://evil.com"
	_, err := h.svc.Generate(ctx, bad)
	assert.True(t, apperr.Is(err, apperr.KindAuth), "auth runs before origin")

	bad = validRequest()
	bad.Origin = "https://evil.com"
	_, err = h.svc.Generate(ctx, bad)
	assert.True(t, apperr.Is(err, apperr.KindOrigin))

	_, err = h.svc.Generate(ctx, validRequest())
	require.NoError(t, err, "origin rejection must not consume the rate limit")

	_, err = h.svc.Generate(ctx, validRequest())
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindRateLimit, appErr.Kind)
	assert.True(t, appErr.RetryAfter >= time.Second)
	assert.Equal(t, 1, h.provider.Calls())
}

func TestGenerate_OriginlessCallAllowed(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.Origin = ""

	_, err := h.svc.Generate(context.Background(), req)
	require.NoError(t, err)
}

type brokenCacheStore struct{}

func (brokenCacheStore) Get(context.Context, string, string) (*models.CacheEntry, error) {
	return nil, errors.New("redis down")
}

func (brokenCacheStore) Put(context.Context, *models.CacheEntry) error {
	return errors.New("redis down")
}

func (brokenCacheStore) Delete(context.Context, string, string) error { return nil }

func TestGenerate_CacheFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, func(_ *Options, d *Deps) {
		d.Cache = cache.New(brokenCacheStore{}, time.Hour, zap.NewNop())
	})

	res, err := h.svc.Generate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, models.StatusCompleted, h.repo.only(t).Status)
}

func TestGenerate_TruncatesStoredInputs(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.PersonImage = "data:image/png;base64," + strings.Repeat("A", 500)

	_, err := h.svc.Generate(context.Background(), req)
	require.NoError(t, err)

	g := h.repo.only(t)
	assert.Len(t, g.PersonImageURL, 200)
	assert.Equal(t, req.Garments, g.GarmentURLs)
}

func TestGenerate_Queued(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) {
		o.Mode = config.ModeQueued
	})
	ctx := context.Background()

	res, err := h.svc.Generate(ctx, validRequest())
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, models.StatusQueued, res.Status)
	assert.Zero(t, h.provider.Calls())

	g, err := h.svc.Status(ctx, "tryon_shop", res.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, g.Status)

	job, err := h.queue.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, res.GenerationID, job.ID)
	assert.Equal(t, validRequest().PersonImage, job.PersonImage)

	require.NoError(t, h.svc.Process(ctx, job))

	g, err = h.svc.Status(ctx, "tryon_shop", res.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, g.Status)
	assert.Equal(t, 1, g.Attempts)

	replay, err := h.svc.Generate(ctx, validRequest())
	require.NoError(t, err)
	assert.True(t, replay.Cached)
}

func queuedJob(t *testing.T, h *harness) *queue.Job {
	t.Helper()
	res, err := h.svc.Generate(context.Background(), validRequest())
	require.NoError(t, err)
	job, err := h.queue.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, res.GenerationID, job.ID)
	return job
}

func TestProcess_RetriesWithBackoff(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.Mode = config.ModeQueued })
	h.provider.failFirst = 2
	job := queuedJob(t, h)

	require.NoError(t, h.svc.Process(context.Background(), job))

	g := h.repo.only(t)
	assert.Equal(t, models.StatusCompleted, g.Status)
	assert.Equal(t, 3, g.Attempts)
	assert.Equal(t, 3, h.provider.Calls())
}

func TestProcess_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.Mode = config.ModeQueued })
	h.provider.failFirst = 10
	job := queuedJob(t, h)

	err := h.svc.Process(context.Background(), job)
	assert.True(t, apperr.IsProvider(err))

	g := h.repo.only(t)
	assert.Equal(t, models.StatusError, g.Status)
	assert.Equal(t, 3, g.Attempts)
	assert.Equal(t, []string{models.MetricStatusFailed}, h.recorder.Statuses())
}

func TestProcess_TerminalGenerationIsNoOp(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.Mode = config.ModeQueued })
	job := queuedJob(t, h)
	ctx := context.Background()

	require.NoError(t, h.svc.Process(ctx, job))
	before := h.repo.only(t)

	require.NoError(t, h.svc.Process(ctx, job))
	after := h.repo.only(t)

	assert.Equal(t, 1, h.provider.Calls())
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, *before.ResultURL, *after.ResultURL)

	err := h.repo.FailGeneration(ctx, job.ID, "late failure", 0)
	var invalid *models.ErrInvalidTransition
	assert.ErrorAs(t, err, &invalid)
}

func TestStatus_OtherTenantSeesNotFound(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.svc.Generate(ctx, validRequest())
	require.NoError(t, err)

	_, err = h.svc.Status(ctx, "tryon_other", res.GenerationID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = h.svc.Status(ctx, "tryon_shop", "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = h.svc.Status(ctx, "", res.GenerationID)
	assert.True(t, apperr.Is(err, apperr.KindAuth))
}

// uuidRepo rejects ids the way a uuid column does.
type uuidRepo struct{ *memRepo }

func (r uuidRepo) GetGeneration(ctx context.Context, id string) (*models.Generation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.New(`invalid input syntax for type uuid: "` + id + `"`)
	}
	return r.memRepo.GetGeneration(ctx, id)
}

func TestStatus_MalformedIDIsNotFound(t *testing.T) {
	h := newHarness(t, func(_ *Options, d *Deps) { d.Repo = uuidRepo{d.Repo.(*memRepo)} })

	_, err := h.svc.Status(context.Background(), "tryon_shop", "not-a-uuid")

	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Equal(t, http.StatusNotFound, apperr.HTTPStatus(err))
}

func TestRunWorkers(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.Mode = config.ModeQueued })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.svc.RunWorkers(ctx, 2) }()

	res, err := h.svc.Generate(context.Background(), validRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		g, err := h.svc.Status(context.Background(), "tryon_shop", res.GenerationID)
		return err == nil && g.Status == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("workers did not stop")
	}
}

// flakyRepo fails the first failLoads GetGeneration calls.
type flakyRepo struct {
	*memRepo
	mu        sync.Mutex
	failLoads int
}

func (r *flakyRepo) GetGeneration(ctx context.Context, id string) (*models.Generation, error) {
	r.mu.Lock()
	fail := r.failLoads > 0
	if fail {
		r.failLoads--
	}
	r.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return r.memRepo.GetGeneration(ctx, id)
}

func runWorkersUntil(t *testing.T, h *harness, id string, want models.GenerationStatus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.RunWorkers(ctx, 1) }()

	require.Eventually(t, func() bool {
		g, err := h.repo.GetGeneration(context.Background(), id)
		return err == nil && g.Status == want
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestRunWorkers_RequeuesJobThatCouldNotStart(t *testing.T) {
	repo := &flakyRepo{failLoads: 1}
	h := newHarness(t, func(o *Options, d *Deps) {
		o.Mode = config.ModeQueued
		repo.memRepo = d.Repo.(*memRepo)
		d.Repo = repo
	})

	res, err := h.svc.Generate(context.Background(), validRequest())
	require.NoError(t, err)

	runWorkersUntil(t, h, res.GenerationID, models.StatusCompleted)
	assert.Equal(t, 1, h.provider.Calls())
	n, err := h.queue.Length(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunWorkers_FailsJobThatNeverStarts(t *testing.T) {
	repo := &flakyRepo{failLoads: 100}
	h := newHarness(t, func(o *Options, d *Deps) {
		o.Mode = config.ModeQueued
		repo.memRepo = d.Repo.(*memRepo)
		d.Repo = repo
	})

	res, err := h.svc.Generate(context.Background(), validRequest())
	require.NoError(t, err)

	runWorkersUntil(t, h, res.GenerationID, models.StatusError)
	assert.Zero(t, h.provider.Calls())

	g := h.repo.only(t)
	require.NotNil(t, g.Error)
	assert.Contains(t, *g.Error, "could not start")
}

func TestNewService_QueuedNeedsQueue(t *testing.T) {
	_, err := NewService(Deps{}, Options{Mode: config.ModeQueued}, zap.NewNop())
	assert.Error(t, err)
}
