package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRetention struct {
	mu           sync.Mutex
	calls        int
	cutoffs      []time.Time
	staleCutoffs []time.Time
	cacheErr     error
}

func (f *fakeRetention) DeleteExpiredRateLimits(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 3, nil
}

func (f *fakeRetention) DeleteExpiredCacheEntries(context.Context) (int64, error) {
	if f.cacheErr != nil {
		return 0, f.cacheErr
	}
	return 2, nil
}

func (f *fakeRetention) DeleteCompletedGenerationsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 7, nil
}

func (f *fakeRetention) FailStaleGenerations(_ context.Context, cutoff time.Time, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleCutoffs = append(f.staleCutoffs, cutoff)
	return 1, nil
}

func (f *fakeRetention) sweeps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSweep(t *testing.T) {
	store := &fakeRetention{}
	s := NewSweeper(store, 30, time.Hour, time.Hour, zap.NewNop())
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	res, err := s.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RateLimits)
	assert.Equal(t, int64(2), res.CacheEntries)
	assert.Equal(t, int64(7), res.Generations)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), res.Cutoff)
	assert.Equal(t, []time.Time{res.Cutoff}, store.cutoffs)
	assert.Equal(t, int64(1), res.Stale)
	assert.Equal(t, []time.Time{now.Add(-time.Hour)}, store.staleCutoffs)
}

func TestSweep_StalePassDisabled(t *testing.T) {
	store := &fakeRetention{}
	s := NewSweeper(store, 30, time.Hour, 0, zap.NewNop())

	res, err := s.Sweep(context.Background())

	require.NoError(t, err)
	assert.Zero(t, res.Stale)
	assert.Empty(t, store.staleCutoffs)
}

func TestSweep_ContinuesAfterFailure(t *testing.T) {
	boom := errors.New("relation cache_entries does not exist")
	store := &fakeRetention{cacheErr: boom}
	s := NewSweeper(store, 30, time.Hour, time.Hour, zap.NewNop())

	res, err := s.Sweep(context.Background())

	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(3), res.RateLimits)
	assert.Equal(t, int64(7), res.Generations, "generation retention must still run")
}

func TestStart_SweepsUntilCancelled(t *testing.T) {
	store := &fakeRetention{}
	s := NewSweeper(store, 30, 10*time.Millisecond, 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.sweeps() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
