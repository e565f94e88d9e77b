package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/HanTheDev/tryon-gateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	counts map[string]int
	calls  int
	err    error
}

func (f *fakeCounter) CountGenerations(_ context.Context, tenantID string) (int, error) {
	f.calls++
	return f.counts[tenantID], f.err
}

func TestHasQuota(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{"t": 3}}
	g := NewGuard(counter)
	ctx := context.Background()

	tests := []struct {
		name  string
		limit int
		want  bool
	}{
		{"under limit", 4, true},
		{"at limit", 3, false},
		{"over limit", 2, false},
		{"zero is unlimited", 0, true},
		{"negative is unlimited", -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := g.HasQuota(ctx, &models.Tenant{ID: "t", Limit: tt.limit})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestHasQuota_NthPlusOneRejected(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{}}
	g := NewGuard(counter)
	tenant := &models.Tenant{ID: "t", Limit: 5}

	for i := 0; i < 5; i++ {
		ok, err := g.HasQuota(context.Background(), tenant)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", i+1)
		counter.counts["t"]++
	}

	ok, err := g.HasQuota(context.Background(), tenant)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasQuota_UnlimitedSkipsCount(t *testing.T) {
	counter := &fakeCounter{err: errors.New("unreachable")}
	ok, err := NewGuard(counter).HasQuota(context.Background(), &models.Tenant{ID: "t"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, counter.calls)
}

func TestHasQuota_CountError(t *testing.T) {
	counter := &fakeCounter{err: errors.New("db down")}
	_, err := NewGuard(counter).HasQuota(context.Background(), &models.Tenant{ID: "t", Limit: 1})
	assert.ErrorContains(t, err, "db down")
}
