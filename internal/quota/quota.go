// Package quota enforces each tenant's lifetime generation limit.
package quota

import (
	"context"
	"fmt"

	"github.com/HanTheDev/tryon-gateway/internal/models"
)

// GenerationCounter returns the authoritative number of generations a
// tenant has issued.
type GenerationCounter interface {
	CountGenerations(ctx context.Context, tenantID string) (int, error)
}

type Guard struct {
	counter GenerationCounter
}

func NewGuard(counter GenerationCounter) *Guard {
	return &Guard{counter: counter}
}

// HasQuota is true when the tenant is unlimited (limit <= 0) or has issued
// fewer generations than its limit. The count is read on every call.
func (g *Guard) HasQuota(ctx context.Context, tenant *models.Tenant) (bool, error) {
	if tenant.Limit <= 0 {
		return true, nil
	}

	count, err := g.counter.CountGenerations(ctx, tenant.ID)
	if err != nil {
		return false, fmt.Errorf("count generations for %s: %w", tenant.ID, err)
	}
	return count < tenant.Limit, nil
}
