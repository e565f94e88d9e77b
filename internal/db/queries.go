package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const tenantColumns = `
        t.id, t.name, t.email, t.api_key, t.active, t.generation_limit, t.tier, t.created_at, t.updated_at,
        (SELECT COUNT(*) FROM generations g WHERE g.tenant_id = t.id),
        COALESCE((SELECT array_agg(d.domain ORDER BY d.domain) FROM allowed_domains d WHERE d.tenant_id = t.id), '{}')
`

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var tenant models.Tenant
	var email *string
	err := row.Scan(
		&tenant.ID,
		&tenant.Name,
		&email,
		&tenant.APIKey,
		&tenant.Active,
		&tenant.Limit,
		&tenant.Tier,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
		&tenant.UsageCount,
		&tenant.AllowedOrigins,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if email != nil {
		tenant.Email = *email
	}
	return &tenant, nil
}

func (db *DB) GetTenantByAPIKey(ctx context.Context, apiKey string) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants t WHERE t.api_key = $1`
	return scanTenant(db.Pool.QueryRow(ctx, query, apiKey))
}

func (db *DB) GetTenantByID(ctx context.Context, id string) (*models.Tenant, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	query := `SELECT ` + tenantColumns + ` FROM tenants t WHERE t.id = $1`
	return scanTenant(db.Pool.QueryRow(ctx, query, id))
}

func (db *DB) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants t ORDER BY t.created_at DESC`

	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tenants := []*models.Tenant{}
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

// CreateTenant inserts the tenant and its allowed domains in one transaction.
// ID and timestamps are filled in on success.
func (db *DB) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.NewString()
	}
	if tenant.Tier == "" {
		tenant.Tier = "standard"
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var email *string
	if tenant.Email != "" {
		email = &tenant.Email
	}

	query := `
        INSERT INTO tenants (id, name, email, api_key, active, generation_limit, tier)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING created_at, updated_at
    `
	err = tx.QueryRow(ctx, query,
		tenant.ID,
		tenant.Name,
		email,
		tenant.APIKey,
		tenant.Active,
		tenant.Limit,
		tenant.Tier,
	).Scan(&tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}

	if err := replaceDomains(ctx, tx, tenant.ID, tenant.AllowedOrigins); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// UpdateTenant changes the mutable tenant fields. The API key is never
// touched after creation.
func (db *DB) UpdateTenant(ctx context.Context, id string, update models.TenantUpdate) error {
	if !validID(id) {
		return ErrNotFound
	}
	sets := []string{"updated_at = NOW()"}
	args := []any{id}

	if update.Active != nil {
		args = append(args, *update.Active)
		sets = append(sets, fmt.Sprintf("active = $%d", len(args)))
	}
	if update.Limit != nil {
		args = append(args, *update.Limit)
		sets = append(sets, fmt.Sprintf("generation_limit = $%d", len(args)))
	}
	if update.Tier != nil {
		args = append(args, *update.Tier)
		sets = append(sets, fmt.Sprintf("tier = $%d", len(args)))
	}

	query := `UPDATE tenants SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	tag, err := db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) SetAllowedOrigins(ctx context.Context, tenantID string, domains []string) error {
	if !validID(tenantID) {
		return ErrNotFound
	}
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`, tenantID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM allowed_domains WHERE tenant_id = $1`, tenantID); err != nil {
		return err
	}
	if err := replaceDomains(ctx, tx, tenantID, domains); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func replaceDomains(ctx context.Context, tx pgx.Tx, tenantID string, domains []string) error {
	for _, domain := range domains {
		_, err := tx.Exec(ctx,
			`INSERT INTO allowed_domains (tenant_id, domain) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			tenantID, domain,
		)
		if err != nil {
			return fmt.Errorf("insert domain %q: %w", domain, err)
		}
	}
	return nil
}

func (db *DB) ListAllowedOrigins(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `SELECT domain FROM allowed_domains WHERE tenant_id = $1 ORDER BY domain`, tenantID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// DeleteTenant removes the tenant; generations, domains, metrics and cache
// entries go with it through ON DELETE CASCADE.
func (db *DB) DeleteTenant(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := db.Pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) HitRateLimit(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	query := `
        INSERT INTO rate_limits (key, count, window_start, expires_at)
        VALUES ($1, 1, NOW(), NOW() + make_interval(secs => $2))
        ON CONFLICT (key) DO UPDATE SET
            count        = CASE WHEN rate_limits.expires_at <= NOW() THEN 1 ELSE rate_limits.count + 1 END,
            window_start = CASE WHEN rate_limits.expires_at <= NOW() THEN NOW() ELSE rate_limits.window_start END,
            expires_at   = CASE WHEN rate_limits.expires_at <= NOW() THEN NOW() + make_interval(secs => $2) ELSE rate_limits.expires_at END
        RETURNING count, expires_at
    `

	var count int64
	var expiresAt time.Time
	err := db.Pool.QueryRow(ctx, query, key, window.Seconds()).Scan(&count, &expiresAt)
	return count, expiresAt, err
}

func (db *DB) DeleteExpiredRateLimits(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM rate_limits WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *DB) GetCacheEntry(ctx context.Context, inputsHash, tenantID string) (*models.CacheEntry, error) {
	query := `
        SELECT inputs_hash, tenant_id, result_url, provider, created_at, expires_at
        FROM cache_entries
        WHERE inputs_hash = $1 AND tenant_id = $2
    `

	var entry models.CacheEntry
	err := db.Pool.QueryRow(ctx, query, inputsHash, tenantID).Scan(
		&entry.InputsHash,
		&entry.TenantID,
		&entry.ResultURL,
		&entry.Provider,
		&entry.CreatedAt,
		&entry.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (db *DB) StoreCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	query := `
        INSERT INTO cache_entries (inputs_hash, tenant_id, result_url, provider, created_at, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (tenant_id, inputs_hash) DO UPDATE
        SET result_url = EXCLUDED.result_url,
            provider   = EXCLUDED.provider,
            created_at = EXCLUDED.created_at,
            expires_at = EXCLUDED.expires_at
    `

	_, err := db.Pool.Exec(ctx, query,
		entry.InputsHash,
		entry.TenantID,
		entry.ResultURL,
		entry.Provider,
		entry.CreatedAt,
		entry.ExpiresAt,
	)
	return err
}

func (db *DB) DeleteCacheEntry(ctx context.Context, inputsHash, tenantID string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM cache_entries WHERE inputs_hash = $1 AND tenant_id = $2`, inputsHash, tenantID)
	return err
}

func (db *DB) DeleteExpiredCacheEntries(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type CacheStats struct {
	TotalEntries   int64 `json:"total_entries"`
	ExpiredEntries int64 `json:"expired_entries"`
	Tenants        int64 `json:"tenants"`
}

func (db *DB) GetCacheStats(ctx context.Context) (*CacheStats, error) {
	query := `
        SELECT COUNT(*),
               COUNT(*) FILTER (WHERE expires_at <= NOW()),
               COUNT(DISTINCT tenant_id)
        FROM cache_entries
    `

	var stats CacheStats
	if err := db.Pool.QueryRow(ctx, query).Scan(&stats.TotalEntries, &stats.ExpiredEntries, &stats.Tenants); err != nil {
		return nil, err
	}
	return &stats, nil
}
