package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/models"
	"github.com/jackc/pgx/v5"
)

const generationColumns = `
        id, tenant_id, status, model, inputs_hash, person_image_url, garment_urls, result_url, error,
        duration_ms, provider_duration_ms, attempts, created_at, started_at, completed_at
`

func scanGeneration(row pgx.Row) (*models.Generation, error) {
	var g models.Generation
	err := row.Scan(
		&g.ID,
		&g.TenantID,
		&g.Status,
		&g.Model,
		&g.InputsHash,
		&g.PersonImageURL,
		&g.GarmentURLs,
		&g.ResultURL,
		&g.Error,
		&g.DurationMs,
		&g.ProviderDuration,
		&g.Attempts,
		&g.CreatedAt,
		&g.StartedAt,
		&g.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

func (db *DB) CreateGeneration(ctx context.Context, g *models.Generation) error {
	query := `
        INSERT INTO generations (id, tenant_id, status, model, inputs_hash, person_image_url, garment_urls, attempts, started_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING created_at
    `

	return db.Pool.QueryRow(ctx, query,
		g.ID,
		g.TenantID,
		g.Status,
		g.Model,
		g.InputsHash,
		g.PersonImageURL,
		g.GarmentURLs,
		g.Attempts,
		g.StartedAt,
	).Scan(&g.CreatedAt)
}

func (db *DB) GetGeneration(ctx context.Context, id string) (*models.Generation, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = $1`
	return scanGeneration(db.Pool.QueryRow(ctx, query, id))
}

// BeginAttempt moves a QUEUED or PROCESSING generation into PROCESSING and
// counts the attempt. Terminal generations are left untouched.
func (db *DB) BeginAttempt(ctx context.Context, id string) (*models.Generation, error) {
	query := `
        UPDATE generations
        SET status = 'PROCESSING',
            attempts = attempts + 1,
            started_at = COALESCE(started_at, NOW())
        WHERE id = $1 AND status IN ('QUEUED', 'PROCESSING')
        RETURNING ` + generationColumns

	g, err := scanGeneration(db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, ErrNotFound) {
		return nil, db.transitionError(ctx, id, models.StatusProcessing)
	}
	return g, err
}

func (db *DB) CompleteGeneration(ctx context.Context, id, resultURL string, duration, providerDuration time.Duration) error {
	query := `
        UPDATE generations
        SET status = 'COMPLETED',
            result_url = $2,
            duration_ms = $3,
            provider_duration_ms = $4,
            completed_at = NOW()
        WHERE id = $1 AND status = 'PROCESSING'
    `

	tag, err := db.Pool.Exec(ctx, query, id, resultURL, duration.Milliseconds(), providerDuration.Milliseconds())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.transitionError(ctx, id, models.StatusCompleted)
	}
	return nil
}

func (db *DB) FailGeneration(ctx context.Context, id, message string, duration time.Duration) error {
	query := `
        UPDATE generations
        SET status = 'ERROR',
            error = $2,
            duration_ms = $3,
            completed_at = NOW()
        WHERE id = $1 AND status IN ('QUEUED', 'PROCESSING')
    `

	tag, err := db.Pool.Exec(ctx, query, id, message, duration.Milliseconds())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.transitionError(ctx, id, models.StatusError)
	}
	return nil
}

func (db *DB) transitionError(ctx context.Context, id string, to models.GenerationStatus) error {
	var status models.GenerationStatus
	err := db.Pool.QueryRow(ctx, `SELECT status FROM generations WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return &models.ErrInvalidTransition{From: status, To: to}
}

func (db *DB) CountGenerations(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM generations WHERE tenant_id = $1`, tenantID).Scan(&count)
	return count, err
}

// DeleteCompletedGenerationsBefore is the retention sweep. Only COMPLETED
// rows are removed; ERROR rows stay for diagnostics.
func (db *DB) DeleteCompletedGenerationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM generations WHERE status = 'COMPLETED' AND completed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete generations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailStaleGenerations marks QUEUED or PROCESSING generations created before
// cutoff as ERROR. A worker that died after popping a job leaves such rows.
func (db *DB) FailStaleGenerations(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	query := `
        UPDATE generations
        SET status = 'ERROR',
            error = $2,
            duration_ms = (EXTRACT(EPOCH FROM (NOW() - created_at)) * 1000)::BIGINT,
            completed_at = NOW()
        WHERE status IN ('QUEUED', 'PROCESSING') AND created_at < $1
    `

	tag, err := db.Pool.Exec(ctx, query, cutoff, message)
	if err != nil {
		return 0, fmt.Errorf("fail stale generations: %w", err)
	}
	return tag.RowsAffected(), nil
}
