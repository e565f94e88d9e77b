package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/HanTheDev/tryon-gateway/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (db *DB) RecordMetric(ctx context.Context, m *models.Metric) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	query := `
        INSERT INTO metrics (id, type, tenant_id, model, duration_ms, status, error)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING timestamp
    `

	return db.Pool.QueryRow(ctx, query,
		m.ID,
		m.Type,
		m.TenantID,
		m.Model,
		m.DurationMs,
		m.Status,
		m.Error,
	).Scan(&m.Timestamp)
}

func metricWhere(f models.MetricFilter) (string, []any) {
	conds := []string{"TRUE"}
	args := []any{}

	if f.TenantID != "" {
		args = append(args, f.TenantID)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.From != nil {
		args = append(args, *f.From)
		conds = append(conds, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		conds = append(conds, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	return " WHERE " + strings.Join(conds, " AND "), args
}

func (db *DB) ListMetrics(ctx context.Context, f models.MetricFilter, limit int) ([]*models.Metric, error) {
	where, args := metricWhere(f)
	query := `SELECT id, type, tenant_id, model, duration_ms, status, error, timestamp FROM metrics` +
		where + fmt.Sprintf(` ORDER BY timestamp DESC LIMIT %d`, limit)

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Metric, error) {
		var m models.Metric
		err := row.Scan(&m.ID, &m.Type, &m.TenantID, &m.Model, &m.DurationMs, &m.Status, &m.Error, &m.Timestamp)
		return &m, err
	})
}

func (db *DB) SummarizeMetrics(ctx context.Context, f models.MetricFilter) (*models.MetricSummary, error) {
	where, args := metricWhere(f)
	query := `SELECT status, COUNT(*), COALESCE(SUM(duration_ms), 0) FROM metrics` + where + ` GROUP BY status`

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := &models.MetricSummary{ByStatus: map[string]int{}}
	var totalDuration int64
	for rows.Next() {
		var status string
		var count int
		var duration int64
		if err := rows.Scan(&status, &count, &duration); err != nil {
			return nil, err
		}
		summary.ByStatus[status] = count
		summary.Total += count
		totalDuration += duration
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if summary.Total > 0 {
		summary.AvgDurationMs = float64(totalDuration) / float64(summary.Total)
	}
	return summary, nil
}

var groupExpressions = map[string]string{
	"day":    "to_char(date_trunc('day', timestamp), 'YYYY-MM-DD')",
	"week":   "to_char(date_trunc('week', timestamp), 'YYYY-MM-DD')",
	"month":  "to_char(date_trunc('month', timestamp), 'YYYY-MM')",
	"tenant": "tenant_id::text",
}

// AggregateMetrics buckets metrics by day, week, month or tenant.
func (db *DB) AggregateMetrics(ctx context.Context, f models.MetricFilter, groupBy string) ([]*models.MetricBucket, error) {
	expr, ok := groupExpressions[groupBy]
	if !ok {
		return nil, fmt.Errorf("unsupported groupBy %q", groupBy)
	}

	where, args := metricWhere(f)
	query := fmt.Sprintf(`
        SELECT %s AS bucket,
               COUNT(*),
               COUNT(*) FILTER (WHERE status = 'success'),
               COUNT(*) FILTER (WHERE status = 'cached'),
               COUNT(*) FILTER (WHERE status = 'failed'),
               COALESCE(AVG(duration_ms), 0)
        FROM metrics %s
        GROUP BY bucket
        ORDER BY bucket
    `, expr, where)

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.MetricBucket, error) {
		var b models.MetricBucket
		err := row.Scan(&b.Key, &b.Count, &b.Success, &b.Cached, &b.Failed, &b.AvgDurationMs)
		return &b, err
	})
}
