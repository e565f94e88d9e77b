package models

import (
	"fmt"
	"time"
)

type Tenant struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email,omitempty"`
	APIKey         string    `json:"api_key"`
	Active         bool      `json:"active"`
	Limit          int       `json:"limit"`
	Tier           string    `json:"tier"`
	AllowedOrigins []string  `json:"allowed_origins"`
	UsageCount     int       `json:"usage_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TenantUpdate holds the fields an admin may change after creation.
type TenantUpdate struct {
	Active *bool   `json:"active"`
	Limit  *int    `json:"limit"`
	Tier   *string `json:"tier"`
}

type GenerationStatus string

const (
	StatusQueued     GenerationStatus = "QUEUED"
	StatusProcessing GenerationStatus = "PROCESSING"
	StatusCompleted  GenerationStatus = "COMPLETED"
	StatusError      GenerationStatus = "ERROR"
)

// Terminal reports whether no further transition is allowed.
func (s GenerationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition enforces QUEUED -> PROCESSING -> {COMPLETED|ERROR}.
// QUEUED may also fail directly (e.g. the job could not be enqueued).
func (s GenerationStatus) CanTransition(to GenerationStatus) bool {
	switch s {
	case StatusQueued:
		return to == StatusProcessing || to == StatusError
	case StatusProcessing:
		return to == StatusCompleted || to == StatusError
	default:
		return false
	}
}

// ErrInvalidTransition is returned when a generation would move backwards
// or out of a terminal state.
type ErrInvalidTransition struct {
	From GenerationStatus
	To   GenerationStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid generation transition %s -> %s", e.From, e.To)
}

type Generation struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	Status           GenerationStatus `json:"status"`
	Model            string           `json:"model"`
	InputsHash       string           `json:"inputs_hash"`
	PersonImageURL   string           `json:"person_image_url"`
	GarmentURLs      []string         `json:"garment_urls"`
	ResultURL        *string          `json:"result_url,omitempty"`
	Error            *string          `json:"error,omitempty"`
	DurationMs       *int64           `json:"duration_ms,omitempty"`
	ProviderDuration *int64           `json:"provider_duration_ms,omitempty"`
	Attempts         int              `json:"attempts"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// RateLimitWindow is one fixed-window counter.
type RateLimitWindow struct {
	Key         string    `json:"key"`
	Count       int64     `json:"count"`
	WindowStart time.Time `json:"window_start"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type CacheEntry struct {
	InputsHash string    `json:"inputs_hash"`
	ResultURL  string    `json:"result_url"`
	TenantID   string    `json:"tenant_id"`
	Provider   string    `json:"provider"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

const (
	MetricTypeGeneration = "GENERATION"

	MetricStatusSuccess = "success"
	MetricStatusCached  = "cached"
	MetricStatusFailed  = "failed"
)

// Metric is an append-only pipeline observation.
type Metric struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id"`
	Model      string    `json:"model,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"`
	Error      *string   `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// MetricFilter narrows aggregation queries. Zero values mean "any".
type MetricFilter struct {
	TenantID string
	Type     string
	From     *time.Time
	To       *time.Time
}

type MetricBucket struct {
	Key           string  `json:"key"`
	Count         int     `json:"count"`
	Success       int     `json:"success"`
	Cached        int     `json:"cached"`
	Failed        int     `json:"failed"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

type MetricSummary struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	AvgDurationMs float64        `json:"avg_duration_ms"`
}
