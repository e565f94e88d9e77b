// Package queue holds generation jobs waiting for a worker.
package queue

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("queue timeout")

// Job carries the full inputs; the generation row only stores truncated
// copies.
type Job struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	PersonImage string    `json:"person_image"`
	Garments    []string  `json:"garments"`
	InputsHash  string    `json:"inputs_hash"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`

	// Requeues counts pushes back after a worker could not start the job.
	Requeues int `json:"requeues,omitempty"`
}

type Queue interface {
	Push(ctx context.Context, job *Job) error
	Pop(ctx context.Context, timeout time.Duration) (*Job, error)
	Length(ctx context.Context) (int64, error)
}

// Lower numbers are served first.
var tierPriority = map[string]int{
	"enterprise": 1,
	"pro":        5,
	"starter":    10,
	"free":       20,
}

const DefaultPriority = 10

func PriorityForTier(tier string) int {
	if p, ok := tierPriority[tier]; ok {
		return p
	}
	return DefaultPriority
}
