// Package queue provides durable, at-least-once delivery of transcode jobs
// with delayed retries, a dead-letter list, and per-asset leases.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vodforge/internal/models"
)

var (
	// ErrEmpty is returned by Receive when no job became ready within the
	// backend's poll window.
	ErrEmpty = errors.New("queue: no job ready")
	// ErrClosed is returned once the broker has been closed.
	ErrClosed = errors.New("queue: broker closed")
	// ErrDeliveryLost is returned when a delivery is settled after its
	// visibility window let another claim take the job over.
	ErrDeliveryLost = errors.New("queue: delivery reclaimed by another consumer")
)

// Delivery is a received job. ID identifies the delivery to the backend and
// must be passed back to exactly one of Ack, Requeue, or Dead.
type Delivery struct {
	ID  string
	Job models.TranscodeJob
}

// DeadJob is an entry of the dead-letter list.
type DeadJob struct {
	Job      models.TranscodeJob
	Reason   string
	FailedAt time.Time
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Ready    int64
	Delayed  int64
	InFlight int64
	Dead     int64
}

// Broker is the job transport used by the dispatcher.
type Broker interface {
	// Enqueue makes job available at runAt. A zero or past runAt means now.
	Enqueue(ctx context.Context, job models.TranscodeJob, runAt time.Time) error
	// Receive claims the next ready job. Deliveries that are not settled
	// within the backend's visibility window are handed out again.
	Receive(ctx context.Context) (Delivery, error)
	// Ack settles a delivery as done.
	Ack(ctx context.Context, d Delivery) error
	// Requeue settles a delivery and schedules job, usually an updated copy
	// of d.Job, at runAt.
	Requeue(ctx context.Context, d Delivery, job models.TranscodeJob, runAt time.Time) error
	// Dead settles a delivery by moving job to the dead-letter list.
	Dead(ctx context.Context, d Delivery, job models.TranscodeJob, reason string) error
	// ClaimAsset takes the processing lease for assetID. It reports false
	// when another owner holds an unexpired lease.
	ClaimAsset(ctx context.Context, assetID, owner string, ttl time.Duration) (bool, error)
	// ReleaseAsset drops the lease if owner still holds it.
	ReleaseAsset(ctx context.Context, assetID, owner string) error
	DeadJobs(ctx context.Context, limit int) ([]DeadJob, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

const (
	defaultVisibility = 3 * time.Hour
	defaultPoll       = 2 * time.Second
	defaultDeadLimit  = 50
)

func encodeJob(job models.TranscodeJob) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return string(payload), nil
}

func decodeJob(payload string) (models.TranscodeJob, error) {
	var job models.TranscodeJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return models.TranscodeJob{}, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" || job.AssetID == "" {
		return models.TranscodeJob{}, errors.New("decode job: missing id or asset id")
	}
	return job, nil
}

func normalizeDeadLimit(limit int) int {
	if limit <= 0 {
		return defaultDeadLimit
	}
	return limit
}
