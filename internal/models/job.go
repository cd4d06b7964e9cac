package models

import (
	"strconv"
	"time"
)

const (
	DefaultMaxAttempts  = 3
	DefaultBackoffBase  = 30 * time.Second
	maxBackoffDoublings = 16
)

// BackoffPolicy is an exponential backoff with a fixed base delay that
// doubles on every attempt.
type BackoffPolicy struct {
	Base time.Duration `json:"base"`
}

// Delay returns the wait before the given retry. attempt is the attempt
// count after it was incremented for the failure, so the first retry waits
// Base, the second 2*Base, and so on.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if attempt <= 1 {
		return base
	}
	shift := attempt - 1
	if shift > maxBackoffDoublings {
		shift = maxBackoffDoublings
	}
	return base << uint(shift)
}

// TranscodeJob is one queued unit of work for an asset.
type TranscodeJob struct {
	ID          string           `json:"id"`
	AssetID     string           `json:"assetId"`
	SourceKey   string           `json:"sourceKey"`
	Ladder      []QualityVariant `json:"ladder"`
	Attempt     int              `json:"attempt"`
	MaxAttempts int              `json:"maxAttempts"`
	Backoff     BackoffPolicy    `json:"backoff"`
	Reprocess   bool             `json:"reprocess,omitempty"`
	EnqueuedAt  time.Time        `json:"enqueuedAt"`
}

// Exhausted reports whether the job has used all of its attempts.
func (j TranscodeJob) Exhausted() bool {
	max := j.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	return j.Attempt >= max
}

// WorkspaceName identifies the job attempt on disk. Each attempt gets its own
// name so a leaked workspace from an earlier attempt never collides.
func (j TranscodeJob) WorkspaceName() string {
	return j.ID + "-a" + strconv.Itoa(j.Attempt)
}
