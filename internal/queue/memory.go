package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"vodforge/internal/models"
)

type memoryEntry struct {
	seq         int64
	job         models.TranscodeJob
	runAt       time.Time
	deliveredAt time.Time
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// MemoryBroker is an in-process Broker for tests and single-process
// development runs. Nothing survives a restart.
type MemoryBroker struct {
	mu         sync.Mutex
	seq        int64
	ready      []*memoryEntry
	inflight   map[string]*memoryEntry
	dead       []DeadJob
	leases     map[string]memoryLease
	notify     chan struct{}
	closed     bool
	visibility time.Duration
	poll       time.Duration
	now        func() time.Time
}

// MemoryConfig tunes a MemoryBroker.
type MemoryConfig struct {
	Visibility time.Duration
	Poll       time.Duration
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker(cfg MemoryConfig) *MemoryBroker {
	b := &MemoryBroker{
		inflight:   make(map[string]*memoryEntry),
		leases:     make(map[string]memoryLease),
		notify:     make(chan struct{}, 1),
		visibility: cfg.Visibility,
		poll:       cfg.Poll,
		now:        time.Now,
	}
	if b.visibility <= 0 {
		b.visibility = defaultVisibility
	}
	if b.poll <= 0 {
		b.poll = defaultPoll
	}
	return b
}

func (b *MemoryBroker) Enqueue(ctx context.Context, job models.TranscodeJob, runAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.pushLocked(job, runAt)
	return nil
}

func (b *MemoryBroker) pushLocked(job models.TranscodeJob, runAt time.Time) {
	b.seq++
	b.ready = append(b.ready, &memoryEntry{seq: b.seq, job: job, runAt: runAt})
	sort.SliceStable(b.ready, func(i, j int) bool {
		return b.ready[i].runAt.Before(b.ready[j].runAt)
	})
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) Receive(ctx context.Context) (Delivery, error) {
	deadline := time.NewTimer(b.poll)
	defer deadline.Stop()
	for {
		delivery, wait, err := b.take()
		if err != nil || delivery.ID != "" {
			return delivery, err
		}
		if wait <= 0 || wait > b.poll {
			wait = b.poll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, ctx.Err()
		case <-deadline.C:
			timer.Stop()
			return Delivery{}, ErrEmpty
		case <-b.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// take claims the first due entry. When nothing is due it returns how long
// until the earliest delayed entry.
func (b *MemoryBroker) take() (Delivery, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Delivery{}, 0, ErrClosed
	}
	now := b.now()
	for id, entry := range b.inflight {
		if now.Sub(entry.deliveredAt) >= b.visibility {
			delete(b.inflight, id)
			b.pushLocked(entry.job, now)
		}
	}
	if len(b.ready) == 0 {
		return Delivery{}, 0, nil
	}
	head := b.ready[0]
	if head.runAt.After(now) {
		return Delivery{}, head.runAt.Sub(now), nil
	}
	b.ready = b.ready[1:]
	head.deliveredAt = now
	id := "m-" + strconv.FormatInt(head.seq, 10)
	b.inflight[id] = head
	return Delivery{ID: id, Job: head.job}, 0, nil
}

func (b *MemoryBroker) Ack(ctx context.Context, d Delivery) error {
	b.mu.Lock()
	delete(b.inflight, d.ID)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Requeue(ctx context.Context, d Delivery, job models.TranscodeJob, runAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	delete(b.inflight, d.ID)
	b.pushLocked(job, runAt)
	return nil
}

func (b *MemoryBroker) Dead(ctx context.Context, d Delivery, job models.TranscodeJob, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, d.ID)
	b.dead = append(b.dead, DeadJob{Job: job, Reason: reason, FailedAt: b.now().UTC()})
	return nil
}

func (b *MemoryBroker) ClaimAsset(ctx context.Context, assetID, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if lease, ok := b.leases[assetID]; ok && lease.expires.After(now) {
		return false, nil
	}
	b.leases[assetID] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBroker) ReleaseAsset(ctx context.Context, assetID, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lease, ok := b.leases[assetID]; ok && lease.owner == owner {
		delete(b.leases, assetID)
	}
	return nil
}

func (b *MemoryBroker) DeadJobs(ctx context.Context, limit int) ([]DeadJob, error) {
	limit = normalizeDeadLimit(limit)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadJob, 0, min(limit, len(b.dead)))
	for i := len(b.dead) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, b.dead[i])
	}
	return out, nil
}

func (b *MemoryBroker) Stats(ctx context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	var stats Stats
	for _, entry := range b.ready {
		if entry.runAt.After(now) {
			stats.Delayed++
		} else {
			stats.Ready++
		}
	}
	stats.InFlight = int64(len(b.inflight))
	stats.Dead = int64(len(b.dead))
	return stats, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
