package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"vodforge/internal/models"
)

// RedisConfig configures the Redis Streams broker.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	Prefix       string
	Group        string
	Consumer     string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	// BlockTimeout bounds a single Receive.
	BlockTimeout time.Duration
	// Visibility is how long a delivery may stay unacknowledged before
	// another consumer may claim it.
	Visibility time.Duration
	DeadMaxLen int64
	TLS        RedisTLSConfig
	Logger     *slog.Logger
}

// RedisBroker keeps ready jobs in a stream read through a consumer group,
// delayed jobs in a sorted set scored by due time, and dead jobs in a second
// stream. Asset leases are plain keys set with NX and a TTL.
type RedisBroker struct {
	client     redis.UniversalClient
	ready      string
	delayed    string
	dead       string
	leasePfx   string
	group      string
	consumer   string
	block      time.Duration
	visibility time.Duration
	deadMaxLen int64
	logger     *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

// promoteScript moves due members of the delayed set onto the ready stream
// in one step so a crash cannot lose a job between the two.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('XADD', KEYS[2], '*', 'job', member)
end
return #due
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// NewRedisBroker connects to Redis and ensures the consumer group exists.
func NewRedisBroker(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})

	prefix := hashTagged(cfg.Prefix)
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "transcoders"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = "consumer-" + uuid.NewString()
	}
	b := &RedisBroker{
		client:     client,
		ready:      prefix + ":ready",
		delayed:    prefix + ":delayed",
		dead:       prefix + ":dead",
		leasePfx:   prefix + ":lease:",
		group:      group,
		consumer:   consumer,
		block:      cfg.BlockTimeout,
		visibility: cfg.Visibility,
		deadMaxLen: cfg.DeadMaxLen,
		logger:     cfg.Logger,
	}
	if b.block <= 0 {
		b.block = defaultPoll
	}
	if b.visibility <= 0 {
		b.visibility = defaultVisibility
	}
	if b.deadMaxLen <= 0 {
		b.deadMaxLen = 10000
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if err := b.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return b, nil
}

// DefaultRedisPrefix is used when RedisConfig.Prefix is empty.
const DefaultRedisPrefix = "{vodforge:jobs}"

// hashTagged returns prefix with a Redis Cluster hash tag so every key the
// broker derives from it maps to one slot. Multi-key scripts and MULTI blocks
// span the ready stream, the delayed set, and the dead stream, which cluster
// mode only accepts within a single slot. A prefix that already carries a tag
// is kept as is.
func hashTagged(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return DefaultRedisPrefix
	}
	if hashTag(prefix) != "" {
		return prefix
	}
	return "{" + prefix + "}"
}

// hashTag returns the part of key Redis Cluster hashes, or "" when key has no
// usable tag.
func hashTag(key string) string {
	open := strings.IndexByte(key, '{')
	if open < 0 {
		return ""
	}
	end := strings.IndexByte(key[open+1:], '}')
	if end <= 0 {
		return ""
	}
	return key[open+1 : open+1+end]
}

// Ping checks connectivity.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) ensureGroup(ctx context.Context) error {
	if b.groupReady.Load() {
		return nil
	}
	b.groupMu.Lock()
	defer b.groupMu.Unlock()
	if b.groupReady.Load() {
		return nil
	}
	err := b.client.Do(ctx, "XGROUP", "CREATE", b.ready, b.group, "0", "MKSTREAM").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	b.groupReady.Store(true)
	return nil
}

func (b *RedisBroker) Enqueue(ctx context.Context, job models.TranscodeJob, runAt time.Time) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	if runAt.After(time.Now()) {
		return b.client.ZAdd(ctx, b.delayed, redis.Z{Score: float64(runAt.UnixMilli()), Member: payload}).Err()
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{Stream: b.ready, Values: map[string]any{"job": payload}}).Err()
}

func (b *RedisBroker) Receive(ctx context.Context) (Delivery, error) {
	if err := b.ensureGroup(ctx); err != nil {
		return Delivery{}, err
	}
	if err := b.promoteDue(ctx); err != nil {
		return Delivery{}, err
	}

	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.ready,
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  b.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Delivery{}, fmt.Errorf("claim stale deliveries: %w", err)
	}
	if len(claimed) > 0 {
		b.logger.Warn("reclaimed stale job delivery", "delivery", claimed[0].ID)
		return b.delivery(ctx, claimed[0])
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{b.ready, ">"},
		Count:    1,
		Block:    b.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, ErrEmpty
		}
		if ctx.Err() != nil {
			return Delivery{}, ctx.Err()
		}
		return Delivery{}, fmt.Errorf("read jobs: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return Delivery{}, ErrEmpty
	}
	return b.delivery(ctx, streams[0].Messages[0])
}

func (b *RedisBroker) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	err := promoteScript.Run(ctx, b.client, []string{b.delayed, b.ready}, now, 64).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("promote delayed jobs: %w", err)
	}
	return nil
}

// delivery decodes a stream message. Undecodable messages are moved to the
// dead stream and reported as ErrEmpty.
func (b *RedisBroker) delivery(ctx context.Context, message redis.XMessage) (Delivery, error) {
	payload, _ := message.Values["job"].(string)
	job, err := decodeJob(payload)
	if err != nil {
		b.logger.Error("dropping undecodable job", "delivery", message.ID, "error", err)
		_, pipeErr := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAck(ctx, b.ready, b.group, message.ID)
			pipe.XDel(ctx, b.ready, message.ID)
			pipe.XAdd(ctx, b.deadArgs(payload, "undecodable: "+err.Error()))
			return nil
		})
		if pipeErr != nil {
			return Delivery{}, fmt.Errorf("dead-letter undecodable job: %w", pipeErr)
		}
		return Delivery{}, ErrEmpty
	}
	return Delivery{ID: message.ID, Job: job}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, d Delivery) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, b.ready, b.group, d.ID)
		pipe.XDel(ctx, b.ready, d.ID)
		return nil
	})
	return err
}

func (b *RedisBroker) Requeue(ctx context.Context, d Delivery, job models.TranscodeJob, runAt time.Time) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, b.ready, b.group, d.ID)
		pipe.XDel(ctx, b.ready, d.ID)
		if runAt.After(time.Now()) {
			pipe.ZAdd(ctx, b.delayed, redis.Z{Score: float64(runAt.UnixMilli()), Member: payload})
		} else {
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: b.ready, Values: map[string]any{"job": payload}})
		}
		return nil
	})
	return err
}

func (b *RedisBroker) Dead(ctx context.Context, d Delivery, job models.TranscodeJob, reason string) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, b.ready, b.group, d.ID)
		pipe.XDel(ctx, b.ready, d.ID)
		pipe.XAdd(ctx, b.deadArgs(payload, reason))
		return nil
	})
	return err
}

func (b *RedisBroker) deadArgs(payload, reason string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: b.dead,
		MaxLen: b.deadMaxLen,
		Approx: true,
		Values: map[string]any{
			"job":       payload,
			"reason":    reason,
			"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
}

func (b *RedisBroker) ClaimAsset(ctx context.Context, assetID, owner string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, b.leasePfx+assetID, owner, ttl).Result()
}

func (b *RedisBroker) ReleaseAsset(ctx context.Context, assetID, owner string) error {
	err := releaseLeaseScript.Run(ctx, b.client, []string{b.leasePfx + assetID}, owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (b *RedisBroker) DeadJobs(ctx context.Context, limit int) ([]DeadJob, error) {
	messages, err := b.client.XRevRangeN(ctx, b.dead, "+", "-", int64(normalizeDeadLimit(limit))).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	out := make([]DeadJob, 0, len(messages))
	for _, message := range messages {
		payload, _ := message.Values["job"].(string)
		job, err := decodeJob(payload)
		if err != nil {
			continue
		}
		reason, _ := message.Values["reason"].(string)
		failedRaw, _ := message.Values["failed_at"].(string)
		failedAt, _ := time.Parse(time.RFC3339Nano, failedRaw)
		out = append(out, DeadJob{Job: job, Reason: reason, FailedAt: failedAt})
	}
	return out, nil
}

func (b *RedisBroker) Stats(ctx context.Context) (Stats, error) {
	pipe := b.client.Pipeline()
	streamLen := pipe.XLen(ctx, b.ready)
	delayed := pipe.ZCard(ctx, b.delayed)
	dead := pipe.XLen(ctx, b.dead)
	pending := pipe.XPending(ctx, b.ready, b.group)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	var inflight int64
	if summary, err := pending.Result(); err == nil && summary != nil {
		inflight = summary.Count
	}
	return Stats{
		Ready:    streamLen.Val() - inflight,
		Delayed:  delayed.Val(),
		InFlight: inflight,
		Dead:     dead.Val(),
	}, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygroup")
}
