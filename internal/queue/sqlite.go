package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"vodforge/internal/models"
)

// SQLiteConfig configures the single-host SQLite broker.
type SQLiteConfig struct {
	Path       string
	Consumer   string
	Visibility time.Duration
	Poll       time.Duration
}

// SQLiteBroker stores jobs as rows. A row is claimed by a single UPDATE so
// concurrent workers and processes never receive the same ready row.
type SQLiteBroker struct {
	db         *sql.DB
	path       string
	consumer   string
	visibility time.Duration
	poll       time.Duration
	now        func() time.Time
}

// OpenSQLiteBroker opens or creates the queue database and applies its
// migrations.
func OpenSQLiteBroker(ctx context.Context, cfg SQLiteConfig) (*SQLiteBroker, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite queue path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps the pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	b := &SQLiteBroker{
		db:         db,
		path:       path,
		consumer:   strings.TrimSpace(cfg.Consumer),
		visibility: cfg.Visibility,
		poll:       cfg.Poll,
		now:        time.Now,
	}
	if b.consumer == "" {
		b.consumer = "consumer-" + uuid.NewString()
	}
	if b.visibility <= 0 {
		b.visibility = defaultVisibility
	}
	if b.poll <= 0 {
		b.poll = defaultPoll
	}
	return b, nil
}

// Path returns the database file.
func (b *SQLiteBroker) Path() string {
	return b.path
}

// Ping checks that the database is reachable.
func (b *SQLiteBroker) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *SQLiteBroker) Enqueue(ctx context.Context, job models.TranscodeJob, runAt time.Time) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	if runAt.IsZero() {
		runAt = b.now()
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, asset_id, payload, state, run_at) VALUES (?, ?, ?, 'ready', ?)`,
		job.ID, job.AssetID, payload, runAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (b *SQLiteBroker) Receive(ctx context.Context) (Delivery, error) {
	delivery, err := b.claim(ctx)
	if err == nil || !errors.Is(err, ErrEmpty) {
		return delivery, err
	}
	timer := time.NewTimer(b.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-timer.C:
	}
	return b.claim(ctx)
}

func (b *SQLiteBroker) claim(ctx context.Context) (Delivery, error) {
	now := b.now()
	var (
		rowID   int64
		payload string
	)
	err := b.db.QueryRowContext(ctx,
		`UPDATE jobs
         SET state = 'claimed', claimed_by = ?, claimed_at = ?
         WHERE id = (
             SELECT id FROM jobs
             WHERE (state = 'ready' AND run_at <= ?)
                OR (state = 'claimed' AND claimed_at <= ?)
             ORDER BY run_at, id
             LIMIT 1
         )
         RETURNING id, payload`,
		b.consumer, now.UnixMilli(), now.UnixMilli(), now.Add(-b.visibility).UnixMilli(),
	).Scan(&rowID, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("claim job: %w", err)
	}

	id := claimToken(rowID, now.UnixMilli())
	job, err := decodeJob(payload)
	if err != nil {
		if _, deadErr := b.db.ExecContext(ctx,
			`UPDATE jobs SET state = 'dead', reason = ?, failed_at = ? WHERE id = ?`,
			"undecodable: "+err.Error(), now.UnixMilli(), rowID,
		); deadErr != nil {
			return Delivery{}, fmt.Errorf("dead-letter undecodable job: %w", deadErr)
		}
		return Delivery{}, ErrEmpty
	}
	return Delivery{ID: id, Job: job}, nil
}

// Settling statements match the row on the claim as well as the id, so a
// consumer whose claim expired cannot overwrite the new owner's claim.
const ownClaim = `id = ? AND state = 'claimed' AND claimed_by = ? AND claimed_at = ?`

func (b *SQLiteBroker) Ack(ctx context.Context, d Delivery) error {
	row, claimedAt := parseClaimToken(d.ID)
	res, err := b.db.ExecContext(ctx, `DELETE FROM jobs WHERE `+ownClaim, row, b.consumer, claimedAt)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return settled(res, "ack job")
}

func (b *SQLiteBroker) Requeue(ctx context.Context, d Delivery, job models.TranscodeJob, runAt time.Time) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	if runAt.IsZero() {
		runAt = b.now()
	}
	row, claimedAt := parseClaimToken(d.ID)
	res, err := b.db.ExecContext(ctx,
		`UPDATE jobs
         SET state = 'ready', payload = ?, run_at = ?, claimed_by = NULL, claimed_at = NULL
         WHERE `+ownClaim,
		payload, runAt.UnixMilli(), row, b.consumer, claimedAt,
	)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return settled(res, "requeue job")
}

func (b *SQLiteBroker) Dead(ctx context.Context, d Delivery, job models.TranscodeJob, reason string) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	row, claimedAt := parseClaimToken(d.ID)
	res, err := b.db.ExecContext(ctx,
		`UPDATE jobs
         SET state = 'dead', payload = ?, reason = ?, failed_at = ?, claimed_by = NULL, claimed_at = NULL
         WHERE `+ownClaim,
		payload, reason, b.now().UnixMilli(), row, b.consumer, claimedAt,
	)
	if err != nil {
		return fmt.Errorf("dead-letter job: %w", err)
	}
	return settled(res, "dead-letter job")
}

func (b *SQLiteBroker) ClaimAsset(ctx context.Context, assetID, owner string, ttl time.Duration) (bool, error) {
	now := b.now()
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO asset_leases (asset_id, owner, expires_at) VALUES (?, ?, ?)
         ON CONFLICT (asset_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
         WHERE asset_leases.expires_at <= ?`,
		assetID, owner, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("claim asset %s: %w", assetID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim asset %s: %w", assetID, err)
	}
	return affected == 1, nil
}

func (b *SQLiteBroker) ReleaseAsset(ctx context.Context, assetID, owner string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM asset_leases WHERE asset_id = ? AND owner = ?`, assetID, owner); err != nil {
		return fmt.Errorf("release asset %s: %w", assetID, err)
	}
	return nil
}

func (b *SQLiteBroker) DeadJobs(ctx context.Context, limit int) ([]DeadJob, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT payload, COALESCE(reason, ''), COALESCE(failed_at, 0)
         FROM jobs WHERE state = 'dead'
         ORDER BY failed_at DESC, id DESC
         LIMIT ?`,
		normalizeDeadLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	defer rows.Close()

	var out []DeadJob
	for rows.Next() {
		var (
			payload, reason string
			failedAt        int64
		)
		if err := rows.Scan(&payload, &reason, &failedAt); err != nil {
			return nil, fmt.Errorf("scan dead job: %w", err)
		}
		job, err := decodeJob(payload)
		if err != nil {
			continue
		}
		out = append(out, DeadJob{Job: job, Reason: reason, FailedAt: time.UnixMilli(failedAt).UTC()})
	}
	return out, rows.Err()
}

func (b *SQLiteBroker) Stats(ctx context.Context) (Stats, error) {
	now := b.now().UnixMilli()
	var stats Stats
	err := b.db.QueryRowContext(ctx,
		`SELECT
             COALESCE(SUM(CASE WHEN state = 'ready' AND run_at <= ? THEN 1 ELSE 0 END), 0),
             COALESCE(SUM(CASE WHEN state = 'ready' AND run_at > ? THEN 1 ELSE 0 END), 0),
             COALESCE(SUM(CASE WHEN state = 'claimed' THEN 1 ELSE 0 END), 0),
             COALESCE(SUM(CASE WHEN state = 'dead' THEN 1 ELSE 0 END), 0)
         FROM jobs`,
		now, now,
	).Scan(&stats.Ready, &stats.Delayed, &stats.InFlight, &stats.Dead)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

func (b *SQLiteBroker) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// claimToken names one claim of a row: the row id and the claim time.
func claimToken(row, claimedAt int64) string {
	return strconv.FormatInt(row, 10) + "@" + strconv.FormatInt(claimedAt, 10)
}

func parseClaimToken(token string) (int64, int64) {
	rowPart, atPart, _ := strings.Cut(token, "@")
	row, err := strconv.ParseInt(rowPart, 10, 64)
	if err != nil {
		return -1, -1
	}
	claimedAt, err := strconv.ParseInt(atPart, 10, 64)
	if err != nil {
		return -1, -1
	}
	return row, claimedAt
}

func settled(res sql.Result, action string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", action, ErrDeliveryLost)
	}
	return nil
}
