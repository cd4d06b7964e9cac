package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodforge/internal/models"
)

// PostgresConfig describes the registry's connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	StatementTimeout    time.Duration
	ApplicationName     string
}

const defaultStatementTimeout = 10 * time.Second

// PostgresRegistry stores assets in the assets table.
type PostgresRegistry struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresRegistry opens a pool for cfg. Migrations are applied
// separately with Migrate.
func NewPostgresRegistry(ctx context.Context, cfg PostgresConfig) (*PostgresRegistry, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	timeout := cfg.StatementTimeout
	if timeout <= 0 {
		timeout = defaultStatementTimeout
	}
	return &PostgresRegistry{pool: pool, timeout: timeout}, nil
}

// Pool exposes the underlying pool for migrations and health checks.
func (r *PostgresRegistry) Pool() *pgxpool.Pool {
	return r.pool
}

// Ping verifies connectivity.
func (r *PostgresRegistry) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

// Close releases the Postgres connection pool resources.
func (r *PostgresRegistry) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRegistry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *PostgresRegistry) MarkProcessing(ctx context.Context, assetID string) error {
	return r.transition(ctx, assetID, `
UPDATE assets
SET status = 'processing', manifest_url = NULL, updated_at = NOW()
WHERE id = $1
`, assetID)
}

func (r *PostgresRegistry) MarkCompleted(ctx context.Context, assetID, manifestURL string) error {
	if strings.TrimSpace(manifestURL) == "" {
		return fmt.Errorf("mark asset %s completed: manifest url is required", assetID)
	}
	return r.transition(ctx, assetID, `
UPDATE assets
SET status = 'completed', manifest_url = $2, updated_at = NOW()
WHERE id = $1
`, assetID, manifestURL)
}

func (r *PostgresRegistry) MarkFailed(ctx context.Context, assetID string) error {
	return r.transition(ctx, assetID, `
UPDATE assets
SET status = 'failed', manifest_url = NULL, updated_at = NOW()
WHERE id = $1
`, assetID)
}

func (r *PostgresRegistry) transition(ctx context.Context, assetID, query string, args ...any) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update asset %s: %w", assetID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update asset %s: %w", assetID, ErrAssetNotFound)
	}
	return nil
}

func (r *PostgresRegistry) MarkQueued(ctx context.Context, assetID string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var status string
	err := r.pool.QueryRow(ctx, `
WITH stamped AS (
	UPDATE assets
	SET updated_at = NOW()
	WHERE id = $1 AND status IN ('pending', 'processing')
	RETURNING status
)
SELECT status FROM stamped
UNION ALL
SELECT status FROM assets WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM stamped)
`, assetID).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return false, fmt.Errorf("stamp asset %s: %w", assetID, ErrAssetNotFound)
		}
		return false, fmt.Errorf("stamp asset %s: %w", assetID, err)
	}
	return !models.AssetStatus(status).Terminal(), nil
}

const assetColumns = `id, owner_id, type, source_url, content_type, size_bytes, duration_seconds, status, manifest_url, created_at, updated_at`

func (r *PostgresRegistry) GetAsset(ctx context.Context, assetID string) (models.Asset, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, assetID)
	asset, err := scanAsset(row)
	if err != nil {
		if isNoRows(err) {
			return models.Asset{}, ErrAssetNotFound
		}
		return models.Asset{}, fmt.Errorf("load asset %s: %w", assetID, err)
	}
	return asset, nil
}

func (r *PostgresRegistry) CreateAsset(ctx context.Context, asset models.Asset) (models.Asset, error) {
	if strings.TrimSpace(asset.ID) == "" {
		return models.Asset{}, fmt.Errorf("asset id is required")
	}
	if asset.Type == "" {
		asset.Type = models.AssetTypeVideo
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, `
INSERT INTO assets (id, owner_id, type, source_url, content_type, size_bytes, duration_seconds, status, manifest_url)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', NULL)
RETURNING `+assetColumns,
		asset.ID, asset.OwnerID, string(asset.Type), asset.SourceURL, asset.ContentType, asset.SizeBytes, asset.DurationSeconds)
	created, err := scanAsset(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.Asset{}, ErrAssetExists
		}
		return models.Asset{}, fmt.Errorf("create asset %s: %w", asset.ID, err)
	}
	return created, nil
}

func (r *PostgresRegistry) ListPendingVideos(ctx context.Context, olderThan time.Time, limit int) ([]models.Asset, error) {
	return r.list(ctx, `
SELECT `+assetColumns+`
FROM assets
WHERE status = 'pending' AND type = 'video' AND manifest_url IS NULL AND updated_at < $1
ORDER BY updated_at
LIMIT $2
`, olderThan.UTC(), normalizeLimit(limit))
}

func (r *PostgresRegistry) ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]models.Asset, error) {
	return r.list(ctx, `
SELECT `+assetColumns+`
FROM assets
WHERE status = 'processing' AND updated_at < $1
ORDER BY updated_at
LIMIT $2
`, olderThan.UTC(), normalizeLimit(limit))
}

func (r *PostgresRegistry) list(ctx context.Context, query string, args ...any) ([]models.Asset, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return assets, nil
}

func scanAsset(row pgx.Row) (models.Asset, error) {
	var (
		asset       models.Asset
		assetType   string
		status      string
		manifestURL *string
	)
	if err := row.Scan(
		&asset.ID,
		&asset.OwnerID,
		&assetType,
		&asset.SourceURL,
		&asset.ContentType,
		&asset.SizeBytes,
		&asset.DurationSeconds,
		&status,
		&manifestURL,
		&asset.CreatedAt,
		&asset.UpdatedAt,
	); err != nil {
		return models.Asset{}, err
	}
	asset.Type = models.AssetType(assetType)
	asset.Status = models.AssetStatus(status)
	asset.ManifestURL = manifestURL
	asset.CreatedAt = asset.CreatedAt.UTC()
	asset.UpdatedAt = asset.UpdatedAt.UTC()
	return asset, nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
