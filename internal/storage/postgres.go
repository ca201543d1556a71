// internal/storage/postgres.go
// Package storage provides PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clipmarket/clipmarket-api-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres provides persistent storage for the review queue, the catalog,
// subscriptions and download history.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Uploaded candidates awaiting review; rows are never deleted
		CREATE TABLE IF NOT EXISTS staging_videos (
		    id TEXT PRIMARY KEY,
		    title TEXT NOT NULL DEFAULT '',
		    description TEXT,
		    category TEXT NOT NULL DEFAULT '',
		    beauty_sub_category TEXT,
		    tags JSONB NOT NULL DEFAULT '[]',       -- Array, or a CSV string on legacy rows
		    duration INTEGER NOT NULL DEFAULT 0,
		    resolution TEXT,
		    storage_path TEXT,
		    file_path TEXT,                          -- Legacy ingest column
		    thumbnail_path TEXT,
		    thumbnail_url TEXT,
		    download_count INTEGER NOT NULL DEFAULT 0,
		    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
		    rejection_reason TEXT,
		    reviewed_by TEXT,
		    approved_by TEXT,
		    approved_at TIMESTAMP WITH TIME ZONE,
		    production_video_id TEXT,
		    final_storage_path TEXT,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_staging_videos_status_created_at ON staging_videos(status, created_at);

		-- Published catalog
		CREATE TABLE IF NOT EXISTS production_videos (
		    id TEXT PRIMARY KEY,
		    source_staging_id TEXT,
		    title TEXT NOT NULL,
		    description TEXT,
		    category TEXT NOT NULL,
		    beauty_sub_category TEXT,
		    tags JSONB NOT NULL DEFAULT '[]',
		    duration INTEGER NOT NULL DEFAULT 0,
		    resolution TEXT,
		    file_url TEXT NOT NULL,
		    thumbnail_url TEXT,
		    storage_path TEXT NOT NULL,
		    thumbnail_path TEXT,
		    is_featured BOOLEAN NOT NULL DEFAULT FALSE,
		    download_count INTEGER NOT NULL DEFAULT 0,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- At most one catalog row per staging row
		CREATE UNIQUE INDEX IF NOT EXISTS idx_production_videos_source_staging_id
		    ON production_videos(source_staging_id) WHERE source_staging_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_production_videos_created_at ON production_videos(created_at DESC, id);
		CREATE INDEX IF NOT EXISTS idx_production_videos_category ON production_videos(category);

		-- One billing row per user
		CREATE TABLE IF NOT EXISTS subscriptions (
		    user_id TEXT PRIMARY KEY,
		    plan TEXT NOT NULL,
		    status TEXT NOT NULL,
		    current_period_start TIMESTAMP WITH TIME ZONE,
		    current_period_end TIMESTAMP WITH TIME ZONE,
		    monthly_download_limit INTEGER NOT NULL DEFAULT 0,
		    trial_downloads_limit INTEGER NOT NULL DEFAULT 0,
		    trial_downloads_used INTEGER NOT NULL DEFAULT 0,
		    trial_days_remaining INTEGER NOT NULL DEFAULT 0,
		    trial_start TIMESTAMP WITH TIME ZONE,
		    trial_end TIMESTAMP WITH TIME ZONE,
		    cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		    stripe_customer_id TEXT,
		    stripe_subscription_id TEXT,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_stripe_customer_id ON subscriptions(stripe_customer_id);

		-- Download history; source of truth for quota accounting
		CREATE TABLE IF NOT EXISTS download_history (
		    id TEXT PRIMARY KEY,
		    user_id TEXT NOT NULL,
		    video_id TEXT NOT NULL,
		    downloaded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    ip_address TEXT,
		    user_agent TEXT,
		    hidden_at TIMESTAMP WITH TIME ZONE
		);

		CREATE INDEX IF NOT EXISTS idx_download_history_user_downloaded_at ON download_history(user_id, downloaded_at DESC);

		CREATE TABLE IF NOT EXISTS user_roles (
		    user_id TEXT PRIMARY KEY,
		    role TEXT NOT NULL CHECK (role IN ('user', 'admin')),
		    granted_by TEXT,
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Applied payment-processor events
		CREATE TABLE IF NOT EXISTS billing_events (
		    provider_event_id TEXT PRIMARY KEY,
		    type TEXT NOT NULL,
		    processed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// isUniqueViolation reports whether err is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// nullString maps an empty string to SQL NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalTags(tags model.Tags) ([]byte, error) {
	if tags == nil {
		tags = model.Tags{}
	}
	return json.Marshal(tags)
}

const stagingColumns = `id, title, COALESCE(description, ''), category, COALESCE(beauty_sub_category, ''),
	tags, duration, COALESCE(resolution, ''), COALESCE(storage_path, ''), COALESCE(file_path, ''),
	COALESCE(thumbnail_path, ''), COALESCE(thumbnail_url, ''), download_count, status,
	rejection_reason, reviewed_by, approved_by, approved_at, production_video_id, final_storage_path,
	created_at, updated_at`

func scanStaging(row pgx.Row) (*model.StagingVideo, error) {
	var v model.StagingVideo
	var tagsJSON []byte
	err := row.Scan(
		&v.ID,
		&v.Title,
		&v.Description,
		&v.Category,
		&v.BeautySubCategory,
		&tagsJSON,
		&v.Duration,
		&v.Resolution,
		&v.StoragePath,
		&v.LegacyFilePath,
		&v.ThumbnailPath,
		&v.ThumbnailURL,
		&v.DownloadCount,
		&v.Status,
		&v.RejectionReason,
		&v.ReviewedBy,
		&v.ApprovedBy,
		&v.ApprovedAt,
		&v.ProductionVideoID,
		&v.FinalStoragePath,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tagsJSON, &v.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal staging tags: %w", err)
	}
	return &v, nil
}

// CreateStagingVideo inserts a staging row. Ingestion normally happens outside
// this service; the method exists for seeding and tests.
func (p *postgres) CreateStagingVideo(ctx context.Context, v model.StagingVideo) error {
	tagsJSON, err := marshalTags(v.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal staging tags: %w", err)
	}
	if v.Status == "" {
		v.Status = model.StagingPending
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO staging_videos (id, title, description, category, beauty_sub_category, tags,
	              duration, resolution, storage_path, file_path, thumbnail_path, thumbnail_url,
	              download_count, status, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`

	_, err = p.db.Exec(ctx, query,
		v.ID,
		v.Title,
		nullString(v.Description),
		v.Category,
		nullString(v.BeautySubCategory),
		tagsJSON,
		v.Duration,
		nullString(v.Resolution),
		nullString(v.StoragePath),
		nullString(v.LegacyFilePath),
		nullString(v.ThumbnailPath),
		nullString(v.ThumbnailURL),
		v.DownloadCount,
		v.Status,
		v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create staging video: %w", err)
	}
	return nil
}

func (p *postgres) GetStagingVideo(ctx context.Context, id string) (*model.StagingVideo, error) {
	query := `SELECT ` + stagingColumns + ` FROM staging_videos WHERE id = $1`
	v, err := scanStaging(p.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get staging video: %w", err)
	}
	return v, nil
}

func (p *postgres) ListStagingVideos(ctx context.Context, query model.ListStagingQuery) ([]model.StagingVideo, error) {
	baseQuery := `SELECT ` + stagingColumns + ` FROM staging_videos`
	args := []interface{}{}
	if query.Status != "" {
		baseQuery += ` WHERE status = $1`
		args = append(args, query.Status)
	}
	baseQuery += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT %d`, clampLimit(query.Limit, maxPageSize))

	rows, err := p.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list staging videos: %w", err)
	}
	defer rows.Close()

	out := make([]model.StagingVideo, 0)
	for rows.Next() {
		v, err := scanStaging(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staging video: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staging videos: %w", err)
	}
	return out, nil
}

// MarkStagingApproved only matches pending rows, so two racing approvals
// cannot both flip the same row.
func (p *postgres) MarkStagingApproved(ctx context.Context, id string, approval model.StagingApproval) (*model.StagingVideo, error) {
	query := `UPDATE staging_videos SET
	              status = 'approved',
	              approved_by = $2,
	              reviewed_by = $2,
	              approved_at = $3,
	              production_video_id = $4,
	              final_storage_path = $5,
	              thumbnail_path = COALESCE($6, thumbnail_path),
	              thumbnail_url = COALESCE($7, thumbnail_url),
	              updated_at = $3
	          WHERE id = $1 AND status = 'pending'
	          RETURNING ` + stagingColumns

	v, err := scanStaging(p.db.QueryRow(ctx, query,
		id,
		approval.ApprovedBy,
		approval.ApprovedAt,
		approval.ProductionVideoID,
		approval.FinalStoragePath,
		nullString(approval.ThumbnailPath),
		nullString(approval.ThumbnailURL)))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to approve staging video: %w", err)
	}
	// Distinguish a missing row from one that is no longer pending
	if _, getErr := p.GetStagingVideo(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrConflict
}

func (p *postgres) MarkStagingRejected(ctx context.Context, id, reason, reviewer string, at time.Time) (*model.StagingVideo, error) {
	query := `UPDATE staging_videos SET
	              status = 'rejected',
	              rejection_reason = $2,
	              reviewed_by = $3,
	              updated_at = $4
	          WHERE id = $1 AND status IN ('pending', 'rejected')
	          RETURNING ` + stagingColumns

	v, err := scanStaging(p.db.QueryRow(ctx, query, id, reason, reviewer, at))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to reject staging video: %w", err)
	}
	if _, getErr := p.GetStagingVideo(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrConflict
}

const assetColumns = `id, COALESCE(source_staging_id, ''), title, COALESCE(description, ''), category,
	COALESCE(beauty_sub_category, ''), tags, duration, COALESCE(resolution, ''), file_url,
	COALESCE(thumbnail_url, ''), storage_path, COALESCE(thumbnail_path, ''), is_featured,
	download_count, created_at`

func scanAsset(row pgx.Row) (*model.ProductionVideoAsset, error) {
	var a model.ProductionVideoAsset
	var tagsJSON []byte
	err := row.Scan(
		&a.ID,
		&a.SourceStagingID,
		&a.Title,
		&a.Description,
		&a.Category,
		&a.BeautySubCategory,
		&tagsJSON,
		&a.Duration,
		&a.Resolution,
		&a.FileURL,
		&a.ThumbnailURL,
		&a.StoragePath,
		&a.ThumbnailPath,
		&a.IsFeatured,
		&a.DownloadCount,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tagsJSON, &a.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal asset tags: %w", err)
	}
	return &a, nil
}

func (p *postgres) CreateProductionVideo(ctx context.Context, asset model.ProductionVideoAsset) error {
	tagsJSON, err := marshalTags(asset.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal asset tags: %w", err)
	}

	query := `INSERT INTO production_videos (id, source_staging_id, title, description, category,
	              beauty_sub_category, tags, duration, resolution, file_url, thumbnail_url,
	              storage_path, thumbnail_path, is_featured, download_count, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = p.db.Exec(ctx, query,
		asset.ID,
		nullString(asset.SourceStagingID),
		asset.Title,
		nullString(asset.Description),
		asset.Category,
		nullString(asset.BeautySubCategory),
		tagsJSON,
		asset.Duration,
		nullString(asset.Resolution),
		asset.FileURL,
		nullString(asset.ThumbnailURL),
		asset.StoragePath,
		nullString(asset.ThumbnailPath),
		asset.IsFeatured,
		asset.DownloadCount,
		asset.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create production video: %w", err)
	}
	return nil
}

func (p *postgres) GetProductionVideo(ctx context.Context, id string) (*model.ProductionVideoAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM production_videos WHERE id = $1`
	a, err := scanAsset(p.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get production video: %w", err)
	}
	return a, nil
}

func (p *postgres) GetProductionVideoByStagingID(ctx context.Context, stagingID string) (*model.ProductionVideoAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM production_videos WHERE source_staging_id = $1`
	a, err := scanAsset(p.db.QueryRow(ctx, query, stagingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get production video by staging id: %w", err)
	}
	return a, nil
}

// cursorData represents the data encoded in a pagination cursor
type cursorData struct {
	LastCreatedAt time.Time `json:"lastCreatedAt"`
	LastID        string    `json:"lastId"`
}

// encodeCursor encodes cursor data into a base64 string
func encodeCursor(lastCreatedAt time.Time, lastID string) string {
	jsonBytes, _ := json.Marshal(cursorData{LastCreatedAt: lastCreatedAt, LastID: lastID})
	return base64.URLEncoding.EncodeToString(jsonBytes)
}

// decodeCursor decodes a base64 cursor string into cursor data
func decodeCursor(cursor string) (*cursorData, error) {
	dataBytes, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var data cursorData
	if err := json.Unmarshal(dataBytes, &data); err != nil {
		return nil, ErrInvalidCursor
	}
	return &data, nil
}

// ListProductionVideos lists published assets newest first with cursor-based pagination
func (p *postgres) ListProductionVideos(ctx context.Context, query model.ListAssetsQuery) (*model.ListAssetsResult, error) {
	baseQuery := `SELECT ` + assetColumns + ` FROM production_videos WHERE TRUE`
	args := []interface{}{}
	argIndex := 1

	if query.Category != "" {
		baseQuery += fmt.Sprintf(" AND LOWER(category) = LOWER($%d)", argIndex)
		args = append(args, query.Category)
		argIndex++
	}

	if query.Featured != nil {
		baseQuery += fmt.Sprintf(" AND is_featured = $%d", argIndex)
		args = append(args, *query.Featured)
		argIndex++
	}

	if query.Cursor != "" {
		c, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, err
		}
		baseQuery += fmt.Sprintf(" AND (created_at < $%d OR (created_at = $%d AND id > $%d))", argIndex, argIndex, argIndex+1)
		args = append(args, c.LastCreatedAt, c.LastID)
		argIndex += 2
	}

	limit := clampLimit(query.Limit, maxPageSize)
	baseQuery += fmt.Sprintf(" ORDER BY created_at DESC, id ASC LIMIT $%d", argIndex)
	args = append(args, limit+1) // One extra row tells us whether another page exists

	rows, err := p.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list production videos: %w", err)
	}
	defer rows.Close()

	assets := make([]model.ProductionVideoAsset, 0, limit)
	more := false
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan production video: %w", err)
		}
		if len(assets) == limit {
			more = true
			break
		}
		assets = append(assets, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating production videos: %w", err)
	}

	result := &model.ListAssetsResult{Assets: assets}
	if more && len(assets) > 0 {
		last := assets[len(assets)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return result, nil
}

func (p *postgres) IncrementDownloadCount(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, `UPDATE production_videos SET download_count = download_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment download count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) ListOrphanedProductionVideos(ctx context.Context) ([]model.ProductionVideoAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM production_videos
	          WHERE EXISTS (
	              SELECT 1 FROM staging_videos s
	              WHERE s.id = production_videos.source_staging_id
	                AND (s.status <> 'approved' OR s.production_video_id IS DISTINCT FROM production_videos.id))
	          ORDER BY id`

	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned production videos: %w", err)
	}
	defer rows.Close()

	out := make([]model.ProductionVideoAsset, 0)
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan production video: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating production videos: %w", err)
	}
	return out, nil
}

const subscriptionColumns = `user_id, plan, status, current_period_start, current_period_end,
	monthly_download_limit, trial_downloads_limit, trial_downloads_used, trial_days_remaining,
	trial_start, trial_end, cancel_at_period_end, COALESCE(stripe_customer_id, ''),
	COALESCE(stripe_subscription_id, ''), created_at, updated_at`

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var s model.Subscription
	err := row.Scan(
		&s.UserID,
		&s.Plan,
		&s.Status,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.MonthlyDownloadLimit,
		&s.TrialDownloadsLimit,
		&s.TrialDownloadsUsed,
		&s.TrialDaysRemaining,
		&s.TrialStart,
		&s.TrialEnd,
		&s.CancelAtPeriodEnd,
		&s.BillingCustomerID,
		&s.BillingSubscriptionID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return &s, nil
}

func (p *postgres) GetSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1`
	return scanSubscription(p.db.QueryRow(ctx, query, userID))
}

func (p *postgres) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*model.Subscription, error) {
	if customerID == "" {
		return nil, ErrNotFound
	}
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE stripe_customer_id = $1
	          ORDER BY updated_at DESC LIMIT 1`
	return scanSubscription(p.db.QueryRow(ctx, query, customerID))
}

func (p *postgres) UpsertSubscription(ctx context.Context, sub model.Subscription) error {
	now := time.Now().UTC()
	query := `INSERT INTO subscriptions (user_id, plan, status, current_period_start, current_period_end,
	              monthly_download_limit, trial_downloads_limit, trial_downloads_used, trial_days_remaining,
	              trial_start, trial_end, cancel_at_period_end, stripe_customer_id, stripe_subscription_id,
	              created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	          ON CONFLICT (user_id) DO UPDATE SET
	              plan = EXCLUDED.plan,
	              status = EXCLUDED.status,
	              current_period_start = EXCLUDED.current_period_start,
	              current_period_end = EXCLUDED.current_period_end,
	              monthly_download_limit = EXCLUDED.monthly_download_limit,
	              trial_downloads_limit = EXCLUDED.trial_downloads_limit,
	              trial_downloads_used = EXCLUDED.trial_downloads_used,
	              trial_days_remaining = EXCLUDED.trial_days_remaining,
	              trial_start = EXCLUDED.trial_start,
	              trial_end = EXCLUDED.trial_end,
	              cancel_at_period_end = EXCLUDED.cancel_at_period_end,
	              stripe_customer_id = EXCLUDED.stripe_customer_id,
	              stripe_subscription_id = EXCLUDED.stripe_subscription_id,
	              updated_at = EXCLUDED.updated_at`

	_, err := p.db.Exec(ctx, query,
		sub.UserID,
		sub.Plan,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.MonthlyDownloadLimit,
		sub.TrialDownloadsLimit,
		sub.TrialDownloadsUsed,
		sub.TrialDaysRemaining,
		sub.TrialStart,
		sub.TrialEnd,
		sub.CancelAtPeriodEnd,
		nullString(sub.BillingCustomerID),
		nullString(sub.BillingSubscriptionID),
		now)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

func (p *postgres) IncrementTrialDownloadsUsed(ctx context.Context, userID string) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE subscriptions SET trial_downloads_used = trial_downloads_used + 1, updated_at = NOW() WHERE user_id = $1`,
		userID)
	if err != nil {
		return fmt.Errorf("failed to increment trial downloads: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) CreateDownloadRecord(ctx context.Context, rec model.DownloadHistoryRecord) error {
	query := `INSERT INTO download_history (id, user_id, video_id, downloaded_at, ip_address, user_agent)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := p.db.Exec(ctx, query,
		rec.ID,
		rec.UserID,
		rec.VideoID,
		rec.DownloadedAt,
		nullString(rec.IPAddress),
		nullString(rec.UserAgent))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create download record: %w", err)
	}
	return nil
}

func (p *postgres) CountDistinctDownloads(ctx context.Context, userID string, since, until time.Time) (int, error) {
	var n int
	err := p.db.QueryRow(ctx,
		`SELECT COUNT(DISTINCT video_id) FROM download_history
		 WHERE user_id = $1 AND downloaded_at >= $2 AND downloaded_at < $3`,
		userID, since, until).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count downloads: %w", err)
	}
	return n, nil
}

func (p *postgres) HasDownloaded(ctx context.Context, userID, videoID string, since time.Time) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM download_history WHERE user_id = $1 AND video_id = $2 AND downloaded_at >= $3)`,
		userID, videoID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check download history: %w", err)
	}
	return exists, nil
}

func (p *postgres) ListDownloadRecords(ctx context.Context, userID string, limit int) ([]model.DownloadHistoryRecord, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, user_id, video_id, downloaded_at, COALESCE(ip_address, ''), COALESCE(user_agent, '')
		 FROM download_history WHERE user_id = $1 AND hidden_at IS NULL
		 ORDER BY downloaded_at DESC, id DESC LIMIT $2`,
		userID, clampLimit(limit, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to list download records: %w", err)
	}
	defer rows.Close()

	out := make([]model.DownloadHistoryRecord, 0)
	for rows.Next() {
		var rec model.DownloadHistoryRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.VideoID, &rec.DownloadedAt, &rec.IPAddress, &rec.UserAgent); err != nil {
			return nil, fmt.Errorf("failed to scan download record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating download records: %w", err)
	}
	return out, nil
}

func (p *postgres) DeleteDownloadRecord(ctx context.Context, userID, id string) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE download_history SET hidden_at = NOW() WHERE id = $1 AND user_id = $2 AND hidden_at IS NULL`,
		id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete download record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) GetUserRole(ctx context.Context, userID string) (model.Role, error) {
	var role model.Role
	err := p.db.QueryRow(ctx, `SELECT role FROM user_roles WHERE user_id = $1`, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RoleUser, nil
		}
		return "", fmt.Errorf("failed to get user role: %w", err)
	}
	return role, nil
}

func (p *postgres) SetUserRole(ctx context.Context, role model.UserRole) error {
	if role.UpdatedAt.IsZero() {
		role.UpdatedAt = time.Now().UTC()
	}
	_, err := p.db.Exec(ctx,
		`INSERT INTO user_roles (user_id, role, granted_by, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET role = EXCLUDED.role, granted_by = EXCLUDED.granted_by, updated_at = EXCLUDED.updated_at`,
		role.UserID, role.Role, nullString(role.GrantedBy), role.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to set user role: %w", err)
	}
	return nil
}

func (p *postgres) BillingEventProcessed(ctx context.Context, providerEventID string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_events WHERE provider_event_id = $1)`,
		providerEventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check billing event: %w", err)
	}
	return exists, nil
}

func (p *postgres) RecordBillingEvent(ctx context.Context, receipt model.BillingEventReceipt) error {
	if receipt.ProcessedAt.IsZero() {
		receipt.ProcessedAt = time.Now().UTC()
	}
	_, err := p.db.Exec(ctx,
		`INSERT INTO billing_events (provider_event_id, type, processed_at) VALUES ($1, $2, $3)`,
		receipt.ProviderEventID, receipt.Type, receipt.ProcessedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to record billing event: %w", err)
	}
	return nil
}
