package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/models"
)

func (db *DB) CreateVideoAsset(ctx context.Context, asset *models.VideoAsset) error {
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO video_assets (
			id, tenant_id, filename, storage_path, url,
			duration, width, height, thumbnail_path, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := db.ExecContext(
		ctx, query,
		asset.ID.String(), asset.TenantID, asset.Filename, asset.StoragePath, asset.URL,
		asset.Duration, asset.Width, asset.Height, asset.ThumbnailPath, asset.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create video asset: %w", err)
	}
	return nil
}

func (db *DB) GetVideoAsset(ctx context.Context, id uuid.UUID) (*models.VideoAsset, error) {
	query := `
		SELECT
			id, tenant_id, filename, storage_path, url,
			duration, width, height, thumbnail_path, created_at
		FROM video_assets
		WHERE id = $1
	`

	asset := &models.VideoAsset{}
	var rawID string
	var thumb sql.NullString
	err := db.QueryRowContext(ctx, query, id.String()).Scan(
		&rawID, &asset.TenantID, &asset.Filename, &asset.StoragePath, &asset.URL,
		&asset.Duration, &asset.Width, &asset.Height, &thumb, &asset.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "db.GetVideoAsset", "video asset %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video asset: %w", err)
	}

	if asset.ID, err = uuid.Parse(rawID); err != nil {
		return nil, fmt.Errorf("invalid asset id %q: %w", rawID, err)
	}
	if thumb.Valid {
		asset.ThumbnailPath = &thumb.String
	}
	return asset, nil
}

func (db *DB) ListTenantVideoAssets(ctx context.Context, tenantID string, limit int) ([]models.VideoAsset, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT
			id, tenant_id, filename, storage_path, url,
			duration, width, height, thumbnail_path, created_at
		FROM video_assets
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list video assets: %w", err)
	}
	defer rows.Close()

	var assets []models.VideoAsset
	for rows.Next() {
		var a models.VideoAsset
		var rawID string
		var thumb sql.NullString
		if err := rows.Scan(
			&rawID, &a.TenantID, &a.Filename, &a.StoragePath, &a.URL,
			&a.Duration, &a.Width, &a.Height, &thumb, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan video asset: %w", err)
		}
		if a.ID, err = uuid.Parse(rawID); err != nil {
			return nil, fmt.Errorf("invalid asset id %q: %w", rawID, err)
		}
		if thumb.Valid {
			a.ThumbnailPath = &thumb.String
		}
		assets = append(assets, a)
	}

	return assets, rows.Err()
}
