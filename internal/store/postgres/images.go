package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/runtarahq/runtara/internal/fault"
	"github.com/runtarahq/runtara/internal/store"
)

const imageColumns = `id, tenant_id, name, digest, size_bytes, runner_kind, metadata_json, blob_path, created_at`

func scanImage(row rowScanner) (*store.Image, error) {
	var img store.Image
	var metaJSON sql.NullString
	err := row.Scan(&img.ID, &img.TenantID, &img.Name, &img.Digest, &img.SizeBytes,
		&img.RunnerKind, &metaJSON, &img.BlobPath, &img.CreatedAt)
	if err != nil {
		return nil, err
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &img.Metadata); err != nil {
			return nil, fmt.Errorf("decode image metadata: %w", err)
		}
	}
	return &img, nil
}

func (s *Store) CreateImage(ctx context.Context, img *store.Image) error {
	var metaJSON sql.NullString
	if len(img.Metadata) > 0 {
		raw, err := json.Marshal(img.Metadata)
		if err != nil {
			return fmt.Errorf("encode image metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(raw), Valid: true}
	}
	createdAt := img.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query := `INSERT INTO images (id, tenant_id, name, digest, size_bytes, runner_kind, metadata_json, blob_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.ExecContext(ctx, query,
		img.ID, img.TenantID, img.Name, img.Digest, img.SizeBytes,
		img.RunnerKind, metaJSON, img.BlobPath, createdAt,
	)
	if err != nil {
		return fault.Storage(err)
	}
	img.CreatedAt = createdAt
	return nil
}

func (s *Store) GetImage(ctx context.Context, id string) (*store.Image, error) {
	query := fmt.Sprintf("SELECT %s FROM images WHERE id = $1", imageColumns)
	img, err := scanImage(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("image", id)
	}
	if err != nil {
		return nil, fault.Storage(err)
	}
	return img, nil
}

func (s *Store) GetImageByDigest(ctx context.Context, tenantID, digest string) (*store.Image, error) {
	query := fmt.Sprintf("SELECT %s FROM images WHERE tenant_id = $1 AND digest = $2", imageColumns)
	img, err := scanImage(s.db.QueryRowContext(ctx, query, tenantID, digest))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Storage(err)
	}
	return img, nil
}

func (s *Store) GetImageByName(ctx context.Context, tenantID, name string) (*store.Image, error) {
	query := fmt.Sprintf("SELECT %s FROM images WHERE tenant_id = $1 AND name = $2", imageColumns)
	img, err := scanImage(s.db.QueryRowContext(ctx, query, tenantID, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Storage(err)
	}
	return img, nil
}

func (s *Store) ListImages(ctx context.Context, f store.ImageFilter) ([]*store.Image, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM images WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, imageColumns)
	rows, err := s.db.QueryContext(ctx, query, f.TenantID, limit, f.Offset)
	if err != nil {
		return nil, fault.Storage(err)
	}
	defer rows.Close()

	var out []*store.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fault.Storage(err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage(err)
	}
	return out, nil
}

func (s *Store) CountImages(ctx context.Context, f store.ImageFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM images WHERE tenant_id = $1`
	var count int64
	if err := s.db.QueryRowContext(ctx, query, f.TenantID).Scan(&count); err != nil {
		return 0, fault.Storage(err)
	}
	return count, nil
}

func (s *Store) DeleteImage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return fault.Storage(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Storage(err)
	}
	if n == 0 {
		return fault.NotFound("image", id)
	}
	return nil
}
