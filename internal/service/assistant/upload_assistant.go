package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"unichat/internal/models"
)

// RecordUpload persists an uploaded file that expires after ttl.
func (s *Service) RecordUpload(ctx context.Context, userID int64, fileName, storedPath, mimeType string, size int64, ttl time.Duration) (*models.Upload, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if ttl <= 0 {
		ttl = DefaultUploadTTL
	}
	now := time.Now().UTC()
	up := &models.Upload{
		ID:         uuid.NewString(),
		UserID:     userID,
		FileName:   fileName,
		StoredPath: storedPath,
		MimeType:   mimeType,
		Size:       size,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (id, user_id, file_name, stored_path, mime_type, size, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		up.ID, up.UserID, up.FileName, up.StoredPath, up.MimeType, up.Size, up.CreatedAt, up.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record upload: %w", err)
	}
	return up, nil
}

// GetUploads returns the unexpired uploads of the user among ids, in no particular order.
func (s *Service) GetUploads(ctx context.Context, userID int64, ids []string) ([]models.Upload, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, userID, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	return s.queryUploads(ctx, `user_id = ? AND expires_at > ? AND id IN (`+placeholders+`)`, args...)
}

const uploadColumns = `id, user_id, file_name, stored_path, mime_type, size, created_at, expires_at`

func (s *Service) queryUploads(ctx context.Context, where string, args ...any) ([]models.Upload, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer rows.Close()

	var uploads []models.Upload
	for rows.Next() {
		var u models.Upload
		if err := rows.Scan(&u.ID, &u.UserID, &u.FileName, &u.StoredPath, &u.MimeType, &u.Size, &u.CreatedAt, &u.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// UploadStorageUsage sums the bytes the user currently stores.
func (s *Service) UploadStorageUsage(ctx context.Context, userID int64) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM uploads WHERE user_id = ? AND expires_at > ?`,
		userID, time.Now().UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum uploads: %w", err)
	}
	return total, nil
}
