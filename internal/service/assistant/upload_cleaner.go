package assistant

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"unichat/internal/logging"
)

const (
	DefaultUploadTTL             = 24 * time.Hour
	DefaultUploadCleanupInterval = time.Hour
)

// StartUploadCleaner runs CleanupExpiredUploads every interval until ctx is done.
func (s *Service) StartUploadCleaner(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = DefaultUploadCleanupInterval
	}
	log := logging.OrNop(logger).With(zap.String("component", "upload-cleaner"))
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := s.CleanupExpiredUploads(ctx, log)
			switch {
			case err != nil:
				log.Warn("cleanup uploads", zap.Error(err))
			case n > 0:
				log.Info("removed expired uploads", zap.Int("count", n))
			}
		}
	}()
}

// CleanupExpiredUploads deletes expired files, then their rows, and prunes
// the per-user directory once it is empty. A file that cannot be removed
// keeps its row so the next pass retries it.
func (s *Service) CleanupExpiredUploads(ctx context.Context, logger *zap.Logger) (int, error) {
	log := logging.OrNop(logger)
	expired, err := s.queryUploads(ctx, `expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, u := range expired {
		if err := os.Remove(u.StoredPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("remove upload file", zap.String("path", u.StoredPath), zap.Error(err))
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, u.ID); err != nil {
			log.Warn("delete upload record", zap.String("id", u.ID), zap.Error(err))
			continue
		}
		removed++
		// fails harmlessly while the directory still has files
		_ = os.Remove(filepath.Dir(u.StoredPath))
	}
	return removed, nil
}
