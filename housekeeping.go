package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const housekeepingInterval = time.Hour

// housekeep removes expired sessions and the stored content of files that
// can no longer be listed.
func housekeep(ctx context.Context, auth *AuthService, files *FileService, store *BlobStore, log *zap.Logger) error {
	sessions, err := auth.CleanupExpiredSessions(ctx)
	if err != nil {
		return err
	}

	ids, err := files.InactiveFileIDs(ctx)
	if err != nil {
		return err
	}
	var removed int
	for _, id := range ids {
		if err := store.Remove(id); err != nil {
			log.Warn("failed to remove file content", zap.Uint("file_id", id), zap.Error(err))
			continue
		}
		removed++
	}

	log.Info("housekeeping finished", zap.Int64("expired_sessions", sessions), zap.Int("inactive_files", removed))
	return nil
}

// runHousekeeping repeats housekeep until ctx is done.
func runHousekeeping(ctx context.Context, auth *AuthService, files *FileService, store *BlobStore, log *zap.Logger) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := housekeep(ctx, auth, files, store, log); err != nil {
				log.Error("housekeeping failed", zap.Error(err))
			}
		}
	}
}
