package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type FileService struct {
	db    *gorm.DB
	clock Clock
}

func NewFileService(database *gorm.DB, clock Clock) *FileService {
	return &FileService{db: database, clock: clock}
}

type NewFile struct {
	Name        string
	DirectoryID uint
	UploaderID  string
	Summary     string
	// Expires overrides the directory's retention when set.
	Expires *time.Time
}

// RegisterFile records an upload. The content itself is stored by the
// caller under the returned file id.
func (s *FileService) RegisterFile(ctx context.Context, in NewFile) (*File, error) {
	if in.Name == "" {
		return nil, invalidField("file", "a file is required")
	}

	now := today(s.clock)
	if in.Expires != nil && dateOf(*in.Expires).Before(now) {
		return nil, invalidField("expires", "the expiry date is in the past")
	}

	var file File
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var directory Directory
		err := tx.Where("directory_id = ? AND is_deleted = ?", in.DirectoryID, false).First(&directory).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		expires := now.AddDate(0, 0, directory.ExpiresDays)
		if in.Expires != nil {
			expires = dateOf(*in.Expires)
		}

		file = File{
			OriginFileName:   in.Name,
			DirectoryID:      directory.DirectoryID,
			RegisteredUserID: in.UploaderID,
			RegisteredDate:   now,
			Summary:          in.Summary,
			Expires:          expires,
		}
		return tx.Create(&file).Error
	})
	if err != nil {
		return nil, wrapServiceError(err, "failed to register file")
	}
	return &file, nil
}

// SetContentInfo records the size and checksum of the stored content.
func (s *FileService) SetContentInfo(ctx context.Context, fileID uint, size int64, hash string) error {
	err := s.db.WithContext(ctx).Model(&File{}).Where("file_id = ?", fileID).Updates(map[string]interface{}{
		"size":         size,
		"content_hash": hash,
	}).Error
	return errors.Wrap(err, "failed to update file")
}

// ListActiveFiles returns the files of a directory that are neither deleted
// nor expired, newest first.
func (s *FileService) ListActiveFiles(ctx context.Context, directoryID uint) ([]File, error) {
	var files []File
	err := s.db.WithContext(ctx).
		Preload("RegisteredUser").
		Where("directory_id = ? AND is_deleted = ? AND expires >= ?", directoryID, false, today(s.clock)).
		Order("file_id DESC").
		Find(&files).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list files")
	}
	return files, nil
}

// GetFile looks a file up inside a directory. With onlyActive unset the
// metadata of expired and deleted files is returned as well.
func (s *FileService) GetFile(ctx context.Context, directoryID, fileID uint, onlyActive bool) (*File, error) {
	query := s.db.WithContext(ctx).Where("directory_id = ? AND file_id = ?", directoryID, fileID)
	if onlyActive {
		query = query.Where("is_deleted = ? AND expires >= ?", false, today(s.clock))
	}

	var file File
	err := query.First(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get file")
	}
	return &file, nil
}

// DeleteFile marks a file of the directory deleted and returns its original
// name. A file of another directory is left untouched.
func (s *FileService) DeleteFile(ctx context.Context, directoryID, fileID uint) (string, error) {
	var name string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file File
		err := tx.Where("directory_id = ? AND file_id = ? AND is_deleted = ?", directoryID, fileID, false).First(&file).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&file).Update("is_deleted", true).Error; err != nil {
			return err
		}
		name = file.OriginFileName
		return nil
	})
	if err != nil {
		return "", wrapServiceError(err, "failed to delete file")
	}
	return name, nil
}

// InactiveFileIDs lists files whose content may be removed from storage:
// deleted, expired, or inside a deleted directory.
func (s *FileService) InactiveFileIDs(ctx context.Context) ([]uint, error) {
	deletedDirectories := s.db.Model(&Directory{}).Select("directory_id").Where("is_deleted = ?", true)

	var ids []uint
	err := s.db.WithContext(ctx).Model(&File{}).
		Where("is_deleted = ? OR expires < ? OR directory_id IN (?)", true, today(s.clock), deletedDirectories).
		Order("file_id").
		Pluck("file_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list inactive files")
	}
	return ids, nil
}
