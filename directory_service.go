package main

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type DirectoryService struct {
	db    *gorm.DB
	clock Clock
}

func NewDirectoryService(database *gorm.DB, clock Clock) *DirectoryService {
	return &DirectoryService{db: database, clock: clock}
}

type DirectoryInput struct {
	Name        string
	Summary     string
	ExpiresDays int
	Viewers     []string
}

func (in DirectoryInput) validate() error {
	if err := validateDirectoryName(in.Name); err != nil {
		return err
	}
	return validateExpiresDays(in.ExpiresDays)
}

// Create registers a directory together with its viewers. The name must be
// unused among active directories.
func (s *DirectoryService) Create(ctx context.Context, in DirectoryInput) (*Directory, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	directory := &Directory{
		DirectoryName: in.Name,
		CreateDate:    today(s.clock),
		Summary:       in.Summary,
		ExpiresDays:   in.ExpiresDays,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkDirectoryNameFree(tx, in.Name, 0); err != nil {
			return err
		}
		if err := tx.Create(directory).Error; err != nil {
			return err
		}
		return replacePermissions(tx, directory.DirectoryID, in.Viewers)
	})
	if err != nil {
		return nil, wrapServiceError(err, "failed to create directory")
	}
	return directory, nil
}

// Update changes the directory attributes and replaces its viewers.
func (s *DirectoryService) Update(ctx context.Context, directoryID uint, in DirectoryInput) (*Directory, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var directory Directory
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("directory_id = ? AND is_deleted = ?", directoryID, false).First(&directory).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := checkDirectoryNameFree(tx, in.Name, directoryID); err != nil {
			return err
		}
		err := tx.Model(&directory).Updates(map[string]interface{}{
			"directory_name": in.Name,
			"summary":        in.Summary,
			"expires_days":   in.ExpiresDays,
		}).Error
		if err != nil {
			return err
		}
		directory.DirectoryName = in.Name
		directory.Summary = in.Summary
		directory.ExpiresDays = in.ExpiresDays
		return replacePermissions(tx, directoryID, in.Viewers)
	})
	if err != nil {
		return nil, wrapServiceError(err, "failed to update directory")
	}
	return &directory, nil
}

// Delete marks the directory deleted. Its name becomes free again.
func (s *DirectoryService) Delete(ctx context.Context, directoryID uint) (*Directory, error) {
	directory, err := s.Get(ctx, directoryID)
	if err != nil {
		return nil, err
	}
	result := s.db.WithContext(ctx).Model(&Directory{}).
		Where("directory_id = ? AND is_deleted = ?", directoryID, false).
		Update("is_deleted", true)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to delete directory")
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	directory.IsDeleted = true
	return directory, nil
}

// Get returns an active directory.
func (s *DirectoryService) Get(ctx context.Context, directoryID uint) (*Directory, error) {
	var directory Directory
	err := s.db.WithContext(ctx).Where("directory_id = ? AND is_deleted = ?", directoryID, false).First(&directory).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get directory")
	}
	return &directory, nil
}

func (s *DirectoryService) ListActive(ctx context.Context) ([]Directory, error) {
	var directories []Directory
	err := s.db.WithContext(ctx).Where("is_deleted = ?", false).Order("directory_name").Find(&directories).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list directories")
	}
	return directories, nil
}

// checkDirectoryNameFree fails with a duplicate error when another active
// directory already uses name.
func checkDirectoryNameFree(tx *gorm.DB, name string, exceptID uint) error {
	query := tx.Model(&Directory{}).Where("directory_name = ? AND is_deleted = ?", name, false)
	if exceptID != 0 {
		query = query.Where("directory_id <> ?", exceptID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return duplicateField("directory_name", "a directory with this name already exists")
	}
	return nil
}

// wrapServiceError keeps the known failure kinds intact and adds context to
// everything else.
func wrapServiceError(err error, message string) error {
	for _, kind := range []error{ErrDuplicate, ErrValidation, ErrNotFound, ErrForbidden, ErrNotAuthenticated} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return errors.Wrap(err, message)
}
