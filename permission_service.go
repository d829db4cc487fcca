package main

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type PermissionService struct {
	db *gorm.DB
}

func NewPermissionService(database *gorm.DB) *PermissionService {
	return &PermissionService{db: database}
}

func (s *PermissionService) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var account Account
	err := s.db.WithContext(ctx).Select("user_id", "is_admin").Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to look up account")
	}
	return account.IsAdmin, nil
}

// CanAccessDirectory reports whether userID holds a permission on an active
// directory.
func (s *PermissionService) CanAccessDirectory(ctx context.Context, userID string, directoryID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Permission{}).
		Joins("JOIN directories ON directories.directory_id = permissions.directory_id").
		Where("permissions.user_id = ? AND permissions.directory_id = ? AND directories.is_deleted = ?", userID, directoryID, false).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to check permission")
	}
	return count > 0, nil
}

// ReplacePermissions swaps the whole viewer set of a directory.
func (s *PermissionService) ReplacePermissions(ctx context.Context, directoryID uint, userIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return replacePermissions(tx, directoryID, userIDs)
	})
}

// replacePermissions deletes every permission row of the directory and
// inserts exactly userIDs. Callers own the transaction.
func replacePermissions(tx *gorm.DB, directoryID uint, userIDs []string) error {
	userIDs = uniqueStrings(userIDs)
	if len(userIDs) == 0 {
		return invalidField("viewers", "at least one account must be able to access the directory")
	}

	var known int64
	if err := tx.Model(&Account{}).Where("user_id IN ?", userIDs).Count(&known).Error; err != nil {
		return errors.Wrap(err, "failed to look up accounts")
	}
	if known != int64(len(userIDs)) {
		return invalidField("viewers", "unknown account")
	}

	if err := tx.Where("directory_id = ?", directoryID).Delete(&Permission{}).Error; err != nil {
		return errors.Wrap(err, "failed to delete permissions")
	}

	permissions := make([]Permission, 0, len(userIDs))
	for _, userID := range userIDs {
		permissions = append(permissions, Permission{DirectoryID: directoryID, UserID: userID})
	}
	if err := tx.Create(&permissions).Error; err != nil {
		return errors.Wrap(err, "failed to insert permissions")
	}
	return nil
}

// Viewers lists the accounts allowed into a directory.
func (s *PermissionService) Viewers(ctx context.Context, directoryID uint) ([]string, error) {
	var userIDs []string
	err := s.db.WithContext(ctx).Model(&Permission{}).
		Where("directory_id = ?", directoryID).
		Order("user_id").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list viewers")
	}
	return userIDs, nil
}

// AccessibleDirectories lists the active directories userID may open.
func (s *PermissionService) AccessibleDirectories(ctx context.Context, userID string) ([]Directory, error) {
	var directories []Directory
	err := s.db.WithContext(ctx).
		Joins("JOIN permissions ON permissions.directory_id = directories.directory_id").
		Where("permissions.user_id = ? AND directories.is_deleted = ?", userID, false).
		Order("directories.directory_name").
		Find(&directories).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list directories")
	}
	return directories, nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
