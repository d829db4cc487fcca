package main

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type AccountService struct {
	db *gorm.DB
}

func NewAccountService(database *gorm.DB) *AccountService {
	return &AccountService{db: database}
}

type AccountInput struct {
	UserID      string
	DisplayName string
	Password    string
	IsAdmin     bool
}

func (s *AccountService) Create(ctx context.Context, in AccountInput) (*Account, error) {
	if err := validateUserID(in.UserID); err != nil {
		return nil, err
	}
	if err := validateDisplayName(in.DisplayName); err != nil {
		return nil, err
	}
	hashed, err := hashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	account := &Account{
		UserID:       in.UserID,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		PasswordHash: hashed,
		IsAdmin:      in.IsAdmin,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Account{}).Where("user_id = ?", in.UserID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return duplicateField("user_id", "this user ID is already registered")
		}
		return tx.Create(account).Error
	})
	if err != nil {
		return nil, wrapServiceError(err, "failed to create account")
	}
	return account, nil
}

func (s *AccountService) Get(ctx context.Context, userID string) (*Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get account")
	}
	return &account, nil
}

func (s *AccountService) List(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := s.db.WithContext(ctx).Order("user_id").Find(&accounts).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list accounts")
	}
	return accounts, nil
}

func (s *AccountService) UpdateProfile(ctx context.Context, userID, displayName string) error {
	if err := validateDisplayName(displayName); err != nil {
		return err
	}
	return s.update(ctx, userID, map[string]interface{}{"display_name": strings.TrimSpace(displayName)})
}

// ChangePassword replaces the password after checking the current one.
func (s *AccountService) ChangePassword(ctx context.Context, userID, current, next string) error {
	account, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !checkPassword(account.PasswordHash, current) {
		return invalidField("current_password", "the current password is wrong")
	}
	return s.ResetPassword(ctx, userID, next)
}

func (s *AccountService) ResetPassword(ctx context.Context, userID, password string) error {
	hashed, err := hashPassword(password)
	if err != nil {
		return err
	}
	return s.update(ctx, userID, map[string]interface{}{"password_hash": hashed})
}

func (s *AccountService) AdminUpdate(ctx context.Context, userID, displayName string, isAdmin bool) error {
	if err := validateDisplayName(displayName); err != nil {
		return err
	}
	return s.update(ctx, userID, map[string]interface{}{
		"display_name": strings.TrimSpace(displayName),
		"is_admin":     isAdmin,
	})
}

func (s *AccountService) update(ctx context.Context, userID string, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&Account{}).Where("user_id = ?", userID).Updates(fields)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update account")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
