package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Authentication and session service
type AuthService struct {
	db    *gorm.DB
	sys   *SystemData
	clock Clock
	log   *zap.Logger
}

func NewAuthService(database *gorm.DB, sys *SystemData, clock Clock, log *zap.Logger) *AuthService {
	return &AuthService{db: database, sys: sys, clock: clock, log: log}
}

// Authenticate verifies the credentials and opens a new session for the
// account. Every earlier session of that account is closed in the same
// transaction.
func (s *AuthService) Authenticate(ctx context.Context, userID, password string) (string, error) {
	if userID == "" || password == "" {
		return "", ErrNotAuthenticated
	}

	var account Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		checkPassword(string(dummyPasswordHash), password)
		return "", ErrNotAuthenticated
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to look up account")
	}

	if !checkPassword(account.PasswordHash, password) {
		return "", ErrNotAuthenticated
	}

	sessionID, err := generateSessionID()
	if err != nil {
		return "", err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var previous []string
		if err := tx.Model(&SessionState{}).Where("user_id = ?", account.UserID).Pluck("session_id", &previous).Error; err != nil {
			return err
		}
		if err := deleteSessions(tx, previous); err != nil {
			return err
		}
		return tx.Create(&SessionState{
			SessionID: sessionID,
			UserID:    account.UserID,
			AccessDT:  s.clock.Now().UTC(),
		}).Error
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to create session")
	}

	s.log.Debug("session created", zap.String("user_id", account.UserID))
	return sessionID, nil
}

// ValidateSession resolves a session id and slides its expiry forward.
func (s *AuthService) ValidateSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	if sessionID == "" {
		return nil, ErrNotAuthenticated
	}

	var info *SessionInfo
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session SessionState
		err := tx.Where("session_id = ?", sessionID).First(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		if sessionExpired(session.AccessDT, now, s.sys.SessionTTL()) {
			return deleteSessions(tx, []string{sessionID})
		}

		if err := tx.Model(&SessionState{}).Where("session_id = ?", sessionID).Update("access_dt", now).Error; err != nil {
			return err
		}
		var account Account
		if err := tx.Where("user_id = ?", session.UserID).First(&account).Error; err != nil {
			return err
		}
		info = &SessionInfo{SessionID: session.SessionID, Account: account}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to validate session")
	}
	if info == nil {
		return nil, ErrNotAuthenticated
	}
	return info, nil
}

// Logout removes the session. Unknown sessions are ignored.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteSessions(tx, []string{sessionID})
	})
	return errors.Wrap(err, "failed to delete session")
}

// IssueFormToken stores a fresh one-time token for formName in the session,
// replacing any earlier token for the same form.
func (s *AuthService) IssueFormToken(ctx context.Context, sessionID, formName string) (string, error) {
	token := uuid.NewString()
	data := SessionData{
		SessionID: sessionID,
		Name:      formTokenKey(formName),
		Value:     token,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&data).Error
	if err != nil {
		return "", errors.Wrap(err, "failed to store form token")
	}
	return token, nil
}

// VerifyFormToken consumes the stored token for formName if it matches.
// A mismatch leaves the stored token in place.
func (s *AuthService) VerifyFormToken(ctx context.Context, sessionID, formName, token string) bool {
	if sessionID == "" || token == "" {
		s.log.Warn("form token missing", zap.String("form", formName))
		return false
	}

	result := s.db.WithContext(ctx).
		Where("session_id = ? AND name = ? AND value = ?", sessionID, formTokenKey(formName), token).
		Delete(&SessionData{})
	if result.Error != nil {
		s.log.Error("failed to verify form token", zap.String("form", formName), zap.Error(result.Error))
		return false
	}
	if result.RowsAffected != 1 {
		s.log.Warn("form token mismatch", zap.String("form", formName))
		return false
	}
	return true
}

const flashKey = "flash"

// SetFlash stores a message shown once on the next page of the session.
func (s *AuthService) SetFlash(ctx context.Context, sessionID, message string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&SessionData{SessionID: sessionID, Name: flashKey, Value: message}).Error
	return errors.Wrap(err, "failed to store flash message")
}

// PopFlash returns and removes the pending flash message, if any.
func (s *AuthService) PopFlash(ctx context.Context, sessionID string) string {
	var message string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var data SessionData
		err := tx.Where("session_id = ? AND name = ?", sessionID, flashKey).First(&data).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		message = data.Value
		return tx.Where("session_id = ? AND name = ?", sessionID, flashKey).Delete(&SessionData{}).Error
	})
	if err != nil {
		s.log.Warn("failed to read flash message", zap.Error(err))
		return ""
	}
	return message
}

// CleanupExpiredSessions deletes every session past its expiry.
func (s *AuthService) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	var sessions []SessionState
	if err := s.db.WithContext(ctx).Select("session_id", "access_dt").Find(&sessions).Error; err != nil {
		return 0, errors.Wrap(err, "failed to list sessions")
	}

	now := s.clock.Now().UTC()
	var expired []string
	for _, session := range sessions {
		if sessionExpired(session.AccessDT, now, s.sys.SessionTTL()) {
			expired = append(expired, session.SessionID)
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteSessions(tx, expired)
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete expired sessions")
	}
	return int64(len(expired)), nil
}

// sessionExpired is the one place session expiry is decided.
func sessionExpired(accessDT, now time.Time, ttl time.Duration) bool {
	return now.Sub(accessDT) >= ttl
}

func deleteSessions(tx *gorm.DB, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	if err := tx.Where("session_id IN ?", sessionIDs).Delete(&SessionData{}).Error; err != nil {
		return err
	}
	return tx.Where("session_id IN ?", sessionIDs).Delete(&SessionState{}).Error
}

func formTokenKey(formName string) string {
	return formName + "-token"
}

func generateSessionID() (string, error) {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	if err != nil {
		return "", errors.Wrap(err, "failed to generate session id")
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
