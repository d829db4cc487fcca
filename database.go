package main

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openDatabase connects to the SQLite database at dsn and migrates the schema.
func openDatabase(dsn string, debug bool) (*gorm.DB, error) {
	gormConfig := &gorm.Config{}
	if !debug {
		gormConfig.Logger = logger.Default.LogMode(logger.Silent)
	} else {
		// In debug mode, only log warnings and errors, not "record not found" info messages
		gormConfig.Logger = logger.Default.LogMode(logger.Warn)
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sql db")
	}

	// SQLite has a single writer; one connection also keeps :memory: databases
	// alive across queries.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}

	err = db.AutoMigrate(
		&Account{},
		&Directory{},
		&Permission{},
		&File{},
		&SessionState{},
		&SessionData{},
		&SystemData{},
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return db, nil
}

// loadSystemData returns the singleton settings row, creating it with a fresh
// secret key on first start. An existing row keeps its secret so issued
// cookies stay valid across restarts; the session lifetime follows the
// configuration.
func loadSystemData(db *gorm.DB, sessionExpiresMinutes int) (*SystemData, error) {
	if sessionExpiresMinutes <= 0 {
		return nil, errors.Wrap(ErrValidation, "session_expires_minutes must be positive")
	}

	var sys SystemData
	err := db.Where("id = ?", 1).First(&sys).Error
	if err == nil {
		if sys.SessionExpiresMinutes != sessionExpiresMinutes {
			sys.SessionExpiresMinutes = sessionExpiresMinutes
			if err := db.Model(&sys).Update("session_expires_minutes", sessionExpiresMinutes).Error; err != nil {
				return nil, errors.Wrap(err, "failed to update system data")
			}
		}
		return &sys, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "failed to load system data")
	}

	secret, err := generateSecretKey()
	if err != nil {
		return nil, err
	}
	sys = SystemData{
		ID:                    1,
		SecretKey:             secret,
		SessionExpiresMinutes: sessionExpiresMinutes,
	}
	if err := db.Create(&sys).Error; err != nil {
		return nil, errors.Wrap(err, "failed to create system data")
	}
	return &sys, nil
}

func generateSecretKey() (string, error) {
	b := make([]byte, 48)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "failed to generate secret key")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
