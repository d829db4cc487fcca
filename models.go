package main

import (
	"time"
)

type Account struct {
	UserID       string    `gorm:"primaryKey;size:50"`
	DisplayName  string    `gorm:"size:100;not null"`
	PasswordHash string    `gorm:"not null"`
	IsAdmin      bool      `gorm:"not null;default:false"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`

	Sessions    []SessionState `gorm:"foreignKey:UserID;references:UserID;constraint:OnDelete:CASCADE"`
	Permissions []Permission   `gorm:"foreignKey:UserID;references:UserID;constraint:OnDelete:CASCADE"`
}

func (Account) TableName() string { return "accounts" }

// Directory names are unique among active rows only, so there is no
// unique index on DirectoryName.
type Directory struct {
	DirectoryID   uint      `gorm:"primaryKey"`
	DirectoryName string    `gorm:"size:100;not null;index"`
	CreateDate    time.Time `gorm:"not null"`
	Summary       string
	ExpiresDays   int          `gorm:"not null"`
	IsDeleted     bool         `gorm:"not null;default:false;index"`
	Permissions   []Permission `gorm:"foreignKey:DirectoryID;references:DirectoryID;constraint:OnDelete:CASCADE"`
	Files         []File       `gorm:"foreignKey:DirectoryID;references:DirectoryID;constraint:OnDelete:CASCADE"`
}

func (Directory) TableName() string { return "directories" }

type Permission struct {
	DirectoryID uint   `gorm:"primaryKey;autoIncrement:false"`
	UserID      string `gorm:"primaryKey;size:50"`
}

func (Permission) TableName() string { return "permissions" }

type File struct {
	FileID           uint      `gorm:"primaryKey"`
	OriginFileName   string    `gorm:"size:500;not null"`
	DirectoryID      uint      `gorm:"not null;index"`
	RegisteredUserID string    `gorm:"size:50;not null;index"`
	RegisteredUser   Account   `gorm:"foreignKey:RegisteredUserID;references:UserID"`
	RegisteredDate   time.Time `gorm:"not null"`
	Summary          string
	Expires          time.Time `gorm:"not null;index"`
	IsDeleted        bool      `gorm:"not null;default:false;index"`
	Size             int64     `gorm:"not null;default:0"`
	ContentHash      string    `gorm:"size:64"`
}

func (File) TableName() string { return "files" }

type SessionState struct {
	SessionID string        `gorm:"primaryKey;size:64"`
	UserID    string        `gorm:"size:50;not null;index"`
	AccessDT  time.Time     `gorm:"column:access_dt;not null;index"`
	CreatedAt time.Time     `gorm:"autoCreateTime"`
	Data      []SessionData `gorm:"foreignKey:SessionID;references:SessionID;constraint:OnDelete:CASCADE"`
}

func (SessionState) TableName() string { return "session_states" }

type SessionData struct {
	SessionID string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"primaryKey;size:100"`
	Value     string `gorm:"not null"`
}

func (SessionData) TableName() string { return "session_data" }

// SystemData is a singleton row (ID 1).
type SystemData struct {
	ID                    uint   `gorm:"primaryKey"`
	SecretKey             string `gorm:"not null"`
	SessionExpiresMinutes int    `gorm:"not null"`
}

func (SystemData) TableName() string { return "system_data" }

func (s *SystemData) SessionTTL() time.Duration {
	return time.Duration(s.SessionExpiresMinutes) * time.Minute
}

// SessionInfo is what a validated session resolves to.
type SessionInfo struct {
	SessionID string
	Account   Account
}
