package main

import (
	"context"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	passwordHashCost = bcrypt.MinCost
	os.Exit(m.Run())
}

type stubClock struct {
	now time.Time
}

func newStubClock() *stubClock {
	return &stubClock{now: time.Date(2024, time.April, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *stubClock) Now() time.Time { return c.now }

func (c *stubClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := openDatabase(":memory:", false)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func setupAuth(t *testing.T, db *gorm.DB, clock Clock) *AuthService {
	t.Helper()
	sys, err := loadSystemData(db, 60)
	if err != nil {
		t.Fatalf("Failed to load system data: %v", err)
	}
	return NewAuthService(db, sys, clock, zap.NewNop())
}

func mustCreateAccount(t *testing.T, db *gorm.DB, userID, password string, isAdmin bool) *Account {
	t.Helper()
	account, err := NewAccountService(db).Create(context.Background(), AccountInput{
		UserID:      userID,
		DisplayName: userID,
		Password:    password,
		IsAdmin:     isAdmin,
	})
	if err != nil {
		t.Fatalf("Failed to create account %s: %v", userID, err)
	}
	return account
}

func mustCreateDirectory(t *testing.T, db *gorm.DB, clock Clock, name string, days int, viewers ...string) *Directory {
	t.Helper()
	directory, err := NewDirectoryService(db, clock).Create(context.Background(), DirectoryInput{
		Name:        name,
		ExpiresDays: days,
		Viewers:     viewers,
	})
	if err != nil {
		t.Fatalf("Failed to create directory %s: %v", name, err)
	}
	return directory
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Where(query, args...).Count(&n).Error; err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	return n
}

func TestAuthService_Authenticate(t *testing.T) {
	db := setupTestDB(t)
	auth := setupAuth(t, db, newStubClock())
	mustCreateAccount(t, db, "alice", "password123", false)

	tests := []struct {
		name        string
		userID      string
		password    string
		expectError bool
	}{
		{"Valid login", "alice", "password123", false},
		{"Wrong password", "alice", "wrongpass", true},
		{"Unknown user", "nobody", "password123", true},
		{"Empty password", "alice", "", true},
		{"Empty user", "", "password123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessionID, err := auth.Authenticate(context.Background(), tt.userID, tt.password)
			if tt.expectError {
				if !errors.Is(err, ErrNotAuthenticated) {
					t.Errorf("Expected ErrNotAuthenticated, got %v", err)
				}
				if sessionID != "" {
					t.Errorf("Expected no session id, got %q", sessionID)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			info, err := auth.ValidateSession(context.Background(), sessionID)
			if err != nil {
				t.Fatalf("Failed to validate new session: %v", err)
			}
			if info.Account.UserID != tt.userID {
				t.Errorf("Expected session for %s, got %s", tt.userID, info.Account.UserID)
			}
		})
	}
}

func TestAuthService_FailedLoginKeepsSession(t *testing.T) {
	db := setupTestDB(t)
	auth := setupAuth(t, db, newStubClock())
	mustCreateAccount(t, db, "alice", "password123", false)
	ctx := context.Background()

	sessionID, err := auth.Authenticate(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("Failed to log in: %v", err)
	}
	if _, err := auth.Authenticate(ctx, "alice", "wrongpass"); err == nil {
		t.Fatal("Expected wrong password to fail")
	}

	if _, err := auth.ValidateSession(ctx, sessionID); err != nil {
		t.Errorf("A failed login must not close the existing session: %v", err)
	}
	if n := countRows(t, db, &SessionState{}, "user_id = ?", "alice"); n != 1 {
		t.Errorf("Expected 1 session, got %d", n)
	}
}

func TestAuthService_SingleSessionPerUser(t *testing.T) {
	db := setupTestDB(t)
	auth := setupAuth(t, db, newStubClock())
	mustCreateAccount(t, db, "alice", "password123", false)
	mustCreateAccount(t, db, "bob", "password123", false)
	ctx := context.Background()

	first, err := auth.Authenticate(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("Failed to log in: %v", err)
	}
	if _, err := auth.IssueFormToken(ctx, first, "upload"); err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	bobSession, err := auth.Authenticate(ctx, "bob", "password123")
	if err != nil {
		t.Fatalf("Failed to log in bob: %v", err)
	}

	second, err := auth.Authenticate(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("Failed to log in again: %v", err)
	}
	if first == second {
		t.Fatal("Expected a new session id")
	}

	if _, err := auth.ValidateSession(ctx, first); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected the first session to be gone, got %v", err)
	}
	if _, err := auth.ValidateSession(ctx, second); err != nil {
		t.Errorf("Expected the second session to be valid: %v", err)
	}
	if _, err := auth.ValidateSession(ctx, bobSession); err != nil {
		t.Errorf("Other accounts must keep their sessions: %v", err)
	}
	if n := countRows(t, db, &SessionData{}, "session_id = ?", first); n != 0 {
		t.Errorf("Expected the data of the first session to be deleted, got %d rows", n)
	}
}

func TestAuthService_SlidingExpiry(t *testing.T) {
	db := setupTestDB(t)
	clock := newStubClock()
	auth := setupAuth(t, db, clock)
	mustCreateAccount(t, db, "alice", "password123", false)
	ctx := context.Background()

	sessionID, err := auth.Authenticate(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("Failed to log in: %v", err)
	}

	// Each access within the TTL moves the expiry forward.
	for i := 0; i < 3; i++ {
		clock.Advance(59 * time.Minute)
		if _, err := auth.ValidateSession(ctx, sessionID); err != nil {
			t.Fatalf("Access %d: expected the session to be valid: %v", i, err)
		}
	}

	clock.Advance(60 * time.Minute)
	if _, err := auth.ValidateSession(ctx, sessionID); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected the session to expire after 60 idle minutes, got %v", err)
	}
	if n := countRows(t, db, &SessionState{}, "session_id = ?", sessionID); n != 0 {
		t.Errorf("Expected the expired session to be deleted, got %d rows", n)
	}
}

func TestAuthService_CleanupExpiredSessions(t *testing.T) {
	db := setupTestDB(t)
	clock := newStubClock()
	auth := setupAuth(t, db, clock)
	mustCreateAccount(t, db, "alice", "password123", false)
	mustCreateAccount(t, db, "bob", "password123", false)
	ctx := context.Background()

	alice, _ := auth.Authenticate(ctx, "alice", "password123")
	bob, _ := auth.Authenticate(ctx, "bob", "password123")
	if _, err := auth.IssueFormToken(ctx, bob, "upload"); err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}

	clock.Advance(30 * time.Minute)
	if _, err := auth.ValidateSession(ctx, alice); err != nil {
		t.Fatalf("Failed to touch session: %v", err)
	}
	clock.Advance(40 * time.Minute)

	removed, err := auth.CleanupExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 expired session, got %d", removed)
	}
	if _, err := auth.ValidateSession(ctx, alice); err != nil {
		t.Errorf("Expected alice's session to survive: %v", err)
	}
	if n := countRows(t, db, &SessionData{}, "session_id = ?", bob); n != 0 {
		t.Errorf("Expected bob's session data to be removed, got %d rows", n)
	}
}

func TestAuthService_FormTokens(t *testing.T) {
	db := setupTestDB(t)
	auth := setupAuth(t, db, newStubClock())
	mustCreateAccount(t, db, "alice", "password123", false)
	ctx := context.Background()

	sessionID, err := auth.Authenticate(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("Failed to log in: %v", err)
	}

	token, err := auth.IssueFormToken(ctx, sessionID, "upload")
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}

	if auth.VerifyFormToken(ctx, sessionID, "upload", "not-the-token") {
		t.Error("Expected a wrong token to be rejected")
	}
	if auth.VerifyFormToken(ctx, sessionID, "delete", token) {
		t.Error("Expected a token of another form to be rejected")
	}
	if !auth.VerifyFormToken(ctx, sessionID, "upload", token) {
		t.Error("Expected the stored token to survive a mismatch and verify")
	}
	if auth.VerifyFormToken(ctx, sessionID, "upload", token) {
		t.Error("Expected a token to verify only once")
	}

	old, _ := auth.IssueFormToken(ctx, sessionID, "profile")
	fresh, _ := auth.IssueFormToken(ctx, sessionID, "profile")
	if auth.VerifyFormToken(ctx, sessionID, "profile", old) {
		t.Error("Expected a replaced token to be rejected")
	}
	if !auth.VerifyFormToken(ctx, sessionID, "profile", fresh) {
		t.Error("Expected the latest token to verify")
	}
}

func TestAuthService_Flash(t *testing.T) {
	db := setupTestDB(t)
	auth := setupAuth(t, db, newStubClock())
	mustCreateAccount(t, db, "alice", "password123", false)
	ctx := context.Background()

	sessionID, _ := auth.Authenticate(ctx, "alice", "password123")
	if err := auth.SetFlash(ctx, sessionID, "Deleted q1.pdf"); err != nil {
		t.Fatalf("Failed to set flash: %v", err)
	}
	if got := auth.PopFlash(ctx, sessionID); got != "Deleted q1.pdf" {
		t.Errorf("Expected flash message, got %q", got)
	}
	if got := auth.PopFlash(ctx, sessionID); got != "" {
		t.Errorf("Expected the flash to be shown once, got %q", got)
	}
}

func TestLoadSystemData(t *testing.T) {
	db := setupTestDB(t)

	first, err := loadSystemData(db, 60)
	if err != nil {
		t.Fatalf("Failed to create system data: %v", err)
	}
	if first.SecretKey == "" {
		t.Fatal("Expected a secret key")
	}

	second, err := loadSystemData(db, 15)
	if err != nil {
		t.Fatalf("Failed to load system data: %v", err)
	}
	if second.SecretKey != first.SecretKey {
		t.Error("Expected the secret key to be kept")
	}
	if second.SessionTTL() != 15*time.Minute {
		t.Errorf("Expected a TTL of 15m, got %v", second.SessionTTL())
	}

	if _, err := loadSystemData(db, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected a non-positive lifetime to be rejected, got %v", err)
	}
}

func TestAccountService_Create(t *testing.T) {
	db := setupTestDB(t)
	accounts := NewAccountService(db)
	mustCreateAccount(t, db, "alice", "password123", false)

	tests := []struct {
		name  string
		input AccountInput
		kind  error
		field string
	}{
		{"Valid account", AccountInput{UserID: "bob", DisplayName: "Bob", Password: "password123"}, nil, ""},
		{"Duplicate user id", AccountInput{UserID: "alice", DisplayName: "Alice", Password: "password123"}, ErrDuplicate, "user_id"},
		{"User id starting with a digit", AccountInput{UserID: "1abc", DisplayName: "x", Password: "password123"}, ErrValidation, "user_id"},
		{"User id with a space", AccountInput{UserID: "a b", DisplayName: "x", Password: "password123"}, ErrValidation, "user_id"},
		{"Empty display name", AccountInput{UserID: "carol", DisplayName: "  ", Password: "password123"}, ErrValidation, "display_name"},
		{"Short password", AccountInput{UserID: "dave", DisplayName: "Dave", Password: "12345"}, ErrValidation, "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account, err := accounts.Create(context.Background(), tt.input)
			if tt.kind == nil {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if account.PasswordHash == tt.input.Password {
					t.Error("Expected the password to be hashed")
				}
				return
			}
			if !errors.Is(err, tt.kind) {
				t.Fatalf("Expected %v, got %v", tt.kind, err)
			}
			if _, ok := fieldErrors(err)[tt.field]; !ok {
				t.Errorf("Expected an error on %s, got %v", tt.field, fieldErrors(err))
			}
		})
	}
}

func TestAccountService_ChangePassword(t *testing.T) {
	db := setupTestDB(t)
	auth := setupAuth(t, db, newStubClock())
	accounts := NewAccountService(db)
	mustCreateAccount(t, db, "alice", "password123", false)
	ctx := context.Background()

	err := accounts.ChangePassword(ctx, "alice", "wrongpass", "newpassword")
	if _, ok := fieldErrors(err)["current_password"]; !ok {
		t.Fatalf("Expected a current_password error, got %v", err)
	}

	if err := accounts.ChangePassword(ctx, "alice", "password123", "newpassword"); err != nil {
		t.Fatalf("Failed to change password: %v", err)
	}
	if _, err := auth.Authenticate(ctx, "alice", "password123"); err == nil {
		t.Error("Expected the old password to stop working")
	}
	if _, err := auth.Authenticate(ctx, "alice", "newpassword"); err != nil {
		t.Errorf("Expected the new password to work: %v", err)
	}
}

func TestAccountService_AdminUpdate(t *testing.T) {
	db := setupTestDB(t)
	accounts := NewAccountService(db)
	perms := NewPermissionService(db)
	mustCreateAccount(t, db, "alice", "password123", false)
	ctx := context.Background()

	if err := accounts.AdminUpdate(ctx, "alice", "Alice A.", true); err != nil {
		t.Fatalf("Failed to update account: %v", err)
	}
	isAdmin, err := perms.IsAdmin(ctx, "alice")
	if err != nil || !isAdmin {
		t.Errorf("Expected alice to be an admin, got %v, %v", isAdmin, err)
	}

	if err := accounts.AdminUpdate(ctx, "nobody", "Nobody", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPermissionService_IsAdmin(t *testing.T) {
	db := setupTestDB(t)
	perms := NewPermissionService(db)
	mustCreateAccount(t, db, "root", "password123", true)
	mustCreateAccount(t, db, "alice", "password123", false)

	tests := []struct {
		userID   string
		expected bool
	}{
		{"root", true},
		{"alice", false},
		{"nobody", false},
	}
	for _, tt := range tests {
		got, err := perms.IsAdmin(context.Background(), tt.userID)
		if err != nil {
			t.Fatalf("IsAdmin(%s) failed: %v", tt.userID, err)
		}
		if got != tt.expected {
			t.Errorf("IsAdmin(%s): expected %v, got %v", tt.userID, tt.expected, got)
		}
	}
}

func TestPermissionService_ReplacePermissions(t *testing.T) {
	db := setupTestDB(t)
	clock := newStubClock()
	perms := NewPermissionService(db)
	for _, id := range []string{"alice", "bob", "carol"} {
		mustCreateAccount(t, db, id, "password123", false)
	}
	ctx := context.Background()
	directory := mustCreateDirectory(t, db, clock, "reports", 14, "alice", "bob")

	if err := perms.ReplacePermissions(ctx, directory.DirectoryID, []string{"bob", "carol", "bob"}); err != nil {
		t.Fatalf("Failed to replace permissions: %v", err)
	}

	viewers, err := perms.Viewers(ctx, directory.DirectoryID)
	if err != nil {
		t.Fatalf("Failed to list viewers: %v", err)
	}
	if !reflect.DeepEqual(viewers, []string{"bob", "carol"}) {
		t.Errorf("Expected viewers [bob carol], got %v", viewers)
	}

	tests := []struct {
		userID   string
		expected bool
	}{
		{"alice", false},
		{"bob", true},
		{"carol", true},
	}
	for _, tt := range tests {
		got, err := perms.CanAccessDirectory(ctx, tt.userID, directory.DirectoryID)
		if err != nil {
			t.Fatalf("CanAccessDirectory(%s) failed: %v", tt.userID, err)
		}
		if got != tt.expected {
			t.Errorf("CanAccessDirectory(%s): expected %v, got %v", tt.userID, tt.expected, got)
		}
	}

	if err := perms.ReplacePermissions(ctx, directory.DirectoryID, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected an empty viewer set to be rejected, got %v", err)
	}
	if err := perms.ReplacePermissions(ctx, directory.DirectoryID, []string{"bob", "mallory"}); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected an unknown account to be rejected, got %v", err)
	}
	viewers, _ = perms.Viewers(ctx, directory.DirectoryID)
	if !reflect.DeepEqual(viewers, []string{"bob", "carol"}) {
		t.Errorf("Expected a rejected replacement to leave [bob carol], got %v", viewers)
	}
}

func TestPermissionService_AccessibleDirectories(t *testing.T) {
	db := setupTestDB(t)
	clock := newStubClock()
	perms := NewPermissionService(db)
	dirs := NewDirectoryService(db, clock)
	mustCreateAccount(t, db, "alice", "password123", false)
	mustCreateAccount(t, db, "bob", "password123", false)
	ctx := context.Background()

	mustCreateDirectory(t, db, clock, "reports", 14, "alice")
	mustCreateDirectory(t, db, clock, "archive", 7, "alice", "bob")
	gone := mustCreateDirectory(t, db, clock, "old", 7, "alice")
	mustCreateDirectory(t, db, clock, "private", 7, "bob")

	if _, err := dirs.Delete(ctx, gone.DirectoryID); err != nil {
		t.Fatalf("Failed to delete directory: %v", err)
	}

	directories, err := perms.AccessibleDirectories(ctx, "alice")
	if err != nil {
		t.Fatalf("Failed to list directories: %v", err)
	}
	var names []string
	for _, d := range directories {
		names = append(names, d.DirectoryName)
	}
	if !reflect.DeepEqual(names, []string{"archive", "reports"}) {
		t.Errorf("Expected [archive reports], got %v", names)
	}

	if ok, _ := perms.CanAccessDirectory(ctx, "alice", gone.DirectoryID); ok {
		t.Error("Expected no access to a deleted directory")
	}
}

func TestDirectoryService_NameUniqueAmongActive(t *testing.T) {
	db := setupTestDB(t)
	clock := newStubClock()
	dirs := NewDirectoryService(db, clock)
	mustCreateAccount(t, db, "alice", "password123", false)
	ctx := context.Background()

	first := mustCreateDirectory(t, db, clock, "reports", 14, "alice")

	_, err := dirs.Create(ctx, DirectoryInput{Name: "reports", ExpiresDays: 7, Viewers: []string{"alice"}})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Expected ErrDuplicate, got %v", err)
	}

	deleted, err := dirs.Delete(ctx, first.DirectoryID)
	if err != nil {
		t.Fatalf("Failed to delete directory: %v", err)
	}
	if !deleted.IsDeleted {
		t.Error("Expected the directory to be marked deleted")
	}
	if _, err := dirs.Delete(ctx, first.DirectoryID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected deleting twice to fail with ErrNotFound, got %v", err)
	}

	second, err := dirs.Create(ctx, DirectoryInput{Name: "reports", ExpiresDays: 7, Viewers: []string{"alice"}})
	if err != nil {
		t.Fatalf("Expected the name to be free after deletion: %v", err)
	}
	if second.DirectoryID == first.DirectoryID {
		t.Error("Expected a new directory id")
	}

	active, err := dirs.ListActive(ctx)
	if err != nil {
		t.Fatalf("Failed to list directories: %v", err)
	}
	if len(active) != 1 || active[0].DirectoryID != second.DirectoryID {
		t.Errorf("Expected only the new directory to be active, got %+v", active)
	}
}

func TestDirectoryService_Update(t *testing.T) {
	db := setupTestDB(t)
	clock := newStubClock()
	dirs := NewDirectoryService(db, clock)
	mustCreateAccount(t, db, "alice", "password123", false)
	mustCreateAccount(t, db, "bob", "password123", false)
	ctx := context.Background()

	reports := mustCreateDirectory(t, db, clock, "reports", 14, "alice")
	mustCreateDirectory(t, db, clock, "archive", 7, "alice")

	if _, err := dirs.Update(ctx, reports.DirectoryID, DirectoryInput{Name: "archive", ExpiresDays: 14, Viewers: []string{"alice"}}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected renaming onto an active name to fail, got %v", err)
	}

	updated, err := dirs.Update(ctx, reports.DirectoryID, DirectoryInput{Name: "reports", Summary: "Q1", ExpiresDays: 30, Viewers: []string{"bob"}})
	if err != nil {
		t.Fatalf("Failed to update directory: %v", err)
	}
	if updated.ExpiresDays != 30 || updated.Summary != "Q1" {
		t.Errorf("Expected updated attributes, got %+v", updated)
	}
	viewers, _ := NewPermissionService(db).Viewers(ctx, reports.DirectoryID)
	if !reflect.DeepEqual(viewers, []string{"bob"}) {
		t.Errorf("Expected viewers [bob], got %v", viewers)
	}
}

func TestDirectoryService_CreateValidation(t *testing.T) {
	db := setupTestDB(t)
	dirs := NewDirectoryService(db, newStubClock())
	mustCreateAccount(t, db, "alice", "password123", false)

	tests := []struct {
		name  string
		input DirectoryInput
		field string
	}{
		{"Name with a space", DirectoryInput{Name: "q1 reports", ExpiresDays: 7, Viewers: []string{"alice"}}, "directory_name"},
		{"Empty name", DirectoryInput{Name: "", ExpiresDays: 7, Viewers: []string{"alice"}}, "directory_name"},
		{"Zero days", DirectoryInput{Name: "reports", ExpiresDays: 0, Viewers: []string{"alice"}}, "expires_days"},
		{"No viewers", DirectoryInput{Name: "reports", ExpiresDays: 7}, "viewers"},
		{"Unknown viewer", DirectoryInput{Name: "reports", ExpiresDays: 7, Viewers: []string{"mallory"}}, "viewers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dirs.Create(context.Background(), tt.input)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Expected ErrValidation, got %v", err)
			}
			if _, ok := fieldErrors(err)[tt.field]; !ok {
				t.Errorf("Expected an error on %s, got %v", tt.field, fieldErrors(err))
			}
		})
	}

	if n := countRows(t, db, &Directory{}, "1 = 1"); n != 0 {
		t.Errorf("Expected rejected directories to be rolled back, found %d", n)
	}
}

func TestFileService_Expiry(t *testing.T) {
	db := setupTestDB(t)
	clock := newStubClock()
	files := NewFileService(db, clock)
	mustCreateAccount(t, db, "alice", "password123", false)
	directory := mustCreateDirectory(t, db, clock, "reports", 14, "alice")
	ctx := context.Background()

	file, err := files.RegisterFile(ctx, NewFile{Name: "q1.pdf", DirectoryID: directory.DirectoryID, UploaderID: "alice"})
	if err != nil {
		t.Fatalf("Failed to register file: %v", err)
	}
	expected := today(clock).AddDate(0, 0, 14)
	if !file.Expires.Equal(expected) {
		t.Errorf("Expected expiry %v, got %v", expected, file.Expires)
	}

	tests := []struct {
		day     int
		visible bool
	}{
		{13, true},
		{14, true},
		{15, false},
	}
	start := clock.Now()
	for _, tt := range tests {
		clock.now = start.AddDate(0, 0, tt.day)

		list, err := files.ListActiveFiles(ctx, directory.DirectoryID)
		if err != nil {
			t.Fatalf("Day %d: failed to list files: %v", tt.day, err)
		}
		if got := len(list) == 1; got != tt.visible {
			t.Errorf("Day %d: expected visible=%v, got %d files", tt.day, tt.visible, len(list))
		}

		_, err = files.GetFile(ctx, directory.DirectoryID, file.FileID, true)
		if tt.visible && err != nil {
			t.Errorf("Day %d: expected the file to be downloadable: %v", tt.day, err)
		}
		if !tt.visible && !errors.Is(err, ErrNotFound) {
			t.Errorf("Day %d: expected ErrNotFound, got %v", tt.day, err)
		}
	}

	meta, err := files.GetFile(ctx, directory.DirectoryID, file.FileID, false)
	if err != nil {
		t.Fatalf("Expected expired metadata to stay readable: %v", err)
	}
	if meta.OriginFileName != "q1.pdf" {
		t.Errorf("Expected q1.pdf, got %s", meta.OriginFileName)
	}
}

func TestFileService_RegisterFile(t *testing.T) {
	db := setupTestDB(t)
	clock := newStubClock()
	files := NewFileService(db, clock)
	dirs := NewDirectoryService(db, clock)
	mustCreateAccount(t, db, "alice", "password123", false)
	directory := mustCreateDirectory(t, db, clock, "reports", 14, "alice")
	gone := mustCreateDirectory(t, db, clock, "old", 14, "alice")
	ctx := context.Background()
	if _, err := dirs.Delete(ctx, gone.DirectoryID); err != nil {
		t.Fatalf("Failed to delete directory: %v", err)
	}

	yesterday := clock.Now().AddDate(0, 0, -1)
	nextMonth := clock.Now().AddDate(0, 1, 0)

	tests := []struct {
		name    string
		input   NewFile
		kind    error
		expires time.Time
	}{
		{"Default expiry", NewFile{Name: "a.txt", DirectoryID: directory.DirectoryID, UploaderID: "alice"}, nil, today(clock).AddDate(0, 0, 14)},
		{"Explicit expiry", NewFile{Name: "b.txt", DirectoryID: directory.DirectoryID, UploaderID: "alice", Expires: &nextMonth}, nil, dateOf(nextMonth)},
		{"Expiry in the past", NewFile{Name: "c.txt", DirectoryID: directory.DirectoryID, UploaderID: "alice", Expires: &yesterday}, ErrValidation, time.Time{}},
		{"Missing name", NewFile{DirectoryID: directory.DirectoryID, UploaderID: "alice"}, ErrValidation, time.Time{}},
		{"Deleted directory", NewFile{Name: "d.txt", DirectoryID: gone.DirectoryID, UploaderID: "alice"}, ErrNotFound, time.Time{}},
		{"Unknown directory", NewFile{Name: "e.txt", DirectoryID: 999, UploaderID: "alice"}, ErrNotFound, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file, err := files.RegisterFile(ctx, tt.input)
			if tt.kind != nil {
				if !errors.Is(err, tt.kind) {
					t.Errorf("Expected %v, got %v", tt.kind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !file.Expires.Equal(tt.expires) {
				t.Errorf("Expected expiry %v, got %v", tt.expires, file.Expires)
			}
		})
	}
}

func TestFileService_DeleteFile(t *testing.T) {
	db := setupTestDB(t)
	clock := newStubClock()
	files := NewFileService(db, clock)
	mustCreateAccount(t, db, "alice", "password123", false)
	reports := mustCreateDirectory(t, db, clock, "reports", 14, "alice")
	archive := mustCreateDirectory(t, db, clock, "archive", 14, "alice")
	ctx := context.Background()

	file, err := files.RegisterFile(ctx, NewFile{Name: "q1.pdf", DirectoryID: reports.DirectoryID, UploaderID: "alice"})
	if err != nil {
		t.Fatalf("Failed to register file: %v", err)
	}

	if _, err := files.DeleteFile(ctx, archive.DirectoryID, file.FileID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected deleting through another directory to fail, got %v", err)
	}
	if _, err := files.GetFile(ctx, reports.DirectoryID, file.FileID, true); err != nil {
		t.Errorf("Expected the file to stay active: %v", err)
	}

	name, err := files.DeleteFile(ctx, reports.DirectoryID, file.FileID)
	if err != nil {
		t.Fatalf("Failed to delete file: %v", err)
	}
	if name != "q1.pdf" {
		t.Errorf("Expected q1.pdf, got %s", name)
	}
	if _, err := files.DeleteFile(ctx, reports.DirectoryID, file.FileID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected a second delete to fail, got %v", err)
	}
	list, _ := files.ListActiveFiles(ctx, reports.DirectoryID)
	if len(list) != 0 {
		t.Errorf("Expected no active files, got %d", len(list))
	}
}

func TestFileService_ListActiveFilesOrder(t *testing.T) {
	db := setupTestDB(t)
	clock := newStubClock()
	files := NewFileService(db, clock)
	mustCreateAccount(t, db, "alice", "password123", false)
	directory := mustCreateDirectory(t, db, clock, "reports", 14, "alice")
	ctx := context.Background()

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if _, err := files.RegisterFile(ctx, NewFile{Name: name, DirectoryID: directory.DirectoryID, UploaderID: "alice"}); err != nil {
			t.Fatalf("Failed to register %s: %v", name, err)
		}
	}

	list, err := files.ListActiveFiles(ctx, directory.DirectoryID)
	if err != nil {
		t.Fatalf("Failed to list files: %v", err)
	}
	var names []string
	for _, f := range list {
		names = append(names, f.OriginFileName)
		if f.RegisteredUser.UserID != "alice" {
			t.Errorf("Expected the uploader to be loaded for %s", f.OriginFileName)
		}
	}
	if !reflect.DeepEqual(names, []string{"c.txt", "b.txt", "a.txt"}) {
		t.Errorf("Expected newest first, got %v", names)
	}
}

func TestFileService_InactiveFileIDs(t *testing.T) {
	db := setupTestDB(t)
	clock := newStubClock()
	files := NewFileService(db, clock)
	dirs := NewDirectoryService(db, clock)
	mustCreateAccount(t, db, "alice", "password123", false)
	reports := mustCreateDirectory(t, db, clock, "reports", 14, "alice")
	short := mustCreateDirectory(t, db, clock, "short", 1, "alice")
	gone := mustCreateDirectory(t, db, clock, "old", 30, "alice")
	ctx := context.Background()

	register := func(name string, directoryID uint) *File {
		f, err := files.RegisterFile(ctx, NewFile{Name: name, DirectoryID: directoryID, UploaderID: "alice"})
		if err != nil {
			t.Fatalf("Failed to register %s: %v", name, err)
		}
		return f
	}
	active := register("active.txt", reports.DirectoryID)
	deleted := register("deleted.txt", reports.DirectoryID)
	expired := register("expired.txt", short.DirectoryID)
	orphan := register("orphan.txt", gone.DirectoryID)

	if _, err := files.DeleteFile(ctx, reports.DirectoryID, deleted.FileID); err != nil {
		t.Fatalf("Failed to delete file: %v", err)
	}
	if _, err := dirs.Delete(ctx, gone.DirectoryID); err != nil {
		t.Fatalf("Failed to delete directory: %v", err)
	}
	clock.Advance(48 * time.Hour)

	ids, err := files.InactiveFileIDs(ctx)
	if err != nil {
		t.Fatalf("Failed to list inactive files: %v", err)
	}
	expected := []uint{deleted.FileID, expired.FileID, orphan.FileID}
	if !reflect.DeepEqual(ids, expected) {
		t.Errorf("Expected %v, got %v", expected, ids)
	}
	for _, id := range ids {
		if id == active.FileID {
			t.Error("Active file listed as inactive")
		}
	}
}

func TestGeneratePassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		pw, err := generatePassword(12)
		if err != nil {
			t.Fatalf("Failed to generate password: %v", err)
		}
		if len(pw) != 12 {
			t.Errorf("Expected 12 characters, got %d", len(pw))
		}
		if err := validatePassword(pw); err != nil {
			t.Errorf("Generated password %q is not valid: %v", pw, err)
		}
		seen[pw] = true
	}
	if len(seen) < 20 {
		t.Error("Expected generated passwords to differ")
	}

	if _, err := generatePassword(3); err == nil {
		t.Error("Expected a too short length to be rejected")
	}
}
