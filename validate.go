package main

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxUserIDLength        = 50
	maxDisplayNameLength   = 100
	maxDirectoryNameLength = 100
	minPasswordLength      = 6
	maxPasswordLength      = 72 // bcrypt limit
	maxExpiresDays         = 3650
)

var (
	userIDRe        = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	directoryNameRe = regexp.MustCompile(`^[A-Za-z0-9_.~-]+$`)
)

func validateUserID(userID string) error {
	if len(userID) == 0 || len(userID) > maxUserIDLength || !userIDRe.MatchString(userID) {
		return invalidField("user_id", "must start with a letter and contain only letters, digits, '_' or '-'")
	}
	return nil
}

func validateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxDisplayNameLength {
		return invalidField("display_name", fmt.Sprintf("must be between 1 and %d characters", maxDisplayNameLength))
	}
	return nil
}

func validateDirectoryName(name string) error {
	if len(name) == 0 || len(name) > maxDirectoryNameLength || !directoryNameRe.MatchString(name) {
		return invalidField("directory_name", "may contain only letters, digits, '_', '.', '~' or '-'")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return invalidField("password", fmt.Sprintf("must be between %d and %d bytes", minPasswordLength, maxPasswordLength))
	}
	return nil
}

func validateExpiresDays(days int) error {
	if days < 1 || days > maxExpiresDays {
		return invalidField("expires_days", fmt.Sprintf("must be between 1 and %d", maxExpiresDays))
	}
	return nil
}
