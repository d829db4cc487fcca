package main

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// passwordHashCost is lowered by tests.
var passwordHashCost = bcrypt.DefaultCost

// dummyPasswordHash is compared against when an account does not exist so a
// miss costs the same as a wrong password.
var dummyPasswordHash, _ = bcrypt.GenerateFromPassword([]byte("tmpbox-dummy-password"), bcrypt.DefaultCost)

const passwordRunes = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func hashPassword(password string) (string, error) {
	if err := validatePassword(password); err != nil {
		return "", err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	if err != nil {
		return "", errors.Wrap(err, "failed to hash password")
	}
	return string(hashed), nil
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// generatePassword returns a random password drawn from an alphabet without
// look-alike characters.
func generatePassword(length int) (string, error) {
	if length < minPasswordLength || length > maxPasswordLength {
		return "", errors.Wrapf(ErrValidation, "password length must be between %d and %d", minPasswordLength, maxPasswordLength)
	}
	alphabet := big.NewInt(int64(len(passwordRunes)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, alphabet)
		if err != nil {
			return "", errors.Wrap(err, "failed to generate password")
		}
		out[i] = passwordRunes[n.Int64()]
	}
	return string(out), nil
}
