package domain

import (
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"
)

// User is an account able to own tasks.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Session binds an opaque id to one user until it expires.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// NormalizeEmail is the form emails are stored and looked up in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

const (
	minNameLength     = 2
	minPasswordLength = 8
)

func validateEmail(verr *ValidationError, email string) {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != strings.TrimSpace(email) {
		verr.Add("email", "Email is invalid.")
	}
}

func validatePassword(verr *ValidationError, password string) {
	if utf8.RuneCountInString(password) < minPasswordLength {
		verr.Add("password", "Password must be at least 8 characters.")
	}
}

// ValidateSignUp checks sign-up input field by field.
func ValidateSignUp(name, email, password string) error {
	var verr ValidationError
	if utf8.RuneCountInString(name) < minNameLength {
		verr.Add("name", "Name must be at least 2 characters.")
	}
	validateEmail(&verr, email)
	validatePassword(&verr, password)
	return verr.OrNil()
}

// ValidateSignIn checks sign-in input field by field.
func ValidateSignIn(email, password string) error {
	var verr ValidationError
	validateEmail(&verr, email)
	validatePassword(&verr, password)
	return verr.OrNil()
}
