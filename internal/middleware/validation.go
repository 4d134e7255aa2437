// Package middleware provides HTTP middleware for the rapigate gateway and
// the input checks shared by its account endpoints.
package middleware

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
)

// Validation limits.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 30
	MinPasswordLength = 6
	// MaxPasswordLength bounds the input handed to the password hasher.
	MaxPasswordLength = 128
	MaxEmailLength    = 254
)

// ValidationError is an input error whose message is safe to return to
// the caller.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(msg string) *ValidationError { return &ValidationError{Message: msg} }

// Validation errors.
var (
	ErrUsernameTooShort    = invalid("username must be at least 3 characters")
	ErrUsernameTooLong     = invalid("username must be at most 30 characters")
	ErrUsernameInvalid     = invalid("username may only contain letters, numbers and underscores")
	ErrUsernameReserved    = invalid("username is reserved")
	ErrUsernameNonASCII    = invalid("username contains non-ASCII characters")
	ErrEmailInvalid        = invalid("email address is invalid")
	ErrPasswordTooShort    = invalid("password must be at least 6 characters")
	ErrPasswordTooLong     = invalid("password is too long")
	ErrCredentialsMissing  = invalid("email and password are required")
	ErrRegistrationMissing = invalid("username, email and password are required")
)

// IsValidationError reports whether err came from input validation.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ReservedUsernames cannot be registered. They collide with system routes or
// could be mistaken for staff accounts.
var ReservedUsernames = map[string]bool{
	"api":       true,
	"admin":     true,
	"root":      true,
	"system":    true,
	"healthz":   true,
	"readyz":    true,
	"metrics":   true,
	"account":   true,
	"login":     true,
	"logout":    true,
	"register":  true,
	"support":   true,
	"rapigate":  true,
	"anonymous": true,
}

var (
	validUsernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	validEmailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// ValidateUsername checks a username for registration.
func ValidateUsername(username string) error {
	for _, r := range username {
		if r > unicode.MaxASCII {
			return ErrUsernameNonASCII
		}
	}

	if len(username) < MinUsernameLength {
		return ErrUsernameTooShort
	}
	if len(username) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	if !validUsernamePattern.MatchString(username) {
		return ErrUsernameInvalid
	}
	if ReservedUsernames[strings.ToLower(username)] {
		return ErrUsernameReserved
	}
	return nil
}

// ValidateEmail checks the shape of an email address.
func ValidateEmail(email string) error {
	if len(email) > MaxEmailLength || !validEmailPattern.MatchString(email) {
		return ErrEmailInvalid
	}
	return nil
}

// ValidatePassword enforces the password length bounds.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(password) > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}

// ValidateRegistration runs every registration check, returning the first
// failure.
func ValidateRegistration(username, email, password string) error {
	if username == "" || email == "" || password == "" {
		return ErrRegistrationMissing
	}
	if err := ValidateUsername(username); err != nil {
		return err
	}
	if err := ValidateEmail(email); err != nil {
		return err
	}
	return ValidatePassword(password)
}

// ValidateLogin checks that login credentials are present.
func ValidateLogin(email, password string) error {
	if strings.TrimSpace(email) == "" || password == "" {
		return ErrCredentialsMissing
	}
	return nil
}
