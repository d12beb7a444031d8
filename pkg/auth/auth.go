// Package auth provides password hashing for the access control plane.
// JWT credential minting/verification lives in internal/credential; RBAC
// decisions live in internal/authz. This package is deliberately narrow —
// it owns only the adaptive password hash, which the User Directory's
// registration and constant-time login paths depend on.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Password hashing configuration.
const (
	// DefaultBcryptCost balances security and latency; tunable via config.
	DefaultBcryptCost = 12

	MinPasswordLength = 8
	MaxPasswordLength = 128
)

// Errors surfaced by password operations. Callers translate these into
// apperror.Kind values at the boundary; this package stays error-taxonomy
// agnostic so it can be reused by both directory and credential code.
var (
	ErrPasswordTooWeak = errors.New("password does not meet security requirements")
)

// PasswordHasher provides secure password hashing using bcrypt.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher creates a password hasher with the given bcrypt cost.
// If cost is 0, DefaultBcryptCost is used.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	return &PasswordHasher{cost: cost}
}

// HashPassword creates a bcrypt hash from a plaintext password, enforcing
// the registration/change password policy (§4.3): minimum 8 characters, at
// least one uppercase, one lowercase, and one digit.
func (ph *PasswordHasher) HashPassword(password string) (string, error) {
	if err := ValidatePasswordPolicy(password); err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), ph.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password against a bcrypt hash.
func (ph *PasswordHasher) VerifyPassword(password, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, fmt.Errorf("password verification failed: %w", err)
	}
	return true, nil
}

// dummyHash is computed once so authenticate() can run a verification of
// constant shape against it when the looked-up email does not exist,
// resisting user-enumeration via timing (§4.3).
var dummyHash string

func init() {
	h, err := bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing-parity"), DefaultBcryptCost)
	if err != nil {
		panic(fmt.Sprintf("auth: failed to precompute dummy hash: %v", err))
	}
	dummyHash = string(h)
}

// DummyHash returns the fixed bcrypt hash used to pad the authenticate path
// when no user record exists for the supplied email.
func (ph *PasswordHasher) DummyHash() string {
	return dummyHash
}

// ValidatePasswordPolicy enforces the minimum password policy at
// registration and password-change time.
func ValidatePasswordPolicy(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: minimum length %d characters", ErrPasswordTooWeak, MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: maximum length %d characters", ErrPasswordTooWeak, MaxPasswordLength)
	}

	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return fmt.Errorf("%w: requires upper, lower, and digit characters", ErrPasswordTooWeak)
	}
	return nil
}
