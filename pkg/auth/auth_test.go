// Package auth_test covers password hashing and policy enforcement.
package auth_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/accessplane/pkg/auth"
)

func TestPasswordHasher(t *testing.T) {
	hasher := auth.NewPasswordHasher(0) // use default cost

	t.Run("hash and verify valid password", func(t *testing.T) {
		password := "SecurePassword123"

		hash, err := hasher.HashPassword(password)
		require.NoError(t, err)
		assert.NotEmpty(t, hash)
		assert.NotEqual(t, password, hash)

		valid, err := hasher.VerifyPassword(password, hash)
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("verify incorrect password", func(t *testing.T) {
		password := "SecurePassword123"
		wrongPassword := "WrongPassword123"

		hash, err := hasher.HashPassword(password)
		require.NoError(t, err)

		valid, err := hasher.VerifyPassword(wrongPassword, hash)
		require.NoError(t, err)
		assert.False(t, valid)
	})

	t.Run("reject password too short", func(t *testing.T) {
		_, err := hasher.HashPassword("Sh0rt")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "minimum length")
	})

	t.Run("reject password too long", func(t *testing.T) {
		longPassword := "Aa1" + strings.Repeat("a", 129)

		_, err := hasher.HashPassword(longPassword)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "maximum length")
	})

	t.Run("reject password missing character classes", func(t *testing.T) {
		_, err := hasher.HashPassword("alllowercase")
		assert.Error(t, err)
		assert.ErrorIs(t, err, auth.ErrPasswordTooWeak)
	})

	t.Run("dummy hash has constant shape for anti-enumeration padding", func(t *testing.T) {
		valid, err := hasher.VerifyPassword("anything", hasher.DummyHash())
		require.NoError(t, err)
		assert.False(t, valid)
	})
}

func TestValidatePasswordPolicy(t *testing.T) {
	t.Run("accepts a compliant password", func(t *testing.T) {
		assert.NoError(t, auth.ValidatePasswordPolicy("GoodPassw0rd"))
	})

	t.Run("rejects missing digit", func(t *testing.T) {
		assert.Error(t, auth.ValidatePasswordPolicy("NoDigitsHere"))
	})
}
