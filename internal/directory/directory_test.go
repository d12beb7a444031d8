package directory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/accessplane/internal/config"
	"github.com/gatekeep/accessplane/internal/directory"
	"github.com/gatekeep/accessplane/internal/models"
	"github.com/gatekeep/accessplane/pkg/auth"
	"github.com/gatekeep/accessplane/pkg/database"
	"github.com/gatekeep/accessplane/pkg/logger"
)

// newTestDirectory connects to a local MongoDB instance and returns a
// Directory over a uniquely-named test collection. Tests skip when no
// MongoDB instance is reachable, matching the teacher's infrastructure-test
// convention.
func newTestDirectory(t *testing.T) *directory.Directory {
	t.Helper()

	log, err := logger.New(logger.DefaultConfig())
	require.NoError(t, err)

	cfg := &config.DatabaseConfig{
		URI:                 "mongodb://localhost:27017",
		Database:            "gatekeep_test",
		MaxPoolSize:         10,
		MinPoolSize:         1,
		MaxConnIdleTime:     time.Minute,
		ConnectTimeout:      2 * time.Second,
		ServerSelectTimeout: 2 * time.Second,
	}

	client, err := database.NewClient(cfg, log)
	if err != nil {
		t.Skipf("MongoDB not available for testing: %v", err)
	}

	collectionName := fmt.Sprintf("users_test_%s", uuid.NewString())
	collection := client.Collection(collectionName)
	t.Cleanup(func() { collection.Drop(context.Background()) })

	hasher := auth.NewPasswordHasher(4) // low cost to keep tests fast
	return directory.New(collection, hasher, func() string { return uuid.NewString() }, log)
}

func TestDirectory_RegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)

	user, err := d.Register(ctx, "Alice@Example.com", "GoodPassw0rd", []string{models.RoleUser})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)

	got, err := d.Authenticate(ctx, "alice@example.com", "GoodPassw0rd")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}

func TestDirectory_RegisterRejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)

	_, err := d.Register(ctx, "bob@example.com", "GoodPassw0rd", nil)
	require.NoError(t, err)

	_, err = d.Register(ctx, "bob@example.com", "GoodPassw0rd", nil)
	assert.Error(t, err)
}

func TestDirectory_AuthenticateRejectsUnknownEmailAndWrongPassword(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)

	_, err := d.Register(ctx, "carol@example.com", "GoodPassw0rd", nil)
	require.NoError(t, err)

	_, err = d.Authenticate(ctx, "nobody@example.com", "GoodPassw0rd")
	assert.Error(t, err)

	_, err = d.Authenticate(ctx, "carol@example.com", "WrongPassw0rd")
	assert.Error(t, err)
}

func TestDirectory_AuthenticateRejectsInactiveUser(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)

	user, err := d.Register(ctx, "dave@example.com", "GoodPassw0rd", nil)
	require.NoError(t, err)
	require.NoError(t, d.SetActive(ctx, user.ID, false))

	_, err = d.Authenticate(ctx, "dave@example.com", "GoodPassw0rd")
	assert.Error(t, err)
}

func TestDirectory_SetRoles(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)

	user, err := d.Register(ctx, "erin@example.com", "GoodPassw0rd", nil)
	require.NoError(t, err)

	require.NoError(t, d.SetRoles(ctx, user.ID, []string{models.RoleAdmin}))

	got, err := d.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.RoleAdmin}, got.Roles)
}

func TestDirectory_SetRolesUnknownUser(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)

	err := d.SetRoles(ctx, "does-not-exist", []string{models.RoleAdmin})
	assert.Error(t, err)
}
