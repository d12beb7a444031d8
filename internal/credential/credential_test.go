package credential_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/accessplane/internal/credential"
	"github.com/gatekeep/accessplane/internal/session"
	"github.com/gatekeep/accessplane/internal/store"
	"github.com/gatekeep/accessplane/pkg/logger"
)

func newTestService(t *testing.T) *credential.Service {
	t.Helper()
	log, err := logger.New(logger.DefaultConfig())
	require.NoError(t, err)
	sessions := session.New(store.NewMemoryStore(), log)

	lookup := func(_ context.Context, userID string) (string, []string, bool, error) {
		return "user@example.com", []string{"user"}, true, nil
	}

	return credential.New(credential.Config{
		SigningKey: "test-signing-key-at-least-32-bytes-long",
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}, sessions, lookup, log)
}

func TestService_MintAndVerifyAccess(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	token, exp, err := svc.MintAccess(ctx, "user-1", "user@example.com", []string{"user"})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, exp.After(time.Now()))

	principal, err := svc.VerifyAccess(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.UserID)
	assert.Equal(t, []string{"user"}, principal.Roles)
}

func TestService_IssuePairAndRotate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	pair, err := svc.IssuePair(ctx, "user-1", "user@example.com", []string{"user"}, "cli")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	rotated, err := svc.Rotate(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// Old refresh token is now revoked; a second rotate must fail.
	_, err = svc.Rotate(ctx, pair.RefreshToken)
	assert.Error(t, err)
}

// TestService_ConcurrentRotateHasExactlyOneWinner races two goroutines
// rotating the same refresh token simultaneously. Exactly one must succeed;
// the other must see an authentication error, never a second live pair.
func TestService_ConcurrentRotateHasExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	pair, err := svc.IssuePair(ctx, "user-1", "user@example.com", []string{"user"}, "cli")
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Rotate(ctx, pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent rotate should succeed")
}

func TestService_VerifyAccessRejectsRefreshToken(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	refreshToken, _, err := svc.MintRefresh(ctx, "user-1", "")
	require.NoError(t, err)

	_, err = svc.VerifyAccess(ctx, refreshToken)
	assert.Error(t, err)
}

func TestService_RevokeAndRevokeAll(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	pair, err := svc.IssuePair(ctx, "user-1", "user@example.com", []string{"user"}, "")
	require.NoError(t, err)

	_, err = svc.VerifyRefresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	claims, err := svc.VerifyRefresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, claims.JTI))

	_, err = svc.VerifyRefresh(ctx, pair.RefreshToken)
	assert.Error(t, err)

	pair2, err := svc.IssuePair(ctx, "user-1", "user@example.com", []string{"user"}, "")
	require.NoError(t, err)
	count, err := svc.RevokeAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = svc.VerifyRefresh(ctx, pair2.RefreshToken)
	assert.Error(t, err)
}
