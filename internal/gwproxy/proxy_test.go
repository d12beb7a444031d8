package gwproxy_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/accessplane/internal/credential"
	"github.com/gatekeep/accessplane/internal/gwproxy"
	"github.com/gatekeep/accessplane/internal/models"
	"github.com/gatekeep/accessplane/internal/session"
	"github.com/gatekeep/accessplane/internal/store"
	"github.com/gatekeep/accessplane/pkg/logger"
)

func newTestCredentialService(t *testing.T) *credential.Service {
	t.Helper()
	log, err := logger.New(logger.DefaultConfig())
	require.NoError(t, err)

	sessions := session.New(store.NewMemoryStore(), log)
	return credential.New(credential.Config{
		SigningKey: "0123456789abcdef0123456789abcdef",
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
	}, sessions, func(ctx context.Context, userID string) (string, []string, bool, error) {
		return "user@example.com", []string{models.RoleUser}, true, nil
	}, log)
}

func TestProxy_InjectsTrustAndPrincipalHeaders(t *testing.T) {
	cred := newTestCredentialService(t)
	pair, err := cred.IssuePair(context.Background(), "u1", "user@example.com", []string{models.RoleUser}, "device-1")
	require.NoError(t, err)

	var gotTrust, gotPrincipal, gotRoles string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrust = r.Header.Get(gwproxy.HeaderInternalTrust)
		gotPrincipal = r.Header.Get(gwproxy.HeaderPrincipalID)
		gotRoles = r.Header.Get(gwproxy.HeaderPrincipalRoles)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	proxy, err := gwproxy.New(gwproxy.Config{
		ToolServerURL:      upstream.URL,
		InternalTrustToken: "trust-secret",
	}, cred, nil, func() string { return "req-1" })
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()

	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trust-secret", gotTrust)
	assert.Equal(t, "u1", gotPrincipal)
	assert.Equal(t, "user", gotRoles)
}

func TestProxy_AnonymousRequestPassesThroughWithoutPrincipalHeaders(t *testing.T) {
	cred := newTestCredentialService(t)

	var gotPrincipal string
	sawHeader := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrincipal = r.Header.Get(gwproxy.HeaderPrincipalID)
		_, sawHeader = r.Header["X-Principal-Id"]
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	proxy, err := gwproxy.New(gwproxy.Config{
		ToolServerURL:      upstream.URL,
		InternalTrustToken: "trust-secret",
	}, cred, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	rec := httptest.NewRecorder()

	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, sawHeader)
	assert.Empty(t, gotPrincipal)
}

func TestProxy_RejectsInvalidBearerToken(t *testing.T) {
	cred := newTestCredentialService(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be reached with an invalid credential")
	}))
	defer upstream.Close()

	proxy, err := gwproxy.New(gwproxy.Config{
		ToolServerURL:      upstream.URL,
		InternalTrustToken: "trust-secret",
	}, cred, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()

	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProxy_MapsUpstreamConnectionFailureToGatewayError(t *testing.T) {
	cred := newTestCredentialService(t)

	proxy, err := gwproxy.New(gwproxy.Config{
		ToolServerURL:      "http://127.0.0.1:1",
		InternalTrustToken: "trust-secret",
	}, cred, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	rec := httptest.NewRecorder()

	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
