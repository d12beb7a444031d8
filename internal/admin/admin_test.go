package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/accessplane/internal/admin"
	"github.com/gatekeep/accessplane/internal/apperror"
	"github.com/gatekeep/accessplane/internal/authz"
	"github.com/gatekeep/accessplane/internal/config"
	"github.com/gatekeep/accessplane/internal/credential"
	"github.com/gatekeep/accessplane/internal/directory"
	"github.com/gatekeep/accessplane/internal/models"
	"github.com/gatekeep/accessplane/internal/session"
	"github.com/gatekeep/accessplane/internal/store"
	"github.com/gatekeep/accessplane/pkg/auth"
	"github.com/gatekeep/accessplane/pkg/database"
	"github.com/gatekeep/accessplane/pkg/logger"
)

type fakeGrants struct{}

func (fakeGrants) ForSubjects(ctx context.Context, subjects []string) ([]models.PermissionGrant, error) {
	return nil, nil
}

// newTestSurface wires a Surface over an in-memory Session Store and a real
// MongoDB-backed User Directory and Grant Store, skipping when no MongoDB
// instance is reachable, matching the pack's infrastructure-test convention.
func newTestSurface(t *testing.T) (*admin.Surface, *credential.Service, *directory.Directory, *authz.GrantStore) {
	t.Helper()

	log, err := logger.New(logger.DefaultConfig())
	require.NoError(t, err)

	dbCfg := &config.DatabaseConfig{
		URI:                 "mongodb://localhost:27017",
		Database:            "gatekeep_test",
		MaxPoolSize:         10,
		MinPoolSize:         1,
		MaxConnIdleTime:     time.Minute,
		ConnectTimeout:      2 * time.Second,
		ServerSelectTimeout: 2 * time.Second,
	}
	client, err := database.NewClient(dbCfg, log)
	if err != nil {
		t.Skipf("MongoDB not available for testing: %v", err)
	}

	usersCollection := client.Collection("admin_users_test_" + uuid.NewString())
	t.Cleanup(func() { usersCollection.Drop(context.Background()) })
	grantsCollection := client.Collection("admin_grants_test_" + uuid.NewString())
	t.Cleanup(func() { grantsCollection.Drop(context.Background()) })

	hasher := auth.NewPasswordHasher(4)
	dir := directory.New(usersCollection, hasher, func() string { return uuid.NewString() }, log)
	grants := authz.NewGrantStore(grantsCollection, func() string { return uuid.NewString() })

	sessions := session.New(store.NewMemoryStore(), log)
	engine := authz.NewEngine(authz.BuiltinBindings(), fakeGrants{})
	cred := credential.New(credential.Config{
		SigningKey: "0123456789abcdef0123456789abcdef",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}, sessions, dir.RoleLookup, log)

	surface := admin.New(dir, sessions, engine, grants, cred, log)
	return surface, cred, dir, grants
}

func newRouter(t *testing.T, surface *admin.Surface, cred *credential.Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/admin")
	surface.Register(group, func(r *http.Request) (models.Principal, error) {
		const prefix = "Bearer "
		authHeader := r.Header.Get("Authorization")
		if len(authHeader) <= len(prefix) {
			return models.Principal{}, apperror.New(apperror.KindAuthentication, "missing bearer credential")
		}
		return cred.VerifyAccess(r.Context(), authHeader[len(prefix):])
	})
	return router
}

func adminToken(t *testing.T, cred *credential.Service, dir *directory.Directory) string {
	t.Helper()
	ctx := context.Background()
	user, err := dir.Register(ctx, "admin@example.com", "Sup3r-Secret!", []string{models.RoleAdmin})
	require.NoError(t, err)
	pair, err := cred.IssuePair(ctx, user.ID, user.Email, user.Roles, "test")
	require.NoError(t, err)
	return pair.AccessToken
}

func TestSurface_RejectsMissingCredential(t *testing.T) {
	surface, cred, _, _ := newTestSurface(t)
	router := newRouter(t, surface, cred)

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSurface_RejectsNonAdminPrincipal(t *testing.T) {
	surface, cred, dir, _ := newTestSurface(t)
	router := newRouter(t, surface, cred)

	user, err := dir.Register(context.Background(), "user@example.com", "Sup3r-Secret!", []string{models.RoleUser})
	require.NoError(t, err)
	pair, err := cred.IssuePair(context.Background(), user.ID, user.Email, user.Roles, "test")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSurface_SetUserRolesRevokesSessions(t *testing.T) {
	surface, cred, dir, _ := newTestSurface(t)
	router := newRouter(t, surface, cred)
	token := adminToken(t, cred, dir)

	target, err := dir.Register(context.Background(), "promote-me@example.com", "Sup3r-Secret!", []string{models.RoleUser})
	require.NoError(t, err)
	_, err = cred.IssuePair(context.Background(), target.ID, target.Email, target.Roles, "test")
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{"roles": []string{models.RoleAdmin}})
	req := httptest.NewRequest(http.MethodPost, "/admin/users/"+target.ID+"/roles", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	sessReq := httptest.NewRequest(http.MethodGet, "/admin/users/"+target.ID+"/sessions", nil)
	sessReq.Header.Set("Authorization", "Bearer "+token)
	sessW := httptest.NewRecorder()
	router.ServeHTTP(sessW, sessReq)

	var out struct {
		Sessions []models.SessionRecord `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(sessW.Body.Bytes(), &out))
	assert.Empty(t, out.Sessions)
}

func TestSurface_GrantAndRevokePermission(t *testing.T) {
	surface, cred, dir, _ := newTestSurface(t)
	router := newRouter(t, surface, cred)
	token := adminToken(t, cred, dir)

	body, _ := json.Marshal(map[string]any{
		"subject":          "user",
		"resource_type":    models.ResourceWebSearch,
		"resource_pattern": "*",
		"actions":          []string{models.ActionRead},
	})
	req := httptest.NewRequest(http.MethodPost, "/admin/permissions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var grant models.PermissionGrant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grant))
	require.NotEmpty(t, grant.ID)

	listReq := httptest.NewRequest(http.MethodGet, "/admin/permissions", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listW := httptest.NewRecorder()
	router.ServeHTTP(listW, listReq)
	assert.Equal(t, http.StatusOK, listW.Code)

	delReq := httptest.NewRequest(http.MethodDelete, "/admin/permissions/"+grant.ID, nil)
	delReq.Header.Set("Authorization", "Bearer "+token)
	delW := httptest.NewRecorder()
	router.ServeHTTP(delW, delReq)
	assert.Equal(t, http.StatusOK, delW.Code)

	delAgainReq := httptest.NewRequest(http.MethodDelete, "/admin/permissions/"+grant.ID, nil)
	delAgainReq.Header.Set("Authorization", "Bearer "+token)
	delAgainW := httptest.NewRecorder()
	router.ServeHTTP(delAgainW, delAgainReq)
	assert.Equal(t, http.StatusOK, delAgainW.Code)
}
