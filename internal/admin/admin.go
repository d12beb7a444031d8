// Package admin implements the Admin Surface (C10): a thin gin route group
// over the User Directory, Session Store, and Authorization Engine, gated to
// principals carrying the admin role. It duplicates no service layer of its
// own — every handler is a direct call into C2/C3/C4's exported operations.
package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gatekeep/accessplane/internal/apperror"
	"github.com/gatekeep/accessplane/internal/authz"
	"github.com/gatekeep/accessplane/internal/credential"
	"github.com/gatekeep/accessplane/internal/directory"
	"github.com/gatekeep/accessplane/internal/models"
	"github.com/gatekeep/accessplane/internal/session"
	"github.com/gatekeep/accessplane/pkg/logger"
)

// Surface bundles the Admin Surface's dependencies and registers its routes.
type Surface struct {
	directory  *directory.Directory
	sessions   *session.Store
	authz      *authz.Engine
	grants     *authz.GrantStore
	credential *credential.Service
	logger     *logger.Logger
}

// New constructs an Admin Surface over the given capabilities.
func New(dir *directory.Directory, sessions *session.Store, engine *authz.Engine, grants *authz.GrantStore, cred *credential.Service, log *logger.Logger) *Surface {
	return &Surface{directory: dir, sessions: sessions, authz: engine, grants: grants, credential: cred, logger: log}
}

// Register mounts the Admin Surface's routes under group behind
// requireAdmin, which authenticates each request itself through verify and
// then requires the admin role on the resulting principal.
func (s *Surface) Register(group *gin.RouterGroup, verify func(r *http.Request) (models.Principal, error)) {
	group.Use(s.requireAdmin(verify))

	group.GET("/users", s.listUsers)
	group.GET("/users/:id", s.getUser)
	group.POST("/users/:id/roles", s.setUserRoles)

	group.GET("/sessions", s.listSessions)
	group.GET("/users/:id/sessions", s.listUserSessions)
	group.DELETE("/sessions/:jti", s.revokeSession)
	group.DELETE("/users/:id/sessions", s.revokeUserSessions)

	group.GET("/permissions", s.listPermissions)
	group.POST("/permissions", s.grantPermission)
	group.DELETE("/permissions/:id", s.revokePermission)
}

// requireAdmin verifies the caller's bearer credential and rejects anyone
// who does not carry the admin role. It is deliberately independent of the
// Middleware Pipeline's Authentication stage — the Admin Surface is a plain
// gin route group, not a JSON-RPC method dispatched through C6/C7.
func (s *Surface) requireAdmin(verify func(r *http.Request) (models.Principal, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := verify(c.Request)
		if err != nil {
			ae, ok := apperror.As(err)
			if !ok {
				ae = apperror.New(apperror.KindAuthentication, "invalid credential")
			}
			c.AbortWithStatusJSON(ae.Kind.HTTPStatus(), gin.H{"error": ae.Message, "code": ae.Kind.RPCCode()})
			return
		}
		if !principal.HasRole(models.RoleAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required", "code": apperror.KindAuthorization.RPCCode()})
			return
		}
		c.Set("principal", principal)
		c.Next()
	}
}

func respondError(c *gin.Context, err error) {
	ae, ok := apperror.As(err)
	if !ok {
		ae = apperror.New(apperror.KindInternal, "internal error")
	}
	c.JSON(ae.Kind.HTTPStatus(), gin.H{"error": ae.Message, "code": ae.Kind.RPCCode()})
}

// listUsers handles GET /admin/users?q=&limit= (search_users, list_users
// when q is empty).
func (s *Surface) listUsers(c *gin.Context) {
	q := c.Query("q")
	limit := int64(50)
	if v, err := strconv.ParseInt(c.Query("limit"), 10, 64); err == nil && v > 0 {
		limit = v
	}
	users, err := s.directory.Search(c.Request.Context(), q, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// getUser handles GET /admin/users/:id.
func (s *Surface) getUser(c *gin.Context) {
	user, err := s.directory.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

type setRolesRequest struct {
	Roles []string `json:"roles" binding:"required"`
}

// setUserRoles handles POST /admin/users/:id/roles. It bumps the
// Authorization Engine's decision cache for the user so no decision cached
// before the change is reused, and revokes the user's outstanding sessions
// so no refresh credential issued under the old roles can be rotated.
// Access credentials already issued keep the old roles in their claims
// until they expire.
func (s *Surface) setUserRoles(c *gin.Context) {
	var req setRolesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roles is required", "code": apperror.KindValidation.RPCCode()})
		return
	}

	userID := c.Param("id")
	if err := s.directory.SetRoles(c.Request.Context(), userID, req.Roles); err != nil {
		respondError(c, err)
		return
	}
	s.authz.BumpVersion(userID)

	if _, err := s.sessions.DeleteByUser(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "roles": req.Roles})
}

// listSessions handles GET /admin/sessions.
func (s *Surface) listSessions(c *gin.Context) {
	all, err := s.sessions.ListAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": all})
}

// listUserSessions handles GET /admin/users/:id/sessions.
func (s *Surface) listUserSessions(c *gin.Context) {
	list, err := s.sessions.ListByUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

// revokeSession handles DELETE /admin/sessions/:jti. Revoking an absent
// session is a no-op, not an error — Delete is already idempotent.
func (s *Surface) revokeSession(c *gin.Context) {
	if err := s.credential.Revoke(c.Request.Context(), c.Param("jti")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// revokeUserSessions handles DELETE /admin/users/:id/sessions (logout
// everywhere, operator-initiated).
func (s *Surface) revokeUserSessions(c *gin.Context) {
	count, err := s.credential.RevokeAll(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked_count": count})
}

// listPermissions handles GET /admin/permissions.
func (s *Surface) listPermissions(c *gin.Context) {
	grants, err := s.grants.ListAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": grants})
}

type grantPermissionRequest struct {
	Subject         string   `json:"subject" binding:"required"`
	ResourceType    string   `json:"resource_type" binding:"required"`
	ResourcePattern string   `json:"resource_pattern" binding:"required"`
	Actions         []string `json:"actions" binding:"required"`
}

// grantPermission handles POST /admin/permissions.
func (s *Surface) grantPermission(c *gin.Context) {
	var req grantPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject, resource_type, resource_pattern, and actions are required", "code": apperror.KindValidation.RPCCode()})
		return
	}

	grant, err := s.grants.Create(c.Request.Context(), models.PermissionGrant{
		Subject:         req.Subject,
		ResourceType:    req.ResourceType,
		ResourcePattern: req.ResourcePattern,
		Actions:         req.Actions,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	s.authz.BumpVersion(req.Subject)

	c.JSON(http.StatusCreated, grant)
}

// revokePermission handles DELETE /admin/permissions/:id. The grant's
// subject is looked up first so the decision cache for that subject can be
// invalidated; an already-revoked (or never-existent) id is treated as a
// successful no-op.
func (s *Surface) revokePermission(c *gin.Context) {
	id := c.Param("id")

	grant, err := s.grants.Get(c.Request.Context(), id)
	if err != nil {
		if ae, ok := apperror.As(err); ok && ae.Kind == apperror.KindNotFound {
			c.JSON(http.StatusOK, gin.H{"revoked": false})
			return
		}
		respondError(c, err)
		return
	}

	if err := s.grants.Revoke(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	s.authz.BumpVersion(grant.Subject)

	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
