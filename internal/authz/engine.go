// Package authz implements the Authorization Engine (C4): the Tool Binding
// registry, Permission Grant storage, and the authorize() decision
// procedure with its short-lived per-principal decision cache.
package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gatekeep/accessplane/internal/apperror"
	"github.com/gatekeep/accessplane/internal/models"
)

// DecisionCacheTTL bounds how long an Allow/Deny verdict may be served from
// cache before being re-evaluated.
const DecisionCacheTTL = 30 * time.Second

// GrantLookup resolves the grants applicable to a set of subjects (a user id
// plus its role names). Satisfied by *GrantStore in production and by a
// fake in tests.
type GrantLookup interface {
	ForSubjects(ctx context.Context, subjects []string) ([]models.PermissionGrant, error)
}

// Engine evaluates authorize() decisions against the Tool Binding registry
// and the Permission Grant store.
type Engine struct {
	bindings map[string]models.ToolBinding
	grants   GrantLookup

	mu       sync.Mutex
	cache    map[string]cacheEntry
	versions map[string]uint64 // principal id/role -> version, bumped on grant mutation
}

type cacheEntry struct {
	allow    bool
	reason   string
	version  uint64
	cachedAt time.Time
}

// NewEngine constructs an Authorization Engine over a static Tool Binding
// registry and a Permission Grant store.
func NewEngine(bindings []models.ToolBinding, grants GrantLookup) *Engine {
	m := make(map[string]models.ToolBinding, len(bindings))
	for _, b := range bindings {
		m[b.ToolName] = b
	}
	return &Engine{
		bindings: m,
		grants:   grants,
		cache:    make(map[string]cacheEntry),
		versions: make(map[string]uint64),
	}
}

// Binding returns the Tool Binding for name, if one is registered.
func (e *Engine) Binding(name string) (models.ToolBinding, bool) {
	b, ok := e.bindings[name]
	return b, ok
}

// Decision is the outcome of authorize().
type Decision struct {
	Allow  bool
	Reason string
}

// BumpVersion invalidates any cached decisions for subject (a user id or
// role name), called whenever a grant or role assignment changes for it.
func (e *Engine) BumpVersion(subject string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.versions[subject]++
}

func (e *Engine) currentVersion(subjects []string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var v uint64
	for _, s := range subjects {
		v += e.versions[s]
	}
	return v
}

// Authorize implements the authorize() procedure (§4.4): resolve the tool's
// binding, short-circuit for public tools and the admin role, otherwise
// evaluate the principal's applicable grants against the concrete resource
// name derived from arguments.
func (e *Engine) Authorize(ctx context.Context, principal models.Principal, toolName, resourceName string) (Decision, error) {
	binding, ok := e.bindings[toolName]
	if !ok {
		return Decision{}, apperror.New(apperror.KindNotFound, fmt.Sprintf("unknown tool %q", toolName)).WithReason("unknown_tool")
	}

	if binding.Public {
		return Decision{Allow: true}, nil
	}

	if principal.Anonymous {
		return Decision{Allow: false, Reason: "unauthenticated"}, nil
	}

	if !binding.HasAnyRole(principal.Roles) {
		return Decision{Allow: false, Reason: "role_insufficient"}, nil
	}

	if principal.HasRole(models.RoleAdmin) {
		return Decision{Allow: true}, nil
	}

	if resourceName == "" {
		resourceName = "*"
	}

	subjects := append([]string{principal.UserID}, principal.Roles...)

	cacheKey := principal.UserID + "|" + toolName + "|" + resourceName
	currentVersion := e.currentVersion(subjects)

	if cached, ok := e.cachedDecision(cacheKey, currentVersion); ok {
		return Decision{Allow: cached.allow, Reason: cached.reason}, nil
	}

	grants, err := e.grants.ForSubjects(ctx, subjects)
	if err != nil {
		return Decision{}, err
	}

	now := time.Now()
	decision := Decision{Allow: false, Reason: "resource_forbidden"}
	for _, g := range grants {
		if g.ResourceType != binding.ResourceType {
			continue
		}
		if !g.AllowsAction(binding.Action) {
			continue
		}
		if g.Expired(now) {
			continue
		}
		if MatchResource(g.ResourcePattern, resourceName) {
			decision = Decision{Allow: true}
			break
		}
	}

	e.storeDecision(cacheKey, decision, currentVersion)
	return decision, nil
}

func (e *Engine) cachedDecision(key string, version uint64) (cacheEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.cache[key]
	if !ok {
		return cacheEntry{}, false
	}
	if entry.version != version || time.Since(entry.cachedAt) > DecisionCacheTTL {
		delete(e.cache, key)
		return cacheEntry{}, false
	}
	return entry, true
}

func (e *Engine) storeDecision(key string, d Decision, version uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[key] = cacheEntry{allow: d.Allow, reason: d.Reason, version: version, cachedAt: time.Now()}
}

// BuiltinBindings returns the default Tool Binding registry seeded at
// startup (also used by cmd/seed). Operators extend this set via the Admin
// Surface in a future iteration; today it is static per the Tool Binding
// invariant that every dispatchable tool has exactly one binding.
func BuiltinBindings() []models.ToolBinding {
	return []models.ToolBinding{
		{ToolName: "health_check", Public: true},
		{ToolName: "tools_list", Public: true},
		{
			ToolName:     "search_web",
			ResourceType: models.ResourceWebSearch,
			Action:       models.ActionRead,
			MinimumRoles: []string{models.RoleUser, models.RoleAdmin},
		},
		{
			ToolName:        "search_vector",
			ResourceType:    models.ResourceVectorDB,
			Action:          models.ActionRead,
			MinimumRoles:    []string{models.RoleUser, models.RoleAdmin},
			ResourceVarying: true,
		},
		{
			ToolName:        "query_database",
			ResourceType:    models.ResourceDatabase,
			Action:          models.ActionRead,
			MinimumRoles:    []string{models.RoleUser, models.RoleAdmin},
			ResourceVarying: true,
		},
		{
			ToolName:     "write_vector",
			ResourceType: models.ResourceVectorDB,
			Action:       models.ActionWrite,
			MinimumRoles: []string{models.RoleAdmin},
			Admin:        true,
		},
	}
}
