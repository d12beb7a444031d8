// Package pipeline implements the Middleware Pipeline (C6): an explicit,
// ordered list of stages assembled once per configuration profile, rather
// than an implicit gin decorator stack. Each stage extracts, validates, and
// injects onto an Exchange, generalized into a named, composable unit any
// HTTP surface can run.
package pipeline

import (
	"context"
	"fmt"

	"github.com/gatekeep/accessplane/internal/authz"
	"github.com/gatekeep/accessplane/internal/cache"
	"github.com/gatekeep/accessplane/internal/config"
	"github.com/gatekeep/accessplane/internal/credential"
	"github.com/gatekeep/accessplane/internal/dispatch"
	"github.com/gatekeep/accessplane/internal/models"
	"github.com/gatekeep/accessplane/internal/observer"
	"github.com/gatekeep/accessplane/internal/ratelimit"
	"github.com/gatekeep/accessplane/pkg/logger"
)

// Exchange is the mutable carrier threaded through the pipeline: the
// request's RequestContext plus the raw JSON-RPC envelope and bearer token
// that only the early stages need. Stages return an augmented Exchange by
// mutating RC's value fields (RequestContext.WithPrincipal and friends are
// append-only by convention; no stage reaches into a sibling stage's state).
type Exchange struct {
	RC          models.RequestContext
	Request     dispatch.Request
	BearerToken string
	// AuthError holds a failed-authentication error that Authentication
	// deferred instead of returning immediately, so that Rate Limit still
	// sees and charges the request before it ultimately fails.
	AuthError error
}

// Next invokes the remainder of the pipeline.
type Next func(ctx context.Context, ex *Exchange) (*dispatch.Response, error)

// Stage is one named unit of the pipeline.
type Stage struct {
	Name string
	Run  func(ctx context.Context, ex *Exchange, next Next) (*dispatch.Response, error)
}

// Deps collects every capability a stage may need. Not every stage uses
// every field.
type Deps struct {
	Credential *credential.Service
	Authz      *authz.Engine
	RateLimit  *ratelimit.Limiter
	Cache      *cache.Cache
	Observer   observer.Observer
	Dispatcher *dispatch.Dispatcher
	Logger     *logger.Logger
	Auth       config.AuthConfig
}

// BuildPipeline assembles the canonical stage order (§4.6) filtered by the
// profile's enable flags. Error Handler is always present regardless of
// EnableErrorHandler's literal value, matching the spec's invariant that
// every profile combination preserves this relative ordering; the flag only
// controls whether internal causes are logged verbosely.
func BuildPipeline(mw config.MiddlewareConfig, deps Deps) []Stage {
	stages := []Stage{observabilityStage(deps)}
	stages = append(stages, errorHandlerStage(deps, mw.EnableErrorHandler))
	stages = append(stages, requestLoggingStage(deps, mw.EnableEnhancedLogging))

	if mw.EnableValidation {
		stages = append(stages, validationStage(deps))
	}

	stages = append(stages, authenticationStage(deps, mw.EnableAuth))
	stages = append(stages, authorizationStage(deps))

	if mw.EnableRateLimit {
		stages = append(stages, rateLimitStage(deps))
	}
	if mw.EnableMetrics {
		stages = append(stages, metricsStage(deps))
	}
	if mw.EnableCache {
		stages = append(stages, cacheStage(deps))
	}

	stages = append(stages, dispatchStage(deps))
	return stages
}

// Run executes stages in order against ex.
func Run(ctx context.Context, stages []Stage, ex *Exchange) (*dispatch.Response, error) {
	return runFrom(ctx, stages, 0, ex)
}

func runFrom(ctx context.Context, stages []Stage, i int, ex *Exchange) (*dispatch.Response, error) {
	if i >= len(stages) {
		return nil, fmt.Errorf("pipeline: stage list has no terminal dispatch stage")
	}
	next := func(ctx context.Context, ex *Exchange) (*dispatch.Response, error) {
		return runFrom(ctx, stages, i+1, ex)
	}
	return stages[i].Run(ctx, ex, next)
}
