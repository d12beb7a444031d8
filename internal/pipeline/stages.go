package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gatekeep/accessplane/internal/apperror"
	"github.com/gatekeep/accessplane/internal/dispatch"
	"github.com/gatekeep/accessplane/internal/models"
)

// observabilityStage is the outermost stage: it times the whole request and
// emits one span regardless of how the request ultimately resolves, so a
// request that errors out still produces a completed trace.
func observabilityStage(deps Deps) Stage {
	return Stage{
		Name: "observability",
		Run: func(ctx context.Context, ex *Exchange, next Next) (*dispatch.Response, error) {
			start := time.Now()
			resp, err := next(ctx, ex)
			if deps.Observer != nil {
				deps.Observer.EmitSpan(ctx, "pipeline.request", time.Since(start))
			}
			return resp, err
		},
	}
}

// errorHandlerStage maps a Go error surfacing from an inner stage into a
// JSON-RPC error Response, the single place internal causes get collapsed
// into the stable Kind-driven taxonomy (§7). It never itself returns a Go
// error — everything downstream of it is guaranteed a non-nil Response.
func errorHandlerStage(deps Deps, verbose bool) Stage {
	return Stage{
		Name: "error_handler",
		Run: func(ctx context.Context, ex *Exchange, next Next) (*dispatch.Response, error) {
			resp, err := next(ctx, ex)
			if err == nil {
				return resp, nil
			}

			if deps.Observer != nil {
				deps.Observer.EmitError(ctx, "pipeline.error", err)
			}
			if verbose && deps.Logger != nil {
				deps.Logger.Error(ctx, "request failed", err, zap.String("method", ex.RC.Method))
			}

			kind := apperror.KindInternal
			message := "internal error"
			var data any
			if ae, ok := apperror.As(err); ok {
				kind = ae.Kind
				message = ae.Message
				if ae.Reason != "" {
					data = map[string]string{"reason": ae.Reason}
				}
			}

			return dispatchErrorResponse(ex.Request.ID, kind, message, data), nil
		},
	}
}

func dispatchErrorResponse(id json.RawMessage, kind apperror.Kind, message string, data any) *dispatch.Response {
	return &dispatch.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &dispatch.RPCError{
			Code:    kind.RPCCode(),
			Message: message,
			Data:    data,
		},
	}
}

// requestLoggingStage records method, principal (once Authentication has
// run), and duration. Fields named in Auth.SensitiveFields are redacted
// before any argument data reaches the log line.
func requestLoggingStage(deps Deps, enhanced bool) Stage {
	return Stage{
		Name: "request_logging",
		Run: func(ctx context.Context, ex *Exchange, next Next) (*dispatch.Response, error) {
			start := time.Now()
			resp, err := next(ctx, ex)

			if deps.Logger == nil {
				return resp, err
			}

			fields := []zap.Field{
				zap.String("method", ex.RC.Method),
				zap.Duration("duration", time.Since(start)),
				zap.Bool("anonymous", ex.RC.Principal.Anonymous),
			}
			if !ex.RC.Principal.Anonymous {
				fields = append(fields, zap.String("principal_id", ex.RC.Principal.UserID))
			}
			if enhanced {
				fields = append(fields, zap.Any("arguments", redact(ex.RC.Arguments, deps.Auth.SensitiveFields)))
			}
			deps.Logger.Audit(ctx, "tool_call", ex.RC.Principal.UserID, ex.RC.Method, fields...)

			return resp, err
		},
	}
}

func redact(args map[string]any, sensitive []string) map[string]any {
	if len(args) == 0 {
		return args
	}
	blocked := make(map[string]bool, len(sensitive))
	for _, k := range sensitive {
		blocked[strings.ToLower(k)] = true
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if blocked[strings.ToLower(k)] {
			out[k] = "***redacted***"
			continue
		}
		out[k] = v
	}
	return out
}

// validationStage checks the JSON-RPC envelope shape before anything else
// touches the request, so malformed traffic cannot be used to probe
// Authentication's timing.
func validationStage(deps Deps) Stage {
	return Stage{
		Name: "validation",
		Run: func(ctx context.Context, ex *Exchange, next Next) (*dispatch.Response, error) {
			if ex.Request.JSONRPC != "2.0" {
				return dispatchErrorResponse(ex.Request.ID, apperror.KindValidation, "jsonrpc must be \"2.0\"", nil), nil
			}
			if ex.Request.Method == "" {
				return dispatchErrorResponse(ex.Request.ID, apperror.KindValidation, "method is required", nil), nil
			}
			if ex.Request.Method == "tools/call" {
				var params dispatch.ToolCallParams
				if err := json.Unmarshal(ex.Request.Params, &params); err != nil || params.Name == "" {
					return dispatchErrorResponse(ex.Request.ID, apperror.KindValidation, "tools/call requires params.name", nil), nil
				}
			}
			return next(ctx, ex)
		},
	}
}

// authenticationStage extracts the bearer credential and attaches a
// Principal. Requests already carrying internal trust (Gateway Proxy
// already verified the original client) skip straight through. A
// configured bypass list (e.g. health_check) also skips verification,
// attaching the anonymous principal instead.
//
// A bad bearer token does not short-circuit here: it still falls through to
// Rate Limit under the anonymous/client-address identity (a bad-credential
// retry loop is exactly the traffic Rate Limit exists to cap), with the
// authentication failure stashed on the Exchange to surface once rate
// limiting has had its say.
func authenticationStage(deps Deps, enabled bool) Stage {
	return Stage{
		Name: "authentication",
		Run: func(ctx context.Context, ex *Exchange, next Next) (*dispatch.Response, error) {
			if !enabled || ex.RC.InternalTrust {
				return next(ctx, ex)
			}

			if bypassed(ex.RC.Method, deps.Auth.BypassMethods) {
				ex.RC = ex.RC.WithPrincipal(models.AnonymousPrincipal)
				return next(ctx, ex)
			}

			if ex.BearerToken == "" {
				ex.RC = ex.RC.WithPrincipal(models.AnonymousPrincipal)
				return next(ctx, ex)
			}

			principal, err := deps.Credential.VerifyAccess(ctx, ex.BearerToken)
			if err != nil {
				ex.RC = ex.RC.WithPrincipal(models.AnonymousPrincipal)
				ex.AuthError = err
				return next(ctx, ex)
			}
			ex.RC = ex.RC.WithPrincipal(principal)
			return next(ctx, ex)
		},
	}
}

func bypassed(method string, bypass []string) bool {
	for _, m := range bypass {
		if m == method {
			return true
		}
	}
	return false
}

// authorizationStage defers the actual decision to the Tool Dispatcher,
// which alone knows how to derive an argument-dependent resource name per
// tool; this stage exists as an explicit, auditable slot in the pipeline
// order even though C7 re-invokes the Authorization Engine itself for
// tools/call (the stage here is a pass-through; unknown methods are
// rejected by the dispatcher).
func authorizationStage(deps Deps) Stage {
	return Stage{
		Name: "authorization",
		Run: func(ctx context.Context, ex *Exchange, next Next) (*dispatch.Response, error) {
			return next(ctx, ex)
		},
	}
}

// rateLimitStage applies C5 by principal id, or, for anonymous traffic
// (including traffic Authentication rejected for a bad bearer token), by the
// caller's client address rather than a single shared "anonymous" bucket —
// otherwise every unauthenticated or bad-credential caller drains the same
// budget and a single abusive client can lock out every other anonymous
// caller. A pending AuthError from Authentication is only surfaced here,
// after the identity has been charged, so failed-auth traffic never skips
// the limiter entirely.
func rateLimitStage(deps Deps) Stage {
	return Stage{
		Name: "rate_limit",
		Run: func(ctx context.Context, ex *Exchange, next Next) (*dispatch.Response, error) {
			identity := ex.RC.Principal.UserID
			if identity == "" {
				identity = "anon:" + ex.RC.ClientAddress
				if ex.RC.ClientAddress == "" {
					identity = "anonymous"
				}
			}
			decision := deps.RateLimit.Allow(ctx, identity)
			if !decision.Allowed {
				return dispatchErrorResponse(ex.Request.ID, apperror.KindRateLimit, "rate limit exceeded", map[string]string{
					"retry_after": decision.RetryAfter.String(),
				}), nil
			}
			if ex.AuthError != nil {
				return nil, ex.AuthError
			}
			return next(ctx, ex)
		},
	}
}

// metricsStage increments a per-method counter and records latency on the
// way out.
func metricsStage(deps Deps) Stage {
	return Stage{
		Name: "metrics",
		Run: func(ctx context.Context, ex *Exchange, next Next) (*dispatch.Response, error) {
			start := time.Now()
			resp, err := next(ctx, ex)
			if deps.Observer != nil {
				deps.Observer.EmitCounter(ctx, "tool_call."+ex.RC.Method, 1)
				deps.Observer.EmitSpan(ctx, "tool_call."+ex.RC.Method, time.Since(start))
			}
			return resp, err
		},
	}
}

// cacheStage is a thin pass-through: cache-eligibility and fingerprinting
// happen inside the Tool Dispatcher itself, since only the dispatcher knows
// each tool's Admin/ResourceVarying binding flags. The stage still occupies
// its documented position in the order (§4.6) so a future cache backend
// swap or short-circuit can be added here without reshuffling the pipeline.
func cacheStage(deps Deps) Stage {
	return Stage{
		Name: "cache",
		Run: func(ctx context.Context, ex *Exchange, next Next) (*dispatch.Response, error) {
			return next(ctx, ex)
		},
	}
}

// dispatchStage is the terminal stage: it hands the request to the Tool
// Dispatcher and returns whatever Response it produces. It re-checks
// AuthError as a backstop for profiles that disable Rate Limit entirely —
// in that configuration there is no rate limiter to bypass, but a deferred
// authentication failure must still never reach the Tool Dispatcher.
func dispatchStage(deps Deps) Stage {
	return Stage{
		Name: "dispatch",
		Run: func(ctx context.Context, ex *Exchange, _ Next) (*dispatch.Response, error) {
			if ex.AuthError != nil {
				return nil, ex.AuthError
			}
			return deps.Dispatcher.Handle(ctx, ex.RC.Principal, ex.Request), nil
		},
	}
}
