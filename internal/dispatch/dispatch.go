package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gatekeep/accessplane/internal/apperror"
	"github.com/gatekeep/accessplane/internal/authz"
	"github.com/gatekeep/accessplane/internal/cache"
	"github.com/gatekeep/accessplane/internal/models"
	"github.com/gatekeep/accessplane/internal/retriever"
)

// ToolKind is the sum type a registered tool belongs to: public tools need
// no principal, authenticated tools need any matching role plus an
// Authorization Engine Allow, and admin tools additionally require the
// admin role (enforced identically by the Authorization Engine, since the
// admin role already unlocks every grant). The kind is reported in each
// tools/list descriptor.
type ToolKind string

const (
	ToolKindPublic        ToolKind = "public"
	ToolKindAuthenticated ToolKind = "authenticated"
	ToolKindAdmin         ToolKind = "admin"
)

func kindOf(b models.ToolBinding) ToolKind {
	switch {
	case b.Public:
		return ToolKindPublic
	case b.Admin:
		return ToolKindAdmin
	default:
		return ToolKindAuthenticated
	}
}

// ResourceNameFn derives the concrete resource name the Authorization Engine
// evaluates grants against, from a tool call's arguments. Different tools
// key their resource differently (a vector collection, a table name, ...);
// tools with no argument-derived resource return "".
type ResourceNameFn func(args map[string]any) string

// Registration binds a tool name to its retriever and resource-name
// derivation function.
type Registration struct {
	Binding      models.ToolBinding
	Retrieve     retriever.Retriever
	ResourceName ResourceNameFn
}

// Dispatcher is the Tool Dispatcher (C7).
type Dispatcher struct {
	registrations map[string]Registration
	authz         *authz.Engine
	cache         *cache.Cache
	branchTimeout time.Duration
}

// New constructs a Dispatcher. branchTimeout bounds each composite-tool
// fan-out branch.
func New(authzEngine *authz.Engine, resultCache *cache.Cache, branchTimeout time.Duration) *Dispatcher {
	if branchTimeout <= 0 {
		branchTimeout = 5 * time.Second
	}
	return &Dispatcher{
		registrations: make(map[string]Registration),
		authz:         authzEngine,
		cache:         resultCache,
		branchTimeout: branchTimeout,
	}
}

// Register adds a tool to the dispatcher.
func (d *Dispatcher) Register(reg Registration) {
	d.registrations[reg.Binding.ToolName] = reg
}

// ListTools returns the tools visible to principal, per their Tool
// Bindings: public tools are always visible; authenticated/admin tools are
// visible only when the principal holds a matching role (the final
// resource-level Allow/Deny still happens at call time).
func (d *Dispatcher) ListTools(principal models.Principal) []ToolDescriptor {
	var out []ToolDescriptor
	for name, reg := range d.registrations {
		b := reg.Binding
		if !b.Public {
			if principal.Anonymous || !b.HasAnyRole(principal.Roles) {
				continue
			}
		}
		out = append(out, ToolDescriptor{Name: name, Public: b.Public, Kind: string(kindOf(b))})
	}
	return out
}

// Handle dispatches a single JSON-RPC request and returns its response.
// Validation and Authentication have already run by the time a request
// reaches Handle (pipeline stages 4-5); Handle itself performs the
// Authorization check (stage 6 is invoked by the pipeline, but Handle
// re-derives the resource name needed to evaluate it, since only the
// dispatcher knows each tool's argument shape).
func (d *Dispatcher) Handle(ctx context.Context, principal models.Principal, req Request) *Response {
	switch req.Method {
	case "health_check":
		return d.handleHealthCheck(req)
	case "tools/list":
		return d.handleToolsList(req, principal)
	case "tools/call":
		return d.handleToolsCall(ctx, req, principal)
	default:
		return newError(req.ID, &RPCError{
			Code:    apperror.KindNotFound.RPCCode(),
			Message: fmt.Sprintf("unknown method %q", req.Method),
		})
	}
}

// handleHealthCheck answers the public liveness probe directly, bypassing
// the registry entirely — it needs no retriever and no authorization check.
func (d *Dispatcher) handleHealthCheck(req Request) *Response {
	resp, err := newResult(req.ID, map[string]any{"status": "ok"})
	if err != nil {
		return newError(req.ID, internalRPCError(err))
	}
	return resp
}

func (d *Dispatcher) handleToolsList(req Request, principal models.Principal) *Response {
	resp, err := newResult(req.ID, map[string]any{"tools": d.ListTools(principal)})
	if err != nil {
		return newError(req.ID, internalRPCError(err))
	}
	return resp
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req Request, principal models.Principal) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return newError(req.ID, &RPCError{
			Code:    apperror.KindValidation.RPCCode(),
			Message: "params must be a tools/call object with name and arguments",
		})
	}

	if params.Name == "search_all" {
		return d.handleSearchAll(ctx, req.ID, principal, params.Arguments)
	}

	result, rpcErr := d.invoke(ctx, principal, params.Name, params.Arguments)
	if rpcErr != nil {
		return newError(req.ID, rpcErr)
	}

	resp, err := newResult(req.ID, result)
	if err != nil {
		return newError(req.ID, internalRPCError(err))
	}
	return resp
}

// invoke resolves, authorizes, and (cache-eligibly) executes a single named
// tool, returning its raw result value or a populated RPCError.
func (d *Dispatcher) invoke(ctx context.Context, principal models.Principal, name string, args map[string]any) (any, *RPCError) {
	reg, ok := d.registrations[name]
	if !ok {
		return nil, &RPCError{Code: apperror.KindNotFound.RPCCode(), Message: fmt.Sprintf("unknown tool %q", name)}
	}

	resourceName := ""
	if reg.ResourceName != nil {
		resourceName = reg.ResourceName(args)
	}

	decision, err := d.authz.Authorize(ctx, principal, name, resourceName)
	if err != nil {
		return nil, toRPCError(err)
	}
	if !decision.Allow {
		return nil, &RPCError{
			Code:    apperror.KindAuthorization.RPCCode(),
			Message: "not authorized to call this tool",
			Data:    map[string]string{"reason": decision.Reason},
		}
	}

	compute := func(ctx context.Context) ([]byte, error) {
		result, err := reg.Retrieve.Retrieve(ctx, args)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}

	if d.cache == nil || reg.Binding.Admin {
		// Admin tools have side effects; never cached.
		data, err := compute(ctx)
		if err != nil {
			return nil, retrieverRPCError(err)
		}
		var result any
		_ = json.Unmarshal(data, &result)
		return result, nil
	}

	scope := ""
	if reg.Binding.ResourceVarying {
		scope = principal.UserID
	}
	fp := cache.Fingerprint(name, scope, args)

	data, _, err := d.cache.GetOrCompute(ctx, name, fp, compute)
	if err != nil {
		return nil, retrieverRPCError(err)
	}
	var result any
	_ = json.Unmarshal(data, &result)
	return result, nil
}

// branchResult is one composite fan-out branch's outcome.
type branchResult struct {
	Tool   string `json:"tool"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleSearchAll fans the call out across every registered read tool in
// parallel, collecting each branch's result with its own deadline. The
// composite only fails if every branch fails; otherwise it returns partial
// success with per-branch status.
func (d *Dispatcher) handleSearchAll(ctx context.Context, id json.RawMessage, principal models.Principal, args map[string]any) *Response {
	var candidates []string
	for name, reg := range d.registrations {
		if reg.Binding.ResourceType != "" && reg.Binding.Action == models.ActionRead {
			candidates = append(candidates, name)
		}
	}

	type outcome struct {
		branch branchResult
	}
	results := make(chan outcome, len(candidates))

	for _, name := range candidates {
		name := name
		go func() {
			branchCtx, cancel := context.WithTimeout(ctx, d.branchTimeout)
			defer cancel()

			result, rpcErr := d.invoke(branchCtx, principal, name, args)
			if rpcErr != nil {
				results <- outcome{branchResult{Tool: name, OK: false, Error: rpcErr.Message}}
				return
			}
			results <- outcome{branchResult{Tool: name, OK: true, Result: result}}
		}()
	}

	branches := make([]branchResult, 0, len(candidates))
	anyOK := false
	for range candidates {
		o := <-results
		branches = append(branches, o.branch)
		if o.branch.OK {
			anyOK = true
		}
	}

	if len(candidates) > 0 && !anyOK {
		return newError(id, &RPCError{
			Code:    apperror.KindRetriever.RPCCode(),
			Message: "all composite search branches failed",
			Data:    branches,
		})
	}

	resp, err := newResult(id, map[string]any{"branches": branches})
	if err != nil {
		return newError(id, internalRPCError(err))
	}
	return resp
}

func toRPCError(err error) *RPCError {
	if ae, ok := apperror.As(err); ok {
		return &RPCError{Code: ae.Kind.RPCCode(), Message: ae.Message, Data: dataFor(ae)}
	}
	return internalRPCError(err)
}

func dataFor(ae *apperror.Error) any {
	if ae.Reason == "" {
		return nil
	}
	return map[string]string{"reason": ae.Reason}
}

func retrieverRPCError(err error) *RPCError {
	if ae, ok := apperror.As(err); ok {
		return toRPCError(ae)
	}
	return &RPCError{Code: apperror.KindRetriever.RPCCode(), Message: "retriever failed to produce a result"}
}

func internalRPCError(_ error) *RPCError {
	return &RPCError{Code: apperror.KindInternal.RPCCode(), Message: "internal error"}
}
