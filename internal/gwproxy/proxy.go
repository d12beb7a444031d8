// Package gwproxy implements the Gateway Proxy (C9): the client-facing
// surface that terminates bearer-credential authentication, injects the
// internal trust token and verified principal as headers, and relays the
// call to the Tool Server via a reverse proxy. No teacher precedent exists
// for this split (the teacher is a monolith); the transport/dispatch
// separation mirrors the examples pack's gateway/handler split, applied here
// between this package (mounted by cmd/gateway) and the Tool Server's own
// Middleware Pipeline.
package gwproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gatekeep/accessplane/internal/apperror"
	"github.com/gatekeep/accessplane/internal/credential"
	"github.com/gatekeep/accessplane/internal/models"
	"github.com/gatekeep/accessplane/pkg/logger"
)

// errorBody is the minimal JSON-RPC-shaped error envelope the proxy writes
// directly to the client when it cannot even reach the reverse proxy step
// (client-credential verification failures, upstream connection errors).
type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeErrorBody(w http.ResponseWriter, status, code int, message string) {
	body := errorBody{}
	body.Error.Code = code
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

const (
	HeaderInternalTrust  = "X-Internal-Trust"
	HeaderPrincipalID    = "X-Principal-Id"
	HeaderPrincipalEmail = "X-Principal-Email"
	HeaderPrincipalRoles = "X-Principal-Roles"
	HeaderRequestID      = "X-Request-Id"
	HeaderTraceparent    = "traceparent"
	// HeaderClientAddr carries the original client's network address across
	// the proxy hop, so the Tool Server's Rate Limiter can key unauthenticated
	// traffic on it rather than on the Gateway's own outbound address.
	HeaderClientAddr = "X-Client-Addr"
)

// Config carries the Gateway Proxy's tunables.
type Config struct {
	ToolServerURL      string
	InternalTrustToken string
}

// Proxy is the Gateway Proxy.
type Proxy struct {
	target      *url.URL
	trustToken  string
	credential  *credential.Service
	reverse     *httputil.ReverseProxy
	logger      *logger.Logger
	requestIDFn func() string
}

// New constructs a Proxy forwarding to cfg.ToolServerURL.
func New(cfg Config, cred *credential.Service, log *logger.Logger, requestIDFn func() string) (*Proxy, error) {
	target, err := url.Parse(cfg.ToolServerURL)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "invalid tool server URL", err)
	}

	p := &Proxy{
		target:      target,
		trustToken:  cfg.InternalTrustToken,
		credential:  cred,
		logger:      log,
		requestIDFn: requestIDFn,
	}

	reverse := httputil.NewSingleHostReverseProxy(target)
	baseDirector := reverse.Director
	reverse.Director = func(req *http.Request) {
		baseDirector(req)
		// The Tool Server exposes a single JSON-RPC endpoint; whatever path
		// the client used to reach the Gateway's proxy route is irrelevant
		// upstream, so pin the forwarded path to the configured target's.
		req.URL.Path = p.target.Path
		req.URL.RawPath = p.target.RawPath
		p.injectTrust(req)
	}
	reverse.ErrorHandler = p.handleUpstreamError
	p.reverse = reverse

	return p, nil
}

// principalContextKey carries the Principal resolved by AuthenticateClient
// through to injectTrust, which runs inside httputil.ReverseProxy's
// Director and has no other avenue to receive it.
type principalContextKey struct{}

// AuthenticateClient verifies the inbound client's bearer credential via the
// Credential Service and attaches the resulting Principal to the request's
// context, ready for injectTrust to turn into headers. Anonymous requests
// (no bearer token) are allowed through unauthenticated — the Tool Server's
// own Authentication stage enforces the per-method requirement.
func (p *Proxy) AuthenticateClient(r *http.Request) (*http.Request, error) {
	principal := models.AnonymousPrincipal

	if token := bearerToken(r); token != "" {
		verified, err := p.credential.VerifyAccess(r.Context(), token)
		if err != nil {
			return nil, err
		}
		principal = verified
	}

	r.Header.Del("Authorization")
	ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
	return r.WithContext(ctx), nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// injectTrust stamps the outbound request to the Tool Server with the
// internal trust token and the already-verified principal, so the Tool
// Server's own Authentication stage can trust the attached identity instead
// of re-verifying a credential it never sees (the Authorization header was
// stripped in AuthenticateClient).
func (p *Proxy) injectTrust(req *http.Request) {
	req.Header.Set(HeaderInternalTrust, p.trustToken)
	if req.RemoteAddr != "" {
		req.Header.Set(HeaderClientAddr, req.RemoteAddr)
	}

	principal, _ := req.Context().Value(principalContextKey{}).(models.Principal)
	if !principal.Anonymous {
		req.Header.Set(HeaderPrincipalID, principal.UserID)
		req.Header.Set(HeaderPrincipalEmail, principal.Email)
		req.Header.Set(HeaderPrincipalRoles, strings.Join(principal.Roles, ","))
	}

	if p.requestIDFn != nil {
		req.Header.Set(HeaderRequestID, p.requestIDFn())
	}
	if tp := req.Header.Get(HeaderTraceparent); tp != "" {
		req.Header.Set(HeaderTraceparent, tp)
	}
}

// handleUpstreamError maps a connection failure to the Tool Server into a
// generic GatewayError, never surfacing the upstream address or the raw
// transport error to the client.
func (p *Proxy) handleUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if p.logger != nil {
		p.logger.Error(r.Context(), "gateway proxy upstream error", err)
	}
	writeErrorBody(w, apperror.KindGateway.HTTPStatus(), apperror.KindGateway.RPCCode(), "tool server unavailable")
}

// ServeHTTP authenticates the client and relays the request to the Tool
// Server, streaming the response back transparently.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	authenticated, err := p.AuthenticateClient(r)
	if err != nil {
		ae, ok := apperror.As(err)
		if !ok {
			ae = apperror.New(apperror.KindAuthentication, "invalid credential")
		}
		writeErrorBody(w, ae.Kind.HTTPStatus(), ae.Kind.RPCCode(), ae.Message)
		return
	}
	p.reverse.ServeHTTP(w, authenticated)
}
