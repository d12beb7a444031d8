// Package credential implements the Credential Service (C1): minting,
// verifying, rotating, and revoking the JWT access/refresh credential pair.
// Access credentials are stateless (HS256, short-lived); refresh credentials
// are additionally recorded in the Session Store so they can be revoked
// before their TTL lapses.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gatekeep/accessplane/internal/apperror"
	"github.com/gatekeep/accessplane/internal/models"
	"github.com/gatekeep/accessplane/internal/session"
	"github.com/gatekeep/accessplane/pkg/logger"
)

// UserLookup resolves the current identity for a user at rotate time —
// email and roles may have changed since the refresh credential was issued.
// Implemented by the User Directory; kept as a narrow function type here so
// this package does not import directory and create a cycle.
type UserLookup func(ctx context.Context, userID string) (email string, roles []string, active bool, err error)

// Service is the Credential Service.
type Service struct {
	signingKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	sessions   *session.Store
	lookup     UserLookup
	logger     *logger.Logger
}

// Config carries the tunables the Credential Service needs from AuthConfig.
type Config struct {
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// New constructs a Credential Service. sessions backs refresh-credential
// storage; lookup re-derives a user's current email, roles, and active state
// when a refresh credential is rotated, so a role change takes effect on the
// next rotation rather than waiting out the session.
func New(cfg Config, sessions *session.Store, lookup UserLookup, log *logger.Logger) *Service {
	return &Service{
		signingKey: []byte(cfg.SigningKey),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		sessions:   sessions,
		lookup:     lookup,
		logger:     log,
	}
}

type claims struct {
	jwt.RegisteredClaims
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	Kind   string   `json:"kind"`
	Device string   `json:"device,omitempty"`
}

// MintAccess issues a fresh access credential for userID carrying the given
// email and roles; it does not consult the User Directory itself.
func (s *Service) MintAccess(ctx context.Context, userID, email string, roles []string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.accessTTL)

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		Email: email,
		Roles: roles,
		Kind:  models.CredentialKindAccess,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, apperror.Wrap(apperror.KindInternal, "failed to sign access credential", err)
	}
	return signed, expiresAt, nil
}

// MintRefresh issues a refresh credential and records its session in the
// Session Store, keyed by a fresh jti.
func (s *Service) MintRefresh(ctx context.Context, userID, device string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.refreshTTL)
	jti := uuid.NewString()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		Kind:   models.CredentialKindRefresh,
		Device: device,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, apperror.Wrap(apperror.KindInternal, "failed to sign refresh credential", err)
	}

	rec := models.SessionRecord{
		JTI:       jti,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		Device:    device,
	}
	if err := s.sessions.Put(ctx, rec); err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// IssuePair mints a full access+refresh pair for userID, e.g. at login.
func (s *Service) IssuePair(ctx context.Context, userID, email string, roles []string, device string) (models.CredentialPair, error) {
	access, accessExp, err := s.MintAccess(ctx, userID, email, roles)
	if err != nil {
		return models.CredentialPair{}, err
	}
	refresh, _, err := s.MintRefresh(ctx, userID, device)
	if err != nil {
		return models.CredentialPair{}, err
	}
	return models.CredentialPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: accessExp}, nil
}

func (s *Service) parse(token string) (*claims, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperror.New(apperror.KindAuthentication, "credential has expired").WithReason("expired")
		}
		return nil, apperror.Wrap(apperror.KindAuthentication, "credential is invalid", err).WithReason("malformed")
	}
	if !parsed.Valid {
		return nil, apperror.New(apperror.KindAuthentication, "credential is invalid").WithReason("malformed")
	}
	return &c, nil
}

// VerifyAccess validates an access credential's signature and expiry and
// returns the principal it carries. It does not consult the Session Store —
// access credentials are intentionally stateless.
func (s *Service) VerifyAccess(ctx context.Context, token string) (models.Principal, error) {
	c, err := s.parse(token)
	if err != nil {
		return models.Principal{}, err
	}
	if c.Kind != models.CredentialKindAccess {
		return models.Principal{}, apperror.New(apperror.KindAuthentication, "credential is not an access credential").WithReason("wrong_kind")
	}

	return models.Principal{
		UserID: c.Subject,
		Email:  c.Email,
		Roles:  c.Roles,
	}, nil
}

// VerifyRefresh validates a refresh credential's signature, expiry, and
// session liveness (it must still exist in the Session Store — i.e. not
// revoked). Returns the decoded claims for the caller to act on (rotate).
func (s *Service) VerifyRefresh(ctx context.Context, token string) (*models.RefreshClaims, error) {
	c, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if c.Kind != models.CredentialKindRefresh {
		return nil, apperror.New(apperror.KindAuthentication, "credential is not a refresh credential").WithReason("wrong_kind")
	}

	_, ok, err := s.sessions.Get(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperror.New(apperror.KindAuthentication, "session has been revoked").WithReason("revoked")
	}

	return &models.RefreshClaims{
		Subject:   c.Subject,
		JTI:       c.ID,
		IssuedAt:  c.IssuedAt.Unix(),
		ExpiresAt: c.ExpiresAt.Unix(),
		Kind:      c.Kind,
		Device:    c.Device,
	}, nil
}

// Rotate verifies refreshToken, revokes its session, and issues a brand new
// access+refresh pair. Rotation is exactly-one-winner under concurrent
// callers: VerifyRefresh's liveness check alone is not the gate (two racing
// calls can both pass it), so the actual decision is the Session Store's
// atomic DeleteIfPresent — only the caller that actually removes the session
// proceeds to IssuePair; a racing caller that finds the session already gone
// gets an AuthenticationError instead.
func (s *Service) Rotate(ctx context.Context, refreshToken string) (models.CredentialPair, error) {
	rc, err := s.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return models.CredentialPair{}, err
	}

	existed, err := s.sessions.DeleteIfPresent(ctx, rc.JTI)
	if err != nil {
		return models.CredentialPair{}, err
	}
	if !existed {
		return models.CredentialPair{}, apperror.New(apperror.KindAuthentication, "session has already been rotated or revoked").WithReason("revoked")
	}

	email, roles, active, err := s.lookup(ctx, rc.Subject)
	if err != nil {
		return models.CredentialPair{}, err
	}
	if !active {
		return models.CredentialPair{}, apperror.New(apperror.KindAuthentication, "user account is inactive").WithReason("inactive")
	}

	return s.IssuePair(ctx, rc.Subject, email, roles, rc.Device)
}

// Revoke revokes a single refresh credential by its session jti.
func (s *Service) Revoke(ctx context.Context, jti string) error {
	return s.sessions.Delete(ctx, jti)
}

// RevokeAll revokes every outstanding session for userID — logout everywhere.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int, error) {
	return s.sessions.DeleteByUser(ctx, userID)
}
