// Package session implements the Session Store (C2): the server-side record
// of outstanding refresh credentials. A session exists from the moment a
// refresh credential is minted until it is revoked or its TTL lapses.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gatekeep/accessplane/internal/apperror"
	"github.com/gatekeep/accessplane/internal/models"
	"github.com/gatekeep/accessplane/internal/store"
	"github.com/gatekeep/accessplane/pkg/logger"
)

const (
	sessionKeyPrefix = "session:jti:"
	userIndexPrefix  = "session:user:"
)

func sessionKey(jti string) string {
	return sessionKeyPrefix + jti
}

func userIndexKey(userID, jti string) string {
	return userIndexPrefix + userID + ":" + jti
}

func userIndexScanPrefix(userID string) string {
	return userIndexPrefix + userID + ":"
}

// Store is the Session Store. It is backed by a store.KVStore so the same
// implementation serves both a Redis-backed production deployment and an
// in-memory one for tests.
type Store struct {
	kv     store.KVStore
	logger *logger.Logger
}

// New constructs a Session Store over kv.
func New(kv store.KVStore, log *logger.Logger) *Store {
	return &Store{kv: kv, logger: log}
}

// Put creates or overwrites the session record for rec.JTI, and adds it to
// rec.UserID's enumeration index. Both writes use the same TTL so the index
// entry and the record expire together.
func (s *Store) Put(ctx context.Context, rec models.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "failed to marshal session record", err)
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return apperror.New(apperror.KindValidation, "session record expires_at must be in the future")
	}

	if err := s.kv.Set(ctx, sessionKey(rec.JTI), data, ttl); err != nil {
		return apperror.Wrap(apperror.KindServiceUnavailable, "failed to store session", err)
	}
	if err := s.kv.Set(ctx, userIndexKey(rec.UserID, rec.JTI), []byte{}, ttl); err != nil {
		return apperror.Wrap(apperror.KindServiceUnavailable, "failed to index session", err)
	}

	s.logger.Audit(ctx, "session_created", rec.UserID, rec.JTI,
		logger.Time("expires_at", rec.ExpiresAt),
	)
	return nil
}

// Get returns the session record for jti, or ok=false if it does not exist
// (never existed, was revoked, or expired).
func (s *Store) Get(ctx context.Context, jti string) (models.SessionRecord, bool, error) {
	data, ok, err := s.kv.Get(ctx, sessionKey(jti))
	if err != nil {
		return models.SessionRecord{}, false, apperror.Wrap(apperror.KindServiceUnavailable, "failed to read session", err)
	}
	if !ok {
		return models.SessionRecord{}, false, nil
	}

	var rec models.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.SessionRecord{}, false, apperror.Wrap(apperror.KindInternal, "failed to unmarshal session record", err)
	}
	return rec, true, nil
}

// Delete revokes a single session by jti. Deleting an absent session is not
// an error — revoke is idempotent.
func (s *Store) Delete(ctx context.Context, jti string) error {
	_, err := s.DeleteIfPresent(ctx, jti)
	return err
}

// DeleteIfPresent revokes a single session by jti and reports whether it
// still existed. The record is read first only to learn its UserID for index
// cleanup; the actual revoke decision is the KVStore's atomic
// DeleteIfPresent on the session key itself, so two callers racing on the
// same jti never both observe existed=true. Credential rotation relies on
// this to guarantee exactly one winner per refresh token.
func (s *Store) DeleteIfPresent(ctx context.Context, jti string) (bool, error) {
	rec, ok, err := s.Get(ctx, jti)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	existed, err := s.kv.DeleteIfPresent(ctx, sessionKey(jti))
	if err != nil {
		return false, apperror.Wrap(apperror.KindServiceUnavailable, "failed to delete session", err)
	}
	if !existed {
		return false, nil
	}

	if err := s.kv.Delete(ctx, userIndexKey(rec.UserID, jti)); err != nil {
		return false, apperror.Wrap(apperror.KindServiceUnavailable, "failed to remove session index entry", err)
	}

	s.logger.Audit(ctx, "session_revoked", rec.UserID, jti)
	return true, nil
}

// DeleteByUser revokes every session belonging to userID — used by revoke_all
// (logout-everywhere, and forced revocation on role/active-state change).
func (s *Store) DeleteByUser(ctx context.Context, userID string) (int, error) {
	jtis, err := s.listUserJTIs(ctx, userID)
	if err != nil {
		return 0, err
	}

	revoked := 0
	for _, jti := range jtis {
		if err := s.Delete(ctx, jti); err != nil {
			return revoked, err
		}
		revoked++
	}

	s.logger.Audit(ctx, "session_revoked_all", userID, fmt.Sprintf("count=%d", revoked))
	return revoked, nil
}

// ListByUser returns the non-expired sessions belonging to userID.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]models.SessionRecord, error) {
	jtis, err := s.listUserJTIs(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out []models.SessionRecord
	for _, jti := range jtis {
		rec, ok, err := s.Get(ctx, jti)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ListAll returns every non-expired session across all users — used by the
// Admin Surface's list_sessions operation. Scans the record keyspace
// directly rather than the per-user index, since no global index exists.
func (s *Store) ListAll(ctx context.Context) ([]models.SessionRecord, error) {
	keys, err := s.kv.Scan(ctx, sessionKeyPrefix)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServiceUnavailable, "failed to enumerate sessions", err)
	}

	out := make([]models.SessionRecord, 0, len(keys))
	for _, k := range keys {
		data, ok, err := s.kv.Get(ctx, k)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindServiceUnavailable, "failed to read session", err)
		}
		if !ok {
			continue
		}
		var rec models.SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, apperror.Wrap(apperror.KindInternal, "failed to unmarshal session record", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) listUserJTIs(ctx context.Context, userID string) ([]string, error) {
	keys, err := s.kv.Scan(ctx, userIndexScanPrefix(userID))
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServiceUnavailable, "failed to enumerate sessions", err)
	}

	prefix := userIndexScanPrefix(userID)
	jtis := make([]string, 0, len(keys))
	for _, k := range keys {
		jtis = append(jtis, k[len(prefix):])
	}
	return jtis, nil
}
