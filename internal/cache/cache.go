// Package cache implements the Result Cache (C8): fingerprints
// (tool, principal scope, canonicalized arguments), stores serialized tool
// results with a per-tool TTL, and guarantees at most one concurrent
// computation per fingerprint via singleflight.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gatekeep/accessplane/internal/apperror"
	"github.com/gatekeep/accessplane/internal/store"
)

// DefaultTTL is used for tools without a per-tool TTL override.
const DefaultTTL = 2 * time.Minute

const keyPrefix = "result_cache:"

// Cache is the Result Cache.
type Cache struct {
	kv         store.KVStore
	defaultTTL time.Duration
	ttlByTool  map[string]time.Duration
	group      singleflight.Group
}

// New constructs a Result Cache over kv. ttlByTool overrides DefaultTTL per
// tool name; a nil map means every tool uses defaultTTL (or DefaultTTL if
// defaultTTL is zero).
func New(kv store.KVStore, defaultTTL time.Duration, ttlByTool map[string]time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Cache{kv: kv, defaultTTL: defaultTTL, ttlByTool: ttlByTool}
}

// Fingerprint derives a stable cache key from the tool name, an optional
// principal scope (only meaningful for resource-varying tools), and the
// call arguments. Arguments are canonicalized (keys sorted) before hashing
// so that semantically equivalent argument orderings fingerprint the same.
func Fingerprint(tool, principalScope string, args map[string]any) string {
	canon := canonicalizeJSON(args)

	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write([]byte(principalScope))
	h.Write([]byte{0})
	h.Write(canon)

	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// canonicalizeJSON produces a byte representation of args with map keys in
// sorted order at every level, so json.Marshal's built-in map key sort
// (which Go's encoding/json already does) is made explicit and future-proof
// against library changes.
func canonicalizeJSON(v any) []byte {
	data, err := json.Marshal(sortedCopy(v))
	if err != nil {
		// Fingerprinting must never fail the request; fall back to a
		// best-effort representation rather than erroring the caller.
		return []byte(`"unfingerprintable"`)
	}
	return data
}

func sortedCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = sortedCopy(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = sortedCopy(e)
		}
		return out
	default:
		return val
	}
}

func (c *Cache) ttlFor(tool string) time.Duration {
	if ttl, ok := c.ttlByTool[tool]; ok && ttl > 0 {
		return ttl
	}
	return c.defaultTTL
}

// Get returns the cached payload for fingerprint, or ok=false on a miss.
func (c *Cache) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	data, ok, err := c.kv.Get(ctx, fingerprint)
	if err != nil {
		return nil, false, apperror.Wrap(apperror.KindServiceUnavailable, "result cache read failed", err)
	}
	return data, ok, nil
}

// Set stores payload under fingerprint with tool's configured TTL.
func (c *Cache) Set(ctx context.Context, tool, fingerprint string, payload []byte) error {
	if err := c.kv.Set(ctx, fingerprint, payload, c.ttlFor(tool)); err != nil {
		return apperror.Wrap(apperror.KindServiceUnavailable, "result cache write failed", err)
	}
	return nil
}

// ComputeFn produces a fresh result when the cache misses.
type ComputeFn func(ctx context.Context) ([]byte, error)

// GetOrCompute consults the cache for fingerprint; on a miss it calls
// compute, guaranteeing that concurrent callers sharing the same
// fingerprint trigger at most one in-flight computation (via singleflight),
// with the result populated into the cache before being returned to all of
// them.
func (c *Cache) GetOrCompute(ctx context.Context, tool, fingerprint string, compute ComputeFn) ([]byte, bool, error) {
	if data, ok, err := c.Get(ctx, fingerprint); err != nil {
		return nil, false, err
	} else if ok {
		return data, true, nil
	}

	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		// Re-check after winning the singleflight race: another goroutine
		// may have populated the cache between our miss above and now.
		if data, ok, err := c.Get(ctx, fingerprint); err != nil {
			return nil, err
		} else if ok {
			return data, nil
		}

		result, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, tool, fingerprint, result); err != nil {
			return nil, err
		}
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}

	return v.([]byte), false, nil
}
