package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// MemoryStore is an in-process KVStore used by tests and by local
// development profiles that don't want a Redis dependency.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

func (s *MemoryStore) expired(e memEntry, now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Get implements KVStore.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || s.expired(e, time.Now()) {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set implements KVStore.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.entries[key] = memEntry{value: stored, expires: expires}
	return nil
}

// Delete implements KVStore.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	_, err := s.DeleteIfPresent(ctx, key)
	return err
}

// DeleteIfPresent implements KVStore. The existence check and the delete
// happen under the same lock acquisition, so two concurrent callers on the
// same key can never both observe existed=true.
func (s *MemoryStore) DeleteIfPresent(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	delete(s.entries, key)
	if !ok || s.expired(e, time.Now()) {
		return false, nil
	}
	return true, nil
}

// Scan implements KVStore.
func (s *MemoryStore) Scan(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var keys []string
	for k, e := range s.entries {
		if s.expired(e, now) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// AtomicIncrWithExpiry implements KVStore.
func (s *MemoryStore) AtomicIncrWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.entries[key]
	if !ok || s.expired(e, now) {
		e = memEntry{value: []byte("1"), expires: now.Add(ttl)}
		s.entries[key] = e
		return 1, nil
	}

	count := int64(1)
	if n, ok := parseInt(e.value); ok {
		count = n + 1
	}
	e.value = formatInt(count)
	s.entries[key] = e
	return count, nil
}

// HealthCheck implements KVStore.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Close implements KVStore.
func (s *MemoryStore) Close() error {
	return nil
}

func parseInt(b []byte) (int64, bool) {
	var n int64
	if len(b) == 0 {
		return 0, false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

func formatInt(n int64) []byte {
	if n == 0 {
		return []byte("0")
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return buf[i:]
}
