// Package state implements typed storage over Redis for entities whose
// schema the caller supplies, with optional TTL and a single-attempt
// optimistic update primitive.
package state

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/devmesh/actioncore/pkg/coreerrors"
	"github.com/devmesh/actioncore/pkg/keyspace"
	"github.com/devmesh/actioncore/pkg/observability"
	"github.com/devmesh/actioncore/pkg/redisx"

	"time"
)

// Version is the opaque token returned alongside a loaded value. Callers
// must treat it as opaque: it is the raw bytes last read, not a counter.
type Version []byte

// Manager provides typed load/store/delete/scan over a Keyspace-managed
// region of Redis. A zero Manager is not usable; construct one with New.
type Manager struct {
	client *redisx.StreamsClient
	keys   *keyspace.Keyspace
	logger observability.Logger
}

// New returns a Manager backed by client, generating keys through keys.
func New(client *redisx.StreamsClient, keys *keyspace.Keyspace, logger observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Manager{client: client, keys: keys, logger: logger}
}

// Load returns the caller's value decoded from the bytes stored at key,
// together with the version token the caller must supply to
// StoreIfUnchanged. ok is false if the key does not exist. A value present
// but undecodable is a DataCorruption error, never silently dropped.
func (m *Manager) Load(ctx context.Context, key string, out interface{}) (version Version, ok bool, err error) {
	raw, exists, err := m.client.Get(ctx, key)
	if err != nil {
		return nil, false, coreerrors.Unavailable("state load failed", err)
	}
	if !exists {
		return nil, false, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, false, coreerrors.Corruption("state value at key is not valid for its expected shape", err)
		}
	}
	return Version(raw), true, nil
}

// Store writes value at key, last-writer-wins. A zero ttl means the key
// never expires.
func (m *Manager) Store(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return coreerrors.Corruption("state value could not be encoded", err)
	}
	if err := m.client.Set(ctx, key, raw, ttl); err != nil {
		return coreerrors.Unavailable("state store failed", err)
	}
	return nil
}

// StoreIfUnchanged performs a single-attempt optimistic update: the write
// succeeds only if the key's stored bytes still equal version. It never
// retries internally on a mismatch; the caller decides whether to reload
// and try again.
func (m *Manager) StoreIfUnchanged(ctx context.Context, key string, value interface{}, version Version, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, coreerrors.Corruption("state value could not be encoded", err)
	}

	err = m.client.StoreIfUnchanged(ctx, key, []byte(version), raw, ttl)
	if errors.Is(err, redisx.ErrVersionMismatch) {
		return false, nil
	}
	if err != nil {
		return false, coreerrors.Unavailable("state optimistic store failed", err)
	}
	return true, nil
}

// Delete removes key. It is not an error for key to already be absent.
func (m *Manager) Delete(ctx context.Context, key string) error {
	if err := m.client.Delete(ctx, key); err != nil {
		return coreerrors.Unavailable("state delete failed", err)
	}
	return nil
}

// Scan invokes fn for every key under prefix using cursor iteration, never
// a blocking full-keyspace scan. Iteration stops early if fn returns false.
// Intended for maintenance tooling, not request-path use.
func (m *Manager) Scan(ctx context.Context, prefix string, fn func(key string) bool) error {
	if err := m.client.Scan(ctx, prefix+"*", fn); err != nil {
		return coreerrors.Unavailable("state scan failed", err)
	}
	return nil
}
