// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

// Package data coordinates the in-memory caches and the durable storage
// provider. All reads on the hot path are served from memory; writes go
// through the cache to the provider and roll back the cached state when the
// durable write fails, so memory never claims what disk refused.
package data

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/oops"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/rank"
	"github.com/permbase/permbase/internal/storage"
	"github.com/permbase/permbase/internal/storage/flatfile"
	"github.com/permbase/permbase/internal/storage/postgres"
	"github.com/permbase/permbase/internal/storage/sqlite"
)

// Backend names accepted by Options.Backend.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendFlatfile = "flatfile"
)

const defaultPrincipalCacheSize = 1024

// Options selects and configures the storage backend.
type Options struct {
	Backend string
	// DSN is the postgres connection string.
	DSN string
	// Path is the sqlite database file or the flatfile data directory.
	Path string
	// FallbackPath is the sqlite file used when the configured backend fails
	// to initialize. Empty disables the fallback.
	FallbackPath string
	// PrincipalCacheSize bounds the in-memory principal cache. Zero means the
	// default.
	PrincipalCacheSize int
}

// Manager owns the caches and the provider. The rank set is small and fully
// resident; principals sit in a bounded LRU keyed by id.
type Manager struct {
	mu         sync.RWMutex
	provider   storage.Provider
	ranks      map[string]*rank.Rank
	principals *lru.Cache[string, *rank.Principal]
}

// Open builds the configured provider, warms the rank cache, and returns the
// manager. When the configured backend cannot be opened and a fallback path
// is set, it degrades to the embedded sqlite backend with a logged warning
// rather than refusing to start.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	provider, err := openProvider(ctx, opts)
	if err != nil {
		if opts.FallbackPath == "" || opts.Backend == BackendSQLite {
			return nil, err
		}
		slog.Warn("storage backend failed to initialize, falling back to sqlite",
			"backend", opts.Backend,
			"fallback_path", opts.FallbackPath,
			"error", err,
		)
		provider, err = sqlite.Open(opts.FallbackPath)
		if err != nil {
			return nil, err
		}
	}
	return New(ctx, provider, opts.PrincipalCacheSize)
}

func openProvider(ctx context.Context, opts Options) (storage.Provider, error) {
	switch opts.Backend {
	case BackendSQLite, "":
		return sqlite.Open(opts.Path)
	case BackendPostgres:
		return postgres.Open(ctx, opts.DSN)
	case BackendFlatfile:
		return flatfile.Open(opts.Path)
	default:
		return nil, oops.In("data").
			Code("INVALID_ARGUMENT").
			With("backend", opts.Backend).
			Errorf("unknown storage backend %q", opts.Backend)
	}
}

// New wraps an existing provider and warms the rank cache. Used by Open and
// by tests with a mock provider.
func New(ctx context.Context, provider storage.Provider, cacheSize int) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = defaultPrincipalCacheSize
	}
	principals, err := lru.New[string, *rank.Principal](cacheSize)
	if err != nil {
		return nil, oops.In("data").Wrap(err)
	}

	m := &Manager{
		provider:   provider,
		ranks:      make(map[string]*rank.Rank),
		principals: principals,
	}
	if err := m.reloadRanks(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// reloadRanks replaces the rank cache from storage.
func (m *Manager) reloadRanks(ctx context.Context) error {
	ranks, err := m.provider.Ranks(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]*rank.Rank, len(ranks))
	for _, r := range ranks {
		fresh[rank.Normalize(r.Name)] = r
	}

	m.mu.Lock()
	m.ranks = fresh
	m.mu.Unlock()
	return nil
}

// Close releases the provider.
func (m *Manager) Close() error {
	return m.provider.Close()
}

// ClearCaches reloads ranks from storage and drops every cached principal.
// Exposed for administrative reload after out-of-band storage edits.
func (m *Manager) ClearCaches(ctx context.Context) error {
	if err := m.reloadRanks(ctx); err != nil {
		return err
	}
	m.principals.Purge()
	return nil
}

// Rank returns the cached rank by name. The returned value is a clone;
// callers mutate freely and persist via SaveRank.
func (m *Manager) Rank(name string) (*rank.Rank, bool) {
	m.mu.RLock()
	r, ok := m.ranks[rank.Normalize(name)]
	m.mu.RUnlock()
	if !ok {
		cacheMisses.WithLabelValues("rank").Inc()
		return nil, false
	}
	cacheHits.WithLabelValues("rank").Inc()
	return r.Clone(), true
}

// Ranks returns clones of every cached rank.
func (m *Manager) Ranks() []*rank.Rank {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*rank.Rank, 0, len(m.ranks))
	for _, r := range m.ranks {
		out = append(out, r.Clone())
	}
	return out
}

// DefaultRank returns the cached rank flagged as default.
func (m *Manager) DefaultRank() (*rank.Rank, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.ranks {
		if r.Default {
			return r.Clone(), true
		}
	}
	return nil, false
}

// SaveRank writes the rank through the cache to storage. On a failed durable
// write the cached entry is restored to its previous state.
func (m *Manager) SaveRank(ctx context.Context, r *rank.Rank) error {
	key := rank.Normalize(r.Name)
	stored := r.Clone()
	stored.Name = key

	m.mu.Lock()
	prev, existed := m.ranks[key]
	m.ranks[key] = stored
	m.mu.Unlock()

	if err := m.provider.SaveRank(ctx, stored); err != nil {
		m.mu.Lock()
		if existed {
			m.ranks[key] = prev
		} else {
			delete(m.ranks, key)
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// DeleteRank removes the rank from cache and storage, restoring the cached
// entry when the durable delete fails.
func (m *Manager) DeleteRank(ctx context.Context, name string) error {
	key := rank.Normalize(name)

	m.mu.Lock()
	prev, existed := m.ranks[key]
	if !existed {
		m.mu.Unlock()
		return storage.NotFound("rank", key)
	}
	delete(m.ranks, key)
	m.mu.Unlock()

	if err := m.provider.DeleteRank(ctx, key); err != nil && !storage.IsNotFound(err) {
		m.mu.Lock()
		m.ranks[key] = prev
		m.mu.Unlock()
		return err
	}
	return nil
}

// Principal returns the principal record, from cache when warm. A storage
// fault on the read path is logged and reported as NOT_FOUND so permission
// checks degrade to deny instead of surfacing infrastructure errors.
func (m *Manager) Principal(ctx context.Context, id string) (*rank.Principal, error) {
	if p, ok := m.principals.Get(id); ok {
		cacheHits.WithLabelValues("principal").Inc()
		return p.Clone(), nil
	}
	cacheMisses.WithLabelValues("principal").Inc()

	p, err := m.provider.Principal(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, err
		}
		slog.Error("principal read failed, treating as absent",
			"id", id,
			"error", err,
		)
		return nil, storage.NotFound("principal", id)
	}

	m.principals.Add(id, p)
	return p.Clone(), nil
}

// SavePrincipal writes the record through the cache to storage, restoring the
// previous cached state on a failed durable write.
func (m *Manager) SavePrincipal(ctx context.Context, p *rank.Principal) error {
	stored := p.Clone()

	prev, cached := m.principals.Peek(p.ID)
	m.principals.Add(p.ID, stored)

	if err := m.provider.SavePrincipal(ctx, stored); err != nil {
		if cached {
			m.principals.Add(p.ID, prev)
		} else {
			m.principals.Remove(p.ID)
		}
		return err
	}
	return nil
}

// DeletePrincipal removes the record from cache and storage.
func (m *Manager) DeletePrincipal(ctx context.Context, id string) error {
	m.principals.Remove(id)
	return m.provider.DeletePrincipal(ctx, id)
}

// Principals lists every stored principal record, bypassing the cache. Used
// by the expiry sweeper and administrative listings.
func (m *Manager) Principals(ctx context.Context) ([]*rank.Principal, error) {
	return m.provider.Principals(ctx)
}

// AppendAudit forwards one audit entry to storage.
func (m *Manager) AppendAudit(ctx context.Context, e audit.Entry) error {
	return m.provider.AppendAudit(ctx, e)
}

// AuditPage forwards a paginated audit read to storage.
func (m *Manager) AuditPage(ctx context.Context, q audit.Query) ([]audit.Entry, error) {
	return m.provider.AuditPage(ctx, q)
}

// TrimAudit forwards audit retention trimming to storage.
func (m *Manager) TrimAudit(ctx context.Context, before time.Time) (int64, error) {
	return m.provider.TrimAudit(ctx, before)
}

// Lookup returns a rank lookup function bound to the cache, for the
// resolution engine.
func (m *Manager) Lookup() func(name string) (*rank.Rank, bool) {
	return func(name string) (*rank.Rank, bool) {
		return m.Rank(name)
	}
}
