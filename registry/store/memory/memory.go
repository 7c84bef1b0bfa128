// Package memory provides an in-memory implementation of the manifest
// store, suitable for tests and single-process development where the
// Persistent Store backend is not wired up.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/shinkai-labs/shinkai-node/registry/store"
)

// Store is an in-memory implementation of store.Store. It is safe for
// concurrent use.
type Store struct {
	mu        sync.RWMutex
	manifests map[string]map[string]*store.Manifest // profile -> router_key -> manifest
}

var _ store.Store = (*Store)(nil)

// New creates a new in-memory manifest store.
func New() *Store {
	return &Store{manifests: make(map[string]map[string]*store.Manifest)}
}

func (s *Store) Save(ctx context.Context, profile string, m *store.Manifest) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.manifests[profile]
	if !ok {
		byKey = make(map[string]*store.Manifest)
		s.manifests[profile] = byKey
	}
	cp := *m
	byKey[m.RouterKey] = &cp
	return nil
}

func (s *Store) Get(ctx context.Context, profile, routerKey string) (*store.Manifest, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[profile][routerKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) Delete(ctx context.Context, profile, routerKey string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.manifests[profile]
	if !ok {
		return store.ErrNotFound
	}
	if _, ok := byKey[routerKey]; !ok {
		return store.ErrNotFound
	}
	delete(byKey, routerKey)
	return nil
}

func (s *Store) List(ctx context.Context, profile string) ([]*store.Manifest, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := s.manifests[profile]
	out := make([]*store.Manifest, 0, len(byKey))
	for _, m := range byKey {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouterKey < out[j].RouterKey })
	return out, nil
}
