// Package persistent adapts the Tool Registry's manifest Store contract
// onto the node's single Persistent Store (spec.md §4.C), keeping manifests
// under the reserved store.CFTools column family instead of a
// registry-private database, unlike the teacher's Mongo/Redis-replicated
// backends which each owned their own connection.
package persistent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	regstore "github.com/shinkai-labs/shinkai-node/registry/store"
	"github.com/shinkai-labs/shinkai-node/store"
)

// Store persists manifests into the node's Persistent Store.
type Store struct {
	backend store.Store
}

var _ regstore.Store = (*Store)(nil)

// New wraps backend, a Persistent Store handle, as a manifest store.
func New(backend store.Store) *Store {
	return &Store{backend: backend}
}

func key(profile, routerKey string) string {
	return profile + "|" + routerKey
}

func (s *Store) Save(ctx context.Context, profile string, m *regstore.Manifest) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.backend.Put(ctx, store.CFTools, key(profile, m.RouterKey), b)
}

func (s *Store) Get(ctx context.Context, profile, routerKey string) (*regstore.Manifest, error) {
	b, ok, err := s.backend.Get(ctx, store.CFTools, key(profile, routerKey))
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}
	if !ok {
		return nil, regstore.ErrNotFound
	}
	var m regstore.Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return &m, nil
}

func (s *Store) Delete(ctx context.Context, profile, routerKey string) error {
	k := key(profile, routerKey)
	if _, ok, err := s.backend.Get(ctx, store.CFTools, k); err != nil {
		return fmt.Errorf("get manifest: %w", err)
	} else if !ok {
		return regstore.ErrNotFound
	}
	return s.backend.Delete(ctx, store.CFTools, k)
}

func (s *Store) List(ctx context.Context, profile string) ([]*regstore.Manifest, error) {
	prefix := profile + "|"
	kvs, err := s.backend.PrefixIter(ctx, store.CFTools, prefix)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	out := make([]*regstore.Manifest, 0, len(kvs))
	for _, kv := range kvs {
		var m regstore.Manifest
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			return nil, fmt.Errorf("unmarshal manifest %q: %w", kv.Key, err)
		}
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouterKey < out[j].RouterKey })
	return out, nil
}
