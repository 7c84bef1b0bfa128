// Package inmem provides an in-memory store.Store for tests and local
// tooling, grounded on the teacher's
// features/session/mongo/clients/mongo/inmem package.
package inmem

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shinkai-labs/shinkai-node/store"
)

// Store is a map-backed, mutex-guarded store.Store.
type Store struct {
	mu  sync.Mutex
	cfs map[store.ColumnFamily]map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{cfs: make(map[store.ColumnFamily]map[string][]byte)}
}

func (s *Store) family(cf store.ColumnFamily) map[string][]byte {
	m, ok := s.cfs[cf]
	if !ok {
		m = make(map[string][]byte)
		s.cfs[cf] = m
	}
	return m
}

func (s *Store) Put(_ context.Context, cf store.ColumnFamily, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), value...)
	s.family(cf)[key] = cp
	return nil
}

func (s *Store) Get(_ context.Context, cf store.ColumnFamily, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.family(cf)[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Store) Delete(_ context.Context, cf store.ColumnFamily, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.family(cf), key)
	return nil
}

func (s *Store) PrefixIter(_ context.Context, cf store.ColumnFamily, prefix string) ([]store.KV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fam := s.family(cf)
	out := make([]store.KV, 0, len(fam))
	for k, v := range fam {
		if strings.HasPrefix(k, prefix) {
			out = append(out, store.KV{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// WriteBatch applies ops under a single mutex hold, making the set visible
// atomically to any reader that also takes the mutex (i.e. every other
// method on this Store).
func (s *Store) WriteBatch(_ context.Context, ops []store.WriteOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		fam := s.family(op.CF)
		if op.Delete {
			delete(fam, op.Key)
			continue
		}
		fam[op.Key] = append([]byte(nil), op.Value...)
	}
	return nil
}

func (s *Store) Close(context.Context) error { return nil }
