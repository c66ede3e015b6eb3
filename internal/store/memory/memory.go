// Package memory is an in-process model.ResourceStore.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Radar/internal/model"
)

// Store keeps committed resources in a map. Returned resources are copies,
// callers may modify them freely.
type Store struct {
	mx      sync.RWMutex
	records map[model.ResourceKey]model.Resource

	lookups atomic.Int64
	commits atomic.Int64
}

func New() *Store {
	return &Store{
		records: make(map[model.ResourceKey]model.Resource),
	}
}

func (s *Store) FindOrCreate(ctx context.Context, key model.ResourceKey) (model.Resource, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	s.lookups.Add(1)
	s.mx.RLock()
	r, ok := s.records[key]
	s.mx.RUnlock()
	if ok {
		return clone(r), false, nil
	}
	r, err := model.NewResource(key)
	if err != nil {
		return nil, false, err
	}
	if open, ok := r.(*model.OpenPort); ok {
		s.mx.RLock()
		if port, ok := s.records[open.Port.Key()]; ok {
			open.Port = clone(port).(*model.Port)
		}
		s.mx.RUnlock()
	}
	return r, true, nil
}

func (s *Store) Commit(ctx context.Context, r model.Resource) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	key := r.Key()
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.records[key]; ok {
		return fmt.Errorf("commit %s: %w", key, model.ErrConflict)
	}
	s.records[key] = clone(r)
	s.commits.Add(1)
	return nil
}

// Len returns the number of committed records.
func (s *Store) Len() int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return len(s.records)
}

// Get returns the committed record for key.
func (s *Store) Get(key model.ResourceKey) (model.Resource, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	r, ok := s.records[key]
	if !ok {
		return nil, false
	}
	return clone(r), true
}

// Lookups returns how many times FindOrCreate was called.
func (s *Store) Lookups() int64 {
	return s.lookups.Load()
}

func clone(r model.Resource) model.Resource {
	switch x := r.(type) {
	case *model.IPAddress:
		c := *x
		return &c
	case *model.Port:
		c := *x
		return &c
	case *model.OpenPort:
		c := *x
		if x.Port != nil {
			p := *x.Port
			c.Port = &p
		}
		return &c
	default:
		return r
	}
}
