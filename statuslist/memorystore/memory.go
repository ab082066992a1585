// Package memorystore implements statuslist.Store in process memory. It is
// useful in tests and for hosts that want Restore semantics without an
// external dependency; entries do not survive a restart.
package memorystore

import (
	"context"
	"errors"
	"sync"

	"github.com/ggoodman/lockmaster-go/statuslist"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("memorystore: closed")

var _ statuslist.Store = (*Store)(nil)

type Store struct {
	mu      sync.RWMutex
	entries map[string]statuslist.Entry
	closed  bool
}

func New() *Store {
	return &Store{entries: make(map[string]statuslist.Entry)}
}

func (s *Store) Save(ctx context.Context, id string, e statuslist.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries[id] = e
	return nil
}

func (s *Store) Load(ctx context.Context) (map[string]statuslist.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]statuslist.Entry, len(s.entries))
	for id, e := range s.entries {
		out[id] = e
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}
