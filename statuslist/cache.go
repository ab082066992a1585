package statuslist

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Entry is the status of one status list. The zero value is an empty entry
// with status 0.
type Entry struct {
	status byte
	tokens map[string]struct{}
}

// NewEntry builds an Entry. Duplicate token ids collapse.
func NewEntry(status byte, tokenIDs []string) Entry {
	tokens := make(map[string]struct{}, len(tokenIDs))
	for _, id := range tokenIDs {
		tokens[id] = struct{}{}
	}
	return Entry{status: status, tokens: tokens}
}

// Status is the status code.
func (e Entry) Status() byte { return e.status }

// Has reports whether tokenID is in the entry.
func (e Entry) Has(tokenID string) bool {
	_, ok := e.tokens[tokenID]
	return ok
}

// Len is the number of distinct token ids.
func (e Entry) Len() int { return len(e.tokens) }

// TokenIDs returns the token ids in sorted order.
func (e Entry) TokenIDs() []string {
	ids := make([]string, 0, len(e.tokens))
	for id := range e.tokens {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Equal reports whether e and o carry the same status and token ids.
func (e Entry) Equal(o Entry) bool {
	if e.status != o.status || len(e.tokens) != len(o.tokens) {
		return false
	}
	for id := range e.tokens {
		if _, ok := o.tokens[id]; !ok {
			return false
		}
	}
	return true
}

// Store persists cache entries outside the process.
type Store interface {
	// Save replaces the stored entry for id.
	Save(ctx context.Context, id string, e Entry) error
	// Load returns every stored entry.
	Load(ctx context.Context) (map[string]Entry, error)
	Close() error
}

// Cache is the revocation status cache. Construct it with NewCache and share
// the pointer between the writers and the decision engine.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry

	store Store
	log   *slog.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithStore mirrors every applied update into s.
func WithStore(s Store) CacheOption {
	return func(c *Cache) { c.store = s }
}

// WithLogger sets the cache logger.
func WithLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// NewCache returns an empty Cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[string]Entry),
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upsert replaces the entry for id.
func (c *Cache) Upsert(id string, status byte, tokenIDs []string) {
	c.put(id, NewEntry(status, tokenIDs))
}

func (c *Cache) put(id string, e Entry) {
	c.mu.Lock()
	c.entries[id] = e
	c.mu.Unlock()
}

// Lookup reports whether tokenID is flagged by the status list id.
func (c *Cache) Lookup(id, tokenID string) bool {
	_, flagged := c.Status(id, tokenID)
	return flagged
}

// Status returns the status code of list id and whether tokenID is in it.
// An unknown id yields (0, false).
func (c *Cache) Status(id, tokenID string) (byte, bool) {
	e, ok := c.Entry(id)
	if !ok {
		return 0, false
	}
	return e.status, e.Has(tokenID)
}

// Entry returns the current entry for id.
func (c *Cache) Entry(id string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	return e, ok
}

// Len is the number of status lists held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// IDs returns the known status list ids in sorted order.
func (c *Cache) IDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Apply validates u, replaces its entry and mirrors it into the store. The
// in-memory entry is updated even when the store write fails; the error is
// returned so the caller can log it.
func (c *Cache) Apply(ctx context.Context, u Update) error {
	if err := u.Validate(); err != nil {
		return err
	}
	e := NewEntry(u.Status, u.TokenIDs)
	c.put(u.ID, e)

	c.log.DebugContext(ctx, "statuslist.apply",
		slog.String("id", u.ID),
		slog.Int("status", int(u.Status)),
		slog.Int("tokens", e.Len()),
	)

	if c.store == nil {
		return nil
	}
	if err := c.store.Save(ctx, u.ID, e); err != nil {
		return fmt.Errorf("statuslist: mirror %q: %w", u.ID, err)
	}
	return nil
}

// Restore loads every entry from the store. Entries already present in the
// cache are newer than anything stored and are kept.
func (c *Cache) Restore(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	stored, err := c.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("statuslist: restore: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range stored {
		if _, ok := c.entries[id]; ok {
			continue
		}
		c.entries[id] = e
		n++
	}
	return n, nil
}
