package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/lockmaster-go/statuslist"
)

// StoreFactory creates a new, empty Store for one test.
type StoreFactory func(t *testing.T) statuslist.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("LoadEmpty", func(t *testing.T) { testLoadEmpty(t, factory) })
	t.Run("SaveThenLoad", func(t *testing.T) { testSaveThenLoad(t, factory) })
	t.Run("SaveReplacesEntry", func(t *testing.T) { testSaveReplaces(t, factory) })
	t.Run("ConcurrentSaves", func(t *testing.T) { testConcurrentSaves(t, factory) })
	t.Run("CacheRestore", func(t *testing.T) { testCacheRestore(t, factory) })
	t.Run("CancelledContext", func(t *testing.T) { testCancelledContext(t, factory) })
}

func newStore(t *testing.T, factory StoreFactory) statuslist.Store {
	t.Helper()
	s := factory(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testLoadEmpty(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	got, err := s.Load(testCtx(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty store, got %d entries", len(got))
	}
}

func testSaveThenLoad(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx := testCtx(t)

	want := map[string]statuslist.Entry{
		"list-1": statuslist.NewEntry(1, []string{"jti-A", "jti-B"}),
		"list-2": statuslist.NewEntry(0, nil),
	}
	for id, e := range want {
		if err := s.Save(ctx, id, e); err != nil {
			t.Fatalf("Save(%s): %v", id, err)
		}
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Load returned %d entries, want %d", len(got), len(want))
	}
	for id, e := range want {
		if !got[id].Equal(e) {
			t.Errorf("entry %s = (%d, %v), want (%d, %v)", id, got[id].Status(), got[id].TokenIDs(), e.Status(), e.TokenIDs())
		}
	}
}

func testSaveReplaces(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx := testCtx(t)

	if err := s.Save(ctx, "list-1", statuslist.NewEntry(1, []string{"a", "b"})); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "list-1", statuslist.NewEntry(2, []string{"c"})); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	e := got["list-1"]
	if e.Status() != 2 || e.Has("a") || !e.Has("c") {
		t.Fatalf("entry not replaced: (%d, %v)", e.Status(), e.TokenIDs())
	}
}

func testConcurrentSaves(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx := testCtx(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("list-%d", i)
			if err := s.Save(ctx, id, statuslist.NewEntry(byte(i), []string{id})); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != n {
		t.Fatalf("Load returned %d entries, want %d", len(got), n)
	}
}

func testCacheRestore(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx := testCtx(t)

	writer := statuslist.NewCache(statuslist.WithStore(s))
	if err := writer.Apply(ctx, statuslist.Update{ID: "list-1", Status: 1, TokenIDs: []string{"jti-A"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	reader := statuslist.NewCache(statuslist.WithStore(s))
	n, err := reader.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 || !reader.Lookup("list-1", "jti-A") {
		t.Fatalf("Restore = %d, lookup = %v", n, reader.Lookup("list-1", "jti-A"))
	}
}

func testCancelledContext(t *testing.T, factory StoreFactory) {
	s := newStore(t, factory)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Save(ctx, "list-1", statuslist.NewEntry(1, nil)); err == nil {
		t.Fatal("Save with a cancelled context should fail")
	}
}
