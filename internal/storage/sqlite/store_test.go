package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/panjf2000/ants/v2"

	bserrors "github.com/kartikbazzad/bunbase/bunsync/internal/errors"
	"github.com/kartikbazzad/bunbase/bunsync/internal/storage"
)

func openStore(t *testing.T, path string, opts Options) *Store {
	t.Helper()
	s, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	return s
}

func TestFlushIsDurable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cvr.db")

	s := openStore(t, path, Options{})
	s.Put(ctx, "/vs/cvr/a/meta/version", map[string]any{"stateVersion": "00"})
	s.Put(ctx, "/vs/cvr/a/meta/lastActive", map[string]any{"epochMillis": 1})
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}
	s.Put(ctx, "/vs/cvr/a/meta/unflushed", true)
	s.Close()

	s = openStore(t, path, Options{})
	defer s.Close()
	entries, err := s.List(ctx, storage.ListOptions{Prefix: "/vs/cvr/a/meta/"})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 durable entries, got %d", len(entries))
	}
	if entries[0].Key != "/vs/cvr/a/meta/lastActive" {
		t.Errorf("Expected lastActive first, got %s", entries[0].Key)
	}
}

func TestListOrderingAndBounds(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "kv.db"), Options{})
	defer s.Close()

	for _, k := range []string{"p/b", "p/ä", "p/a", "p/aa", "q", "o"} {
		s.Put(ctx, k, k)
	}
	s.Flush(ctx)
	s.Del(ctx, "p/aa")

	got, err := s.List(ctx, storage.ListOptions{Prefix: "p/", Start: &storage.StartOptions{Key: "p/a", Exclusive: true}})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	want := []string{"p/b", "p/ä"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i].Key != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, got[i].Key)
		}
	}

	limited, _ := s.List(ctx, storage.ListOptions{Prefix: "p/", Limit: 2})
	if len(limited) != 2 || limited[0].Key != "p/a" || limited[1].Key != "p/b" {
		t.Errorf("Expected [p/a p/b], got %v", limited)
	}
}

func TestPartitionedGetEntries(t *testing.T) {
	ctx := context.Background()
	pool, err := ants.NewPool(4)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Release()

	s := openStore(t, filepath.Join(t.TempDir(), "kv.db"), Options{PartitionSize: 10, Pool: pool})
	defer s.Close()

	var keys []string
	for i := 0; i < 55; i++ {
		k := fmt.Sprintf("row/%02d", i)
		keys = append(keys, k)
		s.Put(ctx, k, i)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}

	fresh := openStore(t, s.Path(), Options{PartitionSize: 10, Pool: pool})
	defer fresh.Close()
	got, err := fresh.GetEntries(ctx, append(keys, "row/missing"))
	if err != nil {
		t.Fatalf("Failed to get entries: %v", err)
	}
	if len(got) != 55 {
		t.Fatalf("Expected 55 entries, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Key >= got[i].Key {
			t.Fatalf("Expected sorted entries at %d", i)
		}
	}
}

func TestConcurrentFlushes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cvr.db")
	s := openStore(t, path, Options{})

	const writers, rounds = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers*rounds)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				key := fmt.Sprintf("/vs/cvr/g%d/rows/%03d", w, r)
				if err := s.Put(ctx, key, r); err != nil {
					errs <- err
					return
				}
				if err := s.Flush(ctx); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Concurrent write failed: %v", err)
	}
	s.Close()

	s = openStore(t, path, Options{})
	defer s.Close()
	entries, err := s.List(ctx, storage.ListOptions{Prefix: "/vs/cvr/"})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(entries) != writers*rounds {
		t.Fatalf("Expected %d durable entries, got %d", writers*rounds, len(entries))
	}
}

func TestClosedStore(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "kv.db"), Options{})
	s.Close()
	if err := s.Put(context.Background(), "k", 1); !bserrors.Is(err, bserrors.ErrStorageClosed) {
		t.Errorf("Expected ErrStorageClosed, got %v", err)
	}
}
