package storage

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// GetFunc fetches one partition of keys.
type GetFunc func(ctx context.Context, keys []string) ([]Entry, error)

// PartitionedGet splits keys into partitions of at most size keys, runs them
// in parallel on pool and merges the results in key order. A nil pool runs
// partitions inline. Partitions are read independently so the merged result
// is not a consistent snapshot.
func PartitionedGet(ctx context.Context, pool *ants.Pool, keys []string, size int, get GetFunc) ([]Entry, error) {
	if size <= 0 || len(keys) <= size {
		entries, err := get(ctx, keys)
		if err != nil {
			return nil, err
		}
		SortEntries(entries)
		return entries, nil
	}

	var parts [][]string
	for i := 0; i < len(keys); i += size {
		end := min(i+size, len(keys))
		parts = append(parts, keys[i:end])
	}

	results := make([][]Entry, len(parts))
	errs := make([]error, len(parts))
	var wg sync.WaitGroup
	for i, part := range parts {
		task := func() {
			defer wg.Done()
			results[i], errs[i] = get(ctx, part)
		}
		wg.Add(1)
		if pool == nil {
			task()
			continue
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()

	var out []Entry
	for i := range parts {
		if errs[i] != nil {
			return nil, errs[i]
		}
		out = append(out, results[i]...)
	}
	SortEntries(out)
	return out, nil
}
