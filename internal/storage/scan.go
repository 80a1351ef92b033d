package storage

import (
	"context"
	"iter"
)

const defaultPageSize = 1000

// Scan pages through List and yields validated entries one at a time.
// opts.Limit bounds the total number of entries yielded.
func Scan[T any](ctx context.Context, s Storage, opts ListOptions, schema Schema, pageSize int) iter.Seq2[TypedEntry[T], error] {
	return func(yield func(TypedEntry[T], error) bool) {
		for batch, err := range BatchScan[T](ctx, s, opts, schema, pageSize) {
			if err != nil {
				var zero TypedEntry[T]
				yield(zero, err)
				return
			}
			for _, e := range batch {
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}

// BatchScan yields validated entries in batches of at most batchSize.
func BatchScan[T any](ctx context.Context, s Storage, opts ListOptions, schema Schema, batchSize int) iter.Seq2[[]TypedEntry[T], error] {
	if batchSize <= 0 {
		batchSize = defaultPageSize
	}
	return func(yield func([]TypedEntry[T], error) bool) {
		page := opts
		remaining := opts.Limit
		for {
			page.Limit = batchSize
			if remaining > 0 && remaining < batchSize {
				page.Limit = remaining
			}
			batch, err := ListTyped[T](ctx, s, page, schema)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(batch) == 0 {
				return
			}
			if !yield(batch, nil) {
				return
			}
			if remaining > 0 {
				remaining -= len(batch)
				if remaining <= 0 {
					return
				}
			}
			if len(batch) < page.Limit {
				return
			}
			page.Start = &StartOptions{Key: batch[len(batch)-1].Key, Exclusive: true}
		}
	}
}
