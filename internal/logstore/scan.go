package logstore

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

const (
	defaultScanCount     = 100
	defaultTypeBatchSize = 50
)

// ScanStreams enumerates every key matching pattern with the incremental
// scan and returns the sorted subset whose type is [KeyTypeStream].
//
// Types are resolved in batches of at most batchSize keys. A connection
// implementing [TypeBatcher] resolves a batch in one call; otherwise the
// batch is checked concurrently.
func ScanStreams(ctx context.Context, c Conn, pattern string, count int64, batchSize int) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	if count <= 0 {
		count = defaultScanCount
	}
	if batchSize <= 0 {
		batchSize = defaultTypeBatchSize
	}

	seen := make(map[string]struct{})
	var keys []string
	cursor := ""
	for {
		page, next, err := c.ScanKeys(ctx, cursor, pattern, count)
		if err != nil {
			return nil, err
		}
		for _, k := range page {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	streams := make([]string, 0, len(keys))
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		batch := keys[start:end]

		types, err := typesOf(ctx, c, batch)
		if err != nil {
			return nil, err
		}
		for i, t := range types {
			if t == KeyTypeStream {
				streams = append(streams, batch[i])
			}
		}
	}

	sort.Strings(streams)
	return streams, nil
}

// typesOf resolves the types of one batch of keys.
func typesOf(ctx context.Context, c Conn, batch []string) ([]KeyType, error) {
	if tb, ok := c.(TypeBatcher); ok {
		return tb.TypeOfMany(ctx, batch)
	}

	types := make([]KeyType, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range batch {
		g.Go(func() error {
			t, err := c.TypeOf(gctx, key)
			if err != nil {
				return err
			}
			types[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return types, nil
}
