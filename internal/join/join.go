// Package join runs independent tasks concurrently and collects a result per
// task. A failing task never cancels or hides the others.
package join

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Result holds the outcome of one task: exactly one of Value or Err is meaningful.
type Result[V any] struct {
	Value   V
	Err     error
	Latency time.Duration
}

func (r Result[V]) OK() bool { return r.Err == nil }

// All calls fn for every key concurrently and waits for all of them.
// A panicking task is reported as that key's error.
func All[K comparable, V any](ctx context.Context, keys []K, fn func(ctx context.Context, key K) (V, error)) map[K]Result[V] {
	out := make(map[K]Result[V], len(keys))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, key := range keys {
		mu.Lock()
		_, dup := out[key]
		if !dup {
			out[key] = Result[V]{}
		}
		mu.Unlock()
		if dup {
			continue
		}
		wg.Add(1)
		go func(key K) {
			defer wg.Done()
			var res Result[V]
			start := time.Now()
			func() {
				defer func() {
					if r := recover(); r != nil {
						res = Result[V]{Err: fmt.Errorf("task %v panicked: %v", key, r)}
					}
				}()
				v, err := fn(ctx, key)
				res = Result[V]{Value: v, Err: err}
			}()
			res.Latency = time.Since(start)
			mu.Lock()
			out[key] = res
			mu.Unlock()
		}(key)
	}
	wg.Wait()
	return out
}

// Partition splits results into successful values and errors.
func Partition[K comparable, V any](results map[K]Result[V]) (map[K]V, map[K]error) {
	ok := make(map[K]V, len(results))
	failed := make(map[K]error)
	for k, r := range results {
		if r.Err != nil {
			failed[k] = r.Err
			continue
		}
		ok[k] = r.Value
	}
	return ok, failed
}
