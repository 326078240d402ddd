// Copyright 2024-2026 Aiku AI

// Package queue provides the ordering primitives the bridge uses to
// serialize membership and topic mutations: a keyed serial queue that
// guarantees per-key FIFO execution, and a fixed-size worker pool that
// spreads keyed work across a bounded number of lanes.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ProcessFunc handles a single queued item.
type ProcessFunc[T any] func(ctx context.Context, item T) error

// SerialQueue executes items strictly in submission order per key while
// running independent keys concurrently. At most one item per key is in
// flight at a time. A failing item does not block later items under the
// same key.
type SerialQueue[T any] struct {
	name    string
	process ProcessFunc[T]
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string][]*serialTask[T]
	active  map[string]struct{}
}

type serialTask[T any] struct {
	ctx  context.Context
	item T
	done chan error
}

// NewSerial creates a serial queue that runs items through process.
func NewSerial[T any](name string, process ProcessFunc[T], log zerolog.Logger) *SerialQueue[T] {
	return &SerialQueue[T]{
		name:    name,
		process: process,
		log:     log.With().Str("queue", name).Logger(),
		pending: make(map[string][]*serialTask[T]),
		active:  make(map[string]struct{}),
	}
}

// Enqueue submits an item under the given key and returns a channel that
// receives the processing result exactly once. The item runs immediately
// if nothing is in flight for the key, otherwise after all earlier items
// for the same key have completed. There is no bound on queue depth;
// callers needing flow control must apply it upstream.
func (q *SerialQueue[T]) Enqueue(ctx context.Context, key string, item T) <-chan error {
	task := &serialTask[T]{ctx: ctx, item: item, done: make(chan error, 1)}
	q.mu.Lock()
	q.pending[key] = append(q.pending[key], task)
	if _, running := q.active[key]; !running {
		q.active[key] = struct{}{}
		go q.drain(key)
	}
	q.mu.Unlock()
	return task.done
}

// Do submits an item and blocks until it has been processed.
func (q *SerialQueue[T]) Do(ctx context.Context, key string, item T) error {
	return <-q.Enqueue(ctx, key, item)
}

// drain runs queued items for one key until its pending list is empty.
func (q *SerialQueue[T]) drain(key string) {
	for {
		q.mu.Lock()
		list := q.pending[key]
		if len(list) == 0 {
			delete(q.pending, key)
			delete(q.active, key)
			q.mu.Unlock()
			return
		}
		task := list[0]
		q.pending[key] = list[1:]
		q.mu.Unlock()

		task.done <- q.runTask(key, task)
	}
}

// runTask executes a single item, converting panics into errors so one bad
// item cannot wedge its key.
func (q *SerialQueue[T]) runTask(key string, task *serialTask[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue %s: panic processing key %q: %v", q.name, key, r)
			q.log.Error().Str("key", key).Any("panic", r).Msg("Recovered panic in queue task")
		}
	}()
	return q.process(task.ctx, task.item)
}

// Len reports the number of items currently queued or in flight for the key.
func (q *SerialQueue[T]) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending[key])
	if _, running := q.active[key]; running {
		n++
	}
	return n
}
