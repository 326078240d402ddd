// Copyright 2024-2026 Aiku AI

package queue

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"
)

// Pool spreads keyed work across a fixed number of lanes. Items with the
// same key always land on the same lane and inherit that lane's FIFO
// ordering, so two operations on the same room/user pair can never race,
// while up to size unrelated keys are processed in parallel. Internally
// each lane is one key of a SerialQueue.
type Pool[T any] struct {
	size  int
	inner *SerialQueue[T]
}

// NewPool creates a pool with the given number of lanes. A size below one
// is treated as a single lane.
func NewPool[T any](name string, size int, process ProcessFunc[T], log zerolog.Logger) *Pool[T] {
	if size < 1 {
		size = 1
	}
	return &Pool[T]{
		size:  size,
		inner: NewSerial(name, process, log),
	}
}

// Size returns the number of lanes.
func (p *Pool[T]) Size() int {
	return p.size
}

// LaneForKey derives the lane for a key by summing its code points modulo
// the lane count. The mapping is stable for the process lifetime, which is
// all the ordering guarantee depends on.
func LaneForKey(key string, size int) int {
	if size < 1 {
		return 0
	}
	sum := 0
	for _, r := range key {
		sum += int(r)
	}
	if sum < 0 {
		sum = -sum
	}
	return sum % size
}

// Enqueue routes the item to the lane derived from key and returns a
// channel that receives the processing result exactly once.
func (p *Pool[T]) Enqueue(ctx context.Context, key string, item T) <-chan error {
	return p.EnqueueLane(ctx, LaneForKey(key, p.size), item)
}

// EnqueueLane submits the item to an explicit lane, bypassing key routing.
func (p *Pool[T]) EnqueueLane(ctx context.Context, lane int, item T) <-chan error {
	if lane < 0 || lane >= p.size {
		lane = ((lane % p.size) + p.size) % p.size
	}
	return p.inner.Enqueue(ctx, strconv.Itoa(lane), item)
}
