// Package buffer implements the ref-counted pin registry shared by all
// queues. The underlying mapping service is invoked once per handle on the
// 0->1 transition and released on the 1->0 transition; everything in between
// is pure bookkeeping.
package buffer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dallin-b/go-dlaq/internal/interfaces"
)

var (
	// ErrInvalidHandle is returned when a zero or unknown handle is pinned
	// or unpinned.
	ErrInvalidHandle = errors.New("invalid buffer handle")

	// ErrPinFailed wraps mapping-service failures so callers can match
	// them without knowing the service's error surface.
	ErrPinFailed = errors.New("buffer pin failed")
)

// Handle shards are locked independently so pin/unpin traffic from one
// queue never serializes against another queue's. 16 shards is plenty for
// the handful of queues a client context opens.
const numShards = 16

// Pin is the engine-visible resolution of a pinned handle.
type Pin struct {
	Addr uint64
	Size uint64
}

type entry struct {
	refs int
	pin  Pin
}

type shard struct {
	mu      sync.Mutex
	entries map[interfaces.BufferHandle]*entry
}

// Registry layers per-handle reference counting over a BufferMapper.
// Safe for concurrent use from multiple queues.
type Registry struct {
	mapper interfaces.BufferMapper
	shards [numShards]shard
}

// NewRegistry creates a registry over the given mapping service.
func NewRegistry(mapper interfaces.BufferMapper) *Registry {
	r := &Registry{mapper: mapper}
	for i := range r.shards {
		r.shards[i].entries = make(map[interfaces.BufferHandle]*entry)
	}
	return r
}

func (r *Registry) shardFor(h interfaces.BufferHandle) *shard {
	return &r.shards[uint32(h)%numShards]
}

// Pin acquires one reference on the handle, mapping it on first use.
func (r *Registry) Pin(h interfaces.BufferHandle) (Pin, error) {
	if h == 0 {
		return Pin{}, ErrInvalidHandle
	}

	s := r.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[h]; ok {
		e.refs++
		return e.pin, nil
	}

	addr, size, err := r.mapper.Pin(h)
	if err != nil {
		return Pin{}, fmt.Errorf("%w: handle %d: %v", ErrPinFailed, h, err)
	}

	s.entries[h] = &entry{refs: 1, pin: Pin{Addr: addr, Size: size}}
	return Pin{Addr: addr, Size: size}, nil
}

// Unpin drops one reference on the handle, unmapping at zero. Unpinning a
// handle that is not pinned is a no-op; the exactly-once discipline is
// enforced by the task bookkeeping, not here.
func (r *Registry) Unpin(h interfaces.BufferHandle) {
	if h == 0 {
		return
	}

	s := r.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(s.entries, h)
		r.mapper.Unpin(h)
	}
}

// PinAll pins every handle in order. On failure it unpins the handles it
// already pinned and returns the error (partial-pin rollback).
func (r *Registry) PinAll(handles []interfaces.BufferHandle) ([]Pin, error) {
	pins := make([]Pin, 0, len(handles))
	for i, h := range handles {
		p, err := r.Pin(h)
		if err != nil {
			r.UnpinAll(handles[:i])
			return nil, err
		}
		pins = append(pins, p)
	}
	return pins, nil
}

// UnpinAll drops one reference on every handle in the slice.
func (r *Registry) UnpinAll(handles []interfaces.BufferHandle) {
	for _, h := range handles {
		r.Unpin(h)
	}
}

// Refs reports the current reference count of a handle. Intended for tests
// and queue dumps.
func (r *Registry) Refs(h interfaces.BufferHandle) int {
	s := r.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[h]; ok {
		return e.refs
	}
	return 0
}
