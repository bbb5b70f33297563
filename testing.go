package dlaq

import (
	"errors"
	"fmt"
	"sync"
)

// SimHost is an in-memory implementation of every host service the engine
// consumes: syncpoints, completion notification, power and command
// dispatch. It exists for tests and for running the engine without
// hardware; Advance plays the role of the counter interrupt.
type SimHost struct {
	mu   sync.Mutex
	min  map[uint32]uint32
	max  map[uint32]uint32
	free []uint32
	next uint32
	regs []simRegistration

	powerRefs int

	// Failure injection.
	FailPower   bool  // Acquire returns an error
	BusyCount   int   // SendMMIO reports processor-busy this many times
	MMIOErr     error // returned by SendMMIO after BusyCount drains
	ChannelErr  error // returned by SendChannel
	RegisterErr error // returned by Register

	commands []Command
}

type simRegistration struct {
	id     uint32
	target uint32
	fn     func()
}

// NewSimHost creates a sim with syncpoint ids starting at firstSyncpoint.
func NewSimHost(firstSyncpoint uint32) *SimHost {
	if firstSyncpoint == 0 {
		firstSyncpoint = 1
	}
	return &SimHost{
		min:  make(map[uint32]uint32),
		max:  make(map[uint32]uint32),
		next: firstSyncpoint,
	}
}

func simExpired(current, target uint32) bool {
	// Wraparound-safe: a target numerically below current may still be in
	// the future after the 32-bit counter wraps.
	return int32(current-target) >= 0
}

// Alloc hands out the next free counter.
func (s *SimHost) Alloc() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		return id, nil
	}
	id := s.next
	s.next++
	return id, nil
}

// Free returns a counter for reuse. Its value carries over, as on real
// hardware.
func (s *SimHost) Free(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, id)
}

func (s *SimHost) ReadMax(id uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max[id]
}

func (s *SimHost) IncrementMax(id, n uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max[id] += n
	return s.max[id]
}

func (s *SimHost) IsExpired(id, target uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return simExpired(s.min[id], target)
}

// SetMinTo moves the counter without firing callbacks; the engine calls it
// with a queue lock held. Orphaned registrations fire on the next Advance.
func (s *SimHost) SetMinTo(id, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.min[id] = value
}

func (s *SimHost) AddressOf(id uint32) uint64 {
	return 0x6000_0000 + uint64(id)*32
}

// Register queues a completion callback for (id, target).
func (s *SimHost) Register(id, target uint32, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RegisterErr != nil {
		return s.RegisterErr
	}
	s.regs = append(s.regs, simRegistration{id, target, fn})
	return nil
}

// Advance increments a counter's current value and fires every due
// callback, outside the sim lock, mimicking interrupt delivery.
func (s *SimHost) Advance(id, n uint32) {
	s.mu.Lock()
	s.min[id] += n
	var due []func()
	kept := s.regs[:0]
	for _, r := range s.regs {
		if simExpired(s.min[r.id], r.target) {
			due = append(due, r.fn)
		} else {
			kept = append(kept, r)
		}
	}
	s.regs = kept
	s.mu.Unlock()

	for _, fn := range due {
		fn()
	}
}

// Current returns a counter's current value.
func (s *SimHost) Current(id uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.min[id]
}

func (s *SimHost) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPower {
		return errors.New("power domain unavailable")
	}
	s.powerRefs++
	return nil
}

func (s *SimHost) Release() { s.ReleaseN(1) }

func (s *SimHost) ReleaseN(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powerRefs -= n
}

// PowerRefs reports the outstanding power references.
func (s *SimHost) PowerRefs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powerRefs
}

// SendChannel records the command and performs the counter reservation the
// real channel service owns, returning the final fence target.
func (s *SimHost) SendChannel(cmd Command) (uint32, error) {
	s.mu.Lock()
	if s.ChannelErr != nil {
		defer s.mu.Unlock()
		return 0, s.ChannelErr
	}
	s.commands = append(s.commands, cmd)
	s.max[cmd.SyncpointID] += cmd.FenceCounter
	fence := s.max[cmd.SyncpointID]
	s.mu.Unlock()
	return fence, nil
}

func (s *SimHost) SendMMIO(cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BusyCount > 0 {
		s.BusyCount--
		return fmt.Errorf("status 0x82: %w", ErrProcessorBusy)
	}
	if s.MMIOErr != nil {
		return s.MMIOErr
	}
	s.commands = append(s.commands, cmd)
	return nil
}

// Commands returns a copy of every command dispatched so far.
func (s *SimHost) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// Compile-time interface checks
var (
	_ SyncpointService  = (*SimHost)(nil)
	_ NotifierService   = (*SimHost)(nil)
	_ PowerService      = (*SimHost)(nil)
	_ CommandDispatcher = (*SimHost)(nil)
)

// SimBufferMapper is an in-memory buffer mapping service with pin/unpin
// call counting.
type SimBufferMapper struct {
	mu      sync.Mutex
	sizes   map[BufferHandle]uint64
	nextID  BufferHandle
	pins    map[BufferHandle]int
	unpins  map[BufferHandle]int
	FailPin map[BufferHandle]bool
}

// NewSimBufferMapper creates an empty mapper.
func NewSimBufferMapper() *SimBufferMapper {
	return &SimBufferMapper{
		sizes:   make(map[BufferHandle]uint64),
		nextID:  1,
		pins:    make(map[BufferHandle]int),
		unpins:  make(map[BufferHandle]int),
		FailPin: make(map[BufferHandle]bool),
	}
}

// CreateBuffer registers a buffer and returns its handle.
func (m *SimBufferMapper) CreateBuffer(size uint64) BufferHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.nextID
	m.nextID++
	m.sizes[h] = size
	return h
}

func (m *SimBufferMapper) Pin(h BufferHandle) (uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.sizes[h]
	if !ok {
		return 0, 0, fmt.Errorf("unknown buffer handle %d", h)
	}
	if m.FailPin[h] {
		return 0, 0, fmt.Errorf("mapping buffer %d failed", h)
	}
	m.pins[h]++
	return 0x8000_0000 + uint64(h)*0x100000, size, nil
}

func (m *SimBufferMapper) Unpin(h BufferHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unpins[h]++
}

// PinCount returns how many times the handle was mapped.
func (m *SimBufferMapper) PinCount(h BufferHandle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pins[h]
}

// UnpinCount returns how many times the handle was unmapped.
func (m *SimBufferMapper) UnpinCount(h BufferHandle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unpins[h]
}

// Balanced reports whether every pin has a matching unpin.
func (m *SimBufferMapper) Balanced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, n := range m.pins {
		if m.unpins[h] != n {
			return false
		}
	}
	return true
}

var _ BufferMapper = (*SimBufferMapper)(nil)
