package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dallin-b/go-dlaq/internal/descriptor"
)

var (
	// ErrNoTaskMemory is returned when every descriptor slot is in flight.
	// Exhaustion is usually transient; Submit retries a bounded number of
	// times before surfacing it.
	ErrNoTaskMemory = errors.New("task descriptor pool exhausted")

	// ErrMisalignedPool rejects a pool whose DMA base is not 256-byte
	// aligned; the engine requires aligned descriptors.
	ErrMisalignedPool = errors.New("descriptor pool base not 256-byte aligned")
)

// Slot is one preallocated, DMA-visible descriptor buffer.
type Slot struct {
	Index int
	DMA   uint64
	Buf   []byte
}

// SlotPool hands out fixed-size descriptor slots from a single contiguous
// allocation. One pool per queue; slots return on task free, not on
// completion, since the notifier record stays readable while the submitter
// holds its reference.
type SlotPool struct {
	mu   sync.Mutex
	base uint64
	mem  []byte
	free []int
}

// NewSlotPool preallocates slots descriptor buffers backed by one region
// whose engine-visible address is base.
func NewSlotPool(base uint64, slots int) (*SlotPool, error) {
	if base%256 != 0 {
		return nil, fmt.Errorf("%w: base 0x%x", ErrMisalignedPool, base)
	}
	if slots <= 0 {
		return nil, fmt.Errorf("pool needs at least one slot, got %d", slots)
	}

	p := &SlotPool{
		base: base,
		mem:  make([]byte, slots*descriptor.DescriptorSize),
		free: make([]int, 0, slots),
	}
	for i := slots - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p, nil
}

// Alloc takes a free slot, or ErrNoTaskMemory when none is available.
func (p *SlotPool) Alloc() (Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return Slot{}, ErrNoTaskMemory
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	off := idx * descriptor.DescriptorSize
	return Slot{
		Index: idx,
		DMA:   p.base + uint64(off),
		Buf:   p.mem[off : off+descriptor.DescriptorSize],
	}, nil
}

// AllocRetry is Alloc with a bounded retry loop over transient exhaustion.
func (p *SlotPool) AllocRetry(attempts int, delay time.Duration) (Slot, error) {
	for i := 0; ; i++ {
		s, err := p.Alloc()
		if err == nil || i+1 >= attempts {
			return s, err
		}
		time.Sleep(delay)
	}
}

// Free returns a slot to the pool.
func (p *SlotPool) Free(s Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, s.Index)
}

// Available reports the number of free slots.
func (p *SlotPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
