package buffer

import (
	"errors"
	"sync"
	"testing"

	"github.com/dallin-b/go-dlaq/internal/interfaces"
)

// countingMapper tracks Pin/Unpin calls and can be told to fail specific
// handles.
type countingMapper struct {
	mu     sync.Mutex
	pins   map[interfaces.BufferHandle]int
	unpins map[interfaces.BufferHandle]int
	fail   map[interfaces.BufferHandle]bool
}

func newCountingMapper() *countingMapper {
	return &countingMapper{
		pins:   make(map[interfaces.BufferHandle]int),
		unpins: make(map[interfaces.BufferHandle]int),
		fail:   make(map[interfaces.BufferHandle]bool),
	}
}

func (m *countingMapper) Pin(h interfaces.BufferHandle) (uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[h] {
		return 0, 0, errors.New("mapping failed")
	}
	m.pins[h]++
	return 0x1000_0000 + uint64(h)*0x1000, 0x1000, nil
}

func (m *countingMapper) Unpin(h interfaces.BufferHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unpins[h]++
}

func TestPinRefCounting(t *testing.T) {
	m := newCountingMapper()
	r := NewRegistry(m)

	p1, err := r.Pin(7)
	if err != nil {
		t.Fatalf("first pin failed: %v", err)
	}
	p2, err := r.Pin(7)
	if err != nil {
		t.Fatalf("second pin failed: %v", err)
	}
	if p1 != p2 {
		t.Errorf("same handle resolved differently: %+v vs %+v", p1, p2)
	}
	if m.pins[7] != 1 {
		t.Errorf("mapper should be hit once, got %d", m.pins[7])
	}

	r.Unpin(7)
	if m.unpins[7] != 0 {
		t.Error("handle unmapped while still referenced")
	}
	r.Unpin(7)
	if m.unpins[7] != 1 {
		t.Errorf("handle should be unmapped exactly once, got %d", m.unpins[7])
	}
	if r.Refs(7) != 0 {
		t.Errorf("refs should be 0, got %d", r.Refs(7))
	}
}

func TestPinInvalidHandle(t *testing.T) {
	r := NewRegistry(newCountingMapper())
	if _, err := r.Pin(0); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle, got %v", err)
	}
}

func TestPinAllRollback(t *testing.T) {
	m := newCountingMapper()
	m.fail[3] = true
	r := NewRegistry(m)

	_, err := r.PinAll([]interfaces.BufferHandle{1, 2, 3, 4})
	if err == nil {
		t.Fatal("expected PinAll to fail on handle 3")
	}

	// Handles 1 and 2 must have been rolled back, handle 4 never touched.
	for _, h := range []interfaces.BufferHandle{1, 2} {
		if m.pins[h] != m.unpins[h] {
			t.Errorf("handle %d: pins=%d unpins=%d", h, m.pins[h], m.unpins[h])
		}
	}
	if m.pins[4] != 0 {
		t.Error("handle past the failure point was pinned")
	}
}

func TestConcurrentPinUnpin(t *testing.T) {
	m := newCountingMapper()
	r := NewRegistry(m)

	const workers = 8
	const iters = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				h := interfaces.BufferHandle(1 + i%5)
				if _, err := r.Pin(h); err != nil {
					t.Errorf("pin: %v", err)
					return
				}
				r.Unpin(h)
			}
		}()
	}
	wg.Wait()

	for h := interfaces.BufferHandle(1); h <= 5; h++ {
		if r.Refs(h) != 0 {
			t.Errorf("handle %d leaked %d refs", h, r.Refs(h))
		}
		if m.pins[h] != m.unpins[h] {
			t.Errorf("handle %d: pins=%d unpins=%d", h, m.pins[h], m.unpins[h])
		}
	}
}
