package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dallin-b/go-dlaq/internal/descriptor"
)

func TestSlotPoolAllocFree(t *testing.T) {
	p, err := NewSlotPool(0x1000, 2)
	require.NoError(t, err)

	a, err := p.Alloc()
	require.NoError(t, err)
	b, err := p.Alloc()
	require.NoError(t, err)

	assert.Len(t, a.Buf, descriptor.DescriptorSize)
	assert.NotEqual(t, a.Index, b.Index)
	assert.Equal(t, uint64(0x1000)+uint64(a.Index*descriptor.DescriptorSize), a.DMA)
	assert.Zero(t, a.DMA%256)

	_, err = p.Alloc()
	assert.ErrorIs(t, err, ErrNoTaskMemory)

	p.Free(a)
	assert.Equal(t, 1, p.Available())
	c, err := p.Alloc()
	require.NoError(t, err)
	assert.Equal(t, a.Index, c.Index)
}

func TestSlotPoolMisalignedBase(t *testing.T) {
	_, err := NewSlotPool(0x1010, 2)
	assert.ErrorIs(t, err, ErrMisalignedPool)
}

func TestSlotPoolAllocRetry(t *testing.T) {
	p, err := NewSlotPool(0x2000, 1)
	require.NoError(t, err)

	s, err := p.Alloc()
	require.NoError(t, err)

	// A slot freed while a caller is retrying satisfies the retry.
	go func() {
		time.Sleep(5 * time.Millisecond)
		p.Free(s)
	}()

	_, err = p.AllocRetry(50, time.Millisecond)
	assert.NoError(t, err)
}
