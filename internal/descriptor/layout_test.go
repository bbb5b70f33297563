package descriptor

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegionBudgets(t *testing.T) {
	// The firmware binding fixes these; a drift here is an ABI break.
	assert.Equal(t, 333, maxPreactionSize)
	assert.Equal(t, 300, maxPostactionSize)
	assert.Equal(t, 72, preactionOffset)
	assert.Equal(t, 405, postactionOffset)
	assert.Equal(t, 768, AddressListOffset)
	assert.Equal(t, 1280, NotifierOffset)
	assert.Equal(t, 1536, DescriptorSize)
}

func TestRegionsDoNotOverlap(t *testing.T) {
	assert.LessOrEqual(t, preactionOffset+maxPreactionSize, postactionOffset)
	assert.LessOrEqual(t, postactionOffset+maxPostactionSize, AddressListOffset)
	assert.LessOrEqual(t, AddressListOffset+MaxBuffers*addressEntrySize, NotifierOffset)
	assert.LessOrEqual(t, NotifierOffset+notifierSize, DescriptorSize)
	assert.Zero(t, DescriptorSize%256)
}

func TestReadNotifier(t *testing.T) {
	desc := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint64(desc[NotifierOffset:], 0xDEAD_BEEF_0000_0001)
	binary.LittleEndian.PutUint32(desc[NotifierOffset+8:], 1250)
	binary.LittleEndian.PutUint16(desc[NotifierOffset+12:], 7)

	n := ReadNotifier(desc)
	assert.Equal(t, uint64(0xDEAD_BEEF_0000_0001), n.Timestamp)
	assert.Equal(t, uint32(1250), n.DurationUS)
	assert.Equal(t, uint16(7), n.Status)
}
