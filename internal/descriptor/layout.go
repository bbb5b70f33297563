// Package descriptor builds the fixed-layout task descriptor the engine
// firmware consumes: a 64-byte header, two action lists at static offsets,
// an address list, and a trailing notifier record. Offsets are computed from
// the declared maxima below and never move at runtime; the firmware
// interprets the action lists positionally.
package descriptor

import "encoding/binary"

// Static maxima for one task. Counts in a TaskDescription are validated
// against these before anything is allocated or pinned.
const (
	MaxPrefences        = 16
	MaxPostfences       = 16
	MaxInputStatus      = 4
	MaxOutputStatus     = 4
	MaxOutputTimestamps = 4
	MaxBuffers          = 64
)

// Wire sizes of the action records, little-endian. Each record is an opcode
// byte followed by its operands.
const (
	semActionSize    = 1 + 8 + 4 // opcode, address, value
	statusActionSize = 1 + 8 + 2 // opcode, address, status
	tsActionSize     = 1 + 8     // opcode, address
	terminateSize    = 1
)

// Worst-case action list sizes, fixing the region budgets. The preaction
// region holds every prefence (waits and signals), the input status checks,
// and the start-of-frame status/timestamp writes. The postaction region
// holds the internal notifier status write, the end-of-frame
// timestamp/status writes, and every postfence signal.
const (
	maxPreactionSize = MaxPrefences*semActionSize +
		MaxInputStatus*statusActionSize +
		MaxOutputStatus*statusActionSize +
		MaxOutputTimestamps*tsActionSize +
		terminateSize // 333

	maxPostactionSize = statusActionSize +
		MaxOutputTimestamps*tsActionSize +
		MaxOutputStatus*statusActionSize +
		MaxPostfences*semActionSize +
		terminateSize // 300
)

// Header field offsets. The header is 64 bytes; all fields little-endian.
const (
	offVersion       = 0  // u8
	offEngineID      = 1  // u8
	offQueueID       = 2  // u16
	offSequence      = 4  // u32
	NextOffset       = 8  // u64, DMA address of the next descriptor
	offTimeout       = 16 // u64
	offFlags         = 24 // u32
	offNumAddresses  = 28 // u32
	offAddressList   = 32 // u64, DMA address of the address list region
	offPreOffset     = 40 // u16, descriptor offset of the pre list head
	offPostOffset    = 42 // u16, descriptor offset of the post list head
	offNumPreLists   = 44 // u16
	offNumPostLists  = 46 // u16
	offDescSize      = 48 // u32
	offOperation     = 52 // u32
	offReserved      = 56 // u64
	headerSize       = 64
)

const descriptorVersion = 1

// List heads follow the header: {offset u16, size u16} per direction.
// The action bytes themselves start right after.
const (
	preListHeadOffset  = headerSize     // 64
	postListHeadOffset = headerSize + 4 // 68
	listHeadSize       = 4

	preactionOffset  = postListHeadOffset + listHeadSize  // 72
	postactionOffset = preactionOffset + maxPreactionSize // 405
)

// The address list starts at the next 256-byte boundary past the action
// regions; the notifier record at the boundary after that.
const (
	AddressListOffset = (postactionOffset + maxPostactionSize + 255) &^ 255 // 768
	addressEntrySize  = 8

	NotifierOffset = (AddressListOffset + MaxBuffers*addressEntrySize + 255) &^ 255 // 1280
	notifierSize   = 16

	// DescriptorSize is the full slot size, rounded to 256 so slots in a
	// pool stay DMA-alignment friendly.
	DescriptorSize = (NotifierOffset + notifierSize + 255) &^ 255 // 1536
)

// Notifier record layout at NotifierOffset: written by the engine's first
// postaction and read back by the completion scan.
const (
	notifierTimestampOff = 0  // u64, TSC ticks >> 5
	notifierDurationOff  = 8  // u32, microseconds
	notifierStatusOff    = 12 // u16
)

// Notifier is the decoded trailing notification record.
type Notifier struct {
	Timestamp  uint64
	DurationUS uint32
	Status     uint16
}

// ReadNotifier decodes the notifier record from a descriptor slot.
func ReadNotifier(desc []byte) Notifier {
	n := desc[NotifierOffset : NotifierOffset+notifierSize]
	return Notifier{
		Timestamp:  binary.LittleEndian.Uint64(n[notifierTimestampOff:]),
		DurationUS: binary.LittleEndian.Uint32(n[notifierDurationOff:]),
		Status:     binary.LittleEndian.Uint16(n[notifierStatusOff:]),
	}
}
