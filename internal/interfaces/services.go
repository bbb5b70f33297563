// Package interfaces defines the shared task/fence types and the external
// collaborator services the engine is built against. The engine never talks
// to hardware directly: buffer mapping, syncpoint access, interrupt
// registration, power management and command dispatch are all provided by
// the embedding driver through these interfaces.
package interfaces

import "errors"

// BufferHandle is an opaque, caller-supplied memory handle. Zero is never a
// valid handle.
type BufferHandle uint32

// BufferKind selects how a buffer reference is resolved into the descriptor
// address list.
type BufferKind uint32

const (
	// BufferExternal must be pinned through the mapping service before the
	// engine may reference it, and unpinned when the task retires.
	BufferExternal BufferKind = iota

	// BufferInternal is pre-resolved; its Offset field already holds the
	// final engine-visible address and no pin/unpin happens.
	BufferInternal
)

// BufferRef names one memory region a task reads or writes.
type BufferRef struct {
	Handle BufferHandle
	Offset uint64
	Kind   BufferKind
}

// FenceKind enumerates the synchronization primitives a fence may wrap.
type FenceKind uint32

const (
	FenceSyncpoint FenceKind = iota
	FenceSyncFD
	FenceSemaphore
	FenceSemaphoreTS
)

// FenceOp is the direction of a fence.
type FenceOp uint32

const (
	// FenceWait blocks engine start until the condition holds.
	FenceWait FenceOp = iota

	// FenceSignal writes a value when the action list executes.
	FenceSignal

	// FenceSignalStride increments the target instead of writing it.
	// Only meaningful for semaphore fences.
	FenceSignalStride
)

// SyncpointThreshold is one (counter, threshold) pair carried by a sync
// file descriptor. The sync_file unwrapping itself happens above this
// engine; callers hand in the already-resolved set.
type SyncpointThreshold struct {
	ID        uint32
	Threshold uint32
}

// Fence describes one pre- or postfence of a task. Which fields are
// meaningful depends on Kind:
//
//	FenceSyncpoint:   SyncpointIndex, SyncpointValue
//	FenceSyncFD:      SyncFD (zero or more thresholds; empty is legal)
//	FenceSemaphore*:  SemaphoreHandle, SemaphoreOffset, SemaphoreValue
//
// For syncpoint-kind signal fences the engine overwrites SyncpointIndex and
// SyncpointValue at submit time with the queue's counter and the reserved
// target, so the submitter can hand the fence to downstream waiters.
type Fence struct {
	Kind   FenceKind
	Op     FenceOp
	SyncFD []SyncpointThreshold

	SyncpointIndex uint32
	SyncpointValue uint32

	SemaphoreHandle BufferHandle
	SemaphoreOffset uint32
	SemaphoreValue  uint32
}

// StatusNotify names a status word in caller memory that the engine either
// checks (input) or writes (output) around task execution.
type StatusNotify struct {
	Handle BufferHandle
	Offset uint32
	Status uint16
}

// TimestampRef names a timestamp slot in caller memory written at start or
// end of frame.
type TimestampRef struct {
	Handle BufferHandle
	Offset uint32
}

// TaskDescription is the caller-facing description of one unit of engine
// work. Counts are validated against the static maxima before anything is
// allocated or pinned.
type TaskDescription struct {
	Operation uint32

	// Timeout is carried verbatim into the descriptor for the engine
	// firmware's watchdog. The host never enforces it.
	Timeout uint64

	Prefences  []Fence
	Postfences []Fence

	InputBuffers  []BufferRef
	OutputBuffers []BufferRef

	InputStatus []StatusNotify
	SofStatus   []StatusNotify
	EofStatus   []StatusNotify

	SofTimestamps []TimestampRef
	EofTimestamps []TimestampRef
}

// SubmitMode selects how commands reach the engine.
type SubmitMode int

const (
	// SubmitModeChannel pushes commands through the host command stream.
	// The channel service owns the syncpoint reservation and returns the
	// task's fence target from SendChannel.
	SubmitModeChannel SubmitMode = iota

	// SubmitModeMMIO writes the command register directly. The engine
	// reserves syncpoint increments itself before dispatch.
	SubmitModeMMIO
)

// Command is one engine command, either a task submission or a queue
// management operation.
type Command struct {
	MethodID   uint32
	MethodData uint32

	QueueID     uint16
	SyncpointID uint32

	// FenceCounter is the number of counter increments the command
	// consumes; the channel dispatcher reserves them.
	FenceCounter uint32

	// Wait requests synchronous completion of the command itself.
	Wait bool
}

// ErrProcessorBusy is returned by dispatchers when the engine firmware
// reports a busy status distinct from hard failure. The abort path retries
// on it.
var ErrProcessorBusy = errors.New("engine processor busy")

// BufferMapper pins externally-owned memory into engine-visible address
// space. Implemented by the platform's buffer mapping service; the engine's
// registry layers per-handle reference counting on top.
type BufferMapper interface {
	// Pin maps the handle and returns its engine-visible address and size.
	Pin(h BufferHandle) (addr uint64, size uint64, err error)

	// Unpin releases a mapping established by Pin.
	Unpin(h BufferHandle)
}

// SyncpointService exposes the host controller's hardware counters.
type SyncpointService interface {
	// Alloc reserves a free counter for a queue's lifetime.
	Alloc() (uint32, error)

	// Free returns a counter allocated with Alloc.
	Free(id uint32)

	// ReadMax returns the highest reserved target for the counter.
	ReadMax(id uint32) uint32

	// IncrementMax reserves n future increments and returns the new max.
	IncrementMax(id uint32, n uint32) uint32

	// IsExpired reports whether the counter has reached or passed target,
	// using wraparound-safe 32-bit comparison.
	IsExpired(id uint32, target uint32) bool

	// SetMinTo forces the counter's current value forward to value.
	// Only the abort/reconcile paths use this.
	SetMinTo(id uint32, value uint32)

	// AddressOf returns the engine-visible address of the counter
	// register, suitable for wait/signal actions.
	AddressOf(id uint32) uint64
}

// Notifier delivers completion callbacks when a counter reaches a target.
// The callback may run from interrupt/softirq context; handlers must only
// take the queue lock.
type Notifier interface {
	Register(id uint32, target uint32, fn func()) error
}

// PowerService hands out power/clock references for the engine block.
type PowerService interface {
	Acquire() error
	Release()
	ReleaseN(n int)
}

// CommandDispatcher sends commands to the engine.
type CommandDispatcher interface {
	// SendChannel enqueues cmd through the host command stream, reserving
	// cmd.FenceCounter increments on cmd.SyncpointID, and returns the
	// final reserved target value.
	SendChannel(cmd Command) (fence uint32, err error)

	// SendMMIO writes cmd to the command register. May return
	// ErrProcessorBusy (possibly wrapped) when the firmware cannot accept
	// the command yet.
	SendMMIO(cmd Command) error
}
