package queue

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/dallin-b/go-dlaq/internal/descriptor"
	"github.com/dallin-b/go-dlaq/internal/interfaces"
)

// Task is one in-flight unit of engine work: a built descriptor slot plus
// the bookkeeping needed to retire it. Two references exist after a
// successful submit, the queue's and the submitter's; the slot returns to
// the pool when the last one drops.
type Task struct {
	id           uint32
	sequence     uint32
	fence        uint32
	fenceCounter uint32

	slot        Slot
	pool        *SlotPool
	pinned      []interfaces.BufferHandle
	signalSlots []descriptor.SignalSlot

	// Own copies of the fences; syncpoint signal values are rewritten in
	// place at submit so the submitter can hand them to downstream waiters.
	prefences  []interfaces.Fence
	postfences []interfaces.Fence

	submittedAt time.Time
	refs        atomic.Int32
}

func newTask(queueID uint16, sequence uint32, slot Slot, pool *SlotPool,
	td *interfaces.TaskDescription, res *descriptor.Result) *Task {

	t := &Task{
		id:           uint32(queueID)<<16 | sequence&0xFFFF,
		sequence:     sequence,
		fenceCounter: res.FenceCounter,
		slot:         slot,
		pool:         pool,
		pinned:       res.Pinned,
		signalSlots:  res.SignalSlots,
		prefences:    append([]interfaces.Fence(nil), td.Prefences...),
		postfences:   append([]interfaces.Fence(nil), td.Postfences...),
		submittedAt:  time.Now(),
	}
	t.refs.Store(1) // submitter's reference
	return t
}

// ID is queueID<<16 | low sequence bits, for correlation in logs.
func (t *Task) ID() uint32 { return t.id }

// Fence is the counter target at which the task is complete.
func (t *Task) Fence() uint32 { return t.fence }

// Postfences returns the task's postfences with resolved signal values.
func (t *Task) Postfences() []interfaces.Fence { return t.postfences }

// Prefences returns the task's prefences with resolved signal values.
func (t *Task) Prefences() []interfaces.Fence { return t.prefences }

func (t *Task) get() { t.refs.Add(1) }

// put drops one reference; the final one returns the slot to the pool.
func (t *Task) put() {
	if t.refs.Add(-1) == 0 {
		t.pool.Free(t.slot)
	}
}

// Release drops the submitter's reference.
func (t *Task) Release() { t.put() }

// assignSignalValues distributes the reserved counter range over the
// task's syncpoint signals, back to front: the last signal gets the final
// target (the task's fence), each earlier one the value before it. Both
// the fence structs and the already-encoded descriptor bytes are updated.
func (t *Task) assignSignalValues(syncptID uint32) {
	if len(t.signalSlots) == 0 {
		return
	}
	v := t.fence - uint32(len(t.signalSlots)-1)
	for _, slot := range t.signalSlots {
		f := &t.prefences[slot.FenceIndex]
		if slot.Post {
			f = &t.postfences[slot.FenceIndex]
		}
		f.SyncpointIndex = syncptID
		f.SyncpointValue = v
		binary.LittleEndian.PutUint32(t.slot.Buf[slot.ValueOffset:], v)
		v++
	}
}

// linkNext points this descriptor's next field at the following task's
// descriptor, for firmware prefetch.
func (t *Task) linkNext(dma uint64) {
	binary.LittleEndian.PutUint64(t.slot.Buf[descriptor.NextOffset:], dma)
}
