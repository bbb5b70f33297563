package descriptor

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dallin-b/go-dlaq/internal/buffer"
	"github.com/dallin-b/go-dlaq/internal/interfaces"
)

var (
	// ErrInvalidParameters rejects a task whose counts exceed the static
	// maxima or whose fences are malformed. Raised before any pin.
	ErrInvalidParameters = errors.New("task parameters exceed static maxima")

	// ErrInvalidFenceType rejects an unrecognized fence kind or a wait op
	// in the postfence list.
	ErrInvalidFenceType = errors.New("invalid fence type")
)

// SignalSlot names the descriptor byte offset of one syncpoint signal
// value. The queue rewrites these at submit time once the counter target
// is reserved; Post and FenceIndex identify the fence struct that gets the
// same value so the submitter can hand it to downstream waiters.
type SignalSlot struct {
	Post        bool
	FenceIndex  int
	ValueOffset int
}

// Input is everything Build needs for one task: identity, the descriptor
// slot (caller-owned, DescriptorSize bytes at DMA address DescDMA), and
// the task description itself.
type Input struct {
	QueueID     uint16
	Sequence    uint32
	EngineID    uint8
	SyncpointID uint32
	DescDMA     uint64
	Desc        []byte
	Task        *interfaces.TaskDescription
}

// Result reports what Build committed: the counter increments the task
// consumes, every handle it pinned (released exactly once when the task
// retires), and the signal value slots to rewrite at submit.
type Result struct {
	FenceCounter uint32
	Pinned       []interfaces.BufferHandle
	SignalSlots  []SignalSlot
}

// Builder resolves fences and lays out descriptors. Stateless; one per
// engine, shared by all queues.
type Builder struct {
	registry *buffer.Registry
	syncpts  interfaces.SyncpointService
}

func NewBuilder(registry *buffer.Registry, syncpts interfaces.SyncpointService) *Builder {
	return &Builder{registry: registry, syncpts: syncpts}
}

// pendingSignal ties a typed action back to the fence it came from, so the
// encoded value offset can be reported in Result.SignalSlots.
type pendingSignal struct {
	actionIdx int
	fenceIdx  int
	post      bool
	valueOff  int
}

type buildState struct {
	b  *Builder
	in *Input

	pre  actionList
	post actionList

	pinned       []interfaces.BufferHandle
	fenceCounter uint32
	preSignals   []pendingSignal
	postSignals  []pendingSignal
}

// Build validates the task, resolves every fence and buffer into the
// descriptor slot, and returns the committed pins and signal slots. On any
// failure after validation it unpins everything it pinned and leaves no
// submittable descriptor.
func (b *Builder) Build(in *Input) (*Result, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	s := &buildState{b: b, in: in}
	if err := s.run(); err != nil {
		b.registry.UnpinAll(s.pinned)
		return nil, err
	}

	if s.fenceCounter == 0 {
		// A task with no syncpoint signals still consumes one increment so
		// completion tracking stays per-task FIFO.
		s.fenceCounter = 1
	}

	return &Result{
		FenceCounter: s.fenceCounter,
		Pinned:       s.pinned,
		SignalSlots:  s.slots(),
	}, nil
}

func validate(in *Input) error {
	if len(in.Desc) < DescriptorSize {
		return fmt.Errorf("%w: descriptor slot is %d bytes, need %d",
			ErrInvalidParameters, len(in.Desc), DescriptorSize)
	}
	t := in.Task

	// SyncFD fences expand to one wait per threshold; the expansion counts
	// against the prefence budget.
	preActions := 0
	for i := range t.Prefences {
		f := &t.Prefences[i]
		if err := checkFence(f); err != nil {
			return err
		}
		if f.Kind == interfaces.FenceSyncFD && f.Op == interfaces.FenceWait {
			preActions += len(f.SyncFD)
		} else {
			preActions++
		}
	}
	if preActions > MaxPrefences {
		return fmt.Errorf("%w: %d prefence actions (max %d)",
			ErrInvalidParameters, preActions, MaxPrefences)
	}

	if len(t.Postfences) > MaxPostfences {
		return fmt.Errorf("%w: %d postfences (max %d)",
			ErrInvalidParameters, len(t.Postfences), MaxPostfences)
	}
	for i := range t.Postfences {
		f := &t.Postfences[i]
		if err := checkFence(f); err != nil {
			return err
		}
		if f.Op == interfaces.FenceWait {
			return fmt.Errorf("%w: wait op in postfence list", ErrInvalidFenceType)
		}
	}

	switch {
	case len(t.InputStatus) > MaxInputStatus:
		return fmt.Errorf("%w: %d input status handles (max %d)",
			ErrInvalidParameters, len(t.InputStatus), MaxInputStatus)
	case len(t.SofStatus) > MaxOutputStatus:
		return fmt.Errorf("%w: %d SOF status handles (max %d)",
			ErrInvalidParameters, len(t.SofStatus), MaxOutputStatus)
	case len(t.EofStatus) > MaxOutputStatus:
		return fmt.Errorf("%w: %d EOF status handles (max %d)",
			ErrInvalidParameters, len(t.EofStatus), MaxOutputStatus)
	case len(t.SofTimestamps) > MaxOutputTimestamps:
		return fmt.Errorf("%w: %d SOF timestamps (max %d)",
			ErrInvalidParameters, len(t.SofTimestamps), MaxOutputTimestamps)
	case len(t.EofTimestamps) > MaxOutputTimestamps:
		return fmt.Errorf("%w: %d EOF timestamps (max %d)",
			ErrInvalidParameters, len(t.EofTimestamps), MaxOutputTimestamps)
	}

	if n := len(t.InputBuffers) + len(t.OutputBuffers); n > MaxBuffers {
		return fmt.Errorf("%w: %d buffers (max %d)", ErrInvalidParameters, n, MaxBuffers)
	}
	return nil
}

func checkFence(f *interfaces.Fence) error {
	switch f.Kind {
	case interfaces.FenceSyncpoint, interfaces.FenceSemaphore, interfaces.FenceSemaphoreTS:
	case interfaces.FenceSyncFD:
		for _, th := range f.SyncFD {
			if th.ID == 0 {
				return fmt.Errorf("%w: zero syncpoint id in sync fd", ErrInvalidParameters)
			}
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidFenceType, f.Kind)
	}
	switch f.Op {
	case interfaces.FenceWait, interfaces.FenceSignal, interfaces.FenceSignalStride:
	default:
		return fmt.Errorf("%w: op %d", ErrInvalidFenceType, f.Op)
	}
	return nil
}

func (s *buildState) pin(h interfaces.BufferHandle) (buffer.Pin, error) {
	p, err := s.b.registry.Pin(h)
	if err != nil {
		return buffer.Pin{}, err
	}
	s.pinned = append(s.pinned, h)
	return p, nil
}

func (s *buildState) run() error {
	t := s.in.Task
	desc := s.in.Desc
	for i := range desc {
		desc[i] = 0
	}

	if err := s.fillPreactions(t); err != nil {
		return err
	}
	if err := s.fillPostactions(t); err != nil {
		return err
	}
	numAddrs, err := s.fillAddressList(t)
	if err != nil {
		return err
	}

	preSize := s.pre.encodeAt(desc, preactionOffset, noteOffset(s.preSignals))
	postSize := s.post.encodeAt(desc, postactionOffset, noteOffset(s.postSignals))

	binary.LittleEndian.PutUint16(desc[preListHeadOffset:], preactionOffset)
	binary.LittleEndian.PutUint16(desc[preListHeadOffset+2:], uint16(preSize))
	binary.LittleEndian.PutUint16(desc[postListHeadOffset:], postactionOffset)
	binary.LittleEndian.PutUint16(desc[postListHeadOffset+2:], uint16(postSize))

	s.fillHeader(numAddrs)
	return nil
}

// noteOffset resolves a pending-signal list's action indexes into absolute
// descriptor offsets as the list is serialized. The value field follows the
// opcode byte and the u64 address.
func noteOffset(pending []pendingSignal) func(idx, off int) {
	return func(idx, off int) {
		for i := range pending {
			if pending[i].actionIdx == idx {
				pending[i].valueOff = off + 1 + 8
			}
		}
	}
}

// Pre-list order is a firmware protocol invariant: waits, input status
// checks, SOF status writes, SOF timestamps, signal prefences, terminate.
func (s *buildState) fillPreactions(t *interfaces.TaskDescription) error {
	for i := range t.Prefences {
		f := &t.Prefences[i]
		if f.Op != interfaces.FenceWait {
			continue
		}
		if err := s.appendWait(f); err != nil {
			return err
		}
	}

	for _, st := range t.InputStatus {
		p, err := s.pin(st.Handle)
		if err != nil {
			return err
		}
		s.pre.append(statusAction{opTaskStatusEQ, p.Addr + uint64(st.Offset), st.Status})
	}

	for _, st := range t.SofStatus {
		p, err := s.pin(st.Handle)
		if err != nil {
			return err
		}
		s.pre.append(statusAction{opWriteTaskStatus, p.Addr + uint64(st.Offset), st.Status})
	}

	for _, ts := range t.SofTimestamps {
		p, err := s.pin(ts.Handle)
		if err != nil {
			return err
		}
		s.pre.append(tsAction{opWriteTimestamp, p.Addr + uint64(ts.Offset)})
	}

	for i := range t.Prefences {
		f := &t.Prefences[i]
		if f.Op == interfaces.FenceWait {
			continue
		}
		if err := s.appendSignal(f, i, false); err != nil {
			return err
		}
	}

	s.pre.append(terminateAction{})
	return nil
}

// Post-list order: the internal notifier status write always comes first,
// then EOF timestamps, EOF status writes, postfence signals, terminate.
func (s *buildState) fillPostactions(t *interfaces.TaskDescription) error {
	notifierStatusAddr := s.in.DescDMA + NotifierOffset + notifierStatusOff
	s.post.append(statusAction{opWriteTaskStatus, notifierStatusAddr, 0})

	for _, ts := range t.EofTimestamps {
		p, err := s.pin(ts.Handle)
		if err != nil {
			return err
		}
		s.post.append(tsAction{opWriteTimestamp, p.Addr + uint64(ts.Offset)})
	}

	for _, st := range t.EofStatus {
		p, err := s.pin(st.Handle)
		if err != nil {
			return err
		}
		s.post.append(statusAction{opWriteTaskStatus, p.Addr + uint64(st.Offset), st.Status})
	}

	for i := range t.Postfences {
		if err := s.appendSignal(&t.Postfences[i], i, true); err != nil {
			return err
		}
	}

	s.post.append(terminateAction{})
	return nil
}

func (s *buildState) appendWait(f *interfaces.Fence) error {
	switch f.Kind {
	case interfaces.FenceSyncpoint:
		addr := s.b.syncpts.AddressOf(f.SyncpointIndex)
		s.pre.append(semAction{opSemaphoreGE, addr, f.SyncpointValue})
	case interfaces.FenceSyncFD:
		// Zero thresholds is legal and contributes no action.
		for _, th := range f.SyncFD {
			addr := s.b.syncpts.AddressOf(th.ID)
			s.pre.append(semAction{opSemaphoreGE, addr, th.Threshold})
		}
	case interfaces.FenceSemaphore, interfaces.FenceSemaphoreTS:
		p, err := s.pin(f.SemaphoreHandle)
		if err != nil {
			return err
		}
		s.pre.append(semAction{opSemaphoreGE, p.Addr + uint64(f.SemaphoreOffset), f.SemaphoreValue})
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidFenceType, f.Kind)
	}
	return nil
}

func (s *buildState) appendSignal(f *interfaces.Fence, fenceIdx int, post bool) error {
	list := &s.pre
	pending := &s.preSignals
	if post {
		list = &s.post
		pending = &s.postSignals
	}

	switch f.Kind {
	case interfaces.FenceSyncpoint, interfaces.FenceSyncFD:
		// Signals target the queue's own counter. The value written here is
		// a placeholder; the queue rewrites it once the counter target is
		// reserved at submit.
		addr := s.b.syncpts.AddressOf(s.in.SyncpointID)
		*pending = append(*pending, pendingSignal{
			actionIdx: len(list.actions),
			fenceIdx:  fenceIdx,
			post:      post,
		})
		list.append(semAction{opWriteSemaphore, addr, 1})
		s.fenceCounter++
	case interfaces.FenceSemaphore:
		p, err := s.pin(f.SemaphoreHandle)
		if err != nil {
			return err
		}
		op := byte(opWriteSemaphore)
		if f.Op == interfaces.FenceSignalStride {
			op = opIncrementSemaphore
		}
		list.append(semAction{op, p.Addr + uint64(f.SemaphoreOffset), f.SemaphoreValue})
	case interfaces.FenceSemaphoreTS:
		p, err := s.pin(f.SemaphoreHandle)
		if err != nil {
			return err
		}
		list.append(semAction{opWriteTimestampSemaphore, p.Addr + uint64(f.SemaphoreOffset), f.SemaphoreValue})
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidFenceType, f.Kind)
	}
	return nil
}

// fillAddressList resolves the task's buffers into the address list region.
// External buffers pin through the registry; internal buffers contribute
// their offset verbatim.
func (s *buildState) fillAddressList(t *interfaces.TaskDescription) (uint32, error) {
	desc := s.in.Desc
	n := 0
	write := func(refs []interfaces.BufferRef) error {
		for i := range refs {
			ref := &refs[i]
			var entry uint64
			if ref.Kind == interfaces.BufferInternal {
				entry = ref.Offset
			} else {
				p, err := s.pin(ref.Handle)
				if err != nil {
					return err
				}
				entry = p.Addr + ref.Offset
			}
			binary.LittleEndian.PutUint64(desc[AddressListOffset+n*addressEntrySize:], entry)
			n++
		}
		return nil
	}
	if err := write(t.InputBuffers); err != nil {
		return 0, err
	}
	if err := write(t.OutputBuffers); err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func (s *buildState) fillHeader(numAddrs uint32) {
	desc := s.in.Desc
	in := s.in

	desc[offVersion] = descriptorVersion
	desc[offEngineID] = in.EngineID
	binary.LittleEndian.PutUint16(desc[offQueueID:], in.QueueID)
	binary.LittleEndian.PutUint32(desc[offSequence:], in.Sequence)
	binary.LittleEndian.PutUint64(desc[NextOffset:], 0)
	binary.LittleEndian.PutUint64(desc[offTimeout:], in.Task.Timeout)
	binary.LittleEndian.PutUint32(desc[offFlags:], 0)
	binary.LittleEndian.PutUint32(desc[offNumAddresses:], numAddrs)
	binary.LittleEndian.PutUint64(desc[offAddressList:], in.DescDMA+AddressListOffset)
	binary.LittleEndian.PutUint16(desc[offPreOffset:], preListHeadOffset)
	binary.LittleEndian.PutUint16(desc[offPostOffset:], postListHeadOffset)
	binary.LittleEndian.PutUint16(desc[offNumPreLists:], 1)
	binary.LittleEndian.PutUint16(desc[offNumPostLists:], 1)
	binary.LittleEndian.PutUint32(desc[offDescSize:], DescriptorSize)
	binary.LittleEndian.PutUint32(desc[offOperation:], in.Task.Operation)
	binary.LittleEndian.PutUint64(desc[offReserved:], 0)
}

func (s *buildState) slots() []SignalSlot {
	out := make([]SignalSlot, 0, len(s.preSignals)+len(s.postSignals))
	for _, p := range s.preSignals {
		out = append(out, SignalSlot{Post: p.post, FenceIndex: p.fenceIdx, ValueOffset: p.valueOff})
	}
	for _, p := range s.postSignals {
		out = append(out, SignalSlot{Post: p.post, FenceIndex: p.fenceIdx, ValueOffset: p.valueOff})
	}
	return out
}
