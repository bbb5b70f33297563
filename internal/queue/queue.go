// Package queue implements the per-engine-instance task queue: FIFO
// submission, completion scanning against the hardware counter, and the
// abort/flush protocol. All task-list mutation happens under one mutex per
// queue; the completion callback only ever takes that mutex.
package queue

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/dallin-b/go-dlaq/internal/buffer"
	"github.com/dallin-b/go-dlaq/internal/descriptor"
	"github.com/dallin-b/go-dlaq/internal/interfaces"
	"github.com/dallin-b/go-dlaq/internal/logging"
)

// Engine queue-management method IDs.
const (
	cmdSubmitTask   = 0x10
	cmdQueueFlush   = 0x11
	cmdQueueSuspend = 0x12
	cmdQueueResume  = 0x13
)

var (
	ErrQueueClosed  = errors.New("queue is closed")
	ErrPowerOn      = errors.New("engine power on failed")
	ErrDispatch     = errors.New("command dispatch failed")
	ErrRegistration = errors.New("completion registration failed")
	ErrAbortTimeout = errors.New("queue flush retries exhausted")
)

// Observer receives task lifecycle events. The engine adapts its metrics
// onto this; the zero observer is a no-op.
type Observer interface {
	TaskSubmitted(queueID uint16, taskID uint32, fence uint32)
	TasksCompleted(queueID uint16, n int, oldest time.Duration)
	QueueAborted(queueID uint16)
}

type nopObserver struct{}

func (nopObserver) TaskSubmitted(uint16, uint32, uint32)      {}
func (nopObserver) TasksCompleted(uint16, int, time.Duration) {}
func (nopObserver) QueueAborted(uint16)                       {}

// Config fixes a queue's identity and protocol knobs.
type Config struct {
	ID          uint16
	SyncpointID uint32
	EngineID    uint8
	Mode        interfaces.SubmitMode

	// Depth is the descriptor pool size; PoolBase its engine-visible base
	// address (256-aligned).
	Depth    int
	PoolBase uint64

	AllocRetries    int
	AllocRetryDelay time.Duration
	AbortRetries    int
	AbortRetryDelay time.Duration
}

// Services are the collaborators a queue runs against.
type Services struct {
	Registry   *buffer.Registry
	Builder    *descriptor.Builder
	Syncpoints interfaces.SyncpointService
	Notifier   interfaces.Notifier
	Power      interfaces.PowerService
	Dispatch   interfaces.CommandDispatcher
	Observer   Observer
	Log        *logging.Logger
}

// Queue is one engine instance's ordered in-flight task list.
type Queue struct {
	mu  sync.Mutex
	cfg Config
	svc Services

	pool      *SlotPool
	tasks     []*Task
	sequence  uint32
	closed    bool
	suspended bool

	log *logging.Logger
	obs Observer
}

// New creates a queue with its own descriptor slot pool.
func New(cfg Config, svc Services) (*Queue, error) {
	pool, err := NewSlotPool(cfg.PoolBase, cfg.Depth)
	if err != nil {
		return nil, err
	}
	if cfg.AllocRetries <= 0 {
		cfg.AllocRetries = 1
	}
	if cfg.AbortRetries <= 0 {
		cfg.AbortRetries = 1
	}

	log := svc.Log
	if log == nil {
		log = logging.Default()
	}
	obs := svc.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	return &Queue{
		cfg:  cfg,
		svc:  svc,
		pool: pool,
		log:  log.WithQueue(cfg.ID).WithSyncpoint(cfg.SyncpointID),
		obs:  obs,
	}, nil
}

// ID returns the queue id.
func (q *Queue) ID() uint16 { return q.cfg.ID }

// SyncpointID returns the queue's completion counter.
func (q *Queue) SyncpointID() uint32 { return q.cfg.SyncpointID }

// Depth reports the number of in-flight tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Submit builds and dispatches one task. The whole operation runs under
// the queue mutex so list order, counter reservation and the hardware
// command path all see the same submission order.
//
// Dispatch and registration failures after the task is queued return both
// the task and an error: the task stays in flight and the abort/completion
// machinery reconciles it. Every earlier failure unwinds fully and returns
// a nil task.
func (q *Queue) Submit(td *interfaces.TaskDescription) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	slot, err := q.pool.AllocRetry(q.cfg.AllocRetries, q.cfg.AllocRetryDelay)
	if err != nil {
		return nil, err
	}

	seq := q.sequence
	q.sequence++
	if q.sequence == math.MaxUint32 {
		q.sequence = 0
	}

	res, err := q.svc.Builder.Build(&descriptor.Input{
		QueueID:     q.cfg.ID,
		Sequence:    seq,
		EngineID:    q.cfg.EngineID,
		SyncpointID: q.cfg.SyncpointID,
		DescDMA:     slot.DMA,
		Desc:        slot.Buf,
		Task:        td,
	})
	if err != nil {
		q.pool.Free(slot)
		return nil, err
	}

	t := newTask(q.cfg.ID, seq, slot, q.pool, td, res)
	t.get() // queue's reference

	if q.cfg.Mode == interfaces.SubmitModeMMIO {
		t.fence = q.svc.Syncpoints.IncrementMax(q.cfg.SyncpointID, t.fenceCounter)
		t.assignSignalValues(q.cfg.SyncpointID)
	}

	if prev := q.tail(); prev != nil {
		prev.linkNext(t.slot.DMA)
	}
	q.tasks = append(q.tasks, t)

	if err := q.svc.Power.Acquire(); err != nil {
		q.unwind(t)
		return nil, fmt.Errorf("%w: %v", ErrPowerOn, err)
	}

	if q.cfg.Mode == interfaces.SubmitModeChannel {
		fence, err := q.svc.Dispatch.SendChannel(interfaces.Command{
			MethodID:     cmdSubmitTask,
			MethodData:   uint32(t.slot.DMA >> 8),
			QueueID:      q.cfg.ID,
			SyncpointID:  q.cfg.SyncpointID,
			FenceCounter: t.fenceCounter,
		})
		if err != nil {
			q.svc.Power.Release()
			q.unwind(t)
			return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
		}
		t.fence = fence
		t.assignSignalValues(q.cfg.SyncpointID)
	}

	if err := q.svc.Notifier.Register(q.cfg.SyncpointID, t.fence, q.Update); err != nil {
		// The task stays queued; the counter reservation is live and only
		// abort or a later scan can reconcile it.
		q.log.WithTask(t.id).WithError(err).Error("completion registration failed")
		return t, fmt.Errorf("%w: %v", ErrRegistration, err)
	}

	if q.cfg.Mode == interfaces.SubmitModeMMIO {
		err := q.svc.Dispatch.SendMMIO(interfaces.Command{
			MethodID:    cmdSubmitTask,
			MethodData:  uint32(t.slot.DMA >> 8),
			QueueID:     q.cfg.ID,
			SyncpointID: q.cfg.SyncpointID,
		})
		if err != nil {
			// The reservation is already observable; pull the counter
			// forward so the scan can still retire the task.
			q.svc.Syncpoints.SetMinTo(q.cfg.SyncpointID, t.fence)
			q.log.WithTask(t.id).WithError(err).Error("task dispatch failed")
			return t, fmt.Errorf("%w: %v", ErrDispatch, err)
		}
	}

	q.log.WithTask(t.id).Debug("task submitted",
		"fence", t.fence, "counter", t.fenceCounter, "depth", len(q.tasks))
	q.obs.TaskSubmitted(q.cfg.ID, t.id, t.fence)
	return t, nil
}

func (q *Queue) tail() *Task {
	if len(q.tasks) == 0 {
		return nil
	}
	return q.tasks[len(q.tasks)-1]
}

// unwind removes a just-appended task, called with the mutex held before
// any command reached the engine.
func (q *Queue) unwind(t *Task) {
	q.tasks = q.tasks[:len(q.tasks)-1]
	q.svc.Registry.UnpinAll(t.pinned)
	t.put() // queue's reference
	t.put() // submitter's reference; no handle is returned
}

// Update scans from the head of the task list retiring every task whose
// counter target has been reached, in order, stopping at the first one
// still pending. Safe to call from the notifier's interrupt context and
// from any engine path; partial scans resume from the new head.
func (q *Queue) Update() {
	q.mu.Lock()

	n := 0
	var oldest time.Duration
	for len(q.tasks) > 0 {
		t := q.tasks[0]
		if !q.svc.Syncpoints.IsExpired(q.cfg.SyncpointID, t.fence) {
			break
		}

		q.svc.Registry.UnpinAll(t.pinned)
		note := descriptor.ReadNotifier(t.slot.Buf)
		q.log.WithTask(t.id).Debug("task complete",
			"fence", t.fence, "status", note.Status, "duration_us", note.DurationUS)

		if n == 0 {
			oldest = time.Since(t.submittedAt)
		}
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		t.put() // queue's reference
		n++
	}
	q.mu.Unlock()

	if n > 0 {
		// One power reference was taken per submit; give them back in one
		// batched call.
		q.svc.Power.ReleaseN(n)
		q.obs.TasksCompleted(q.cfg.ID, n, oldest)
	}
}

// Abort force-drains the queue: flush the engine, then advance the counter
// past every live target so the next scan reclaims everything. Aborted
// tasks never get their postfences written by hardware; waiters on those
// fences are unblocked by the counter advance alone, or must be released
// by the caller for semaphore fences.
//
// Aborting an empty queue is a no-op. Exhausting the flush retries leaves
// the queue untouched for a later attempt.
func (q *Queue) Abort() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}

	if err := q.svc.Power.Acquire(); err != nil {
		return fmt.Errorf("%w: %v", ErrPowerOn, err)
	}
	defer q.svc.Power.Release()

	flush := interfaces.Command{
		MethodID: cmdQueueFlush,
		QueueID:  q.cfg.ID,
		Wait:     true,
	}

	// The retry loop sleeps while holding the queue lock; that is the
	// point, a concurrent submit must not race an in-progress flush.
	var err error
	for attempt := 0; attempt < q.cfg.AbortRetries; attempt++ {
		if err = q.svc.Dispatch.SendMMIO(flush); err == nil {
			break
		}
		if !errors.Is(err, interfaces.ErrProcessorBusy) {
			return fmt.Errorf("%w: %v", ErrDispatch, err)
		}
		q.log.Warn("engine busy during flush", "attempt", attempt+1)
		time.Sleep(q.cfg.AbortRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrAbortTimeout, q.cfg.AbortRetries, err)
	}

	q.svc.Syncpoints.SetMinTo(q.cfg.SyncpointID, q.svc.Syncpoints.ReadMax(q.cfg.SyncpointID))
	q.log.Info("queue aborted", "drained", len(q.tasks))
	q.obs.QueueAborted(q.cfg.ID)
	return nil
}

// setState sends a queue suspend or resume command under a power reference.
func (q *Queue) setState(method uint32, suspended bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if err := q.svc.Power.Acquire(); err != nil {
		return fmt.Errorf("%w: %v", ErrPowerOn, err)
	}
	defer q.svc.Power.Release()

	err := q.svc.Dispatch.SendMMIO(interfaces.Command{
		MethodID: method,
		QueueID:  q.cfg.ID,
		Wait:     true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	q.suspended = suspended
	return nil
}

// Suspend pauses engine processing of this queue.
func (q *Queue) Suspend() error { return q.setState(cmdQueueSuspend, true) }

// Resume restarts a suspended queue.
func (q *Queue) Resume() error { return q.setState(cmdQueueResume, false) }

// Close aborts the queue, reclaims everything outstanding and rejects
// further submissions. The syncpoint is freed by the owner of the queue.
func (q *Queue) Close() error {
	if err := q.Abort(); err != nil {
		return err
	}
	q.Update()

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

// DumpTo writes a human-readable snapshot of the in-flight tasks.
func (q *Queue) DumpTo(w io.Writer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	state := "running"
	switch {
	case q.closed:
		state = "closed"
	case q.suspended:
		state = "suspended"
	}
	fmt.Fprintf(w, "queue %d syncpt %d state %s tasks %d\n",
		q.cfg.ID, q.cfg.SyncpointID, state, len(q.tasks))

	for _, t := range q.tasks {
		fmt.Fprintf(w, "  task %08x seq %d fence %d counter %d pinned %d\n",
			t.id, t.sequence, t.fence, t.fenceCounter, len(t.pinned))
		for _, f := range t.prefences {
			fmt.Fprintf(w, "    pre  kind %d op %d syncpt %d value %d\n",
				f.Kind, f.Op, f.SyncpointIndex, f.SyncpointValue)
		}
		for _, f := range t.postfences {
			fmt.Fprintf(w, "    post kind %d op %d syncpt %d value %d\n",
				f.Kind, f.Op, f.SyncpointIndex, f.SyncpointValue)
		}
	}
}
