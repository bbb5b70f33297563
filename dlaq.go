// Package dlaq implements the task-submission and fence-synchronization
// engine for a DLA-style hardware accelerator queue. Callers describe work
// as tasks referencing external buffers and fences; the engine builds
// fixed-layout descriptors with ordered wait/signal action lists, submits
// them to a strict per-queue FIFO, tracks completion through hardware
// counter ("syncpoint") targets, and releases every pinned resource exactly
// once.
//
// The engine never touches hardware itself: buffer mapping, syncpoint
// access, completion interrupts, power and command dispatch are provided by
// the embedding driver through the service interfaces in Config.
package dlaq

import (
	"io"
	"sync"
	"time"

	"github.com/dallin-b/go-dlaq/internal/buffer"
	"github.com/dallin-b/go-dlaq/internal/descriptor"
	"github.com/dallin-b/go-dlaq/internal/interfaces"
	"github.com/dallin-b/go-dlaq/internal/logging"
	"github.com/dallin-b/go-dlaq/internal/queue"
)

// Re-exported task and fence types; see the field docs on the underlying
// definitions.
type (
	BufferHandle       = interfaces.BufferHandle
	BufferKind         = interfaces.BufferKind
	BufferRef          = interfaces.BufferRef
	FenceKind          = interfaces.FenceKind
	FenceOp            = interfaces.FenceOp
	SyncpointThreshold = interfaces.SyncpointThreshold
	Fence              = interfaces.Fence
	StatusNotify       = interfaces.StatusNotify
	TimestampRef       = interfaces.TimestampRef
	TaskDescription    = interfaces.TaskDescription
	SubmitMode         = interfaces.SubmitMode
	Command            = interfaces.Command

	BufferMapper      = interfaces.BufferMapper
	SyncpointService  = interfaces.SyncpointService
	NotifierService   = interfaces.Notifier
	PowerService      = interfaces.PowerService
	CommandDispatcher = interfaces.CommandDispatcher
)

const (
	BufferExternal = interfaces.BufferExternal
	BufferInternal = interfaces.BufferInternal

	FenceSyncpoint   = interfaces.FenceSyncpoint
	FenceSyncFD      = interfaces.FenceSyncFD
	FenceSemaphore   = interfaces.FenceSemaphore
	FenceSemaphoreTS = interfaces.FenceSemaphoreTS

	FenceWait         = interfaces.FenceWait
	FenceSignal       = interfaces.FenceSignal
	FenceSignalStride = interfaces.FenceSignalStride

	SubmitModeChannel = interfaces.SubmitModeChannel
	SubmitModeMMIO    = interfaces.SubmitModeMMIO
)

// ErrProcessorBusy is the dispatcher's transient busy status; the abort
// path retries on it.
var ErrProcessorBusy = interfaces.ErrProcessorBusy

// DescriptorSize is the fixed size of one task descriptor slot. Embedders
// sizing the descriptor DMA region need QueueDepth*DescriptorSize bytes
// per queue.
const DescriptorSize = descriptor.DescriptorSize

// Config fixes the engine's collaborator services and protocol knobs.
type Config struct {
	// Required host services.
	Mapper     BufferMapper
	Syncpoints SyncpointService
	Notifier   NotifierService
	Power      PowerService
	Dispatch   CommandDispatcher

	// Mode selects how commands reach the engine.
	Mode SubmitMode

	// EngineID is carried into every descriptor header.
	EngineID uint8

	// QueueDepth is the number of descriptor slots per queue.
	// Defaults to 16.
	QueueDepth int

	// DescriptorBase is the engine-visible base address of the descriptor
	// region, 256-byte aligned. Each opened queue takes the next
	// QueueDepth*DescriptorSize bytes.
	DescriptorBase uint64

	AllocRetries    int           // defaults to 3
	AllocRetryDelay time.Duration // defaults to 10ms
	AbortRetries    int           // defaults to 10
	AbortRetryDelay time.Duration // defaults to 25ms
}

// Options carries the optional knobs.
type Options struct {
	// LogLevel is "debug", "info", "warn" or "error"; default "info".
	LogLevel string

	// LogFormat is "json" or "text"; default "text".
	LogFormat string

	// LogOutput defaults to stderr.
	LogOutput io.Writer

	// Observer receives task lifecycle events; default records into the
	// engine's Metrics.
	Observer Observer
}

// Engine owns the queues of one accelerator instance.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	queues map[uint16]*queue.Queue
	nextID uint16

	registry *buffer.Registry
	builder  *descriptor.Builder
	metrics  *Metrics
	obs      Observer
	log      *logging.Logger
}

// QueueHandle identifies one open queue.
type QueueHandle struct {
	id  uint16
	q   *queue.Queue
	eng *Engine
}

// ID returns the queue id.
func (qh *QueueHandle) ID() uint16 { return qh.id }

// SyncpointID returns the queue's completion counter id.
func (qh *QueueHandle) SyncpointID() uint32 { return qh.q.SyncpointID() }

// TaskHandle is the submitter's reference to an in-flight task.
type TaskHandle struct {
	t *queue.Task
}

// ID is queueID<<16 | low sequence bits.
func (th *TaskHandle) ID() uint32 { return th.t.ID() }

// Fence is the counter target at which the task completes.
func (th *TaskHandle) Fence() uint32 { return th.t.Fence() }

// Postfences returns the postfences with resolved syncpoint values, ready
// to hand to downstream waiters.
func (th *TaskHandle) Postfences() []Fence { return th.t.Postfences() }

// Prefences returns the prefences with resolved signal values.
func (th *TaskHandle) Prefences() []Fence { return th.t.Prefences() }

// Release drops the submitter's reference. Must be called exactly once;
// the descriptor slot recycles only after both this reference and the
// queue's are gone.
func (th *TaskHandle) Release() { th.t.Release() }

// New creates an engine over the given host services.
func New(cfg Config, opts *Options) (*Engine, error) {
	if cfg.Mapper == nil || cfg.Syncpoints == nil || cfg.Notifier == nil ||
		cfg.Power == nil || cfg.Dispatch == nil {
		return nil, NewError("NEW", ErrCodeInvalidParameters, "missing host service")
	}

	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	if cfg.AllocRetries <= 0 {
		cfg.AllocRetries = 3
	}
	if cfg.AllocRetryDelay <= 0 {
		cfg.AllocRetryDelay = 10 * time.Millisecond
	}
	if cfg.AbortRetries <= 0 {
		cfg.AbortRetries = 10
	}
	if cfg.AbortRetryDelay <= 0 {
		cfg.AbortRetryDelay = 25 * time.Millisecond
	}

	if opts == nil {
		opts = &Options{}
	}

	log := logging.Default()
	if opts.LogLevel != "" || opts.LogFormat != "" || opts.LogOutput != nil {
		lc := logging.DefaultConfig()
		switch opts.LogLevel {
		case "debug":
			lc.Level = logging.LevelDebug
		case "warn":
			lc.Level = logging.LevelWarn
		case "error":
			lc.Level = logging.LevelError
		}
		if opts.LogFormat != "" {
			lc.Format = opts.LogFormat
		}
		if opts.LogOutput != nil {
			lc.Output = opts.LogOutput
		}
		log = logging.NewLogger(lc)
	}

	registry := buffer.NewRegistry(cfg.Mapper)
	metrics := NewMetrics()

	obs := opts.Observer
	if obs == nil {
		obs = NewMetricsObserver(metrics)
	}

	return &Engine{
		cfg:      cfg,
		queues:   make(map[uint16]*queue.Queue),
		nextID:   1,
		registry: registry,
		builder:  descriptor.NewBuilder(registry, cfg.Syncpoints),
		metrics:  metrics,
		obs:      obs,
		log:      log,
	}, nil
}

// Metrics returns the engine's metrics instance.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// lifecycleObserver adapts the public Observer onto the queue package's
// event interface for the events the queue raises itself.
type lifecycleObserver struct {
	obs Observer
}

func (o lifecycleObserver) TaskSubmitted(uint16, uint32, uint32) {}

func (o lifecycleObserver) TasksCompleted(queueID uint16, n int, oldest time.Duration) {
	o.obs.ObserveCompletions(queueID, n, oldest)
}

func (o lifecycleObserver) QueueAborted(queueID uint16) {
	o.obs.ObserveAbort(queueID)
}

// OpenQueue allocates a syncpoint and a descriptor pool region and opens a
// new queue over them.
func (e *Engine) OpenQueue() (*QueueHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	syncpt, err := e.cfg.Syncpoints.Alloc()
	if err != nil {
		return nil, NewError("OPEN_QUEUE", ErrCodeNoSyncpoint, err.Error())
	}

	id := e.nextID
	e.nextID++

	poolBase := e.cfg.DescriptorBase +
		uint64(id)*uint64(e.cfg.QueueDepth)*uint64(descriptor.DescriptorSize)

	q, err := queue.New(queue.Config{
		ID:              id,
		SyncpointID:     syncpt,
		EngineID:        e.cfg.EngineID,
		Mode:            e.cfg.Mode,
		Depth:           e.cfg.QueueDepth,
		PoolBase:        poolBase,
		AllocRetries:    e.cfg.AllocRetries,
		AllocRetryDelay: e.cfg.AllocRetryDelay,
		AbortRetries:    e.cfg.AbortRetries,
		AbortRetryDelay: e.cfg.AbortRetryDelay,
	}, queue.Services{
		Registry:   e.registry,
		Builder:    e.builder,
		Syncpoints: e.cfg.Syncpoints,
		Notifier:   e.cfg.Notifier,
		Power:      e.cfg.Power,
		Dispatch:   e.cfg.Dispatch,
		Observer:   lifecycleObserver{obs: e.obs},
		Log:        e.log,
	})
	if err != nil {
		e.cfg.Syncpoints.Free(syncpt)
		return nil, WrapError("OPEN_QUEUE", err)
	}

	e.queues[id] = q
	e.log.WithQueue(id).WithSyncpoint(syncpt).Info("queue opened")
	return &QueueHandle{id: id, q: q, eng: e}, nil
}

// Submit builds, enqueues and dispatches one task.
//
// On construction-time failure (validation, pin, power) nothing is queued
// and the handle is nil. On dispatch or registration failure after the
// task is queued, both the handle and an error return: the task stays in
// flight and is reconciled by completion or abort, so the handle must
// still be released.
func (e *Engine) Submit(qh *QueueHandle, td *TaskDescription) (*TaskHandle, error) {
	if qh == nil || qh.eng != e {
		return nil, NewError("SUBMIT", ErrCodeInvalidParameters, "bad queue handle")
	}

	t, err := qh.q.Submit(td)
	if t == nil {
		e.obs.ObserveSubmit(qh.id, 0, false)
		return nil, WrapError("SUBMIT", err)
	}

	e.obs.ObserveSubmit(qh.id, t.ID(), true)
	e.obs.ObserveQueueDepth(qh.id, uint32(qh.q.Depth()))

	if err != nil {
		e.metrics.RecordDispatchError()
		return &TaskHandle{t: t}, WrapError("SUBMIT", err)
	}
	return &TaskHandle{t: t}, nil
}

// Scan runs a completion pass over the queue. The notifier service drives
// this automatically; it is exposed for pollers and tests.
func (e *Engine) Scan(qh *QueueHandle) {
	if qh != nil && qh.eng == e {
		qh.q.Update()
	}
}

// AbortQueue force-drains the queue without waiting for hardware
// completion. Postfences of aborted tasks are never written.
func (e *Engine) AbortQueue(qh *QueueHandle) error {
	if qh == nil || qh.eng != e {
		return NewError("ABORT", ErrCodeInvalidParameters, "bad queue handle")
	}
	if err := qh.q.Abort(); err != nil {
		return WrapError("ABORT", err)
	}
	qh.q.Update()
	return nil
}

// SuspendQueue pauses engine processing of the queue.
func (e *Engine) SuspendQueue(qh *QueueHandle) error {
	if qh == nil || qh.eng != e {
		return NewError("SUSPEND", ErrCodeInvalidParameters, "bad queue handle")
	}
	if err := qh.q.Suspend(); err != nil {
		return WrapError("SUSPEND", err)
	}
	return nil
}

// ResumeQueue restarts a suspended queue.
func (e *Engine) ResumeQueue(qh *QueueHandle) error {
	if qh == nil || qh.eng != e {
		return NewError("RESUME", ErrCodeInvalidParameters, "bad queue handle")
	}
	if err := qh.q.Resume(); err != nil {
		return WrapError("RESUME", err)
	}
	return nil
}

// CloseQueue aborts the queue, reclaims everything outstanding and frees
// its syncpoint. On abort failure the queue stays open for a later retry.
func (e *Engine) CloseQueue(qh *QueueHandle) error {
	if qh == nil || qh.eng != e {
		return NewError("CLOSE_QUEUE", ErrCodeInvalidParameters, "bad queue handle")
	}

	if err := qh.q.Close(); err != nil {
		return WrapError("CLOSE_QUEUE", err)
	}

	e.mu.Lock()
	delete(e.queues, qh.id)
	e.mu.Unlock()

	e.cfg.Syncpoints.Free(qh.q.SyncpointID())
	e.log.WithQueue(qh.id).Info("queue closed")
	return nil
}

// DumpQueue writes a human-readable snapshot of the queue's in-flight
// tasks.
func (e *Engine) DumpQueue(qh *QueueHandle, w io.Writer) {
	if qh != nil && qh.eng == e {
		qh.q.DumpTo(w)
	}
}

// Close closes every open queue and stops the metrics clock. The first
// abort failure stops the teardown and is returned.
func (e *Engine) Close() error {
	e.mu.Lock()
	handles := make([]*QueueHandle, 0, len(e.queues))
	for id, q := range e.queues {
		handles = append(handles, &QueueHandle{id: id, q: q, eng: e})
	}
	e.mu.Unlock()

	for _, qh := range handles {
		if err := e.CloseQueue(qh); err != nil {
			return err
		}
	}
	e.metrics.Stop()
	return nil
}
