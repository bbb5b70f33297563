package dlaq

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func newTestEngine(t *testing.T, mode SubmitMode) (*Engine, *SimHost, *SimBufferMapper) {
	t.Helper()
	sim := NewSimHost(16)
	mapper := NewSimBufferMapper()

	eng, err := New(Config{
		Mapper:         mapper,
		Syncpoints:     sim,
		Notifier:       sim,
		Power:          sim,
		Dispatch:       sim,
		Mode:           mode,
		QueueDepth:     8,
		DescriptorBase: 0x1000_0000,
	}, &Options{LogLevel: "error", LogOutput: io.Discard, LogFormat: "json"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return eng, sim, mapper
}

func TestEngineSubmitToCompletion(t *testing.T) {
	eng, sim, mapper := newTestEngine(t, SubmitModeMMIO)

	qh, err := eng.OpenQueue()
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}

	in := mapper.CreateBuffer(4096)
	out := mapper.CreateBuffer(4096)

	th, err := eng.Submit(qh, &TaskDescription{
		Operation:     1,
		InputBuffers:  []BufferRef{{Handle: in}},
		OutputBuffers: []BufferRef{{Handle: out}},
		Postfences:    []Fence{{Kind: FenceSyncpoint, Op: FenceSignal}},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if th.Fence() != 1 {
		t.Errorf("fence = %d, want 1", th.Fence())
	}
	pf := th.Postfences()
	if pf[0].SyncpointIndex != qh.SyncpointID() || pf[0].SyncpointValue != th.Fence() {
		t.Errorf("postfence not resolved: %+v", pf[0])
	}

	sim.Advance(qh.SyncpointID(), 1)
	th.Release()

	snap := eng.Metrics().Snapshot()
	if snap.Submits != 1 || snap.Completions != 1 {
		t.Errorf("metrics: submits=%d completions=%d, want 1/1", snap.Submits, snap.Completions)
	}
	if !mapper.Balanced() {
		t.Error("pin/unpin counts unbalanced after completion")
	}

	if err := eng.CloseQueue(qh); err != nil {
		t.Fatalf("CloseQueue failed: %v", err)
	}
}

func TestEngineValidationBeforePin(t *testing.T) {
	eng, _, mapper := newTestEngine(t, SubmitModeMMIO)
	qh, err := eng.OpenQueue()
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}

	h := mapper.CreateBuffer(64)
	fences := make([]Fence, 17) // one past the prefence maximum
	for i := range fences {
		fences[i] = Fence{Kind: FenceSemaphore, Op: FenceWait, SemaphoreHandle: h}
	}

	th, err := eng.Submit(qh, &TaskDescription{Prefences: fences})
	if th != nil {
		t.Fatal("oversized task returned a handle")
	}
	if !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("expected invalid parameters, got %v", err)
	}
	if mapper.PinCount(h) != 0 {
		t.Error("validation failure must reject before any pin")
	}
}

func TestEnginePinFailure(t *testing.T) {
	eng, _, mapper := newTestEngine(t, SubmitModeMMIO)
	qh, err := eng.OpenQueue()
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}

	ok := mapper.CreateBuffer(64)
	bad := mapper.CreateBuffer(64)
	mapper.FailPin[bad] = true

	_, err = eng.Submit(qh, &TaskDescription{
		InputBuffers: []BufferRef{{Handle: ok}, {Handle: bad}},
	})
	if !IsCode(err, ErrCodePinFailed) {
		t.Errorf("expected pin failed, got %v", err)
	}
	if !mapper.Balanced() {
		t.Error("failed submit leaked a pin")
	}
}

func TestEngineChannelMode(t *testing.T) {
	eng, sim, mapper := newTestEngine(t, SubmitModeChannel)
	qh, err := eng.OpenQueue()
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}

	h := mapper.CreateBuffer(256)
	th, err := eng.Submit(qh, &TaskDescription{
		InputBuffers: []BufferRef{{Handle: h}},
		Postfences:   []Fence{{Kind: FenceSyncpoint, Op: FenceSignal}},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if th.Fence() != 1 {
		t.Errorf("channel fence = %d, want 1", th.Fence())
	}

	cmds := sim.Commands()
	if len(cmds) != 1 || cmds[0].FenceCounter != 1 {
		t.Errorf("unexpected command stream: %+v", cmds)
	}

	sim.Advance(qh.SyncpointID(), 1)
	th.Release()
	if !mapper.Balanced() {
		t.Error("pin leak in channel mode")
	}
}

func TestEngineAbortIdempotent(t *testing.T) {
	eng, sim, _ := newTestEngine(t, SubmitModeMMIO)
	qh, err := eng.OpenQueue()
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}

	if err := eng.AbortQueue(qh); err != nil {
		t.Fatalf("first abort: %v", err)
	}
	if err := eng.AbortQueue(qh); err != nil {
		t.Fatalf("second abort: %v", err)
	}
	if len(sim.Commands()) != 0 {
		t.Error("empty-queue abort should not touch the engine")
	}
}

func TestEngineAbortDrainsQueue(t *testing.T) {
	eng, sim, mapper := newTestEngine(t, SubmitModeMMIO)
	qh, err := eng.OpenQueue()
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}

	h := mapper.CreateBuffer(128)
	var handles []*TaskHandle
	for i := 0; i < 3; i++ {
		th, err := eng.Submit(qh, &TaskDescription{
			InputBuffers: []BufferRef{{Handle: h}},
			Postfences:   []Fence{{Kind: FenceSyncpoint, Op: FenceSignal}},
		})
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		handles = append(handles, th)
	}

	if err := eng.AbortQueue(qh); err != nil {
		t.Fatalf("abort failed: %v", err)
	}
	for _, th := range handles {
		th.Release()
	}

	if !mapper.Balanced() {
		t.Error("abort leaked pins")
	}
	if sim.PowerRefs() != 0 {
		t.Errorf("abort leaked power refs: %d", sim.PowerRefs())
	}
	snap := eng.Metrics().Snapshot()
	if snap.Completions != 3 || snap.Aborts != 1 {
		t.Errorf("metrics after abort: %+v", snap)
	}
}

func TestEngineCloseQueueRecyclesSyncpoint(t *testing.T) {
	eng, _, _ := newTestEngine(t, SubmitModeMMIO)

	qh, err := eng.OpenQueue()
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}
	syncpt := qh.SyncpointID()
	if err := eng.CloseQueue(qh); err != nil {
		t.Fatalf("CloseQueue failed: %v", err)
	}

	qh2, err := eng.OpenQueue()
	if err != nil {
		t.Fatalf("second OpenQueue failed: %v", err)
	}
	if qh2.SyncpointID() != syncpt {
		t.Errorf("freed syncpoint not recycled: got %d, want %d", qh2.SyncpointID(), syncpt)
	}
}

func TestEngineSuspendResume(t *testing.T) {
	eng, sim, _ := newTestEngine(t, SubmitModeMMIO)
	qh, err := eng.OpenQueue()
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}

	if err := eng.SuspendQueue(qh); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := eng.ResumeQueue(qh); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := len(sim.Commands()); got != 2 {
		t.Errorf("expected 2 queue-state commands, got %d", got)
	}
	if sim.PowerRefs() != 0 {
		t.Errorf("queue-state commands leaked power refs: %d", sim.PowerRefs())
	}
}

func TestEngineDumpQueue(t *testing.T) {
	eng, _, mapper := newTestEngine(t, SubmitModeMMIO)
	qh, err := eng.OpenQueue()
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}

	h := mapper.CreateBuffer(64)
	th, err := eng.Submit(qh, &TaskDescription{
		InputBuffers: []BufferRef{{Handle: h}},
		Postfences:   []Fence{{Kind: FenceSyncpoint, Op: FenceSignal}},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	defer th.Release()

	var buf bytes.Buffer
	eng.DumpQueue(qh, &buf)
	if !strings.Contains(buf.String(), "fence 1") {
		t.Errorf("dump missing task state:\n%s", buf.String())
	}
}

func TestEngineRejectsForeignHandle(t *testing.T) {
	eng, _, _ := newTestEngine(t, SubmitModeMMIO)
	other, _, _ := newTestEngine(t, SubmitModeMMIO)

	qh, err := other.OpenQueue()
	if err != nil {
		t.Fatalf("OpenQueue failed: %v", err)
	}
	if _, err := eng.Submit(qh, &TaskDescription{}); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("foreign handle accepted: %v", err)
	}
}

func TestEngineCloseAll(t *testing.T) {
	eng, sim, _ := newTestEngine(t, SubmitModeMMIO)
	for i := 0; i < 3; i++ {
		if _, err := eng.OpenQueue(); err != nil {
			t.Fatalf("OpenQueue %d failed: %v", i, err)
		}
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if sim.PowerRefs() != 0 {
		t.Errorf("close leaked power refs: %d", sim.PowerRefs())
	}
}

func TestNewRequiresServices(t *testing.T) {
	_, err := New(Config{}, nil)
	if !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("expected invalid parameters, got %v", err)
	}
}
