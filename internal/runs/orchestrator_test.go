package runs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/engine"
	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap/zaptest"
)

// fakeArchiver records archived summaries. It fails while failWith is set
// and blocks while gate is open, signalling entered first.
type fakeArchiver struct {
	mu       sync.Mutex
	failWith error
	gate     chan struct{}
	entered  chan struct{}
	archived map[string]engine.Summary
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{archived: make(map[string]engine.Summary)}
}

func (f *fakeArchiver) ArchiveRun(ctx context.Context, runID string, summary engine.Summary, commands []engine.Command) error {
	f.mu.Lock()
	gate, entered, failWith := f.gate, f.entered, f.failWith
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failWith != nil {
		return failWith
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived[runID] = summary
	return nil
}

func (f *fakeArchiver) summary(runID string) (engine.Summary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.archived[runID]
	return s, ok
}

func newTestOrchestrator(t *testing.T, archiver Archiver) *Orchestrator {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sim := hardware.NewSimulator(hardware.DefaultSimulatorConfig(), logger)
	o := NewOrchestrator(engine.NewHardwareExecutor(sim, logger), sim, archiver, Options{EventBufferSize: 8}, logger)
	o.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := o.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		sim.Close()
	})
	return o
}

func assertCode(t *testing.T, err error, kind error, code string) {
	t.Helper()
	if !errors.Is(err, kind) || types.CodeOf(err) != code {
		t.Fatalf("got %v, want %s", err, code)
	}
}

func TestHardwareEventsNeverBlock(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sim := hardware.NewSimulator(hardware.DefaultSimulatorConfig(), logger)
	defer sim.Close()

	o := NewOrchestrator(nil, sim, nil, Options{EventBufferSize: 1}, logger)

	// the event loop is not running, so the buffer fills up
	o.onHardwareEvent(hardware.DoorEvent{Open: true})
	o.onHardwareEvent(hardware.DoorEvent{Open: false})
	o.onHardwareEvent(hardware.EstopEvent{Old: hardware.EstopDisengaged, New: hardware.EstopPhysicallyEngaged})

	if got := len(o.events); got != 1 {
		t.Fatalf("buffered %d events, want 1", got)
	}
}

func TestEstopWithoutRunIsIgnored(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sim := hardware.NewSimulator(hardware.DefaultSimulatorConfig(), logger)
	defer sim.Close()

	o := NewOrchestrator(nil, sim, nil, Options{}, logger)
	err := o.HandleEvent(hardware.EstopEvent{Old: hardware.EstopDisengaged, New: hardware.EstopPhysicallyEngaged})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
}

func TestClearRequiresIdleOrFinishedRun(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, newFakeArchiver())

	if _, err := o.Create(ctx, "a", time.Now(), nil, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := o.Play("a"); err != nil {
		t.Fatalf("Play: %v", err)
	}

	_, err := o.Clear(ctx)
	assertCode(t, err, types.ErrConflict, CodeRunNotIdle)
	if got := o.CurrentID(); got != "a" {
		t.Fatalf("CurrentID = %q after refused clear, want a", got)
	}

	if err := o.Stop(ctx, "a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	snap, err := o.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear after stop: %v", err)
	}
	if snap.Summary.Status != engine.StatusStopped {
		t.Fatalf("cleared status = %s, want %s", snap.Summary.Status, engine.StatusStopped)
	}
	if got := o.CurrentID(); got != "" {
		t.Fatalf("CurrentID = %q after clear, want none", got)
	}
}

func TestMutationsRefusedWhileOperationInProgress(t *testing.T) {
	ctx := context.Background()
	archiver := newFakeArchiver()
	o := newTestOrchestrator(t, archiver)

	if _, err := o.Create(ctx, "a", time.Now(), nil, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	gate := make(chan struct{})
	archiver.mu.Lock()
	archiver.gate = gate
	archiver.entered = make(chan struct{}, 1)
	entered := archiver.entered
	archiver.mu.Unlock()

	clearErr := make(chan error, 1)
	go func() {
		_, err := o.Clear(ctx)
		clearErr <- err
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("Clear never reached the archiver")
	}

	assertCode(t, o.Play("a"), types.ErrConflict, CodeRunOperationInProgress)
	_, err := o.Create(ctx, "b", time.Now(), nil, nil)
	assertCode(t, err, types.ErrConflict, CodeRunOperationInProgress)

	archiver.mu.Lock()
	archiver.gate = nil
	archiver.entered = nil
	archiver.mu.Unlock()
	close(gate)

	if err := <-clearErr; err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := o.Create(ctx, "b", time.Now(), nil, nil); err != nil {
		t.Fatalf("Create after the operation finished: %v", err)
	}
}

func TestFailedArchiveKeepsRunCurrent(t *testing.T) {
	ctx := context.Background()
	archiver := newFakeArchiver()
	o := newTestOrchestrator(t, archiver)

	if _, err := o.Create(ctx, "a", time.Now(), nil, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := o.Play("a"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := o.Stop(ctx, "a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	archiver.mu.Lock()
	archiver.failWith = errors.New("database unavailable")
	archiver.mu.Unlock()

	if _, err := o.Create(ctx, "b", time.Now(), nil, nil); err == nil {
		t.Fatal("Create succeeded although the previous run was not archived")
	}
	if _, err := o.Clear(ctx); err == nil {
		t.Fatal("Clear succeeded although the run was not archived")
	}
	snap, ok := o.Snapshot("a")
	if !ok {
		t.Fatal("run a is no longer current after a failed archive")
	}
	if snap.Summary.Status != engine.StatusStopped {
		t.Fatalf("live status = %s, want %s", snap.Summary.Status, engine.StatusStopped)
	}

	archiver.mu.Lock()
	archiver.failWith = nil
	archiver.mu.Unlock()

	if _, err := o.Create(ctx, "b", time.Now(), nil, nil); err != nil {
		t.Fatalf("Create after the store recovered: %v", err)
	}
	summary, ok := archiver.summary("a")
	if !ok || summary.Status != engine.StatusStopped {
		t.Fatalf("archived a = %+v (%v), want status stopped", summary, ok)
	}
}
