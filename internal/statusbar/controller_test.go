package statusbar

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/engine"
	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"go.uber.org/zap/zaptest"
)

type fakeRuns struct {
	mu     sync.Mutex
	status engine.Status
	hasRun bool
}

func (f *fakeRuns) CurrentStatus() (engine.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.hasRun
}

func (f *fakeRuns) set(status engine.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.hasRun = status, true
}

type fakeBar struct {
	mu     sync.Mutex
	estop  hardware.EstopState
	writes []hardware.StatusBarState
	fail   bool
}

func (f *fakeBar) EstopState() hardware.EstopState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estop
}

func (f *fakeBar) SetStatusBarState(ctx context.Context, state hardware.StatusBarState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("bar unreachable")
	}
	f.writes = append(f.writes, state)
	return nil
}

func (f *fakeBar) written() []hardware.StatusBarState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hardware.StatusBarState(nil), f.writes...)
}

type fakeUpdates bool

func (f *fakeUpdates) UpdatesOngoing() bool { return bool(*f) }

func TestBarStateTable(t *testing.T) {
	tests := []struct {
		name   string
		status combinedStatus
		want   hardware.StatusBarState
	}{
		{"no run", combinedStatus{}, hardware.StatusBarIdle},
		{"idle", combinedStatus{run: engine.StatusIdle, hasRun: true}, hardware.StatusBarIdle},
		{"running", combinedStatus{run: engine.StatusRunning, hasRun: true}, hardware.StatusBarRunning},
		{"finishing", combinedStatus{run: engine.StatusFinishing, hasRun: true}, hardware.StatusBarRunning},
		{"paused", combinedStatus{run: engine.StatusPaused, hasRun: true}, hardware.StatusBarPaused},
		{"door open", combinedStatus{run: engine.StatusBlockedByOpenDoor, hasRun: true}, hardware.StatusBarPaused},
		{"awaiting recovery", combinedStatus{run: engine.StatusAwaitingRecovery, hasRun: true}, hardware.StatusBarPaused},
		{"stop requested", combinedStatus{run: engine.StatusStopRequested, hasRun: true}, hardware.StatusBarUpdating},
		{"stopped", combinedStatus{run: engine.StatusStopped, hasRun: true}, hardware.StatusBarIdle},
		{"failed", combinedStatus{run: engine.StatusFailed, hasRun: true}, hardware.StatusBarHardwareError},
		{"succeeded", combinedStatus{run: engine.StatusSucceeded, hasRun: true}, hardware.StatusBarRunCompleted},
		{"estop overrides run", combinedStatus{run: engine.StatusSucceeded, hasRun: true, estop: true}, hardware.StatusBarHardwareError},
		{"estop without run", combinedStatus{estop: true}, hardware.StatusBarHardwareError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.barState(); got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRefreshWritesOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	runs := &fakeRuns{}
	bar := &fakeBar{estop: hardware.EstopDisengaged}
	c := NewController(runs, bar, nil, time.Second, zaptest.NewLogger(t))

	var observed []hardware.StatusBarState
	c.SetObserver(func(s hardware.StatusBarState) { observed = append(observed, s) })

	steps := []func(){
		func() {},
		func() {},
		func() { runs.set(engine.StatusRunning) },
		func() { runs.set(engine.StatusRunning) },
		func() { bar.estop = hardware.EstopPhysicallyEngaged },
		func() { runs.set(engine.StatusFailed) },
	}
	for _, step := range steps {
		step()
		if _, err := c.Refresh(ctx); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}

	want := []hardware.StatusBarState{
		hardware.StatusBarIdle,
		hardware.StatusBarRunning,
		hardware.StatusBarHardwareError,
		// estop already showed hardware_error, but the run status changed
		hardware.StatusBarHardwareError,
	}
	got := bar.written()
	if len(got) != len(want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("writes = %v, want %v", got, want)
		}
	}
	if len(observed) != len(want) {
		t.Fatalf("observer saw %v", observed)
	}
}

func TestRefreshYieldsToFirmwareUpdates(t *testing.T) {
	ctx := context.Background()
	runs := &fakeRuns{}
	bar := &fakeBar{estop: hardware.EstopDisengaged}
	updating := fakeUpdates(false)
	c := NewController(runs, bar, &updating, time.Second, zaptest.NewLogger(t))

	if wrote, _ := c.Refresh(ctx); !wrote {
		t.Fatal("first refresh did not write")
	}

	updating = true
	if wrote, _ := c.Refresh(ctx); wrote {
		t.Fatal("refresh wrote while an update owns the bar")
	}

	// the animation changed the bar, so the same state is written again
	updating = false
	if wrote, _ := c.Refresh(ctx); !wrote {
		t.Fatal("refresh after updates did not rewrite the bar")
	}
}

func TestRefreshRetriesAfterWriteFailure(t *testing.T) {
	ctx := context.Background()
	bar := &fakeBar{estop: hardware.EstopDisengaged, fail: true}
	c := NewController(&fakeRuns{}, bar, nil, time.Second, zaptest.NewLogger(t))

	if _, err := c.Refresh(ctx); err == nil {
		t.Fatal("expected write error")
	}

	bar.fail = false
	if wrote, err := c.Refresh(ctx); err != nil || !wrote {
		t.Fatalf("retry: wrote %v err %v", wrote, err)
	}
}

func TestControllerPolls(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sim := hardware.NewSimulator(hardware.DefaultSimulatorConfig(), logger)
	defer sim.Close()

	runs := &fakeRuns{}
	runs.set(engine.StatusRunning)

	c := NewController(runs, sim, nil, 5*time.Millisecond, logger)
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(time.Second)
	for sim.StatusBarState() != hardware.StatusBarRunning {
		if time.Now().After(deadline) {
			t.Fatalf("bar = %s, want running", sim.StatusBarState())
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Stop()
	if c.IsRunning() {
		t.Fatal("controller still running after Stop")
	}
}
