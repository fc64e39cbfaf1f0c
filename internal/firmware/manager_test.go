package firmware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"github.com/KevinKickass/OpenLabCore/internal/tasks"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap/zaptest"
)

type fakeHardware struct {
	mu       sync.Mutex
	attached map[hardware.Subsystem]hardware.SubsystemInfo
	gates    map[hardware.Subsystem]chan struct{}
	silent   map[hardware.Subsystem]bool
	fail     map[hardware.Subsystem]error
	panics   map[hardware.Subsystem]bool
	bar      []hardware.StatusBarState
}

func newFakeHardware(subs ...hardware.Subsystem) *fakeHardware {
	f := &fakeHardware{
		attached: make(map[hardware.Subsystem]hardware.SubsystemInfo),
		gates:    make(map[hardware.Subsystem]chan struct{}),
		silent:   make(map[hardware.Subsystem]bool),
		fail:     make(map[hardware.Subsystem]error),
		panics:   make(map[hardware.Subsystem]bool),
	}
	for _, s := range subs {
		f.attached[s] = hardware.SubsystemInfo{Subsystem: s, OK: true}
	}
	return f
}

// gate makes the next update of sub block after its first sample until the
// returned func is called.
func (f *fakeHardware) gate(sub hardware.Subsystem) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[sub] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeHardware) AttachedSubsystems(ctx context.Context) (map[hardware.Subsystem]hardware.SubsystemInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[hardware.Subsystem]hardware.SubsystemInfo, len(f.attached))
	for k, v := range f.attached {
		out[k] = v
	}
	return out, nil
}

func (f *fakeHardware) UpdateFirmware(ctx context.Context, sub hardware.Subsystem, report func(hardware.UpdateStatus)) error {
	f.mu.Lock()
	gate := f.gates[sub]
	delete(f.gates, sub)
	silent := f.silent[sub]
	failure := f.fail[sub]
	panics := f.panics[sub]
	f.mu.Unlock()

	if panics {
		panic("driver crashed")
	}

	if !silent {
		report(hardware.UpdateStatus{Subsystem: sub, State: hardware.UpdateUpdating, Progress: 0})
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	report(hardware.UpdateStatus{Subsystem: sub, State: hardware.UpdateUpdating, Progress: 50})
	if failure != nil {
		return failure
	}
	report(hardware.UpdateStatus{Subsystem: sub, State: hardware.UpdateDone, Progress: 100})
	return nil
}

func (f *fakeHardware) SetStatusBarState(ctx context.Context, state hardware.StatusBarState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bar = append(f.bar, state)
	return nil
}

func (f *fakeHardware) barStates() []hardware.StatusBarState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hardware.StatusBarState(nil), f.bar...)
}

func newTestManager(t *testing.T, hw Hardware) *Manager {
	t.Helper()
	logger := zaptest.NewLogger(t)
	runner := tasks.NewRunner(logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})
	return NewManager(hw, runner, logger)
}

func waitDone(t *testing.T, h Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("update %s did not finish: %v", h.Details().UpdateID, err)
	}
}

func TestStartUpdateReturnsFirstSample(t *testing.T) {
	hw := newFakeHardware(hardware.SubsystemGantryX)
	m := newTestManager(t, hw)
	release := hw.gate(hardware.SubsystemGantryX)
	defer release()

	ctx := context.Background()
	h, err := m.StartUpdate(ctx, "u1", hardware.SubsystemGantryX, time.Now(), time.Second)
	if err != nil {
		t.Fatalf("StartUpdate: %v", err)
	}
	if got := h.CachedState(); got != hardware.UpdateUpdating {
		t.Fatalf("cached state = %s, want updating", got)
	}
	if !m.UpdatesOngoing() {
		t.Fatal("UpdatesOngoing() = false while an update is gated")
	}

	release()
	waitDone(t, h)

	progress, err := h.GetProgress(ctx)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if progress.State != hardware.UpdateDone || progress.Progress != 100 {
		t.Fatalf("progress = %+v, want done/100", progress)
	}
}

func TestPanickingUpdateIsRecordedAsFailure(t *testing.T) {
	hw := newFakeHardware(hardware.SubsystemHead)
	hw.panics[hardware.SubsystemHead] = true
	m := newTestManager(t, hw)

	ctx := context.Background()
	h, err := m.StartUpdate(ctx, "u1", hardware.SubsystemHead, time.Now(), time.Second)
	if err != nil {
		// the failure is the first sample; it surfaces through GetProgress
		t.Fatalf("StartUpdate: %v", err)
	}
	waitDone(t, h)

	for i := 0; i < 2; i++ {
		progress, err := h.GetProgress(ctx)
		if types.CodeOf(err) != CodeFirmwareUpdateFailed {
			t.Fatalf("GetProgress #%d: got %v, want FirmwareUpdateFailed", i, err)
		}
		if progress.State != hardware.UpdateFailed {
			t.Fatalf("state = %s, want %s", progress.State, hardware.UpdateFailed)
		}
	}
	if m.UpdatesOngoing() {
		t.Fatal("subsystem still busy after the update failed")
	}
}

func TestRejectedUpdateNeverVisibleByID(t *testing.T) {
	hw := newFakeHardware(hardware.SubsystemGantryX)
	m := newTestManager(t, hw)
	release := hw.gate(hardware.SubsystemGantryX)
	defer release()

	ctx := context.Background()
	if _, err := m.StartUpdate(ctx, "u1", hardware.SubsystemGantryX, time.Now(), time.Second); err != nil {
		t.Fatalf("StartUpdate: %v", err)
	}

	const attempts = 50
	ids := make([]string, attempts)
	for i := range ids {
		ids[i] = fmt.Sprintf("rejected-%d", i)
	}

	stop := make(chan struct{})
	seen := make(chan string, attempts)
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, id := range ids {
				if _, err := m.HandleByID(id); err == nil {
					select {
					case seen <- id:
					default:
					}
				}
			}
		}
	}()

	var starters sync.WaitGroup
	for _, id := range ids {
		starters.Add(1)
		go func(id string) {
			defer starters.Done()
			_, err := m.StartUpdate(ctx, id, hardware.SubsystemGantryX, time.Now(), time.Second)
			if types.CodeOf(err) != CodeUpdateInProgress {
				t.Errorf("StartUpdate(%s): got %v, want UpdateInProgress", id, err)
			}
		}(id)
	}
	starters.Wait()
	close(stop)
	watcher.Wait()

	select {
	case id := <-seen:
		t.Fatalf("rejected update %s was visible by id", id)
	default:
	}
}

func TestUpdateExclusivityPerSubsystem(t *testing.T) {
	hw := newFakeHardware(hardware.SubsystemGantryX, hardware.SubsystemGantryY)
	m := newTestManager(t, hw)
	release := hw.gate(hardware.SubsystemGantryX)
	defer release()

	ctx := context.Background()
	first, err := m.StartUpdate(ctx, "u1", hardware.SubsystemGantryX, time.Now(), time.Second)
	if err != nil {
		t.Fatalf("StartUpdate: %v", err)
	}

	_, err = m.StartUpdate(ctx, "u2", hardware.SubsystemGantryX, time.Now(), time.Second)
	if types.CodeOf(err) != CodeUpdateInProgress || !errors.Is(err, types.ErrConflict) {
		t.Fatalf("second update on busy subsystem: got %v, want UpdateInProgress", err)
	}
	if _, err := m.HandleByID("u2"); types.CodeOf(err) != CodeUpdateIDNotFound {
		t.Fatalf("rejected id was kept: %v", err)
	}

	_, err = m.StartUpdate(ctx, "u1", hardware.SubsystemGantryY, time.Now(), time.Second)
	if types.CodeOf(err) != CodeUpdateIDExists {
		t.Fatalf("reused id: got %v, want UpdateIdExists", err)
	}

	other, err := m.StartUpdate(ctx, "u3", hardware.SubsystemGantryY, time.Now(), time.Second)
	if err != nil {
		t.Fatalf("independent subsystem: %v", err)
	}
	waitDone(t, other)

	ongoing, err := m.OngoingBySubsystem(hardware.SubsystemGantryX)
	if err != nil || ongoing.Details().UpdateID != "u1" {
		t.Fatalf("OngoingBySubsystem = %v, %v", ongoing.Details(), err)
	}

	release()
	waitDone(t, first)

	if _, err := m.OngoingBySubsystem(hardware.SubsystemGantryX); types.CodeOf(err) != CodeNoOngoingUpdate {
		t.Fatalf("subsystem not freed: %v", err)
	}
	next, err := m.StartUpdate(ctx, "u4", hardware.SubsystemGantryX, time.Now(), time.Second)
	if err != nil {
		t.Fatalf("update after completion: %v", err)
	}
	waitDone(t, next)

	if got := len(m.All()); got != 3 {
		t.Fatalf("All() has %d updates, want 3", got)
	}
	if got := len(m.Ongoing()); got != 0 {
		t.Fatalf("Ongoing() has %d updates, want 0", got)
	}
}

func TestSubsystemNotAttached(t *testing.T) {
	m := newTestManager(t, newFakeHardware(hardware.SubsystemGantryX))

	_, err := m.StartUpdate(context.Background(), "u1", hardware.SubsystemGripper, time.Now(), time.Second)
	if types.CodeOf(err) != CodeSubsystemNotFound || !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("got %v, want SubsystemNotFound", err)
	}
}

func TestFailedUpdateKeepsTerminalError(t *testing.T) {
	hw := newFakeHardware(hardware.SubsystemHead)
	hw.fail[hardware.SubsystemHead] = errors.New("bootloader did not answer")
	m := newTestManager(t, hw)

	ctx := context.Background()
	h, err := m.StartUpdate(ctx, "u1", hardware.SubsystemHead, time.Now(), time.Second)
	if err != nil {
		t.Fatalf("StartUpdate: %v", err)
	}
	waitDone(t, h)

	for i := 0; i < 3; i++ {
		byID, err := m.HandleByID("u1")
		if err != nil {
			t.Fatalf("HandleByID: %v", err)
		}
		progress, err := byID.GetProgress(ctx)
		if types.CodeOf(err) != CodeFirmwareUpdateFailed {
			t.Fatalf("call %d: got %v, want FirmwareUpdateFailed", i, err)
		}
		if progress.State != hardware.UpdateFailed || progress.Progress != 50 {
			t.Fatalf("call %d: progress = %+v, want failed at 50", i, progress)
		}
	}
}

func TestStartTimeoutLeavesUpdateRunning(t *testing.T) {
	hw := newFakeHardware(hardware.SubsystemGripper)
	hw.silent[hardware.SubsystemGripper] = true
	release := hw.gate(hardware.SubsystemGripper)
	m := newTestManager(t, hw)

	h, err := m.StartUpdate(context.Background(), "u1", hardware.SubsystemGripper, time.Now(), 10*time.Millisecond)
	if types.CodeOf(err) != CodeTimeoutStartingUpdate || !errors.Is(err, types.ErrTimeout) {
		t.Fatalf("got %v, want TimeoutStartingUpdate", err)
	}
	if !m.UpdatesOngoing() {
		t.Fatal("update was abandoned after the start timeout")
	}

	release()
	waitDone(t, h)
	progress, err := h.GetProgress(context.Background())
	if err != nil || progress.State != hardware.UpdateDone {
		t.Fatalf("progress = %+v, %v, want done", progress, err)
	}
}

func TestUncontrolledUpdate(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sim := hardware.NewSimulator(hardware.DefaultSimulatorConfig(), logger)
	defer sim.Close()
	release := sim.StartUncontrolledUpdate(hardware.SubsystemPipetteLeft)
	defer release()

	m := newTestManager(t, sim)
	h, err := m.StartUpdate(context.Background(), "u1", hardware.SubsystemPipetteLeft, time.Now(), time.Second)
	if err != nil && types.CodeOf(err) != CodeUncontrolledUpdateInProgress {
		t.Fatalf("StartUpdate: %v", err)
	}
	waitDone(t, h)

	progress, err := h.GetProgress(context.Background())
	if types.CodeOf(err) != CodeUncontrolledUpdateInProgress {
		t.Fatalf("got %v, want UncontrolledUpdateInProgress", err)
	}
	if progress.State != hardware.UpdateFailed || progress.Progress != 0 {
		t.Fatalf("progress = %+v, want failed at 0", progress)
	}
}

func TestProgressObserverSeesEverySample(t *testing.T) {
	hw := newFakeHardware(hardware.SubsystemGantryX)
	m := newTestManager(t, hw)

	var mu sync.Mutex
	var seen []int
	m.SetProgressObserver(func(s ProcessSummary) {
		mu.Lock()
		seen = append(seen, s.Progress.Progress)
		mu.Unlock()
	})

	h, err := m.StartUpdate(context.Background(), "u1", hardware.SubsystemGantryX, time.Now(), time.Second)
	if err != nil {
		t.Fatalf("StartUpdate: %v", err)
	}
	waitDone(t, h)

	mu.Lock()
	defer mu.Unlock()
	want := []int{0, 50, 100}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("observed %v, want %v", seen, want)
		}
	}
}

func TestUpdateAvailableMarksInitialized(t *testing.T) {
	hw := newFakeHardware(hardware.SubsystemGantryX, hardware.SubsystemHead)
	hw.attached[hardware.SubsystemHead] = hardware.SubsystemInfo{Subsystem: hardware.SubsystemHead, UpdateAvailable: true}
	m := newTestManager(t, hw)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.UpdateAvailable(ctx, time.Second); err != nil {
		t.Fatalf("UpdateAvailable: %v", err)
	}

	all := m.All()
	if len(all) != 1 || all[0].Details().Subsystem != hardware.SubsystemHead {
		t.Fatalf("All() = %d updates, want the head only", len(all))
	}
	bar := hw.barStates()
	if len(bar) != 2 || bar[0] != hardware.StatusBarUpdating || bar[1] != hardware.StatusBarOff {
		t.Fatalf("status bar = %v, want [updating off]", bar)
	}
	if !m.animation.initialized {
		t.Fatal("manager not marked initialized")
	}
}
