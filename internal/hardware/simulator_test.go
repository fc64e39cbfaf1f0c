package hardware

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestLoadSimulatorConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robot.yaml")
	body := `
subsystems:
  - name: gantry_x
    firmware_version: 2
    next_version: 3
update:
  steps: 2
  step_interval: 1ms
failures:
  - primitive: aspirate
    recoverable: true
    error_type: overpressure
    times: 1
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadSimulatorConfig(path)
	if err != nil {
		t.Fatalf("LoadSimulatorConfig: %v", err)
	}
	if len(cfg.Subsystems) != 1 || cfg.Subsystems[0].Name != SubsystemGantryX {
		t.Fatalf("unexpected subsystems %+v", cfg.Subsystems)
	}
	if cfg.Update.StepInterval != time.Millisecond {
		t.Fatalf("got step interval %v", cfg.Update.StepInterval)
	}
}

func TestLoadSimulatorConfigRejectsUnknownSubsystem(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robot.yaml")
	if err := os.WriteFile(path, []byte("subsystems:\n  - name: toaster\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSimulatorConfig(path); err == nil {
		t.Fatal("expected error for unknown subsystem")
	}
}

func TestSimulatorUpdateFirmwareReportsProgress(t *testing.T) {
	cfg := DefaultSimulatorConfig()
	cfg.Update = SimulatedUpdate{Steps: 3, StepInterval: time.Millisecond}
	sim := NewSimulator(cfg, zaptest.NewLogger(t))
	defer sim.Close()

	var samples []UpdateStatus
	err := sim.UpdateFirmware(context.Background(), SubsystemHead, func(s UpdateStatus) {
		samples = append(samples, s)
	})
	if err != nil {
		t.Fatalf("UpdateFirmware: %v", err)
	}
	last := samples[len(samples)-1]
	if last.State != UpdateDone || last.Progress != 100 {
		t.Fatalf("got final sample %+v", last)
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].Progress < samples[i-1].Progress {
			t.Fatalf("progress went backwards: %+v", samples)
		}
	}
}

func TestSimulatorUncontrolledUpdate(t *testing.T) {
	sim := NewSimulator(DefaultSimulatorConfig(), zaptest.NewLogger(t))
	defer sim.Close()

	release := sim.StartUncontrolledUpdate(SubsystemGripper)
	defer release()

	err := sim.UpdateFirmware(context.Background(), SubsystemGripper, func(UpdateStatus) {})
	if !errors.Is(err, ErrUpdateOngoing) {
		t.Fatalf("got %v, want ErrUpdateOngoing", err)
	}
}

func TestSimulatorFailuresAndEstop(t *testing.T) {
	cfg := DefaultSimulatorConfig()
	cfg.Failures = []SimulatedFailure{{Primitive: "aspirate", Recoverable: true, ErrorType: "overpressure", Times: 1}}
	sim := NewSimulator(cfg, zaptest.NewLogger(t))
	defer sim.Close()
	ctx := context.Background()

	var recoverable *RecoverableError
	if err := sim.Aspirate(ctx, MountLeft, 10, 1); !errors.As(err, &recoverable) {
		t.Fatalf("got %v, want RecoverableError", err)
	}
	if err := sim.Aspirate(ctx, MountLeft, 10, 1); err != nil {
		t.Fatalf("second aspirate should succeed, got %v", err)
	}

	events := make(chan Event, 1)
	unregister := sim.RegisterCallback(func(ev Event) { events <- ev })
	defer unregister()

	sim.SetEstop(EstopPhysicallyEngaged)
	select {
	case ev := <-events:
		estop, ok := ev.(EstopEvent)
		if !ok || estop.New != EstopPhysicallyEngaged {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("estop event not delivered")
	}

	if err := sim.Home(ctx, nil); !errors.Is(err, ErrEstopActivated) {
		t.Fatalf("got %v, want ErrEstopActivated", err)
	}
}
