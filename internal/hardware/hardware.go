// Package hardware is the boundary between the control plane and the robot:
// attached subsystems, firmware updates, the status bar, emergency stop and
// door events, and the motion primitives commands are built from.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Subsystem string

const (
	SubsystemGantryX      Subsystem = "gantry_x"
	SubsystemGantryY      Subsystem = "gantry_y"
	SubsystemHead         Subsystem = "head"
	SubsystemPipetteLeft  Subsystem = "pipette_left"
	SubsystemPipetteRight Subsystem = "pipette_right"
	SubsystemGripper      Subsystem = "gripper"
	SubsystemRearPanel    Subsystem = "rear_panel"
	SubsystemHepaUV       Subsystem = "hepa_uv"
)

// ParseSubsystem accepts the wire names of the known subsystems.
func ParseSubsystem(s string) (Subsystem, error) {
	switch sub := Subsystem(s); sub {
	case SubsystemGantryX, SubsystemGantryY, SubsystemHead, SubsystemPipetteLeft,
		SubsystemPipetteRight, SubsystemGripper, SubsystemRearPanel, SubsystemHepaUV:
		return sub, nil
	}
	return "", fmt.Errorf("unknown subsystem: %q", s)
}

type SubsystemInfo struct {
	Subsystem              Subsystem `json:"name"`
	OK                     bool      `json:"ok"`
	CurrentFirmwareVersion int       `json:"current_fw_version"`
	NextFirmwareVersion    int       `json:"next_fw_version"`
	UpdateAvailable        bool      `json:"fw_update_needed"`
	Revision               string    `json:"revision"`
}

type UpdateState string

const (
	UpdateQueued   UpdateState = "queued"
	UpdateUpdating UpdateState = "updating"
	UpdateDone     UpdateState = "done"
	UpdateFailed   UpdateState = "failed"
)

// UpdateStatus is one progress sample reported by a running update.
type UpdateStatus struct {
	Subsystem Subsystem
	State     UpdateState
	Progress  int
}

// ErrUpdateOngoing is returned when the subsystem is already being updated
// by something other than the caller.
var ErrUpdateOngoing = errors.New("firmware update already ongoing")

type StatusBarState string

const (
	StatusBarIdle          StatusBarState = "idle"
	StatusBarRunning       StatusBarState = "running"
	StatusBarPaused        StatusBarState = "paused"
	StatusBarHardwareError StatusBarState = "hardware_error"
	StatusBarSoftwareError StatusBarState = "software_error"
	StatusBarConfirm       StatusBarState = "confirm"
	StatusBarRunCompleted  StatusBarState = "run_completed"
	StatusBarUpdating      StatusBarState = "updating"
	StatusBarActivation    StatusBarState = "activation"
	StatusBarOff           StatusBarState = "off"
)

type EstopState string

const (
	EstopNotPresent        EstopState = "not_present"
	EstopDisengaged        EstopState = "disengaged"
	EstopLogicallyEngaged  EstopState = "logically_engaged"
	EstopPhysicallyEngaged EstopState = "physically_engaged"
)

// Engaged reports whether motion is blocked by the estop.
func (s EstopState) Engaged() bool {
	return s == EstopLogicallyEngaged || s == EstopPhysicallyEngaged
}

// Event is emitted from the hardware context. The set is closed.
type Event interface {
	hardwareEvent()
}

type EstopEvent struct {
	Old EstopState
	New EstopState
}

type DoorEvent struct {
	Open bool
}

func (EstopEvent) hardwareEvent() {}
func (DoorEvent) hardwareEvent()  {}

type Mount string

const (
	MountLeft  Mount = "left"
	MountRight Mount = "right"
)

// WellLocation addresses one well of a loaded labware.
type WellLocation struct {
	LabwareID string `json:"labwareId"`
	WellName  string `json:"wellName"`
}

// RecoverableError is a physical failure the operator may fix by hand before
// resuming, like a missing tip or a clogged nozzle.
type RecoverableError struct {
	ErrorType string
	Detail    string
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorType, e.Detail)
}

// ErrEstopActivated is returned by motion primitives interrupted by the estop.
var ErrEstopActivated = errors.New("emergency stop activated")

// Motion is the set of physical primitives commands are executed with.
type Motion interface {
	Home(ctx context.Context, axes []string) error
	MoveToWell(ctx context.Context, mount Mount, loc WellLocation) error
	PickUpTip(ctx context.Context, mount Mount, loc WellLocation) error
	DropTip(ctx context.Context, mount Mount, loc WellLocation) error
	Aspirate(ctx context.Context, mount Mount, volume, flowRate float64) error
	Dispense(ctx context.Context, mount Mount, volume, flowRate float64) error
}

// API is everything the control plane needs from the robot.
type API interface {
	Motion

	AttachedSubsystems(ctx context.Context) (map[Subsystem]SubsystemInfo, error)
	// UpdateFirmware blocks until the update finishes, calling report with
	// each progress sample.
	UpdateFirmware(ctx context.Context, subsystem Subsystem, report func(UpdateStatus)) error

	SetStatusBarState(ctx context.Context, state StatusBarState) error
	StatusBarState() StatusBarState
	EstopState() EstopState
	DoorOpen() bool

	// RegisterCallback subscribes to hardware events. Callbacks run on the
	// hardware context and must not block.
	RegisterCallback(cb func(Event)) (unregister func())
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
