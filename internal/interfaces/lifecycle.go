package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/firmware"
	"github.com/KevinKickass/OpenLabCore/internal/protocols"
	"github.com/KevinKickass/OpenLabCore/internal/runs"
)

// SystemStatus is the robot-wide view served by /system/status.
type SystemStatus struct {
	State          string `json:"state"`
	CurrentRunID   string `json:"current_run_id,omitempty"`
	RunStatus      string `json:"run_status,omitempty"`
	Estop          string `json:"estop"`
	DoorOpen       bool   `json:"door_open"`
	StatusBar      string `json:"status_bar"`
	UpdatesOngoing bool   `json:"updates_ongoing"`
}

type LifecycleManager interface {
	Config() *config.Config
	Runs() *runs.Service
	Protocols() *protocols.Service
	Firmware() *firmware.Manager
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
