package websocket

import (
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/firmware"
	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"github.com/KevinKickass/OpenLabCore/internal/runs"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Run messages
	MessageTypeRunStatus  MessageType = "run_status"
	MessageTypeRunCleared MessageType = "run_cleared"

	// Firmware update progress, one per sample
	MessageTypeUpdateProgress MessageType = "update_progress"

	MessageTypeStatusBar MessageType = "status_bar"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type RunStatusData struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type UpdateProgressData struct {
	UpdateID  string `json:"update_id"`
	Subsystem string `json:"subsystem"`
	State     string `json:"state"`
	Progress  int    `json:"progress"`
	Error     string `json:"error,omitempty"`
}

type StatusBarData struct {
	State string `json:"state"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewRunStatusMessage(ev runs.StatusEvent) Message {
	msgType := MessageTypeRunStatus
	if ev.Cleared {
		msgType = MessageTypeRunCleared
	}
	return NewMessage(msgType, RunStatusData{
		RunID:  ev.RunID,
		Status: string(ev.Status),
	})
}

func NewUpdateProgressMessage(s firmware.ProcessSummary) Message {
	data := UpdateProgressData{
		UpdateID:  s.Details.UpdateID,
		Subsystem: string(s.Details.Subsystem),
		State:     string(s.Progress.State),
		Progress:  s.Progress.Progress,
	}
	if s.Progress.Error != nil {
		data.Error = s.Progress.Error.Error()
	}
	return NewMessage(MessageTypeUpdateProgress, data)
}

func NewStatusBarMessage(state hardware.StatusBarState) Message {
	return NewMessage(MessageTypeStatusBar, StatusBarData{State: string(state)})
}
