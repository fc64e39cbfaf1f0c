package runs

import (
	"context"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/deletion"
	"github.com/KevinKickass/OpenLabCore/internal/engine"
)

const (
	CodeRunAlreadyActive       = "RunAlreadyActive"
	CodeRunNotCurrent          = "RunNotCurrent"
	CodeRunNotIdle             = "RunNotIdle"
	CodeRunNotFound            = "RunNotFound"
	CodeRunOperationInProgress = "RunOperationInProgress"
	CodeInvalidAction          = "InvalidRunAction"
)

type ActionType string

const (
	ActionPlay                                    ActionType = "play"
	ActionPause                                   ActionType = "pause"
	ActionStop                                    ActionType = "stop"
	ActionResumeFromRecovery                      ActionType = "resume-from-recovery"
	ActionResumeFromRecoveryAssumingFalsePositive ActionType = "resume-from-recovery-assuming-false-positive"
)

// Action is a control intent issued by a client against a run.
type Action struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"createdAt"`
	ActionType ActionType `json:"actionType"`
}

// Run is the client view of a run, live or archived.
type Run struct {
	ID                          string                   `json:"id"`
	CreatedAt                   time.Time                `json:"createdAt"`
	Status                      engine.Status            `json:"status"`
	Current                     bool                     `json:"current"`
	Actions                     []Action                 `json:"actions"`
	Errors                      []engine.ErrorOccurrence `json:"errors"`
	HasEverEnteredErrorRecovery bool                     `json:"hasEverEnteredErrorRecovery"`
	LabwareOffsets              []engine.LabwareOffset   `json:"labwareOffsets"`
	ProtocolID                  string                   `json:"protocolId,omitempty"`
	StartedAt                   *time.Time               `json:"startedAt,omitempty"`
	CompletedAt                 *time.Time               `json:"completedAt,omitempty"`
}

type RunCreate struct {
	ProtocolID     string                       `json:"protocolId,omitempty"`
	LabwareOffsets []engine.LabwareOffsetCreate `json:"labwareOffsets,omitempty"`
}

// Record is a persisted run. Summary and Commands are filled in when the
// run is archived.
type Record struct {
	ID         string
	CreatedAt  time.Time
	ProtocolID string
	Actions    []Action
	Summary    *engine.Summary
	Commands   []engine.Command
}

// LoadedProtocol is what a run needs from a protocol: its id and the
// commands it queues.
type LoadedProtocol struct {
	ID       string
	Commands []engine.CommandRequest
}

// Archiver persists a run when it stops being current.
type Archiver interface {
	ArchiveRun(ctx context.Context, runID string, summary engine.Summary, commands []engine.Command) error
}

// Store is the durable run collection. Lists are oldest first.
type Store interface {
	Archiver
	deletion.RunStore

	InsertRun(ctx context.Context, rec Record) error
	GetRun(ctx context.Context, runID string) (Record, error)
	ListRuns(ctx context.Context) ([]Record, error)
	InsertAction(ctx context.Context, runID string, action Action) error
}

type ProtocolLoader interface {
	LoadProtocol(ctx context.Context, protocolID string) (LoadedProtocol, error)
}

// StatusEvent is published whenever the current run changes status or is
// cleared.
type StatusEvent struct {
	RunID   string        `json:"runId"`
	Status  engine.Status `json:"status"`
	Cleared bool          `json:"cleared"`
}

// CommandPage is one page of a run's commands plus the pointers clients
// use to follow execution.
type CommandPage struct {
	engine.CommandSlice
	Current        *engine.CommandPointer
	RecoveryTarget *engine.CommandPointer
}
