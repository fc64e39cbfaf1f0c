package engine

import (
	"errors"

	"github.com/KevinKickass/OpenLabCore/internal/hardware"
)

// QueueStatus says which queued commands may execute.
type QueueStatus string

const (
	QueueSetup                  QueueStatus = "setup"
	QueueRunning                QueueStatus = "running"
	QueuePaused                 QueueStatus = "paused"
	QueueAwaitingRecovery       QueueStatus = "awaiting-recovery"
	QueueAwaitingRecoveryPaused QueueStatus = "awaiting-recovery-paused"
)

type RunResult string

const (
	ResultSucceeded RunResult = "succeeded"
	ResultFailed    RunResult = "failed"
	ResultStopped   RunResult = "stopped"
)

// Status is the externally visible run status.
type Status string

const (
	StatusIdle                              Status = "idle"
	StatusRunning                           Status = "running"
	StatusPaused                            Status = "paused"
	StatusBlockedByOpenDoor                 Status = "blocked-by-open-door"
	StatusStopRequested                     Status = "stop-requested"
	StatusStopped                           Status = "stopped"
	StatusFinishing                         Status = "finishing"
	StatusFailed                            Status = "failed"
	StatusSucceeded                         Status = "succeeded"
	StatusAwaitingRecovery                  Status = "awaiting-recovery"
	StatusAwaitingRecoveryPaused            Status = "awaiting-recovery-paused"
	StatusAwaitingRecoveryBlockedByOpenDoor Status = "awaiting-recovery-blocked-by-open-door"
)

func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusFailed || s == StatusSucceeded
}

// RecoveryDecision is what happens to a run after a protocol command fails.
type RecoveryDecision string

const (
	RecoveryFailRun           RecoveryDecision = "fail-run"
	RecoveryWaitForRecovery   RecoveryDecision = "wait-for-recovery"
	RecoveryIgnoreAndContinue RecoveryDecision = "ignore-and-continue"
)

type RecoveryPolicy func(cmd Command, err error) RecoveryDecision

// StandardRecoveryPolicy waits for the operator on recoverable hardware
// errors when recovery is enabled and fails the run otherwise.
func StandardRecoveryPolicy(enabled bool) RecoveryPolicy {
	return func(cmd Command, err error) RecoveryDecision {
		var recoverable *hardware.RecoverableError
		if enabled && errors.As(err, &recoverable) {
			return RecoveryWaitForRecovery
		}
		return RecoveryFailRun
	}
}

// NeverRecover fails the run on every protocol command failure.
func NeverRecover(Command, error) RecoveryDecision {
	return RecoveryFailRun
}

// ContinueOnError records the failure on the command and keeps going.
func ContinueOnError(Command, error) RecoveryDecision {
	return RecoveryIgnoreAndContinue
}
