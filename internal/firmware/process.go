package firmware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
)

const (
	CodeSubsystemNotFound            = "SubsystemNotFound"
	CodeUpdateIDExists               = "UpdateIdExists"
	CodeUpdateInProgress             = "UpdateInProgress"
	CodeUpdateIDNotFound             = "UpdateIdNotFound"
	CodeNoOngoingUpdate              = "NoOngoingUpdate"
	CodeTimeoutStartingUpdate        = "TimeoutStartingUpdate"
	CodeUncontrolledUpdateInProgress = "UncontrolledUpdateInProgress"
	CodeFirmwareUpdateFailed         = "FirmwareUpdateFailed"
)

// ProcessDetails identifies one update process. It never changes.
type ProcessDetails struct {
	UpdateID  string             `json:"id"`
	Subsystem hardware.Subsystem `json:"subsystem"`
	CreatedAt time.Time          `json:"createdAt"`
}

type UpdateProgress struct {
	State    hardware.UpdateState `json:"updateStatus"`
	Progress int                  `json:"updateProgress"`
	Error    error                `json:"-"`
}

type ProcessSummary struct {
	Details  ProcessDetails `json:"details"`
	Progress UpdateProgress `json:"progress"`
}

// updateProcess is one background firmware update. Samples reported by the
// hardware are buffered in pending until a reader drains them into latest.
type updateProcess struct {
	details  ProcessDetails
	hw       Hardware
	logger   *zap.Logger
	complete func(*updateProcess)
	observe  func(ProcessSummary)

	mu           sync.Mutex
	pending      []UpdateProgress
	latest       UpdateProgress
	lastProgress int
	started      chan struct{} // closed on the first sample
	done         chan struct{} // closed on the terminal sample
	startedOnce  sync.Once
}

func newUpdateProcess(details ProcessDetails, hw Hardware, logger *zap.Logger,
	complete func(*updateProcess), observe func(ProcessSummary)) *updateProcess {
	return &updateProcess{
		details:  details,
		hw:       hw,
		logger:   logger,
		complete: complete,
		observe:  observe,
		latest:   UpdateProgress{State: hardware.UpdateQueued},
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *updateProcess) push(progress UpdateProgress) {
	p.mu.Lock()
	p.pending = append(p.pending, progress)
	if progress.State != hardware.UpdateFailed {
		p.lastProgress = progress.Progress
	}
	p.mu.Unlock()

	p.startedOnce.Do(func() { close(p.started) })

	if p.observe != nil {
		p.observe(ProcessSummary{Details: p.details, Progress: progress})
	}
}

// run is the background task body. It never returns an error: failures are
// recorded as the terminal sample.
func (p *updateProcess) run(ctx context.Context) error {
	defer close(p.done)
	defer p.complete(p)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Firmware update panicked",
				zap.String("update_id", p.details.UpdateID),
				zap.String("subsystem", string(p.details.Subsystem)),
				zap.Any("panic", r))
			p.push(UpdateProgress{
				State:    hardware.UpdateFailed,
				Progress: p.lastSample(),
				Error:    types.NewError(nil, CodeFirmwareUpdateFailed, "update panicked: %v", r),
			})
		}
	}()

	err := p.hw.UpdateFirmware(ctx, p.details.Subsystem, func(s hardware.UpdateStatus) {
		if s.State == hardware.UpdateDone {
			// the terminal sample is pushed once UpdateFirmware returns
			return
		}
		p.push(UpdateProgress{State: s.State, Progress: s.Progress})
	})

	switch {
	case err == nil:
		p.push(UpdateProgress{State: hardware.UpdateDone, Progress: 100})
	case errors.Is(err, hardware.ErrUpdateOngoing):
		p.logger.Error("Subsystem is being updated by another source",
			zap.String("update_id", p.details.UpdateID),
			zap.String("subsystem", string(p.details.Subsystem)))
		p.push(UpdateProgress{
			State:    hardware.UpdateFailed,
			Progress: 0,
			Error: types.NewError(types.ErrConflict, CodeUncontrolledUpdateInProgress,
				"An update for %s is in progress from another source.", p.details.Subsystem),
		})
	default:
		p.logger.Error("Firmware update failed",
			zap.String("update_id", p.details.UpdateID),
			zap.String("subsystem", string(p.details.Subsystem)),
			zap.Error(err))
		p.push(UpdateProgress{
			State:    hardware.UpdateFailed,
			Progress: p.lastSample(),
			Error:    types.NewError(nil, CodeFirmwareUpdateFailed, "%v", err),
		})
	}
	return nil
}

// provideLatestProgress waits for the first sample, then drains whatever is
// buffered and returns the newest. It does not block once a sample exists.
func (p *updateProcess) provideLatestProgress(ctx context.Context) (UpdateProgress, error) {
	select {
	case <-p.started:
	case <-ctx.Done():
		return p.cached(), ctx.Err()
	}

	return p.drain(), nil
}

// drain moves the newest buffered sample into latest without waiting.
func (p *updateProcess) drain() UpdateProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.pending); n > 0 {
		p.latest = p.pending[n-1]
		p.pending = nil
	}
	return p.latest
}

func (p *updateProcess) lastSample() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastProgress
}

func (p *updateProcess) cached() UpdateProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Handle is the read-only view of an update process handed out by the
// Manager.
type Handle struct {
	p *updateProcess
}

func (h Handle) Details() ProcessDetails {
	return h.p.details
}

// CachedState is the state last drained by a reader; it never blocks.
func (h Handle) CachedState() hardware.UpdateState {
	return h.p.cached().State
}

// GetProgress returns the newest sample. A failed process returns its
// terminal error on every call.
func (h Handle) GetProgress(ctx context.Context) (UpdateProgress, error) {
	progress, err := h.p.provideLatestProgress(ctx)
	if err != nil {
		return progress, err
	}
	if progress.Error != nil {
		return progress, progress.Error
	}
	return progress, nil
}

func (h Handle) Summary(ctx context.Context) (ProcessSummary, error) {
	progress, err := h.GetProgress(ctx)
	return ProcessSummary{Details: h.p.details, Progress: progress}, err
}

// Wait blocks until the process reaches a terminal state or ctx is done.
func (h Handle) Wait(ctx context.Context) error {
	select {
	case <-h.p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
