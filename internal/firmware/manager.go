// Package firmware tracks background firmware updates, at most one per
// subsystem at a time. Processes stay retrievable by id for the lifetime of
// the Manager.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"github.com/KevinKickass/OpenLabCore/internal/tasks"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hardware is the part of the robot the Manager talks to.
type Hardware interface {
	StatusBar
	AttachedSubsystems(ctx context.Context) (map[hardware.Subsystem]hardware.SubsystemInfo, error)
	UpdateFirmware(ctx context.Context, subsystem hardware.Subsystem, report func(hardware.UpdateStatus)) error
}

type Manager struct {
	hw        Hardware
	runner    *tasks.Runner
	animation *AnimationHandler
	logger    *zap.Logger
	observe   func(ProcessSummary)

	byIDMu sync.Mutex
	byID   map[string]*updateProcess

	bySubsystemMu sync.Mutex
	bySubsystem   map[hardware.Subsystem]*updateProcess
}

func NewManager(hw Hardware, runner *tasks.Runner, logger *zap.Logger) *Manager {
	return &Manager{
		hw:          hw,
		runner:      runner,
		animation:   NewAnimationHandler(hw, logger),
		logger:      logger,
		byID:        make(map[string]*updateProcess),
		bySubsystem: make(map[hardware.Subsystem]*updateProcess),
	}
}

// SetProgressObserver registers fn to receive every progress sample. It is
// called from update goroutines and must not block. Set it before starting
// updates.
func (m *Manager) SetProgressObserver(fn func(ProcessSummary)) {
	m.observe = fn
}

// StartUpdate registers and launches an update, then waits up to
// startTimeout for its first progress sample. On timeout the update keeps
// running and the returned error has code TimeoutStartingUpdate.
func (m *Manager) StartUpdate(ctx context.Context, updateID string, sub hardware.Subsystem, createdAt time.Time, startTimeout time.Duration) (Handle, error) {
	attached, err := m.hw.AttachedSubsystems(ctx)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to read attached subsystems: %w", err)
	}
	if _, ok := attached[sub]; !ok {
		return Handle{}, types.NewError(types.ErrNotFound, CodeSubsystemNotFound,
			"Subsystem %s is not attached", sub)
	}

	p := newUpdateProcess(ProcessDetails{
		UpdateID:  updateID,
		Subsystem: sub,
		CreatedAt: createdAt,
	}, m.hw, m.logger, m.completed, m.observe)

	// The subsystem is claimed before the id is published, so a process
	// visible by id is always one that runs.
	if m.idTaken(updateID) {
		return Handle{}, updateIDExists()
	}

	m.bySubsystemMu.Lock()
	if _, busy := m.bySubsystem[sub]; busy {
		m.bySubsystemMu.Unlock()
		return Handle{}, types.NewError(types.ErrConflict, CodeUpdateInProgress,
			"Update for %s already in progress", sub)
	}
	m.bySubsystem[sub] = p
	m.bySubsystemMu.Unlock()

	m.byIDMu.Lock()
	if _, exists := m.byID[updateID]; exists {
		m.byIDMu.Unlock()
		m.release(sub, p)
		return Handle{}, updateIDExists()
	}
	m.byID[updateID] = p
	m.byIDMu.Unlock()

	m.animation.UpdateStarted(ctx, sub)

	if err := m.runner.Run("firmware-update-"+updateID, p.run); err != nil {
		m.release(sub, p)
		m.forget(updateID)
		m.animation.UpdateComplete(ctx, sub)
		return Handle{}, fmt.Errorf("failed to start update: %w", err)
	}

	m.logger.Info("Firmware update started",
		zap.String("update_id", updateID),
		zap.String("subsystem", string(sub)))

	waitCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	h := Handle{p: p}
	if _, err := p.provideLatestProgress(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return h, types.NewError(types.ErrTimeout, CodeTimeoutStartingUpdate,
				"update %s did not report progress within %s", updateID, startTimeout)
		}
		return h, err
	}
	return h, nil
}

func updateIDExists() error {
	return types.NewError(types.ErrConflict, CodeUpdateIDExists,
		"An update is already ongoing with this ID.")
}

func (m *Manager) idTaken(updateID string) bool {
	m.byIDMu.Lock()
	defer m.byIDMu.Unlock()
	_, exists := m.byID[updateID]
	return exists
}

// release frees sub if p still holds it.
func (m *Manager) release(sub hardware.Subsystem, p *updateProcess) {
	m.bySubsystemMu.Lock()
	defer m.bySubsystemMu.Unlock()
	if m.bySubsystem[sub] == p {
		delete(m.bySubsystem, sub)
	}
}

func (m *Manager) forget(updateID string) {
	m.byIDMu.Lock()
	delete(m.byID, updateID)
	m.byIDMu.Unlock()
}

// completed frees the subsystem. The id entry is kept.
func (m *Manager) completed(p *updateProcess) {
	sub := p.details.Subsystem

	m.bySubsystemMu.Lock()
	current, ok := m.bySubsystem[sub]
	if ok && current == p {
		delete(m.bySubsystem, sub)
	}
	m.bySubsystemMu.Unlock()

	if !ok || current != p {
		m.logger.Error("Update completed but was not registered for its subsystem",
			zap.String("update_id", p.details.UpdateID),
			zap.String("subsystem", string(sub)))
		return
	}

	progress := p.drain()
	m.animation.UpdateComplete(context.Background(), sub)

	m.logger.Info("Firmware update finished",
		zap.String("update_id", p.details.UpdateID),
		zap.String("subsystem", string(sub)),
		zap.String("state", string(progress.State)))
}

// HandleByID returns any update ever started, finished or not.
func (m *Manager) HandleByID(updateID string) (Handle, error) {
	m.byIDMu.Lock()
	defer m.byIDMu.Unlock()

	p, ok := m.byID[updateID]
	if !ok {
		return Handle{}, types.NewError(types.ErrNotFound, CodeUpdateIDNotFound,
			"No update with id %s", updateID)
	}
	return Handle{p: p}, nil
}

func (m *Manager) OngoingBySubsystem(sub hardware.Subsystem) (Handle, error) {
	m.bySubsystemMu.Lock()
	defer m.bySubsystemMu.Unlock()

	p, ok := m.bySubsystem[sub]
	if !ok {
		return Handle{}, types.NewError(types.ErrNotFound, CodeNoOngoingUpdate,
			"No ongoing update for %s", sub)
	}
	return Handle{p: p}, nil
}

func (m *Manager) Ongoing() []Handle {
	m.bySubsystemMu.Lock()
	handles := make([]Handle, 0, len(m.bySubsystem))
	for _, p := range m.bySubsystem {
		handles = append(handles, Handle{p: p})
	}
	m.bySubsystemMu.Unlock()

	sortHandles(handles)
	return handles
}

// All returns every update started since boot, oldest first.
func (m *Manager) All() []Handle {
	m.byIDMu.Lock()
	handles := make([]Handle, 0, len(m.byID))
	for _, p := range m.byID {
		handles = append(handles, Handle{p: p})
	}
	m.byIDMu.Unlock()

	sortHandles(handles)
	return handles
}

// Subsystems lists the attached subsystems and their firmware versions,
// ordered by name.
func (m *Manager) Subsystems(ctx context.Context) ([]hardware.SubsystemInfo, error) {
	attached, err := m.hw.AttachedSubsystems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read attached subsystems: %w", err)
	}
	out := make([]hardware.SubsystemInfo, 0, len(attached))
	for _, info := range attached {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subsystem < out[j].Subsystem })
	return out, nil
}

// Subsystem returns the status of one attached subsystem.
func (m *Manager) Subsystem(ctx context.Context, sub hardware.Subsystem) (hardware.SubsystemInfo, error) {
	attached, err := m.hw.AttachedSubsystems(ctx)
	if err != nil {
		return hardware.SubsystemInfo{}, fmt.Errorf("failed to read attached subsystems: %w", err)
	}
	info, ok := attached[sub]
	if !ok {
		return hardware.SubsystemInfo{}, types.NewError(types.ErrNotFound, CodeSubsystemNotFound,
			"Subsystem %s is not attached", sub)
	}
	return info, nil
}

func (m *Manager) UpdatesOngoing() bool {
	m.bySubsystemMu.Lock()
	defer m.bySubsystemMu.Unlock()
	return len(m.bySubsystem) > 0
}

func (m *Manager) MarkInitialized() {
	m.animation.MarkInitialized()
}

// UpdateAvailable starts an update for every attached subsystem whose
// firmware is out of date, waits for all of them, then marks the robot
// initialized. Individual failures are logged.
func (m *Manager) UpdateAvailable(ctx context.Context, startTimeout time.Duration) error {
	defer m.MarkInitialized()

	attached, err := m.hw.AttachedSubsystems(ctx)
	if err != nil {
		return fmt.Errorf("failed to read attached subsystems: %w", err)
	}

	var handles []Handle
	for sub, info := range attached {
		if !info.UpdateAvailable {
			continue
		}
		h, err := m.StartUpdate(ctx, uuid.NewString(), sub, time.Now().UTC(), startTimeout)
		if err != nil && types.CodeOf(err) != CodeTimeoutStartingUpdate {
			m.logger.Error("Failed to start startup update",
				zap.String("subsystem", string(sub)),
				zap.Error(err))
			continue
		}
		handles = append(handles, h)
	}

	for _, h := range handles {
		if err := h.Wait(ctx); err != nil {
			return err
		}
		if _, err := h.GetProgress(ctx); err != nil {
			m.logger.Error("Startup update failed",
				zap.String("subsystem", string(h.Details().Subsystem)),
				zap.Error(err))
		}
	}
	return nil
}

func sortHandles(handles []Handle) {
	sort.Slice(handles, func(i, j int) bool {
		a, b := handles[i].Details(), handles[j].Details()
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.UpdateID < b.UpdateID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
