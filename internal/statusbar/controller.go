// Package statusbar keeps the robot's light bar in step with the current
// run and the emergency stop.
package statusbar

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/engine"
	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"go.uber.org/zap"
)

type RunSource interface {
	CurrentStatus() (engine.Status, bool)
}

type Hardware interface {
	EstopState() hardware.EstopState
	SetStatusBarState(ctx context.Context, state hardware.StatusBarState) error
}

// UpdateTracker reports whether firmware updates own the bar right now.
type UpdateTracker interface {
	UpdatesOngoing() bool
}

var runStatusStates = map[engine.Status]hardware.StatusBarState{
	engine.StatusIdle:                              hardware.StatusBarIdle,
	engine.StatusRunning:                           hardware.StatusBarRunning,
	engine.StatusFinishing:                         hardware.StatusBarRunning,
	engine.StatusPaused:                            hardware.StatusBarPaused,
	engine.StatusBlockedByOpenDoor:                 hardware.StatusBarPaused,
	engine.StatusAwaitingRecovery:                  hardware.StatusBarPaused,
	engine.StatusAwaitingRecoveryPaused:            hardware.StatusBarPaused,
	engine.StatusAwaitingRecoveryBlockedByOpenDoor: hardware.StatusBarPaused,
	engine.StatusStopRequested:                     hardware.StatusBarUpdating,
	engine.StatusStopped:                           hardware.StatusBarIdle,
	engine.StatusFailed:                            hardware.StatusBarHardwareError,
	engine.StatusSucceeded:                         hardware.StatusBarRunCompleted,
}

type combinedStatus struct {
	run    engine.Status
	hasRun bool
	estop  bool
}

func (c combinedStatus) barState() hardware.StatusBarState {
	if c.estop {
		return hardware.StatusBarHardwareError
	}
	if !c.hasRun {
		return hardware.StatusBarIdle
	}
	if state, ok := runStatusStates[c.run]; ok {
		return state
	}
	return hardware.StatusBarIdle
}

// Controller polls the run and estop state and writes the bar only when the
// combination changes.
type Controller struct {
	runs     RunSource
	hw       Hardware
	updates  UpdateTracker
	interval time.Duration
	logger   *zap.Logger
	observer func(hardware.StatusBarState)

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex

	// last combined status written to the bar; nil forces the next write
	lastMu sync.Mutex
	last   *combinedStatus
}

func NewController(runs RunSource, hw Hardware, updates UpdateTracker, interval time.Duration, logger *zap.Logger) *Controller {
	return &Controller{
		runs:     runs,
		hw:       hw,
		updates:  updates,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// SetObserver registers fn to be called with every state written to the bar.
func (c *Controller) SetObserver(fn func(hardware.StatusBarState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.wg.Add(1)

	go c.pollLoop()

	c.logger.Info("Status bar controller started", zap.Duration("interval", c.interval))
}

func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.logger.Info("Status bar controller stopped")
}

func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) pollLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.poll()
		}
	}
}

func (c *Controller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Error("Status bar update failed", zap.Error(err))
	}
}

// Refresh recomputes the combined status and writes the bar if it changed.
// It reports whether a write happened.
func (c *Controller) Refresh(ctx context.Context) (bool, error) {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()

	if c.updates != nil && c.updates.UpdatesOngoing() {
		// the update animation owns the bar; rewrite it once updates end
		c.last = nil
		return false, nil
	}

	status, hasRun := c.runs.CurrentStatus()
	current := combinedStatus{
		run:    status,
		hasRun: hasRun,
		estop:  c.hw.EstopState().Engaged(),
	}
	if c.last != nil && *c.last == current {
		return false, nil
	}

	state := current.barState()
	if err := c.hw.SetStatusBarState(ctx, state); err != nil {
		c.last = nil
		return false, err
	}
	c.last = &current

	c.logger.Debug("Status bar changed",
		zap.String("state", string(state)),
		zap.String("run_status", string(status)),
		zap.Bool("estop", current.estop))

	c.mu.Lock()
	observer := c.observer
	c.mu.Unlock()
	if observer != nil {
		observer(state)
	}
	return true, nil
}
