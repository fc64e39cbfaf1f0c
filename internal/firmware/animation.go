package firmware

import (
	"context"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"go.uber.org/zap"
)

type StatusBar interface {
	SetStatusBarState(ctx context.Context, state hardware.StatusBarState) error
}

// AnimationHandler drives the status bar while updates run. The rear panel
// owns the bar, so nothing is written while it is being updated.
type AnimationHandler struct {
	bar    StatusBar
	logger *zap.Logger

	mu          sync.Mutex
	initialized bool
	inProgress  map[hardware.Subsystem]struct{}
}

func NewAnimationHandler(bar StatusBar, logger *zap.Logger) *AnimationHandler {
	return &AnimationHandler{
		bar:        bar,
		logger:     logger,
		inProgress: make(map[hardware.Subsystem]struct{}),
	}
}

// MarkInitialized records that startup updates are over; the bar returns to
// idle instead of off when the last update completes.
func (a *AnimationHandler) MarkInitialized() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initialized = true
}

func (a *AnimationHandler) UpdateStarted(ctx context.Context, sub hardware.Subsystem) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.inProgress[sub] = struct{}{}
	if _, ok := a.inProgress[hardware.SubsystemRearPanel]; ok {
		return
	}
	if len(a.inProgress) == 1 {
		a.set(ctx, hardware.StatusBarUpdating)
	}
}

func (a *AnimationHandler) UpdateComplete(ctx context.Context, sub hardware.Subsystem) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.inProgress, sub)
	if _, ok := a.inProgress[hardware.SubsystemRearPanel]; ok {
		return
	}

	switch {
	case len(a.inProgress) > 0 && sub == hardware.SubsystemRearPanel:
		a.set(ctx, hardware.StatusBarUpdating)
	case len(a.inProgress) == 0 && a.initialized:
		a.set(ctx, hardware.StatusBarIdle)
	case len(a.inProgress) == 0:
		a.set(ctx, hardware.StatusBarOff)
	}
}

// Active reports whether any update currently owns the bar.
func (a *AnimationHandler) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inProgress) > 0
}

func (a *AnimationHandler) set(ctx context.Context, state hardware.StatusBarState) {
	if err := a.bar.SetStatusBarState(ctx, state); err != nil {
		a.logger.Warn("Failed to set status bar",
			zap.String("state", string(state)),
			zap.Error(err))
	}
}
