package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"go.uber.org/zap"
)

// HardwareExecutor runs commands against the robot's motion primitives.
type HardwareExecutor struct {
	motion hardware.Motion
	logger *zap.Logger
}

func NewHardwareExecutor(motion hardware.Motion, logger *zap.Logger) *HardwareExecutor {
	return &HardwareExecutor{motion: motion, logger: logger}
}

type VolumeResult struct {
	Volume float64 `json:"volume"`
}

type PositionResult struct {
	LabwareID string `json:"labwareId"`
	WellName  string `json:"wellName"`
}

func (e *HardwareExecutor) Home(ctx context.Context, p HomeParams) (any, error) {
	if err := e.motion.Home(ctx, p.Axes); err != nil {
		return nil, fmt.Errorf("home failed: %w", err)
	}
	return nil, nil
}

func (e *HardwareExecutor) MoveToWell(ctx context.Context, p MoveToWellParams) (any, error) {
	if err := e.motion.MoveToWell(ctx, p.Mount, p.WellLocation); err != nil {
		return nil, fmt.Errorf("move to well failed: %w", err)
	}
	return PositionResult{LabwareID: p.LabwareID, WellName: p.WellName}, nil
}

func (e *HardwareExecutor) PickUpTip(ctx context.Context, p PickUpTipParams) (any, error) {
	if err := e.motion.MoveToWell(ctx, p.Mount, p.WellLocation); err != nil {
		return nil, fmt.Errorf("move to tip failed: %w", err)
	}
	if err := e.motion.PickUpTip(ctx, p.Mount, p.WellLocation); err != nil {
		return nil, fmt.Errorf("pick up tip failed: %w", err)
	}
	return PositionResult{LabwareID: p.LabwareID, WellName: p.WellName}, nil
}

func (e *HardwareExecutor) DropTip(ctx context.Context, p DropTipParams) (any, error) {
	if err := e.motion.DropTip(ctx, p.Mount, p.WellLocation); err != nil {
		return nil, fmt.Errorf("drop tip failed: %w", err)
	}
	return PositionResult{LabwareID: p.LabwareID, WellName: p.WellName}, nil
}

func (e *HardwareExecutor) Aspirate(ctx context.Context, p AspirateParams) (any, error) {
	if err := e.motion.Aspirate(ctx, p.Mount, p.Volume, p.FlowRate); err != nil {
		return nil, fmt.Errorf("aspirate failed: %w", err)
	}
	return VolumeResult{Volume: p.Volume}, nil
}

func (e *HardwareExecutor) Dispense(ctx context.Context, p DispenseParams) (any, error) {
	if err := e.motion.Dispense(ctx, p.Mount, p.Volume, p.FlowRate); err != nil {
		return nil, fmt.Errorf("dispense failed: %w", err)
	}
	return VolumeResult{Volume: p.Volume}, nil
}

func (e *HardwareExecutor) WaitForDuration(ctx context.Context, p WaitForDurationParams) (any, error) {
	timer := time.NewTimer(time.Duration(p.Seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

func (e *HardwareExecutor) WaitForResume(ctx context.Context, p WaitForResumeParams) (any, error) {
	return nil, nil
}

func (e *HardwareExecutor) Comment(ctx context.Context, p CommentParams) (any, error) {
	e.logger.Info("Protocol comment", zap.String("message", p.Message))
	return nil, nil
}
