package deletion

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
)

// ProtocolStore is the part of the protocol collection the deleter needs.
type ProtocolStore interface {
	// ProtocolUsage lists protocols of the given kind, oldest first.
	ProtocolUsage(ctx context.Context, kind string) ([]ProtocolUsage, error)
	DeleteProtocol(ctx context.Context, protocolID string) error
}

// RunStore is the part of the run collection the deleter needs.
type RunStore interface {
	// RunIDs lists stored run ids, oldest first.
	RunIDs(ctx context.Context) ([]string, error)
	DeleteRun(ctx context.Context, runID string) error
}

type ProtocolAutoDeleter struct {
	store     ProtocolStore
	kind      string
	maxUnused int
	logger    *zap.Logger
}

func NewProtocolAutoDeleter(store ProtocolStore, kind string, maxUnused int, logger *zap.Logger) *ProtocolAutoDeleter {
	return &ProtocolAutoDeleter{
		store:     store,
		kind:      kind,
		maxUnused: maxUnused,
		logger:    logger,
	}
}

// MakeRoomForNewProtocol deletes unused protocols of the deleter's kind until
// one more fits. State is re-read on every call.
func (d *ProtocolAutoDeleter) MakeRoomForNewProtocol(ctx context.Context) error {
	usage, err := d.store.ProtocolUsage(ctx, d.kind)
	if err != nil {
		return fmt.Errorf("failed to read protocol usage: %w", err)
	}

	for _, id := range PlanForNewProtocol(usage, d.maxUnused) {
		d.logger.Info("Auto-deleting protocol",
			zap.String("protocol_id", id),
			zap.String("kind", d.kind))

		if err := d.store.DeleteProtocol(ctx, id); err != nil {
			// A run may have claimed the protocol since usage was read.
			if errors.Is(err, types.ErrConflict) || errors.Is(err, types.ErrNotFound) {
				d.logger.Warn("Skipping protocol auto-deletion",
					zap.String("protocol_id", id),
					zap.Error(err))
				continue
			}
			return fmt.Errorf("failed to delete protocol %s: %w", id, err)
		}
	}
	return nil
}

type RunAutoDeleter struct {
	store   RunStore
	maxRuns int
	logger  *zap.Logger
}

func NewRunAutoDeleter(store RunStore, maxRuns int, logger *zap.Logger) *RunAutoDeleter {
	return &RunAutoDeleter{store: store, maxRuns: maxRuns, logger: logger}
}

// MakeRoomForNewRun deletes the oldest runs until one more fits.
func (d *RunAutoDeleter) MakeRoomForNewRun(ctx context.Context) error {
	ids, err := d.store.RunIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to read run ids: %w", err)
	}

	for _, id := range PlanForNewRun(ids, d.maxRuns) {
		d.logger.Info("Auto-deleting run", zap.String("run_id", id))
		if err := d.store.DeleteRun(ctx, id); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return fmt.Errorf("failed to delete run %s: %w", id, err)
		}
	}
	return nil
}
