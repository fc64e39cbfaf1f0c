package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/deletion"
	"github.com/KevinKickass/OpenLabCore/internal/engine"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service combines the live orchestrator with the persisted run history.
type Service struct {
	orch      *Orchestrator
	store     Store
	protocols ProtocolLoader
	deleter   *deletion.RunAutoDeleter
	logger    *zap.Logger
}

func NewService(orch *Orchestrator, store Store, protocols ProtocolLoader, maxRuns int, logger *zap.Logger) *Service {
	return &Service{
		orch:      orch,
		store:     store,
		protocols: protocols,
		deleter:   deletion.NewRunAutoDeleter(store, maxRuns, logger),
		logger:    logger,
	}
}

// Create starts a new current run, archiving an idle or finished previous
// one and deleting the oldest runs beyond the configured maximum.
func (s *Service) Create(ctx context.Context, req RunCreate) (Run, error) {
	var protocol *LoadedProtocol
	if req.ProtocolID != "" {
		p, err := s.protocols.LoadProtocol(ctx, req.ProtocolID)
		if err != nil {
			return Run{}, err
		}
		protocol = &p
	}

	rec := Record{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		ProtocolID: req.ProtocolID,
	}

	snap, err := s.orch.Create(ctx, rec.ID, rec.CreatedAt, protocol, req.LabwareOffsets)
	if err != nil {
		return Run{}, err
	}

	if err := s.deleter.MakeRoomForNewRun(ctx); err != nil {
		s.logger.Error("Run auto-deletion failed", zap.Error(err))
	}

	if err := s.store.InsertRun(ctx, rec); err != nil {
		if _, cerr := s.orch.Clear(ctx); cerr != nil {
			s.logger.Error("Failed to discard unsaved run",
				zap.String("run_id", rec.ID),
				zap.Error(cerr))
		}
		return Run{}, fmt.Errorf("failed to save run: %w", err)
	}

	return buildRun(rec, &snap.Summary, true), nil
}

func (s *Service) Get(ctx context.Context, runID string) (Run, error) {
	rec, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	return s.view(rec), nil
}

func (s *Service) List(ctx context.Context) ([]Run, error) {
	recs, err := s.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.view(rec))
	}
	return out, nil
}

func (s *Service) view(rec Record) Run {
	if snap, ok := s.orch.Snapshot(rec.ID); ok {
		return buildRun(rec, &snap.Summary, true)
	}
	return buildRun(rec, rec.Summary, false)
}

func buildRun(rec Record, summary *engine.Summary, current bool) Run {
	run := Run{
		ID:             rec.ID,
		CreatedAt:      rec.CreatedAt,
		Current:        current,
		Actions:        append([]Action{}, rec.Actions...),
		Errors:         []engine.ErrorOccurrence{},
		LabwareOffsets: []engine.LabwareOffset{},
		ProtocolID:     rec.ProtocolID,
		Status:         engine.StatusStopped,
	}
	if summary == nil {
		// never archived: the process went away while it was current
		return run
	}
	run.Status = summary.Status
	run.Errors = append(run.Errors, summary.Errors...)
	run.HasEverEnteredErrorRecovery = summary.HasEverEnteredErrorRecovery
	run.LabwareOffsets = append(run.LabwareOffsets, summary.LabwareOffsets...)
	run.StartedAt = summary.StartedAt
	run.CompletedAt = summary.CompletedAt
	return run
}

// SetCurrent handles PATCH current. Only current=false, which clears the
// run, changes anything.
func (s *Service) SetCurrent(ctx context.Context, runID string, current bool) (Run, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return Run{}, err
	}
	if s.orch.CurrentID() != runID {
		return Run{}, types.NewError(types.ErrConflict, CodeRunNotCurrent,
			"run %s is not the current run", runID)
	}
	if !current {
		if _, err := s.orch.Clear(ctx); err != nil {
			return Run{}, err
		}
	}
	return s.Get(ctx, runID)
}

// Delete removes a run. The current run must be clearable.
func (s *Service) Delete(ctx context.Context, runID string) error {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return err
	}
	if s.orch.CurrentID() == runID {
		if _, err := s.orch.Clear(ctx); err != nil {
			return err
		}
	}
	return s.store.DeleteRun(ctx, runID)
}

// Act applies a client action to the current run and records it.
func (s *Service) Act(ctx context.Context, runID string, actionType ActionType) (Action, error) {
	if err := s.ensureExists(ctx, runID); err != nil {
		return Action{}, err
	}

	var err error
	switch actionType {
	case ActionPlay:
		err = s.orch.Play(runID)
	case ActionPause:
		err = s.orch.Pause(runID)
	case ActionStop:
		err = s.orch.Stop(ctx, runID)
	case ActionResumeFromRecovery:
		err = s.orch.ResumeFromRecovery(runID, false)
	case ActionResumeFromRecoveryAssumingFalsePositive:
		err = s.orch.ResumeFromRecovery(runID, true)
	default:
		err = types.NewError(types.ErrInvalid, CodeInvalidAction, "unknown action %q", actionType)
	}
	if err != nil {
		return Action{}, err
	}

	action := Action{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		ActionType: actionType,
	}
	if err := s.store.InsertAction(ctx, runID, action); err != nil {
		return Action{}, fmt.Errorf("failed to record action: %w", err)
	}

	s.logger.Info("Run action applied",
		zap.String("run_id", runID),
		zap.String("action", string(actionType)))
	return action, nil
}

// AddCommand enqueues a command on the current run. With wait set, it
// blocks until the command is final or timeout elapses; zero waits
// indefinitely.
func (s *Service) AddCommand(ctx context.Context, runID string, req engine.CommandRequest, wait bool, timeout time.Duration) (engine.Command, error) {
	if err := s.ensureExists(ctx, runID); err != nil {
		return engine.Command{}, err
	}

	cmd, err := s.orch.AddCommand(runID, req)
	if err != nil {
		if types.CodeOf(err) == CodeRunNotCurrent {
			return engine.Command{}, types.NewError(types.ErrConflict, engine.CodeRunStopped,
				"run %s is not current and no longer accepts commands", runID)
		}
		return engine.Command{}, err
	}
	if !wait {
		return cmd, nil
	}
	return s.orch.WaitForCommand(ctx, runID, cmd.ID, timeout)
}

func (s *Service) Command(ctx context.Context, runID, commandID string) (engine.Command, error) {
	if e, ok := s.orch.Live(runID); ok {
		return e.Command(commandID)
	}
	rec, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return engine.Command{}, err
	}
	for _, cmd := range rec.Commands {
		if cmd.ID == commandID {
			return cmd, nil
		}
	}
	return engine.Command{}, types.NewError(types.ErrNotFound, engine.CodeCommandNotFound,
		"command %s not found", commandID)
}

func (s *Service) Commands(ctx context.Context, runID string, cursor *int, length int) (CommandPage, error) {
	if e, ok := s.orch.Live(runID); ok {
		return CommandPage{
			CommandSlice:   e.Slice(cursor, length),
			Current:        e.Current(),
			RecoveryTarget: e.RecoveryTarget(),
		}, nil
	}
	rec, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return CommandPage{}, err
	}
	return CommandPage{CommandSlice: engine.SliceCommands(rec.Commands, cursor, length)}, nil
}

func (s *Service) CommandErrors(ctx context.Context, runID string, cursor, length int) (engine.ErrorSlice, error) {
	if e, ok := s.orch.Live(runID); ok {
		return e.ErrorSlice(cursor, length), nil
	}
	rec, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return engine.ErrorSlice{}, err
	}
	return engine.SliceErrors(rec.Commands, cursor, length), nil
}

func (s *Service) AddLabwareOffset(ctx context.Context, runID string, req engine.LabwareOffsetCreate) (engine.LabwareOffset, error) {
	if err := s.ensureExists(ctx, runID); err != nil {
		return engine.LabwareOffset{}, err
	}
	off, err := s.orch.AddLabwareOffset(runID, req)
	if types.CodeOf(err) == CodeRunNotCurrent {
		return engine.LabwareOffset{}, types.NewError(types.ErrConflict, engine.CodeRunStopped,
			"run %s is not current", runID)
	}
	return off, err
}

func (s *Service) ensureExists(ctx context.Context, runID string) error {
	if s.orch.CurrentID() == runID {
		return nil
	}
	_, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, types.ErrNotFound) {
		return types.NewError(types.ErrNotFound, CodeRunNotFound, "run %s not found", runID)
	}
	return err
}
