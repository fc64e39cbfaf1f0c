// Package engine sequences the commands of a single run. It owns the command
// queues, the run state machine and the goroutine that executes commands one
// at a time through a CommandHandler.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CodeActionNotAllowed       = "ActionNotAllowed"
	CodeRobotDoorOpen          = "RobotDoorOpen"
	CodeRunStopped             = "RunStopped"
	CodeSetupCommandNotAllowed = "SetupCommandNotAllowed"
	CodeCommandNotAllowed      = "CommandNotAllowed"
	CodeCommandNotFound        = "CommandNotFound"
	CodeInvalidCommand         = "InvalidCommandParams"
)

type Options struct {
	BlockOnDoorOpen bool
	HomeAfterRun    bool
	// AutoFinish succeeds the run once the protocol queue drains while running.
	AutoFinish     bool
	RecoveryPolicy RecoveryPolicy
}

type CommandRequest struct {
	Spec            CommandSpec
	Intent          CommandIntent
	Key             string
	FailedCommandID string
}

type CommandPointer struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"createdAt"`
	Index     int       `json:"index"`
}

type CommandSlice struct {
	Commands    []Command
	Cursor      int
	TotalLength int
}

type ErrorSlice struct {
	Errors      []ErrorOccurrence
	Cursor      int
	TotalLength int
}

type Summary struct {
	Status                      Status            `json:"status"`
	Errors                      []ErrorOccurrence `json:"errors"`
	HasEverEnteredErrorRecovery bool              `json:"hasEverEnteredErrorRecovery"`
	StartedAt                   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt                 *time.Time        `json:"completedAt,omitempty"`
	LabwareOffsets              []LabwareOffset   `json:"labwareOffsets"`
	ReconciledFalsePositives    []string          `json:"reconciledFalsePositives,omitempty"`
}

type Engine struct {
	handler CommandHandler
	opts    Options
	logger  *zap.Logger

	mu sync.Mutex
	// changed is closed and replaced on every state mutation
	changed chan struct{}

	commands      []*Command
	index         map[string]int
	setupQueue    []string
	protocolQueue []string
	fixitQueue    []string
	runningID     string
	cancelRunning context.CancelFunc

	queueStatus      QueueStatus
	result           RunResult
	startedAt        *time.Time
	completedAt      *time.Time
	doorOpen         bool
	stoppedByEstop   bool
	failedCommandID  string
	recoveryTargetID string
	enteredRecovery  bool
	falsePositives   []string
	runError         *ErrorOccurrence
	finishError      *ErrorOccurrence
	combinedError    *ErrorOccurrence
	offsets          []LabwareOffset

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

func New(handler CommandHandler, opts Options, logger *zap.Logger) *Engine {
	if opts.RecoveryPolicy == nil {
		opts.RecoveryPolicy = NeverRecover
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		handler:     handler,
		opts:        opts,
		logger:      logger,
		changed:     make(chan struct{}),
		index:       make(map[string]int),
		queueStatus: QueueSetup,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the execution goroutine.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.wg.Add(1)
	go e.loop()
}

// Close aborts execution and waits for the execution goroutine to exit.
// Waiters are released with the state the engine was left in.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.notifyLocked()
}

// Changed returns a channel closed at the next state change.
func (e *Engine) Changed() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed
}

func (e *Engine) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func actionNotAllowed(format string, args ...any) error {
	return types.NewError(types.ErrConflict, CodeActionNotAllowed, format, args...)
}

func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.result != "" {
		return actionNotAllowed("the run has already stopped")
	}
	if e.doorBlockingLocked() {
		return types.NewError(types.ErrConflict, CodeRobotDoorOpen, "front door or top window is currently open")
	}

	switch e.queueStatus {
	case QueueAwaitingRecoveryPaused:
		e.queueStatus = QueueAwaitingRecovery
	case QueueAwaitingRecovery:
	default:
		e.queueStatus = QueueRunning
	}
	if e.startedAt == nil {
		now := time.Now().UTC()
		e.startedAt = &now
	}
	e.notifyLocked()
	return nil
}

func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.result != "" {
		return actionNotAllowed("the run has already stopped")
	}
	if e.queueStatus != QueueRunning {
		return actionNotAllowed("cannot pause a run that is not running")
	}
	e.queueStatus = QueuePaused
	e.notifyLocked()
	return nil
}

// ResumeFromRecovery leaves error recovery. With assumeFalsePositive the
// failed command is recorded as not having really failed.
func (e *Engine) ResumeFromRecovery(assumeFalsePositive bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.result != "" {
		return actionNotAllowed("the run has already stopped")
	}
	if e.statusLocked() != StatusAwaitingRecovery {
		return actionNotAllowed("cannot resume from recovery if the run is not in recovery mode")
	}
	if len(e.fixitQueue) > 0 {
		return actionNotAllowed("cannot resume from recovery while there are fixit commands in the queue")
	}

	if assumeFalsePositive && e.recoveryTargetID != "" {
		e.falsePositives = append(e.falsePositives, e.recoveryTargetID)
	}
	e.queueStatus = QueueRunning
	e.recoveryTargetID = ""
	e.notifyLocked()
	return nil
}

// Stop requests the run to stop. The running command is interrupted and
// the run finishes in the background; see WaitUntilDone.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.result != "" {
		return actionNotAllowed("the run has already stopped")
	}
	e.recoveryTargetID = ""
	e.queueStatus = QueuePaused
	e.result = ResultStopped
	if e.cancelRunning != nil {
		e.cancelRunning()
	}
	e.notifyLocked()
	return nil
}

// Estop force-fails the run after an emergency stop. It is a no-op once the
// run has finished.
func (e *Engine) Estop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.completedAt != nil {
		return
	}
	e.stoppedByEstop = true
	occ := NewErrorOccurrence(hardware.ErrEstopActivated)
	if e.result == "" {
		e.result = ResultFailed
		e.queueStatus = QueuePaused
		e.recoveryTargetID = ""
		e.runError = occ
	} else if e.finishError == nil {
		e.finishError = occ
	}
	if e.cancelRunning != nil {
		e.cancelRunning()
	}
	e.notifyLocked()
}

// SetDoorOpen records the door state. An open door pauses a running run
// when door blocking is enabled; closing it never resumes.
func (e *Engine) SetDoorOpen(open bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.doorOpen = open
	if e.doorBlockingLocked() && e.result == "" {
		switch e.queueStatus {
		case QueueRunning:
			e.queueStatus = QueuePaused
		case QueueAwaitingRecovery:
			e.queueStatus = QueueAwaitingRecoveryPaused
		}
	}
	e.notifyLocked()
}

func (e *Engine) doorBlockingLocked() bool {
	return e.opts.BlockOnDoorOpen && e.doorOpen
}

// AddCommand validates a request against the run state and enqueues it.
func (e *Engine) AddCommand(req CommandRequest) (Command, error) {
	if req.Spec == nil {
		return Command{}, types.NewError(types.ErrInvalid, CodeInvalidCommand, "command params are required")
	}
	if err := req.Spec.validate(); err != nil {
		return Command{}, types.NewError(types.ErrInvalid, CodeInvalidCommand, "%s", err)
	}
	if req.Intent == "" {
		req.Intent = IntentProtocol
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.result != "" {
		return Command{}, types.NewError(types.ErrConflict, CodeRunStopped, "the run has already stopped")
	}

	switch req.Intent {
	case IntentSetup:
		if e.queueStatus != QueueSetup && e.queueStatus != QueuePaused {
			return Command{}, types.NewError(types.ErrConflict, CodeSetupCommandNotAllowed,
				"setup commands are not allowed while the run is %s", e.statusLocked())
		}
	case IntentFixit:
		if e.queueStatus != QueueAwaitingRecovery {
			return Command{}, types.NewError(types.ErrConflict, CodeCommandNotAllowed,
				"fixit commands are not allowed when the run is not awaiting recovery")
		}
		if req.FailedCommandID != "" && req.FailedCommandID != e.recoveryTargetID {
			return Command{}, types.NewError(types.ErrConflict, CodeCommandNotAllowed,
				"failedCommandId %s is not the command being recovered", req.FailedCommandID)
		}
		req.FailedCommandID = e.recoveryTargetID
	case IntentProtocol:
		req.FailedCommandID = ""
	default:
		return Command{}, types.NewError(types.ErrInvalid, CodeInvalidCommand, "unknown intent %q", req.Intent)
	}

	id := uuid.NewString()
	key := req.Key
	if key == "" {
		key = id
	}
	cmd := &Command{
		ID:              id,
		Key:             key,
		CommandType:     req.Spec.CommandType(),
		Params:          req.Spec,
		Intent:          req.Intent,
		Status:          CommandQueued,
		CreatedAt:       time.Now().UTC(),
		FailedCommandID: req.FailedCommandID,
	}
	e.index[id] = len(e.commands)
	e.commands = append(e.commands, cmd)

	switch req.Intent {
	case IntentSetup:
		e.setupQueue = append(e.setupQueue, id)
	case IntentFixit:
		e.fixitQueue = append(e.fixitQueue, id)
	default:
		e.protocolQueue = append(e.protocolQueue, id)
	}
	e.notifyLocked()
	return *cmd, nil
}

func (e *Engine) loop() {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		if e.completedAt != nil {
			e.mu.Unlock()
			return
		}
		if e.result != "" {
			e.mu.Unlock()
			e.finish()
			continue
		}
		if e.opts.AutoFinish && e.queueStatus == QueueRunning &&
			len(e.protocolQueue) == 0 && len(e.setupQueue) == 0 {
			e.result = ResultSucceeded
			e.queueStatus = QueuePaused
			e.notifyLocked()
			e.mu.Unlock()
			continue
		}

		cmd := e.nextLocked()
		if cmd == nil {
			wait := e.changed
			e.mu.Unlock()
			select {
			case <-wait:
			case <-e.ctx.Done():
				return
			}
			continue
		}

		now := time.Now().UTC()
		cmd.Status = CommandRunning
		cmd.StartedAt = &now
		e.runningID = cmd.ID
		cmdCtx, cancel := context.WithCancel(e.ctx)
		e.cancelRunning = cancel
		id, spec := cmd.ID, cmd.Params
		e.notifyLocked()
		e.mu.Unlock()

		result, err := e.execute(cmdCtx, spec)
		cancel()
		e.complete(id, result, err)
	}
}

// nextLocked pops the next command allowed to execute: fixit commands while
// awaiting recovery, then setup commands, then protocol commands while
// running.
func (e *Engine) nextLocked() *Command {
	pop := func(q *[]string) *Command {
		id := (*q)[0]
		*q = (*q)[1:]
		return e.commands[e.index[id]]
	}

	if e.queueStatus == QueueAwaitingRecovery && len(e.fixitQueue) > 0 {
		return pop(&e.fixitQueue)
	}
	if e.queueStatus != QueueAwaitingRecovery && e.queueStatus != QueueAwaitingRecoveryPaused &&
		len(e.setupQueue) > 0 {
		return pop(&e.setupQueue)
	}
	if e.queueStatus == QueueRunning && len(e.protocolQueue) > 0 {
		return pop(&e.protocolQueue)
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, spec CommandSpec) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %s panicked: %v", spec.CommandType(), r)
		}
	}()
	return spec.accept(ctx, e.handler)
}

func (e *Engine) complete(id string, result any, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.notifyLocked()

	cmd := e.commands[e.index[id]]
	now := time.Now().UTC()
	cmd.CompletedAt = &now
	e.runningID = ""
	e.cancelRunning = nil

	if err == nil {
		cmd.Status = CommandSucceeded
		cmd.Result = result
		if _, ok := cmd.Params.(WaitForResumeParams); ok && cmd.Intent == IntentProtocol &&
			e.result == "" && e.queueStatus == QueueRunning {
			e.queueStatus = QueuePaused
		}
		return
	}

	occ := NewErrorOccurrence(err)
	cmd.Status = CommandFailed
	cmd.Error = occ
	e.failedCommandID = id

	e.logger.Warn("Command failed",
		zap.String("command_id", id),
		zap.String("command_type", cmd.CommandType),
		zap.String("intent", string(cmd.Intent)),
		zap.Error(err))

	if e.result != "" {
		return
	}

	switch cmd.Intent {
	case IntentSetup:
		e.failQueuedLocked(&e.setupQueue, occ, now)
	case IntentFixit:
		e.failQueuedLocked(&e.fixitQueue, occ, now)
	default:
		switch e.opts.RecoveryPolicy(*cmd, err) {
		case RecoveryWaitForRecovery:
			if e.queueStatus == QueuePaused {
				e.queueStatus = QueueAwaitingRecoveryPaused
			} else {
				e.queueStatus = QueueAwaitingRecovery
			}
			e.recoveryTargetID = id
			e.enteredRecovery = true
		case RecoveryIgnoreAndContinue:
		default:
			e.failQueuedLocked(&e.protocolQueue, occ, now)
			e.result = ResultFailed
			e.queueStatus = QueuePaused
			e.runError = &ErrorOccurrence{
				ID:            uuid.NewString(),
				CreatedAt:     now,
				ErrorType:     "ProtocolCommandFailed",
				Detail:        fmt.Sprintf("%s command failed", cmd.CommandType),
				WrappedErrors: []ErrorOccurrence{*occ},
			}
		}
	}
}

func (e *Engine) failQueuedLocked(queue *[]string, occ *ErrorOccurrence, now time.Time) {
	for _, id := range *queue {
		cmd := e.commands[e.index[id]]
		cmd.Status = CommandFailed
		cmd.Error = occ
		cmd.CompletedAt = &now
	}
	*queue = nil
}

// finish runs the post-run steps and marks the run completed.
func (e *Engine) finish() {
	e.mu.Lock()
	home := e.opts.HomeAfterRun && e.startedAt != nil && !e.stoppedByEstop
	ctx, cancel := context.WithCancel(e.ctx)
	e.cancelRunning = cancel
	e.mu.Unlock()

	var homeErr error
	if home {
		_, homeErr = e.execute(ctx, HomeParams{})
	}
	cancel()

	e.mu.Lock()
	e.cancelRunning = nil
	if homeErr != nil && e.finishError == nil && !e.stoppedByEstop {
		e.finishError = NewErrorOccurrence(homeErr)
	}
	now := time.Now().UTC()
	e.completedAt = &now
	if e.runError != nil && e.finishError != nil {
		e.combinedError = &ErrorOccurrence{
			ID:            uuid.NewString(),
			CreatedAt:     now,
			ErrorType:     "RunAndFinishFailed",
			Detail:        "the run and its post-run steps both failed",
			WrappedErrors: []ErrorOccurrence{*e.runError, *e.finishError},
		}
	}
	status := e.statusLocked()
	e.notifyLocked()
	e.mu.Unlock()

	e.logger.Info("Run finished", zap.String("status", string(status)))
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	if e.result != "" {
		if e.completedAt != nil {
			switch {
			case e.result == ResultFailed || e.finishError != nil:
				return StatusFailed
			case e.result == ResultSucceeded:
				return StatusSucceeded
			default:
				return StatusStopped
			}
		}
		if e.result == ResultStopped {
			return StatusStopRequested
		}
		return StatusFinishing
	}

	switch e.queueStatus {
	case QueueRunning:
		return StatusRunning
	case QueuePaused:
		if e.doorBlockingLocked() {
			return StatusBlockedByOpenDoor
		}
		return StatusPaused
	case QueueAwaitingRecoveryPaused:
		if e.doorBlockingLocked() {
			return StatusAwaitingRecoveryBlockedByOpenDoor
		}
		return StatusAwaitingRecoveryPaused
	case QueueAwaitingRecovery:
		return StatusAwaitingRecovery
	}
	return StatusIdle
}

// HasStarted reports whether the run was ever played.
func (e *Engine) HasStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startedAt != nil
}

// IsOkayToClear reports whether the run is finished or sitting idle.
func (e *Engine) IsOkayToClear() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := e.statusLocked()
	if status.IsTerminal() {
		return true
	}
	return status == StatusIdle && e.runningID == "" && len(e.setupQueue) == 0
}

func (e *Engine) Command(id string) (Command, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, ok := e.index[id]
	if !ok {
		return Command{}, types.NewError(types.ErrNotFound, CodeCommandNotFound, "command %s not found", id)
	}
	return *e.commands[i], nil
}

// Commands returns every command in enqueue order.
func (e *Engine) Commands() []Command {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Command, len(e.commands))
	for i, c := range e.commands {
		out[i] = *c
	}
	return out
}

func (e *Engine) isFinalLocked(c *Command) bool {
	if e.closed {
		// nothing runs on a closed engine
		return true
	}
	switch c.Status {
	case CommandSucceeded, CommandFailed:
		return true
	case CommandQueued:
		// a stopped run never reaches its queued commands
		return e.result != ""
	}
	return false
}

// WaitForCommand blocks until the command is final or timeout elapses.
// A timeout of zero waits indefinitely. Timing out is not an error: the
// command is returned in its current state and keeps executing.
func (e *Engine) WaitForCommand(ctx context.Context, id string, timeout time.Duration) (Command, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		e.mu.Lock()
		i, ok := e.index[id]
		if !ok {
			e.mu.Unlock()
			return Command{}, types.NewError(types.ErrNotFound, CodeCommandNotFound, "command %s not found", id)
		}
		cmd := e.commands[i]
		snapshot, final, wait := *cmd, e.isFinalLocked(cmd), e.changed
		e.mu.Unlock()

		if final {
			return snapshot, nil
		}
		select {
		case <-wait:
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return snapshot, err
			}
			return snapshot, nil
		}
	}
}

// WaitUntilDone blocks until the run has finished its post-run steps.
func (e *Engine) WaitUntilDone(ctx context.Context) error {
	for {
		e.mu.Lock()
		done, wait := e.completedAt != nil || e.closed, e.changed
		e.mu.Unlock()

		if done {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Slice returns a page of commands. A nil cursor centers the page on the
// running command, or on the most recently executed one.
func (e *Engine) Slice(cursor *int, length int) CommandSlice {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := len(e.commands)
	var c int
	if cursor != nil {
		c = *cursor
	} else {
		c = e.autoCursorLocked(total, length)
	}

	start, stop := sliceBounds(c, total, length)
	out := make([]Command, 0, stop-start)
	for _, cmd := range e.commands[start:stop] {
		out = append(out, *cmd)
	}
	return CommandSlice{Commands: out, Cursor: start, TotalLength: total}
}

// SliceCommands pages through the commands of a run that is no longer
// live. A nil cursor selects the last page.
func SliceCommands(cmds []Command, cursor *int, length int) CommandSlice {
	total := len(cmds)
	c := total - length
	if cursor != nil {
		c = *cursor
	}
	start, stop := sliceBounds(c, total, length)
	return CommandSlice{
		Commands:    append([]Command{}, cmds[start:stop]...),
		Cursor:      start,
		TotalLength: total,
	}
}

func sliceBounds(cursor, total, length int) (int, int) {
	start := max(0, min(cursor, total-1))
	stop := max(start, min(total, start+length))
	return start, stop
}

func (e *Engine) autoCursorLocked(total, length int) int {
	if e.runningID != "" {
		return e.index[e.runningID]
	}
	for i, cmd := range e.commands {
		if cmd.Status == CommandQueued {
			return i - 1
		}
	}
	if e.result == ResultFailed && e.failedCommandID != "" {
		return e.index[e.failedCommandID]
	}
	return total - length
}

// ErrorSlice pages through the distinct errors of failed commands.
func (e *Engine) ErrorSlice(cursor, length int) ErrorSlice {
	return SliceErrors(e.Commands(), cursor, length)
}

// SliceErrors pages through the distinct command errors of cmds.
func SliceErrors(cmds []Command, cursor, length int) ErrorSlice {
	var all []ErrorOccurrence
	seen := make(map[string]bool)
	for _, cmd := range cmds {
		if cmd.Error == nil || seen[cmd.Error.ID] {
			continue
		}
		seen[cmd.Error.ID] = true
		all = append(all, *cmd.Error)
	}

	start, stop := sliceBounds(cursor, len(all), length)
	return ErrorSlice{Errors: all[start:stop], Cursor: start, TotalLength: len(all)}
}

// Current points at the running command, or the last finished one.
func (e *Engine) Current() *CommandPointer {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runningID != "" {
		return e.pointerLocked(e.runningID)
	}
	for i := len(e.commands) - 1; i >= 0; i-- {
		if s := e.commands[i].Status; s == CommandSucceeded || s == CommandFailed {
			return e.pointerLocked(e.commands[i].ID)
		}
	}
	return nil
}

// RecoveryTarget points at the failed command being recovered, if any.
func (e *Engine) RecoveryTarget() *CommandPointer {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.recoveryTargetID == "" {
		return nil
	}
	return e.pointerLocked(e.recoveryTargetID)
}

func (e *Engine) pointerLocked(id string) *CommandPointer {
	i := e.index[id]
	c := e.commands[i]
	return &CommandPointer{ID: c.ID, Key: c.Key, CreatedAt: c.CreatedAt, Index: i}
}

func (e *Engine) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Summary{
		Status:                      e.statusLocked(),
		Errors:                      []ErrorOccurrence{},
		HasEverEnteredErrorRecovery: e.enteredRecovery,
		StartedAt:                   e.startedAt,
		CompletedAt:                 e.completedAt,
		LabwareOffsets:              append([]LabwareOffset{}, e.offsets...),
		ReconciledFalsePositives:    append([]string(nil), e.falsePositives...),
	}
	switch {
	case e.combinedError != nil:
		s.Errors = append(s.Errors, *e.combinedError)
	case e.runError != nil:
		s.Errors = append(s.Errors, *e.runError)
	case e.finishError != nil:
		s.Errors = append(s.Errors, *e.finishError)
	}
	return s
}
