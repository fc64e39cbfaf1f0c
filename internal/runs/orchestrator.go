// Package runs owns the single current run and the persisted run history.
package runs

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/engine"
	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
)

// EventSource is the hardware side the orchestrator listens to.
type EventSource interface {
	RegisterCallback(cb func(hardware.Event)) (unregister func())
	DoorOpen() bool
}

type Options struct {
	BlockOnDoorOpen     bool
	HomeAfterRun        bool
	EnableErrorRecovery bool
	EventBufferSize     int
}

// Snapshot is the live state of the current run.
type Snapshot struct {
	ID         string
	ProtocolID string
	CreatedAt  time.Time
	Summary    engine.Summary
}

type liveRun struct {
	id         string
	protocolID string
	createdAt  time.Time
	engine     *engine.Engine
	stopWatch  chan struct{}
	watchDone  chan struct{}
}

// Orchestrator holds the current run and its execution engine. At most one
// run is current at any time.
type Orchestrator struct {
	handler  engine.CommandHandler
	hw       EventSource
	archiver Archiver
	opts     Options
	logger   *zap.Logger
	observer func(StatusEvent)

	events     chan hardware.Event
	unregister func()
	stopChan   chan struct{}
	wg         sync.WaitGroup
	running    bool
	runMu      sync.Mutex

	// opMu serializes lifecycle transitions. A caller that finds it held is
	// refused rather than queued.
	opMu sync.Mutex

	mu      sync.Mutex
	current *liveRun
}

func NewOrchestrator(handler engine.CommandHandler, hw EventSource, archiver Archiver, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.EventBufferSize < 1 {
		opts.EventBufferSize = 32
	}
	return &Orchestrator{
		handler:  handler,
		hw:       hw,
		archiver: archiver,
		opts:     opts,
		logger:   logger,
		events:   make(chan hardware.Event, opts.EventBufferSize),
		stopChan: make(chan struct{}),
	}
}

// SetObserver registers fn for run status events. Call before Start.
func (o *Orchestrator) SetObserver(fn func(StatusEvent)) {
	o.observer = fn
}

// Start subscribes to hardware events and starts the event loop.
func (o *Orchestrator) Start() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return
	}
	o.running = true

	o.unregister = o.hw.RegisterCallback(o.onHardwareEvent)
	o.wg.Add(1)
	go o.eventLoop()

	o.logger.Info("Run orchestrator started",
		zap.Int("event_buffer", cap(o.events)))
}

// onHardwareEvent runs on the hardware context. It never blocks: when the
// buffer is full the event is dropped.
func (o *Orchestrator) onHardwareEvent(ev hardware.Event) {
	select {
	case o.events <- ev:
	default:
		o.logger.Warn("Hardware event buffer full, dropping event",
			zap.String("event", fmt.Sprintf("%T", ev)))
	}
}

func (o *Orchestrator) eventLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopChan:
			return
		case ev := <-o.events:
			o.dispatch(ev)
		}
	}
}

func (o *Orchestrator) dispatch(ev hardware.Event) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("Panic while handling hardware event", zap.Any("panic", p))
		}
	}()
	if err := o.HandleEvent(ev); err != nil {
		o.logger.Error("Failed to handle hardware event", zap.Error(err))
	}
}

// HandleEvent applies one hardware event to the current run.
func (o *Orchestrator) HandleEvent(ev hardware.Event) error {
	switch ev := ev.(type) {
	case hardware.EstopEvent:
		return o.handleEstop(ev)
	case hardware.DoorEvent:
		if run := o.currentRun(); run != nil {
			run.engine.SetDoorOpen(ev.Open)
		}
		return nil
	default:
		return fmt.Errorf("unknown hardware event %T", ev)
	}
}

// handleEstop force-fails the current run on a physical estop. It does not
// take opMu: an estop is never refused.
func (o *Orchestrator) handleEstop(ev hardware.EstopEvent) error {
	if ev.New != hardware.EstopPhysicallyEngaged {
		return nil
	}
	run := o.currentRun()
	if run == nil {
		return nil
	}

	o.logger.Warn("Emergency stop engaged, failing current run",
		zap.String("run_id", run.id))
	run.engine.Estop()
	return nil
}

func (o *Orchestrator) currentRun() *liveRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *Orchestrator) beginOp() error {
	if !o.opMu.TryLock() {
		return types.NewError(types.ErrConflict, CodeRunOperationInProgress,
			"another run operation is in progress")
	}
	return nil
}

// live returns the engine of runID if it is the current run.
func (o *Orchestrator) live(runID string) (*engine.Engine, error) {
	run := o.currentRun()
	if run == nil || run.id != runID {
		return nil, types.NewError(types.ErrConflict, CodeRunNotCurrent,
			"run %s is not the current run", runID)
	}
	return run.engine, nil
}

// Live returns the engine of runID when it is current.
func (o *Orchestrator) Live(runID string) (*engine.Engine, bool) {
	e, err := o.live(runID)
	return e, err == nil
}

// CurrentID is the id of the current run, or "".
func (o *Orchestrator) CurrentID() string {
	if run := o.currentRun(); run != nil {
		return run.id
	}
	return ""
}

// CurrentStatus reports the status of the current run, if there is one.
func (o *Orchestrator) CurrentStatus() (engine.Status, bool) {
	run := o.currentRun()
	if run == nil {
		return "", false
	}
	return run.engine.Status(), true
}

// Create makes a new run current. An idle or finished current run is
// archived first; any other current run makes this fail with
// RunAlreadyActive.
func (o *Orchestrator) Create(ctx context.Context, runID string, createdAt time.Time, protocol *LoadedProtocol, offsets []engine.LabwareOffsetCreate) (Snapshot, error) {
	if err := o.beginOp(); err != nil {
		return Snapshot{}, err
	}
	defer o.opMu.Unlock()

	prev := o.currentRun()
	if prev != nil && !prev.engine.IsOkayToClear() {
		return Snapshot{}, types.NewError(types.ErrConflict, CodeRunAlreadyActive,
			"run %s is currently active", prev.id)
	}
	if prev != nil {
		if _, err := o.retire(ctx, prev); err != nil {
			return Snapshot{}, err
		}
	}

	eng := engine.New(o.handler, o.engineOptions(protocol != nil), o.logger.With(zap.String("run_id", runID)))
	eng.SetDoorOpen(o.hw.DoorOpen())

	run := &liveRun{
		id:        runID,
		createdAt: createdAt,
		engine:    eng,
		stopWatch: make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	if protocol != nil {
		run.protocolID = protocol.ID
		for i, req := range protocol.Commands {
			req.Intent = engine.IntentProtocol
			if _, err := eng.AddCommand(req); err != nil {
				eng.Close()
				return Snapshot{}, fmt.Errorf("failed to load command %d of protocol %s: %w", i, protocol.ID, err)
			}
		}
	}
	for _, off := range offsets {
		if _, err := eng.AddLabwareOffset(off); err != nil {
			eng.Close()
			return Snapshot{}, err
		}
	}

	eng.Start()

	o.mu.Lock()
	o.current = run
	o.mu.Unlock()

	go o.watch(run)

	o.logger.Info("Run created",
		zap.String("run_id", runID),
		zap.String("protocol_id", run.protocolID))

	return run.snapshot(), nil
}

func (o *Orchestrator) engineOptions(hasProtocol bool) engine.Options {
	opts := engine.Options{
		BlockOnDoorOpen: o.opts.BlockOnDoorOpen,
		HomeAfterRun:    o.opts.HomeAfterRun,
		AutoFinish:      hasProtocol,
		RecoveryPolicy:  engine.StandardRecoveryPolicy(o.opts.EnableErrorRecovery),
	}
	if !hasProtocol {
		// commands of a live run are sent one by one; a failure only fails
		// that command
		opts.RecoveryPolicy = engine.ContinueOnError
	}
	return opts
}

// Clear archives the current run if it is idle or finished.
func (o *Orchestrator) Clear(ctx context.Context) (Snapshot, error) {
	if err := o.beginOp(); err != nil {
		return Snapshot{}, err
	}
	defer o.opMu.Unlock()

	run := o.currentRun()
	if run == nil {
		return Snapshot{}, types.NewError(types.ErrConflict, CodeRunNotCurrent, "there is no current run")
	}
	if !run.engine.IsOkayToClear() {
		return Snapshot{}, types.NewError(types.ErrConflict, CodeRunNotIdle,
			"Current run is not idle or stopped.")
	}
	return o.retire(ctx, run)
}

// retire archives run and only then stops it being current. When the
// archive fails the run stays current, so nothing is lost and the caller
// can retry. Callers hold opMu.
func (o *Orchestrator) retire(ctx context.Context, run *liveRun) (Snapshot, error) {
	snap := run.snapshot()
	commands := run.engine.Commands()
	if err := o.archiver.ArchiveRun(ctx, run.id, snap.Summary, commands); err != nil {
		return snap, fmt.Errorf("failed to archive run %s: %w", run.id, err)
	}

	o.mu.Lock()
	if o.current == run {
		o.current = nil
	}
	o.mu.Unlock()

	final, finalCommands := o.release(run)
	if !reflect.DeepEqual(final.Summary, snap.Summary) || !reflect.DeepEqual(finalCommands, commands) {
		// a setup command moved on between the archive and the release
		if err := o.archiver.ArchiveRun(ctx, run.id, final.Summary, finalCommands); err != nil {
			o.logger.Error("Failed to archive final run state",
				zap.String("run_id", run.id),
				zap.Error(err))
		}
	}

	o.logger.Info("Run archived",
		zap.String("run_id", run.id),
		zap.String("status", string(final.Summary.Status)))
	return final, nil
}

// release stops the watcher and the engine of a run that is no longer
// current and returns its final state.
func (o *Orchestrator) release(run *liveRun) (Snapshot, []engine.Command) {
	close(run.stopWatch)
	<-run.watchDone

	run.engine.Close()
	snap := run.snapshot()
	commands := run.engine.Commands()

	o.emit(StatusEvent{RunID: run.id, Status: snap.Summary.Status, Cleared: true})
	return snap, commands
}

func (o *Orchestrator) Play(runID string) error {
	return o.transition(runID, func(e *engine.Engine) error { return e.Play() })
}

func (o *Orchestrator) Pause(runID string) error {
	return o.transition(runID, func(e *engine.Engine) error { return e.Pause() })
}

func (o *Orchestrator) ResumeFromRecovery(runID string, assumeFalsePositive bool) error {
	return o.transition(runID, func(e *engine.Engine) error {
		return e.ResumeFromRecovery(assumeFalsePositive)
	})
}

// Stop requests the run to stop and waits, bounded by ctx, until it has
// finished. A ctx expiry leaves the run stopping in the background.
func (o *Orchestrator) Stop(ctx context.Context, runID string) error {
	return o.transition(runID, func(e *engine.Engine) error {
		if err := e.Stop(); err != nil {
			return err
		}
		if err := e.WaitUntilDone(ctx); err != nil {
			o.logger.Warn("Run still stopping",
				zap.String("run_id", runID),
				zap.Error(err))
		}
		return nil
	})
}

func (o *Orchestrator) transition(runID string, fn func(*engine.Engine) error) error {
	if err := o.beginOp(); err != nil {
		return err
	}
	defer o.opMu.Unlock()

	e, err := o.live(runID)
	if err != nil {
		return err
	}
	return fn(e)
}

func (o *Orchestrator) AddCommand(runID string, req engine.CommandRequest) (engine.Command, error) {
	e, err := o.live(runID)
	if err != nil {
		return engine.Command{}, err
	}
	return e.AddCommand(req)
}

func (o *Orchestrator) WaitForCommand(ctx context.Context, runID, commandID string, timeout time.Duration) (engine.Command, error) {
	e, err := o.live(runID)
	if err != nil {
		return engine.Command{}, err
	}
	return e.WaitForCommand(ctx, commandID, timeout)
}

func (o *Orchestrator) AddLabwareOffset(runID string, req engine.LabwareOffsetCreate) (engine.LabwareOffset, error) {
	e, err := o.live(runID)
	if err != nil {
		return engine.LabwareOffset{}, err
	}
	return e.AddLabwareOffset(req)
}

// Snapshot returns the live state of runID if it is current.
func (o *Orchestrator) Snapshot(runID string) (Snapshot, bool) {
	run := o.currentRun()
	if run == nil || run.id != runID {
		return Snapshot{}, false
	}
	return run.snapshot(), true
}

// Shutdown stops the event loop, then stops and archives the current run.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.runMu.Lock()
	if o.running {
		o.running = false
		o.unregister()
		close(o.stopChan)
	}
	o.runMu.Unlock()
	o.wg.Wait()

	o.opMu.Lock()
	defer o.opMu.Unlock()

	run := o.currentRun()
	if run == nil {
		return nil
	}

	if !run.engine.IsOkayToClear() {
		if err := run.engine.Stop(); err == nil {
			if err := run.engine.WaitUntilDone(ctx); err != nil {
				o.logger.Warn("Run did not finish stopping before shutdown",
					zap.String("run_id", run.id),
					zap.Error(err))
			}
		}
	}
	if _, err := o.retire(ctx, run); err != nil {
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
		o.release(run)
		return err
	}
	return nil
}

func (o *Orchestrator) watch(run *liveRun) {
	defer close(run.watchDone)

	var last engine.Status
	for {
		changed := run.engine.Changed()
		if status := run.engine.Status(); status != last {
			last = status
			o.emit(StatusEvent{RunID: run.id, Status: status})
		}
		select {
		case <-changed:
		case <-run.stopWatch:
			return
		}
	}
}

func (o *Orchestrator) emit(ev StatusEvent) {
	if o.observer != nil {
		o.observer(ev)
	}
}

func (r *liveRun) snapshot() Snapshot {
	return Snapshot{
		ID:         r.id,
		ProtocolID: r.protocolID,
		CreatedAt:  r.createdAt,
		Summary:    r.engine.Summary(),
	}
}
