package hardware

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SimulatorConfig describes a simulated robot.
type SimulatorConfig struct {
	Subsystems []SimulatedSubsystem `yaml:"subsystems"`
	Update     SimulatedUpdate      `yaml:"update"`
	Motion     SimulatedMotion      `yaml:"motion"`
	Failures   []SimulatedFailure   `yaml:"failures"`
}

type SimulatedSubsystem struct {
	Name            Subsystem `yaml:"name"`
	FirmwareVersion int       `yaml:"firmware_version"`
	NextVersion     int       `yaml:"next_version"`
	Revision        string    `yaml:"revision"`
	FailUpdate      bool      `yaml:"fail_update"`
}

type SimulatedUpdate struct {
	Steps        int           `yaml:"steps"`
	StepInterval time.Duration `yaml:"step_interval"`
}

type SimulatedMotion struct {
	Duration time.Duration `yaml:"duration"`
}

// SimulatedFailure makes the named primitive fail Times times.
type SimulatedFailure struct {
	Primitive   string `yaml:"primitive"`
	Recoverable bool   `yaml:"recoverable"`
	ErrorType   string `yaml:"error_type"`
	Times       int    `yaml:"times"`
}

// DefaultSimulatorConfig is a robot with every subsystem attached and
// instantaneous motion.
func DefaultSimulatorConfig() SimulatorConfig {
	var subs []SimulatedSubsystem
	for _, s := range []Subsystem{
		SubsystemGantryX, SubsystemGantryY, SubsystemHead, SubsystemPipetteLeft,
		SubsystemPipetteRight, SubsystemGripper, SubsystemRearPanel,
	} {
		subs = append(subs, SimulatedSubsystem{Name: s, FirmwareVersion: 1, NextVersion: 1, Revision: "1.0"})
	}
	return SimulatorConfig{
		Subsystems: subs,
		Update:     SimulatedUpdate{Steps: 4, StepInterval: 10 * time.Millisecond},
	}
}

// LoadSimulatorConfig reads a YAML robot description. An empty path yields
// the default robot.
func LoadSimulatorConfig(path string) (SimulatorConfig, error) {
	if path == "" {
		return DefaultSimulatorConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return SimulatorConfig{}, fmt.Errorf("failed to read hardware config: %w", err)
	}

	cfg := DefaultSimulatorConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SimulatorConfig{}, fmt.Errorf("failed to parse hardware config: %w", err)
	}

	for _, s := range cfg.Subsystems {
		if _, err := ParseSubsystem(string(s.Name)); err != nil {
			return SimulatorConfig{}, err
		}
	}
	if cfg.Update.Steps < 1 {
		cfg.Update.Steps = 1
	}
	return cfg, nil
}

// Simulator implements API without a robot attached.
type Simulator struct {
	logger *zap.Logger

	mu         sync.Mutex
	cfg        SimulatorConfig
	subsystems map[Subsystem]*SimulatedSubsystem
	updating   map[Subsystem]bool
	failures   map[string]*SimulatedFailure
	statusBar  StatusBarState
	estop      EstopState
	doorOpen   bool
	callbacks  map[int]func(Event)
	nextCbID   int
	calls      []string

	// events are dispatched from a dedicated goroutine
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewSimulator(cfg SimulatorConfig, logger *zap.Logger) *Simulator {
	s := &Simulator{
		logger:     logger,
		cfg:        cfg,
		subsystems: make(map[Subsystem]*SimulatedSubsystem),
		updating:   make(map[Subsystem]bool),
		failures:   make(map[string]*SimulatedFailure),
		statusBar:  StatusBarOff,
		estop:      EstopDisengaged,
		callbacks:  make(map[int]func(Event)),
		events:     make(chan Event, 64),
		done:       make(chan struct{}),
	}
	for i := range cfg.Subsystems {
		sub := cfg.Subsystems[i]
		s.subsystems[sub.Name] = &sub
	}
	for i := range cfg.Failures {
		f := cfg.Failures[i]
		s.failures[f.Primitive] = &f
	}

	s.wg.Add(1)
	go s.dispatchLoop()
	return s
}

// Close stops event dispatch.
func (s *Simulator) Close() {
	close(s.done)
	s.wg.Wait()
}

func (s *Simulator) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.mu.Lock()
			cbs := make([]func(Event), 0, len(s.callbacks))
			for _, cb := range s.callbacks {
				cbs = append(cbs, cb)
			}
			s.mu.Unlock()

			for _, cb := range cbs {
				cb(ev)
			}
		}
	}
}

func (s *Simulator) RegisterCallback(cb func(Event)) func() {
	s.mu.Lock()
	id := s.nextCbID
	s.nextCbID++
	s.callbacks[id] = cb
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.callbacks, id)
		s.mu.Unlock()
	}
}

// SetEstop changes the estop state and notifies subscribers.
func (s *Simulator) SetEstop(state EstopState) {
	s.mu.Lock()
	old := s.estop
	s.estop = state
	s.mu.Unlock()

	if old != state {
		s.logger.Info("Simulated estop changed",
			zap.String("old", string(old)),
			zap.String("new", string(state)))
		s.events <- EstopEvent{Old: old, New: state}
	}
}

// SetDoor opens or closes the front door and notifies subscribers.
func (s *Simulator) SetDoor(open bool) {
	s.mu.Lock()
	changed := s.doorOpen != open
	s.doorOpen = open
	s.mu.Unlock()

	if changed {
		s.events <- DoorEvent{Open: open}
	}
}

// StartUncontrolledUpdate marks a subsystem as being updated by another
// source until the returned func is called.
func (s *Simulator) StartUncontrolledUpdate(sub Subsystem) func() {
	s.mu.Lock()
	s.updating[sub] = true
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.updating, sub)
		s.mu.Unlock()
	}
}

func (s *Simulator) EstopState() EstopState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estop
}

func (s *Simulator) DoorOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doorOpen
}

func (s *Simulator) SetStatusBarState(ctx context.Context, state StatusBarState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusBar = state
	return nil
}

func (s *Simulator) StatusBarState() StatusBarState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusBar
}

func (s *Simulator) AttachedSubsystems(ctx context.Context) (map[Subsystem]SubsystemInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Subsystem]SubsystemInfo, len(s.subsystems))
	for name, sub := range s.subsystems {
		out[name] = SubsystemInfo{
			Subsystem:              name,
			OK:                     true,
			CurrentFirmwareVersion: sub.FirmwareVersion,
			NextFirmwareVersion:    sub.NextVersion,
			UpdateAvailable:        sub.NextVersion > sub.FirmwareVersion,
			Revision:               sub.Revision,
		}
	}
	return out, nil
}

func (s *Simulator) UpdateFirmware(ctx context.Context, subsystem Subsystem, report func(UpdateStatus)) error {
	s.mu.Lock()
	sub, ok := s.subsystems[subsystem]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("subsystem %s not attached", subsystem)
	}
	if s.updating[subsystem] {
		s.mu.Unlock()
		return ErrUpdateOngoing
	}
	s.updating[subsystem] = true
	steps, interval, fail := s.cfg.Update.Steps, s.cfg.Update.StepInterval, sub.FailUpdate
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.updating, subsystem)
		s.mu.Unlock()
	}()

	if steps < 1 {
		steps = 1
	}

	report(UpdateStatus{Subsystem: subsystem, State: UpdateUpdating, Progress: 0})
	for i := 1; i <= steps; i++ {
		if err := sleepCtx(ctx, interval); err != nil {
			return err
		}
		if fail && i == steps {
			return fmt.Errorf("simulated firmware update failure on %s", subsystem)
		}
		if i < steps {
			report(UpdateStatus{Subsystem: subsystem, State: UpdateUpdating, Progress: i * 100 / steps})
		}
	}

	s.mu.Lock()
	sub.FirmwareVersion = sub.NextVersion
	s.mu.Unlock()

	report(UpdateStatus{Subsystem: subsystem, State: UpdateDone, Progress: 100})
	return nil
}

func (s *Simulator) Home(ctx context.Context, axes []string) error {
	return s.move(ctx, "home")
}

func (s *Simulator) MoveToWell(ctx context.Context, mount Mount, loc WellLocation) error {
	return s.move(ctx, "move_to_well")
}

func (s *Simulator) PickUpTip(ctx context.Context, mount Mount, loc WellLocation) error {
	return s.move(ctx, "pick_up_tip")
}

func (s *Simulator) DropTip(ctx context.Context, mount Mount, loc WellLocation) error {
	return s.move(ctx, "drop_tip")
}

func (s *Simulator) Aspirate(ctx context.Context, mount Mount, volume, flowRate float64) error {
	return s.move(ctx, "aspirate")
}

func (s *Simulator) Dispense(ctx context.Context, mount Mount, volume, flowRate float64) error {
	return s.move(ctx, "dispense")
}

// Calls returns the primitives executed so far, in order.
func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Simulator) move(ctx context.Context, primitive string) error {
	s.mu.Lock()
	if s.estop.Engaged() {
		s.mu.Unlock()
		return ErrEstopActivated
	}
	s.calls = append(s.calls, primitive)
	duration := s.cfg.Motion.Duration
	var failure *SimulatedFailure
	if f, ok := s.failures[primitive]; ok && f.Times > 0 {
		f.Times--
		failure = f
	}
	s.mu.Unlock()

	if err := sleepCtx(ctx, duration); err != nil {
		if s.EstopState().Engaged() {
			return ErrEstopActivated
		}
		return err
	}

	if failure != nil {
		errType := failure.ErrorType
		if errType == "" {
			errType = "hardwareFailure"
		}
		if failure.Recoverable {
			return &RecoverableError{ErrorType: errType, Detail: "simulated " + primitive + " failure"}
		}
		return fmt.Errorf("%s: simulated %s failure", errType, primitive)
	}
	return nil
}
