package system

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/api/rest"
	"github.com/KevinKickass/OpenLabCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLabCore/internal/auth"
	"github.com/KevinKickass/OpenLabCore/internal/blob"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/engine"
	"github.com/KevinKickass/OpenLabCore/internal/firmware"
	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"github.com/KevinKickass/OpenLabCore/internal/interfaces"
	"github.com/KevinKickass/OpenLabCore/internal/protocols"
	"github.com/KevinKickass/OpenLabCore/internal/runs"
	"github.com/KevinKickass/OpenLabCore/internal/statusbar"
	"github.com/KevinKickass/OpenLabCore/internal/storage"
	"github.com/KevinKickass/OpenLabCore/internal/tasks"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	store           storage.Store
	hw              *hardware.Simulator
	runner          *tasks.Runner
	firmware        *firmware.Manager
	orchestrator    *runs.Orchestrator
	runService      *runs.Service
	protocolService *protocols.Service
	statusBar       *statusbar.Controller
	authService     *auth.AuthService
	wsHub           *websocket.Hub

	restServer   *rest.Server
	grpcServer   *grpc.Server
	healthServer *health.Server

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager builds every component from cfg. Nothing runs until
// Start.
func NewLifecycleManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	simCfg, err := hardware.LoadSimulatorConfig(cfg.Robot.HardwareConfig)
	if err != nil {
		store.Close()
		return nil, err
	}

	validator, err := protocols.NewValidator()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to compile protocol schema: %w", err)
	}

	hw := hardware.NewSimulator(simCfg, logger)
	runner := tasks.NewRunner(logger)

	orch := runs.NewOrchestrator(engine.NewHardwareExecutor(hw, logger), hw, store, runs.Options{
		BlockOnDoorOpen:     cfg.Robot.BlockOnDoorOpen,
		HomeAfterRun:        cfg.Robot.HomeAfterRun,
		EnableErrorRecovery: cfg.Robot.EnableErrorRecovery,
		EventBufferSize:     cfg.Robot.EventBufferSize,
	}, logger)

	protocolService := protocols.NewService(store, blobs, validator,
		cfg.Limits.MaximumUnusedProtocols, cfg.Limits.MaximumQuickTransferProtocols, logger)
	fw := firmware.NewManager(hw, runner, logger)
	authService := auth.NewAuthService(cfg.Auth, logger)

	lm := &LifecycleManager{
		config:          cfg,
		logger:          logger,
		store:           store,
		hw:              hw,
		runner:          runner,
		firmware:        fw,
		orchestrator:    orch,
		runService:      runs.NewService(orch, store, protocolService, cfg.Limits.MaximumRuns, logger),
		protocolService: protocolService,
		statusBar:       statusbar.NewController(orch, hw, fw, cfg.Robot.StatusBarPollInterval, logger),
		authService:     authService,
		wsHub:           websocket.NewHub(logger, authService),
		currentState:    StateInitializing,
		shutdownChan:    make(chan struct{}),
	}
	return lm, nil
}

// Start brings the control plane up and kicks off the startup firmware
// pass in the background.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting OpenLabCore")

	go lm.wsHub.Run()

	lm.orchestrator.SetObserver(func(ev runs.StatusEvent) {
		lm.wsHub.Broadcast(websocket.NewRunStatusMessage(ev))
	})
	lm.firmware.SetProgressObserver(func(s firmware.ProcessSummary) {
		lm.wsHub.Broadcast(websocket.NewUpdateProgressMessage(s))
	})
	lm.statusBar.SetObserver(func(state hardware.StatusBarState) {
		lm.wsHub.Broadcast(websocket.NewStatusBarMessage(state))
	})

	lm.orchestrator.Start()
	lm.statusBar.Start()

	if err := lm.startGRPCServer(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.setState(StateUpdating)
	err := lm.runner.Run("startup firmware update", func(ctx context.Context) error {
		defer lm.setState(StateRunning)
		return lm.firmware.UpdateAvailable(ctx, lm.config.Firmware.UpdateStartTimeout)
	})
	if err != nil {
		lm.setState(StateError)
		return err
	}

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("auth_enabled", lm.config.Auth.Enabled))

	return nil
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		if shutdownErr != nil {
			lm.setState(StateError)
		}
		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	timeout := lm.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if lm.healthServer != nil {
		lm.healthServer.Shutdown()
	}

	// Stop the status bar first so it does not race the final run
	// archive for the light.
	lm.statusBar.Stop()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := lm.orchestrator.Shutdown(ctx); err != nil {
		lm.logger.Error("Failed to archive current run on shutdown", zap.Error(err))
		record(fmt.Errorf("orchestrator shutdown failed: %w", err))
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		record(fmt.Errorf("shutdown timeout exceeded"))
	}
drain:
	for {
		select {
		case err := <-errChan:
			record(err)
		default:
			break drain
		}
	}

	lm.wsHub.Stop()

	if err := lm.runner.Shutdown(ctx); err != nil {
		record(fmt.Errorf("background tasks did not finish: %w", err))
	}

	lm.store.Close()
	lm.hw.Close()

	if firstErr == nil {
		lm.logger.Info("Graceful shutdown completed")
	}
	return firstErr
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	lm.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(lm.grpcServer, lm.healthServer)
	lm.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

// setState applies a lifecycle transition and mirrors it to the gRPC
// health status. Transitions that are no longer valid, like finishing the
// startup updates after shutdown began, are dropped.
func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.stateMu.Unlock()
		lm.logger.Debug("Ignoring lifecycle transition", zap.Error(err))
		return
	}
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.logger.Info("System state changed", zap.String("state", state.String()))

	if lm.healthServer == nil {
		return
	}
	if state == StateRunning {
		lm.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	} else {
		lm.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	status := interfaces.SystemStatus{
		State:          lm.State().String(),
		CurrentRunID:   lm.orchestrator.CurrentID(),
		Estop:          string(lm.hw.EstopState()),
		DoorOpen:       lm.hw.DoorOpen(),
		StatusBar:      string(lm.hw.StatusBarState()),
		UpdatesOngoing: lm.firmware.UpdatesOngoing(),
	}
	if runStatus, ok := lm.orchestrator.CurrentStatus(); ok {
		status.RunStatus = string(runStatus)
	}
	return status
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Runs() *runs.Service {
	return lm.runService
}

func (lm *LifecycleManager) Protocols() *protocols.Service {
	return lm.protocolService
}

func (lm *LifecycleManager) Firmware() *firmware.Manager {
	return lm.firmware
}

// Hardware exposes the simulated robot, for tests and tooling.
func (lm *LifecycleManager) Hardware() *hardware.Simulator {
	return lm.hw
}
