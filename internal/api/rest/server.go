package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLabCore/internal/auth"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}
	s.router.MaxMultipartMemory = maxProtocolUpload

	s.setupRoutes()

	// commands may wait for completion, so writes get a longer deadline
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router for in-process callers and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// ==================== RUNS (OPERATOR+) ====================
		runs := v1.Group("/runs")
		runs.Use(s.authService.AuthMiddleware())
		runs.Use(auth.RequirePermission(auth.PermOperator))
		{
			runs.POST("", s.createRun)
			runs.GET("", s.listRuns)
			runs.GET("/:runId", s.getRun)
			runs.PATCH("/:runId", s.updateRun)
			runs.DELETE("/:runId", auth.RequirePermission(auth.PermTechnician), s.deleteRun)

			runs.POST("/:runId/actions", s.createRunAction)

			runs.POST("/:runId/commands", s.createRunCommand)
			runs.GET("/:runId/commands", s.listRunCommands)
			runs.GET("/:runId/commands/:commandId", s.getRunCommand)
			runs.GET("/:runId/commandErrors", s.listRunCommandErrors)

			runs.POST("/:runId/labware_offsets", s.createLabwareOffset)
		}

		// ==================== PROTOCOLS ====================
		protocols := v1.Group("/protocols")
		protocols.Use(s.authService.AuthMiddleware())
		{
			// Read: Operator+
			protocols.GET("", auth.RequirePermission(auth.PermOperator), s.listProtocols)
			protocols.GET("/:protocolId", auth.RequirePermission(auth.PermOperator), s.getProtocol)

			// Modify: Technician+
			protocols.POST("", auth.RequirePermission(auth.PermTechnician), s.createProtocol)
			protocols.DELETE("/:protocolId", auth.RequirePermission(auth.PermTechnician), s.deleteProtocol)
		}

		// ==================== SUBSYSTEMS ====================
		subsystems := v1.Group("/subsystems")
		subsystems.Use(s.authService.AuthMiddleware())
		{
			subsystems.GET("/status", auth.RequirePermission(auth.PermOperator), s.listSubsystems)
			subsystems.GET("/status/:subsystem", auth.RequirePermission(auth.PermOperator), s.getSubsystem)

			subsystems.GET("/updates/current", auth.RequirePermission(auth.PermOperator), s.listOngoingUpdates)
			subsystems.GET("/updates/current/:subsystem", auth.RequirePermission(auth.PermOperator), s.getOngoingUpdate)
			subsystems.GET("/updates/all", auth.RequirePermission(auth.PermOperator), s.listAllUpdates)
			subsystems.GET("/updates/all/:id", auth.RequirePermission(auth.PermOperator), s.getUpdate)

			// Start: Technician+
			subsystems.POST("/updates/:subsystem", auth.RequirePermission(auth.PermTechnician), s.startSubsystemUpdate)
		}

		// ==================== SYSTEM (OPERATOR+) ====================
		system := v1.Group("/system")
		system.Use(s.authService.AuthMiddleware())
		system.Use(auth.RequirePermission(auth.PermOperator))
		{
			system.GET("/status", s.getSystemStatus)
		}

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.authService.AuthMiddleware(), auth.RequirePermission(auth.PermOperator), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
