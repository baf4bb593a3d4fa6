package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/internal/common/errorx"
	"github.com/amoylab/wshub/internal/hub"
	"github.com/amoylab/wshub/internal/transport"
	"github.com/amoylab/wshub/pkg/metrics"
)

// Server exposes the connection hub over HTTP
type Server struct {
	logger   *zap.Logger
	hub      *hub.Service
	cfg      *config.Config
	metrics  *metrics.Metrics
	upgrader *websocket.Upgrader
	errs     *errorx.ErrorHandler
	httpSrv  *http.Server
}

// NewServer creates a new HTTP server in front of svc. m may be nil.
func NewServer(logger *zap.Logger, svc *hub.Service, cfg *config.Config, m *metrics.Metrics) *Server {
	logger = logger.Named("server")
	return &Server{
		logger:   logger,
		hub:      svc,
		cfg:      cfg,
		metrics:  m,
		upgrader: transport.NewUpgrader(cfg.Server),
		errs:     errorx.NewErrorHandler(logger, mapHubError),
	}
}

// RegisterRoutes registers the websocket endpoint and the management API
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.Use(s.errs.RecoveryMiddleware())
	router.Use(s.loggerMiddleware())
	router.Use(s.corsMiddleware(s.cfg.Server.AllowedOrigins))
	if s.cfg.Tracing.Enabled {
		router.Use(otelgin.Middleware(s.cfg.Tracing.ServiceName))
	}
	if s.metrics != nil {
		router.Use(s.metrics.Middleware())
		router.GET(s.cfg.Metrics.Path, gin.WrapH(s.metrics.Handler()))
	}
	router.NoRoute(s.errs.NotFoundHandler())

	router.GET("/health", s.handleHealth)

	ws := router.Group("/ws")
	ws.GET("", s.handleWebSocket)
	ws.POST("/broadcast", s.handleBroadcast)
	ws.GET("/broadcast", s.handleTestBroadcast)
	ws.GET("/stats", s.handleStats)
	ws.GET("/diagnostics", s.handleDiagnostics)
	ws.GET("/connections", s.handleConnections)
	ws.GET("/connections/:id/health", s.handleConnectionHealth)
	ws.DELETE("/connections/:id", s.handleDisconnect)
	ws.POST("/connections/:id/messages", s.handleSendDirect)
}

// Start listens on the configured address until Shutdown is called
func (s *Server) Start(handler http.Handler) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Server.Addr(),
		Handler: handler,
	}
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP listener. Hijacked websocket
// connections are not tracked by net/http; the hub owns and closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
