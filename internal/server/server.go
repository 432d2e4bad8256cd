// Package server exposes the conversation API over HTTP: REST endpoints for
// conversations, messages, and control actions, plus a websocket feed of
// message updates per conversation.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"loom/internal/approval"
	"loom/internal/config"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/notify"
	"loom/internal/orchestrator"
	"loom/internal/store"
)

// Deps carries everything the handlers reach for.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Store        store.Store
	Health       *llm.HealthCache
	Hub          *notify.Hub
	Approvals    *approval.Broker
	Version      string
	Logger       logging.Logger
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startedAt  time.Time
	logger     logging.Logger
}

// New builds the router. The engine is ready to serve as soon as New
// returns; Start binds the listener.
func New(cfg config.ServerConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	logger := logging.OrNop(deps.Logger)
	engine.Use(requestLogger(logger))
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin filtering happens in the cors middleware; the upgrader
			// must not second-guess it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
		logger:    logger,
	}
	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     engine,
		ReadTimeout: cfg.ReadTimeout,
		// WriteTimeout stays at the configured value, zero by default:
		// websocket connections outlive any sane request deadline.
		WriteTimeout: cfg.WriteTimeout,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")

	api.GET("/health", s.handleHealth)
	api.GET("/models", s.handleModels)

	conversations := api.Group("/conversations")
	{
		conversations.POST("", s.handleCreateConversation)
		conversations.GET("", s.handleListConversations)
		conversations.GET("/:id", s.handleGetConversation)
		conversations.GET("/:id/messages", s.handleListMessages)
		conversations.POST("/:id/messages", s.handleSendMessage)
	}

	api.POST("/messages/:id/stop", s.handleStopMessage)
	api.POST("/approvals/:id", s.handleResolveApproval)

	s.engine.GET("/ws/:conversationID", s.handleWebSocket)
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until the listener closes. A graceful Shutdown is not an
// error.
func (s *Server) Start() error {
	s.logger.Info("http server listening on %s", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// requestLogger reports each request once it finished.
func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}
