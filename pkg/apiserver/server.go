package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/apiserver/handlers"
	"github.com/dripflow/dripflow/pkg/apiserver/middleware"
	"github.com/dripflow/dripflow/pkg/auth"
	"github.com/dripflow/dripflow/pkg/config"
)

// Engine is the subset of progression.Engine the HTTP layer drives.
type Engine interface {
	handlers.ProgressionEngine
	handlers.EventRecorder
	handlers.AnalyticsReader
}

type Dependencies struct {
	Engine       Engine
	Catalog      handlers.SequenceCatalog
	Participants handlers.ParticipantLister
	Tokens       *auth.TokenManager
}

type Server struct {
	router *gin.Engine
	deps   Dependencies
	cfg    *config.Config
	logger *zap.Logger
}

func NewServer(deps Dependencies, cfg *config.Config, logger *zap.Logger) *Server {
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("dripflow-api"))
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Session())
	r.Use(middleware.CORS(s.cfg.Server.CORSOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	sequenceHandler := handlers.NewSequenceHandler(s.deps.Catalog, s.logger)
	participantHandler := handlers.NewParticipantHandler(s.deps.Engine, s.deps.Tokens, s.deps.Participants, s.logger)
	eventHandler := handlers.NewEventHandler(s.deps.Engine, s.logger)
	analyticsHandler := handlers.NewAnalyticsHandler(s.deps.Engine, s.logger)

	api := r.Group("/api/v1")
	{
		api.POST("/sequences/:id/participants", participantHandler.Register)
		api.GET("/sequences/:id/leaderboard", participantHandler.Leaderboard)
		api.POST("/events", middleware.OptionalParticipant(s.deps.Tokens), eventHandler.Track)
	}

	me := api.Group("/me")
	{
		me.Use(middleware.ParticipantAuth(s.deps.Tokens))

		me.GET("/progress", participantHandler.Progress)
		me.GET("/items/:itemId/access", participantHandler.Access)
		me.POST("/items/:itemId/start", participantHandler.Start)
		me.POST("/items/:itemId/complete", participantHandler.Complete)
	}

	admin := api.Group("/admin")
	{
		admin.Use(middleware.Auth(s.cfg.Auth))

		admin.POST("/sequences", sequenceHandler.Create)
		admin.GET("/sequences/:id", sequenceHandler.Get)
		admin.PUT("/sequences/:id/items", sequenceHandler.UpdateItems)
		admin.POST("/sequences/:id/reindex", sequenceHandler.Reindex)
		admin.PUT("/sequences/:id/status", sequenceHandler.SetStatus)
		admin.PUT("/sequences/:id/settings", sequenceHandler.UpdateSettings)

		admin.GET("/sequences/:id/participants", participantHandler.List)
		admin.POST("/participants/:id/pause", participantHandler.Pause)
		admin.POST("/participants/:id/drop", participantHandler.Drop)

		admin.POST("/events", eventHandler.Ingest)

		admin.GET("/sequences/:id/analytics", analyticsHandler.Funnel)
		admin.GET("/sequences/:id/analytics/steps", analyticsHandler.Steps)
		admin.GET("/analytics/revenue", analyticsHandler.Revenue)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
