package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/letterloop/letterloop-server/internal/config"
	"github.com/letterloop/letterloop-server/internal/coordinator"
	"github.com/letterloop/letterloop-server/internal/identity"
)

// NewServer builds the HTTP server: REST endpoints for join/act/leave and the
// poll fallback, plus the WebSocket push channel.
func NewServer(coord *coordinator.Coordinator, provider identity.Provider, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(LoggerMiddleware(logger))

	api := NewAPIHandlers(coord, provider, logger)

	engine.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	engine.POST("/api/identity", api.Identity)

	authed := engine.Group("/api", IdentityMiddleware(provider, logger))
	{
		authed.POST("/join", api.Join)
		authed.POST("/heartbeat", api.Heartbeat)
		authed.POST("/leave", api.Leave)
		authed.POST("/action", api.Action)
		authed.GET("/session", api.Session)
		authed.GET("/events", api.Events)
	}

	engine.GET("/ws", gin.WrapH(NewWSHandler(coord, provider, logger)))

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
