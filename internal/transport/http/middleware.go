package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/letterloop/letterloop-server/internal/identity"
	"github.com/letterloop/letterloop-server/internal/proto"
)

const (
	// ContextKeyIdentity is the gin context key for the resolved identity.
	ContextKeyIdentity = "identity"
)

// IdentityMiddleware validates the bearer identity token and stores the
// resolved identity in the request context.
func IdentityMiddleware(provider identity.Provider, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			// Poll-style clients may pass the token as a query parameter.
			token = c.Query("token")
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, proto.Error{Code: "unauthorized", Msg: "missing identity token"})
			c.Abort()
			return
		}

		id, err := provider.Verify(token)
		if err != nil {
			logger.Debug().Err(err).Msg("invalid identity token")
			c.JSON(http.StatusUnauthorized, proto.Error{Code: "unauthorized", Msg: "invalid identity token"})
			c.Abort()
			return
		}

		c.Set(ContextKeyIdentity, id)
		c.Next()
	}
}

// LoggerMiddleware logs HTTP requests after completion.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

func identityFromContext(c *gin.Context) (identity.Identity, bool) {
	v, ok := c.Get(ContextKeyIdentity)
	if !ok {
		return identity.Identity{}, false
	}
	id, ok := v.(identity.Identity)
	return id, ok
}
