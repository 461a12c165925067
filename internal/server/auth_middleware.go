package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien/internal/pipeline"
	"github.com/luthien-dev/luthien/internal/wire"
)

// clientAuth authenticates the completion endpoints against the
// credential cache. The key comes from either an Authorization bearer or
// an X-Api-Key header; rejections use the endpoint's wire-format error
// envelope.
func (s *Server) clientAuth(format wire.Format) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractClientKey(c)
		if key == "" {
			abortUnauthorized(c, format, "missing API key: pass an Authorization bearer token or X-Api-Key header")
			return
		}

		valid, err := s.cache.Check(c.Request.Context(), key)
		if err != nil {
			logrus.Errorf("credential validation failed: %v", err)
			c.JSON(http.StatusBadGateway, wire.NewErrorBody(format, "credential validation is unavailable", "api_error", "upstream_error"))
			c.Abort()
			return
		}
		if !valid {
			abortUnauthorized(c, format, "invalid API key")
			return
		}

		c.Set(pipeline.ClientKeyContextKey, key)
		c.Next()
	}
}

func extractClientKey(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return c.GetHeader("X-Api-Key")
}

func abortUnauthorized(c *gin.Context, format wire.Format, message string) {
	c.JSON(http.StatusUnauthorized, wire.NewErrorBody(format, message, "authentication_error", "invalid_api_key"))
	c.Abort()
}

// adminAuth guards the admin group with the static admin token.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin surface disabled: no admin token configured"})
			c.Abort()
			return
		}
		token := extractClientKey(c)
		if token != s.cfg.AdminToken {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			c.Abort()
			return
		}
		c.Next()
	}
}
