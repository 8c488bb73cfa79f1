package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/zot/luaroute/internal/config"
)

const requestIDHeader = "X-Request-Id"

// accessLogger writes one structured line per request to the config's logger.
func accessLogger(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)

		c.Next()

		ev := cfg.Logger().Info()
		if status := c.Writer.Status(); status >= 500 {
			ev = cfg.Logger().Warn()
		}
		ev.Str("request_id", id).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Int("bytes", c.Writer.Size()).
			Int64("latency_ms", time.Since(start).Milliseconds()).
			Str("client", c.ClientIP()).
			Msg("request")
	}
}
