package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CORS answers preflight requests and sets the allow headers for origins in
// allowed. A "*" entry allows every origin.
func CORS(allowed []string) gin.HandlerFunc {
	allowAll := false
	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		origins[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			_, ok := origins[origin]
			switch {
			case allowAll:
				c.Header("Access-Control-Allow-Origin", "*")
			case ok:
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			if allowAll || ok {
				c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
				c.Header("Access-Control-Max-Age", "600")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestLogger writes one structured access log line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}
