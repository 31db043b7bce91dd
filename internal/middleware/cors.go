package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"peercall-backend/pkg/env"
)

// CORSMiddleware restricts browser clients to the configured UI origins.
// CORS_ALLOWED_ORIGINS carries the same list the WebSocket upgrader checks.
func CORSMiddleware() gin.HandlerFunc {
	allowed := map[string]struct{}{
		"http://localhost:3000": {},
		"http://localhost:8080": {},
		"http://127.0.0.1:3000": {},
		"http://127.0.0.1:8080": {},
	}
	for _, origin := range strings.Split(env.GetString("CORS_ALLOWED_ORIGINS", ""), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; !ok {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
