package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/response"
)

// Recovery recovers from handler panics and returns a 500 error
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic recovered in HTTP handler",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path))

				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
