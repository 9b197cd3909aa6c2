package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"scotty/internal/errdefs"
	"scotty/internal/logging"
)

const userIDKey = "user_id"

// RequestLogger logs every request with latency and status.
func RequestLogger() gin.HandlerFunc {
	log := logging.S().Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infow("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}

// Recovery converts handler panics into 500 responses.
func Recovery() gin.HandlerFunc {
	log := logging.L().Named("http")
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panic",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path))
				abortWithError(c, errdefs.Internal(nil, "internal server error"))
			}
		}()
		c.Next()
	}
}

// RequireAuth validates the bearer token and stores the user id on the
// context.
func RequireAuth(validator Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			abortWithError(c, errdefs.Unauthorized("missing bearer token"))
			return
		}
		userID, err := validator.Validate(token)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// currentUser returns the authenticated user id set by RequireAuth.
func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}
