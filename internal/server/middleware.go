package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/voltgrid/voltra/internal/correlation"
	"go.uber.org/zap"
)

const (
	HeaderUserID        = "X-User-ID"
	HeaderCorrelationID = "X-Correlation-ID"

	contextUserIDKey  = "user_id"
	contextIsStaffKey = "is_staff"
)

// CorrelationID propagates the caller's correlation ID, minting one when the
// header is absent, and echoes it on the response.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if incoming := strings.TrimSpace(c.GetHeader(HeaderCorrelationID)); incoming != "" {
			ctx = correlation.ContextWithID(ctx, incoming)
		}
		ctx, cid := correlation.EnsureID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(HeaderCorrelationID, cid)
		c.Next()
	}
}

// RequestLogger emits one structured line per request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http.access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		}
		if cid := correlation.ExtractID(c.Request.Context()); cid != "" {
			fields = append(fields, zap.String("correlation_id", cid))
		}
		if userID, ok := c.Get(contextUserIDKey); ok {
			fields = append(fields, zap.String("user_id", userID.(snowflake.ID).String()))
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.Error(lastErr.Err))
		}

		if c.Writer.Status() >= 500 {
			log.Error("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}

// UserRequired resolves the caller from the X-User-ID header against the user
// directory. Session handling lives upstream; this layer only needs identity.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		id, err := snowflake.ParseString(raw)
		if err != nil || id == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		usr, err := s.users.FindByID(c.Request.Context(), s.db, id)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if usr == nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextUserIDKey, usr.ID)
		c.Set(contextIsStaffKey, usr.IsStaff)
		c.Next()
	}
}

func currentUserID(c *gin.Context) snowflake.ID {
	if v, ok := c.Get(contextUserIDKey); ok {
		return v.(snowflake.ID)
	}
	return 0
}

func currentIsStaff(c *gin.Context) bool {
	if v, ok := c.Get(contextIsStaffKey); ok {
		return v.(bool)
	}
	return false
}
