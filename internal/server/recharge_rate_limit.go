package server

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RechargeRateLimit throttles token submissions per user so a stolen session
// cannot brute-force codes against the pool. Disabled limiter passes through.
func (s *Server) RechargeRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rechargeLimiter.Enabled() {
			c.Next()
			return
		}

		userID := currentUserID(c)
		res, err := s.rechargeLimiter.Allow(c.Request.Context(), userID.String())
		if err != nil {
			s.log.Warn("recharge rate limit check failed",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !res.Allowed {
			retryAfter := int64(math.Ceil(res.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Next()
	}
}
