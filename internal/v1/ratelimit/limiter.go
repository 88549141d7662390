// Package ratelimit implements the HTTP-side admission limits, backed by
// ulule/limiter's in-memory store. The per-command limits inside a chat
// session are separate and live with the session.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/parleychat/parley/internal/v1/logging"
	"github.com/parleychat/parley/internal/v1/metrics"
)

// Limiter holds the limiter instances, one per concern.
type Limiter struct {
	wsIP  *limiter.Limiter
	store limiter.Store
}

// New builds a limiter from a formatted rate such as "10-M" (ten per
// minute). The process keeps a single in-memory store; counts reset on
// restart, which is acceptable for connection admission.
func New(wsIPRate string) (*Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(wsIPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket IP rate: %w", err)
	}

	store := memory.NewStore()
	return &Limiter{
		wsIP:  limiter.New(store, rate),
		store: store,
	}, nil
}

// AllowWebSocket reports whether this upgrade attempt fits the caller's
// per-IP limit. When it does not, the 429 response has already been
// written. Store errors fail open: availability over strictness.
func (l *Limiter) AllowWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lctx, err := l.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return true
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		logging.Warn(ctx, "websocket upgrade rate limited", zap.String("ip", ip))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "too many connections from this IP",
		})
		return false
	}
	return true
}
