package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"auction-live/internal/auctionerrors"
	"auction-live/internal/metrics"
	"auction-live/internal/token"
	"auction-live/utils"

	"github.com/gin-gonic/gin"
)

const (
	authorizationHeaderKey  = "Authorization"
	authorizationTypeBearer = "Bearer"
	authorizationPayloadKey = "authPayload"
)

// RequestLoggerMiddleware logs incoming requests with timing
func RequestLoggerMiddleware(c *gin.Context) {
	start := time.Now()

	c.Next() // process request

	utils.Info("HTTP Request", map[string]any{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"latency": time.Since(start).String(),
	})
}

// MetricsMiddleware records request counts and latency per route
func MetricsMiddleware(m *metrics.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// AuthMiddleware requires a valid bearer token and stores its payload on the context
func AuthMiddleware(tokenMaker token.Maker) gin.HandlerFunc {
	return func(c *gin.Context) {
		authorizationHeader := c.GetHeader(authorizationHeaderKey)
		if authorizationHeader == "" {
			utils.JSONAbort(c, http.StatusUnauthorized, auctionerrors.ErrUnauthorized, "authorization header is not provided")
			return
		}

		fields := strings.Fields(authorizationHeader)
		if len(fields) != 2 || fields[0] != authorizationTypeBearer {
			utils.JSONAbort(c, http.StatusUnauthorized, auctionerrors.ErrUnauthorized, "invalid authorization header format")
			return
		}

		payload, err := tokenMaker.VerifyToken(fields[1])
		if err != nil {
			utils.JSONAbort(c, http.StatusUnauthorized, err, "unauthorized")
			return
		}

		c.Set(authorizationPayloadKey, payload)
		c.Next()
	}
}

// RateLimitMiddleware limits requests per client IP. Limiter errors let the request through.
func RateLimitMiddleware(limiter RateLimiter, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := limiter.Allow(c.Request.Context(), "ip:"+c.ClientIP(), limit, window)
		if err != nil {
			utils.Warn("rate limiter unavailable, allowing request", map[string]any{"error": err.Error()})
			c.Next()
			return
		}
		if !ok {
			err := errors.New("rate limit exceeded")
			c.Header("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			utils.JSONAbort(c, http.StatusTooManyRequests, err, "too many requests, please try again later")
			return
		}
		c.Next()
	}
}
