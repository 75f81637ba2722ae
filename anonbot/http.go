package anonbot

import (
	"context"
	"crypto/tls"
	"fmt"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	xRequestIDHeader = "X-Request-ID"
	baseLoggerKey    = "base_logger"
)

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// newGinEngine returns a gin engine with the middleware shared by the
// API and webhook servers. Request loggers derive from logger.
func newGinEngine(logger *slog.Logger, development bool) *gin.Engine {
	if development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(
		func(c *gin.Context) {
			c.Set(baseLoggerKey, logger)
			c.Next()
		},
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		ginRecoveryMiddleware(),
	)
	return r
}

// listen opens a listener on the given network and address, wrapping it
// with TLS when tlsCfg is set.
func listen(
	ctx context.Context,
	network string,
	address string,
	tlsCfg *tls.Config,
) (net.Listener, error) {
	if network == "" {
		network = defaultListenNetwork
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("error listening on %s %s: %w", network, address, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	return ln, nil
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request, under the key "X-Request-ID".
// The ID is also set as a response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}

	requestLogger := slog.Default()
	if base, ok := c.Get(baseLoggerKey); ok {
		if baseLogger, isLogger := base.(*slog.Logger); isLogger && baseLogger != nil {
			requestLogger = baseLogger
		}
	}

	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and response
// status, and any private errors attached to the context.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginRecoveryMiddleware answers panics with a 500, logging the stack trace
// through the request logger
func ginRecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rc := recover(); rc != nil {
				ctx := WithLogger(c.Request.Context(), ginContextLogger(c))
				handleRecover(ctx, rc)
				c.AbortWithStatusJSON(
					http.StatusInternalServerError,
					httpError{Error: "internal server error"},
				)
			}
		}()
		c.Next()
	}
}

// metricMiddleware counts requests by method, route and status code.
// Unmatched routes are counted under an empty route.
func metricMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		apiRequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(c.Writer.Status()),
		).Inc()
	}
}

// rateLimitMiddleware rejects requests exceeding limiter with HTTP 429
func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			ginContextLogger(c).Warn("rate limit exceeded")
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}
		c.Next()
	}
}

// newRateLimiter returns a limiter allowing requestsPerSecond, with the
// given burst. Zero requestsPerSecond disables limiting.
func newRateLimiter(requestsPerSecond float64, burst int) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with a JSON error message and the given status
func ginReplyError(c *gin.Context, status int, err string) {
	c.AbortWithStatusJSON(status, httpError{Error: err})
}
