package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// apiCSP suits a JSON and CSV API with a WebSocket endpoint: nothing served
// here is a document that loads scripts or styles.
const apiCSP = "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"

func SecurityHeaders() gin.HandlerFunc {
	headers := [][2]string{
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
		{"Content-Security-Policy", apiCSP},
		{"Referrer-Policy", "no-referrer"},
		{"Cache-Control", "no-store"},
	}
	return func(c *gin.Context) {
		for _, h := range headers {
			c.Header(h[0], h[1])
		}
		c.Next()
	}
}

var (
	corsHeaders = strings.Join([]string{"Content-Type", "Content-Length", "Accept", "Origin", "X-Requested-With"}, ", ")
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
)

// CORS echoes an allowed Origin back. Disallowed origins get "null"; requests
// without an Origin header get no CORS origin at all.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0 || contains(allowedOrigins, "*")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case origin == "":
		case allowAll || contains(allowedOrigins, origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		default:
			c.Header("Access-Control-Allow-Origin", "null")
		}

		c.Header("Access-Control-Allow-Headers", corsHeaders)
		c.Header("Access-Control-Allow-Methods", corsMethods)
		c.Header("Access-Control-Expose-Headers", "Content-Disposition, Retry-After")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestSizeLimit rejects declared oversize bodies up front and caps
// streamed ones, so a chunked upload cannot exceed maxSize either.
func RequestSizeLimit(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":    "Request too large",
				"max_size": maxSize,
			})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}

// RequestLogger logs one line per request at a level chosen by status.
// Frame uploads are frequent, so successful ones log at Debug.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("response_bytes", c.Writer.Size()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("HTTP Request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("HTTP Request", fields...)
		case route == "/api/v1/stream/frame":
			logger.Debug("HTTP Request", fields...)
		default:
			logger.Info("HTTP Request", fields...)
		}
	}
}

// TimeoutHandler puts a deadline on the request context. Handlers that
// block on the session pass it along.
func TimeoutHandler(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
				"error": "Request timeout",
			})
		}
	}
}

// InputValidation requires a JSON body on POST and PUT requests that carry
// one, and escapes markup in query values.
func InputValidation() gin.HandlerFunc {
	return func(c *gin.Context) {
		if (c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut) && c.Request.ContentLength != 0 {
			contentType := c.GetHeader("Content-Type")
			if !strings.Contains(contentType, "application/json") {
				c.JSON(http.StatusUnsupportedMediaType, gin.H{
					"error": "Invalid content type",
				})
				c.Abort()
				return
			}
		}

		query := c.Request.URL.Query()
		for _, values := range query {
			for i, value := range values {
				values[i] = escaper.Replace(value)
			}
		}
		c.Request.URL.RawQuery = query.Encode()

		c.Next()
	}
}

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"\"", "&quot;",
	"'", "&#x27;",
)

// HealthCheck reports healthy unless probe, when set, returns an error.
func HealthCheck(probe func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, code := "healthy", http.StatusOK
		body := gin.H{
			"timestamp": time.Now().Unix(),
			"service":   "object-tracker",
		}
		if probe != nil {
			if err := probe(c.Request.Context()); err != nil {
				status, code = "degraded", http.StatusServiceUnavailable
				body["detector_error"] = err.Error()
			}
		}
		body["status"] = status
		c.JSON(code, body)
	}
}

func contains(slice []string, item string) bool {
	return slices.Contains(slice, item)
}
