package bff

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/oopsrest/oopsauth/internal/upstream"
	"go.uber.org/zap"
)

const contextKeyRequestID = "oops_request_id"

// RequestID assigns each request a correlation id, echoes it in the response,
// and attaches it to the request context so upstream calls forward it.
func RequestID() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestID := strings.TrimSpace(contextGin.GetHeader(upstream.RequestIDHeader))
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		contextGin.Set(contextKeyRequestID, requestID)
		contextGin.Header(upstream.RequestIDHeader, requestID)
		contextGin.Request = contextGin.Request.WithContext(upstream.WithRequestID(contextGin.Request.Context(), requestID))
		contextGin.Next()
	}
}

// ZapLogger logs one line per request.
func ZapLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.String("request_id", contextGin.GetString(contextKeyRequestID)),
			zap.Duration("elapsed", duration),
		)
	}
}

// RequireHTTPS rejects plain-HTTP requests unless allowInsecure is set.
func RequireHTTPS(allowInsecure bool) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if !allowInsecure && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}
		contextGin.Next()
	}
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
