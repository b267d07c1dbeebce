package middleware

import (
	"context"
	"strings"

	"codejudge/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	TraceIDHeader   = "X-Trace-Id"
	RequestIDHeader = "X-Request-Id"
)

// TraceContextMiddleware ensures trace and request ids are present in the gin
// context, the request context and the response headers.
func TraceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		bindID(c, TraceIDHeader, "trace_id", contextkey.TraceID)
		bindID(c, RequestIDHeader, "request_id", contextkey.RequestID)
		c.Next()
	}
}

func bindID(c *gin.Context, header, ginKey string, ctxKey interface{}) {
	id := strings.TrimSpace(c.GetHeader(header))
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(ginKey, id)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ctxKey, id))
	c.Writer.Header().Set(header, id)
}
