package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// ContextTraceID carries the per-request trace id through the handler
	// chain and into the request log.
	ContextTraceID = "trace_id"
	// HeaderRequestID echoes the trace id back to the client.
	HeaderRequestID = "X-Request-Id"
)

// RequestID tags every request with a trace id, keeping one supplied by
// the client.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ContextTraceID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}
