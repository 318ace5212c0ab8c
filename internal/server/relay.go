package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/tingly-relay/internal/gateway"
	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/server/middleware"
)

// OpenAIChatCompletions handles OpenAI v1 chat completion requests
func (s *Server) OpenAIChatCompletions(c *gin.Context) {
	s.relay(c, protocol.ProtocolOpenAI)
}

// OpenAIResponses handles OpenAI v1 responses requests
func (s *Server) OpenAIResponses(c *gin.Context) {
	s.relay(c, protocol.ProtocolOpenAIResponse)
}

// AnthropicMessages handles Anthropic v1 message requests
func (s *Server) AnthropicMessages(c *gin.Context) {
	s.relay(c, protocol.ProtocolAnthropic)
}

// relay reads the raw body, hands it to the gateway and renders the reply,
// either as a buffered response or by pumping the SSE stream.
func (s *Server) relay(c *gin.Context, proto protocol.Protocol) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Message: "Failed to read request body",
				Type:    "invalid_request_error",
			},
		})
		return
	}

	reply := s.relayer.Handle(c.Request.Context(), &gateway.Request{
		Protocol: proto,
		Body:     body,
		Headers:  c.Request.Header,
		APIKeyID: c.GetString(middleware.ContextAPIKeyID),
		TraceID:  c.GetString(middleware.ContextTraceID),
	})

	if reply.Stream == nil {
		c.Data(reply.Status, reply.ContentType, reply.Body)
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Message: "Streaming not supported by this connection",
				Type:    "api_error",
				Code:    "streaming_unsupported",
			},
		})
		// The pump must still run once: it owns the upstream connection
		// and writes the request log.
		_ = reply.Stream(c.Request.Context(), io.Discard, func() {})
		return
	}

	c.Status(reply.Status)
	if err := reply.Stream(c.Request.Context(), c.Writer, flusher.Flush); err != nil {
		if errors.Is(err, context.Canceled) {
			logrus.Debugf("stream closed by client: %v", err)
		} else {
			logrus.Warnf("stream ended with error: %v", err)
		}
	}
}
