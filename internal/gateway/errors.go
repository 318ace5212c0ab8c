package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/tingly-relay/internal/llmclient"
	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/relay"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

type openaiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type openaiErrorBody struct {
	Error openaiErrorDetail `json:"error"`
}

// anthropicErrorDetail carries a code field the upstream schema does not
// have; Anthropic clients ignore it and ours keep a stable machine code.
type anthropicErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type anthropicErrorBody struct {
	Type  string               `json:"type"`
	Error anthropicErrorDetail `json:"error"`
}

// errorBody renders an error in the client protocol's envelope. OpenAI Chat
// and Responses share the shape.
func errorBody(p protocol.Protocol, status int, code, message string) []byte {
	if p == protocol.ProtocolAnthropic {
		b, _ := json.Marshal(anthropicErrorBody{
			Type:  "error",
			Error: anthropicErrorDetail{Type: anthropicErrorType(status), Code: code, Message: message},
		})
		return b
	}
	b, _ := json.Marshal(openaiErrorBody{
		Error: openaiErrorDetail{Message: message, Type: openaiErrorType(status), Code: code},
	})
	return b
}

func anthropicErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	}
	if status >= http.StatusInternalServerError {
		return "api_error"
	}
	return "invalid_request_error"
}

func openaiErrorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= http.StatusInternalServerError:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

// errorReply shapes a failure as the client protocol's error envelope and
// records it on the log.
func (g *Gateway) errorReply(p protocol.Protocol, status int, code, message string, lg *typ.RequestLog) *Reply {
	if lg.ErrorInfo == "" {
		lg.ErrorInfo = code + ": " + message
	}
	return &Reply{
		Status:      status,
		ContentType: "application/json",
		Body:        errorBody(p, status, code, message),
	}
}

// decodeFailure maps a request decode error onto a 400 with the codec's
// stable code when it raised a typed error.
func (g *Gateway) decodeFailure(p protocol.Protocol, err error, lg *typ.RequestLog) *Reply {
	code, message := protocol.CodeInvalidRequest, err.Error()
	if pe, ok := protocol.AsError(err); ok {
		code, message = pe.Code, pe.Message
	}
	return g.errorReply(p, http.StatusBadRequest, code, message, lg)
}

// internalFailure hides backend errors behind a generic 500.
func (g *Gateway) internalFailure(p protocol.Protocol, what string, err error, lg *typ.RequestLog) *Reply {
	logrus.WithError(err).Error(what)
	if lg.ErrorInfo == "" {
		lg.ErrorInfo = what + ": " + err.Error()
	}
	return g.errorReply(p, http.StatusInternalServerError, "internal_error", what, lg)
}

// syntheticReply shapes executor outcomes that carry no upstream body: local
// transport failures, timeouts, translation dead ends and exhaustion.
func (g *Gateway) syntheticReply(p protocol.Protocol, pr *llmclient.ProviderResponse, lg *typ.RequestLog) *Reply {
	status := pr.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}

	var code, message string
	switch {
	case errors.Is(pr.Err, relay.ErrAllProvidersFailed):
		code, message = "no_available_provider", "no provider could serve this request"
	case llmclient.IsTimeout(pr.Err):
		code, message = "upstream_timeout", "upstream request timed out"
	default:
		if pe, ok := protocol.AsError(pr.Err); ok {
			code, message = pe.Code, pe.Message
		} else {
			code, message = "upstream_error", pr.Err.Error()
		}
	}
	return g.errorReply(p, status, code, message, lg)
}
