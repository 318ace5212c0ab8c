// Package protocol implements the three chat protocol codecs and the
// registry that owns them. Each codec converts between its wire format and
// the intermediate representation in package ir; cross-protocol translation
// is always a decode into IR followed by an encode out of it.
package protocol

import (
	"fmt"
)

// Protocol identifies a chat wire protocol.
type Protocol string

const (
	// ProtocolOpenAI is the OpenAI Chat Completions API.
	ProtocolOpenAI Protocol = "openai"
	// ProtocolOpenAIResponse is the OpenAI Responses API.
	ProtocolOpenAIResponse Protocol = "openai_response"
	// ProtocolAnthropic is the Anthropic Messages API.
	ProtocolAnthropic Protocol = "anthropic"
	// ProtocolGemini is recognized on provider records for probing and
	// passthrough tooling, but has no translation codec yet.
	ProtocolGemini Protocol = "gemini"
)

// Parse validates a stored protocol name.
func Parse(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolOpenAI, ProtocolOpenAIResponse, ProtocolAnthropic, ProtocolGemini:
		return Protocol(s), nil
	case "":
		return ProtocolOpenAI, nil
	default:
		return "", fmt.Errorf("unknown protocol %q", s)
	}
}

// ChatPath returns the upstream request path for the protocol's chat
// endpoint.
func (p Protocol) ChatPath() string {
	switch p {
	case ProtocolAnthropic:
		return "/v1/messages"
	case ProtocolOpenAIResponse:
		return "/v1/responses"
	case ProtocolGemini:
		return "/v1beta/models"
	default:
		return "/v1/chat/completions"
	}
}

// UsesEventNames reports whether the protocol's SSE frames carry an explicit
// "event:" field in addition to "data:".
func (p Protocol) UsesEventNames() bool {
	return p == ProtocolAnthropic || p == ProtocolOpenAIResponse
}

// String implements fmt.Stringer.
func (p Protocol) String() string { return string(p) }
