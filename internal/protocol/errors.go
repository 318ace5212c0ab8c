package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies codec errors so the orchestrator can match on category
// instead of sniffing message strings.
type Kind string

const (
	// KindInvalidRequest marks client payloads that violate the source
	// protocol's structural requirements.
	KindInvalidRequest Kind = "invalid_request"
	// KindValidation marks IR that the target protocol cannot express.
	KindValidation Kind = "validation"
	// KindUnsupported marks protocol pairs with no codec path.
	KindUnsupported Kind = "unsupported"
)

// Stable machine codes surfaced in error bodies.
const (
	CodeInvalidRequest        = "invalid_request_error"
	CodeConversionError       = "conversion_error"
	CodeUnsupportedConversion = "unsupported_protocol_conversion"
)

// Error is the typed codec error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest builds a client-validation error.
func NewInvalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// NewValidation builds a target-requirement error.
func NewValidation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeConversionError, Message: fmt.Sprintf(format, args...)}
}

// NewUnsupported builds an unsupported-conversion error.
func NewUnsupported(from, to Protocol) *Error {
	return &Error{
		Kind:    KindUnsupported,
		Code:    CodeUnsupportedConversion,
		Message: fmt.Sprintf("no conversion path from %s to %s", from, to),
	}
}

// AsError extracts a typed codec error when err carries one.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the error's kind, or KindValidation for untyped errors
// raised inside a codec.
func KindOf(err error) Kind {
	if pe, ok := AsError(err); ok {
		return pe.Kind
	}
	return KindValidation
}
