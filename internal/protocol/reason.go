package protocol

import (
	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
)

// finishReasonToStop maps an OpenAI finish_reason onto the canonical stop
// vocabulary.
func finishReasonToStop(reason string) ir.StopReason {
	switch reason {
	case "stop":
		return ir.StopEndTurn
	case "length":
		return ir.StopMaxTokens
	case "tool_calls", "function_call":
		return ir.StopToolUse
	case "content_filter":
		return ir.StopContentFilter
	case "":
		return ""
	default:
		return ir.StopEndTurn
	}
}

// stopToFinishReason maps the canonical stop vocabulary onto an OpenAI
// finish_reason.
func stopToFinishReason(reason ir.StopReason) string {
	switch reason {
	case ir.StopMaxTokens:
		return "length"
	case ir.StopToolUse:
		return "tool_calls"
	case ir.StopContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

// anthropicStopToIR validates a wire stop_reason against the canonical set.
func anthropicStopToIR(reason string) ir.StopReason {
	switch ir.StopReason(reason) {
	case ir.StopEndTurn, ir.StopMaxTokens, ir.StopStopSequence, ir.StopToolUse, ir.StopContentFilter, ir.StopError:
		return ir.StopReason(reason)
	case "":
		return ""
	default:
		return ir.StopEndTurn
	}
}
