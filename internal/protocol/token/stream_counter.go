package token

import (
	"strings"
	"sync"

	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
)

// StreamCounter accumulates one stream's assistant output and produces its
// final usage record. Upstream-reported counts always win; the accumulated
// text is only counted when the stream ends without an output token report.
type StreamCounter struct {
	mu      sync.Mutex
	counter *Counter

	input int64
	text  strings.Builder
	args  strings.Builder

	reported  ir.Usage
	hasInput  bool
	hasOutput bool
}

// NewStreamCounter wraps counter for a single stream. Call SetInputTokens
// when the request-side count is already known.
func NewStreamCounter(counter *Counter) *StreamCounter {
	return &StreamCounter{counter: counter}
}

// SetInputTokens seeds the input estimate used when the upstream never
// reports input tokens itself.
func (s *StreamCounter) SetInputTokens(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = n
}

// Consume folds one stream event into the accounting.
func (s *StreamCounter) Consume(ev ir.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case ir.EventMessageStart:
		if ev.Message != nil {
			s.merge(ev.Message.Usage)
		}
	case ir.EventContentBlockStart:
		if ev.Block != nil && ev.Block.Kind == ir.BlockToolUse {
			s.args.WriteString(ev.Block.Name)
		}
	case ir.EventContentBlockDelta:
		switch ev.Delta {
		case ir.DeltaText, ir.DeltaThinking:
			s.text.WriteString(ev.Text)
		case ir.DeltaInputJSON:
			s.args.WriteString(ev.PartialJSON)
		}
	case ir.EventMessageDelta:
		s.merge(ev.Usage)
	}
}

func (s *StreamCounter) merge(u *ir.Usage) {
	if u == nil {
		return
	}
	if u.InputTokens > 0 {
		s.reported.InputTokens = u.InputTokens
		s.hasInput = true
	}
	if u.OutputTokens > 0 {
		s.reported.OutputTokens = u.OutputTokens
		s.hasOutput = true
	}
	if u.TotalTokens > 0 {
		s.reported.TotalTokens = u.TotalTokens
	}
	if u.CacheCreationTokens > 0 {
		s.reported.CacheCreationTokens = u.CacheCreationTokens
	}
	if u.CacheReadTokens > 0 {
		s.reported.CacheReadTokens = u.CacheReadTokens
	}
	if u.ReasoningTokens > 0 {
		s.reported.ReasoningTokens = u.ReasoningTokens
	}
}

// HasReportedOutput reports whether the upstream delivered an output token
// count, making the text estimate unnecessary.
func (s *StreamCounter) HasReportedOutput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasOutput
}

// Usage returns the final accounting: reported values where present, the
// accumulated-text estimate otherwise.
func (s *StreamCounter) Usage() ir.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.reported
	if !s.hasInput && s.input > 0 {
		out.InputTokens = s.input
	}
	if !s.hasOutput {
		out.OutputTokens = s.counter.Count(s.text.String()) + s.counter.Count(s.args.String())
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.InputTokens + out.OutputTokens
	}
	return out
}
