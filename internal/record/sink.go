// Package record captures upstream request/response traffic to JSONL files,
// one file per provider with hourly rotation. It is a debugging aid wired
// into the forwarder's transport when record mode is enabled.
package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Mode selects what gets written per exchange.
type Mode string

const (
	// ModeAll records both request and response.
	ModeAll Mode = "all"
	// ModeResponse records the response only.
	ModeResponse Mode = "response"
)

// Entry is one recorded exchange, one JSON object per line.
type Entry struct {
	Timestamp  string            `json:"timestamp"`
	RecordID   string            `json:"record_id"`
	Provider   string            `json:"provider"`
	Model      string            `json:"model"`
	Request    *Request          `json:"request,omitempty"`
	Response   *Response         `json:"response,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Request holds the outbound HTTP request details.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    map[string]any    `json:"body,omitempty"`
}

// Response holds the upstream HTTP response details.
type Response struct {
	StatusCode      int               `json:"status_code"`
	Headers         map[string]string `json:"headers"`
	Body            map[string]any    `json:"body,omitempty"`
	IsStreaming     bool              `json:"is_streaming,omitempty"`
	StreamedContent string            `json:"streamed_content,omitempty"`
}

// FilterContext is the environment a filter expression runs against, e.g.
// `StatusCode >= 500 || DurationMs > 10000`.
type FilterContext struct {
	Provider    string `expr:"Provider"`
	Model       string `expr:"Model"`
	StatusCode  int    `expr:"StatusCode"`
	DurationMs  int64  `expr:"DurationMs"`
	IsStreaming bool   `expr:"IsStreaming"`
	HasError    bool   `expr:"HasError"`
}

// Sink writes exchanges to per-provider JSONL files.
type Sink struct {
	mode    Mode
	baseDir string
	filter  *vm.Program
	fileMap map[string]*recordFile
	mutex   sync.Mutex
}

type recordFile struct {
	file        *os.File
	writer      *json.Encoder
	currentHour string
}

// NewSink builds a sink. Empty mode disables recording; an invalid mode or
// an uncompilable filter expression also disables it rather than flooding
// the disk with unfiltered traffic.
func NewSink(baseDir string, mode Mode, filterExpr string) *Sink {
	if mode == "" {
		return &Sink{}
	}
	if mode != ModeAll && mode != ModeResponse {
		logrus.Warnf("invalid record mode %q, recording disabled", mode)
		return &Sink{}
	}

	var filter *vm.Program
	if filterExpr != "" {
		program, err := expr.Compile(filterExpr, expr.Env(FilterContext{}))
		if err != nil {
			logrus.Errorf("record filter %q does not compile: %v, recording disabled", filterExpr, err)
			return &Sink{}
		}
		filter = program
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		logrus.Errorf("creating record directory %s: %v, recording disabled", baseDir, err)
		return &Sink{}
	}

	return &Sink{
		mode:    mode,
		baseDir: baseDir,
		filter:  filter,
		fileMap: make(map[string]*recordFile),
	}
}

// IsEnabled reports whether the sink writes anything at all.
func (s *Sink) IsEnabled() bool {
	return s.mode != ""
}

// BaseDir returns the directory recordings land in.
func (s *Sink) BaseDir() string {
	return s.baseDir
}

// Record writes one exchange, subject to the filter expression.
func (s *Sink) Record(provider, model string, req *Request, resp *Response, duration time.Duration, err error) {
	if s.mode == "" {
		return
	}
	if !s.admit(provider, model, resp, duration, err) {
		return
	}

	entry := &Entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RecordID:   uuid.New().String(),
		Provider:   provider,
		Model:      model,
		Response:   resp,
		DurationMs: duration.Milliseconds(),
	}
	if s.mode == ModeAll {
		entry.Request = req
	}
	if err != nil {
		entry.Error = err.Error()
	}

	s.writeEntry(provider, entry)
}

// admit evaluates the filter expression; no filter means record everything.
func (s *Sink) admit(provider, model string, resp *Response, duration time.Duration, err error) bool {
	if s.filter == nil {
		return true
	}
	fc := FilterContext{
		Provider:   provider,
		Model:      model,
		DurationMs: duration.Milliseconds(),
		HasError:   err != nil,
	}
	if resp != nil {
		fc.StatusCode = resp.StatusCode
		fc.IsStreaming = resp.IsStreaming
	}
	out, runErr := expr.Run(s.filter, fc)
	if runErr != nil {
		logrus.Errorf("record filter evaluation failed: %v", runErr)
		return true
	}
	keep, ok := out.(bool)
	return !ok || keep
}

func (s *Sink) writeEntry(provider string, entry *Entry) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	currentHour := time.Now().UTC().Format("2006-01-02-15")
	rf, exists := s.fileMap[provider]
	if !exists || rf.currentHour != currentHour {
		if exists {
			s.closeFile(rf)
		}
		filename := filepath.Join(s.baseDir, fmt.Sprintf("%s-%s.jsonl", provider, currentHour))
		file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logrus.Errorf("opening record file %s: %v", filename, err)
			return
		}
		rf = &recordFile{
			file:        file,
			writer:      json.NewEncoder(file),
			currentHour: currentHour,
		}
		s.fileMap[provider] = rf
	}

	if err := rf.writer.Encode(entry); err != nil {
		logrus.Errorf("writing record entry: %v", err)
	}
}

func (s *Sink) closeFile(rf *recordFile) {
	if rf != nil && rf.file != nil {
		if err := rf.file.Close(); err != nil {
			logrus.Errorf("closing record file: %v", err)
		}
	}
}

// Close flushes and closes every open record file.
func (s *Sink) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, rf := range s.fileMap {
		s.closeFile(rf)
	}
	s.fileMap = make(map[string]*recordFile)
}
