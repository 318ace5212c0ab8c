// Package routing evaluates configured rule sets against one request and
// joins model mappings with their provider edges into candidate lists.
package routing

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// TokenUsage is the request-side count snapshot rules may inspect.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// Context is the surface one request exposes to rule evaluation. Body is the
// raw client JSON; rules address into it with gjson paths.
type Context struct {
	Model   string
	Headers http.Header
	Body    []byte
	Usage   TokenUsage
}

// Resolve looks up a dotted rule field. The second return reports whether
// the field is present at all, which is what the exists operator checks.
func (c *Context) Resolve(field string) (any, bool) {
	switch {
	case field == "model":
		return c.Model, true
	case strings.HasPrefix(field, "headers."):
		name := strings.TrimPrefix(field, "headers.")
		if c.Headers == nil || len(c.Headers.Values(name)) == 0 {
			return nil, false
		}
		return c.Headers.Get(name), true
	case strings.HasPrefix(field, "body."):
		path := strings.TrimPrefix(field, "body.")
		res := gjson.GetBytes(c.Body, path)
		if !res.Exists() {
			return nil, false
		}
		return res.Value(), true
	case field == "token_usage.input_tokens":
		return c.Usage.InputTokens, true
	case field == "token_usage.output_tokens":
		return c.Usage.OutputTokens, true
	case field == "token_usage.total_tokens":
		return c.Usage.TotalTokens, true
	}
	return nil, false
}
