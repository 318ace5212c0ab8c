package protocol

import (
	"strings"

	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
)

// ParseDataURL splits a data: URL into its media type and base64 payload.
func ParseDataURL(url string) (*ir.MediaSource, bool) {
	if !strings.HasPrefix(url, "data:") {
		return nil, false
	}
	rest := strings.TrimPrefix(url, "data:")
	i := strings.Index(rest, ";base64,")
	if i < 0 {
		return nil, false
	}
	return &ir.MediaSource{
		Kind:      ir.SourceBase64,
		MediaType: rest[:i],
		Data:      rest[i+len(";base64,"):],
	}, true
}

// FormatDataURL renders an inline base64 source as a data: URL.
func FormatDataURL(src *ir.MediaSource) string {
	return "data:" + src.MediaType + ";base64," + src.Data
}

// mediaSourceFromURL builds a source from an URL that may be a data URL.
func mediaSourceFromURL(url, detail string) *ir.MediaSource {
	if src, ok := ParseDataURL(url); ok {
		src.Detail = detail
		return src
	}
	return &ir.MediaSource{Kind: ir.SourceURL, URL: url, Detail: detail}
}

// mediaURL renders a source as a single URL string, inlining base64 payloads
// as data URLs.
func mediaURL(src *ir.MediaSource) string {
	if src == nil {
		return ""
	}
	if src.Kind == ir.SourceBase64 {
		return FormatDataURL(src)
	}
	return src.URL
}
