package stream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/tingly-relay/internal/protocol"
)

func TestScannerSplitsFrames(t *testing.T) {
	raw := "event: message_start\n" +
		"data: {\"type\":\"message_start\"}\n" +
		"\n" +
		": keepalive\n" +
		"\n" +
		"data: {\"a\":1}\n" +
		"data: {\"b\":2}\n" +
		"\n" +
		"data: [DONE]\n" +
		"\n"

	sc := NewScanner(strings.NewReader(raw))

	var chunks []protocol.StreamChunk
	for sc.Next() {
		chunks = append(chunks, sc.Chunk())
	}
	require.NoError(t, sc.Err())
	require.Len(t, chunks, 3)

	assert.Equal(t, "message_start", chunks[0].Event)
	assert.Equal(t, `{"type":"message_start"}`, string(chunks[0].Data))

	assert.Equal(t, "", chunks[1].Event)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}", string(chunks[1].Data), "multi-line data joins with newlines")

	assert.Equal(t, "[DONE]", string(chunks[2].Data))
}

func TestScannerDeliversTrailingFrame(t *testing.T) {
	// No blank line after the last frame.
	raw := "event: done\ndata: {\"x\":1}"

	sc := NewScanner(strings.NewReader(raw))
	require.True(t, sc.Next())
	assert.Equal(t, "done", sc.Chunk().Event)
	assert.Equal(t, `{"x":1}`, string(sc.Chunk().Data))
	assert.False(t, sc.Next())
	assert.NoError(t, sc.Err())
}

func TestScannerHandlesCompactFields(t *testing.T) {
	raw := "event:ping\ndata:{\"type\":\"ping\"}\n\n"

	sc := NewScanner(strings.NewReader(raw))
	require.True(t, sc.Next())
	assert.Equal(t, "ping", sc.Chunk().Event)
	assert.Equal(t, `{"type":"ping"}`, string(sc.Chunk().Data))
}

func TestScannerSkipsDatalessFrames(t *testing.T) {
	raw := "event: orphan\n\ndata: {\"ok\":true}\n\n"

	sc := NewScanner(strings.NewReader(raw))
	require.True(t, sc.Next())
	assert.Equal(t, "", sc.Chunk().Event, "orphan event name does not leak into the next frame")
	assert.Equal(t, `{"ok":true}`, string(sc.Chunk().Data))
	assert.False(t, sc.Next())
}

func TestWriterOpenAIFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, false)

	require.NoError(t, w.WriteAll([]protocol.StreamChunk{
		{Event: "ignored", Data: []byte(`{"a":1}`)},
		{Data: []byte("[DONE]")},
	}))

	assert.Equal(t, "data: {\"a\":1}\n\ndata: [DONE]\n\n", buf.String())
}

func TestWriterAnthropicFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, true)

	require.NoError(t, w.Write(protocol.StreamChunk{
		Event: "content_block_delta",
		Data:  []byte(`{"type":"content_block_delta"}`),
	}))

	assert.Equal(t, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\"}\n\n", buf.String())
}
