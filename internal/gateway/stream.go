package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tingly-dev/tingly-relay/internal/llmclient"
	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
	"github.com/tingly-dev/tingly-relay/internal/protocol/stream"
	"github.com/tingly-dev/tingly-relay/internal/protocol/token"
	"github.com/tingly-dev/tingly-relay/internal/relay"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// previewLimit bounds the output preview kept in the request log.
const previewLimit = 256

// streamReply wraps a committed upstream stream in the right pipeline and
// hands the transport a pump. The pump owns the upstream connection and the
// request log; it must be invoked exactly once.
func (g *Gateway) streamReply(req *Request, irReq *ir.Request, clientCodec protocol.Codec, res *relay.Result, lg *typ.RequestLog, start time.Time, images int64) *Reply {
	cand := res.Candidate
	target := cand.Provider.Protocol

	counter := token.NewStreamCounter(g.counter)
	counter.SetInputTokens(lg.InputTokens)

	var pipe stream.Pipeline
	if target == req.Protocol {
		pipe = stream.NewPassthrough(clientCodec, irReq.Model, counter)
	} else {
		targetCodec, err := g.registry.Lookup(target)
		if err != nil {
			res.Stream.Close()
			return g.errorReply(req.Protocol, http.StatusBadGateway, protocol.CodeUnsupportedConversion,
				"upstream stream could not be converted", lg)
		}
		pipe = stream.NewTranslator(
			targetCodec.NewStreamDecoder(),
			clientCodec.NewStreamEncoder(protocol.EncodeOptions{TargetModel: irReq.Model, Source: target}),
			counter,
		)
	}

	lg.IsStream = true
	lg.FirstByteDelayMs = res.Response.FirstByteDelayMs
	conn := res.Stream

	pump := func(ctx context.Context, w io.Writer, flush func()) error {
		defer conn.Close()

		err := g.pumpStream(ctx, w, flush, conn, pipe, req.Protocol, lg)

		recordUsage(lg, cand, pipe.Usage(), images)
		lg.ResponseStatus = res.Response.StatusCode
		lg.TotalTimeMs = time.Since(start).Milliseconds()
		g.writeLog(ctx, lg)
		return err
	}

	return &Reply{
		Status:      res.Response.StatusCode,
		ContentType: "text/event-stream",
		Stream:      pump,
	}
}

// pumpStream moves frames from the upstream connection through the pipeline
// to the client until the upstream ends or either side fails. Mid-flight
// failures emit a protocol-shaped error event before the stream closes.
func (g *Gateway) pumpStream(ctx context.Context, w io.Writer, flush func(), conn *llmclient.StreamConn, pipe stream.Pipeline, clientProto protocol.Protocol, lg *typ.RequestLog) error {
	writer := stream.NewWriter(w, clientProto.UsesEventNames())
	digest := newStreamDigest(clientProto)
	defer func() { lg.ResponseBody = digest.summaryJSON() }()

	send := func(chunks []protocol.StreamChunk) error {
		if len(chunks) == 0 {
			return nil
		}
		if err := writer.WriteAll(chunks); err != nil {
			return err
		}
		digest.observe(chunks)
		flush()
		return nil
	}

	sc := stream.NewScanner(conn)
	for sc.Next() {
		chunks, perr := pipe.Process(sc.Chunk())
		if werr := send(chunks); werr != nil {
			lg.ErrorInfo = "client_disconnected"
			return werr
		}
		if perr != nil {
			lg.ErrorInfo = "stream translation failed: " + perr.Error()
			if failed, ferr := pipe.Fail("api_error", "stream translation failed"); ferr == nil {
				_ = send(failed)
			}
			return perr
		}
	}

	if err := sc.Err(); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			lg.ErrorInfo = "client_disconnected"
			return err
		}
		lg.ErrorInfo = "upstream stream error: " + err.Error()
		if failed, ferr := pipe.Fail("api_error", "upstream connection lost"); ferr == nil {
			_ = send(failed)
		}
		return err
	}

	// Upstream ended; flush whatever framing the pipeline still owes.
	chunks, err := pipe.Finish()
	if werr := send(chunks); werr != nil {
		lg.ErrorInfo = "client_disconnected"
		return werr
	}
	return err
}

// streamDigest summarizes the frames written to the client for the request
// log: frame count, a bounded text preview and the final stop reason.
type streamDigest struct {
	proto     protocol.Protocol
	events    int
	preview   strings.Builder
	truncated bool
	stop      string
}

func newStreamDigest(p protocol.Protocol) *streamDigest {
	return &streamDigest{proto: p}
}

func (d *streamDigest) observe(chunks []protocol.StreamChunk) {
	for _, ch := range chunks {
		d.events++
		if len(ch.Data) == 0 || ch.Data[0] != '{' {
			continue
		}
		switch d.proto {
		case protocol.ProtocolOpenAI:
			if r := gjson.GetBytes(ch.Data, "choices.0.delta.content"); r.Type == gjson.String {
				d.push(r.String())
			}
			if r := gjson.GetBytes(ch.Data, "choices.0.finish_reason"); r.Type == gjson.String {
				d.stop = r.String()
			}
		case protocol.ProtocolOpenAIResponse:
			switch frameType(ch) {
			case "response.output_text.delta":
				d.push(gjson.GetBytes(ch.Data, "delta").String())
			case "response.completed":
				d.stop = gjson.GetBytes(ch.Data, "response.status").String()
			}
		case protocol.ProtocolAnthropic:
			switch frameType(ch) {
			case "content_block_delta":
				d.push(gjson.GetBytes(ch.Data, "delta.text").String())
			case "message_delta":
				if r := gjson.GetBytes(ch.Data, "delta.stop_reason"); r.Type == gjson.String {
					d.stop = r.String()
				}
			}
		}
	}
}

func frameType(ch protocol.StreamChunk) string {
	if ch.Event != "" {
		return ch.Event
	}
	return gjson.GetBytes(ch.Data, "type").String()
}

func (d *streamDigest) push(text string) {
	if text == "" || d.truncated {
		return
	}
	room := previewLimit - d.preview.Len()
	if len(text) > room {
		d.preview.WriteString(text[:room])
		d.truncated = true
		return
	}
	d.preview.WriteString(text)
}

func (d *streamDigest) summaryJSON() string {
	b, _ := json.Marshal(typ.StreamSummary{
		EventCount:    d.events,
		OutputPreview: d.preview.String(),
		Truncated:     d.truncated,
		StopReason:    d.stop,
	})
	return string(b)
}
