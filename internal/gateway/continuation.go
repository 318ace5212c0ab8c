package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/tingly-relay/internal/kv"
	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
)

// continuationTTL is how long a parked signature stays valid. Writes are
// last-wins; a re-signed block simply overwrites the old entry.
const continuationTTL = 30 * 24 * time.Hour

// Continuations carries thinking-block signatures across protocol
// boundaries. Anthropic validates multi-turn thinking blocks with an opaque
// signature that only its own wire format has a slot for; when a response
// is translated into another protocol the signature is parked in the KV
// store keyed by the thinking text, and restored when the conversation
// comes back around toward an Anthropic target.
type Continuations struct {
	store kv.Store
	ttl   time.Duration
}

// NewContinuations wraps a KV store. A nil store returns a nil handler,
// which every method treats as "feature off". A non-positive ttl keeps the
// default.
func NewContinuations(store kv.Store, ttl time.Duration) *Continuations {
	if store == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = continuationTTL
	}
	return &Continuations{store: store, ttl: ttl}
}

// Save parks the signatures of signed thinking blocks. Best effort: a dead
// store only costs the conversation's next turn an upstream validation
// failure it would have had anyway.
func (c *Continuations) Save(ctx context.Context, blocks []ir.ContentBlock) {
	if c == nil {
		return
	}
	for _, b := range blocks {
		if b.Kind != ir.BlockThinking || b.Signature == "" || b.Thinking == "" {
			continue
		}
		if err := c.store.Set(ctx, continuationKey(b.Thinking), []byte(b.Signature), c.ttl); err != nil {
			logrus.WithError(err).Debug("thinking signature save failed")
		}
	}
}

// Restore fills missing signatures on the request's thinking blocks,
// returning req untouched when there is nothing to restore. Decoded IR is
// shared across failover attempts, so the request is copied before
// patching.
func (c *Continuations) Restore(ctx context.Context, req *ir.Request) *ir.Request {
	if c == nil {
		return req
	}
	var patched *ir.Request
	for mi, msg := range req.Messages {
		for bi, b := range msg.Content {
			if b.Kind != ir.BlockThinking || b.Signature != "" || b.Thinking == "" {
				continue
			}
			sig, ok, err := c.store.Get(ctx, continuationKey(b.Thinking))
			if err != nil || !ok {
				continue
			}
			if patched == nil {
				patched = cloneMessages(req)
			}
			patched.Messages[mi].Content[bi].Signature = string(sig)
		}
	}
	if patched == nil {
		return req
	}
	return patched
}

// cloneMessages copies the request with fresh message and content slices so
// patches do not leak into the shared IR.
func cloneMessages(req *ir.Request) *ir.Request {
	out := *req
	out.Messages = make([]ir.Message, len(req.Messages))
	for i, m := range req.Messages {
		out.Messages[i] = m
		out.Messages[i].Content = append([]ir.ContentBlock(nil), m.Content...)
	}
	return &out
}

func continuationKey(thinking string) string {
	sum := sha256.Sum256([]byte(thinking))
	return "relay:thinking:" + hex.EncodeToString(sum[:16])
}
