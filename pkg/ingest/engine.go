// Package ingest turns a chat completion response - a raw SSE byte
// stream or a single parsed document - into a monotonically growing
// text result. Reasoning and answer channels are merged into one
// string delimited by think tags, partial results are throttled, and
// exactly one terminal notification is delivered per run.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danielkorat/vllm-chat/pkg/llm"
)

const (
	// ReasoningOpenTag and ReasoningCloseTag delimit reasoning text in
	// the merged result. Downstream renderers fold the tagged span
	// into a collapsible "thinking" block.
	ReasoningOpenTag  = "<think>"
	ReasoningCloseTag = "</think>"

	dataPrefix   = "data: "
	doneSentinel = "[DONE]"

	// Minimum wall-clock gap between two partial notifications.
	// Events landing inside the gap are coalesced into the next one.
	notifyInterval = 33 * time.Millisecond
)

// Kind classifies a notification. Exactly one of Done, Cancelled or
// Failed terminates a run.
type Kind int

const (
	KindPartial Kind = iota
	KindDone
	KindCancelled
	KindFailed
)

// Notification is one callback payload. Content carries the full
// accumulated text so far, never a fragment.
type Notification struct {
	Kind    Kind
	Content string
	Stats   llm.Stats
	Err     error
}

// Callback receives partial and terminal notifications, in order.
type Callback func(Notification)

type mergeState int

const (
	stateIdle mergeState = iota
	stateReasoningOpen
	stateReasoningClosed
)

// Engine ingests one chat completion response. An Engine is
// single-use: create one per generation, immediately before issuing
// the request, so that duration measures from request time.
type Engine struct {
	logger *zap.Logger

	content strings.Builder
	carry   string // trailing partial line held across reads
	state   mergeState
	events  int
	dirty   bool // content grew since the last notification

	start      time.Time
	lastNotify time.Time
	done       bool
}

// New creates an Engine and starts its wall clock.
func New(logger *zap.Logger) *Engine {
	return &Engine{
		logger: logger,
		start:  time.Now(),
	}
}

// Consume reads the SSE byte stream until it ends, invoking cb with
// throttled partial notifications and one terminal notification.
// A cancelled ctx observed during a read yields KindCancelled with the
// content accumulated so far; any other read failure yields
// KindFailed. Normal end of stream yields KindDone.
func (e *Engine) Consume(ctx context.Context, r io.Reader, cb Callback) {
	buf := make([]byte, 32*1024)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			e.ingest(string(buf[:n]), cb)
		}

		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				// Process a final line the server sent without a
				// trailing newline.
				if rest := e.carry; rest != "" {
					e.carry = ""
					e.processLine(rest)
				}
				e.finish(cb)
			case ctx.Err() != nil:
				e.terminate(cb, Notification{Kind: KindCancelled, Content: e.content.String(), Stats: e.stats()})
			default:
				e.logger.Error("stream read failed", zap.Error(err))
				e.terminate(cb, Notification{Kind: KindFailed, Content: e.content.String(), Stats: e.stats(), Err: err})
			}
			return
		}

		if ctx.Err() != nil {
			e.terminate(cb, Notification{Kind: KindCancelled, Content: e.content.String(), Stats: e.stats()})
			return
		}
	}
}

// ConsumeCompletion applies the same channel merge to a non-streaming
// response document and issues the terminal notification directly. No
// partial notifications occur.
func (e *Engine) ConsumeCompletion(doc *llm.ChatCompletion, cb Callback) {
	if doc == nil || len(doc.Choices) == 0 || doc.Choices[0].Message == nil {
		e.terminate(cb, Notification{Kind: KindFailed, Err: errors.New("response has no message")})
		return
	}

	msg := doc.Choices[0].Message
	if reasoning := msg.ReasoningText(); reasoning != "" {
		e.content.WriteString(ReasoningOpenTag)
		e.content.WriteString(reasoning)
		e.content.WriteString(ReasoningCloseTag)
	}
	e.content.WriteString(msg.Content)

	if doc.Usage != nil && doc.Usage.CompletionTokens > 0 {
		e.events = doc.Usage.CompletionTokens
	} else {
		// Rough estimate: one token per four characters.
		e.events = e.content.Len() / 4
	}

	e.terminate(cb, Notification{Kind: KindDone, Content: e.content.String(), Stats: e.stats()})
}

// ingest appends newly read bytes to the carry-over buffer, processes
// every complete line, and fires a throttled partial notification if
// content grew.
func (e *Engine) ingest(text string, cb Callback) {
	e.carry += text

	for {
		idx := strings.IndexByte(e.carry, '\n')
		if idx < 0 {
			break
		}
		line := e.carry[:idx]
		e.carry = e.carry[idx+1:]
		e.processLine(line)
	}

	e.maybeNotify(cb)
}

// processLine handles one SSE line. Lines without the data prefix and
// the [DONE] sentinel are ignored; a payload that fails to parse is
// logged and skipped so a single malformed event never aborts the
// whole ingestion.
func (e *Engine) processLine(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, dataPrefix) {
		return
	}

	payload := strings.TrimPrefix(line, dataPrefix)
	if payload == doneSentinel {
		return
	}

	var chunk llm.StreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		e.logger.Warn("skipping malformed event", zap.Error(err), zap.String("payload", payload))
		return
	}
	if len(chunk.Choices) == 0 {
		return
	}

	delta := chunk.Choices[0].Delta
	grew := false

	// Reasoning before answer: an event may carry both, and the
	// closing tag must land between them.
	if reasoning := delta.ReasoningDelta(); reasoning != "" {
		if e.state == stateIdle {
			e.content.WriteString(ReasoningOpenTag)
			e.state = stateReasoningOpen
		}
		e.content.WriteString(reasoning)
		grew = true
	}

	if delta.Content != "" {
		if e.state == stateReasoningOpen {
			e.content.WriteString(ReasoningCloseTag)
			e.state = stateReasoningClosed
		}
		e.content.WriteString(delta.Content)
		grew = true
	}

	if grew {
		e.events++
		e.dirty = true
	}
}

// finish closes a dangling reasoning span and delivers the success
// terminal. A stream that ends mid-reasoning still produces balanced
// tags.
func (e *Engine) finish(cb Callback) {
	if e.state == stateReasoningOpen {
		e.content.WriteString(ReasoningCloseTag)
		e.state = stateReasoningClosed
	}
	e.terminate(cb, Notification{Kind: KindDone, Content: e.content.String(), Stats: e.stats()})
}

// maybeNotify fires a partial notification unless one fired within
// notifyInterval. The terminal path bypasses this entirely.
func (e *Engine) maybeNotify(cb Callback) {
	if !e.dirty || time.Since(e.lastNotify) < notifyInterval {
		return
	}
	e.lastNotify = time.Now()
	e.dirty = false
	cb(Notification{Kind: KindPartial, Content: e.content.String(), Stats: e.stats()})
}

// terminate delivers a terminal notification exactly once.
func (e *Engine) terminate(cb Callback, n Notification) {
	if e.done {
		return
	}
	e.done = true
	cb(n)
}

func (e *Engine) stats() llm.Stats {
	duration := time.Since(e.start).Seconds()
	tps := 0.0
	if duration > 0 {
		tps = float64(e.events) / duration
	}
	return llm.Stats{
		TokenCount:      e.events,
		Duration:        duration,
		TokensPerSecond: tps,
	}
}
