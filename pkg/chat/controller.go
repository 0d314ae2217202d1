package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/danielkorat/vllm-chat/pkg/ingest"
	"github.com/danielkorat/vllm-chat/pkg/llm"
)

// ErrGenerationInFlight is returned when a generation is already
// running for the conversation. Generations are single-flight per
// conversation, not globally.
var ErrGenerationInFlight = errors.New("generation already in flight for this conversation")

// Transport issues chat completion requests. Satisfied by *llm.Client.
type Transport interface {
	StreamCompletion(ctx context.Context, req *llm.ChatRequest) (io.ReadCloser, error)
	Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatCompletion, error)
}

// Saver durably persists conversations. Satisfied by the storage
// package's stores.
type Saver interface {
	Save(ctx context.Context, conv *Conversation) error
}

// Update is the controller's fan-out to the caller: the target turn's
// accumulated content and stats after each partial or terminal write.
type Update struct {
	TurnIndex int        `json:"turn_index"`
	Content   string     `json:"content"`
	Stats     *llm.Stats `json:"stats,omitempty"`
	Done      bool       `json:"done"`
	Cancelled bool       `json:"cancelled,omitempty"`
}

// UpdateFunc observes generation progress. May be nil.
type UpdateFunc func(Update)

// Controller orchestrates generations: it builds requests, drives the
// ingestion engine, routes notifications into the conversation's
// version tree, and owns single-flight and cancellation per
// conversation.
type Controller struct {
	transport Transport
	saver     Saver
	logger    *zap.Logger
	model     string
	streaming bool

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // keyed by conversation ID
}

// NewController creates a Controller generating with the given model.
// When streaming is false, generations use the non-streaming
// completion path and deliver no partial updates.
func NewController(transport Transport, saver Saver, model string, streaming bool, logger *zap.Logger) *Controller {
	return &Controller{
		transport: transport,
		saver:     saver,
		logger:    logger,
		model:     model,
		streaming: streaming,
		inflight:  make(map[string]context.CancelFunc),
	}
}

// Generate runs one generation against conv. A negative targetIndex
// appends a new empty assistant turn; otherwise the existing assistant
// turn at targetIndex is the target (regeneration, already prepared by
// StartRegeneration). Returns ErrGenerationInFlight without side
// effects when a generation is already running for conv.
//
// Generate blocks until the terminal notification. Cancellation via
// Cancel (or ctx) ends it early, keeping partial content.
func (g *Controller) Generate(ctx context.Context, conv *Conversation, targetIndex int, onUpdate UpdateFunc) error {
	genCtx, err := g.acquire(ctx, conv.ID)
	if err != nil {
		return err
	}
	defer g.release(conv.ID)

	return g.run(genCtx, conv, targetIndex, onUpdate)
}

// run executes one generation with the in-flight slot already held.
func (g *Controller) run(genCtx context.Context, conv *Conversation, targetIndex int, onUpdate UpdateFunc) error {
	if targetIndex < 0 {
		targetIndex = conv.AppendAssistantTurn()
	} else {
		role, _, err := conv.roleAt(targetIndex)
		if err != nil {
			return err
		}
		if role != RoleAssistant {
			return ErrNotAssistantTurn
		}
	}

	req := &llm.ChatRequest{
		Model:           g.model,
		Messages:        conv.RequestContext(targetIndex),
		Temperature:     conv.Settings.Temperature,
		ReasoningEffort: conv.Settings.ReasoningEffort,
	}

	g.logger.Info("starting generation",
		zap.String("conversation_id", conv.ID),
		zap.Int("turn_index", targetIndex),
		zap.Int("context_messages", len(req.Messages)),
		zap.Bool("streaming", g.streaming),
	)

	engine := ingest.New(g.logger)

	var genErr error
	cb := func(n ingest.Notification) {
		switch n.Kind {
		case ingest.KindPartial:
			stats := n.Stats
			conv.WriteActive(targetIndex, n.Content, &stats)
			g.notify(onUpdate, Update{TurnIndex: targetIndex, Content: n.Content, Stats: &stats})

		case ingest.KindDone:
			stats := n.Stats
			conv.WriteActive(targetIndex, n.Content, &stats)
			g.save(conv)
			g.notify(onUpdate, Update{TurnIndex: targetIndex, Content: n.Content, Stats: &stats, Done: true})
			g.logger.Info("generation complete",
				zap.String("conversation_id", conv.ID),
				zap.Int("token_count", stats.TokenCount),
				zap.Float64("tokens_per_second", stats.TokensPerSecond),
			)

		case ingest.KindCancelled:
			// Partial content already written stays; nothing to roll
			// back and nothing to save.
			content, stats := conv.active(targetIndex)
			g.notify(onUpdate, Update{TurnIndex: targetIndex, Content: content, Stats: stats, Done: true, Cancelled: true})
			g.logger.Info("generation cancelled", zap.String("conversation_id", conv.ID))

		case ingest.KindFailed:
			genErr = n.Err
			g.writeFailure(conv, targetIndex, n.Err, onUpdate)
		}
	}

	if g.streaming {
		body, err := g.transport.StreamCompletion(genCtx, req)
		if err != nil {
			return g.requestFailed(genCtx, conv, targetIndex, err, onUpdate)
		}
		defer body.Close()
		engine.Consume(genCtx, body, cb)
	} else {
		doc, err := g.transport.Completion(genCtx, req)
		if err != nil {
			return g.requestFailed(genCtx, conv, targetIndex, err, onUpdate)
		}
		engine.ConsumeCompletion(doc, cb)
	}

	return genErr
}

// Regenerate produces an alternate completion. For an assistant turn
// the version tree tracks the previous content as a sibling and the
// new generation streams into a fresh sibling slot. When the target is
// the conversation's final user turn, no sibling is involved: a new
// assistant turn is appended and generated with the full context.
//
// The in-flight slot is taken before the version tree is touched, so a
// Regenerate that loses the single-flight race returns
// ErrGenerationInFlight without mutating the conversation.
func (g *Controller) Regenerate(ctx context.Context, conv *Conversation, turnIndex int, onUpdate UpdateFunc) error {
	genCtx, err := g.acquire(ctx, conv.ID)
	if err != nil {
		return err
	}
	defer g.release(conv.ID)

	role, final, err := conv.roleAt(turnIndex)
	if err != nil {
		return err
	}

	if role == RoleUser && final {
		return g.run(genCtx, conv, -1, onUpdate)
	}

	if _, err := conv.StartRegeneration(turnIndex); err != nil {
		return err
	}

	return g.run(genCtx, conv, turnIndex, onUpdate)
}

// Cancel aborts the in-flight generation for the conversation, if any.
// The engine observes the abort mid-read and delivers the cancellation
// terminal; partial content is kept. Reports whether a generation was
// in flight.
func (g *Controller) Cancel(convID string) bool {
	g.mu.Lock()
	cancel, ok := g.inflight[convID]
	g.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// InFlight reports whether a generation is running for the
// conversation. The API layer uses this to defer user mutations that
// would race against in-flight writes.
func (g *Controller) InFlight(convID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[convID]
	return ok
}

func (g *Controller) acquire(ctx context.Context, convID string) (context.Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.inflight[convID]; ok {
		return nil, ErrGenerationInFlight
	}

	genCtx, cancel := context.WithCancel(ctx)
	g.inflight[convID] = cancel
	return genCtx, nil
}

func (g *Controller) release(convID string) {
	g.mu.Lock()
	cancel, ok := g.inflight[convID]
	delete(g.inflight, convID)
	g.mu.Unlock()

	if ok {
		cancel()
	}
}

// requestFailed handles a transport failure before any event was
// ingested. A cancellation racing the request is treated as the clean
// cancellation path, not an error.
func (g *Controller) requestFailed(genCtx context.Context, conv *Conversation, targetIndex int, err error, onUpdate UpdateFunc) error {
	if genCtx.Err() != nil {
		content, stats := conv.active(targetIndex)
		g.notify(onUpdate, Update{TurnIndex: targetIndex, Content: content, Stats: stats, Done: true, Cancelled: true})
		g.logger.Info("generation cancelled before response", zap.String("conversation_id", conv.ID))
		return nil
	}

	g.writeFailure(conv, targetIndex, err, onUpdate)
	return err
}

// writeFailure renders an error into the target turn: replacing the
// content when nothing streamed yet, annotating it otherwise.
func (g *Controller) writeFailure(conv *Conversation, targetIndex int, err error, onUpdate UpdateFunc) {
	g.logger.Error("generation failed",
		zap.String("conversation_id", conv.ID),
		zap.Int("turn_index", targetIndex),
		zap.Error(err),
	)

	partial, stats := conv.active(targetIndex)
	content := fmt.Sprintf("**Error:** %v", err)
	if partial != "" {
		content = partial + "\n\n**Error:** " + err.Error()
	}

	conv.WriteActive(targetIndex, content, stats)
	g.notify(onUpdate, Update{TurnIndex: targetIndex, Content: content, Stats: stats, Done: true})
}

// save persists the conversation after a successful generation.
// Storage failures are logged, not surfaced - the generated content is
// already in the conversation.
func (g *Controller) save(conv *Conversation) {
	if g.saver == nil {
		return
	}
	if err := g.saver.Save(context.Background(), conv); err != nil {
		g.logger.Error("failed to save conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
}

func (g *Controller) notify(onUpdate UpdateFunc, u Update) {
	if onUpdate != nil {
		onUpdate(u)
	}
}
