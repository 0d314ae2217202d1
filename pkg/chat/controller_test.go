package chat_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/danielkorat/vllm-chat/pkg/chat"
	"github.com/danielkorat/vllm-chat/pkg/llm"
)

// fakeTransport serves a scripted response. When block is non-nil the
// stream stalls after the scripted body until the channel closes or
// the request context is cancelled.
type fakeTransport struct {
	body  string
	doc   *llm.ChatCompletion
	err   error
	block chan struct{}

	mu       sync.Mutex
	requests []*llm.ChatRequest
}

func (t *fakeTransport) StreamCompletion(ctx context.Context, req *llm.ChatRequest) (io.ReadCloser, error) {
	t.record(req)
	if t.err != nil {
		return nil, t.err
	}
	return io.NopCloser(&stallReader{data: t.body, ctx: ctx, block: t.block}), nil
}

func (t *fakeTransport) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatCompletion, error) {
	t.record(req)
	if t.err != nil {
		return nil, t.err
	}
	return t.doc, nil
}

func (t *fakeTransport) record(req *llm.ChatRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, req)
}

func (t *fakeTransport) lastRequest() *llm.ChatRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests[len(t.requests)-1]
}

type stallReader struct {
	data  string
	pos   int
	ctx   context.Context
	block chan struct{}
}

func (r *stallReader) Read(p []byte) (int, error) {
	if r.pos < len(r.data) {
		n := copy(p, r.data[r.pos:])
		r.pos += n
		return n, nil
	}
	if r.block != nil {
		select {
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		case <-r.block:
		}
	}
	return 0, io.EOF
}

// fakeSaver records save calls.
type fakeSaver struct {
	mu    sync.Mutex
	saves int
}

func (s *fakeSaver) Save(_ context.Context, _ *chat.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return nil
}

func (s *fakeSaver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func sseBody(events ...string) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString("data: ")
		b.WriteString(e)
		b.WriteString("\n")
	}
	b.WriteString("data: [DONE]\n")
	return b.String()
}

var _ = Describe("Controller", func() {
	var (
		conv      *chat.Conversation
		saver     *fakeSaver
		transport *fakeTransport
	)

	newController := func(streaming bool) *chat.Controller {
		return chat.NewController(transport, saver, "test-model", streaming, zap.NewNop())
	}

	BeforeEach(func() {
		temp := 0.7
		conv = chat.NewConversation(chat.Settings{
			SystemPrompt:    "be brief",
			Temperature:     &temp,
			ReasoningEffort: "low",
		})
		conv.AddUserTurn("hello", nil)
		saver = &fakeSaver{}
		transport = &fakeTransport{}
	})

	Describe("Generate", func() {
		It("appends an assistant turn and fills it from the stream", func() {
			transport.body = sseBody(
				`{"choices":[{"delta":{"reasoning_content":"hmm"}}]}`,
				`{"choices":[{"delta":{"content":"hi there"}}]}`,
			)

			err := newController(true).Generate(context.Background(), conv, -1, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(conv.Turns).To(HaveLen(2))
			turn := conv.Turns[1]
			Expect(turn.Role).To(Equal(chat.RoleAssistant))
			Expect(turn.Content).To(Equal("<think>hmm</think>hi there"))
			Expect(turn.Stats).NotTo(BeNil())
			Expect(turn.Stats.TokenCount).To(Equal(2))
			Expect(saver.count()).To(Equal(1))
		})

		It("builds the request from settings and preceding turns", func() {
			transport.body = sseBody(`{"choices":[{"delta":{"content":"ok"}}]}`)

			Expect(newController(true).Generate(context.Background(), conv, -1, nil)).To(Succeed())

			req := transport.lastRequest()
			Expect(req.Model).To(Equal("test-model"))
			Expect(*req.Temperature).To(Equal(0.7))
			Expect(req.ReasoningEffort).To(Equal("low"))
			Expect(req.Messages).To(HaveLen(2)) // system + user
			Expect(req.Messages[0].Role).To(Equal(chat.RoleSystem))
		})

		It("fans partial and terminal updates out to the observer", func() {
			transport.body = sseBody(`{"choices":[{"delta":{"content":"streamed"}}]}`)

			var updates []chat.Update
			err := newController(true).Generate(context.Background(), conv, -1, func(u chat.Update) {
				updates = append(updates, u)
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(updates).NotTo(BeEmpty())
			final := updates[len(updates)-1]
			Expect(final.Done).To(BeTrue())
			Expect(final.Content).To(Equal("streamed"))
			Expect(final.TurnIndex).To(Equal(1))
		})

		It("rejects a non-assistant target", func() {
			err := newController(true).Generate(context.Background(), conv, 0, nil)
			Expect(err).To(MatchError(chat.ErrNotAssistantTurn))
		})

		It("renders a transport failure into the empty target turn", func() {
			transport.err = errors.New("upstream unreachable")

			err := newController(true).Generate(context.Background(), conv, -1, nil)
			Expect(err).To(MatchError(ContainSubstring("upstream unreachable")))

			Expect(conv.Turns[1].Content).To(ContainSubstring("**Error:**"))
			Expect(conv.Turns[1].Content).To(ContainSubstring("upstream unreachable"))
			Expect(saver.count()).To(BeZero())
		})

		It("is single-flight per conversation and cancellable", func() {
			transport.body = sseBody(`{"choices":[{"delta":{"content":"partial"}}]}`)
			transport.block = make(chan struct{})

			controller := newController(true)
			done := make(chan error, 1)
			go func() {
				done <- controller.Generate(context.Background(), conv, -1, nil)
			}()

			Eventually(func() bool { return controller.InFlight(conv.ID) }).Should(BeTrue())

			err := controller.Generate(context.Background(), conv, -1, nil)
			Expect(err).To(MatchError(chat.ErrGenerationInFlight))

			Expect(controller.Cancel(conv.ID)).To(BeTrue())
			Eventually(done).Should(Receive(BeNil()))
			Expect(controller.InFlight(conv.ID)).To(BeFalse())

			// Partial content survives cancellation; nothing is saved.
			Expect(conv.Turns[1].Content).To(Equal("partial"))
			Expect(saver.count()).To(BeZero())
		})

		It("reports no cancellation when idle", func() {
			Expect(newController(true).Cancel(conv.ID)).To(BeFalse())
		})

		It("uses the non-streaming path when streaming is disabled", func() {
			transport.doc = &llm.ChatCompletion{
				Choices: []llm.Choice{{Message: &llm.ResponseMessage{
					ReasoningContent: "R",
					Content:          "A",
				}}},
				Usage: &llm.Usage{CompletionTokens: 9},
			}

			err := newController(false).Generate(context.Background(), conv, -1, nil)
			Expect(err).NotTo(HaveOccurred())

			turn := conv.Turns[1]
			Expect(turn.Content).To(Equal("<think>R</think>A"))
			Expect(turn.Stats.TokenCount).To(Equal(9))
			Expect(transport.lastRequest().Stream).To(BeFalse())
		})
	})

	Describe("Regenerate", func() {
		BeforeEach(func() {
			transport.body = sseBody(`{"choices":[{"delta":{"content":"take two"}}]}`)
		})

		It("tracks the previous completion as a sibling", func() {
			idx := conv.AppendAssistantTurn()
			conv.WriteActive(idx, "take one", &llm.Stats{TokenCount: 2})

			err := newController(true).Regenerate(context.Background(), conv, idx, nil)
			Expect(err).NotTo(HaveOccurred())

			turn := conv.Turns[idx]
			Expect(turn.Siblings).To(HaveLen(2))
			Expect(turn.Siblings[0].Content).To(Equal("take one"))
			Expect(turn.Siblings[1].Content).To(Equal("take two"))
			Expect(turn.SiblingIndex).To(Equal(1))
			Expect(turn.Content).To(Equal("take two"))
		})

		It("appends a fresh assistant turn when retrying a final user turn", func() {
			err := newController(true).Regenerate(context.Background(), conv, 0, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(conv.Turns).To(HaveLen(2))
			Expect(conv.Turns[0].Siblings).To(BeNil())
			Expect(conv.Turns[1].Role).To(Equal(chat.RoleAssistant))
			Expect(conv.Turns[1].Content).To(Equal("take two"))
		})

		It("rejects out-of-range indices", func() {
			err := newController(true).Regenerate(context.Background(), conv, 42, nil)
			Expect(err).To(MatchError(chat.ErrTurnOutOfRange))
		})

		It("does not touch the version tree when losing the single-flight race", func() {
			idx := conv.AppendAssistantTurn()
			conv.WriteActive(idx, "take one", &llm.Stats{TokenCount: 2})
			transport.block = make(chan struct{})

			controller := newController(true)
			results := make(chan error, 2)
			for i := 0; i < 2; i++ {
				go func() {
					results <- controller.Regenerate(context.Background(), conv, idx, nil)
				}()
			}

			// One call holds the in-flight slot and stalls on the
			// transport; the other must fail before preparing a sibling
			// slot.
			var loser error
			Eventually(results).Should(Receive(&loser))
			Expect(loser).To(MatchError(chat.ErrGenerationInFlight))

			close(transport.block)
			Eventually(results).Should(Receive(BeNil()))

			turn := conv.Turns[idx]
			Expect(turn.Siblings).To(HaveLen(2))
			Expect(turn.Siblings[0].Content).To(Equal("take one"))
			Expect(turn.Siblings[1].Content).To(Equal("take two"))
			Expect(turn.SiblingIndex).To(Equal(1))
			Expect(turn.Content).To(Equal("take two"))
		})
	})
})
