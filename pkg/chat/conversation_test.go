package chat_test

import (
	"encoding/json"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/danielkorat/vllm-chat/pkg/chat"
	"github.com/danielkorat/vllm-chat/pkg/llm"
)

var _ = Describe("Conversation", func() {
	var conv *chat.Conversation

	BeforeEach(func() {
		conv = chat.NewConversation(chat.Settings{SystemPrompt: "be helpful"})
	})

	Describe("NewConversation", func() {
		It("assigns a unique ID and empty turn list", func() {
			other := chat.NewConversation(chat.Settings{})
			Expect(conv.ID).NotTo(BeEmpty())
			Expect(conv.ID).NotTo(Equal(other.ID))
			Expect(conv.Turns).To(BeEmpty())
		})
	})

	Describe("RequestContext", func() {
		It("prepends the system prompt and includes only preceding turns", func() {
			conv.AddUserTurn("first question", nil)
			idx := conv.AppendAssistantTurn()
			conv.WriteActive(idx, "first answer", nil)
			conv.AddUserTurn("second question", nil)
			target := conv.AppendAssistantTurn()

			messages := conv.RequestContext(target)
			Expect(messages).To(HaveLen(4))
			Expect(messages[0].Role).To(Equal(chat.RoleSystem))
			Expect(messages[0].Content).To(Equal("be helpful"))
			Expect(messages[1].Content).To(Equal("first question"))
			Expect(messages[2].Content).To(Equal("first answer"))
			Expect(messages[3].Content).To(Equal("second question"))
		})

		It("omits the system message when the prompt is empty", func() {
			conv.Settings.SystemPrompt = ""
			conv.AddUserTurn("hi", nil)
			target := conv.AppendAssistantTurn()

			messages := conv.RequestContext(target)
			Expect(messages).To(HaveLen(1))
			Expect(messages[0].Role).To(Equal(chat.RoleUser))
		})

		It("expands user turns with images into content parts", func() {
			conv.AddUserTurn("what is this?", []string{"data:image/png;base64,AAAA"})
			target := conv.AppendAssistantTurn()

			messages := conv.RequestContext(target)
			parts, ok := messages[1].Content.([]llm.ContentPart)
			Expect(ok).To(BeTrue())
			Expect(parts).To(HaveLen(2))
			Expect(parts[0].Type).To(Equal("text"))
			Expect(parts[0].Text).To(Equal("what is this?"))
			Expect(parts[1].Type).To(Equal("image_url"))
			Expect(parts[1].ImageURL.URL).To(Equal("data:image/png;base64,AAAA"))
		})
	})

	Describe("StartRegeneration", func() {
		var idx int

		BeforeEach(func() {
			conv.AddUserTurn("question", nil)
			idx = conv.AppendAssistantTurn()
			conv.WriteActive(idx, "original answer", &llm.Stats{TokenCount: 5})
		})

		It("creates a two-element sibling list preserving the original", func() {
			_, err := conv.StartRegeneration(idx)
			Expect(err).NotTo(HaveOccurred())

			turn := conv.Turns[idx]
			Expect(turn.Siblings).To(HaveLen(2))
			Expect(turn.Siblings[0].Content).To(Equal("original answer"))
			Expect(turn.Siblings[0].Stats.TokenCount).To(Equal(5))
			Expect(turn.SiblingIndex).To(Equal(1))
			Expect(turn.Content).To(BeEmpty())
			Expect(turn.Stats).To(BeNil())
		})

		It("appends one sibling per repeated regeneration", func() {
			_, err := conv.StartRegeneration(idx)
			Expect(err).NotTo(HaveOccurred())
			conv.WriteActive(idx, "second answer", nil)

			_, err = conv.StartRegeneration(idx)
			Expect(err).NotTo(HaveOccurred())

			turn := conv.Turns[idx]
			Expect(turn.Siblings).To(HaveLen(3))
			Expect(turn.Siblings[1].Content).To(Equal("second answer"))
			Expect(turn.SiblingIndex).To(Equal(2))
		})

		It("returns the request context excluding the target turn", func() {
			messages, err := conv.StartRegeneration(idx)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(2)) // system + user
			Expect(messages[1].Content).To(Equal("question"))
		})

		It("rejects user turns", func() {
			_, err := conv.StartRegeneration(0)
			Expect(err).To(MatchError(chat.ErrNotAssistantTurn))
		})

		It("rejects out-of-range indices", func() {
			_, err := conv.StartRegeneration(99)
			Expect(err).To(MatchError(chat.ErrTurnOutOfRange))
		})
	})

	Describe("WriteActive", func() {
		var idx int

		BeforeEach(func() {
			conv.AddUserTurn("question", nil)
			idx = conv.AppendAssistantTurn()
		})

		It("updates content and stats on a turn without siblings", func() {
			stats := &llm.Stats{TokenCount: 3}
			conv.WriteActive(idx, "answer", stats)

			Expect(conv.Turns[idx].Content).To(Equal("answer"))
			Expect(conv.Turns[idx].Stats).To(Equal(stats))
			Expect(conv.Turns[idx].Siblings).To(BeNil())
		})

		It("mirrors the active sibling on every call", func() {
			conv.WriteActive(idx, "original", nil)
			_, err := conv.StartRegeneration(idx)
			Expect(err).NotTo(HaveOccurred())

			for _, content := range []string{"p", "pa", "par", "partial"} {
				stats := &llm.Stats{TokenCount: len(content)}
				conv.WriteActive(idx, content, stats)

				turn := conv.Turns[idx]
				active := turn.Siblings[turn.SiblingIndex]
				Expect(active.Content).To(Equal(turn.Content))
				Expect(active.Stats).To(Equal(turn.Stats))
			}
		})
	})

	Describe("SelectVersion", func() {
		var idx int

		BeforeEach(func() {
			conv.AddUserTurn("question", nil)
			idx = conv.AppendAssistantTurn()
			conv.WriteActive(idx, "first", &llm.Stats{TokenCount: 1})
			_, err := conv.StartRegeneration(idx)
			Expect(err).NotTo(HaveOccurred())
			conv.WriteActive(idx, "second", &llm.Stats{TokenCount: 2})
		})

		It("copies the selected sibling into the top-level fields", func() {
			Expect(conv.SelectVersion(idx, 0)).To(Succeed())

			turn := conv.Turns[idx]
			Expect(turn.Content).To(Equal("first"))
			Expect(turn.Stats.TokenCount).To(Equal(1))
			Expect(turn.SiblingIndex).To(Equal(0))
		})

		It("can switch back to the newer version", func() {
			Expect(conv.SelectVersion(idx, 0)).To(Succeed())
			Expect(conv.SelectVersion(idx, 1)).To(Succeed())

			Expect(conv.Turns[idx].Content).To(Equal("second"))
		})

		It("rejects out-of-range versions", func() {
			Expect(conv.SelectVersion(idx, 5)).To(MatchError(chat.ErrVersionOutOfRange))
		})

		It("rejects turns without siblings", func() {
			Expect(conv.SelectVersion(0, 0)).To(MatchError(chat.ErrVersionOutOfRange))
		})
	})

	Describe("DeleteTurn", func() {
		It("removes the turn and its siblings", func() {
			conv.AddUserTurn("question", nil)
			idx := conv.AppendAssistantTurn()
			conv.WriteActive(idx, "answer", nil)

			Expect(conv.DeleteTurn(idx)).To(Succeed())
			Expect(conv.Turns).To(HaveLen(1))
			Expect(conv.Turns[0].Role).To(Equal(chat.RoleUser))
		})

		It("rejects out-of-range indices", func() {
			Expect(conv.DeleteTurn(0)).To(MatchError(chat.ErrTurnOutOfRange))
		})
	})

	Describe("concurrent access", func() {
		It("marshals consistently while a generation writes the active turn", func() {
			conv.AddUserTurn("question", nil)
			idx := conv.AppendAssistantTurn()

			var wg sync.WaitGroup
			wg.Add(2)

			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				for i := 0; i < 500; i++ {
					content := fmt.Sprintf("chunk %d", i)
					conv.WriteActive(idx, content, &llm.Stats{TokenCount: i})
				}
			}()

			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				for i := 0; i < 500; i++ {
					data, err := json.Marshal(conv)
					Expect(err).NotTo(HaveOccurred())

					var snapshot chat.Conversation
					Expect(json.Unmarshal(data, &snapshot)).To(Succeed())
					Expect(snapshot.Turns).To(HaveLen(2))
				}
			}()

			wg.Wait()

			_, turnCount, _ := conv.Meta()
			Expect(turnCount).To(Equal(2))
			Expect(conv.Len()).To(Equal(2))
		})

		It("keeps the marshalled shape of an idle conversation", func() {
			conv.AddUserTurn("question", nil)
			idx := conv.AppendAssistantTurn()
			conv.WriteActive(idx, "answer", &llm.Stats{TokenCount: 3})

			data, err := json.Marshal(conv)
			Expect(err).NotTo(HaveOccurred())

			var decoded map[string]any
			Expect(json.Unmarshal(data, &decoded)).To(Succeed())
			Expect(decoded).To(HaveKey("id"))
			Expect(decoded).To(HaveKey("turns"))
			Expect(decoded["turns"]).To(HaveLen(2))
		})
	})
})
