// Package chat holds the conversation data model - ordered turns with
// branching regeneration siblings - and the controller that drives
// generations into it.
package chat

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielkorat/vllm-chat/pkg/llm"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrTurnOutOfRange is returned for a turn index outside the
	// conversation.
	ErrTurnOutOfRange = errors.New("turn index out of range")

	// ErrVersionOutOfRange is returned for a sibling index outside a
	// turn's version list.
	ErrVersionOutOfRange = errors.New("version index out of range")

	// ErrNotAssistantTurn is returned when a version operation targets
	// a non-assistant turn.
	ErrNotAssistantTurn = errors.New("turn is not an assistant turn")
)

// Sibling is one alternate generation of a turn.
type Sibling struct {
	Content string     `json:"content"`
	Stats   *llm.Stats `json:"stats,omitempty"`
}

// Turn is one conversational entry. When Siblings is non-nil the
// turn's top-level Content and Stats always mirror
// Siblings[SiblingIndex]; every mutation goes through WriteActive to
// keep that invariant.
type Turn struct {
	Role         string     `json:"role"`
	Content      string     `json:"content"`
	Images       []string   `json:"images,omitempty"` // user turns only
	Stats        *llm.Stats `json:"stats,omitempty"`
	Siblings     []Sibling  `json:"siblings,omitempty"`
	SiblingIndex int        `json:"sibling_index,omitempty"`
}

// Settings is the generation settings snapshot captured when a
// conversation is created. It remains mutable afterwards.
type Settings struct {
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	ReasoningEffort string   `json:"reasoning_effort,omitempty"`
}

// Conversation is an ordered sequence of turns plus its settings
// snapshot. All mutation happens in place through the methods below,
// which hold the conversation's lock: an in-flight generation writes
// turns from the stream goroutine while read handlers marshal the same
// conversation.
type Conversation struct {
	mu sync.Mutex

	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Settings  Settings  `json:"settings"`
	Turns     []*Turn   `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConversation creates an empty conversation with the given
// settings snapshot.
func NewConversation(settings Settings) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.NewString(),
		Settings:  settings,
		Turns:     []*Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddUserTurn appends a user turn and returns its index.
func (c *Conversation) AddUserTurn(content string, images []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Turns = append(c.Turns, &Turn{Role: RoleUser, Content: content, Images: images})
	c.touch()
	return len(c.Turns) - 1
}

// AppendAssistantTurn appends an empty assistant turn - the target of
// a fresh generation - and returns its index.
func (c *Conversation) AppendAssistantTurn() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Turns = append(c.Turns, &Turn{Role: RoleAssistant})
	c.touch()
	return len(c.Turns) - 1
}

// RequestContext derives the messages for generating the turn at
// turnIndex: all turns strictly before it, with the system prompt
// prepended as a synthetic system message when non-empty.
func (c *Conversation) RequestContext(turnIndex int) []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestContext(turnIndex)
}

func (c *Conversation) requestContext(turnIndex int) []llm.Message {
	messages := make([]llm.Message, 0, turnIndex+1)
	if c.Settings.SystemPrompt != "" {
		messages = append(messages, llm.TextMessage(RoleSystem, c.Settings.SystemPrompt))
	}

	for _, turn := range c.Turns[:turnIndex] {
		if turn.Role == RoleUser && len(turn.Images) > 0 {
			messages = append(messages, llm.UserMessage(turn.Content, turn.Images))
			continue
		}
		messages = append(messages, llm.TextMessage(turn.Role, turn.Content))
	}

	return messages
}

// StartRegeneration prepares the assistant turn at turnIndex for an
// alternate generation. On the first regeneration the current
// {content, stats} become sibling 0; a new empty sibling is appended
// and made active. Returns the request context for the generation.
func (c *Conversation) StartRegeneration(turnIndex int) ([]llm.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	turn, err := c.turn(turnIndex)
	if err != nil {
		return nil, err
	}
	if turn.Role != RoleAssistant {
		return nil, ErrNotAssistantTurn
	}

	if turn.Siblings == nil {
		turn.Siblings = []Sibling{{Content: turn.Content, Stats: turn.Stats}}
	}

	turn.Siblings = append(turn.Siblings, Sibling{})
	turn.SiblingIndex = len(turn.Siblings) - 1
	turn.Content = ""
	turn.Stats = nil
	c.touch()

	return c.requestContext(turnIndex), nil
}

// SelectVersion makes the sibling at versionIndex the turn's active
// content. It has no effect on generation state.
func (c *Conversation) SelectVersion(turnIndex, versionIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	turn, err := c.turn(turnIndex)
	if err != nil {
		return err
	}
	if versionIndex < 0 || versionIndex >= len(turn.Siblings) {
		return ErrVersionOutOfRange
	}

	turn.SiblingIndex = versionIndex
	turn.Content = turn.Siblings[versionIndex].Content
	turn.Stats = turn.Siblings[versionIndex].Stats
	c.touch()

	return nil
}

// WriteActive updates the turn's content and stats, dual-writing the
// active sibling when the turn has one. Called on every partial and
// terminal notification of a generation.
func (c *Conversation) WriteActive(turnIndex int, content string, stats *llm.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if turnIndex < 0 || turnIndex >= len(c.Turns) {
		return
	}
	turn := c.Turns[turnIndex]

	turn.Content = content
	turn.Stats = stats
	if turn.Siblings != nil {
		turn.Siblings[turn.SiblingIndex] = Sibling{Content: content, Stats: stats}
	}
	c.touch()
}

// DeleteTurn removes the turn at turnIndex, along with any siblings it
// carried.
func (c *Conversation) DeleteTurn(turnIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.turn(turnIndex); err != nil {
		return err
	}
	c.Turns = append(c.Turns[:turnIndex], c.Turns[turnIndex+1:]...)
	c.touch()
	return nil
}

// Meta returns the fields the list endpoint projects.
func (c *Conversation) Meta() (title string, turnCount int, updatedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Title, len(c.Turns), c.UpdatedAt
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Turns)
}

// MarshalJSON serializes the conversation under its lock, so handlers
// and storage can marshal while a generation is writing turns.
func (c *Conversation) MarshalJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	type conversation Conversation
	return json.Marshal((*conversation)(c))
}

// roleAt reports the role of the turn at turnIndex and whether it is
// the conversation's final turn.
func (c *Conversation) roleAt(turnIndex int) (role string, final bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	turn, err := c.turn(turnIndex)
	if err != nil {
		return "", false, err
	}
	return turn.Role, turnIndex == len(c.Turns)-1, nil
}

// active returns the current content and stats of the turn at
// turnIndex.
func (c *Conversation) active(turnIndex int) (string, *llm.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if turnIndex < 0 || turnIndex >= len(c.Turns) {
		return "", nil
	}
	return c.Turns[turnIndex].Content, c.Turns[turnIndex].Stats
}

// turn and touch are called with the lock held.
func (c *Conversation) turn(turnIndex int) (*Turn, error) {
	if turnIndex < 0 || turnIndex >= len(c.Turns) {
		return nil, ErrTurnOutOfRange
	}
	return c.Turns[turnIndex], nil
}

func (c *Conversation) touch() {
	c.UpdatedAt = time.Now().UTC()
}
