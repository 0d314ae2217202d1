// Package server exposes the chat engine over HTTP for the UI: CRUD
// on conversations, streaming generation endpoints, version switching
// and cancellation.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/danielkorat/vllm-chat/pkg/chat"
	"github.com/danielkorat/vllm-chat/pkg/llm"
	"github.com/danielkorat/vllm-chat/pkg/storage"
	"github.com/danielkorat/vllm-chat/pkg/storage/sqlite"
)

// Server is the HTTP application layer. It owns the working set of
// conversations and defers all generation state to the controller.
type Server struct {
	config     Config
	store      storage.Store
	controller *chat.Controller
	logger     *zap.Logger
	app        *fiber.App

	mu       sync.RWMutex
	convs    map[string]*chat.Conversation
	defaults Defaults
}

// New creates a Server, choosing SQLite storage when a DB path is
// configured and the in-memory store otherwise, and loads any
// persisted conversations into the working set.
func New(config Config, logger *zap.Logger) (*Server, error) {
	var store storage.Store
	var err error

	if config.DBPath != "" {
		store, err = sqlite.New(context.Background(), config.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite store: %w", err)
		}
		logger.Info("using SQLite storage", zap.String("path", config.DBPath))
	} else {
		store = storage.NewMemoryStore()
		logger.Info("using in-memory storage")
	}

	client := llm.NewClient(config.UpstreamURL, config.APIKey, logger)
	controller := chat.NewController(client, store, config.Model, config.Streaming, logger)

	s := newServer(config, store, controller, logger)

	convs, err := store.List(context.Background())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}
	for _, conv := range convs {
		s.convs[conv.ID] = conv
	}
	logger.Info("loaded conversations", zap.Int("count", len(convs)))

	return s, nil
}

// newServer wires routes onto a fresh fiber app. Split from New so
// tests can inject their own store and controller.
func newServer(config Config, store storage.Store, controller *chat.Controller, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StreamRequestBody:     true,
	})

	s := &Server{
		config:     config,
		store:      store,
		controller: controller,
		logger:     logger,
		app:        app,
		convs:      make(map[string]*chat.Conversation),
		defaults:   config.Defaults,
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(map[string]string{"status": "ok"})
	})

	app.Post("/api/conversations", s.handleCreateConversation)
	app.Get("/api/conversations", s.handleListConversations)
	app.Get("/api/conversations/:id", s.handleGetConversation)
	app.Delete("/api/conversations/:id", s.handleDeleteConversation)

	app.Post("/api/conversations/:id/messages", s.handleSendMessage)
	app.Post("/api/conversations/:id/regenerate", s.handleRegenerate)
	app.Post("/api/conversations/:id/select", s.handleSelectVersion)
	app.Delete("/api/conversations/:id/turns/:index", s.handleDeleteTurn)
	app.Post("/api/conversations/:id/cancel", s.handleCancel)

	return s
}

// Run starts the server on the configured listening address.
func (s *Server) Run() error {
	s.logger.Info("starting chat server",
		zap.String("listen", s.config.ListenAddr),
		zap.String("upstream", s.config.UpstreamURL),
		zap.String("model", s.config.Model),
	)

	return s.app.Listen(s.config.ListenAddr)
}

// Close shuts down the server and releases resources.
func (s *Server) Close() error {
	if err := s.app.Shutdown(); err != nil {
		s.logger.Warn("fiber shutdown failed", zap.Error(err))
	}
	return s.store.Close()
}

// createConversationRequest optionally overrides the configured
// generation defaults.
type createConversationRequest struct {
	Title           string   `json:"title,omitempty"`
	SystemPrompt    *string  `json:"system_prompt,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	ReasoningEffort *string  `json:"reasoning_effort,omitempty"`
}

func (s *Server) handleCreateConversation(c *fiber.Ctx) error {
	var req createConversationRequest
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
		}
	}

	s.mu.Lock()
	settings := chat.Settings{
		SystemPrompt:    s.defaults.SystemPrompt,
		Temperature:     s.defaults.Temperature,
		ReasoningEffort: s.defaults.ReasoningEffort,
	}
	if req.SystemPrompt != nil {
		settings.SystemPrompt = *req.SystemPrompt
	}
	if req.Temperature != nil {
		settings.Temperature = req.Temperature
	}
	if req.ReasoningEffort != nil {
		settings.ReasoningEffort = *req.ReasoningEffort
	}

	conv := chat.NewConversation(settings)
	conv.Title = req.Title
	s.convs[conv.ID] = conv
	s.mu.Unlock()

	if err := s.store.Save(c.Context(), conv); err != nil {
		s.logger.Error("failed to save conversation", zap.Error(err))
	}

	s.logger.Info("conversation created", zap.String("conversation_id", conv.ID))
	return c.Status(fiber.StatusCreated).JSON(conv)
}

// conversationSummary is the list-endpoint projection of a
// conversation.
type conversationSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	TurnCount int    `json:"turn_count"`
	UpdatedAt string `json:"updated_at"`
}

func (s *Server) handleListConversations(c *fiber.Ctx) error {
	s.mu.RLock()
	summaries := make([]conversationSummary, 0, len(s.convs))
	for _, conv := range s.convs {
		title, turnCount, updatedAt := conv.Meta()
		summaries = append(summaries, conversationSummary{
			ID:        conv.ID,
			Title:     title,
			TurnCount: turnCount,
			UpdatedAt: updatedAt.Format(time.RFC3339),
		})
	}
	s.mu.RUnlock()

	return c.JSON(map[string]any{
		"count":         len(summaries),
		"conversations": summaries,
	})
}

func (s *Server) handleGetConversation(c *fiber.Ctx) error {
	conv, ok := s.conversation(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "conversation not found"})
	}
	return c.JSON(conv)
}

func (s *Server) handleDeleteConversation(c *fiber.Ctx) error {
	conv, ok := s.conversation(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "conversation not found"})
	}
	if s.controller.InFlight(conv.ID) {
		return c.Status(fiber.StatusConflict).JSON(llm.ErrorResponse{Error: "generation in flight"})
	}

	s.mu.Lock()
	delete(s.convs, conv.ID)
	s.mu.Unlock()

	if err := s.store.Delete(c.Context(), conv.ID); err != nil {
		s.logger.Error("failed to delete conversation", zap.Error(err))
	}

	return c.JSON(map[string]string{"deleted": conv.ID})
}

// sendMessageRequest appends a user turn and triggers a generation.
type sendMessageRequest struct {
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	conv, ok := s.conversation(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "conversation not found"})
	}

	var req sendMessageRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}
	if req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "content is required"})
	}

	if s.controller.InFlight(conv.ID) {
		return c.Status(fiber.StatusConflict).JSON(llm.ErrorResponse{Error: "generation in flight"})
	}

	conv.AddUserTurn(req.Content, req.Images)

	return s.streamGeneration(c, conv, func(ctx context.Context, onUpdate chat.UpdateFunc) error {
		return s.controller.Generate(ctx, conv, -1, onUpdate)
	})
}

// regenerateRequest selects the turn to regenerate.
type regenerateRequest struct {
	TurnIndex int `json:"turn_index"`
}

func (s *Server) handleRegenerate(c *fiber.Ctx) error {
	conv, ok := s.conversation(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "conversation not found"})
	}

	var req regenerateRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}

	if s.controller.InFlight(conv.ID) {
		return c.Status(fiber.StatusConflict).JSON(llm.ErrorResponse{Error: "generation in flight"})
	}
	if req.TurnIndex < 0 || req.TurnIndex >= conv.Len() {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "turn index out of range"})
	}

	return s.streamGeneration(c, conv, func(ctx context.Context, onUpdate chat.UpdateFunc) error {
		return s.controller.Regenerate(ctx, conv, req.TurnIndex, onUpdate)
	})
}

// streamGeneration runs one generation inside a chunked NDJSON
// response, one chat.Update per line. The generation runs on the
// stream writer goroutine after the handler returns, so it is driven
// by a background context; cancellation happens through the cancel
// endpoint, not by the client closing this response.
func (s *Server) streamGeneration(c *fiber.Ctx, conv *chat.Conversation, run func(context.Context, chat.UpdateFunc) error) error {
	c.Set("Content-Type", "application/x-ndjson")
	c.Set("Transfer-Encoding", "chunked")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		onUpdate := func(u chat.Update) {
			line, err := json.Marshal(u)
			if err != nil {
				s.logger.Error("failed to marshal update", zap.Error(err))
				return
			}
			w.Write(line)
			w.Write([]byte("\n"))
			w.Flush()
		}

		if err := run(context.Background(), onUpdate); err != nil {
			s.logger.Error("generation ended with error",
				zap.String("conversation_id", conv.ID),
				zap.Error(err),
			)
		}
	}))

	return nil
}

// selectVersionRequest switches the active sibling of a turn.
type selectVersionRequest struct {
	TurnIndex int `json:"turn_index"`
	Version   int `json:"version"`
}

func (s *Server) handleSelectVersion(c *fiber.Ctx) error {
	conv, ok := s.conversation(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "conversation not found"})
	}
	if s.controller.InFlight(conv.ID) {
		return c.Status(fiber.StatusConflict).JSON(llm.ErrorResponse{Error: "generation in flight"})
	}

	var req selectVersionRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}

	if err := conv.SelectVersion(req.TurnIndex, req.Version); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: err.Error()})
	}

	if err := s.store.Save(c.Context(), conv); err != nil {
		s.logger.Error("failed to save conversation", zap.Error(err))
	}

	return c.JSON(conv)
}

func (s *Server) handleDeleteTurn(c *fiber.Ctx) error {
	conv, ok := s.conversation(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "conversation not found"})
	}
	if s.controller.InFlight(conv.ID) {
		return c.Status(fiber.StatusConflict).JSON(llm.ErrorResponse{Error: "generation in flight"})
	}

	index, err := strconv.Atoi(c.Params("index"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid turn index"})
	}

	if err := conv.DeleteTurn(index); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: err.Error()})
	}

	if err := s.store.Save(c.Context(), conv); err != nil {
		s.logger.Error("failed to save conversation", zap.Error(err))
	}

	return c.JSON(conv)
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	conv, ok := s.conversation(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "conversation not found"})
	}

	cancelled := s.controller.Cancel(conv.ID)
	return c.JSON(map[string]bool{"cancelled": cancelled})
}

func (s *Server) conversation(id string) (*chat.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	return conv, ok
}
