// Package storage persists conversations. Two backends are provided:
// an in-memory store for tests and ephemeral sessions, and a SQLite
// store (subpackage sqlite) for durable history.
package storage

import (
	"context"

	"github.com/danielkorat/vllm-chat/pkg/chat"
)

// Store defines the persistence interface consumed by the generation
// controller and the API layer. Saves are whole-conversation upserts;
// at-least-once durability after each successful generation, version
// switch or turn deletion is the caller's responsibility.
type Store interface {
	// Save upserts a conversation by ID.
	Save(ctx context.Context, conv *chat.Conversation) error

	// Load retrieves a conversation by ID. Returns ErrNotFound when
	// absent.
	Load(ctx context.Context, id string) (*chat.Conversation, error)

	// List returns all conversations, most recently updated first.
	List(ctx context.Context) ([]*chat.Conversation, error)

	// Delete removes a conversation by ID. Deleting an absent ID is a
	// no-op.
	Delete(ctx context.Context, id string) error

	// Close releases the store's resources.
	Close() error
}

// ErrNotFound is returned when a conversation doesn't exist in the
// store.
type ErrNotFound struct {
	ID string
}

func (e ErrNotFound) Error() string {
	if e.ID == "" {
		return "conversation not found"
	}

	return "conversation not found: " + e.ID
}
