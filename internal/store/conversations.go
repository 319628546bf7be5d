package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation groups the messages a requester has exchanged about one
// document. There is at most one per (document, requester) pair.
type Conversation struct {
	ID          string
	DocumentID  string
	RequesterID string
	CreatedAt   time.Time
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Highlight kinds carried on assistant messages produced by the summarize
// and explain operations.
const (
	HighlightSummary     = "summary"
	HighlightExplanation = "explanation"
)

// Message is one conversation turn. Sources holds the serialized source
// references for assistant messages; HighlightKind is set for highlight
// messages.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Sources        []byte
	HighlightKind  string
	CreatedAt      time.Time
}

// GetOrCreateConversation returns the conversation for (document, requester),
// creating it if absent.
func (s *Store) GetOrCreateConversation(ctx context.Context, documentID, requesterID string) (*Conversation, error) {
	conv, err := s.GetConversation(ctx, documentID, requesterID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	conv = &Conversation{
		ID:          uuid.NewString(),
		DocumentID:  documentID,
		RequesterID: requesterID,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, document_id, requester_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (document_id, requester_id) DO NOTHING`,
		conv.ID, conv.DocumentID, conv.RequesterID, conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	// Re-read to cover the conflict path where another request won the race.
	return s.GetConversation(ctx, documentID, requesterID)
}

// GetConversation returns the conversation for (document, requester), or
// ErrNotFound when the requester has never asked about the document.
func (s *Store) GetConversation(ctx context.Context, documentID, requesterID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, requester_id, created_at
		FROM conversations WHERE document_id = ? AND requester_id = ?`,
		documentID, requesterID)

	var conv Conversation
	err := row.Scan(&conv.ID, &conv.DocumentID, &conv.RequesterID, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return &conv, nil
}

// AppendMessage adds a message to a conversation. Messages are append-only.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	sources := msg.Sources
	if sources == nil {
		sources = []byte("null")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, sources, highlight_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, string(sources), msg.HighlightKind, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, sources, highlight_kind, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var sources string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &sources, &m.HighlightKind, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if sources != "null" {
			m.Sources = []byte(sources)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
