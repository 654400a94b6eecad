// Package chat glues the orchestrator, the LLM provider, and conversation
// persistence into the streaming chat endpoint's request flow.
package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conversation is one persisted chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	ProfileID string    `json:"profileId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one persisted conversation turn.
type Message struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversationId"`
	Role           string                 `json:"role"`
	Content        string                 `json:"content"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// ConversationStore is the persistence contract the driver consumes.
type ConversationStore interface {
	// Get returns the conversation or nil when it does not exist.
	Get(ctx context.Context, id string) (*Conversation, error)
	Create(ctx context.Context, title, profileID string) (*Conversation, error)
	SetTitle(ctx context.Context, id, title string) error
	// Append stores the message and returns its assigned id.
	Append(ctx context.Context, msg *Message) (string, error)
	// History returns the conversation's messages oldest first, capped at
	// limit (0 means no cap).
	History(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

// InMemoryStore keeps conversations in process memory. It backs tests and
// database-less deployments.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message
}

// NewInMemoryStore builds an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
	}
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) Create(_ context.Context, title, profileID string) (*Conversation, error) {
	now := time.Now()
	c := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		ProfileID: profileID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.conversations[c.ID] = c
	s.mu.Unlock()
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) SetTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %q not found", id)
	}
	c.Title = title
	c.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) Append(_ context.Context, msg *Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return "", fmt.Errorf("conversation %q not found", msg.ConversationID)
	}
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], stored)
	c.UpdatedAt = stored.CreatedAt
	return stored.ID, nil
}

func (s *InMemoryStore) History(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// ---------------------------------------------------------------------------
// Postgres store
// ---------------------------------------------------------------------------

// PostgresStore implements ConversationStore on database/sql with lib/pq.
// Expected schema: conversations(id, title, profile_id, created_at,
// updated_at) and messages(id, conversation_id, role, content, metadata,
// created_at) with metadata stored as JSON text.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, COALESCE(profile_id, ''), created_at, updated_at
		 FROM conversations WHERE id = $1`, id)
	var c Conversation
	if err := row.Scan(&c.ID, &c.Title, &c.ProfileID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) Create(ctx context.Context, title, profileID string) (*Conversation, error) {
	now := time.Now()
	c := &Conversation{ID: uuid.NewString(), Title: title, ProfileID: profileID, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, profile_id, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		c.ID, c.Title, c.ProfileID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SetTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = $2, updated_at = NOW() WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("set conversation title: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, msg *Message) (string, error) {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var metadata interface{}
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshal message metadata: %w", err)
		}
		metadata = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, msg.ConversationID, msg.Role, msg.Content, metadata, createdAt)
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $2 WHERE id = $1`, msg.ConversationID, createdAt); err != nil {
		return "", fmt.Errorf("touch conversation: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, COALESCE(metadata, ''), created_at
		  FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC`
	args := []interface{}{conversationID}
	if limit > 0 {
		// most recent N, still returned oldest first
		query = `SELECT * FROM (
			SELECT id, conversation_id, role, content, COALESCE(metadata, ''), created_at
			FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2
		 ) recent ORDER BY created_at ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var metadata string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
				return nil, fmt.Errorf("parse message metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
