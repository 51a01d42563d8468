package store

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/medintel/internal/language"
)

var ErrNotFound = errors.New("not found")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Order selects timestamp ordering for list queries.
type Order int

const (
	Ascending Order = iota
	Descending
)

// AttachmentInfo is the persisted descriptor of an uploaded file. Bytes are never stored.
type AttachmentInfo struct {
	Filename  string `json:"filename"`
	MediaType string `json:"media_type"`
	Size      int64  `json:"size"`
}

// Conversation is the persisted session record. An empty Language means unset.
type Conversation struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Language  language.Language `json:"language,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Message is one immutable stored turn half.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Attachment     *AttachmentInfo `json:"file_info,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Seq            int64           `json:"-"`
}

// Store persists conversations and their messages.
type Store interface {
	CreateConversation(ctx context.Context, conv Conversation) (Conversation, error)
	FindConversation(ctx context.Context, id string) (Conversation, error)
	InsertMessage(ctx context.Context, msg Message) (Message, error)
	UpdateConversationLanguage(ctx context.Context, id string, lang language.Language, updatedAt time.Time) error
	DeleteConversationCascade(ctx context.Context, id string) error
	// ListMessages orders by creation time, ties by insertion. With a positive
	// limit it returns the most recent limit messages in the requested order.
	ListMessages(ctx context.Context, conversationID string, order Order, limit int) ([]Message, error)
	ListConversations(ctx context.Context, ownerID string, order Order, limit int) ([]Conversation, error)
	Close() error
}

func prepareConversation(conv Conversation, newID func() string) Conversation {
	if conv.ID == "" {
		conv.ID = newID()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()
	return conv
}

func prepareMessage(msg Message, newID func() string) Message {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg
}

func reverseMessages(items []Message) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
