package history

import (
	"context"
	"strings"

	"github.com/ent0n29/medintel/internal/apperr"
	"github.com/ent0n29/medintel/internal/genai"
	"github.com/ent0n29/medintel/internal/store"
)

const DefaultLimit = 100

// MessageLister is the slice of the store the loader reads from.
type MessageLister interface {
	ListMessages(ctx context.Context, conversationID string, order store.Order, limit int) ([]store.Message, error)
}

// Loader turns stored messages into the backend transcript.
type Loader struct {
	messages MessageLister
	limit    int
}

func NewLoader(messages MessageLister, limit int) *Loader {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Loader{messages: messages, limit: limit}
}

// Load returns the most recent messages oldest-first. Assistant records map to the
// model role, everything else to user. An empty transcript is not an error.
func (l *Loader) Load(ctx context.Context, conversationID string) ([]genai.Content, error) {
	msgs, err := l.messages.ListMessages(ctx, conversationID, store.Ascending, l.limit)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "load conversation history", err)
	}

	out := make([]genai.Content, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := genai.RoleUser
		if m.Role == store.RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, genai.Content{Role: role, Parts: []genai.Part{genai.TextPart(m.Content)}})
	}
	return out, nil
}
