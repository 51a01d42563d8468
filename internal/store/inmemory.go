package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/medintel/internal/language"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu            sync.RWMutex
	seq           int64
	conversations map[string]Conversation
	messages      map[string][]Message
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
	}
}

func (s *InMemoryStore) CreateConversation(_ context.Context, conv Conversation) (Conversation, error) {
	conv = prepareConversation(conv, uuid.NewString)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	return conv, nil
}

func (s *InMemoryStore) FindConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return conv, nil
}

func (s *InMemoryStore) InsertMessage(_ context.Context, msg Message) (Message, error) {
	msg = prepareMessage(msg, uuid.NewString)
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return Message{}, ErrNotFound
	}
	s.seq++
	msg.Seq = s.seq
	if msg.Attachment != nil {
		info := *msg.Attachment
		msg.Attachment = &info
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
		s.conversations[conv.ID] = conv
	}
	return msg, nil
}

func (s *InMemoryStore) UpdateConversationLanguage(_ context.Context, id string, lang language.Language, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Language = lang
	conv.UpdatedAt = updatedAt.UTC()
	s.conversations[id] = conv
	return nil
}

func (s *InMemoryStore) DeleteConversationCascade(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, conversationID string, order Order, limit int) ([]Message, error) {
	s.mu.RLock()
	arr := make([]Message, len(s.messages[conversationID]))
	copy(arr, s.messages[conversationID])
	s.mu.RUnlock()

	sort.SliceStable(arr, func(i, j int) bool {
		if !arr[i].CreatedAt.Equal(arr[j].CreatedAt) {
			return arr[i].CreatedAt.Before(arr[j].CreatedAt)
		}
		return arr[i].Seq < arr[j].Seq
	})
	if limit > 0 && limit < len(arr) {
		arr = arr[len(arr)-limit:]
	}
	if order == Descending {
		reverseMessages(arr)
	}
	return arr, nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, ownerID string, order Order, limit int) ([]Conversation, error) {
	s.mu.RLock()
	out := make([]Conversation, 0)
	for _, conv := range s.conversations {
		if conv.UserID == ownerID {
			out = append(out, conv)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if order == Descending {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
