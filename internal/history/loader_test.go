package history

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/medintel/internal/apperr"
	"github.com/ent0n29/medintel/internal/genai"
	"github.com/ent0n29/medintel/internal/store"
)

func TestLoadMapsRolesInChronologicalOrder(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	_, err := s.CreateConversation(ctx, store.Conversation{ID: "c1", UserID: "u1"})
	require.NoError(t, err)
	for _, m := range []store.Message{
		{ConversationID: "c1", Role: store.RoleUser, Content: "I have a headache"},
		{ConversationID: "c1", Role: store.RoleAssistant, Content: "How long?"},
		{ConversationID: "c1", Role: store.Role("system"), Content: "note"},
	} {
		_, err := s.InsertMessage(ctx, m)
		require.NoError(t, err)
	}

	got, err := NewLoader(s, 0).Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, genai.RoleUser, got[0].Role)
	require.Equal(t, "I have a headache", got[0].Parts[0].Text)
	require.Equal(t, genai.RoleModel, got[1].Role)
	require.Equal(t, genai.RoleUser, got[2].Role)
}

func TestLoadKeepsMostRecentWithinLimit(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	_, err := s.CreateConversation(ctx, store.Conversation{ID: "c1", UserID: "u1"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.InsertMessage(ctx, store.Message{ConversationID: "c1", Role: store.RoleUser, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	got, err := NewLoader(s, 2).Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "m3", got[0].Parts[0].Text)
	require.Equal(t, "m4", got[1].Parts[0].Text)
}

func TestLoadEmptyConversationIsValid(t *testing.T) {
	got, err := NewLoader(store.NewInMemoryStore(), 10).Load(context.Background(), "new")
	require.NoError(t, err)
	require.Empty(t, got)
}

type failingLister struct{}

func (failingLister) ListMessages(context.Context, string, store.Order, int) ([]store.Message, error) {
	return nil, errors.New("connection refused")
}

func TestLoadStoreFailureIsInternal(t *testing.T) {
	_, err := NewLoader(failingLister{}, 10).Load(context.Background(), "c1")
	require.Error(t, err)
	require.Equal(t, apperr.Internal, apperr.CodeOf(err))
}
