package genai

import (
	"context"
	"fmt"
	"strings"
)

// MockBackend provides deterministic local replies when no API key is configured.
type MockBackend struct{}

func NewMockBackend() *MockBackend { return &MockBackend{} }

func (b *MockBackend) Generate(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}
	return Response{Text: buildMockReply(req), Model: req.Model, FinishReason: "STOP"}, nil
}

func buildMockReply(req Request) string {
	var text []string
	var media []string
	for _, p := range req.Parts {
		if p.InlineData != nil {
			media = append(media, p.InlineData.MIMEType)
			continue
		}
		if s := strings.TrimSpace(p.Text); s != "" {
			text = append(text, s)
		}
	}

	base := strings.Join(text, " ")
	if base == "" {
		base = "I am listening."
	}
	reply := fmt.Sprintf("I heard you: %s", base)
	if len(media) > 0 {
		reply += fmt.Sprintf("\nI also received an attachment (%s).", strings.Join(media, ", "))
	}
	if n := len(req.History); n > 0 {
		reply += fmt.Sprintf("\nConversation so far: %d earlier messages.", n)
	}
	return reply
}
