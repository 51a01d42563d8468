package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessageUserMessage(t *testing.T) {
	raw := []byte(`{"type":"user_message","text":"  I have a fever ","language":"hindi"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if msg.Text != "I have a fever" || msg.Language != "hindi" {
		t.Fatalf("unexpected user message: %+v", msg)
	}
}

func TestParseClientMessagePlainText(t *testing.T) {
	msg, err := ParseClientMessage([]byte("speak tamil\n"))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if msg.Type != TypeUserMessage || msg.Text != "speak tamil" {
		t.Fatalf("unexpected user message: %+v", msg)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsEmpty(t *testing.T) {
	if _, err := ParseClientMessage([]byte("   ")); err == nil {
		t.Fatalf("expected error for blank frame")
	}
	if _, err := ParseClientMessage([]byte(`{"type":"user_message","text":" "}`)); err == nil {
		t.Fatalf("expected error for blank text")
	}
	if _, err := ParseClientMessage([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected error for truncated json")
	}
}

func TestServerEnvelopesCarryType(t *testing.T) {
	raw, err := json.Marshal(NewAssistantMessage("c1", "hello"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypeAssistantMessage {
		t.Fatalf("type = %q, want %q", env.Type, TypeAssistantMessage)
	}

	ev := NewErrorEvent("c1", "UNAVAILABLE", "backend down", true)
	if ev.Type != TypeErrorEvent || !ev.Retryable {
		t.Fatalf("unexpected error event: %+v", ev)
	}
	if sys := NewSystemEvent("c1", "joined", ""); sys.Type != TypeSystemEvent {
		t.Fatalf("unexpected system event: %+v", sys)
	}
}
