package bridge

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ent0n29/medintel/internal/apperr"
	"github.com/ent0n29/medintel/internal/language"
	"github.com/ent0n29/medintel/internal/observability"
	"github.com/ent0n29/medintel/internal/pipeline"
	"github.com/ent0n29/medintel/internal/policy"
	"github.com/ent0n29/medintel/internal/store"
)

// MaxMessageRunes is the WhatsApp body ceiling; longer replies are sent in parts.
const MaxMessageRunes = 1600

// TurnRunner is the part of the pipeline the bridge drives.
type TurnRunner interface {
	EnsureConversation(ctx context.Context, id, userID string, lang language.Language) (store.Conversation, bool, error)
	ProcessTurn(ctx context.Context, in pipeline.TurnInput) (pipeline.TurnResult, error)
}

// Service maps inbound messages onto turns, using the sender address as the
// conversation id, and sends replies back over the same channel.
type Service struct {
	sender          Sender
	turns           TurnRunner
	defaultLanguage language.Language
	logger          zerolog.Logger
	metrics         *observability.Metrics
}

func NewService(sender Sender, turns TurnRunner, defaultLanguage language.Language, logger zerolog.Logger, metrics *observability.Metrics) *Service {
	if !language.IsSupported(defaultLanguage) {
		defaultLanguage = language.English
	}
	return &Service{
		sender:          sender,
		turns:           turns,
		defaultLanguage: defaultLanguage,
		logger:          logger.With().Str("component", "bridge").Logger(),
		metrics:         metrics,
	}
}

// Enabled reports whether outbound delivery is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.sender != nil
}

// Send delivers text to address. Long texts go out in several messages; the
// id of the first one is returned.
func (s *Service) Send(ctx context.Context, address, text string) (string, error) {
	if !s.Enabled() {
		return "", apperr.New(apperr.Unavailable, "whatsapp service is not configured", nil)
	}
	to := StripAddress(address)
	if to == "" {
		return "", apperr.New(apperr.InvalidInput, "recipient is required", nil)
	}
	if strings.TrimSpace(text) == "" {
		return "", apperr.New(apperr.InvalidInput, "message is required", nil)
	}

	var first string
	for _, part := range splitMessage(text, MaxMessageRunes) {
		id, err := s.sender.Send(ctx, to, part)
		if err != nil {
			s.metrics.ObserveBridge("outbound", "error")
			redacted, _ := policy.RedactPII(err.Error())
			s.logger.Error().Str("error", redacted).Str("to", policy.MaskAddress(to)).Msg("whatsapp send failed")
			return "", apperr.New(apperr.Unavailable, "whatsapp send failed", err)
		}
		if first == "" {
			first = id
		}
	}
	s.metrics.ObserveBridge("outbound", "ok")
	s.logger.Info().Str("to", policy.MaskAddress(to)).Str("sid", first).Msg("whatsapp message sent")
	return first, nil
}

// HandleInbound runs one inbound message through the pipeline and replies to the sender.
func (s *Service) HandleInbound(ctx context.Context, from, body string) error {
	if !s.Enabled() {
		return apperr.New(apperr.Unavailable, "whatsapp service is not configured", nil)
	}
	addr := StripAddress(from)
	body = strings.TrimSpace(body)
	if addr == "" {
		return apperr.New(apperr.InvalidInput, "sender address is required", nil)
	}
	s.logger.Info().Str("from", policy.MaskAddress(addr)).Int("chars", utf8.RuneCountInString(body)).Msg("whatsapp message received")
	if body == "" {
		s.metrics.ObserveBridge("inbound", "empty")
		return nil
	}

	_, created, err := s.turns.EnsureConversation(ctx, addr, addr, s.defaultLanguage)
	if err != nil {
		s.metrics.ObserveBridge("inbound", "error")
		return err
	}
	if created {
		s.logger.Info().Str("from", policy.MaskAddress(addr)).Msg("new whatsapp conversation")
	}

	res, err := s.turns.ProcessTurn(ctx, pipeline.TurnInput{
		ConversationID:   addr,
		Text:             body,
		FallbackLanguage: s.defaultLanguage,
	})
	if err != nil {
		s.metrics.ObserveBridge("inbound", "error")
		if apperr.Is(err, apperr.BlockedContent) {
			_, _ = s.Send(ctx, addr, "Sorry, I can't help with that request.")
		}
		return err
	}
	s.metrics.ObserveBridge("inbound", "ok")

	_, err = s.Send(ctx, addr, res.AssistantMessage.Content)
	return err
}

// splitMessage cuts text into chunks of at most limit runes, preferring line breaks.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
