// Package pipeline runs one conversation turn end to end: language handling,
// persistence, generation and fan-out.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/medintel/internal/apperr"
	"github.com/ent0n29/medintel/internal/attachment"
	"github.com/ent0n29/medintel/internal/fanout"
	"github.com/ent0n29/medintel/internal/language"
	"github.com/ent0n29/medintel/internal/observability"
	"github.com/ent0n29/medintel/internal/store"
)

const (
	KindLanguageSwitch = "language_switch"
	KindLanguagePrompt = "language_prompt"
	KindGenerated      = "generated"

	conversationListLimit = 100
	messageListLimit      = 1000
)

// Generator drafts the assistant reply for a turn.
type Generator interface {
	Generate(ctx context.Context, conversationID, userText string, payload attachment.Payload, lang language.Language) (string, error)
}

// Broadcaster delivers a reply to the conversation's live observers.
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID, text string) fanout.Delivery
}

type TurnInput struct {
	ConversationID string
	Text           string
	// ExplicitLanguage overrides the stored language for this turn only.
	ExplicitLanguage string
	// FallbackLanguage is used when neither an explicit nor a stored language exists.
	FallbackLanguage language.Language
	Attachment       attachment.Payload
	AttachmentInfo   *store.AttachmentInfo
	// DisplayText is persisted instead of Text when set, e.g. "msg [Uploaded file: x.pdf]".
	DisplayText string
}

type TurnResult struct {
	UserMessage      store.Message `json:"user_message"`
	AssistantMessage store.Message `json:"assistant_message"`
	Kind             string        `json:"-"`
}

type Pipeline struct {
	store     store.Store
	generator Generator
	fanout    Broadcaster
	detector  *language.Detector
	locks     *keyLock
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func New(st store.Store, generator Generator, broadcaster Broadcaster, logger zerolog.Logger, metrics *observability.Metrics) (*Pipeline, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if generator == nil {
		return nil, errors.New("generator is required")
	}
	if broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	return &Pipeline{
		store:     st,
		generator: generator,
		fanout:    broadcaster,
		detector:  language.NewDetector(),
		locks:     newKeyLock(),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "pipeline").Logger(),
		metrics:   metrics,
	}, nil
}

// ProcessTurn handles one user turn. Turns on the same conversation run one at a time.
// The user message is persisted before generation or broadcast; when a later step
// fails the returned result still carries it.
func (p *Pipeline) ProcessTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	start := time.Now()
	res, err := p.processTurn(ctx, in)
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(apperr.CodeOf(err)))
	}
	kind := res.Kind
	if kind == "" {
		kind = "rejected"
	}
	p.metrics.ObserveTurn(kind, outcome, time.Since(start))
	return res, err
}

func (p *Pipeline) processTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	if strings.TrimSpace(in.Text) == "" && in.Attachment.Kind() == attachment.KindNone {
		return TurnResult{}, apperr.New(apperr.InvalidInput, "message text is required", nil)
	}

	var explicit language.Language
	if raw := strings.TrimSpace(in.ExplicitLanguage); raw != "" {
		lang, ok := language.Parse(raw)
		if !ok {
			return TurnResult{}, invalidLanguage()
		}
		explicit = lang
	}

	unlock, err := p.locks.Lock(ctx, in.ConversationID)
	if err != nil {
		return TurnResult{}, apperr.New(apperr.Unavailable, "turn canceled while waiting", err)
	}
	defer unlock()

	conv, err := p.store.FindConversation(ctx, in.ConversationID)
	if err != nil {
		return TurnResult{}, storeError(err, "conversation not found")
	}

	effective := explicit
	if effective == "" {
		effective = conv.Language
	}

	if detected, ok := p.detector.Detect(in.Text); ok {
		// The user message is stored before the language changes.
		return p.reply(ctx, conv.ID, in, KindLanguageSwitch, func() (string, error) {
			if err := p.store.UpdateConversationLanguage(ctx, conv.ID, detected, p.now()); err != nil {
				return "", storeError(err, "update conversation language")
			}
			p.logger.Info().Str("conversation_id", conv.ID).Str("language", string(detected)).Msg("conversation language changed")
			return language.Confirmation(detected), nil
		})
	}

	if effective == "" {
		effective = in.FallbackLanguage
	}
	if effective == "" {
		return p.reply(ctx, conv.ID, in, KindLanguagePrompt, func() (string, error) {
			return language.Prompt(), nil
		})
	}

	return p.reply(ctx, conv.ID, in, KindGenerated, func() (string, error) {
		genStart := time.Now()
		text, err := p.generator.Generate(ctx, conv.ID, in.Text, in.Attachment, effective)
		p.metrics.ObserveStage("generation", time.Since(genStart))
		return text, err
	})
}

// reply persists the user message, produces the assistant text, persists it and broadcasts it.
func (p *Pipeline) reply(ctx context.Context, conversationID string, in TurnInput, kind string, produce func() (string, error)) (TurnResult, error) {
	res := TurnResult{Kind: kind}

	content := in.DisplayText
	if content == "" {
		content = in.Text
	}
	persistStart := time.Now()
	userMsg, err := p.store.InsertMessage(ctx, store.Message{
		ConversationID: conversationID,
		Role:           store.RoleUser,
		Content:        content,
		Attachment:     in.AttachmentInfo,
		CreatedAt:      p.now(),
	})
	p.metrics.ObserveStage("persist_user", time.Since(persistStart))
	if err != nil {
		return res, storeError(err, "persist user message")
	}
	res.UserMessage = userMsg

	text, err := produce()
	if err != nil {
		p.logger.Error().Err(err).Str("conversation_id", conversationID).Str("kind", kind).Msg("turn failed after user message was stored")
		return res, err
	}

	assistantMsg, err := p.store.InsertMessage(ctx, store.Message{
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        text,
		CreatedAt:      p.now(),
	})
	if err != nil {
		return res, storeError(err, "persist assistant message")
	}
	res.AssistantMessage = assistantMsg

	broadcastStart := time.Now()
	d := p.fanout.Broadcast(ctx, conversationID, text)
	p.metrics.ObserveStage("broadcast", time.Since(broadcastStart))
	p.logger.Debug().
		Str("conversation_id", conversationID).
		Str("kind", kind).
		Int("delivered", d.Delivered).
		Int("removed", d.Removed).
		Msg("turn complete")
	return res, nil
}

// ChangeLanguage sets the conversation language explicitly and returns the confirmation phrase.
func (p *Pipeline) ChangeLanguage(ctx context.Context, conversationID, raw string) (language.Language, string, error) {
	lang, ok := language.Parse(raw)
	if !ok {
		return "", "", invalidLanguage()
	}
	unlock, err := p.locks.Lock(ctx, conversationID)
	if err != nil {
		return "", "", apperr.New(apperr.Unavailable, "language change canceled while waiting", err)
	}
	defer unlock()

	if err := p.store.UpdateConversationLanguage(ctx, conversationID, lang, p.now()); err != nil {
		return "", "", storeError(err, "conversation not found")
	}
	return lang, language.Confirmation(lang), nil
}

// CreateConversation starts a conversation. rawLanguage may be empty to leave it unset.
func (p *Pipeline) CreateConversation(ctx context.Context, userID, rawLanguage string) (store.Conversation, error) {
	conv := store.Conversation{UserID: strings.TrimSpace(userID)}
	if conv.UserID == "" {
		return store.Conversation{}, apperr.New(apperr.InvalidInput, "user_id is required", nil)
	}
	if strings.TrimSpace(rawLanguage) != "" {
		lang, ok := language.Parse(rawLanguage)
		if !ok {
			return store.Conversation{}, invalidLanguage()
		}
		conv.Language = lang
	}
	created, err := p.store.CreateConversation(ctx, conv)
	if err != nil {
		return store.Conversation{}, storeError(err, "create conversation")
	}
	p.logger.Info().Str("conversation_id", created.ID).Msg("conversation created")
	return created, nil
}

// EnsureConversation returns the conversation with id, creating it with lang on first contact.
func (p *Pipeline) EnsureConversation(ctx context.Context, id, userID string, lang language.Language) (store.Conversation, bool, error) {
	unlock, err := p.locks.Lock(ctx, id)
	if err != nil {
		return store.Conversation{}, false, apperr.New(apperr.Unavailable, "canceled while waiting", err)
	}
	defer unlock()

	conv, err := p.store.FindConversation(ctx, id)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Conversation{}, false, storeError(err, "find conversation")
	}
	conv, err = p.store.CreateConversation(ctx, store.Conversation{ID: id, UserID: userID, Language: lang})
	if err != nil {
		return store.Conversation{}, false, storeError(err, "create conversation")
	}
	return conv, true, nil
}

func (p *Pipeline) Conversation(ctx context.Context, id string) (store.Conversation, error) {
	conv, err := p.store.FindConversation(ctx, id)
	if err != nil {
		return store.Conversation{}, storeError(err, "conversation not found")
	}
	return conv, nil
}

// DeleteConversation removes the conversation and every message in it.
func (p *Pipeline) DeleteConversation(ctx context.Context, id string) error {
	unlock, err := p.locks.Lock(ctx, id)
	if err != nil {
		return apperr.New(apperr.Unavailable, "delete canceled while waiting", err)
	}
	defer unlock()

	if err := p.store.DeleteConversationCascade(ctx, id); err != nil {
		return storeError(err, "conversation not found")
	}
	p.logger.Info().Str("conversation_id", id).Msg("conversation deleted")
	return nil
}

// Messages lists a conversation's messages oldest first. Unknown ids yield an empty list.
func (p *Pipeline) Messages(ctx context.Context, conversationID string) ([]store.Message, error) {
	msgs, err := p.store.ListMessages(ctx, conversationID, store.Ascending, messageListLimit)
	if err != nil {
		return nil, storeError(err, "list messages")
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs, nil
}

// Conversations lists a user's conversations, most recently updated first.
func (p *Pipeline) Conversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	convs, err := p.store.ListConversations(ctx, userID, store.Descending, conversationListLimit)
	if err != nil {
		return nil, storeError(err, "list conversations")
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	return convs, nil
}

func invalidLanguage() error {
	names := make([]string, 0, len(language.Supported()))
	for _, l := range language.Supported() {
		names = append(names, string(l))
	}
	return apperr.New(apperr.InvalidLanguage, "unsupported language, supported: "+strings.Join(names, ", "), nil)
}

func storeError(err error, reason string) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.NotFound, reason, err)
	}
	return apperr.New(apperr.Internal, reason, err)
}
