// Package generation drafts assistant replies with model fallback and rate-limit backoff.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/medintel/internal/apperr"
	"github.com/ent0n29/medintel/internal/attachment"
	"github.com/ent0n29/medintel/internal/genai"
	"github.com/ent0n29/medintel/internal/language"
	"github.com/ent0n29/medintel/internal/observability"
	"github.com/ent0n29/medintel/internal/reliability"
)

// HistoryLoader supplies the transcript that seeds each model session.
type HistoryLoader interface {
	Load(ctx context.Context, conversationID string) ([]genai.Content, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Config struct {
	Models             []string
	MaxRetries         int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	AdvanceOnRateLimit bool
	Temperature        float64
	MaxOutputTokens    int
	Sleep              SleepFunc
}

func DefaultConfig() Config {
	return Config{
		Models:             []string{"gemini-2.0-flash", "gemini-1.5-flash"},
		MaxRetries:         3,
		BaseDelay:          time.Second,
		MaxDelay:           30 * time.Second,
		AdvanceOnRateLimit: true,
		Temperature:        0.7,
		MaxOutputTokens:    1500,
	}
}

// Orchestrator tries each candidate model in order until one produces a reply.
type Orchestrator struct {
	backend genai.Backend
	history HistoryLoader
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func New(backend genai.Backend, history HistoryLoader, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) (*Orchestrator, error) {
	if backend == nil {
		return nil, errors.New("generation backend is required")
	}
	if history == nil {
		return nil, errors.New("history loader is required")
	}
	if len(cfg.Models) == 0 {
		return nil, errors.New("at least one candidate model is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Orchestrator{
		backend: backend,
		history: history,
		cfg:     cfg,
		logger:  logger.With().Str("component", "generation").Logger(),
		metrics: metrics,
	}, nil
}

// Generate returns the trimmed reply, always carrying the disclaimer.
// Fails with BlockedContent on a safety refusal and Unavailable when every candidate failed.
func (o *Orchestrator) Generate(ctx context.Context, conversationID, userText string, payload attachment.Payload, lang language.Language) (string, error) {
	loadStart := time.Now()
	transcript, err := o.history.Load(ctx, conversationID)
	o.metrics.ObserveStage("history_load", time.Since(loadStart))
	if err != nil {
		return "", err
	}
	transcript = dropPendingTurn(transcript)

	parts := []genai.Part{genai.TextPart(payload.Compose(userText))}
	if payload.Kind() == attachment.KindInlineImage {
		parts = append(parts, genai.Part{InlineData: &genai.Blob{MIMEType: payload.MediaType(), Data: payload.Data()}})
	}
	directive := SystemInstruction(lang)

	var lastErr error
	for _, model := range o.cfg.Models {
		req := genai.Request{
			Model:             model,
			SystemInstruction: directive,
			History:           append([]genai.Content(nil), transcript...),
			Parts:             parts,
			Temperature:       o.cfg.Temperature,
			MaxOutputTokens:   o.cfg.MaxOutputTokens,
		}

		reply, rateLimited, err := o.tryModel(ctx, conversationID, req)
		if err == nil {
			return ensureDisclaimer(reply), nil
		}
		if genai.IsBlocked(err) {
			return "", apperr.New(apperr.BlockedContent, "content blocked due to safety filters", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", apperr.New(apperr.Unavailable, "generation canceled", ctxErr)
		}
		lastErr = err
		if rateLimited && !o.cfg.AdvanceOnRateLimit {
			break
		}
		o.logger.Warn().Err(err).Str("model", model).Str("conversation_id", conversationID).Msg("candidate model failed")
	}

	o.logger.Error().Err(lastErr).Str("conversation_id", conversationID).Msg("all candidate models failed")
	return "", apperr.New(apperr.Unavailable, "generation backend unavailable", lastErr)
}

// tryModel runs up to MaxRetries attempts against one model. Only rate-limit
// failures are retried; rateLimited reports whether the final failure was one.
func (o *Orchestrator) tryModel(ctx context.Context, conversationID string, req genai.Request) (reply string, rateLimited bool, err error) {
	for attempt := 0; attempt < o.cfg.MaxRetries; attempt++ {
		resp, err := o.backend.Generate(ctx, req)
		if err == nil {
			text := strings.TrimSpace(resp.Text)
			if text != "" {
				o.metrics.ObserveGenerationAttempt(req.Model, "ok")
				return text, false, nil
			}
			err = fmt.Errorf("model %s returned an empty reply", req.Model)
		}

		switch {
		case genai.IsBlocked(err):
			o.metrics.ObserveGenerationAttempt(req.Model, "blocked")
			return "", false, err
		case genai.IsRateLimited(err):
			o.metrics.ObserveGenerationAttempt(req.Model, "rate_limited")
			if attempt == o.cfg.MaxRetries-1 {
				return "", true, err
			}
			wait := reliability.ExponentialBackoff(attempt, o.cfg.BaseDelay, o.cfg.MaxDelay)
			o.logger.Warn().
				Str("model", req.Model).
				Str("conversation_id", conversationID).
				Int("attempt", attempt+1).
				Dur("wait", wait).
				Msg("rate limit hit, retrying")
			if sleepErr := o.cfg.Sleep(ctx, wait); sleepErr != nil {
				return "", true, sleepErr
			}
		default:
			o.metrics.ObserveGenerationAttempt(req.Model, "error")
			return "", false, err
		}
	}
	return "", false, fmt.Errorf("model %s: no attempts made", req.Model)
}

// dropPendingTurn removes the trailing user entry: the current turn is persisted
// before generation and is sent again as the request parts.
func dropPendingTurn(transcript []genai.Content) []genai.Content {
	if n := len(transcript); n > 0 && transcript[n-1].Role == genai.RoleUser {
		return transcript[:n-1]
	}
	return transcript
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
