// Package genai talks to the hosted generative model that drafts assistant replies.
package genai

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/medintel/internal/reliability"
)

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Blob is inline binary data such as an uploaded image.
type Blob struct {
	MIMEType string
	Data     []byte
}

// Part is either text or inline data.
type Part struct {
	Text       string
	InlineData *Blob
}

func TextPart(s string) Part { return Part{Text: s} }

// Content is one role-tagged transcript entry.
type Content struct {
	Role  string
	Parts []Part
}

type Request struct {
	Model             string
	SystemInstruction string
	History           []Content
	Parts             []Part
	Temperature       float64
	MaxOutputTokens   int
}

type Response struct {
	Text             string
	Model            string
	FinishReason     string
	PromptTokens     int
	CandidatesTokens int
}

// Backend generates one reply for a fully assembled request.
type Backend interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// ErrBlocked marks a safety refusal by the backend.
var ErrBlocked = errors.New("content blocked by safety filter")

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("genai http status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

func blocked(reason string) error {
	return fmt.Errorf("%w: %s", ErrBlocked, reason)
}

// IsBlocked reports whether err is a safety refusal.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrBlocked)
}

// IsRateLimited reports whether err signals throttling or quota exhaustion.
func IsRateLimited(err error) bool {
	if err == nil || IsBlocked(err) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return reliability.IsRateLimitStatus(statusErr.StatusCode) || reliability.IsRateLimitMessage(statusErr.Body)
	}
	return reliability.IsRateLimitMessage(err.Error())
}
