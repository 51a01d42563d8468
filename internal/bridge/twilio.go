// Package bridge connects the turn pipeline to WhatsApp through Twilio.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTwilioBaseURL = "https://api.twilio.com"
	addressPrefix        = "whatsapp:"
	maxErrorBodySize     = 4 << 10
)

// Sender delivers text to a messaging address and returns the provider's delivery id.
type Sender interface {
	Send(ctx context.Context, address, text string) (string, error)
}

// StatusError is a non-2xx reply from Twilio.
type StatusError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("twilio status %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("twilio status %d: %s", e.StatusCode, e.Message)
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	Timeout    time.Duration
}

// TwilioSender posts WhatsApp messages to the Twilio Messages API.
type TwilioSender struct {
	cfg    TwilioConfig
	client *http.Client
}

func NewTwilioSender(cfg TwilioConfig) (*TwilioSender, error) {
	cfg.AccountSID = strings.TrimSpace(cfg.AccountSID)
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	cfg.FromNumber = StripAddress(cfg.FromNumber)
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, errors.New("twilio account sid, auth token and whatsapp number are required")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &TwilioSender{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (s *TwilioSender) Send(ctx context.Context, address, text string) (string, error) {
	to := StripAddress(address)
	if to == "" {
		return "", errors.New("recipient address is required")
	}
	form := url.Values{}
	form.Set("From", addressPrefix+s.cfg.FromNumber)
	form.Set("To", addressPrefix+to)
	form.Set("Body", text)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.cfg.BaseURL, url.PathEscape(s.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	res, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: res.StatusCode, Message: strings.TrimSpace(string(truncate(body, maxErrorBodySize)))}
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			statusErr.Code = apiErr.Code
			statusErr.Message = apiErr.Message
		}
		return "", statusErr
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.SID == "" {
		return "", errors.New("twilio response missing message sid")
	}
	return out.SID, nil
}

// StripAddress removes the channel prefix, e.g. "whatsapp:+1415..." -> "+1415...".
func StripAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) >= len(addressPrefix) && strings.EqualFold(addr[:len(addressPrefix)], addressPrefix) {
		addr = addr[len(addressPrefix):]
	}
	return strings.TrimSpace(addr)
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
