package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBodySize = 4 << 10

var harmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// GeminiBackend calls the Gemini generateContent REST endpoint.
type GeminiBackend struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewGeminiBackend(apiKey, baseURL string, timeout time.Duration) (*GeminiBackend, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GeminiBackend{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (b *GeminiBackend) Generate(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Model) == "" {
		return Response{}, errors.New("gemini model is required")
	}

	payload, err := json.Marshal(buildGeminiRequest(req))
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	// Key goes in a header so it never shows up in logged URLs.
	url := fmt.Sprintf("%s/models/%s:generateContent", b.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", b.apiKey)

	res, err := b.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
		return Response{}, &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out geminiResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return parseGeminiResponse(req.Model, out)
}

func buildGeminiRequest(req Request) geminiRequest {
	out := geminiRequest{
		Contents: make([]geminiContent, 0, len(req.History)+1),
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxOutputTokens,
		},
	}
	if req.SystemInstruction != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemInstruction}}}
	}
	for _, c := range req.History {
		out.Contents = append(out.Contents, geminiContent{Role: c.Role, Parts: toGeminiParts(c.Parts)})
	}
	out.Contents = append(out.Contents, geminiContent{Role: RoleUser, Parts: toGeminiParts(req.Parts)})
	for _, category := range harmCategories {
		out.SafetySettings = append(out.SafetySettings, geminiSafetySetting{Category: category, Threshold: "BLOCK_NONE"})
	}
	return out
}

func toGeminiParts(parts []Part) []geminiPart {
	out := make([]geminiPart, 0, len(parts))
	for _, p := range parts {
		if p.InlineData != nil {
			out = append(out, geminiPart{InlineData: &geminiBlob{
				MIMEType: p.InlineData.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
			}})
			continue
		}
		out = append(out, geminiPart{Text: p.Text})
	}
	return out
}

func parseGeminiResponse(model string, out geminiResponse) (Response, error) {
	if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		return Response{}, blocked(out.PromptFeedback.BlockReason)
	}
	if len(out.Candidates) == 0 {
		return Response{}, errors.New("no candidates in response")
	}

	candidate := out.Candidates[0]
	switch candidate.FinishReason {
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return Response{}, blocked(candidate.FinishReason)
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}
	if strings.TrimSpace(text.String()) == "" {
		return Response{}, fmt.Errorf("empty response (finish reason %q)", candidate.FinishReason)
	}

	return Response{
		Text:             text.String(),
		Model:            model,
		FinishReason:     candidate.FinishReason,
		PromptTokens:     out.UsageMetadata.PromptTokenCount,
		CandidatesTokens: out.UsageMetadata.CandidatesTokenCount,
	}, nil
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
	SafetySettings    []geminiSafetySetting  `json:"safetySettings,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inlineData,omitempty"`
}

type geminiBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}
