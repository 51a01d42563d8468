// Package attachment validates uploaded files and turns them into turn payloads.
package attachment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/ent0n29/medintel/internal/apperr"
	"github.com/ent0n29/medintel/internal/store"
)

const (
	DefaultMaxBytes = 10 << 20
	DefaultMessage  = "Please analyze this medical report/image and provide insights."

	mediaPDF = "application/pdf"
)

var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// TextExtractor pulls plain text out of a document.
type TextExtractor interface {
	ExtractText(data []byte, mediaType string) (string, error)
}

// NormalizeMediaType lower-cases and strips parameters such as charset.
func NormalizeMediaType(raw string) string {
	raw = strings.TrimSpace(raw)
	if mt, _, err := mime.ParseMediaType(raw); err == nil {
		return mt
	}
	return strings.ToLower(raw)
}

// Validate rejects oversized files and media outside the accepted set.
func Validate(size int64, mediaType string, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if size > maxBytes {
		return apperr.New(apperr.Oversized, fmt.Sprintf("file too large, maximum %dMB", maxBytes>>20), nil)
	}
	mt := NormalizeMediaType(mediaType)
	if imageTypes[mt] || mt == mediaPDF || strings.HasPrefix(mt, "text/") {
		return nil
	}
	return apperr.New(apperr.UnsupportedMedia, "unsupported file type, upload PDF, image or text files", nil)
}

// Extractor handles PDF and text/* documents.
type Extractor struct{}

func (Extractor) ExtractText(data []byte, mediaType string) (string, error) {
	mt := NormalizeMediaType(mediaType)
	switch {
	case mt == mediaPDF:
		return extractPDF(data)
	case strings.HasPrefix(mt, "text/"):
		if !utf8.Valid(data) {
			return "", errors.New("cannot decode text file as utf-8")
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return "", errors.New("text file is empty")
		}
		return text, nil
	default:
		return "", fmt.Errorf("no text extraction for %q", mt)
	}
}

func extractPDF(data []byte) (text string, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("read pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	out := strings.TrimSpace(string(raw))
	if out == "" {
		return "", errors.New("no extractable text in pdf")
	}
	return out, nil
}

// Processor validates an upload and builds its Payload.
type Processor struct {
	maxBytes  int64
	extractor TextExtractor
}

func NewProcessor(maxBytes int64, extractor TextExtractor) *Processor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if extractor == nil {
		extractor = Extractor{}
	}
	return &Processor{maxBytes: maxBytes, extractor: extractor}
}

func (p *Processor) MaxBytes() int64 { return p.maxBytes }

// Prepare returns the payload and the metadata that is persisted with the user message.
func (p *Processor) Prepare(filename, mediaType string, data []byte) (Payload, store.AttachmentInfo, error) {
	mt := NormalizeMediaType(mediaType)
	info := store.AttachmentInfo{Filename: filename, MediaType: mt, Size: int64(len(data))}
	if err := Validate(info.Size, mt, p.maxBytes); err != nil {
		return Payload{}, info, err
	}

	if imageTypes[mt] {
		return InlineImage(data, mt), info, nil
	}

	text, err := p.extractor.ExtractText(data, mt)
	if err != nil {
		return Payload{}, info, apperr.New(apperr.InvalidInput, "could not extract text from file", err)
	}
	label := "Medical Document Content"
	if mt == mediaPDF {
		label = "Medical Report Content"
	}
	return ExtractedText(label, text), info, nil
}

// DisplayText is the user message stored for an upload turn.
func DisplayText(message, filename string) string {
	return fmt.Sprintf("%s [Uploaded file: %s]", message, filename)
}
