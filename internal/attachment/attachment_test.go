package attachment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/medintel/internal/apperr"
)

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(10, "image/png", 0))
	require.NoError(t, Validate(10, "text/plain; charset=utf-8", 0))
	require.NoError(t, Validate(10, "application/pdf", 0))

	err := Validate(DefaultMaxBytes+1, "image/png", 0)
	require.Equal(t, apperr.Oversized, apperr.CodeOf(err))

	err = Validate(10, "application/zip", 0)
	require.Equal(t, apperr.UnsupportedMedia, apperr.CodeOf(err))

	err = Validate(11, "text/plain", 10)
	require.Equal(t, apperr.Oversized, apperr.CodeOf(err))
}

func TestPrepareImage(t *testing.T) {
	p := NewProcessor(0, nil)
	payload, info, err := p.Prepare("scan.PNG", "IMAGE/PNG", []byte{0x89, 0x50})
	require.NoError(t, err)
	require.Equal(t, KindInlineImage, payload.Kind())
	require.Equal(t, "image/png", payload.MediaType())
	require.Equal(t, []byte{0x89, 0x50}, payload.Data())
	require.Equal(t, int64(2), info.Size)
	require.Equal(t, "scan.PNG", info.Filename)
	require.Equal(t, "look\n\n"+imageHint, payload.Compose("look"))
}

func TestPrepareTextDocument(t *testing.T) {
	p := NewProcessor(0, nil)
	payload, info, err := p.Prepare("labs.txt", "text/plain; charset=utf-8", []byte("  HbA1c 6.1%\n"))
	require.NoError(t, err)
	require.Equal(t, KindExtractedText, payload.Kind())
	require.Equal(t, "HbA1c 6.1%", payload.Text())
	require.Equal(t, "text/plain", info.MediaType)
	require.Equal(t, "check\n\nMedical Document Content:\nHbA1c 6.1%", payload.Compose("check"))
}

func TestPrepareRejectsUndecodableText(t *testing.T) {
	p := NewProcessor(0, nil)
	_, _, err := p.Prepare("bad.txt", "text/plain", []byte{0xff, 0xfe, 0xfd})
	require.Equal(t, apperr.InvalidInput, apperr.CodeOf(err))
}

func TestPrepareRejectsBrokenPDF(t *testing.T) {
	p := NewProcessor(0, nil)
	_, _, err := p.Prepare("report.pdf", "application/pdf", []byte("not a pdf"))
	require.Equal(t, apperr.InvalidInput, apperr.CodeOf(err))
}

type stubExtractor struct{ text string }

func (s stubExtractor) ExtractText([]byte, string) (string, error) { return s.text, nil }

func TestPreparePDFUsesReportLabel(t *testing.T) {
	p := NewProcessor(0, stubExtractor{text: "Hemoglobin 13.2"})
	payload, _, err := p.Prepare("report.pdf", "application/pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(payload.Compose("x"), "Medical Report Content:\nHemoglobin 13.2"))
}

func TestPrepareValidatesBeforeExtraction(t *testing.T) {
	p := NewProcessor(4, stubExtractor{text: "unused"})
	_, _, err := p.Prepare("big.txt", "text/plain", []byte("12345"))
	require.Equal(t, apperr.Oversized, apperr.CodeOf(err))
}

func TestNonePayloadComposesUnchanged(t *testing.T) {
	require.Equal(t, KindNone, None().Kind())
	require.Equal(t, "hello", None().Compose("hello"))
	require.Equal(t, "hi [Uploaded file: a.pdf]", DisplayText("hi", "a.pdf"))
}
