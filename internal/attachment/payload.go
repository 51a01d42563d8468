package attachment

// Kind tags the Payload union.
type Kind int

const (
	KindNone Kind = iota
	KindExtractedText
	KindInlineImage
)

func (k Kind) String() string {
	switch k {
	case KindExtractedText:
		return "extracted_text"
	case KindInlineImage:
		return "inline_image"
	default:
		return "none"
	}
}

const imageHint = "Analyze this medical image for findings, abnormalities, or insights."

// Payload is the transient, per-turn attachment content. It is never persisted.
type Payload struct {
	kind      Kind
	label     string
	text      string
	data      []byte
	mediaType string
}

func None() Payload { return Payload{} }

// ExtractedText wraps document text; label heads the inline section, e.g. "Medical Report Content".
func ExtractedText(label, text string) Payload {
	return Payload{kind: KindExtractedText, label: label, text: text}
}

func InlineImage(data []byte, mediaType string) Payload {
	return Payload{kind: KindInlineImage, data: data, mediaType: mediaType}
}

func (p Payload) Kind() Kind        { return p.kind }
func (p Payload) Text() string      { return p.text }
func (p Payload) Data() []byte      { return p.data }
func (p Payload) MediaType() string { return p.mediaType }

// Compose returns the outbound user text for this payload: extracted text is
// appended inline, images get an analysis hint (the bytes travel as a separate part).
func (p Payload) Compose(userText string) string {
	switch p.kind {
	case KindExtractedText:
		return userText + "\n\n" + p.label + ":\n" + p.text
	case KindInlineImage:
		return userText + "\n\n" + imageHint
	default:
		return userText
	}
}
