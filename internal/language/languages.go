package language

import (
	"fmt"
	"strings"
)

// Language is one member of the closed set of response languages.
type Language string

const (
	English   Language = "english"
	Hindi     Language = "hindi"
	Spanish   Language = "spanish"
	Tamil     Language = "tamil"
	Telugu    Language = "telugu"
	Kannada   Language = "kannada"
	Malayalam Language = "malayalam"
	Punjabi   Language = "punjabi"
	Gujarati  Language = "gujarati"
	Marathi   Language = "marathi"
	Bengali   Language = "bengali"
	Odia      Language = "odia"
	Assamese  Language = "assamese"
	Urdu      Language = "urdu"
	Chinese   Language = "chinese"
	Arabic    Language = "arabic"
	Japanese  Language = "japanese"
)

type entry struct {
	lang         Language
	nativeName   string
	confirmation string
}

// table order is also the detector tie-break order.
var table = []entry{
	{English, "English", "Sure! I'll respond in English from now on."},
	{Hindi, "हिंदी", "ठीक है! अब से मैं हिंदी में जवाब दूँगा।"},
	{Spanish, "Español", "¡Claro! A partir de ahora responderé en español."},
	{Tamil, "தமிழ்", "சரி! இனிமேல் நான் தமிழில் பதிலளிப்பேன்."},
	{Telugu, "తెలుగు", "సరే! ఇకపై నేను తెలుగులో సమాధానం ఇస్తాను."},
	{Kannada, "ಕನ್ನಡ", "ಸರಿ! ಇನ್ನು ಮುಂದೆ ನಾನು ಕನ್ನಡದಲ್ಲಿ ಉತ್ತರಿಸುತ್ತೇನೆ."},
	{Malayalam, "മലയാളം", "ശരി! ഇനി മുതൽ ഞാൻ മലയാളത്തിൽ മറുപടി നൽകും."},
	{Punjabi, "ਪੰਜਾਬੀ", "ਠੀਕ ਹੈ! ਹੁਣ ਤੋਂ ਮੈਂ ਪੰਜਾਬੀ ਵਿੱਚ ਜਵਾਬ ਦਿਆਂਗਾ।"},
	{Gujarati, "ગુજરાતી", "સારું! હવેથી હું ગુજરાતીમાં જવાબ આપીશ."},
	{Marathi, "मराठी", "ठीक आहे! आतापासून मी मराठीत उत्तर देईन."},
	{Bengali, "বাংলা", "ঠিক আছে! এখন থেকে আমি বাংলায় উত্তর দেব।"},
	{Odia, "ଓଡ଼ିଆ", "ଠିକ ଅଛି! ବର୍ତ୍ତମାନଠାରୁ ମୁଁ ଓଡ଼ିଆରେ ଉତ୍ତର ଦେବି।"},
	{Assamese, "অসমীয়া", "ঠিক আছে! এতিয়াৰ পৰা মই অসমীয়াত উত্তৰ দিম।"},
	{Urdu, "اردو", "ٹھیک ہے! اب سے میں اردو میں جواب دوں گا۔"},
	{Chinese, "中文", "好的！从现在起我将用中文回答。"},
	{Arabic, "عربية", "حسنًا! سأرد باللغة العربية من الآن فصاعدًا."},
	{Japanese, "日本語", "わかりました！これからは日本語でお答えします。"},
}

var byName = func() map[Language]entry {
	m := make(map[Language]entry, len(table))
	for _, e := range table {
		m[e.lang] = e
	}
	return m
}()

// Supported returns every supported language in table order.
func Supported() []Language {
	out := make([]Language, 0, len(table))
	for _, e := range table {
		out = append(out, e.lang)
	}
	return out
}

// IsSupported reports whether l belongs to the supported set.
func IsSupported(l Language) bool {
	_, ok := byName[l]
	return ok
}

// Parse normalizes a raw language name and checks it against the supported set.
func Parse(raw string) (Language, bool) {
	l := Language(strings.ToLower(strings.TrimSpace(raw)))
	if !IsSupported(l) {
		return "", false
	}
	return l, true
}

// Title returns the English display name, e.g. "Hindi".
func (l Language) Title() string {
	s := string(l)
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Confirmation returns the canonical phrase sent when a conversation switches to l.
func Confirmation(l Language) string {
	if e, ok := byName[l]; ok && e.confirmation != "" {
		return e.confirmation
	}
	return fmt.Sprintf("Language changed to %s.", l.Title())
}

// Prompt is the fixed language-selection message used while a conversation has no language.
func Prompt() string {
	var b strings.Builder
	b.WriteString("👋 Welcome! Please choose your preferred language by replying with its name:\n")
	for _, e := range table {
		b.WriteString("- ")
		b.WriteString(e.lang.Title())
		if e.nativeName != e.lang.Title() {
			b.WriteString(" (")
			b.WriteString(e.nativeName)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	b.WriteString("For example: \"I want to speak Hindi\".")
	return b.String()
}
