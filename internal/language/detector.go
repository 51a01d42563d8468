package language

import (
	"regexp"
	"strings"
)

// rule matches a language either by Latin words (ASCII word boundaries) or by
// native-script phrases (plain substring; RE2 \b only understands ASCII).
type rule struct {
	lang    Language
	words   *regexp.Regexp
	phrases []string
}

// Detector finds explicit language-change requests in user text.
type Detector struct {
	rules []rule
}

var patterns = []struct {
	lang    Language
	words   []string
	phrases []string
}{
	{English, latin("english"), nil},
	{Hindi, latin("hindi"), []string{"हिंदी", "हिन्दी", "मुझसे हिंदी में बात करो", "हिंदी में बोलो"}},
	{Spanish, append(latin("spanish"), "español", "espanol"), []string{"habla español", "en español"}},
	{Tamil, latin("tamil"), []string{"தமிழ்", "தமிழில் பேசு", "தமிழில் பேசவும்"}},
	{Telugu, latin("telugu"), []string{"తెలుగు", "తెలుగులో మాట్లాడు", "తెలుగులో మాట్లాడండి"}},
	{Kannada, latin("kannada"), []string{"ಕನ್ನಡ", "ಕನ್ನಡದಲ್ಲಿ ಮಾತನಾಡಿ"}},
	{Malayalam, latin("malayalam"), []string{"മലയാളം", "മലയാളത്തിൽ സംസാരിക്കുക", "മലയാളത്തിൽ സംസാരിക്കൂ"}},
	{Punjabi, latin("punjabi"), []string{"ਪੰਜਾਬੀ", "ਪੰਜਾਬੀ ਵਿੱਚ ਗੱਲ ਕਰੋ"}},
	{Gujarati, latin("gujarati"), []string{"ગુજરાતી", "ગુજરાતીમાં વાત કરો"}},
	{Marathi, latin("marathi"), []string{"मराठी", "मराठीत बोल"}},
	{Bengali, latin("bengali"), []string{"বাংলা", "বাংলায় কথা বলুন"}},
	{Odia, latin("odia"), []string{"ଓଡ଼ିଆ", "ଓଡ଼ିଆରେ କଥା ହୁଅନ୍ତୁ"}},
	{Assamese, latin("assamese"), []string{"অসমীয়া", "অসমীয়াত কথা পাতক"}},
	{Urdu, latin("urdu"), []string{"اردو"}},
	{Chinese, latin("chinese"), []string{"中文"}},
	{Arabic, latin("arabic"), []string{"عربية"}},
	{Japanese, latin("japanese"), []string{"日本語"}},
}

func latin(name string) []string {
	return []string{name, "speak " + name, "talk in " + name, "use " + name}
}

// NewDetector compiles the fixed pattern table.
func NewDetector() *Detector {
	d := &Detector{rules: make([]rule, 0, len(patterns))}
	for _, p := range patterns {
		quoted := make([]string, 0, len(p.words))
		for _, w := range p.words {
			quoted = append(quoted, regexp.QuoteMeta(w))
		}
		d.rules = append(d.rules, rule{
			lang:    p.lang,
			words:   regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`),
			phrases: p.phrases,
		})
	}
	return d
}

// Detect returns the first language, in table order, whose patterns match text.
func (d *Detector) Detect(text string) (Language, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, r := range d.rules {
		if r.words != nil && r.words.MatchString(lower) {
			return r.lang, true
		}
		for _, p := range r.phrases {
			if strings.Contains(lower, p) {
				return r.lang, true
			}
		}
	}
	return "", false
}

var defaultDetector = NewDetector()

// Detect runs the package default detector.
func Detect(text string) (Language, bool) {
	return defaultDetector.Detect(text)
}
