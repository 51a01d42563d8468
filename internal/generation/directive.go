package generation

import (
	"fmt"
	"strings"

	"github.com/ent0n29/medintel/internal/language"
)

// Disclaimer is appended to every generated reply.
const Disclaimer = "⚠️ This is not medical advice. Please consult a real doctor for professional medical advice."

// SystemInstruction builds the per-turn directive for lang.
func SystemInstruction(lang language.Language) string {
	return fmt.Sprintf(`You are Dr. MedIntel, a highly experienced and compassionate AI physician assistant.
CRITICAL: You MUST respond in %s language only.
- Use the appropriate native script for the language.
- Translate medical terms where possible, provide English in parentheses if needed.
- Simplify complex medical terminology.
- Structure responses with: Summary, Key Findings, Recommendations, Disclaimers.
- Always include: "%s"`, strings.ToUpper(string(lang)), Disclaimer)
}

func ensureDisclaimer(reply string) string {
	if strings.Contains(reply, Disclaimer) {
		return reply
	}
	return reply + "\n\n" + Disclaimer
}
