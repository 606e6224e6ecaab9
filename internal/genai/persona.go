package genai

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/AnchorLoop/internal/sentiment"
)

// DefaultPersonaName is the sponsor persona's display name.
const DefaultPersonaName = "M.A.T.T. (My Anchor Through Turmoil)"

// FallbackReply is spoken whenever the completion provider cannot produce a reply.
const FallbackReply = "I'm here with you — let's take one small step together."

// SystemPrompt builds the fixed sponsor instruction for the named persona.
func SystemPrompt(name string) string {
	if strings.TrimSpace(name) == "" {
		name = DefaultPersonaName
	}
	labels := make([]string, len(sentiment.Scale))
	for i, l := range sentiment.Scale {
		labels[i] = fmt.Sprintf("%q", string(l))
	}
	return strings.Join([]string{
		fmt.Sprintf("You are %s, a calm, compassionate NA-style sponsor.", name),
		"Reply in 1-3 short sentences. Be supportive, non-judgmental and practical.",
		"Suggest one small, concrete next step (drink water, text a friend or sponsor, step outside, breathe).",
		"Do not make medical or clinical claims.",
		"If the user sounds in acute distress or crisis, gently suggest calling or texting 988 in the U.S. or local emergency help.",
		"No emojis. Warm, grounded, concise.",
		`ALWAYS respond as a single JSON object with "reply" and "sentiment".`,
		fmt.Sprintf(`"sentiment" is the user's emotional distress, one of: %s.`, strings.Join(labels, ", ")),
	}, " ")
}

// UserPrompt frames the utterance for the completion provider.
func UserPrompt(utterance string) string {
	return fmt.Sprintf("User said: %q", utterance)
}
