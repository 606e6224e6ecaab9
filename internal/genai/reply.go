package genai

import (
	"encoding/json"
	"strings"

	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/sentiment"
)

// structuredReply is the JSON shape requested from providers.
type structuredReply struct {
	Reply     string `json:"reply"`
	Sentiment string `json:"sentiment"`
}

// ParseReply extracts the reply text and sentiment from a raw completion.
// Anything that is not a JSON object with a non-empty "reply" is returned
// verbatim with an unknown sentiment.
func ParseReply(raw string) models.ReplyResult {
	text := strings.TrimSpace(raw)
	body := stripCodeFence(text)

	var sr structuredReply
	if err := json.Unmarshal([]byte(body), &sr); err == nil {
		if reply := strings.TrimSpace(sr.Reply); reply != "" {
			return models.ReplyResult{Text: reply, Sentiment: sentiment.Normalize(sr.Sentiment).String()}
		}
	}
	return models.ReplyResult{Text: text, Sentiment: sentiment.Unknown.String()}
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 && !strings.Contains(inner[:nl], "{") {
		inner = inner[nl+1:]
	}
	return strings.TrimSpace(inner)
}
