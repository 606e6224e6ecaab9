package speech

import (
	"regexp"

	"github.com/BTreeMap/AnchorLoop/internal/models"
)

var (
	naturalVoiceRE = regexp.MustCompile(`(?i)google|microsoft|natural|neural`)
	englishLangRE  = regexp.MustCompile(`(?i)^en(-|_)?(US|GB|AU|CA|NZ)`)
	genderedRE     = regexp.MustCompile(`(?i)female|male`)
)

// ScoreVoice rates how natural and locale-appropriate a voice is likely to
// sound. Higher is better.
func ScoreVoice(v models.VoiceProfile) int {
	score := 0
	if naturalVoiceRE.MatchString(v.Label) {
		score += 3
	}
	if englishLangRE.MatchString(v.Lang) {
		score += 2
	}
	if genderedRE.MatchString(v.Label) {
		score++
	}
	return score
}

// ScoreVoices returns a copy of voices with Score filled in.
func ScoreVoices(voices []models.VoiceProfile) []models.VoiceProfile {
	out := make([]models.VoiceProfile, len(voices))
	for i, v := range voices {
		v.Score = ScoreVoice(v)
		out[i] = v
	}
	return out
}

// PickBestVoice returns the highest-scoring voice. Ties go to the voice that
// appears first. ok is false for an empty list.
func PickBestVoice(voices []models.VoiceProfile) (best models.VoiceProfile, ok bool) {
	bestScore := -1
	for _, v := range voices {
		if s := ScoreVoice(v); s > bestScore {
			best, bestScore, ok = v, s, true
		}
	}
	return best, ok
}
