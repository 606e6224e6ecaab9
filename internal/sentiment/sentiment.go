// Package sentiment provides the fixed, ordered whitelist of distress labels a
// completion provider may attach to a reply, plus normalization of free-form
// labels onto that whitelist.
package sentiment

import "strings"

// Label is one entry of the ordered distress scale.
type Label string

const (
	VeryLow  Label = "very low"
	Low      Label = "low"
	Neutral  Label = "neutral"
	High     Label = "high"
	VeryHigh Label = "very high"
	// Unknown is reported whenever no valid label could be recovered.
	Unknown Label = "unknown"
)

// Scale lists the valid labels from least to most distressed.
var Scale = []Label{VeryLow, Low, Neutral, High, VeryHigh}

// Normalize maps a provider label onto the scale. Case, surrounding whitespace
// and "_"/"-" separators are ignored. Anything else yields Unknown.
func Normalize(raw string) Label {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	for _, l := range Scale {
		if s == string(l) {
			return l
		}
	}
	return Unknown
}

// Rank returns the label's position on the scale, or -1 for Unknown.
func (l Label) Rank() int {
	for i, s := range Scale {
		if s == l {
			return i
		}
	}
	return -1
}

// Elevated reports whether the label is at or above High.
func (l Label) Elevated() bool {
	return l.Rank() >= High.Rank()
}

func (l Label) String() string {
	return string(l)
}
