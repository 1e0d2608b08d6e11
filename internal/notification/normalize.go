package notification

import (
	"fmt"
	"strings"
)

// DefaultPhrases are the boilerplate paragraphs a FRITZ!Box appends to its
// voicemail notification mails. Order matters: longer phrases that contain
// shorter ones must come first.
var DefaultPhrases = []string{
	"Diese E-Mail wurde automatisch von Ihrer FRITZ!Box erstellt.",
	"Bitte antworten Sie nicht auf diese E-Mail.",
	"Die Sprachnachricht finden Sie im Anhang dieser E-Mail.",
	"Weitere Informationen zu Ihrer FRITZ!Box finden Sie unter avm.de.",
}

// Normalizer strips known boilerplate phrases from notification text.
type Normalizer struct {
	phrases []string
}

// NewNormalizer creates a Normalizer for the given phrases. Empty phrases
// are ignored. A nil slice yields a Normalizer that only trims whitespace.
func NewNormalizer(phrases []string) *Normalizer {
	kept := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return &Normalizer{phrases: kept}
}

// Normalize removes every configured phrase by exact substring match and
// trims surrounding whitespace. Removal repeats until nothing changes so
// that Normalize(Normalize(s)) == Normalize(s).
//
// On an internal failure the original text is returned together with an
// error describing the anomaly.
func (n *Normalizer) Normalize(text string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = text
			err = fmt.Errorf("normalize text: %v", r)
		}
	}()

	out := text
	for {
		prev := out
		for _, p := range n.phrases {
			out = strings.ReplaceAll(out, p, "")
		}
		if out == prev {
			break
		}
	}

	return strings.TrimSpace(out), nil
}
