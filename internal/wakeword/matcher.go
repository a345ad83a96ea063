// Package wakeword detects trigger phrases in accumulated transcripts.
//
// Phrase variants are data produced by generators at construction time; the
// matcher itself is a pure function over a transcript and a PhraseSet.
package wakeword

import (
	"strings"

	"fexvoice/internal/domain"
)

// Match reports the first configured phrase whose variant occurs in transcript.
// Phrases are tried in configured order and variants in generation order. The
// trailing text is everything after the first occurrence of the matched variant.
func Match(transcript string, set *PhraseSet) (domain.WakeWordMatch, bool) {
	if set == nil || transcript == "" {
		return domain.WakeWordMatch{}, false
	}

	lower := strings.ToLower(transcript)
	// Slice the original text only when lower-casing kept byte offsets aligned.
	source := lower
	if len(lower) == len(transcript) {
		source = transcript
	}

	for _, phrase := range set.phrases {
		for _, variant := range phrase.Variants {
			idx := strings.Index(lower, variant)
			if idx < 0 {
				continue
			}
			return domain.WakeWordMatch{
				Phrase:       phrase.Canonical,
				Variant:      variant,
				TrailingText: strings.TrimSpace(source[idx+len(variant):]),
			}, true
		}
	}
	return domain.WakeWordMatch{}, false
}

// Matcher binds a phrase set for repeated matching.
type Matcher struct {
	set *PhraseSet
}

func NewMatcher(set *PhraseSet) *Matcher {
	return &Matcher{set: set}
}

func (m *Matcher) Match(transcript string) (domain.WakeWordMatch, bool) {
	return Match(transcript, m.set)
}

// Phrases exposes the bound phrase set.
func (m *Matcher) Phrases() *PhraseSet {
	return m.set
}
