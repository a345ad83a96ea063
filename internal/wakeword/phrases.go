package wakeword

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"fexvoice/internal/rules"
)

// DefaultPhrases are the trigger phrases used when none are configured.
var DefaultPhrases = []string{"fex tv", "flex tv", "flev tv", "fex television"}

// ErrNoPhrases is returned when a phrase set would be empty.
var ErrNoPhrases = errors.New("at least one trigger phrase is required")

// Phrase is one canonical trigger phrase and its literal variants, canonical first.
type Phrase struct {
	Canonical string
	Variants  []string
}

// PhraseSet is the ordered, read-only trigger phrase configuration.
type PhraseSet struct {
	phrases []Phrase
}

// NewPhraseSet normalizes phrases and expands each with the given generators.
// Without generators DefaultGenerators is used. Duplicate phrases keep their first position.
func NewPhraseSet(phrases []string, generators ...VariantGenerator) (*PhraseSet, error) {
	if len(generators) == 0 {
		generators = DefaultGenerators()
	}

	seen := make(map[string]struct{}, len(phrases))
	set := &PhraseSet{}
	for _, raw := range phrases {
		canonical := normalize(raw)
		if canonical == "" {
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}

		variants := expand(canonical, append([]VariantGenerator{Literal}, generators...))
		set.phrases = append(set.phrases, Phrase{Canonical: canonical, Variants: variants})
	}

	if len(set.phrases) == 0 {
		return nil, ErrNoPhrases
	}
	return set, nil
}

// Phrases returns a copy of the expanded phrases in configured order.
func (s *PhraseSet) Phrases() []Phrase {
	out := make([]Phrase, len(s.phrases))
	for i, p := range s.phrases {
		out[i] = Phrase{Canonical: p.Canonical, Variants: append([]string(nil), p.Variants...)}
	}
	return out
}

// Canonical returns the canonical phrases in configured order.
func (s *PhraseSet) Canonical() []string {
	out := make([]string, len(s.phrases))
	for i, p := range s.phrases {
		out[i] = p.Canonical
	}
	return out
}

// PhraseFile is the YAML layout of a trigger phrase file.
type PhraseFile struct {
	Phrases       []string            `yaml:"phrases"`
	Aliases       map[string][]string `yaml:"aliases"`
	Substitutions []string            `yaml:"substitutions"`
}

// ParsePhraseFile decodes a phrase file.
func ParsePhraseFile(data []byte) (PhraseFile, error) {
	var file PhraseFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return PhraseFile{}, fmt.Errorf("invalid phrase file: %w", err)
	}
	return file, nil
}

// Build turns the file into a phrase set. Configured phrases replace fallback when present.
func (f PhraseFile) Build(fallback []string) (*PhraseSet, error) {
	phrases := f.Phrases
	if len(phrases) == 0 {
		phrases = fallback
	}

	substitutions, err := rules.NewEngineFromLines(f.Substitutions, 1)
	if err != nil {
		return nil, fmt.Errorf("invalid phrase substitutions: %w", err)
	}

	generators := append(DefaultGenerators(), Aliases(f.Aliases), Substitutions(substitutions))
	return NewPhraseSet(phrases, generators...)
}

// LoadPhraseSet builds the phrase set from an optional YAML file and a fallback phrase list.
// A blank path or a missing file uses fallback with the default generators.
func LoadPhraseSet(path string, fallback []string) (*PhraseSet, error) {
	if len(fallback) == 0 {
		fallback = DefaultPhrases
	}
	if path == "" {
		return NewPhraseSet(fallback)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewPhraseSet(fallback)
		}
		return nil, fmt.Errorf("failed to read phrase file %q: %w", path, err)
	}

	file, err := ParsePhraseFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file.Build(fallback)
}
