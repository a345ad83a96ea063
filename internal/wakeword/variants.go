package wakeword

import "strings"

// VariantGenerator expands a normalized canonical phrase into literal spellings.
// Generators never see the transcript; they only describe what may be heard.
type VariantGenerator func(phrase string) []string

// DefaultGenerators is the built-in expansion applied to every phrase, in order.
func DefaultGenerators() []VariantGenerator {
	return []VariantGenerator{Literal, Collapsed, Spelled, Padded}
}

// Literal yields the phrase itself.
func Literal(phrase string) []string {
	return []string{phrase}
}

// Collapsed removes internal spaces: "fex tv" -> "fextv".
func Collapsed(phrase string) []string {
	return []string{strings.Join(strings.Fields(phrase), "")}
}

// Spelled separates every letter with a single space: "fex tv" -> "f e x t v".
func Spelled(phrase string) []string {
	letters := []rune(strings.Join(strings.Fields(phrase), ""))
	parts := make([]string, len(letters))
	for i, r := range letters {
		parts[i] = string(r)
	}
	return []string{strings.Join(parts, " ")}
}

// Padded yields the phrase with a leading and with a trailing space.
func Padded(phrase string) []string {
	return []string{" " + phrase, phrase + " "}
}

// Aliases returns a generator that adds fixed homophones for specific phrases.
func Aliases(table map[string][]string) VariantGenerator {
	normalized := make(map[string][]string, len(table))
	for phrase, aliases := range table {
		key := normalize(phrase)
		for _, alias := range aliases {
			if alias = normalize(alias); alias != "" {
				normalized[key] = append(normalized[key], alias)
			}
		}
	}
	return func(phrase string) []string {
		return normalized[phrase]
	}
}

// Substitutions returns a generator backed by substitution rules, one variant per rule.
func Substitutions(source interface{ Variants(string) []string }) VariantGenerator {
	return func(phrase string) []string {
		if source == nil {
			return nil
		}
		return source.Variants(phrase)
	}
}

func expand(phrase string, generators []VariantGenerator) []string {
	seen := make(map[string]struct{})
	var variants []string
	for _, generate := range generators {
		for _, variant := range generate(phrase) {
			if strings.TrimSpace(variant) == "" {
				continue
			}
			if _, dup := seen[variant]; dup {
				continue
			}
			seen[variant] = struct{}{}
			variants = append(variants, variant)
		}
	}
	return variants
}

func normalize(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}
