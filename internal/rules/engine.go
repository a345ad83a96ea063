package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Rule is one compiled substitution.
type Rule interface {
	Apply(input string) (output string, changed bool)
}

// Parser turns one line into a compiled rule.
type Parser interface {
	CanParse(line string) bool
	Parse(line string) (Rule, error)
}

// Engine holds an ordered list of substitutions. It rewrites utterances to a
// fixed point and spells out phrase variants one rule at a time.
type Engine struct {
	rules     []Rule
	loopLimit int
}

// NewEngine loads rules from a file. A blank path or a missing file yields an empty engine.
func NewEngine(path string, loopLimit int) (*Engine, error) {
	if strings.TrimSpace(path) == "" {
		return &Engine{loopLimit: normalizeLimit(loopLimit)}, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Engine{loopLimit: normalizeLimit(loopLimit)}, nil
		}
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}

	engine, err := NewEngineFromLines(strings.Split(string(contents), "\n"), loopLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file %q: %w", path, err)
	}
	return engine, nil
}

// NewEngineFromLines compiles rules from in-memory lines using the built-in parsers.
func NewEngineFromLines(lines []string, loopLimit int) (*Engine, error) {
	return NewEngineWithParsers(lines, loopLimit, defaultParsers())
}

// NewEngineWithParsers allows parser extension without engine changes.
func NewEngineWithParsers(lines []string, loopLimit int, parsers []Parser) (*Engine, error) {
	if len(parsers) == 0 {
		parsers = defaultParsers()
	}

	compiled, err := parseLines(lines, parsers)
	if err != nil {
		return nil, err
	}
	return &Engine{rules: compiled, loopLimit: normalizeLimit(loopLimit)}, nil
}

// Len returns the number of compiled rules.
func (e *Engine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Apply rewrites text until no rule changes it or the loop limit is hit.
func (e *Engine) Apply(text string) (string, error) {
	if e.Len() == 0 {
		return text, nil
	}

	result := text
	for i := 0; i < e.loopLimit; i++ {
		changed := false
		for _, rule := range e.rules {
			next, ruleChanged := rule.Apply(result)
			if ruleChanged {
				result = next
				changed = true
			}
		}
		if !changed {
			return result, nil
		}
	}

	return result, nil
}

// Variants applies every rule once, independently, and returns the distinct changed outputs in rule order.
func (e *Engine) Variants(phrase string) []string {
	if e.Len() == 0 {
		return nil
	}

	seen := map[string]struct{}{phrase: {}}
	var out []string
	for _, rule := range e.rules {
		next, changed := rule.Apply(phrase)
		if !changed {
			continue
		}
		next = strings.ToLower(strings.TrimSpace(next))
		if next == "" {
			continue
		}
		if _, dup := seen[next]; dup {
			continue
		}
		seen[next] = struct{}{}
		out = append(out, next)
	}
	return out
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 30
	}
	return limit
}

func parseLines(lines []string, parsers []Parser) ([]Rule, error) {
	compiled := make([]Rule, 0, len(lines))

	for index, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parsed := false
		for _, parser := range parsers {
			if !parser.CanParse(line) {
				continue
			}
			rule, err := parser.Parse(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", index+1, err)
			}
			compiled = append(compiled, rule)
			parsed = true
			break
		}

		if !parsed {
			return nil, fmt.Errorf("line %d: unsupported rule format", index+1)
		}
	}

	return compiled, nil
}

func defaultParsers() []Parser {
	return []Parser{regexParser{}, literalParser{}}
}

type literalParser struct{}

func (literalParser) CanParse(line string) bool {
	return strings.Contains(line, "=>")
}

func (literalParser) Parse(line string) (Rule, error) {
	return parseLiteralRule(line)
}

type regexParser struct{}

func (regexParser) CanParse(line string) bool {
	return looksLikeRegexRule(line)
}

func (regexParser) Parse(line string) (Rule, error) {
	return parseRegexRule(line)
}

type literalRule struct {
	replacement string
	re          *regexp.Regexp
}

func parseLiteralRule(line string) (Rule, error) {
	parts := strings.SplitN(line, "=>", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid literal rule")
	}
	from := strings.TrimSpace(parts[0])
	to := strings.TrimSpace(parts[1])
	if from == "" {
		return nil, errors.New("literal rule source cannot be empty")
	}

	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(from))
	if err != nil {
		return nil, fmt.Errorf("invalid literal source: %w", err)
	}

	return literalRule{replacement: to, re: re}, nil
}

func (r literalRule) Apply(input string) (string, bool) {
	output := r.re.ReplaceAllLiteralString(input, r.replacement)
	return output, output != input
}

type regexRule struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

func parseRegexRule(line string) (Rule, error) {
	if len(line) < 2 {
		return nil, errors.New("invalid regex rule")
	}
	delim := line[1]
	if isAlphaNumericOrSpace(delim) {
		return nil, errors.New("regex delimiter must be non-alphanumeric")
	}

	pattern, pos, err := parseDelimited(line, 2, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	replacement, pos, err := parseDelimited(line, pos, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex replacement: %w", err)
	}

	prefix := "i"
	global := false
	for _, flag := range strings.TrimSpace(line[pos:]) {
		switch flag {
		case 'i', ' ':
		case 'g':
			global = true
		case 'm', 's':
			if !strings.ContainsRune(prefix, flag) {
				prefix += string(flag)
			}
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", flag)
		}
	}

	re, err := regexp.Compile("(?" + prefix + ")" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}

	return regexRule{re: re, replacement: replacement, global: global}, nil
}

func (r regexRule) Apply(input string) (string, bool) {
	if r.global {
		output := r.re.ReplaceAllString(input, r.replacement)
		return output, output != input
	}

	loc := r.re.FindStringIndex(input)
	if loc == nil {
		return input, false
	}

	segment := input[loc[0]:loc[1]]
	replaced := r.re.ReplaceAllString(segment, r.replacement)
	output := input[:loc[0]] + replaced + input[loc[1]:]
	return output, output != input
}

func parseDelimited(line string, start int, delim byte) (string, int, error) {
	if start >= len(line) {
		return "", 0, errors.New("unexpected end of expression")
	}

	var builder strings.Builder
	escaped := false
	for index := start; index < len(line); index++ {
		char := line[index]
		if escaped {
			builder.WriteByte(char)
			escaped = false
			continue
		}
		if char == '\\' {
			escaped = true
			builder.WriteByte(char)
			continue
		}
		if char == delim {
			return builder.String(), index + 1, nil
		}
		builder.WriteByte(char)
	}
	return "", 0, errors.New("unterminated expression")
}

func isAlphaNumericOrSpace(char byte) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == ' ' || char == '\t'
}

func looksLikeRegexRule(line string) bool {
	return len(line) > 1 && line[0] == 's' && !isAlphaNumericOrSpace(line[1])
}
