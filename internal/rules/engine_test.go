package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEngineLiteralAndRegexRules(t *testing.T) {
	t.Parallel()

	rulesPath := filepath.Join(t.TempDir(), "utterance.rules")
	contents := `
# literal
sci fi => science fiction
# regex with default case-insensitive
s/\brom\s*coms?\b/romantic comedy/g
`
	if err := os.WriteFile(rulesPath, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}

	engine, err := NewEngine(rulesPath, 30)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	output, err := engine.Apply("Rom Coms or sci fi tonight")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if output != "romantic comedy or science fiction tonight" {
		t.Fatalf("unexpected output: %q", output)
	}
}

func TestEngineIteratesUntilStable(t *testing.T) {
	t.Parallel()

	engine, err := NewEngineFromLines([]string{"a => b", "b => c"}, 5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	output, err := engine.Apply("a")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if output != "c" {
		t.Fatalf("expected c, got %q", output)
	}
}

func TestEngineLiteralRuleStartingWithS(t *testing.T) {
	t.Parallel()

	engine, err := NewEngineFromLines([]string{"scary => horror"}, 30)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	output, err := engine.Apply("scary movies")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if output != "horror movies" {
		t.Fatalf("unexpected output: %q", output)
	}
}

func TestEngineMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine(filepath.Join(t.TempDir(), "absent.rules"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if engine.Len() != 0 {
		t.Fatalf("expected empty engine, got %d rules", engine.Len())
	}
	if out, _ := engine.Apply("unchanged"); out != "unchanged" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestEngineVariantsAppliesEachRuleOnce(t *testing.T) {
	t.Parallel()

	engine, err := NewEngineFromLines([]string{
		"tv => t.v.",
		"fex => flex",
		"s/x/ks/",
		"nothing => matches",
		"fex => flex",
	}, 30)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	got := engine.Variants("fex tv")
	want := []string{"fex t.v.", "flex tv", "feks tv"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected variants: %q", got)
	}
}

func TestEngineVariantsOnNilEngine(t *testing.T) {
	t.Parallel()

	var engine *Engine
	if got := engine.Variants("fex tv"); got != nil {
		t.Fatalf("expected nil variants, got %q", got)
	}
}

func TestEngineSupportsParserExtension(t *testing.T) {
	t.Parallel()

	parsers := append([]Parser{prefixParser{}}, defaultParsers()...)
	engine, err := NewEngineWithParsers([]string{"prefix:Hello=>Howdy"}, 5, parsers)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	output, err := engine.Apply("hello world")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if output != "Howdy world" {
		t.Fatalf("unexpected output: %q", output)
	}
}

func TestRegexRuleWithoutGlobalReplacesFirstMatchOnly(t *testing.T) {
	t.Parallel()

	rule, err := parseRegexRule(`s/foo/bar/`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	output, changed := rule.Apply("foo foo")
	if !changed {
		t.Fatalf("expected changed=true")
	}
	if output != "bar foo" {
		t.Fatalf("unexpected output: %q", output)
	}
}

func TestParseRegexRuleUnsupportedFlag(t *testing.T) {
	t.Parallel()

	if _, err := parseRegexRule(`s/foo/bar/x`); err == nil {
		t.Fatalf("expected unsupported flag error")
	}
}

func TestParseLinesUnsupportedLine(t *testing.T) {
	t.Parallel()

	_, err := parseLines([]string{"not-a-rule"}, defaultParsers())
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("expected unsupported rule format error, got %v", err)
	}
}

type prefixParser struct{}

func (prefixParser) CanParse(line string) bool {
	return strings.HasPrefix(line, "prefix:")
}

func (prefixParser) Parse(line string) (Rule, error) {
	payload := strings.TrimPrefix(line, "prefix:")
	parts := strings.SplitN(payload, "=>", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid prefix rule")
	}
	return parseLiteralRule(parts[0] + " => " + parts[1])
}
