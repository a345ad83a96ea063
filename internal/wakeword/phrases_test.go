package wakeword

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPhraseSetExpandsVariantsInOrder(t *testing.T) {
	t.Parallel()

	set, err := NewPhraseSet([]string{"  Fex   TV "})
	require.NoError(t, err)

	phrases := set.Phrases()
	require.Len(t, phrases, 1)
	assert.Equal(t, "fex tv", phrases[0].Canonical)
	assert.Equal(t, []string{"fex tv", "fextv", "f e x t v", " fex tv", "fex tv "}, phrases[0].Variants)
}

func TestNewPhraseSetDeduplicatesAndRejectsEmpty(t *testing.T) {
	t.Parallel()

	set, err := NewPhraseSet([]string{"fex tv", "FEX TV", "", "flex tv"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fex tv", "flex tv"}, set.Canonical())

	_, err = NewPhraseSet([]string{" ", ""})
	assert.ErrorIs(t, err, ErrNoPhrases)
}

func TestPhrasesReturnsCopy(t *testing.T) {
	t.Parallel()

	set, err := NewPhraseSet([]string{"fex tv"})
	require.NoError(t, err)

	phrases := set.Phrases()
	phrases[0].Variants[0] = "mutated"

	_, ok := Match("fex tv", set)
	assert.True(t, ok)
}

func TestPhraseFileAliasesAndSubstitutions(t *testing.T) {
	t.Parallel()

	file, err := ParsePhraseFile([]byte(`
phrases:
  - fex tv
aliases:
  Fex TV: [fecks tv]
substitutions:
  - "tv => t.v."
`))
	require.NoError(t, err)

	set, err := file.Build(nil)
	require.NoError(t, err)

	match, ok := Match("fecks tv what's new", set)
	require.True(t, ok)
	assert.Equal(t, "fex tv", match.Phrase)
	assert.Equal(t, "fecks tv", match.Variant)
	assert.Equal(t, "what's new", match.TrailingText)

	match, ok = Match("fex t.v. documentaries", set)
	require.True(t, ok)
	assert.Equal(t, "fex t.v.", match.Variant)
	assert.Equal(t, "documentaries", match.TrailingText)
}

func TestPhraseFileRejectsBadSubstitution(t *testing.T) {
	t.Parallel()

	file, err := ParsePhraseFile([]byte("substitutions: [\"not a rule\"]\n"))
	require.NoError(t, err)

	_, err = file.Build(DefaultPhrases)
	assert.Error(t, err)
}

func TestParsePhraseFileInvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := ParsePhraseFile([]byte("phrases: [unterminated"))
	assert.Error(t, err)
}

func TestLoadPhraseSetFallbacks(t *testing.T) {
	t.Parallel()

	set, err := LoadPhraseSet("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPhrases, set.Canonical())

	set, err = LoadPhraseSet(filepath.Join(t.TempDir(), "missing.yaml"), []string{"hey fex"})
	require.NoError(t, err)
	assert.Equal(t, []string{"hey fex"}, set.Canonical())
}

func TestLoadPhraseSetFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "phrases.yaml")
	require.NoError(t, os.WriteFile(path, []byte("phrases: [hey fex, fex tv]\n"), 0o600))

	set, err := LoadPhraseSet(path, []string{"ignored"})
	require.NoError(t, err)
	assert.Equal(t, []string{"hey fex", "fex tv"}, set.Canonical())
}
