package align

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/promptweave/internal/device"
	"github.com/23skdu/promptweave/internal/tokenizer"
)

func testTok() *tokenizer.WordPieceTokenizer {
	return tokenizer.NewFromVocab([]string{
		"a", "castle", "next", "to", "river", "lake", "children",
		"drawing", "of", "the", "old", "house",
		// pieces for a multi-token word: "riverbank" -> "river" + "##bank"
		"##bank",
	})
}

func TestWordIndices(t *testing.T) {
	tok := testTok()

	inds, err := WordIndices("a castle next to a river", "castle", tok)
	require.NoError(t, err)
	require.Equal(t, []int{2}, inds, "position 0 is [CLS]")

	// Repeated word: all occurrences.
	inds, err = WordIndices("a castle next to a river", "a", tok)
	require.NoError(t, err)
	require.Equal(t, []int{1, 5}, inds)

	// Case-insensitive.
	inds, err = WordIndices("a Castle next to a river", "CASTLE", tok)
	require.NoError(t, err)
	require.Equal(t, []int{2}, inds)

	_, err = WordIndices("a castle next to a river", "dragon", tok)
	require.ErrorIs(t, err, ErrWordNotFound)
}

func TestOverLongPromptRejected(t *testing.T) {
	tok := testTok()
	long := strings.TrimSpace(strings.Repeat("castle ", tokenizer.MaxTokens-1))

	_, err := WordIndices(long, "castle", tok)
	require.ErrorIs(t, err, ErrPromptTooLong)

	_, err = ReplacementMapper([]string{long, long}, tok, device.NewCPUBackend())
	require.ErrorIs(t, err, ErrPromptTooLong)

	_, err = Equalizer(long, map[string]float64{"castle": 2}, tok)
	require.ErrorIs(t, err, ErrPromptTooLong)
}

func TestWordIndicesMultiToken(t *testing.T) {
	tok := testTok()

	inds, err := WordIndices("the riverbank", "riverbank", tok)
	require.NoError(t, err)
	require.True(t, sort.IntsAreSorted(inds))
	require.Equal(t, []int{2, 3}, inds, "both sub-tokens of the word")
}

func TestWordIndicesAt(t *testing.T) {
	tok := testTok()

	inds, err := WordIndicesAt("a castle next to a river", 1, tok)
	require.NoError(t, err)
	require.Equal(t, []int{2}, inds)

	_, err = WordIndicesAt("a castle", 9, tok)
	require.ErrorIs(t, err, ErrWordNotFound)
}

func TestReplacementMapperIdentityOutsideSpan(t *testing.T) {
	tok := testTok()
	backend := device.NewCPUBackend()

	mappers, err := ReplacementMapper([]string{
		"a castle next to a river",
		"a house next to a river",
	}, tok, backend)
	require.NoError(t, err)
	require.Len(t, mappers, 1)
	m := mappers[0]

	// Prompt tokens occupy positions 1..6; "castle"/"house" sit at 2.
	for i := 0; i < tokenizer.MaxTokens; i++ {
		for j := 0; j < tokenizer.MaxTokens; j++ {
			want := 0.0
			if i == j && i != 2 {
				want = 1.0
			}
			if i == 2 && j == 2 {
				want = 1.0 // single-token substitution maps onto itself
			}
			require.Equalf(t, want, m.At(i, j), "mapper[%d][%d]", i, j)
		}
	}
}

func TestReplacementMapperWordCountMismatch(t *testing.T) {
	tok := testTok()
	backend := device.NewCPUBackend()

	_, err := ReplacementMapper([]string{
		"a castle next to a river",
		"a castle",
	}, tok, backend)
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestRefinementMapper(t *testing.T) {
	tok := testTok()

	mappers, alphas, err := RefinementMapper([]string{
		"a castle next to a river",
		"children drawing of a castle next to a river",
	}, tok)
	require.NoError(t, err)
	require.Len(t, mappers, 1)
	require.Len(t, alphas, 1)

	m, a := mappers[0], alphas[0]
	require.Len(t, m, tokenizer.MaxTokens)
	require.Len(t, a, tokenizer.MaxTokens)

	// Reference: [CLS] a castle next to a river [SEP] -> positions 0..7.
	// Edited:    [CLS] children drawing of a castle next to a river [SEP].
	require.Equal(t, 0, m[0])
	require.Equal(t, 1.0, a[0])

	// The inserted words have no alignment and zero confidence.
	for j := 1; j <= 3; j++ {
		require.Equal(t, -1, m[j], "inserted token %d", j)
		require.Equal(t, 0.0, a[j])
	}

	// The shared tail aligns exactly: edited position 4.. maps to reference 1..
	for j := 4; j <= 9; j++ {
		require.Equal(t, j-3, m[j])
		require.Equal(t, 1.0, a[j], "exact match at %d", j)
	}

	// Padding aligns onto itself.
	require.Equal(t, 20, m[20])
	require.Equal(t, 1.0, a[20])
}

func TestRefinementMapperDisjointPrompts(t *testing.T) {
	tok := testTok()

	_, _, err := RefinementMapper([]string{
		"castle next river",
		"old house drawing",
	}, tok)
	require.ErrorIs(t, err, ErrAlignment)
}

func TestEqualizer(t *testing.T) {
	tok := testTok()

	eq, err := Equalizer("a castle next to a river", map[string]float64{"castle": 2.0}, tok)
	require.NoError(t, err)
	require.Len(t, eq, tokenizer.MaxTokens)
	for i, v := range eq {
		if i == 2 {
			require.Equal(t, 2.0, v)
		} else {
			require.Equal(t, 1.0, v)
		}
	}

	_, err = Equalizer("a castle", map[string]float64{"dragon": 2.0}, tok)
	require.ErrorIs(t, err, ErrWordNotFound)
}
