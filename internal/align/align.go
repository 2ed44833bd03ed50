// Package align maps free-text words to token positions and builds the
// token-to-token mappers that redistribute attention between a reference
// prompt and its edited variants.
package align

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/promptweave/internal/device"
	"github.com/23skdu/promptweave/internal/tokenizer"
)

var (
	// ErrWordNotFound reports a word that does not occur in the prompt.
	ErrWordNotFound = errors.New("align: word not found in prompt")
	// ErrLengthMismatch reports prompts unsuitable for a replacement edit.
	ErrLengthMismatch = errors.New("align: prompts do not tokenize to the same length")
	// ErrAlignment reports prompts that diverge too much to align for refinement.
	ErrAlignment = errors.New("align: prompts share no common tokens")
	// ErrPromptTooLong reports a prompt whose sub-tokens exceed the fixed
	// encoder length.
	ErrPromptTooLong = errors.New("align: prompt exceeds the token budget")
)

// wordSpan is one word of a prompt together with the token positions it
// occupies in the fixed-length encoded layout (position 0 is [CLS]).
type wordSpan struct {
	text string
	inds []int
}

// wordSpans groups a prompt's sub-tokens back into words. A new word starts
// at every piece without the continuation marker; the concatenated fragments
// reproduce the (lowercased, normalized) word. Prompts that do not fit the
// fixed encoding alongside [CLS] and [SEP] are rejected.
func wordSpans(prompt string, tok *tokenizer.WordPieceTokenizer) ([]wordSpan, error) {
	pieces, _ := tok.Tokenize(prompt)
	if len(pieces) > tokenizer.MaxTokens-2 {
		return nil, fmt.Errorf("%w: %q tokenizes to %d pieces, max %d",
			ErrPromptTooLong, prompt, len(pieces), tokenizer.MaxTokens-2)
	}
	var spans []wordSpan
	for i, p := range pieces {
		frag := tokenizer.PieceFragment(p)
		if strings.HasPrefix(p, "##") && len(spans) > 0 {
			last := &spans[len(spans)-1]
			last.text += frag
			last.inds = append(last.inds, i+1) // +1 for [CLS]
		} else {
			spans = append(spans, wordSpan{text: frag, inds: []int{i + 1}})
		}
	}
	return spans, nil
}

// WordIndices resolves a word to the token positions it occupies in the
// prompt's fixed-length encoding. Multi-token words yield every sub-token
// position. Matching is case-insensitive.
func WordIndices(prompt, word string, tok *tokenizer.WordPieceTokenizer) ([]int, error) {
	target := strings.ToLower(strings.TrimSpace(word))
	spans, err := wordSpans(prompt, tok)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, s := range spans {
		if s.text == target {
			out = append(out, s.inds...)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %q in %q", ErrWordNotFound, word, prompt)
	}
	return out, nil
}

// WordIndicesAt resolves the word at a given word position (0-based) to its
// token positions.
func WordIndicesAt(prompt string, wordPos int, tok *tokenizer.WordPieceTokenizer) ([]int, error) {
	spans, err := wordSpans(prompt, tok)
	if err != nil {
		return nil, err
	}
	if wordPos < 0 || wordPos >= len(spans) {
		return nil, fmt.Errorf("%w: word index %d in %q", ErrWordNotFound, wordPos, prompt)
	}
	return spans[wordPos].inds, nil
}

// ReplacementMapper builds one (MaxTokens x MaxTokens) matrix per edited
// prompt. Applying the matrix to an attention map sourced from the reference
// prompt redistributes it to the edited prompt's token layout: identity for
// unchanged words, uniform all-to-the-new-token for substituted words.
// Both prompts must have the same word count and tokenize to the same length.
func ReplacementMapper(prompts []string, tok *tokenizer.WordPieceTokenizer, backend device.Backend) ([]device.Tensor, error) {
	ref := prompts[0]
	mappers := make([]device.Tensor, 0, len(prompts)-1)
	for _, edited := range prompts[1:] {
		m, err := replacementMapperPair(ref, edited, tok, backend)
		if err != nil {
			return nil, err
		}
		mappers = append(mappers, m)
	}
	return mappers, nil
}

func replacementMapperPair(x, y string, tok *tokenizer.WordPieceTokenizer, backend device.Backend) (device.Tensor, error) {
	sx, err := wordSpans(x, tok)
	if err != nil {
		return nil, err
	}
	sy, err := wordSpans(y, tok)
	if err != nil {
		return nil, err
	}
	if len(sx) != len(sy) {
		return nil, fmt.Errorf("%w: %q has %d words, %q has %d", ErrLengthMismatch, x, len(sx), y, len(sy))
	}
	var nx, ny int
	for _, s := range sx {
		nx += len(s.inds)
	}
	for _, s := range sy {
		ny += len(s.inds)
	}
	if nx != ny {
		return nil, fmt.Errorf("%w: %d vs %d tokens", ErrLengthMismatch, nx, ny)
	}

	const n = tokenizer.MaxTokens
	mapper := backend.NewTensor(n, n, nil)
	mapper.Set(0, 0, 1) // [CLS]

	for w := range sx {
		if sx[w].text == sy[w].text {
			// Unchanged word: identity, position for position.
			for k := range sx[w].inds {
				mapper.Set(sx[w].inds[k], sy[w].inds[k], 1)
			}
		} else {
			// Substituted word: spread the source tokens uniformly over
			// the replacement tokens.
			ratio := 1.0 / float64(len(sy[w].inds))
			for _, si := range sx[w].inds {
				for _, ti := range sy[w].inds {
					mapper.Set(si, ti, ratio)
				}
			}
		}
	}

	// [SEP] and padding positions map onto themselves.
	for i := nx + 1; i < n; i++ {
		mapper.Set(i, i, 1)
	}
	return mapper, nil
}

// RefinementMapper aligns each edited prompt's token sequence onto the
// reference prompt. For every edited prompt it returns a MaxTokens index
// vector (aligned reference position, or -1 when none exists) and a parallel
// confidence vector (1 for an exact token match, 0 otherwise).
func RefinementMapper(prompts []string, tok *tokenizer.WordPieceTokenizer) ([][]int, [][]float64, error) {
	ref := tok.EncodeWithSpecials(prompts[0])
	mappers := make([][]int, 0, len(prompts)-1)
	alphas := make([][]float64, 0, len(prompts)-1)
	for _, edited := range prompts[1:] {
		m, a, err := refinementMapperPair(ref, tok.EncodeWithSpecials(edited))
		if err != nil {
			return nil, nil, fmt.Errorf("aligning %q onto %q: %w", edited, prompts[0], err)
		}
		mappers = append(mappers, m)
		alphas = append(alphas, a)
	}
	return mappers, alphas, nil
}

// refinementMapperPair runs a global (Needleman-Wunsch) alignment of y onto
// x with match=1, mismatch=-1 and free gaps. Ties are broken preferring
// diagonal, then a gap in y, then a gap in x, which keeps every match at its
// leftmost candidate.
func refinementMapperPair(x, y []int) ([]int, []float64, error) {
	const (
		match    = 1
		mismatch = -1
		gap      = 0
	)
	lx, ly := len(x), len(y)

	score := make([][]int, lx+1)
	for i := range score {
		score[i] = make([]int, ly+1)
	}
	for i := 1; i <= lx; i++ {
		for j := 1; j <= ly; j++ {
			sub := score[i-1][j-1]
			if x[i-1] == y[j-1] {
				sub += match
			} else {
				sub += mismatch
			}
			del := score[i-1][j] + gap
			ins := score[i][j-1] + gap
			best := sub
			if del > best {
				best = del
			}
			if ins > best {
				best = ins
			}
			score[i][j] = best
		}
	}

	// Traceback. yToX[j] = aligned reference position, or -1.
	yToX := make([]int, ly)
	for j := range yToX {
		yToX[j] = -1
	}
	i, j := lx, ly
	for i > 0 && j > 0 {
		sub := score[i-1][j-1]
		if x[i-1] == y[j-1] {
			sub += match
		} else {
			sub += mismatch
		}
		switch score[i][j] {
		case sub:
			yToX[j-1] = i - 1
			i--
			j--
		case score[i-1][j] + gap:
			i--
		default:
			j--
		}
	}

	matches := 0
	mapper := make([]int, tokenizer.MaxTokens)
	conf := make([]float64, tokenizer.MaxTokens)
	for j := 0; j < ly; j++ {
		mapper[j] = yToX[j]
		if yToX[j] >= 0 && x[yToX[j]] == y[j] {
			conf[j] = 1
			// [CLS]/[SEP] always line up; only interior matches count as
			// evidence that the prompts are alignable.
			if j != 0 && j != ly-1 {
				matches++
			}
		}
	}
	// Padding region aligns onto itself with full confidence.
	for j := ly; j < tokenizer.MaxTokens; j++ {
		mapper[j] = j
		conf[j] = 1
	}

	if matches == 0 {
		return nil, nil, ErrAlignment
	}
	return mapper, conf, nil
}

// Equalizer builds a MaxTokens scale vector from word/value pairs, 1.0 at
// every untouched position. The reweighting strategy multiplies attention by
// it, broadcast over spatial positions.
func Equalizer(prompt string, values map[string]float64, tok *tokenizer.WordPieceTokenizer) ([]float64, error) {
	eq := make([]float64, tokenizer.MaxTokens)
	for i := range eq {
		eq[i] = 1
	}
	for word, val := range values {
		inds, err := WordIndices(prompt, word, tok)
		if err != nil {
			return nil, err
		}
		for _, i := range inds {
			eq[i] = val
		}
	}
	return eq, nil
}
