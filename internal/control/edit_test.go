package control

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/promptweave/internal/attention"
	"github.com/23skdu/promptweave/internal/device"
	"github.com/23skdu/promptweave/internal/schedule"
	"github.com/23skdu/promptweave/internal/tokenizer"
)

func editTok() *tokenizer.WordPieceTokenizer {
	return tokenizer.NewFromVocab([]string{
		"a", "castle", "next", "to", "river", "lake", "the", "old",
	})
}

func fullSpan() schedule.Span { return schedule.Span{Start: 0, End: 1} }

// newCrossMap builds a cross-attention map where the reference and each
// edited sample carry distinct, position-dependent values.
func newCrossMap(backend device.Backend, batch, heads, queries int) *attention.Map {
	m := newTestMap(backend, batch, heads, queries, tokenizer.MaxTokens)
	fillMap(m, func(row, col int) float64 {
		b := row / (heads * queries)
		return float64(b*1000+col) + 0.5
	})
	return m
}

func TestReplaceCopiesReferenceCross(t *testing.T) {
	tok := editTok()
	prompts := []string{"a castle next to a river", "a castle next to a lake"}

	e, err := NewReplace(prompts, tok, 4, schedule.Uniform(fullSpan()), fullSpan())
	require.NoError(t, err)

	backend := device.NewCPUBackend()
	m := newCrossMap(backend, 2, 1, 4)
	base := m.Block(0).Clone()

	e.Forward(m, true, attention.StageDown, 0)

	// One-token substitution at full activation: the replacement matrix is
	// the identity, so the edited sample inherits the reference map.
	blk := m.Block(1)
	for r := 0; r < 4; r++ {
		for c := 0; c < tokenizer.MaxTokens; c++ {
			require.InDelta(t, base.At(r, c), blk.At(r, c), 1e-12)
		}
	}
	// The reference sample itself is never rewritten.
	require.InDelta(t, 0.5, m.Block(0).At(0, 0), 1e-12)
}

func TestReplaceActivationGatesPerPosition(t *testing.T) {
	tok := editTok()
	prompts := []string{"a castle next to a river", "a castle next to a lake"}

	// No default span: only the positions of "castle" are ever active.
	spec := schedule.Spec{Words: map[string]schedule.Span{"castle": fullSpan()}}
	e, err := NewReplace(prompts, tok, 4, spec, fullSpan())
	require.NoError(t, err)

	backend := device.NewCPUBackend()
	m := newCrossMap(backend, 2, 1, 4)
	base := m.Block(0).Clone()
	orig := m.Block(1).Clone()

	e.Forward(m, true, attention.StageDown, 0)

	blk := m.Block(1)
	// "castle" sits at token position 2 ([CLS] shifts words by one).
	require.InDelta(t, base.At(0, 2), blk.At(0, 2), 1e-12)
	// Every other position keeps the edited prompt's own attention.
	require.InDelta(t, orig.At(0, 1), blk.At(0, 1), 1e-12)
	require.InDelta(t, orig.At(0, 6), blk.At(0, 6), 1e-12)
}

func TestSelfSwapCoarseResolutionsOnly(t *testing.T) {
	tok := editTok()
	prompts := []string{"a castle next to a river", "a castle next to a lake"}

	e, err := NewReplace(prompts, tok, 4, schedule.Uniform(fullSpan()), fullSpan())
	require.NoError(t, err)

	backend := device.NewCPUBackend()

	// 16x16: inside the coarse bound, the edited sample takes the
	// reference map wholesale.
	coarse := newTestMap(backend, 2, 1, 256, 256)
	fillMap(coarse, func(row, col int) float64 {
		return float64(row/256*7 + col%5)
	})
	ref := coarse.Block(0).Clone()
	e.Forward(coarse, false, attention.StageMid, 0)
	blk := coarse.Block(1)
	for r := 0; r < 256; r += 51 {
		for c := 0; c < 256; c += 51 {
			require.InDelta(t, ref.At(r, c), blk.At(r, c), 1e-12)
		}
	}

	// 32x32: beyond the bound, self-attention is left alone.
	fine := newTestMap(backend, 2, 1, 1024, 1024)
	fillMap(fine, func(row, col int) float64 {
		return float64(row/1024*7 + col%5)
	})
	want := fine.Block(1).Clone()
	e.Forward(fine, false, attention.StageMid, 0)
	got := fine.Block(1)
	for r := 0; r < 1024; r += 199 {
		require.InDelta(t, want.At(r, 3), got.At(r, 3), 1e-12)
	}
}

func TestSelfSwapWindow(t *testing.T) {
	tok := editTok()
	prompts := []string{"a castle next to a river", "a castle next to a lake"}

	// Self swap active for the first half of 4 steps: steps 0 and 1.
	e, err := NewReplace(prompts, tok, 4, schedule.Uniform(fullSpan()), schedule.Until(0.5))
	require.NoError(t, err)

	backend := device.NewCPUBackend()

	inWindow := newTestMap(backend, 2, 1, 64, 64)
	fillMap(inWindow, func(row, col int) float64 { return float64(row + col) })
	e.Forward(inWindow, false, attention.StageDown, 1)
	require.InDelta(t, inWindow.Block(0).At(5, 5), inWindow.Block(1).At(5, 5), 1e-12)

	outWindow := newTestMap(backend, 2, 1, 64, 64)
	fillMap(outWindow, func(row, col int) float64 { return float64(row + col) })
	want := outWindow.Block(1).Clone()
	e.Forward(outWindow, false, attention.StageDown, 2)
	require.InDelta(t, want.At(5, 5), outWindow.Block(1).At(5, 5), 1e-12)
}

func TestRefineGathersByAlignment(t *testing.T) {
	tok := editTok()
	prompts := []string{"a castle", "the old castle"}

	e, err := NewRefine(prompts, tok, 4, schedule.Uniform(fullSpan()), fullSpan())
	require.NoError(t, err)

	backend := device.NewCPUBackend()
	m := newCrossMap(backend, 2, 1, 4)
	base := m.Block(0).Clone()
	orig := m.Block(1).Clone()

	e.Forward(m, true, attention.StageUp, 0)

	blk := m.Block(1)
	// "castle" moved from position 2 to position 3; the aligned column
	// carries the reference attention.
	require.InDelta(t, base.At(0, 2), blk.At(0, 3), 1e-12)
	// "the" and "old" have no counterpart: zero confidence keeps the
	// edited prompt's own attention there.
	require.InDelta(t, orig.At(0, 1), blk.At(0, 1), 1e-12)
	require.InDelta(t, orig.At(0, 2), blk.At(0, 2), 1e-12)
	// Padding maps position-for-position with full confidence.
	require.InDelta(t, base.At(0, 20), blk.At(0, 20), 1e-12)
}

func TestReweightScalesEqualizedColumns(t *testing.T) {
	tok := editTok()
	prompts := []string{"a castle next to a river", "a castle next to a river"}

	eq := make([]float64, tokenizer.MaxTokens)
	for i := range eq {
		eq[i] = 1
	}
	eq[2] = 3 // "castle"

	e, err := NewReweight(prompts, tok, 4, schedule.Uniform(fullSpan()), fullSpan(), eq, nil)
	require.NoError(t, err)

	backend := device.NewCPUBackend()
	m := newCrossMap(backend, 2, 1, 4)
	base := m.Block(0).Clone()

	e.Forward(m, true, attention.StageDown, 0)

	blk := m.Block(1)
	require.InDelta(t, 3*base.At(0, 2), blk.At(0, 2), 1e-12)
	require.InDelta(t, base.At(0, 1), blk.At(0, 1), 1e-12)
	require.InDelta(t, base.At(0, 6), blk.At(0, 6), 1e-12)
}

func TestReweightChainsPriorEdit(t *testing.T) {
	tok := editTok()
	prompts := []string{"a castle next to a river", "a castle next to a lake"}

	prior, err := NewReplace(prompts, tok, 4, schedule.Uniform(fullSpan()), fullSpan())
	require.NoError(t, err)

	eq := make([]float64, tokenizer.MaxTokens)
	for i := range eq {
		eq[i] = 1
	}
	eq[6] = 2 // "lake"

	e, err := NewReweight(prompts, tok, 4, schedule.Uniform(fullSpan()), fullSpan(), eq, prior)
	require.NoError(t, err)

	backend := device.NewCPUBackend()
	m := newCrossMap(backend, 2, 1, 4)
	base := m.Block(0).Clone()

	e.Forward(m, true, attention.StageDown, 0)

	// The prior replacement runs first (identity matrix here), then the
	// equalizer doubles the substituted word's column.
	blk := m.Block(1)
	require.InDelta(t, 2*base.At(0, 6), blk.At(0, 6), 1e-12)
	require.InDelta(t, base.At(0, 2), blk.At(0, 2), 1e-12)
}

func TestReweightRejectsShortEqualizer(t *testing.T) {
	tok := editTok()
	prompts := []string{"a castle", "a castle"}
	require.Panics(t, func() {
		NewReweight(prompts, tok, 4, schedule.Uniform(fullSpan()), fullSpan(),
			[]float64{1, 2, 3}, nil)
	})
}

func TestEditRecordsIntoAccumulator(t *testing.T) {
	tok := editTok()
	prompts := []string{"a castle next to a river", "a castle next to a lake"}

	e, err := NewReplace(prompts, tok, 2, schedule.Uniform(fullSpan()), fullSpan())
	require.NoError(t, err)

	backend := device.NewCPUBackend()
	e.Forward(newCrossMap(backend, 2, 1, 4), true, attention.StageDown, 0)
	e.BetweenSteps(1)
	require.Equal(t, 1, e.Acc.Steps())

	key := attention.Key{Stage: attention.StageDown, Cross: true}
	require.Len(t, e.Acc.Current()[key], 1)

	e.Reset()
	require.Equal(t, 0, e.Acc.Steps())
}

func TestReplaceRequiresEqualWordCounts(t *testing.T) {
	tok := editTok()
	_, err := NewReplace([]string{"a castle", "the old castle"}, tok, 4,
		schedule.Uniform(fullSpan()), fullSpan())
	require.Error(t, err)
}
