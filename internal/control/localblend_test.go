package control

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/promptweave/internal/align"
	"github.com/23skdu/promptweave/internal/attention"
	"github.com/23skdu/promptweave/internal/device"
)

// recordBlendStore fills an accumulator with the layer layout the mask
// derivation expects: four down and three up cross layers at 16x16, with
// attention to the chosen token concentrated in the top rows of the image.
func recordBlendStore(t *testing.T, backend device.Backend, batch, tokenPos int) *attention.Accumulator {
	t.Helper()
	acc := attention.NewAccumulator()

	record := func(stage attention.Stage, n int) {
		for i := 0; i < n; i++ {
			m := newTestMap(backend, batch, 1, 256, 77)
			fillMap(m, func(row, col int) float64 {
				if col != tokenPos {
					return 0.001
				}
				q := row % 256
				if q/16 < 4 { // top quarter of the 16x16 grid
					return 1.0
				}
				return 0.001
			})
			acc.Record(m, true, stage)
		}
	}
	record(attention.StageDown, 4)
	record(attention.StageUp, 3)
	acc.Flush()
	return acc
}

func TestLocalBlendMasksLatent(t *testing.T) {
	tok := editTok()
	backend := device.NewCPUBackend()
	prompts := []string{"a castle next to a river", "a castle next to a lake"}

	lb, err := NewLocalBlend(prompts, [][]string{{"castle"}, {"castle"}}, 0.3, tok)
	require.NoError(t, err)

	acc := recordBlendStore(t, backend, 2, 2) // "castle" at token position 2

	x := NewLatent(2, 1, 16, 16, backend)
	ref := x.Channel(0, 0)
	edited := x.Channel(1, 0)
	for i := range edited {
		ref[i] = 0
		edited[i] = 1
	}

	out := lb.Apply(x, acc)

	got := out.Channel(1, 0)
	require.InDelta(t, 1.0, got[0], 1e-12, "inside the mask the edit survives")
	require.InDelta(t, 0.0, got[15*16+15], 1e-12, "outside the mask the reference wins")
	// The reference sample is untouched.
	require.InDelta(t, 0.0, out.Channel(0, 0)[0], 1e-12)
	// The input latent is not mutated.
	require.InDelta(t, 1.0, x.Channel(1, 0)[15*16+15], 1e-12)
}

func TestLocalBlendUpsamplesToLatentResolution(t *testing.T) {
	tok := editTok()
	backend := device.NewCPUBackend()
	prompts := []string{"a castle next to a river", "a castle next to a lake"}

	lb, err := NewLocalBlend(prompts, [][]string{{"castle"}, {"castle"}}, 0.3, tok)
	require.NoError(t, err)

	acc := recordBlendStore(t, backend, 2, 2)

	x := NewLatent(2, 1, 64, 64, backend)
	edited := x.Channel(1, 0)
	for i := range edited {
		edited[i] = 1
	}

	out := lb.Apply(x, acc)
	got := out.Channel(1, 0)
	require.InDelta(t, 1.0, got[0], 1e-12)
	require.InDelta(t, 0.0, got[63*64+63], 1e-12)
}

func TestLocalBlendUnknownWord(t *testing.T) {
	tok := editTok()
	_, err := NewLocalBlend([]string{"a castle"}, [][]string{{"dragon"}}, 0.3, tok)
	require.ErrorIs(t, err, align.ErrWordNotFound)
}

func TestLocalBlendNeedsAllLayers(t *testing.T) {
	tok := editTok()
	backend := device.NewCPUBackend()

	lb, err := NewLocalBlend([]string{"a castle", "a castle"},
		[][]string{{"castle"}, {"castle"}}, 0.3, tok)
	require.NoError(t, err)

	acc := attention.NewAccumulator()
	acc.Record(newTestMap(backend, 2, 1, 256, 77), true, attention.StageDown)
	acc.Flush()

	x := NewLatent(2, 1, 16, 16, backend)
	require.Panics(t, func() { lb.Apply(x, acc) })
}
