package control

import (
	"log"

	"github.com/23skdu/promptweave/internal/align"
	"github.com/23skdu/promptweave/internal/attention"
	"github.com/23skdu/promptweave/internal/simd"
	"github.com/23skdu/promptweave/internal/tokenizer"
)

// blendRes is the spatial resolution of the cross-attention maps the mask is
// derived from.
const blendRes = 16

// DefaultBlendThreshold is the mask cutoff used when none is configured.
const DefaultBlendThreshold = 0.3

// LocalBlend restricts an edit's visible effect to the spatial region the
// chosen words attend to: once per step it derives a binary mask from the
// accumulated cross-attention and forces the latent outside the mask back to
// the reference generation.
type LocalBlend struct {
	selected  [][]int // token positions per prompt
	threshold float64
}

// NewLocalBlend resolves one word list per prompt into token-position
// selectors. The word lists must cover every prompt in the set.
func NewLocalBlend(prompts []string, words [][]string, threshold float64, tok *tokenizer.WordPieceTokenizer) (*LocalBlend, error) {
	if len(words) != len(prompts) {
		log.Panicf("control: %d word lists for %d prompts", len(words), len(prompts))
	}
	if threshold <= 0 {
		threshold = DefaultBlendThreshold
	}

	selected := make([][]int, len(prompts))
	for i, ws := range words {
		for _, w := range ws {
			inds, err := align.WordIndices(prompts[i], w, tok)
			if err != nil {
				return nil, err
			}
			selected[i] = append(selected[i], inds...)
		}
	}
	return &LocalBlend{selected: selected, threshold: threshold}, nil
}

// Apply recomputes the mask from the store's cumulative cross-attention and
// composites the latent: inside the mask the edited latent survives, outside
// every sample is forced back to sample 0. Runs once per diffusion step.
func (lb *LocalBlend) Apply(x *Latent, acc *attention.Accumulator) *Latent {
	if len(lb.selected) != x.Batch {
		log.Panicf("control: %d blend selectors for latent batch %d", len(lb.selected), x.Batch)
	}
	cur := acc.Current()
	down := cur[attention.Key{Stage: attention.StageDown, Cross: true}]
	up := cur[attention.Key{Stage: attention.StageUp, Cross: true}]
	if len(down) < 4 || len(up) < 3 {
		log.Panicf("control: local blend needs 4 down and 3 up cross layers, have %d/%d", len(down), len(up))
	}
	maps := make([]*attention.Map, 0, 5)
	maps = append(maps, down[2:4]...)
	maps = append(maps, up[:3]...)

	const n = blendRes * blendRes
	for _, m := range maps {
		if m.Queries != n {
			log.Panicf("control: local blend expects %dx%d maps, got %d queries", blendRes, blendRes, m.Queries)
		}
		if m.Batch != x.Batch {
			log.Panicf("control: map batch %d does not match latent batch %d", m.Batch, x.Batch)
		}
	}

	union := make([]float64, x.Height*x.Width)
	spatial := make([]float64, n)
	for p := 0; p < x.Batch; p++ {
		for i := range spatial {
			spatial[i] = 0
		}
		layers := 0
		for _, m := range maps {
			for h := 0; h < m.Heads; h++ {
				rowBase := (p*m.Heads + h) * m.Queries
				for q := 0; q < n; q++ {
					row := m.Data.Row(rowBase + q)
					var s float64
					for _, k := range lb.selected[p] {
						s += row[k]
					}
					spatial[q] += s
				}
			}
			layers += m.Heads
		}
		simd.VecScale(spatial, 1.0/float64(layers))

		pooled := maxPool3x3(spatial, blendRes, blendRes)
		mask := upsampleBilinear(pooled, blendRes, blendRes, x.Height, x.Width)

		// Normalize each sample's mask by its own maximum before thresholding.
		if max := simd.VecMax(mask); max > 0 {
			simd.VecScale(mask, 1.0/max)
		}
		for i, v := range mask {
			if v > lb.threshold {
				union[i] = 1
			}
		}
	}

	out := x.Clone()
	for b := 0; b < x.Batch; b++ {
		for c := 0; c < x.Channels; c++ {
			ref := x.Channel(0, c)
			src := x.Channel(b, c)
			dst := out.Channel(b, c)
			for i := range dst {
				dst[i] = ref[i] + union[i]*(src[i]-ref[i])
			}
		}
	}
	return out
}

// maxPool3x3 dilates the map with a 3x3 max filter, stride 1, zero padding.
func maxPool3x3(src []float64, h, w int) []float64 {
	out := make([]float64, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var max float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					yy, xx := y+dy, x+dx
					if yy < 0 || yy >= h || xx < 0 || xx >= w {
						continue
					}
					if v := src[yy*w+xx]; v > max {
						max = v
					}
				}
			}
			out[y*w+x] = max
		}
	}
	return out
}

// upsampleBilinear resizes src (sh x sw) to (dh x dw).
func upsampleBilinear(src []float64, sh, sw, dh, dw int) []float64 {
	out := make([]float64, dh*dw)
	sy := float64(sh) / float64(dh)
	sx := float64(sw) / float64(dw)
	for y := 0; y < dh; y++ {
		fy := (float64(y)+0.5)*sy - 0.5
		y0 := int(fy)
		if fy < 0 {
			fy, y0 = 0, 0
		}
		y1 := y0 + 1
		if y1 >= sh {
			y1 = sh - 1
		}
		wy := fy - float64(y0)
		for x := 0; x < dw; x++ {
			fx := (float64(x)+0.5)*sx - 0.5
			x0 := int(fx)
			if fx < 0 {
				fx, x0 = 0, 0
			}
			x1 := x0 + 1
			if x1 >= sw {
				x1 = sw - 1
			}
			wx := fx - float64(x0)

			top := src[y0*sw+x0]*(1-wx) + src[y0*sw+x1]*wx
			bot := src[y1*sw+x0]*(1-wx) + src[y1*sw+x1]*wx
			out[y*dw+x] = top*(1-wy) + bot*wy
		}
	}
	return out
}
