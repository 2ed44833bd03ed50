// Package vis renders attention maps for inspection: per-token
// cross-attention heatmaps arranged in a captioned grid, and the principal
// components of self-attention.
package vis

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/promptweave/internal/attention"
)

const (
	cellSize   = 128
	captionPad = 14
)

// Aggregate sums the averaged attention over the given stages, all layers
// at the requested resolution and all heads, for one sample. The result is
// (res*res, keys) with rows normalized to sum weights per query.
func Aggregate(acc *attention.Accumulator, res int, stages []attention.Stage, cross bool, sample int) [][]float64 {
	avg := acc.Average()
	queries := res * res

	var out [][]float64
	layers := 0
	for _, st := range stages {
		for _, m := range avg[attention.Key{Stage: st, Cross: cross}] {
			if m.Queries != queries {
				continue
			}
			if sample >= m.Batch {
				log.Panicf("vis: sample %d out of range for batch %d", sample, m.Batch)
			}
			if out == nil {
				out = make([][]float64, queries)
				for q := range out {
					out[q] = make([]float64, m.Keys)
				}
			}
			for h := 0; h < m.Heads; h++ {
				base := (sample*m.Heads + h) * m.Queries
				for q := 0; q < queries; q++ {
					row := m.Data.Row(base + q)
					for k, v := range row {
						out[q][k] += v
					}
				}
			}
			layers += m.Heads
		}
	}
	if out == nil {
		log.Panicf("vis: no maps at resolution %d", res)
	}
	for q := range out {
		for k := range out[q] {
			out[q][k] /= float64(layers)
		}
	}
	return out
}

// CrossHeatmapGrid renders one upscaled heatmap cell per token, captioned
// with the token text, side by side.
func CrossHeatmapGrid(agg [][]float64, res int, tokens []string, positions []int) *image.RGBA {
	if len(positions) == 0 {
		log.Panic("vis: no token positions to render")
	}
	w := len(positions) * cellSize
	h := cellSize + captionPad
	out := image.NewRGBA(image.Rect(0, 0, w, h))

	for i, pos := range positions {
		cell := tokenHeatmap(agg, res, pos)
		scaled := image.NewRGBA(image.Rect(0, 0, cellSize, cellSize))
		draw.BiLinear.Scale(scaled, scaled.Bounds(), cell, cell.Bounds(), draw.Over, nil)
		draw.Copy(out, image.Pt(i*cellSize, 0), scaled, scaled.Bounds(), draw.Over, nil)

		caption := ""
		if pos < len(tokens) {
			caption = tokens[pos]
		}
		drawCaption(out, i*cellSize+2, cellSize+captionPad-3, caption)
	}
	return out
}

// tokenHeatmap renders one token's attention column as a res x res image,
// normalized to its own maximum.
func tokenHeatmap(agg [][]float64, res, pos int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, res, res))
	var max float64
	for q := range agg {
		if agg[q][pos] > max {
			max = agg[q][pos]
		}
	}
	for y := 0; y < res; y++ {
		for x := 0; x < res; x++ {
			v := 0.0
			if max > 0 {
				v = agg[y*res+x][pos] / max
			}
			img.Set(x, y, heatColor(v))
		}
	}
	return img
}

// heatColor maps [0,1] onto a black-red-yellow ramp.
func heatColor(v float64) color.RGBA {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	r := clamp8(2 * v * 255)
	g := clamp8((2*v - 1) * 255)
	return color.RGBA{R: r, G: g, B: 0, A: 255}
}

func clamp8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func drawCaption(dst *image.RGBA, x, y int, text string) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.RGBA{A: 255, R: 255, G: 255, B: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// SelfComponents factors aggregated self-attention with an SVD and renders
// the top left singular vectors as res x res grayscale maps. These pick out
// the dominant spatial clusters the self-attention groups together.
func SelfComponents(agg [][]float64, res, components int) []*image.Gray {
	n := res * res
	if len(agg) != n || len(agg[0]) != n {
		log.Panicf("vis: self-attention aggregate is %dx%d, want %dx%d", len(agg), len(agg[0]), n, n)
	}
	data := make([]float64, n*n)
	for q := range agg {
		copy(data[q*n:], agg[q])
	}

	var svd mat.SVD
	if ok := svd.Factorize(mat.NewDense(n, n, data), mat.SVDThinU); !ok {
		log.Panic("vis: SVD failed to converge")
	}
	var u mat.Dense
	svd.UTo(&u)

	imgs := make([]*image.Gray, components)
	for c := 0; c < components; c++ {
		col := make([]float64, n)
		lo, hi := u.At(0, c), u.At(0, c)
		for q := 0; q < n; q++ {
			col[q] = u.At(q, c)
			if col[q] < lo {
				lo = col[q]
			}
			if col[q] > hi {
				hi = col[q]
			}
		}
		img := image.NewGray(image.Rect(0, 0, res, res))
		span := hi - lo
		for y := 0; y < res; y++ {
			for x := 0; x < res; x++ {
				v := 0.0
				if span > 0 {
					v = (col[y*res+x] - lo) / span
				}
				img.SetGray(x, y, color.Gray{Y: clamp8(v * 255)})
			}
		}
		imgs[c] = img
	}
	return imgs
}

// SavePNG writes an image to path.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("vis: create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("vis: encode %s: %w", path, err)
	}
	return f.Close()
}

// LatentPNG renders one channel of a latent-shaped plane, normalized over
// its own range, for quick previews of sampler output.
func LatentPNG(plane []float64, height, width int) *image.Gray {
	if len(plane) != height*width {
		log.Panicf("vis: plane has %d values, want %d", len(plane), height*width)
	}
	lo, hi := plane[0], plane[0]
	for _, v := range plane {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	span := hi - lo
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := 0.0
			if span > 0 {
				v = (plane[y*width+x] - lo) / span
			}
			img.SetGray(x, y, color.Gray{Y: clamp8(v * 255)})
		}
	}
	return img
}
