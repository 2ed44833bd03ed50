// Package schedule builds the per-step, per-token-position activation
// weights that gate when a cross-attention edit applies and to which words.
package schedule

import (
	"fmt"

	"github.com/23skdu/promptweave/internal/align"
	"github.com/23skdu/promptweave/internal/tokenizer"
)

// Span is a window over the diffusion run expressed as fractions of the
// total step count. Boundaries are floor-based: a step s participates when
// floor(num*Start) <= s < floor(num*End).
type Span struct {
	Start float64
	End   float64
}

// Until is the shorthand for a window starting at step zero: a bare fraction
// f is read as (0, f).
func Until(f float64) Span {
	return Span{Start: 0, End: f}
}

// Steps converts the fractional window into step indices.
func (s Span) Steps(numSteps int) (int, int) {
	return int(float64(numSteps) * s.Start), int(float64(numSteps) * s.End)
}

// Contains reports whether step s falls inside the window.
func (s Span) Contains(step, numSteps int) bool {
	lo, hi := s.Steps(numSteps)
	return lo <= step && step < hi
}

// Spec describes the cross-replace schedule: either one window for every
// token position (Default), or per-word windows with an optional Default
// fallback for unlisted words. A nil Default with per-word entries leaves
// unlisted positions inactive at every step.
type Spec struct {
	Default *Span
	Words   map[string]Span
}

// Uniform applies one window to all token positions.
func Uniform(span Span) Spec {
	return Spec{Default: &span}
}

// Alpha is the per-step activation tensor: for each step and each edited
// prompt, a MaxTokens row of blend weights in [0, 1].
type Alpha struct {
	steps int
	pairs int
	data  []float64
}

// Row returns the MaxTokens weight row for a step and edited-prompt pair.
func (a *Alpha) Row(step, pair int) []float64 {
	off := (step*a.pairs + pair) * tokenizer.MaxTokens
	return a.data[off : off+tokenizer.MaxTokens]
}

// At returns the weight for a single token position.
func (a *Alpha) At(step, pair, pos int) float64 {
	return a.Row(step, pair)[pos]
}

// Steps returns the number of diffusion steps the schedule covers.
func (a *Alpha) Steps() int { return a.steps }

// Pairs returns the number of edited prompts.
func (a *Alpha) Pairs() int { return a.pairs }

// BuildTimeWordAlpha expands a Spec into the full activation tensor for a
// prompt set. Per-word windows are resolved against each edited prompt; a
// word listed in the spec but absent from an edited prompt is a
// configuration error.
func BuildTimeWordAlpha(prompts []string, numSteps int, spec Spec, tok *tokenizer.WordPieceTokenizer) (*Alpha, error) {
	pairs := len(prompts) - 1
	if pairs < 1 {
		return nil, fmt.Errorf("schedule: need a reference prompt and at least one edit, got %d prompts", len(prompts))
	}

	a := &Alpha{
		steps: numSteps,
		pairs: pairs,
		data:  make([]float64, numSteps*pairs*tokenizer.MaxTokens),
	}

	if spec.Default != nil {
		lo, hi := spec.Default.Steps(numSteps)
		for step := lo; step < hi && step < numSteps; step++ {
			for pair := 0; pair < pairs; pair++ {
				row := a.Row(step, pair)
				for i := range row {
					row[i] = 1
				}
			}
		}
	}

	for word, span := range spec.Words {
		lo, hi := span.Steps(numSteps)
		for pair := 0; pair < pairs; pair++ {
			inds, err := align.WordIndices(prompts[pair+1], word, tok)
			if err != nil {
				return nil, fmt.Errorf("schedule: %w", err)
			}
			for step := 0; step < numSteps; step++ {
				row := a.Row(step, pair)
				v := 0.0
				if lo <= step && step < hi {
					v = 1
				}
				for _, i := range inds {
					row[i] = v
				}
			}
		}
	}

	return a, nil
}
