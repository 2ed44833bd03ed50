// Package diffusion holds the denoising loop: a DDIM scheduler, a compact
// attention network, and the classifier-free-guidance sampler that drives an
// attention controller through both.
package diffusion

import (
	"log"
	"math"

	"github.com/23skdu/promptweave/internal/control"
	"github.com/23skdu/promptweave/internal/simd"
)

const (
	defaultTrainTimesteps = 1000
	defaultBetaStart      = 0.00085
	defaultBetaEnd        = 0.012
)

// DDIMScheduler is the deterministic (eta=0) DDIM update rule over a
// scaled-linear beta schedule. Identical seeds and configuration produce
// bit-identical trajectories.
type DDIMScheduler struct {
	alphasCumprod  []float64
	trainTimesteps int
	inferenceSteps int
}

func NewDDIMScheduler() *DDIMScheduler {
	return NewDDIMSchedulerWithBetas(defaultTrainTimesteps, defaultBetaStart, defaultBetaEnd)
}

// NewDDIMSchedulerWithBetas builds the schedule from a scaled-linear beta
// ramp: betas are the squares of a linspace between the square roots of the
// endpoints.
func NewDDIMSchedulerWithBetas(trainTimesteps int, betaStart, betaEnd float64) *DDIMScheduler {
	if trainTimesteps < 2 {
		log.Panicf("diffusion: need at least 2 train timesteps, got %d", trainTimesteps)
	}
	sqrtStart := math.Sqrt(betaStart)
	sqrtEnd := math.Sqrt(betaEnd)

	alphasCumprod := make([]float64, trainTimesteps)
	prod := 1.0
	for i := 0; i < trainTimesteps; i++ {
		b := sqrtStart + float64(i)/float64(trainTimesteps-1)*(sqrtEnd-sqrtStart)
		prod *= 1.0 - b*b
		alphasCumprod[i] = prod
	}
	return &DDIMScheduler{
		alphasCumprod:  alphasCumprod,
		trainTimesteps: trainTimesteps,
	}
}

// Timesteps fixes the inference step count and returns the timestep
// schedule, largest first, with the usual offset of one.
func (s *DDIMScheduler) Timesteps(numSteps int) []int {
	if numSteps <= 0 || numSteps > s.trainTimesteps {
		log.Panicf("diffusion: invalid inference step count %d", numSteps)
	}
	s.inferenceSteps = numSteps
	ratio := s.trainTimesteps / numSteps
	ts := make([]int, numSteps)
	for i := range ts {
		ts[i] = (numSteps-1-i)*ratio + 1
	}
	return ts
}

// Step applies one DDIM update in place:
//
//	predX0 = (x - sqrt(1-alphaT)*eps) / sqrt(alphaT)
//	x'     = sqrt(alphaPrev)*predX0 + sqrt(1-alphaPrev)*eps
func (s *DDIMScheduler) Step(x, noisePred *control.Latent, timestep int) {
	if s.inferenceSteps == 0 {
		log.Panic("diffusion: Timesteps not called before Step")
	}
	ratio := s.trainTimesteps / s.inferenceSteps
	prev := timestep - ratio

	alphaT := s.alphasCumprod[timestep]
	alphaPrev := s.alphasCumprod[0]
	if prev >= 0 {
		alphaPrev = s.alphasCumprod[prev]
	}

	sqrtAlphaT := math.Sqrt(alphaT)
	sqrtOneMinusAlphaT := math.Sqrt(1.0 - alphaT)
	sqrtAlphaPrev := math.Sqrt(alphaPrev)
	sqrtOneMinusAlphaPrev := math.Sqrt(1.0 - alphaPrev)

	for b := 0; b < x.Batch; b++ {
		xs := x.Sample(b)
		eps := noisePred.Sample(b)
		for i := range xs {
			predX0 := (xs[i] - sqrtOneMinusAlphaT*eps[i]) / sqrtAlphaT
			xs[i] = sqrtAlphaPrev*predX0 + sqrtOneMinusAlphaPrev*eps[i]
		}
	}
}

// AddNoise produces the forward-process sample x_t from a clean latent, used
// when editing starts from an inverted real image rather than pure noise.
func (s *DDIMScheduler) AddNoise(x0, noise *control.Latent, timestep int) *control.Latent {
	alphaT := s.alphasCumprod[timestep]
	sqrtAlphaT := math.Sqrt(alphaT)
	sqrtOneMinusAlphaT := math.Sqrt(1.0 - alphaT)

	out := x0.Clone()
	for b := 0; b < x0.Batch; b++ {
		dst := out.Sample(b)
		simd.VecScale(dst, sqrtAlphaT)
		simd.VecAddScaled(dst, noise.Sample(b), sqrtOneMinusAlphaT)
	}
	return out
}
