// Package control implements prompt-to-prompt attention editing: a
// controller hooked into the denoising network rewrites cross- and
// self-attention tensors per layer and per step so that edited prompts
// inherit the reference prompt's spatial layout.
package control

import (
	"log"

	"github.com/23skdu/promptweave/internal/attention"
)

// Strategy is the per-layer transform plugged into a Controller. The
// dispatch, layer/step counting and batch slicing around it are fixed
// framework behavior and live in the Controller.
//
// Forward edits the map in place through views; it must not retain the
// map's storage beyond the call (the Accumulator copies what it keeps).
type Strategy interface {
	Forward(m *attention.Map, isCross bool, stage attention.Stage, step int)
	BetweenSteps(step int)
	StepCallback(x *Latent) *Latent
	Reset()
}

// Controller dispatches every attention-layer evaluation of a generation
// run into its Strategy. One controller instance serves exactly one run;
// it is not safe for concurrent use.
type Controller struct {
	strategy    Strategy
	lowResource bool

	numLayers int // attention layer calls per denoising pass
	curLayer  int
	curStep   int
}

type Option func(*Controller)

// WithLowResource switches to single-batch execution: the conditional and
// unconditional passes arrive as separate sequential calls, the edit applies
// to the whole tensor, and the unconditional pass's layer calls are skipped.
func WithLowResource() Option {
	return func(c *Controller) { c.lowResource = true }
}

func New(strategy Strategy, opts ...Option) *Controller {
	c := &Controller{strategy: strategy, numLayers: -1}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetLayerCount fixes the number of attention-layer calls per denoising
// pass. The network binding must call this before the first step.
func (c *Controller) SetLayerCount(n int) {
	c.numLayers = n
}

// Strategy returns the controller's strategy.
func (c *Controller) Strategy() Strategy {
	return c.strategy
}

// Step returns the current diffusion step index.
func (c *Controller) Step() int {
	return c.curStep
}

// Intercept is the upstream hook contract: called once per attention-layer
// evaluation with the live attention tensor, it returns a tensor of
// identical shape. In standard mode the first half of the batch axis is the
// unconditional pass and is never touched.
func (c *Controller) Intercept(m *attention.Map, isCross bool, stage attention.Stage) *attention.Map {
	if c.numLayers <= 0 {
		log.Panic("control: layer count not set before interception")
	}
	interceptions.Inc()

	uncond := 0
	if c.lowResource {
		uncond = c.numLayers
	}

	if c.curLayer >= uncond {
		if c.lowResource {
			c.strategy.Forward(m, isCross, stage, c.curStep)
		} else {
			if m.Batch%2 != 0 {
				log.Panicf("control: standard mode needs paired batches, got %d", m.Batch)
			}
			c.strategy.Forward(m.Tail(m.Batch/2), isCross, stage, c.curStep)
		}
	}

	c.curLayer++
	if c.curLayer == c.numLayers+uncond {
		c.curLayer = 0
		c.curStep++
		c.strategy.BetweenSteps(c.curStep)
		stepsCompleted.Inc()
	}
	return m
}

// OnStep is the step-boundary callback invoked by the sampling loop once per
// diffusion step, after the denoising call. Identity unless the strategy
// carries a spatial mask.
func (c *Controller) OnStep(x *Latent) *Latent {
	return c.strategy.StepCallback(x)
}

// Reset clears the counters and the strategy state so the controller can
// drive a fresh run.
func (c *Controller) Reset() {
	c.curLayer = 0
	c.curStep = 0
	c.strategy.Reset()
}

// Empty passes every tensor through untouched. Used for baseline runs.
type Empty struct{}

func (Empty) Forward(*attention.Map, bool, attention.Stage, int) {}
func (Empty) BetweenSteps(int)                                   {}
func (Empty) StepCallback(x *Latent) *Latent                     { return x }
func (Empty) Reset()                                             {}

// Store records attention without modifying it, for diagnostics and
// visualization.
type Store struct {
	Acc *attention.Accumulator
}

func NewStore() *Store {
	return &Store{Acc: attention.NewAccumulator()}
}

func (s *Store) Forward(m *attention.Map, isCross bool, stage attention.Stage, _ int) {
	s.Acc.Record(m, isCross, stage)
}

func (s *Store) BetweenSteps(int) {
	s.Acc.Flush()
}

func (s *Store) StepCallback(x *Latent) *Latent { return x }

func (s *Store) Reset() {
	s.Acc.Reset()
}
