package control

import (
	"log"

	"github.com/23skdu/promptweave/internal/align"
	"github.com/23skdu/promptweave/internal/attention"
	"github.com/23skdu/promptweave/internal/device"
	"github.com/23skdu/promptweave/internal/schedule"
	"github.com/23skdu/promptweave/internal/tokenizer"
)

// selfSwapMaxKeys bounds the self-attention swap to coarse resolutions,
// where self-attention encodes structure rather than local texture.
const selfSwapMaxKeys = 16 * 16

// crossReplacer computes the replacement cross-attention for one edited
// prompt from the reference map. base and repl are (heads*queries, keys)
// blocks; the returned tensor has the same shape and comes from the backend
// pool (the caller returns it).
type crossReplacer interface {
	replaceCross(base, repl device.Tensor, pair int, backend device.Backend) device.Tensor
}

// Edit is the shared editing context for the Replace, Refine and Reweight
// strategies: one concrete struct holding the schedules and the accumulator,
// with the variant-specific cross-attention transform held by reference.
type Edit struct {
	Acc *attention.Accumulator

	backend  device.Backend
	batch    int // number of prompts
	numSteps int
	alpha    *schedule.Alpha
	selfLo   int
	selfHi   int
	blend    *LocalBlend
	variant  crossReplacer
}

var _ Strategy = (*Edit)(nil)

type EditOption func(*Edit)

// WithLocalBlend attaches a spatial mask that restricts the edit's effect on
// the latent to regions attended by the given words.
func WithLocalBlend(lb *LocalBlend) EditOption {
	return func(e *Edit) { e.blend = lb }
}

// WithBackend overrides the default CPU backend.
func WithBackend(b device.Backend) EditOption {
	return func(e *Edit) { e.backend = b }
}

func newEdit(prompts []string, tok *tokenizer.WordPieceTokenizer, numSteps int,
	cross schedule.Spec, selfSpan schedule.Span, opts ...EditOption) (*Edit, error) {

	alpha, err := schedule.BuildTimeWordAlpha(prompts, numSteps, cross, tok)
	if err != nil {
		return nil, err
	}

	lo, hi := selfSpan.Steps(numSteps)
	e := &Edit{
		Acc:      attention.NewAccumulator(),
		backend:  device.NewCPUBackend(),
		batch:    len(prompts),
		numSteps: numSteps,
		alpha:    alpha,
		selfLo:   lo,
		selfHi:   hi,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewReplace builds the direct-substitution strategy for prompt pairs of
// equal token length: reference attention is redistributed through a
// replacement matrix.
func NewReplace(prompts []string, tok *tokenizer.WordPieceTokenizer, numSteps int,
	cross schedule.Spec, selfSpan schedule.Span, opts ...EditOption) (*Edit, error) {

	e, err := newEdit(prompts, tok, numSteps, cross, selfSpan, opts...)
	if err != nil {
		return nil, err
	}
	mappers, err := align.ReplacementMapper(prompts, tok, e.backend)
	if err != nil {
		return nil, err
	}
	e.variant = &replaceVariant{mappers: mappers}
	return e, nil
}

// NewRefine builds the alignment-based strategy for edits that insert or
// reorder words: reference attention is re-indexed through the token
// alignment and blended by per-position confidence.
func NewRefine(prompts []string, tok *tokenizer.WordPieceTokenizer, numSteps int,
	cross schedule.Spec, selfSpan schedule.Span, opts ...EditOption) (*Edit, error) {

	e, err := newEdit(prompts, tok, numSteps, cross, selfSpan, opts...)
	if err != nil {
		return nil, err
	}
	mappers, confidences, err := align.RefinementMapper(prompts, tok)
	if err != nil {
		return nil, err
	}
	e.variant = &refineVariant{mappers: mappers, confidences: confidences}
	return e, nil
}

// NewReweight builds the scalar amplification strategy: attention at the
// equalizer's token positions is scaled, optionally on top of a wrapped
// Replace/Refine result. The prior, when given, forms a strict chain fixed
// at construction; cycles cannot occur.
func NewReweight(prompts []string, tok *tokenizer.WordPieceTokenizer, numSteps int,
	cross schedule.Spec, selfSpan schedule.Span, equalizer []float64, prior *Edit,
	opts ...EditOption) (*Edit, error) {

	if len(equalizer) != tokenizer.MaxTokens {
		log.Panicf("control: equalizer has %d positions, want %d", len(equalizer), tokenizer.MaxTokens)
	}
	e, err := newEdit(prompts, tok, numSteps, cross, selfSpan, opts...)
	if err != nil {
		return nil, err
	}
	rv := &reweightVariant{equalizer: equalizer}
	if prior != nil {
		rv.prior = prior.variant
	}
	e.variant = rv
	return e, nil
}

// Forward applies the per-layer transform. Cross-attention of every edited
// variant is rewritten through the variant transform and blended by the
// per-position activation weights; self-attention at coarse resolutions is
// overwritten with the reference variant's map inside the configured window.
func (e *Edit) Forward(m *attention.Map, isCross bool, stage attention.Stage, step int) {
	e.Acc.Record(m, isCross, stage)

	if !isCross && !(e.selfLo <= step && step < e.selfHi) {
		return
	}
	if m.Batch != e.batch {
		log.Panicf("control: map batch %d does not match prompt count %d", m.Batch, e.batch)
	}
	if step >= e.numSteps {
		log.Panicf("control: step %d beyond configured %d steps", step, e.numSteps)
	}

	base := m.Block(0)
	for b := 1; b < m.Batch; b++ {
		blk := m.Block(b)
		if isCross {
			if m.Keys != tokenizer.MaxTokens {
				log.Panicf("control: cross-attention keys %d, want %d", m.Keys, tokenizer.MaxTokens)
			}
			repl := e.variant.replaceCross(base, blk, b-1, e.backend)
			// result = activation*replacement + (1-activation)*original
			repl.LerpCols(blk, e.alpha.Row(step, b-1))
			blk.Copy(repl)
			e.backend.PutTensor(repl)
		} else if m.Keys <= selfSwapMaxKeys {
			blk.Copy(base)
		}
	}
}

func (e *Edit) BetweenSteps(int) {
	e.Acc.Flush()
}

// StepCallback runs the local blend, when attached, against the attention
// accumulated so far.
func (e *Edit) StepCallback(x *Latent) *Latent {
	if e.blend == nil {
		return x
	}
	return e.blend.Apply(x, e.Acc)
}

func (e *Edit) Reset() {
	e.Acc.Reset()
}

type replaceVariant struct {
	mappers []device.Tensor // one (MaxTokens x MaxTokens) matrix per pair
}

func (v *replaceVariant) replaceCross(base, _ device.Tensor, pair int, backend device.Backend) device.Tensor {
	r, c := base.Dims()
	out := backend.GetTensor(r, c)
	out.Mul(base, v.mappers[pair])
	return out
}

type refineVariant struct {
	mappers     [][]int
	confidences [][]float64
}

func (v *refineVariant) replaceCross(base, repl device.Tensor, pair int, backend device.Backend) device.Tensor {
	out := base.GatherCols(v.mappers[pair])
	// Confident positions take the re-indexed reference; the rest keep the
	// edited prompt's own attention.
	out.LerpCols(repl, v.confidences[pair])
	return out
}

type reweightVariant struct {
	equalizer []float64
	prior     crossReplacer
}

func (v *reweightVariant) replaceCross(base, repl device.Tensor, pair int, backend device.Backend) device.Tensor {
	var out device.Tensor
	if v.prior != nil {
		out = v.prior.replaceCross(base, repl, pair, backend)
	} else {
		r, c := base.Dims()
		out = backend.GetTensor(r, c)
		out.Copy(base)
	}
	out.ScaleCols(v.equalizer)
	return out
}
