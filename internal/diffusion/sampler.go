package diffusion

import (
	"context"
	"math"
	"math/rand"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/promptweave/internal/cache"
	"github.com/23skdu/promptweave/internal/control"
	"github.com/23skdu/promptweave/internal/device"
	"github.com/23skdu/promptweave/internal/tokenizer"
)

var tracer = otel.Tracer("promptweave-sampler")

// SamplerConfig drives one generation run.
type SamplerConfig struct {
	Steps         int
	GuidanceScale float64
	Height        int
	Width         int
	Seed          int64
	// LowResource runs the unconditional and conditional passes
	// sequentially on a single-width batch instead of one doubled batch.
	LowResource bool
}

func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Steps:         50,
		GuidanceScale: 7.5,
		Height:        64,
		Width:         64,
		Seed:          -1,
	}
}

// Sampler runs the denoising loop: the network predicts noise under
// classifier-free guidance while the controller rewrites attention in
// flight. All prompts in a run share one initial latent, so every sample
// differs from the reference only through the edit.
type Sampler struct {
	net      Network
	sched    *DDIMScheduler
	tok      *tokenizer.WordPieceTokenizer
	backend  device.Backend
	contexts cache.VectorCache
}

func NewSampler(net Network, sched *DDIMScheduler, tok *tokenizer.WordPieceTokenizer, backend device.Backend) *Sampler {
	return &Sampler{
		net:      net,
		sched:    sched,
		tok:      tok,
		backend:  backend,
		contexts: cache.NewMapCache(),
	}
}

// Sample generates one latent per prompt. Prompt 0 is the reference; the
// controller's strategy decides how the rest relate to it.
func (s *Sampler) Sample(ctx context.Context, prompts []string, ctrl *control.Controller, cfg SamplerConfig) (*control.Latent, error) {
	ctx, span := tracer.Start(ctx, "Sample")
	defer span.End()
	span.SetAttributes(
		attribute.Int("prompt_count", len(prompts)),
		attribute.Int("steps", cfg.Steps),
		attribute.Bool("low_resource", cfg.LowResource),
	)

	x := s.initialLatent(len(prompts), s.net.Channels(), cfg.Height, cfg.Width, cfg.Seed)

	cond := s.embedPrompts(prompts)
	uncond := s.embedPrompts(uncondPrompts(len(prompts)))

	ctrl.SetLayerCount(s.net.AttentionLayers())
	ctrl.Reset()

	timesteps := s.sched.Timesteps(cfg.Steps)
	log.Info().
		Int("prompts", len(prompts)).
		Int("steps", cfg.Steps).
		Int64("seed", cfg.Seed).
		Float64("guidance", cfg.GuidanceScale).
		Msg("Starting sampling run")

	for i, t := range timesteps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var eps *control.Latent
		if cfg.LowResource {
			eps = s.guidedNoiseSequential(x, uncond, cond, t, ctrl)
		} else {
			eps = s.guidedNoiseBatched(x, uncond, cond, t, ctrl)
		}
		applyGuidance(eps, cfg.GuidanceScale)

		s.sched.Step(x, eps, t)
		x = ctrl.OnStep(x)

		if (i+1)%10 == 0 || i == len(timesteps)-1 {
			log.Debug().Int("step", i+1).Int("timestep", t).Msg("Denoising progress")
		}
	}
	return x, nil
}

// guidedNoiseBatched runs one network pass on a doubled batch, the
// unconditional half first. The result keeps both halves; applyGuidance
// collapses them.
func (s *Sampler) guidedNoiseBatched(x *control.Latent, uncond, cond device.Tensor, t int, ctrl *control.Controller) *control.Latent {
	doubled := control.NewLatent(2*x.Batch, x.Channels, x.Height, x.Width, s.backend)
	for b := 0; b < x.Batch; b++ {
		copy(doubled.Sample(b), x.Sample(b))
		copy(doubled.Sample(x.Batch+b), x.Sample(b))
	}
	ctxT := stackContexts(s.backend, uncond, cond)

	eps := s.net.Forward(doubled, ctxT, t, ctrl.Intercept)
	s.backend.PutTensor(ctxT)
	return eps
}

// guidedNoiseSequential runs the unconditional then the conditional pass on
// the plain batch and concatenates the results into the doubled layout.
func (s *Sampler) guidedNoiseSequential(x *control.Latent, uncond, cond device.Tensor, t int, ctrl *control.Controller) *control.Latent {
	epsU := s.net.Forward(x, uncond, t, ctrl.Intercept)
	epsC := s.net.Forward(x, cond, t, ctrl.Intercept)

	eps := control.NewLatent(2*x.Batch, x.Channels, x.Height, x.Width, s.backend)
	for b := 0; b < x.Batch; b++ {
		copy(eps.Sample(b), epsU.Sample(b))
		copy(eps.Sample(x.Batch+b), epsC.Sample(b))
	}
	return eps
}

// applyGuidance collapses a doubled noise prediction in place:
// epsU + scale*(epsC - epsU), written into the first half. The scheduler
// only ever reads the first half.
func applyGuidance(eps *control.Latent, scale float64) {
	half := eps.Batch / 2
	for b := 0; b < half; b++ {
		u := eps.Sample(b)
		c := eps.Sample(half + b)
		for i := range u {
			u[i] += scale * (c[i] - u[i])
		}
	}
}

// embedPrompts tokenizes and embeds each prompt, with per-prompt caching of
// the context rows.
func (s *Sampler) embedPrompts(prompts []string) device.Tensor {
	dim := -1
	rowsPer := tokenizer.MaxTokens

	var out device.Tensor
	for i, p := range prompts {
		var rows []float64
		if v, ok := s.contexts.Get(p); ok {
			rows = v
		} else {
			ids := s.tok.EncodeFixed(p)
			t := s.net.EmbedTokens([][]int{ids})
			_, c := t.Dims()
			rows = make([]float64, rowsPer*c)
			copy(rows, t.Data())
			s.backend.PutTensor(t)
			s.contexts.Put(p, rows)
		}
		if dim < 0 {
			dim = len(rows) / rowsPer
			out = s.backend.NewTensor(len(prompts)*rowsPer, dim, nil)
		}
		for r := 0; r < rowsPer; r++ {
			copy(out.Row(i*rowsPer+r), rows[r*dim:(r+1)*dim])
		}
	}
	return out
}

func uncondPrompts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = ""
	}
	return out
}

// stackContexts concatenates the unconditional context rows above the
// conditional ones.
func stackContexts(backend device.Backend, uncond, cond device.Tensor) device.Tensor {
	ur, c := uncond.Dims()
	cr, _ := cond.Dims()
	out := backend.GetTensor(ur+cr, c)
	copy(out.Data()[:ur*c], uncond.Data())
	copy(out.Data()[ur*c:], cond.Data())
	return out
}

// initialLatent draws standard normal noise for sample 0 and copies it to
// every other sample, so edits start from an identical trajectory.
func (s *Sampler) initialLatent(batch, channels, height, width int, seed int64) *control.Latent {
	if seed < 0 {
		seed = rand.Int63()
		log.Info().Int64("seed", seed).Msg("Drew random seed")
	}
	rng := rand.New(rand.NewSource(seed))

	x := control.NewLatent(batch, channels, height, width, s.backend)
	ref := x.Sample(0)
	for i := 0; i < len(ref); i += 2 {
		// Box-Muller
		u1 := rng.Float64()
		for u1 == 0 {
			u1 = rng.Float64()
		}
		u2 := rng.Float64()
		r := math.Sqrt(-2 * math.Log(u1))
		ref[i] = r * math.Cos(2*math.Pi*u2)
		if i+1 < len(ref) {
			ref[i+1] = r * math.Sin(2*math.Pi*u2)
		}
	}
	for b := 1; b < batch; b++ {
		copy(x.Sample(b), ref)
	}
	return x
}
