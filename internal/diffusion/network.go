package diffusion

import (
	"log"
	"math"
	"math/rand"

	"github.com/23skdu/promptweave/internal/attention"
	"github.com/23skdu/promptweave/internal/control"
	"github.com/23skdu/promptweave/internal/device"
	"github.com/23skdu/promptweave/internal/simd"
	"github.com/23skdu/promptweave/internal/tokenizer"
)

// AttentionHook observes or rewrites one attention tensor in flight. The
// returned map must have the same shape; the network keeps using it.
type AttentionHook func(m *attention.Map, isCross bool, stage attention.Stage) *attention.Map

// Network is the denoiser contract the sampler drives: a noise predictor
// whose attention layers are exposed through the hook.
type Network interface {
	// AttentionLayers reports the number of hook invocations per
	// denoising pass.
	AttentionLayers() int
	// Channels reports the latent channel count the network operates on.
	Channels() int
	// EmbedTokens turns fixed-length token id sequences into the context
	// tensor consumed by cross-attention, (len(ids)*MaxTokens, dim) rows.
	EmbedTokens(ids [][]int) device.Tensor
	// Forward predicts noise for the latent under the given context.
	Forward(x *control.Latent, context device.Tensor, timestep int, hook AttentionHook) *control.Latent
}

// SyntheticConfig shapes the compact attention network. The stage layout
// mirrors a UNet: cross-attention at 16x16 occupies the third and fourth
// down layers and the first three up layers.
type SyntheticConfig struct {
	Channels  int
	Dim       int
	Heads     int
	DownRes   []int
	MidRes    []int
	UpRes     []int
	VocabSize int
	Seed      int64
}

func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Channels:  4,
		Dim:       8,
		Heads:     2,
		DownRes:   []int{32, 32, 16, 16},
		MidRes:    []int{8},
		UpRes:     []int{16, 16, 16},
		VocabSize: 512,
		Seed:      1,
	}
}

// SyntheticNetwork is a deterministic, weight-seeded denoiser with real
// softmax attention. It stands in for a full UNet: small enough to run a
// sampling loop on CPU, faithful enough that rewriting its attention maps
// changes its output.
type SyntheticNetwork struct {
	cfg     SyntheticConfig
	backend device.Backend

	tokenEmbed device.Tensor // (VocabSize, Dim)
	posEmbed   device.Tensor // (MaxTokens, Dim)

	// One projection set per resolution entry, down then mid then up.
	wq     []device.Tensor // (Channels, Dim)
	wk     []device.Tensor // (Channels, Dim)
	wkCtx  []device.Tensor // (Dim, Dim)
	wvCtx  []device.Tensor // (Dim, Channels)
	stages []netStage
}

type netStage struct {
	stage attention.Stage
	res   int
}

func NewSyntheticNetwork(cfg SyntheticConfig, backend device.Backend) *SyntheticNetwork {
	if cfg.Dim%cfg.Heads != 0 {
		log.Panicf("diffusion: dim %d not divisible by %d heads", cfg.Dim, cfg.Heads)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	n := &SyntheticNetwork{cfg: cfg, backend: backend}
	n.tokenEmbed = seededTensor(backend, rng, cfg.VocabSize, cfg.Dim)
	n.posEmbed = seededTensor(backend, rng, tokenizer.MaxTokens, cfg.Dim)

	for _, r := range cfg.DownRes {
		n.stages = append(n.stages, netStage{attention.StageDown, r})
	}
	for _, r := range cfg.MidRes {
		n.stages = append(n.stages, netStage{attention.StageMid, r})
	}
	for _, r := range cfg.UpRes {
		n.stages = append(n.stages, netStage{attention.StageUp, r})
	}
	for range n.stages {
		n.wq = append(n.wq, seededTensor(backend, rng, cfg.Channels, cfg.Dim))
		n.wk = append(n.wk, seededTensor(backend, rng, cfg.Channels, cfg.Dim))
		n.wkCtx = append(n.wkCtx, seededTensor(backend, rng, cfg.Dim, cfg.Dim))
		n.wvCtx = append(n.wvCtx, seededTensor(backend, rng, cfg.Dim, cfg.Channels))
	}
	return n
}

// seededTensor fills a tensor with Xavier-style uniform values from the
// given source.
func seededTensor(backend device.Backend, rng *rand.Rand, r, c int) device.Tensor {
	limit := math.Sqrt(6.0 / float64(r+c))
	data := make([]float64, r*c)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return backend.NewTensor(r, c, data)
}

// AttentionLayers is one self plus one cross call per stage entry.
func (n *SyntheticNetwork) AttentionLayers() int {
	return 2 * len(n.stages)
}

func (n *SyntheticNetwork) Channels() int {
	return n.cfg.Channels
}

func (n *SyntheticNetwork) EmbedTokens(ids [][]int) device.Tensor {
	out := n.backend.NewTensor(len(ids)*tokenizer.MaxTokens, n.cfg.Dim, nil)
	for b, seq := range ids {
		if len(seq) != tokenizer.MaxTokens {
			log.Panicf("diffusion: sequence %d has %d tokens, want %d", b, len(seq), tokenizer.MaxTokens)
		}
		for p, id := range seq {
			row := out.Row(b*tokenizer.MaxTokens + p)
			copy(row, n.tokenEmbed.Row(id%n.cfg.VocabSize))
			simd.VecAdd(row, n.posEmbed.Row(p))
		}
	}
	return out
}

// Forward runs self then cross attention at every stage resolution,
// accumulating each stage's output back into the noise prediction. The hook
// sees every attention tensor after softmax and before it is applied to the
// values.
func (n *SyntheticNetwork) Forward(x *control.Latent, context device.Tensor, timestep int, hook AttentionHook) *control.Latent {
	ctxRows, ctxCols := context.Dims()
	if ctxRows != x.Batch*tokenizer.MaxTokens || ctxCols != n.cfg.Dim {
		log.Panicf("diffusion: context is %dx%d, want %dx%d",
			ctxRows, ctxCols, x.Batch*tokenizer.MaxTokens, n.cfg.Dim)
	}

	eps := control.NewLatent(x.Batch, x.Channels, x.Height, x.Width, n.backend)
	tEmb := timestepEmbedding(timestep, n.cfg.Dim)
	scale := 1.0 / float64(len(n.stages))

	for si, st := range n.stages {
		pooled := n.poolLatent(x, st.res) // (batch*res^2, Channels)
		q := n.project(pooled, n.wq[si], tEmb)
		kSelf := n.project(pooled, n.wk[si], nil)

		selfOut := n.attend(q, kSelf, pooled, x.Batch, st.res*st.res, st.res*st.res,
			st.stage, false, hook)
		n.accumulate(eps, selfOut, x, st.res, scale)
		n.backend.PutTensor(selfOut)

		kCtx := n.backend.GetTensor(ctxRows, n.cfg.Dim)
		kCtx.Mul(context, n.wkCtx[si])
		vCtx := n.backend.GetTensor(ctxRows, n.cfg.Channels)
		vCtx.Mul(context, n.wvCtx[si])

		crossOut := n.attend(q, kCtx, vCtx, x.Batch, st.res*st.res, tokenizer.MaxTokens,
			st.stage, true, hook)
		n.accumulate(eps, crossOut, x, st.res, scale)

		n.backend.PutTensor(crossOut)
		n.backend.PutTensor(vCtx)
		n.backend.PutTensor(kCtx)
		n.backend.PutTensor(kSelf)
		n.backend.PutTensor(q)
		n.backend.PutTensor(pooled)
	}
	return eps
}

// project maps (rows, Channels) features through w into (rows, Dim) and adds
// the timestep embedding when given.
func (n *SyntheticNetwork) project(in, w device.Tensor, tEmb []float64) device.Tensor {
	rows, _ := in.Dims()
	out := n.backend.GetTensor(rows, n.cfg.Dim)
	out.Mul(in, w)
	if tEmb != nil {
		for r := 0; r < rows; r++ {
			simd.VecAdd(out.Row(r), tEmb)
		}
	}
	return out
}

// attend computes multi-head softmax attention, routes the map through the
// hook, and applies it to the values. q and k are (batch*queries, Dim) and
// (batch*keys, Dim); v is (batch*keys, Channels). Returns (batch*queries,
// Channels) averaged over heads.
func (n *SyntheticNetwork) attend(q, k, v device.Tensor, batch, queries, keys int,
	stage attention.Stage, isCross bool, hook AttentionHook) device.Tensor {

	heads := n.cfg.Heads
	headDim := n.cfg.Dim / heads
	invSqrt := 1.0 / math.Sqrt(float64(headDim))

	scores := n.backend.GetTensor(batch*heads*queries, keys)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			lo := h * headDim
			hi := lo + headDim
			for qi := 0; qi < queries; qi++ {
				qr := q.Row(b*queries + qi)[lo:hi]
				row := scores.Row((b*heads+h)*queries + qi)
				for ki := 0; ki < keys; ki++ {
					row[ki] = simd.DotProduct(qr, k.Row(b*keys+ki)[lo:hi]) * invSqrt
				}
				simd.SoftmaxFast(row)
			}
		}
	}

	m := attention.NewMap(batch, heads, queries, keys, scores)
	if hook != nil {
		m = hook(m, isCross, stage)
	}

	out := n.backend.GetTensor(batch*queries, n.cfg.Channels)
	for b := 0; b < batch; b++ {
		for qi := 0; qi < queries; qi++ {
			dst := out.Row(b*queries + qi)
			for c := range dst {
				dst[c] = 0
			}
			for h := 0; h < heads; h++ {
				row := m.Data.Row((b*heads+h)*queries + qi)
				for ki := 0; ki < keys; ki++ {
					simd.VecAddScaled(dst, v.Row(b*keys+ki), row[ki])
				}
			}
			simd.VecScale(dst, 1.0/float64(heads))
		}
	}
	n.backend.PutTensor(m.Data)
	return out
}

// poolLatent average-pools every channel plane down to res x res, returning
// (batch*res^2, Channels) feature rows.
func (n *SyntheticNetwork) poolLatent(x *control.Latent, res int) device.Tensor {
	if x.Height%res != 0 || x.Width%res != 0 {
		log.Panicf("diffusion: latent %dx%d not divisible by resolution %d", x.Height, x.Width, res)
	}
	fy := x.Height / res
	fx := x.Width / res
	norm := 1.0 / float64(fy*fx)

	out := n.backend.GetTensor(x.Batch*res*res, x.Channels)
	for b := 0; b < x.Batch; b++ {
		for c := 0; c < x.Channels; c++ {
			plane := x.Channel(b, c)
			for py := 0; py < res; py++ {
				for px := 0; px < res; px++ {
					var s float64
					for dy := 0; dy < fy; dy++ {
						for dx := 0; dx < fx; dx++ {
							s += plane[(py*fy+dy)*x.Width+px*fx+dx]
						}
					}
					out.Row(b*res*res + py*res + px)[c] = s * norm
				}
			}
		}
	}
	return out
}

// accumulate adds a stage's (batch*res^2, Channels) output into the noise
// prediction, block-replicated back up to the latent resolution.
func (n *SyntheticNetwork) accumulate(eps *control.Latent, out device.Tensor, x *control.Latent, res int, scale float64) {
	fy := x.Height / res
	fx := x.Width / res
	for b := 0; b < x.Batch; b++ {
		for c := 0; c < x.Channels; c++ {
			plane := eps.Channel(b, c)
			for py := 0; py < res; py++ {
				for px := 0; px < res; px++ {
					v := out.Row(b*res*res+py*res+px)[c] * scale
					for dy := 0; dy < fy; dy++ {
						for dx := 0; dx < fx; dx++ {
							plane[(py*fy+dy)*x.Width+px*fx+dx] += v
						}
					}
				}
			}
		}
	}
}

// timestepEmbedding is the usual sinusoidal code for one scalar timestep.
func timestepEmbedding(t, dim int) []float64 {
	emb := make([]float64, dim)
	half := dim / 2
	for i := 0; i < half; i++ {
		freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
		emb[i] = math.Sin(float64(t) * freq)
		emb[half+i] = math.Cos(float64(t) * freq)
	}
	return emb
}
