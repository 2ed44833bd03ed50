package diffusion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/promptweave/internal/control"
	"github.com/23skdu/promptweave/internal/device"
	"github.com/23skdu/promptweave/internal/schedule"
)

func testSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Steps:         5,
		GuidanceScale: 7.5,
		Height:        16,
		Width:         16,
		Seed:          42,
	}
}

func newTestSampler(backend device.Backend) *Sampler {
	cfg := testNetConfig()
	net := NewSyntheticNetwork(cfg, backend)
	return NewSampler(net, NewDDIMScheduler(), testTok(), backend)
}

func latentData(x *control.Latent, b int) []float64 {
	out := make([]float64, len(x.Sample(b)))
	copy(out, x.Sample(b))
	return out
}

func TestSampleReproducible(t *testing.T) {
	backend := device.NewCPUBackend()
	prompts := []string{"a castle next to a river", "a castle next to a lake"}

	run := func() []float64 {
		s := newTestSampler(backend)
		e, err := control.NewReplace(prompts, testTok(), 5,
			schedule.Uniform(schedule.Span{Start: 0, End: 1}), schedule.Until(0.4))
		require.NoError(t, err)

		x, err := s.Sample(context.Background(), prompts, control.New(e), testSamplerConfig())
		require.NoError(t, err)
		return latentData(x, 1)
	}

	// Same seed and configuration, bit-identical output.
	require.Equal(t, run(), run())
}

func TestSampleLatentChannelsFollowNetwork(t *testing.T) {
	backend := device.NewCPUBackend()
	prompts := []string{"a castle next to a river"}

	for _, channels := range []int{2, 3} {
		cfg := testNetConfig()
		cfg.Channels = channels
		s := NewSampler(NewSyntheticNetwork(cfg, backend), NewDDIMScheduler(), testTok(), backend)

		x, err := s.Sample(context.Background(), prompts, control.New(control.Empty{}), testSamplerConfig())
		require.NoError(t, err)
		require.Equal(t, channels, x.Channels)
		require.Len(t, x.Sample(0), channels*16*16)
	}
}

func TestSampleEditDivergesFromBaseline(t *testing.T) {
	backend := device.NewCPUBackend()
	prompts := []string{"a castle next to a river", "a castle next to a lake"}

	s := newTestSampler(backend)
	baseline, err := s.Sample(context.Background(), prompts, control.New(control.Empty{}), testSamplerConfig())
	require.NoError(t, err)

	e, err := control.NewReplace(prompts, testTok(), 5,
		schedule.Uniform(schedule.Span{Start: 0, End: 1}), schedule.Until(0.4))
	require.NoError(t, err)
	edited, err := s.Sample(context.Background(), prompts, control.New(e), testSamplerConfig())
	require.NoError(t, err)

	// The reference sample is driven by its own prompt either way.
	require.Equal(t, latentData(baseline, 0), latentData(edited, 0))
	// The edited sample's attention was rewritten, so it diverges.
	require.NotEqual(t, latentData(baseline, 1), latentData(edited, 1))
}

func TestSampleLowResourceMatchesBatched(t *testing.T) {
	backend := device.NewCPUBackend()
	prompts := []string{"a castle next to a river", "a castle next to a lake"}

	sample := func(lowResource bool) *control.Latent {
		s := newTestSampler(backend)
		e, err := control.NewReplace(prompts, testTok(), 5,
			schedule.Uniform(schedule.Span{Start: 0, End: 1}), schedule.Until(0.4))
		require.NoError(t, err)

		var opts []control.Option
		cfg := testSamplerConfig()
		if lowResource {
			opts = append(opts, control.WithLowResource())
			cfg.LowResource = true
		}
		x, err := s.Sample(context.Background(), prompts, control.New(e, opts...), cfg)
		require.NoError(t, err)
		return x
	}

	batched := sample(false)
	sequential := sample(true)
	for b := 0; b < 2; b++ {
		require.Equal(t, latentData(batched, b), latentData(sequential, b))
	}
}

func TestSampleSharesInitialLatentAcrossPrompts(t *testing.T) {
	backend := device.NewCPUBackend()
	s := newTestSampler(backend)

	x := s.initialLatent(3, 2, 8, 8, 7)
	require.Equal(t, latentData(x, 0), latentData(x, 1))
	require.Equal(t, latentData(x, 0), latentData(x, 2))

	other := s.initialLatent(1, 2, 8, 8, 8)
	require.NotEqual(t, latentData(x, 0), latentData(other, 0))
}

func TestSampleRespectsCancellation(t *testing.T) {
	backend := device.NewCPUBackend()
	s := newTestSampler(backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Sample(ctx, []string{"a castle"}, control.New(control.Empty{}), testSamplerConfig())
	require.ErrorIs(t, err, context.Canceled)
}

func TestSampleCachesPromptContexts(t *testing.T) {
	backend := device.NewCPUBackend()
	s := newTestSampler(backend)
	prompts := []string{"a castle", "a lake"}

	_, err := s.Sample(context.Background(), prompts, control.New(control.NewStore()), testSamplerConfig())
	require.NoError(t, err)
	// Two prompts plus the unconditional empty prompt.
	require.Equal(t, 3, s.contexts.Size())

	_, err = s.Sample(context.Background(), prompts, control.New(control.NewStore()), testSamplerConfig())
	require.NoError(t, err)
	require.Equal(t, 3, s.contexts.Size())
}

func TestStoreCollectsAttentionDuringSampling(t *testing.T) {
	backend := device.NewCPUBackend()
	s := newTestSampler(backend)

	st := control.NewStore()
	_, err := s.Sample(context.Background(), []string{"a castle"}, control.New(st), testSamplerConfig())
	require.NoError(t, err)

	require.Equal(t, 5, st.Acc.Steps())
	avg := st.Acc.Average()
	for _, maps := range avg {
		require.NotEmpty(t, maps)
	}
}
