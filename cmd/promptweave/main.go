package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/promptweave/internal/align"
	"github.com/23skdu/promptweave/internal/attention"
	"github.com/23skdu/promptweave/internal/control"
	"github.com/23skdu/promptweave/internal/device"
	"github.com/23skdu/promptweave/internal/diffusion"
	"github.com/23skdu/promptweave/internal/export"
	"github.com/23skdu/promptweave/internal/schedule"
	"github.com/23skdu/promptweave/internal/tokenizer"
	"github.com/23skdu/promptweave/internal/vis"
)

var (
	flagPrompts    = flag.String("prompts", "", "Prompts separated by '|'; the first is the reference")
	flagMode       = flag.String("mode", "store", "Edit mode: store, replace, refine, reweight")
	flagSteps      = flag.Int("steps", 50, "Diffusion steps")
	flagGuidance   = flag.Float64("guidance", 7.5, "Classifier-free guidance scale")
	flagSeeds      = flag.String("seeds", "1", "Comma-separated seeds, one run per seed")
	flagOutDir     = flag.String("out", "out", "Output directory")
	flagVocab      = flag.String("vocab", "", "Path to vocab file (derived from the prompts when empty)")
	flagCrossSpan  = flag.String("cross", "0:0.8", "Cross-attention replacement span as start:end fractions")
	flagCrossWords = flag.String("cross-words", "", "Per-word spans, 'word=start:end' comma-separated")
	flagSelfSpan   = flag.String("self", "0:0.4", "Self-attention replacement span as start:end fractions")
	flagEqualizer  = flag.String("equalizer", "", "Reweight factors, 'word=scale' comma-separated")
	flagBlendWords = flag.String("blend-words", "", "Local blend words per prompt, '|'-separated word lists")
	flagThreshold  = flag.Float64("blend-threshold", control.DefaultBlendThreshold, "Local blend mask threshold")
	flagLowRes     = flag.Bool("low-resource", false, "Run unconditional and conditional passes sequentially")
	flagBaseline   = flag.Bool("baseline", false, "Also render an uncontrolled baseline run")
	flagExport     = flag.String("export", "", "Write averaged attention: 'cbor' or 'arrow'")
	flagHeatmaps   = flag.Bool("heatmaps", false, "Render cross-attention heatmaps for the reference prompt")
	flagMetrics    = flag.String("metrics", "", "Address to serve Prometheus metrics on (e.g. :9100)")
	flagOTel       = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	flagCPUProfile = flag.String("cpuprofile", "", "Write cpu profile to file")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *flagOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *flagCPUProfile != "" {
		f, err := os.Create(*flagCPUProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *flagMetrics != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", *flagMetrics).Msg("Serving Prometheus metrics")
			if err := http.ListenAndServe(*flagMetrics, nil); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	prompts := splitPrompts(*flagPrompts)
	if len(prompts) == 0 {
		log.Fatal().Msg("No prompts given; use -prompts 'a cat|a dog'")
	}
	if *flagMode != "store" && len(prompts) < 2 {
		log.Fatal().Str("mode", *flagMode).Msg("Edit modes need a reference and at least one edited prompt")
	}

	tok := loadTokenizer(prompts)
	backend := device.NewCPUBackend()
	net := diffusion.NewSyntheticNetwork(diffusion.DefaultSyntheticConfig(), backend)
	sampler := diffusion.NewSampler(net, diffusion.NewDDIMScheduler(), tok, backend)

	if err := os.MkdirAll(*flagOutDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create output directory")
	}

	cfg := diffusion.DefaultSamplerConfig()
	cfg.Steps = *flagSteps
	cfg.GuidanceScale = *flagGuidance
	cfg.LowResource = *flagLowRes

	for _, seed := range parseSeeds(*flagSeeds) {
		cfg.Seed = seed
		runOne(sampler, tok, prompts, cfg, seed)
	}
}

func runOne(sampler *diffusion.Sampler, tok *tokenizer.WordPieceTokenizer, prompts []string, cfg diffusion.SamplerConfig, seed int64) {
	strategy, acc := buildStrategy(prompts, tok, cfg.Steps)

	var opts []control.Option
	if cfg.LowResource {
		opts = append(opts, control.WithLowResource())
	}
	ctrl := control.New(strategy, opts...)

	ctx := context.Background()
	start := time.Now()
	x, err := sampler.Sample(ctx, prompts, ctrl, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Sampling failed")
	}
	log.Info().Dur("elapsed", time.Since(start)).Int64("seed", seed).Msg("Run complete")

	for b := 0; b < x.Batch; b++ {
		path := filepath.Join(*flagOutDir, fmt.Sprintf("seed%d_prompt%d.png", seed, b))
		img := vis.LatentPNG(x.Channel(b, 0), x.Height, x.Width)
		if err := vis.SavePNG(path, img); err != nil {
			log.Fatal().Err(err).Msg("Failed to write preview")
		}
	}

	if *flagBaseline {
		base, err := sampler.Sample(ctx, prompts, control.New(control.Empty{}), cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Baseline sampling failed")
		}
		for b := 0; b < base.Batch; b++ {
			path := filepath.Join(*flagOutDir, fmt.Sprintf("seed%d_prompt%d_baseline.png", seed, b))
			if err := vis.SavePNG(path, vis.LatentPNG(base.Channel(b, 0), base.Height, base.Width)); err != nil {
				log.Fatal().Err(err).Msg("Failed to write baseline preview")
			}
		}
	}

	if acc == nil {
		return
	}
	if *flagExport != "" {
		exportAttention(acc, prompts, seed)
	}
	if *flagHeatmaps {
		writeHeatmaps(acc, tok, prompts[0], seed)
	}
}

// buildStrategy returns the configured strategy and, when it records
// attention, its accumulator.
func buildStrategy(prompts []string, tok *tokenizer.WordPieceTokenizer, steps int) (control.Strategy, *attention.Accumulator) {
	crossSpec := parseCrossSpec()
	selfSpan := parseSpan(*flagSelfSpan)

	var opts []control.EditOption
	if *flagBlendWords != "" {
		lb, err := control.NewLocalBlend(prompts, parseBlendWords(*flagBlendWords, len(prompts)), *flagThreshold, tok)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build local blend")
		}
		opts = append(opts, control.WithLocalBlend(lb))
	}

	switch *flagMode {
	case "store":
		s := control.NewStore()
		return s, s.Acc
	case "replace":
		e, err := control.NewReplace(prompts, tok, steps, crossSpec, selfSpan, opts...)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build replace edit")
		}
		return e, e.Acc
	case "refine":
		e, err := control.NewRefine(prompts, tok, steps, crossSpec, selfSpan, opts...)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build refine edit")
		}
		return e, e.Acc
	case "reweight":
		eq := parseEqualizer(*flagEqualizer, prompts, tok)
		e, err := control.NewReweight(prompts, tok, steps, crossSpec, selfSpan, eq, nil, opts...)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build reweight edit")
		}
		return e, e.Acc
	default:
		log.Fatal().Str("mode", *flagMode).Msg("Unknown mode")
		return nil, nil
	}
}

func exportAttention(acc *attention.Accumulator, prompts []string, seed int64) {
	doc := export.Collect(acc, prompts)
	ext := *flagExport
	path := filepath.Join(*flagOutDir, fmt.Sprintf("attention_seed%d.%s", seed, ext))
	f, err := os.Create(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create export file")
	}
	defer f.Close()

	switch ext {
	case "cbor":
		err = export.WriteCBOR(f, doc)
	case "arrow":
		err = export.WriteArrow(f, doc)
	default:
		log.Fatal().Str("format", ext).Msg("Unknown export format")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to write export")
	}
	log.Info().Str("path", path).Msg("Wrote attention export")
}

func writeHeatmaps(acc *attention.Accumulator, tok *tokenizer.WordPieceTokenizer, prompt string, seed int64) {
	pieces, _ := tok.Tokenize(prompt)
	tokens := append([]string{"[CLS]"}, pieces...)
	positions := make([]int, len(tokens))
	for i := range positions {
		positions[i] = i
	}

	agg := vis.Aggregate(acc, 16, []attention.Stage{attention.StageDown, attention.StageUp}, true, 0)
	img := vis.CrossHeatmapGrid(agg, 16, tokens, positions)
	path := filepath.Join(*flagOutDir, fmt.Sprintf("heatmap_seed%d.png", seed))
	if err := vis.SavePNG(path, img); err != nil {
		log.Fatal().Err(err).Msg("Failed to write heatmap")
	}
	log.Info().Str("path", path).Msg("Wrote cross-attention heatmaps")
}

// loadTokenizer reads the vocab file when given, otherwise derives a vocab
// from the prompt words themselves.
func loadTokenizer(prompts []string) *tokenizer.WordPieceTokenizer {
	if *flagVocab != "" {
		tok, err := tokenizer.NewWordPieceTokenizer(*flagVocab)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load tokenizer")
		}
		return tok
	}

	seen := map[string]bool{}
	var words []string
	for _, p := range prompts {
		for _, w := range strings.Fields(strings.ToLower(p)) {
			if !seen[w] {
				seen[w] = true
				words = append(words, w)
			}
		}
	}
	sort.Strings(words)
	log.Info().Int("words", len(words)).Msg("Derived vocab from prompts")
	return tokenizer.NewFromVocab(words)
}

func splitPrompts(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseSeeds(s string) []int64 {
	var seeds []int64
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			log.Fatal().Str("seed", part).Msg("Invalid seed")
		}
		seeds = append(seeds, v)
	}
	return seeds
}

func parseSpan(s string) schedule.Span {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		log.Fatal().Str("span", s).Msg("Span must be start:end")
	}
	start, err1 := strconv.ParseFloat(parts[0], 64)
	end, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil {
		log.Fatal().Str("span", s).Msg("Span must be numeric fractions")
	}
	return schedule.Span{Start: start, End: end}
}

func parseCrossSpec() schedule.Spec {
	spec := schedule.Uniform(parseSpan(*flagCrossSpan))
	if *flagCrossWords == "" {
		return spec
	}
	spec.Words = map[string]schedule.Span{}
	for _, entry := range strings.Split(*flagCrossWords, ",") {
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			log.Fatal().Str("entry", entry).Msg("Per-word span must be word=start:end")
		}
		spec.Words[strings.TrimSpace(kv[0])] = parseSpan(kv[1])
	}
	return spec
}

func parseEqualizer(s string, prompts []string, tok *tokenizer.WordPieceTokenizer) []float64 {
	if s == "" {
		log.Fatal().Msg("Reweight mode needs -equalizer 'word=scale'")
	}
	weights := map[string]float64{}
	for _, entry := range strings.Split(s, ",") {
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			log.Fatal().Str("entry", entry).Msg("Equalizer entry must be word=scale")
		}
		v, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			log.Fatal().Str("entry", entry).Msg("Equalizer scale must be numeric")
		}
		weights[strings.TrimSpace(kv[0])] = v
	}

	// Scales are resolved against the last prompt, the one being reweighted.
	eq, err := align.Equalizer(prompts[len(prompts)-1], weights, tok)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build equalizer")
	}
	return eq
}

func parseBlendWords(s string, prompts int) [][]string {
	lists := strings.Split(s, "|")
	if len(lists) != prompts {
		log.Fatal().Int("lists", len(lists)).Int("prompts", prompts).
			Msg("Blend words need one '|'-separated list per prompt")
	}
	out := make([][]string, len(lists))
	for i, l := range lists {
		out[i] = strings.Fields(l)
	}
	return out
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("promptweave"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
