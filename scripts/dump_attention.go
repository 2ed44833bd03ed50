//go:build ignore

package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/23skdu/promptweave/internal/attention"
	"github.com/23skdu/promptweave/internal/control"
	"github.com/23skdu/promptweave/internal/device"
	"github.com/23skdu/promptweave/internal/diffusion"
	"github.com/23skdu/promptweave/internal/tokenizer"
)

type LayerStats struct {
	Key     string  `json:"key"`
	Layer   int     `json:"layer"`
	Queries int     `json:"queries"`
	Keys    int     `json:"keys"`
	Mean    float64 `json:"mean"`
	Max     float64 `json:"max"`
}

func main() {
	text := flag.String("text", "a castle next to a river", "Prompt to sample")
	steps := flag.Int("steps", 10, "Diffusion steps")
	seed := flag.Int64("seed", 1, "Latent seed")
	flag.Parse()

	backend := device.NewCPUBackend()

	words := strings.Fields(strings.ToLower(*text))
	tok := tokenizer.NewFromVocab(words)

	net := diffusion.NewSyntheticNetwork(diffusion.DefaultSyntheticConfig(), backend)
	sampler := diffusion.NewSampler(net, diffusion.NewDDIMScheduler(), tok, backend)

	store := control.NewStore()
	cfg := diffusion.DefaultSamplerConfig()
	cfg.Steps = *steps
	cfg.Seed = *seed

	if _, err := sampler.Sample(context.Background(), []string{*text}, control.New(store), cfg); err != nil {
		log.Fatalf("Sampling failed: %v", err)
	}

	var stats []LayerStats
	avg := store.Acc.Average()
	for _, k := range attention.Keys() {
		for i, m := range avg[k] {
			data := m.Data.Data()
			var sum, max float64
			for _, v := range data {
				sum += v
				if v > max {
					max = v
				}
			}
			stats = append(stats, LayerStats{
				Key:     k.String(),
				Layer:   i,
				Queries: m.Queries,
				Keys:    m.Keys,
				Mean:    sum / float64(len(data)),
				Max:     max,
			})
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		log.Fatal(err)
	}
}
