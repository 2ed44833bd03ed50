package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	interceptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptweave_attention_interceptions_total",
		Help: "Total number of attention-layer interceptions",
	})

	stepsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptweave_diffusion_steps_total",
		Help: "Total number of completed diffusion steps across runs",
	})
)
