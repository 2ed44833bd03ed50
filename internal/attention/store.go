package attention

import (
	"log"
)

// MaxStoredQueries bounds which maps are buffered: attention computed over
// more than 32x32 spatial positions is never retained.
const MaxStoredQueries = 32 * 32

// Accumulator buffers per-layer attention maps within a diffusion step and
// accumulates running sums across steps. It is owned by exactly one
// controller per generation run and carries no thread-safety guarantees.
type Accumulator struct {
	stepStore  map[Key][]*Map
	cumulative map[Key][]*Map
	steps      int
}

func NewAccumulator() *Accumulator {
	a := &Accumulator{}
	a.Reset()
	return a
}

func emptyStore() map[Key][]*Map {
	s := make(map[Key][]*Map, 6)
	for _, k := range Keys() {
		s[k] = nil
	}
	return s
}

// Record buffers a copy of the map for the current step. Maps computed over
// more than MaxStoredQueries spatial positions are dropped to bound memory.
func (a *Accumulator) Record(m *Map, isCross bool, stage Stage) {
	if m.Queries > MaxStoredQueries {
		return
	}
	key := Key{Stage: stage, Cross: isCross}
	a.stepStore[key] = append(a.stepStore[key], m.Clone())
}

// Flush folds the step buffer into the cumulative store and clears it.
// Called once per step, at the layer-counter rollover.
func (a *Accumulator) Flush() {
	if a.steps == 0 {
		// First step: the buffer becomes the store (moved, not copied).
		a.cumulative = a.stepStore
	} else {
		for key, maps := range a.cumulative {
			step := a.stepStore[key]
			if len(step) != len(maps) {
				log.Panicf("attention: %s recorded %d maps, expected %d (network changed mid-run?)",
					key, len(step), len(maps))
			}
			for i := range maps {
				maps[i].Data.Add(step[i].Data)
			}
		}
	}
	a.stepStore = emptyStore()
	a.steps++
}

// Steps returns the number of completed (flushed) steps.
func (a *Accumulator) Steps() int {
	return a.steps
}

// Current exposes the raw cumulative store (sums, not averages).
// The local blend consumes this directly; its per-sample max normalization
// makes the missing division by step count irrelevant.
func (a *Accumulator) Current() map[Key][]*Map {
	return a.cumulative
}

// Average returns every cumulative map divided by the number of completed
// steps. Must not be called before the first step has been flushed.
func (a *Accumulator) Average() map[Key][]*Map {
	if a.steps == 0 {
		log.Panic("attention: Average called before any completed step")
	}
	out := make(map[Key][]*Map, len(a.cumulative))
	inv := 1.0 / float64(a.steps)
	for key, maps := range a.cumulative {
		avg := make([]*Map, len(maps))
		for i, m := range maps {
			c := m.Clone()
			c.Data.Scale(inv)
			avg[i] = c
		}
		out[key] = avg
	}
	return out
}

// Reset clears both stores and the step count.
func (a *Accumulator) Reset() {
	a.stepStore = emptyStore()
	a.cumulative = emptyStore()
	a.steps = 0
}
