package attention

import (
	"log"

	"github.com/23skdu/promptweave/internal/device"
)

// Stage identifies where in the denoising network an attention layer sits.
type Stage int

const (
	StageDown Stage = iota
	StageMid
	StageUp
)

func (s Stage) String() string {
	switch s {
	case StageDown:
		return "down"
	case StageMid:
		return "mid"
	case StageUp:
		return "up"
	}
	return "unknown"
}

// Key addresses one of the six sequences in the store:
// {down,mid,up} x {cross,self}.
type Key struct {
	Stage Stage
	Cross bool
}

func (k Key) String() string {
	if k.Cross {
		return k.Stage.String() + "_cross"
	}
	return k.Stage.String() + "_self"
}

// Keys lists all six store keys in a stable order.
func Keys() []Key {
	return []Key{
		{StageDown, true}, {StageMid, true}, {StageUp, true},
		{StageDown, false}, {StageMid, false}, {StageUp, false},
	}
}

// Map is one attention tensor produced by a single layer evaluation.
// Logical shape is (Batch, Heads, Queries, Keys); it is stored row-major as
// a (Batch*Heads*Queries, Keys) tensor. For cross-attention Keys is the
// token sequence length; for self-attention Keys equals Queries (the
// squared spatial resolution).
type Map struct {
	Batch   int
	Heads   int
	Queries int
	Keys    int
	Data    device.Tensor
}

// NewMap wraps a tensor, checking that its dimensions match the logical shape.
func NewMap(batch, heads, queries, keys int, data device.Tensor) *Map {
	r, c := data.Dims()
	if r != batch*heads*queries || c != keys {
		log.Panicf("attention: tensor %dx%d does not match map shape (%d, %d, %d, %d)",
			r, c, batch, heads, queries, keys)
	}
	return &Map{Batch: batch, Heads: heads, Queries: queries, Keys: keys, Data: data}
}

// Block returns the rows belonging to batch element b as a shared view.
func (m *Map) Block(b int) device.Tensor {
	per := m.Heads * m.Queries
	return m.Data.RowBlock(b*per, (b+1)*per)
}

// Tail returns a sub-map viewing batch elements [from, Batch).
// The view shares storage, so edits through it reach the original tensor.
func (m *Map) Tail(from int) *Map {
	per := m.Heads * m.Queries
	return &Map{
		Batch:   m.Batch - from,
		Heads:   m.Heads,
		Queries: m.Queries,
		Keys:    m.Keys,
		Data:    m.Data.RowBlock(from*per, m.Batch*per),
	}
}

// Clone deep-copies the map so it can outlive the layer call that produced it.
func (m *Map) Clone() *Map {
	return &Map{
		Batch:   m.Batch,
		Heads:   m.Heads,
		Queries: m.Queries,
		Keys:    m.Keys,
		Data:    m.Data.Clone(),
	}
}
