package control

import (
	"github.com/23skdu/promptweave/internal/device"
)

// Latent is the denoising state: one row per sample, channels*height*width
// columns. Sample 0 is always the reference prompt's latent.
type Latent struct {
	Batch    int
	Channels int
	Height   int
	Width    int
	Data     device.Tensor
}

func NewLatent(batch, channels, height, width int, backend device.Backend) *Latent {
	return &Latent{
		Batch:    batch,
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     backend.NewTensor(batch, channels*height*width, nil),
	}
}

// Sample returns the backing slice for one sample.
func (l *Latent) Sample(b int) []float64 {
	return l.Data.Row(b)
}

// Channel returns the backing slice for one channel plane of one sample.
func (l *Latent) Channel(b, c int) []float64 {
	plane := l.Height * l.Width
	row := l.Data.Row(b)
	return row[c*plane : (c+1)*plane]
}

func (l *Latent) Clone() *Latent {
	return &Latent{
		Batch:    l.Batch,
		Channels: l.Channels,
		Height:   l.Height,
		Width:    l.Width,
		Data:     l.Data.Clone(),
	}
}
