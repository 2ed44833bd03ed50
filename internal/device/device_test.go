package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMul(t *testing.T) {
	b := NewCPUBackend()

	a := b.NewTensor(2, 3, []float64{
		1, 2, 3,
		4, 5, 6,
	})
	m := b.NewTensor(3, 2, []float64{
		7, 8,
		9, 10,
		11, 12,
	})

	out := b.NewTensor(2, 2, nil)
	out.Mul(a, m)

	require.Equal(t, 58.0, out.At(0, 0))
	require.Equal(t, 64.0, out.At(0, 1))
	require.Equal(t, 139.0, out.At(1, 0))
	require.Equal(t, 154.0, out.At(1, 1))
}

func TestRowBlockSharesStorage(t *testing.T) {
	b := NewCPUBackend()
	parent := b.NewTensor(4, 2, []float64{
		0, 1,
		2, 3,
		4, 5,
		6, 7,
	})

	view := parent.RowBlock(2, 4)
	r, c := view.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 2, c)
	require.Equal(t, 4.0, view.At(0, 0))

	view.Set(0, 0, 99)
	require.Equal(t, 99.0, parent.At(2, 0), "view write must reach the parent")
}

func TestRowBlockNotPooled(t *testing.T) {
	b := NewCPUBackend()
	parent := b.NewTensor(4, 4, nil)
	view := parent.RowBlock(0, 2)

	// Returning a view must be a no-op; otherwise the parent's storage
	// would be handed out by a later GetTensor.
	b.PutTensor(view)
	got := b.GetTensor(2, 4)
	got.Set(0, 0, 123)
	require.Equal(t, 0.0, parent.At(0, 0))
}

func TestGatherCols(t *testing.T) {
	b := NewCPUBackend()
	src := b.NewTensor(2, 4, []float64{
		10, 11, 12, 13,
		20, 21, 22, 23,
	})

	out := src.GatherCols([]int{3, 0, -1})
	require.Equal(t, 13.0, out.At(0, 0))
	require.Equal(t, 10.0, out.At(0, 1))
	// Negative indices clamp to column 0
	require.Equal(t, 10.0, out.At(0, 2))
	require.Equal(t, 23.0, out.At(1, 0))
}

func TestScaleCols(t *testing.T) {
	b := NewCPUBackend()
	m := b.NewTensor(2, 3, []float64{
		1, 1, 1,
		2, 2, 2,
	})
	m.ScaleCols([]float64{1, 2, 0})

	require.Equal(t, []float64{1, 2, 0, 2, 4, 0}, m.Data())
}

func TestLerpCols(t *testing.T) {
	b := NewCPUBackend()
	m := b.NewTensor(1, 3, []float64{10, 10, 10})
	o := b.NewTensor(1, 3, []float64{0, 0, 0})
	m.LerpCols(o, []float64{1, 0.5, 0})

	require.Equal(t, []float64{10, 5, 0}, m.Data())
}

func TestSoftmaxRows(t *testing.T) {
	b := NewCPUBackend()
	m := b.NewTensor(2, 3, []float64{
		0, 0, 0,
		100, 0, 0,
	})
	m.Softmax()

	require.InDelta(t, 1.0/3.0, m.At(0, 0), 1e-9)
	require.InDelta(t, 1.0, m.At(1, 0), 1e-6)

	for i := 0; i < 2; i++ {
		var sum float64
		for j := 0; j < 3; j++ {
			sum += m.At(i, j)
		}
		require.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestShapeMismatchPanics(t *testing.T) {
	b := NewCPUBackend()
	a := b.NewTensor(2, 2, nil)
	c := b.NewTensor(3, 3, nil)

	require.Panics(t, func() { a.Add(c) })
	require.Panics(t, func() { a.Copy(c) })
	require.Panics(t, func() { a.ScaleCols([]float64{1}) })
}
