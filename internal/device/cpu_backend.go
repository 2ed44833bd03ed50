package device

import (
	"log"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/promptweave/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float64) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
	}

	if data == nil {
		t.data = make([]float64, size)
	} else {
		if len(data) != size {
			log.Panicf("NewTensor: data length %d does not match %dx%d", len(data), r, c)
		}
		t.data = make([]float64, size)
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.view = false
	size := r * c
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float64, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0.0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok {
		return // Don't pool foreign tensors
	}
	if ct.view {
		return // Views share storage with a parent; pooling them would corrupt it
	}

	ct.rows = 0
	ct.cols = 0
	b.pool.Put(ct)
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float64
	rows    int
	cols    int
	view    bool // Shares storage with a parent tensor
}

func (t *CPUTensor) Dims() (int, int) {
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float64 {
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float64) {
	t.data[i*t.cols+j] = v
}

func (t *CPUTensor) Data() []float64 {
	return t.data
}

func (t *CPUTensor) Row(i int) []float64 {
	return t.data[i*t.cols : (i+1)*t.cols]
}

func (t *CPUTensor) Clone() Tensor {
	return t.backend.NewTensor(t.rows, t.cols, t.data)
}

func (t *CPUTensor) Copy(from Tensor) {
	ft, ok := from.(*CPUTensor)
	if !ok {
		log.Panic("Copying between different backends not supported")
	}

	if t.rows != ft.rows || t.cols != ft.cols {
		log.Panicf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", t.rows, t.cols, ft.rows, ft.cols)
	}
	copy(t.data, ft.data)
}

func (t *CPUTensor) RowBlock(start, end int) Tensor {
	if start < 0 || end > t.rows || start >= end {
		log.Panicf("RowBlock: invalid range [%d, %d) for %d rows", start, end, t.rows)
	}
	return &CPUTensor{
		backend: t.backend,
		data:    t.data[start*t.cols : end*t.cols],
		rows:    end - start,
		cols:    t.cols,
		view:    true,
	}
}

// Mul delegates to gonum so a registered BLAS implementation is used.
func (t *CPUTensor) Mul(a, b Tensor) {
	ma, ok1 := a.(*CPUTensor)
	mb, ok2 := b.(*CPUTensor)
	if !ok1 || !ok2 {
		log.Panic("Mixed backend Mul not supported")
	}

	if ma.cols != mb.rows {
		log.Panicf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ma.cols, mb.rows)
	}
	if t.rows != ma.rows || t.cols != mb.cols {
		log.Panicf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ma.rows, mb.cols, t.rows, t.cols)
	}

	dst := mat.NewDense(t.rows, t.cols, t.data)
	dst.Mul(
		mat.NewDense(ma.rows, ma.cols, ma.data),
		mat.NewDense(mb.rows, mb.cols, mb.data),
	)
}

func (t *CPUTensor) Add(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend Add not supported")
	}

	if t.rows != ot.rows || t.cols != ot.cols {
		log.Panicf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", t.rows, t.cols, ot.rows, ot.cols)
	}
	simd.VecAdd(t.data, ot.data)
}

func (t *CPUTensor) Scale(val float64) {
	simd.VecScale(t.data, val)
}

func (t *CPUTensor) Softmax() {
	for i := 0; i < t.rows; i++ {
		simd.SoftmaxFast(t.Row(i))
	}
}

func (t *CPUTensor) GatherCols(indices []int) Tensor {
	out := t.backend.GetTensor(t.rows, len(indices))
	od := out.Data()
	for i := 0; i < t.rows; i++ {
		src := t.Row(i)
		dst := od[i*len(indices) : (i+1)*len(indices)]
		for j, idx := range indices {
			if idx < 0 {
				idx = 0
			}
			if idx >= t.cols {
				log.Panicf("GatherCols: index %d out of bounds for %d cols", idx, t.cols)
			}
			dst[j] = src[idx]
		}
	}
	return out
}

func (t *CPUTensor) ScaleCols(weights []float64) {
	if len(weights) != t.cols {
		log.Panicf("ScaleCols: %d weights for %d cols", len(weights), t.cols)
	}
	for i := 0; i < t.rows; i++ {
		simd.VecMulElem(t.Row(i), weights)
	}
}

func (t *CPUTensor) LerpCols(other Tensor, weights []float64) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend LerpCols not supported")
	}
	if t.rows != ot.rows || t.cols != ot.cols {
		log.Panicf("LerpCols: dimension mismatch. Target: %dx%d, Other: %dx%d", t.rows, t.cols, ot.rows, ot.cols)
	}
	if len(weights) != t.cols {
		log.Panicf("LerpCols: %d weights for %d cols", len(weights), t.cols)
	}
	for i := 0; i < t.rows; i++ {
		simd.VecLerp(t.Row(i), ot.Row(i), weights)
	}
}
