package device

// Tensor represents a dense 2D array of float64 values. Attention maps,
// alignment mappers and latents are all stored as 2D tensors: a map with
// logical axes (batch*heads, queries, keys) is laid out row-major as
// (batch*heads*queries, keys).
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float64

	// Set sets the value at (i, j).
	Set(i, j int, v float64)

	// Data returns the underlying row-major slice.
	Data() []float64

	// Row returns the backing slice for row i.
	Row(i int) []float64

	// Clone returns a deep copy with freshly owned storage.
	Clone() Tensor

	// Copy copies content from another tensor of identical dimensions.
	Copy(from Tensor)

	// RowBlock returns a view of rows [start, end) sharing storage with
	// the receiver. Mutations through the view are visible in the parent.
	RowBlock(start, end int) Tensor

	// Mul performs matrix multiplication: t = a * b.
	// The receiver must not alias a or b.
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other.
	Add(other Tensor)

	// Scale performs: t = t * val.
	Scale(val float64)

	// Softmax applies a row-wise softmax in-place.
	Softmax()

	// GatherCols returns a new tensor whose column j is the receiver's
	// column indices[j]. Negative indices are clamped to column 0.
	GatherCols(indices []int) Tensor

	// ScaleCols multiplies every column j by weights[j] in-place.
	// len(weights) must equal the column count.
	ScaleCols(weights []float64)

	// LerpCols blends per column: t[i][j] = w[j]*t[i][j] + (1-w[j])*other[i][j].
	LerpCols(other Tensor, weights []float64)
}

// Backend creates tensors and recycles their storage.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float64) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool. Views must never be pooled.
	PutTensor(t Tensor)
}
