package simd

// ExpFast is a fast approximation of exp(x)
// Uses the identity exp(x) = 2^(x/ln2) and a polynomial approximation
func ExpFast(x float64) float64 {
	// Clamp to avoid overflow
	if x > 88 {
		return 1e38
	}
	if x < -88 {
		return 0
	}

	// exp(x) = 2^(x * log2(e))
	// log2(e) ≈ 1.4426950408889634
	const log2e = 1.4426950408889634

	t := x * log2e
	k := int(t)
	if t < 0 {
		k--
	}

	// Fractional part in [0, 1)
	f := t - float64(k)

	// Polynomial approximation for 2^f where f in [0, 1)
	p := 1.0 + f*(0.6931471805599453+f*(0.24022650695910072+f*0.05550410866482157))

	// Multiply by 2^k using bit manipulation
	if k >= 0 && k < 1024 {
		return p * float64(uint64(1)<<k)
	}
	if k < 0 && k > -1024 {
		return p / float64(uint64(1)<<(-k))
	}
	return p
}

// SoftmaxFast applies fast softmax in-place to a row
func SoftmaxFast(row []float64) {
	// Find max
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	// Exp and sum using fast exp
	var sum float64
	for i, v := range row {
		row[i] = ExpFast(v - max)
		sum += row[i]
	}

	// Normalize
	invSum := 1.0 / sum
	for i := range row {
		row[i] *= invSum
	}
}

// VecAdd performs dst += src for float64 vectors
func VecAdd(dst, src []float64) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale for float64 vectors
func VecAddScaled(dst, src []float64, scale float64) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecScale performs dst *= scale
func VecScale(dst []float64, scale float64) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= scale
		dst[i+1] *= scale
		dst[i+2] *= scale
		dst[i+3] *= scale
	}
	for ; i < len(dst); i++ {
		dst[i] *= scale
	}
}

// VecMulElem performs dst *= src element-wise
func VecMulElem(dst, src []float64) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= src[i]
		dst[i+1] *= src[i+1]
		dst[i+2] *= src[i+2]
		dst[i+3] *= src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] *= src[i]
	}
}

// VecLerp performs dst = w*dst + (1-w)*other with a per-element weight.
// All three slices must have the same length.
func VecLerp(dst, other, w []float64) {
	for i := range dst {
		dst[i] = w[i]*dst[i] + (1-w[i])*other[i]
	}
}

// DotProduct computes the dot product of two float64 vectors
func DotProduct(a, b []float64) float64 {
	var sum float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// VecMax returns the maximum element of v. v must be non-empty.
func VecMax(v []float64) float64 {
	max := v[0]
	for _, x := range v {
		if x > max {
			max = x
		}
	}
	return max
}
