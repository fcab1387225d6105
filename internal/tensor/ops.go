package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Sub subtracts src from dst element-wise.
func Sub(dst, src []float32) {
	for i := range dst {
		dst[i] -= src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Softmax applies the softmax function to x in place. The maximum value is
// subtracted before exponentiation for numerical stability.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// AllFinite reports whether x contains no NaN or Inf values.
func AllFinite(x []float32) bool {
	for _, v := range x {
		if v != v {
			return false
		}
		if math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}
