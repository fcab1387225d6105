package tensor

import (
	"errors"
	"math/rand"
)

// Mat represents a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows (for row-major
// matrices this equals C). For f32 mats Data holds the flattened values.
// For f16/bf16 mats Raw holds the encoded bytes and rows are decoded on
// access to keep adapter math in single precision.
//
// Mat does not perform any memory safety beyond the checks performed by
// Go's slice types; out-of-range indices will panic.
type Mat struct {
	R, C   int
	Stride int

	DType DType
	Data  []float32
	Raw   []byte
}

var (
	ErrNegativeDim      = errors.New("tensor: negative dimension")
	ErrUnsupportedDType = errors.New("tensor: unsupported dtype for raw matrix")
	ErrMatTooLarge      = errors.New("tensor: matrix too large")
	ErrRawSizeMismatch  = errors.New("tensor: raw data length mismatch")
)

// NewMat allocates a zero-initialised float32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  F32,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing float32 data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  F32,
		Data:   data,
	}
}

// NewMatFromRaw creates a matrix backed by raw bytes in the provided dtype.
// The raw slice must contain exactly r*c elements in row-major layout.
func NewMatFromRaw(r, c int, dtype DType, raw []byte) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, ErrNegativeDim
	}
	elemSize := dtype.ElemSize()
	if elemSize == 0 {
		return Mat{}, ErrUnsupportedDType
	}
	want := r * c
	if r != 0 && want/r != c {
		return Mat{}, ErrMatTooLarge
	}
	wantBytes := want * elemSize
	if want != 0 && wantBytes/want != elemSize {
		return Mat{}, ErrMatTooLarge
	}
	if len(raw) != wantBytes {
		return Mat{}, ErrRawSizeMismatch
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  dtype,
		Raw:    raw,
	}, nil
}

// Row returns the i-th row. For f32 mats this is a view: modifications to
// the returned slice update the underlying matrix. For raw-backed mats a
// freshly decoded copy is returned.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if m.Raw == nil || m.DType == F32 {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	start := i * m.Stride
	if m.Raw == nil || m.DType == F32 {
		copy(dst[:m.C], m.Data[start:start+m.C])
		return
	}
	decodeRange(dst, m.DType, m.Raw, start*m.DType.ElemSize(), m.C)
}

// At returns the element at row i, column j.
func (m *Mat) At(i, j int) float32 {
	if j < 0 || j >= m.C {
		panic("column index out of range")
	}
	if m.Raw == nil || m.DType == F32 {
		return m.Data[i*m.Stride+j]
	}
	var v [1]float32
	decodeRange(v[:], m.DType, m.Raw, (i*m.Stride+j)*m.DType.ElemSize(), 1)
	return v[0]
}

// Clone returns a deep copy of the matrix.
func (m *Mat) Clone() Mat {
	out := *m
	if m.Data != nil {
		out.Data = make([]float32, len(m.Data))
		copy(out.Data, m.Data)
	}
	if m.Raw != nil {
		out.Raw = make([]byte, len(m.Raw))
		copy(out.Raw, m.Raw)
	}
	return out
}

// F32 returns a freshly allocated float32 copy of the matrix values,
// decoding raw-backed storage along the way.
func (m *Mat) F32() []float32 {
	out := make([]float32, m.R*m.C)
	if m.Raw == nil || m.DType == F32 {
		for i := 0; i < m.R; i++ {
			copy(out[i*m.C:(i+1)*m.C], m.Data[i*m.Stride:i*m.Stride+m.C])
		}
		return out
	}
	for i := 0; i < m.R; i++ {
		decodeRange(out[i*m.C:(i+1)*m.C], m.DType, m.Raw, i*m.Stride*m.DType.ElemSize(), m.C)
	}
	return out
}

// SetF32 writes src back into the matrix in its own dtype. src must hold
// exactly R*C values in row-major order.
func (m *Mat) SetF32(src []float32) {
	if len(src) != m.R*m.C {
		panic("data length mismatch")
	}
	if m.Raw == nil || m.DType == F32 {
		for i := 0; i < m.R; i++ {
			copy(m.Data[i*m.Stride:i*m.Stride+m.C], src[i*m.C:(i+1)*m.C])
		}
		return
	}
	es := m.DType.ElemSize()
	for i := 0; i < m.R; i++ {
		encodeRaw(m.Raw[i*m.Stride*es:], m.DType, src[i*m.C:(i+1)*m.C])
	}
}

// FillRand fills the matrix with reproducible pseudo-random values in a
// small range around zero. The seed controls the random sequence; multiple
// calls with the same seed produce identical matrices.
func FillRand(m *Mat, seed int64) {
	if m.Raw != nil && m.DType != F32 {
		panic("FillRand only supports f32 mats")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
	}
}

// FillNormal fills the matrix with zero-mean Gaussian noise of the given
// standard deviation.
func FillNormal(m *Mat, seed int64, std float64) {
	if m.Raw != nil && m.DType != F32 {
		panic("FillNormal only supports f32 mats")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = float32(rng.NormFloat64() * std)
	}
}
