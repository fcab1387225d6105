package vblora

import (
	"github.com/samcharles93/vblora/internal/tensor"
)

// BaseLayer is the frozen linear transform an adapter wraps. It is opaque
// to the adapter except for its weight storage, which merge and unmerge
// mutate in place. Apply expects an f32 input of shape [batch, in] and
// returns [batch, out].
type BaseLayer interface {
	Apply(x *tensor.Mat) tensor.Mat
	Weight() *tensor.Mat
	InFeatures() int
	OutFeatures() int
}

// Dense is a standard linear layer with weight shape [out, in]. The weight
// may be raw-backed (f16/bf16); rows are decoded per output feature.
type Dense struct {
	W    tensor.Mat
	Bias []float32
}

// NewDense allocates a zero-weight dense layer.
func NewDense(in, out int) *Dense {
	return &Dense{W: tensor.NewMat(out, in)}
}

func (d *Dense) InFeatures() int     { return d.W.C }
func (d *Dense) OutFeatures() int    { return d.W.R }
func (d *Dense) Weight() *tensor.Mat { return &d.W }

func (d *Dense) Apply(x *tensor.Mat) tensor.Mat {
	if x.C != d.W.C {
		panic("dense: input width mismatch")
	}
	if x.DType != tensor.F32 {
		panic("dense: input must be f32")
	}
	out := tensor.NewMat(x.R, d.W.R)
	wrow := make([]float32, d.W.C)
	for o := 0; o < d.W.R; o++ {
		d.W.RowTo(wrow, o)
		for i := 0; i < x.R; i++ {
			out.Data[i*out.Stride+o] = tensor.Dot(x.Data[i*x.Stride:i*x.Stride+x.C], wrow)
		}
	}
	if d.Bias != nil {
		for i := 0; i < out.R; i++ {
			tensor.Add(out.Data[i*out.Stride:i*out.Stride+out.C], d.Bias)
		}
	}
	return out
}

// TransposedDense is a linear layer that stores its weight fan-in-fan-out,
// shape [in, out] (the Conv1D convention in GPT-2 style models).
type TransposedDense struct {
	W    tensor.Mat
	Bias []float32
}

// NewTransposedDense allocates a zero-weight fan-in-fan-out layer.
func NewTransposedDense(in, out int) *TransposedDense {
	return &TransposedDense{W: tensor.NewMat(in, out)}
}

func (d *TransposedDense) InFeatures() int     { return d.W.R }
func (d *TransposedDense) OutFeatures() int    { return d.W.C }
func (d *TransposedDense) Weight() *tensor.Mat { return &d.W }

func (d *TransposedDense) Apply(x *tensor.Mat) tensor.Mat {
	if x.C != d.W.R {
		panic("transposed dense: input width mismatch")
	}
	if x.DType != tensor.F32 {
		panic("transposed dense: input must be f32")
	}
	out := tensor.NewMat(x.R, d.W.C)
	wrow := make([]float32, d.W.C)
	for k := 0; k < d.W.R; k++ {
		d.W.RowTo(wrow, k)
		for i := 0; i < x.R; i++ {
			xv := x.Data[i*x.Stride+k]
			if xv == 0 {
				continue
			}
			orow := out.Data[i*out.Stride : i*out.Stride+out.C]
			for j, wv := range wrow {
				orow[j] += xv * wv
			}
		}
	}
	if d.Bias != nil {
		for i := 0; i < out.R; i++ {
			tensor.Add(out.Data[i*out.Stride:i*out.Stride+out.C], d.Bias)
		}
	}
	return out
}
