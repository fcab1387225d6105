package vblora

import (
	"math/rand"

	"github.com/samcharles93/vblora/internal/tensor"
)

// dropout implements inverted dropout over a matrix. A nil dropout (the
// p == 0 case) passes the input through untouched.
type dropout struct {
	p   float32
	rng *rand.Rand
}

func newDropout(p float64, seed int64) *dropout {
	if p <= 0 {
		return nil
	}
	return &dropout{p: float32(p), rng: rand.New(rand.NewSource(seed))}
}

// apply returns x with elements dropped and survivors scaled by 1/(1-p).
// Outside training mode the input is returned unchanged.
func (d *dropout) apply(x *tensor.Mat, training bool) *tensor.Mat {
	if d == nil || !training {
		return x
	}
	out := tensor.NewMat(x.R, x.C)
	inv := 1 / (1 - d.p)
	for i := 0; i < x.R; i++ {
		src := x.Data[i*x.Stride : i*x.Stride+x.C]
		dst := out.Data[i*out.Stride : i*out.Stride+out.C]
		for j, v := range src {
			if d.rng.Float32() >= d.p {
				dst[j] = v * inv
			}
		}
	}
	return &out
}
