package vblora

import (
	"github.com/samcharles93/vblora/internal/tensor"
)

// topKRow selects the k largest values of row and returns their indices
// and values, ordered from largest to smallest. The insertion keeps the
// earlier element on equal values, so ties break toward the lowest index.
// O(len(row)*k); k is small in practice. idx and val are reused backing
// slices.
func topKRow(row []float32, k int, idx []int32, val []float32) ([]int32, []float32) {
	idx = idx[:0]
	val = val[:0]
	for i, v := range row {
		pos := len(val)
		for pos > 0 && val[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		idx = append(idx, 0)
		val = append(val, 0)
		copy(idx[pos+1:], idx[pos:])
		copy(val[pos+1:], val[pos:])
		idx[pos] = int32(i)
		val[pos] = v

		if len(val) > k {
			idx = idx[:k]
			val = val[:k]
		}
	}
	return idx, val
}

// mixtureRows computes, for every (tile, rank) logit row, the
// softmax-weighted sum of the row's top-k bank vectors. The softmax runs
// over exactly the selected values, yielding a convex combination of the
// chosen vectors. Bank rows are decoded to float32 on access, which
// implements the upcast required for half-precision banks on CPU.
//
// visit receives the tile and rank indices together with the mixed vector;
// the slice is only valid for the duration of the call.
func mixtureRows(l *Logits, bank *tensor.Mat, topk int, visit func(tile, rank int, vec []float32)) {
	vl := bank.C
	vec := make([]float32, vl)
	bankRow := make([]float32, vl)
	idx := make([]int32, 0, topk+1)
	val := make([]float32, 0, topk+1)
	for t := 0; t < l.Tiles; t++ {
		for j := 0; j < l.Rank; j++ {
			idx, val = topKRow(l.Row(t, j), topk, idx, val)
			tensor.Softmax(val)
			for u := range vec {
				vec[u] = 0
			}
			for s, bi := range idx {
				bank.RowTo(bankRow, int(bi))
				w := val[s]
				for u, bv := range bankRow {
					vec[u] += w * bv
				}
			}
			visit(t, j, vec)
		}
	}
}

// factorA assembles the input-side factor: shape [tiles*vector_length, rank],
// row t*vl+u holding the u-th component of each rank's mixture for tile t.
func factorA(l *Logits, bank *tensor.Mat, topk int) tensor.Mat {
	vl := bank.C
	A := tensor.NewMat(l.Tiles*vl, l.Rank)
	mixtureRows(l, bank, topk, func(t, j int, vec []float32) {
		for u, v := range vec {
			A.Data[(t*vl+u)*A.Stride+j] = v
		}
	})
	return A
}

// factorB assembles the output-side factor: shape [rank, tiles*vector_length].
func factorB(l *Logits, bank *tensor.Mat, topk int) tensor.Mat {
	vl := bank.C
	B := tensor.NewMat(l.Rank, l.Tiles*vl)
	mixtureRows(l, bank, topk, func(t, j int, vec []float32) {
		copy(B.Data[j*B.Stride+t*vl:j*B.Stride+t*vl+vl], vec)
	})
	return B
}

// deltaWeight builds the dense additive correction for one adapter. The
// result matches the base weight layout: [out, in] for standard dense
// layers, [in, out] when the layer stores weights fan-in-fan-out.
func deltaWeight(la, lb *Logits, bank *tensor.Mat, topk int, fanInFanOut bool) tensor.Mat {
	A := factorA(la, bank, topk) // [in, r]
	B := factorB(lb, bank, topk) // [r, out]
	inOut := tensor.NewMat(A.R, B.C)
	tensor.GemmPar(&inOut, &A, &B, 1, 0, 0)
	if fanInFanOut {
		return inOut
	}
	out := tensor.NewMat(inOut.C, inOut.R)
	for i := 0; i < inOut.R; i++ {
		row := inOut.Row(i)
		for j, v := range row {
			out.Data[j*out.Stride+i] = v
		}
	}
	return out
}
