package vblora

import (
	"math"
	"math/rand"
)

// Logits is one adapter's selection-logit block with shape
// [tiles, rank, numVectors], stored flat in row-major order. Each
// (tile, rank) position holds one score per bank vector.
type Logits struct {
	Tiles      int
	Rank       int
	NumVectors int
	Data       []float32
}

func NewLogits(tiles, rank, numVectors int) *Logits {
	return &Logits{
		Tiles:      tiles,
		Rank:       rank,
		NumVectors: numVectors,
		Data:       make([]float32, tiles*rank*numVectors),
	}
}

// Row returns a view of the logit row at (tile, rank).
func (l *Logits) Row(tile, rank int) []float32 {
	off := (tile*l.Rank + rank) * l.NumVectors
	return l.Data[off : off+l.NumVectors]
}

// InitNormal fills the block with zero-mean Gaussian noise of the given
// standard deviation.
func (l *Logits) InitNormal(rng *rand.Rand, std float64) {
	for i := range l.Data {
		l.Data[i] = float32(rng.NormFloat64() * std)
	}
}

// PackedLogits is the compact form used when only the top-k logits are
// persisted (save_topk_logits): per (tile, rank) row, the indices and
// values of the k highest-scoring bank vectors, largest first.
type PackedLogits struct {
	Tiles      int
	Rank       int
	NumVectors int
	TopK       int
	Indices    []int32
	Values     []float32
}

// PackTopK reduces the block to its per-row top-k entries.
func (l *Logits) PackTopK(topk int) *PackedLogits {
	p := &PackedLogits{
		Tiles:      l.Tiles,
		Rank:       l.Rank,
		NumVectors: l.NumVectors,
		TopK:       topk,
		Indices:    make([]int32, 0, l.Tiles*l.Rank*topk),
		Values:     make([]float32, 0, l.Tiles*l.Rank*topk),
	}
	idx := make([]int32, 0, topk+1)
	val := make([]float32, 0, topk+1)
	for t := 0; t < l.Tiles; t++ {
		for j := 0; j < l.Rank; j++ {
			idx, val = topKRow(l.Row(t, j), topk, idx, val)
			p.Indices = append(p.Indices, idx...)
			p.Values = append(p.Values, val...)
		}
	}
	return p
}

// Unpack reconstructs a full logit block. Unselected slots are filled with
// -Inf, so the rebuilt block selects and weighs exactly the stored entries.
func (p *PackedLogits) Unpack() *Logits {
	l := NewLogits(p.Tiles, p.Rank, p.NumVectors)
	negInf := float32(math.Inf(-1))
	for i := range l.Data {
		l.Data[i] = negInf
	}
	rows := p.Tiles * p.Rank
	for r := 0; r < rows; r++ {
		row := l.Data[r*p.NumVectors : (r+1)*p.NumVectors]
		for s := 0; s < p.TopK; s++ {
			row[p.Indices[r*p.TopK+s]] = p.Values[r*p.TopK+s]
		}
	}
	return l
}
