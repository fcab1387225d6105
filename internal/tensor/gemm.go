package tensor

import (
	"runtime"
)

// Adapter factor matrices are short and wide (or tall and thin), so a
// single K-blocked axpy kernel covers the shapes well. Tile size trades
// cache reuse of B rows against the beta pre-pass.
const gemmTileK = 32

type gemmTask struct {
	C, A, B     *Mat
	alpha, beta float32
	rs, re      int
	done        chan struct{}
}

type gemmPool struct {
	size      int
	tasks     chan gemmTask
	doneSlots chan chan struct{}
}

func newGemmPool() *gemmPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &gemmPool{
		size:      size,
		tasks:     make(chan gemmTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for w := 0; w < size; w++ {
		go func() {
			for task := range p.tasks {
				gemmRangeRows(task.C, task.A, task.B, task.alpha, task.beta, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var gemmWorkPool = newGemmPool()

// GemmPar computes the matrix product C = alpha*A*B + beta*C, parallelising
// across ranges of output rows. Only f32 mats are supported; raw-backed
// operands must be decoded first.
func GemmPar(C, A, B *Mat, alpha, beta float32, workers int) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("gemm: dimension mismatch")
	}
	if C.DType != F32 || A.DType != F32 || B.DType != F32 {
		panic("gemm: raw-backed mats are not supported")
	}
	if C.R == 0 || C.C == 0 {
		return
	}

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > C.R {
		workers = C.R
	}
	if workers > gemmWorkPool.size {
		workers = gemmWorkPool.size
	}
	if workers <= 1 {
		gemmRangeRows(C, A, B, alpha, beta, 0, C.R)
		return
	}

	chunk := (C.R + workers - 1) / workers
	dones := make([]chan struct{}, 0, workers)
	for rs := 0; rs < C.R; rs += chunk {
		re := min(rs+chunk, C.R)
		done := <-gemmWorkPool.doneSlots
		gemmWorkPool.tasks <- gemmTask{C: C, A: A, B: B, alpha: alpha, beta: beta, rs: rs, re: re, done: done}
		dones = append(dones, done)
	}
	for _, done := range dones {
		<-done
		gemmWorkPool.doneSlots <- done
	}
}

func gemmRangeRows(C, A, B *Mat, alpha, beta float32, rs, re int) {
	for i := rs; i < re; i++ {
		crow := C.Data[i*C.Stride : i*C.Stride+C.C]
		switch beta {
		case 0:
			for j := range crow {
				crow[j] = 0
			}
		case 1:
		default:
			for j := range crow {
				crow[j] *= beta
			}
		}
	}
	for k0 := 0; k0 < A.C; k0 += gemmTileK {
		k1 := min(k0+gemmTileK, A.C)
		for i := rs; i < re; i++ {
			arow := A.Data[i*A.Stride : i*A.Stride+A.C]
			crow := C.Data[i*C.Stride : i*C.Stride+C.C]
			for k := k0; k < k1; k++ {
				av := alpha * arow[k]
				if av == 0 {
					continue
				}
				brow := B.Data[k*B.Stride : k*B.Stride+B.C]
				for j := range brow {
					crow[j] += av * brow[j]
				}
			}
		}
	}
}
