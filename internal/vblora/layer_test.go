package vblora

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/vblora/internal/tensor"
)

func closeEnough(t *testing.T, got, want, tol float32) {
	t.Helper()
	diff := float64(got - want)
	if math.Abs(diff) > float64(tol)*math.Max(1, math.Abs(float64(want))) {
		t.Fatalf("got %v, want %v (tol %v)", got, want, tol)
	}
}

func closeEnoughSlice(t *testing.T, got, want []float32, tol float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range got {
		closeEnough(t, got[i], want[i], tol)
	}
}

func testBank(t *testing.T, nv, vl int) *tensor.Mat {
	t.Helper()
	b := NewVectorBank(nv, vl)
	tensor.FillRand(b, 7)
	return b
}

func testLinear(t *testing.T, in, out int) *Linear {
	t.Helper()
	base := NewDense(in, out)
	tensor.FillRand(&base.W, 3)
	return NewLinear(base, false, nil)
}

func TestUpdateLayerValidation(t *testing.T) {
	cases := []struct {
		name               string
		r, topk, nv, vl    int
		dropout            float64
		bankRows, bankCols int
	}{
		{name: "zero rank", r: 0, topk: 2, nv: 8, vl: 4, bankRows: 8, bankCols: 4},
		{name: "zero topk", r: 2, topk: 0, nv: 8, vl: 4, bankRows: 8, bankCols: 4},
		{name: "topk exceeds bank", r: 2, topk: 9, nv: 8, vl: 4, bankRows: 8, bankCols: 4},
		{name: "zero vector length", r: 2, topk: 2, nv: 8, vl: 0, bankRows: 8, bankCols: 4},
		{name: "in not divisible", r: 2, topk: 2, nv: 8, vl: 5, bankRows: 8, bankCols: 5},
		{name: "dropout too high", r: 2, topk: 2, nv: 8, vl: 4, dropout: 1.0, bankRows: 8, bankCols: 4},
		{name: "bank shape mismatch", r: 2, topk: 2, nv: 8, vl: 4, bankRows: 16, bankCols: 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := testLinear(t, 8, 12)
			bank := testBank(t, tc.bankRows, tc.bankCols)
			err := l.UpdateLayer("default", bank, tc.r, tc.topk, tc.nv, tc.vl, tc.dropout, true)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("want ErrInvalidConfig, got %v", err)
			}
			if len(l.Adapters()) != 0 {
				t.Fatalf("failed attach must not register the adapter")
			}
		})
	}
}

func TestUpdateLayerNilBankOnFreshLayer(t *testing.T) {
	l := testLinear(t, 8, 12)
	err := l.UpdateLayer("default", nil, 2, 2, 8, 4, 0, true)
	if !errors.Is(err, ErrEmptyVectorBank) {
		t.Fatalf("want ErrEmptyVectorBank, got %v", err)
	}
}

func TestUpdateLayerShapes(t *testing.T) {
	in, out, vl, r, nv := 256, 256, 64, 4, 16
	l := testLinear(t, in, out)
	if err := l.UpdateLayer("default", testBank(t, nv, vl), r, 2, nv, vl, 0, true); err != nil {
		t.Fatalf("UpdateLayer: %v", err)
	}
	la, lb, ok := l.Logits("default")
	if !ok {
		t.Fatalf("adapter not registered")
	}
	if la.Tiles != in/vl || la.Rank != r || la.NumVectors != nv {
		t.Fatalf("logits_A shape [%d %d %d], want [%d %d %d]", la.Tiles, la.Rank, la.NumVectors, in/vl, r, nv)
	}
	if lb.Tiles != out/vl || lb.Rank != r || lb.NumVectors != nv {
		t.Fatalf("logits_B shape [%d %d %d], want [%d %d %d]", lb.Tiles, lb.Rank, lb.NumVectors, out/vl, r, nv)
	}
	delta, err := l.GetDeltaWeight("default")
	if err != nil {
		t.Fatalf("GetDeltaWeight: %v", err)
	}
	if delta.R != out || delta.C != in {
		t.Fatalf("delta shape [%d %d], want [%d %d]", delta.R, delta.C, out, in)
	}
}

func TestDeltaWeightNonSquare(t *testing.T) {
	l := testLinear(t, 8, 12)
	if err := l.UpdateLayer("default", testBank(t, 6, 4), 2, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer: %v", err)
	}
	delta, err := l.GetDeltaWeight("default")
	if err != nil {
		t.Fatalf("GetDeltaWeight: %v", err)
	}
	if delta.R != 12 || delta.C != 8 {
		t.Fatalf("delta shape [%d %d], want [12 8]", delta.R, delta.C)
	}
}

func TestDeltaWeightFanInFanOut(t *testing.T) {
	base := NewTransposedDense(8, 12)
	tensor.FillRand(&base.W, 3)
	l := NewLinear(base, true, nil)
	if err := l.UpdateLayer("default", testBank(t, 6, 4), 2, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer: %v", err)
	}
	delta, err := l.GetDeltaWeight("default")
	if err != nil {
		t.Fatalf("GetDeltaWeight: %v", err)
	}
	if delta.R != 8 || delta.C != 12 {
		t.Fatalf("delta shape [%d %d], want [8 12]", delta.R, delta.C)
	}
}

func TestMergeUnmergeRoundTrip(t *testing.T) {
	l := testLinear(t, 16, 12)
	if err := l.UpdateLayer("default", testBank(t, 6, 4), 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer: %v", err)
	}
	before := l.base.Weight().Clone()

	if err := l.Merge(false, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !l.Merged() {
		t.Fatalf("layer must report merged")
	}
	if got := l.MergedAdapters(); len(got) != 1 || got[0] != "default" {
		t.Fatalf("ledger %v, want [default]", got)
	}
	l.Unmerge()
	if l.Merged() {
		t.Fatalf("layer must report unmerged")
	}
	closeEnoughSlice(t, l.base.Weight().Data, before.Data, 1e-5)
}

func TestMergeChangesForwardPathNotResult(t *testing.T) {
	l := testLinear(t, 16, 12)
	if err := l.UpdateLayer("default", testBank(t, 6, 4), 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer: %v", err)
	}
	x := tensor.NewMat(4, 16)
	tensor.FillRand(&x, 11)

	unmerged := l.Forward(&x)
	if err := l.Merge(false, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	merged := l.Forward(&x)
	closeEnoughSlice(t, merged.Data, unmerged.Data, 1e-4)
}

func TestMergeAlreadyMergedIsNoop(t *testing.T) {
	l := testLinear(t, 16, 12)
	if err := l.UpdateLayer("default", testBank(t, 6, 4), 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer: %v", err)
	}
	if err := l.Merge(false, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	after := l.base.Weight().Clone()
	if err := l.Merge(false, nil); err != nil {
		t.Fatalf("second Merge: %v", err)
	}
	if got := l.MergedAdapters(); len(got) != 1 {
		t.Fatalf("ledger %v, want a single entry", got)
	}
	for i, v := range l.base.Weight().Data {
		if v != after.Data[i] {
			t.Fatalf("repeated merge altered the weight at %d", i)
		}
	}
}

func TestMergeUnknownAdapterSkipped(t *testing.T) {
	l := testLinear(t, 16, 12)
	if err := l.UpdateLayer("default", testBank(t, 6, 4), 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer: %v", err)
	}
	before := l.base.Weight().Clone()
	if err := l.Merge(false, []string{"ghost"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if l.Merged() {
		t.Fatalf("unknown adapter must not reach the ledger")
	}
	for i, v := range l.base.Weight().Data {
		if v != before.Data[i] {
			t.Fatalf("unknown adapter altered the weight at %d", i)
		}
	}
}

func TestSafeMergeRejectsNonFinite(t *testing.T) {
	l := testLinear(t, 16, 12)
	bank := testBank(t, 6, 4)
	bank.Data[0] = float32(math.NaN())
	if err := l.UpdateLayer("default", bank, 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer: %v", err)
	}
	before := l.base.Weight().Clone()
	err := l.Merge(true, nil)
	if !errors.Is(err, ErrNonFiniteMerge) {
		t.Fatalf("want ErrNonFiniteMerge, got %v", err)
	}
	if l.Merged() {
		t.Fatalf("failed merge must not reach the ledger")
	}
	for i, v := range l.base.Weight().Data {
		if math.Float32bits(v) != math.Float32bits(before.Data[i]) {
			t.Fatalf("failed safe merge altered the weight at %d", i)
		}
	}
}

func TestUnmergeWhenUnmergedIsNoop(t *testing.T) {
	l := testLinear(t, 16, 12)
	if err := l.UpdateLayer("default", testBank(t, 6, 4), 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer: %v", err)
	}
	before := l.base.Weight().Clone()
	l.Unmerge()
	for i, v := range l.base.Weight().Data {
		if v != before.Data[i] {
			t.Fatalf("no-op unmerge altered the weight at %d", i)
		}
	}
}

func TestUnmergeIsLIFO(t *testing.T) {
	l := testLinear(t, 16, 12)
	bank := testBank(t, 6, 4)
	if err := l.UpdateLayer("first", bank, 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer first: %v", err)
	}
	if err := l.UpdateLayer("second", nil, 2, 1, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer second: %v", err)
	}
	before := l.base.Weight().Clone()
	if err := l.Merge(false, []string{"first", "second"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := l.MergedAdapters(); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("ledger %v, want [first second]", got)
	}
	l.Unmerge()
	if l.Merged() {
		t.Fatalf("unmerge must drain the ledger")
	}
	closeEnoughSlice(t, l.base.Weight().Data, before.Data, 1e-5)
}

func TestForwardDisabledBypassesAdapters(t *testing.T) {
	l := testLinear(t, 16, 12)
	if err := l.UpdateLayer("default", testBank(t, 6, 4), 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer: %v", err)
	}
	x := tensor.NewMat(4, 16)
	tensor.FillRand(&x, 11)
	want := l.base.Apply(&x)

	l.DisableAdapters()
	got := l.Forward(&x)
	closeEnoughSlice(t, got.Data, want.Data, 0)

	// A merged layer unmerges itself before serving the disabled path.
	l.EnableAdapters()
	if err := l.Merge(false, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	l.DisableAdapters()
	got = l.Forward(&x)
	if l.Merged() {
		t.Fatalf("disabled forward must unmerge first")
	}
	closeEnoughSlice(t, got.Data, want.Data, 1e-4)
}

func TestForwardSumsActiveAdapters(t *testing.T) {
	l := testLinear(t, 16, 12)
	bank := testBank(t, 6, 4)
	if err := l.UpdateLayer("first", bank, 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer first: %v", err)
	}
	if err := l.UpdateLayer("second", nil, 2, 1, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer second: %v", err)
	}
	l.SetAdapter("first", "second")

	x := tensor.NewMat(4, 16)
	tensor.FillRand(&x, 11)
	unmerged := l.Forward(&x)

	if err := l.Merge(false, []string{"first", "second"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	merged := l.Forward(&x)
	closeEnoughSlice(t, merged.Data, unmerged.Data, 1e-4)
}

func TestForwardInactiveAdapterIgnored(t *testing.T) {
	l := testLinear(t, 16, 12)
	bank := testBank(t, 6, 4)
	if err := l.UpdateLayer("first", bank, 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer first: %v", err)
	}
	if err := l.UpdateLayer("second", nil, 2, 1, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer second: %v", err)
	}
	x := tensor.NewMat(4, 16)
	tensor.FillRand(&x, 11)

	l.SetAdapter("second")
	only := l.Forward(&x)
	if err := l.Merge(false, []string{"second"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	merged := l.Forward(&x)
	closeEnoughSlice(t, merged.Data, only.Data, 1e-4)
}

func TestForwardCastsBackToInputDType(t *testing.T) {
	l := testLinear(t, 16, 12)
	if err := l.UpdateLayer("default", testBank(t, 6, 4), 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer: %v", err)
	}
	xf := tensor.NewMat(2, 16)
	tensor.FillRand(&xf, 11)
	want := l.Forward(&xf)

	xh, err := tensor.NewMatFromRaw(2, 16, tensor.F16, tensor.EncodeF32(tensor.F16, xf.Data))
	if err != nil {
		t.Fatalf("NewMatFromRaw: %v", err)
	}
	got := l.Forward(&xh)
	if got.DType != tensor.F16 {
		t.Fatalf("output dtype %v, want f16", got.DType)
	}
	closeEnoughSlice(t, got.F32(), want.Data, 2e-2)
}

func TestForwardHalfPrecisionWeightMergeRoundTrip(t *testing.T) {
	w := tensor.NewMat(12, 16)
	tensor.FillRand(&w, 3)
	raw, err := tensor.NewMatFromRaw(12, 16, tensor.BF16, tensor.EncodeF32(tensor.BF16, w.Data))
	if err != nil {
		t.Fatalf("NewMatFromRaw: %v", err)
	}
	l := NewLinear(&Dense{W: raw}, false, nil)
	if err := l.UpdateLayer("default", testBank(t, 6, 4), 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer: %v", err)
	}
	before := l.base.Weight().F32()
	if err := l.Merge(false, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	l.Unmerge()
	// bf16 storage rounds on every fold, so the tolerance is loose.
	closeEnoughSlice(t, l.base.Weight().F32(), before, 5e-2)
}

func TestForwardTrainingDropout(t *testing.T) {
	l := testLinear(t, 16, 12)
	if err := l.UpdateLayer("default", testBank(t, 6, 4), 3, 2, 6, 4, 0.5, true); err != nil {
		t.Fatalf("UpdateLayer: %v", err)
	}
	x := tensor.NewMat(4, 16)
	tensor.FillRand(&x, 11)

	eval := l.Forward(&x)
	l.SetTraining(true)
	train := l.Forward(&x)

	same := true
	for i := range eval.Data {
		if eval.Data[i] != train.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("training dropout produced the evaluation output")
	}

	// Evaluation mode ignores dropout entirely.
	l.SetTraining(false)
	again := l.Forward(&x)
	closeEnoughSlice(t, again.Data, eval.Data, 0)
}

func TestSharedBankAliasing(t *testing.T) {
	l := testLinear(t, 16, 12)
	bank := testBank(t, 6, 4)
	if err := l.UpdateLayer("first", bank, 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer first: %v", err)
	}
	if err := l.UpdateLayer("second", nil, 2, 1, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer second: %v", err)
	}
	a, _ := l.Bank("first")
	b, _ := l.Bank("second")
	if a != b {
		t.Fatalf("adapters must alias one canonical bank")
	}
	if a != bank {
		t.Fatalf("first attach must install the supplied bank")
	}
}

func TestDeleteAdapter(t *testing.T) {
	l := testLinear(t, 16, 12)
	bank := testBank(t, 6, 4)
	if err := l.UpdateLayer("first", bank, 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer first: %v", err)
	}
	if err := l.UpdateLayer("second", nil, 2, 1, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer second: %v", err)
	}
	l.DeleteAdapter("first")
	if got := l.Adapters(); len(got) != 1 || got[0] != "second" {
		t.Fatalf("adapters %v, want [second]", got)
	}
	if _, _, ok := l.Logits("first"); ok {
		t.Fatalf("deleted adapter still has logits")
	}
	// The bank outlives the detached adapter.
	b, ok := l.Bank("second")
	if !ok || b != bank {
		t.Fatalf("shared bank must survive adapter deletion")
	}
}

func TestUpdateLayerReattachReplacesState(t *testing.T) {
	l := testLinear(t, 16, 12)
	bank := testBank(t, 6, 4)
	if err := l.UpdateLayer("default", bank, 3, 2, 6, 4, 0, true); err != nil {
		t.Fatalf("UpdateLayer: %v", err)
	}
	if err := l.UpdateLayer("default", nil, 2, 1, 6, 4, 0, true); err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if got := l.Adapters(); len(got) != 1 {
		t.Fatalf("adapters %v, want a single entry", got)
	}
	la, _, _ := l.Logits("default")
	if la.Rank != 2 {
		t.Fatalf("re-attach kept the old rank %d", la.Rank)
	}
}

func BenchmarkForwardUnmerged(b *testing.B) {
	base := NewDense(256, 256)
	tensor.FillRand(&base.W, 3)
	l := NewLinear(base, false, nil)
	bank := NewVectorBank(16, 64)
	tensor.FillRand(bank, 7)
	if err := l.UpdateLayer("default", bank, 4, 2, 16, 64, 0, true); err != nil {
		b.Fatalf("UpdateLayer: %v", err)
	}
	x := tensor.NewMat(8, 256)
	tensor.FillRand(&x, 11)
	for b.Loop() {
		l.Forward(&x)
	}
}
