package vblora

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/samcharles93/vblora/internal/logger"
	"github.com/samcharles93/vblora/internal/tensor"
)

const initLogitsStd = 0.01

// adapterState holds everything one named adapter owns on a layer.
type adapterState struct {
	r       int
	topk    int
	logitsA *Logits
	logitsB *Logits
	drop    *dropout
}

// Linear wraps a frozen BaseLayer with vector-bank low-rank adapters.
// Adapters are keyed by name and iterated in attach order, so summation
// across multiple active adapters is reproducible.
//
// A Linear is not safe for concurrent use: merge, unmerge and forward read
// or mutate the base weight without synchronisation, and callers must
// serialise access per layer. Independent layers may run in parallel.
type Linear struct {
	base        BaseLayer
	fanInFanOut bool
	log         logger.Logger
	rng         *rand.Rand

	adapters map[string]*adapterState
	order    []string
	active   []string
	banks    *BankStore
	disabled bool
	training bool
	merged   []string // merge ledger, LIFO
}

// NewLinear wraps base. fanInFanOut declares that the base stores its
// weight as [in, out] (TransposedDense) rather than the standard [out, in];
// the choice is made once here and never re-dispatched per call.
func NewLinear(base BaseLayer, fanInFanOut bool, log logger.Logger) *Linear {
	if log == nil {
		log = logger.Default()
	}
	return &Linear{
		base:        base,
		fanInFanOut: fanInFanOut,
		log:         log,
		rng:         rand.New(rand.NewSource(1)),
		adapters:    make(map[string]*adapterState),
		banks:       NewBankStore(),
	}
}

// Seed re-seeds the source used for logit initialisation and dropout masks.
func (l *Linear) Seed(seed int64) {
	l.rng = rand.New(rand.NewSource(seed))
}

func (l *Linear) InFeatures() int  { return l.base.InFeatures() }
func (l *Linear) OutFeatures() int { return l.base.OutFeatures() }

// Base returns the wrapped layer.
func (l *Linear) Base() BaseLayer { return l.base }

// Adapters returns the attached adapter names in attach order.
func (l *Linear) Adapters() []string { return slices.Clone(l.order) }

// ActiveAdapters returns the names the forward pass currently sums over.
func (l *Linear) ActiveAdapters() []string { return slices.Clone(l.active) }

// SetAdapter selects the active adapter names.
func (l *Linear) SetAdapter(names ...string) { l.active = slices.Clone(names) }

// EnableAdapters re-enables adapter contributions.
func (l *Linear) EnableAdapters() { l.disabled = false }

// DisableAdapters bypasses all adapter contributions. A merged layer is
// unmerged on the next forward call so the base output is genuinely
// unadapted.
func (l *Linear) DisableAdapters() { l.disabled = true }

// SetTraining toggles training mode, which controls dropout.
func (l *Linear) SetTraining(v bool) { l.training = v }

// Merged reports whether any adapter is folded into the base weight.
func (l *Linear) Merged() bool { return len(l.merged) > 0 }

// MergedAdapters returns the merge ledger, oldest first.
func (l *Linear) MergedAdapters() []string { return slices.Clone(l.merged) }

// Bank returns the shared vector bank bound to name.
func (l *Linear) Bank(name string) (*tensor.Mat, bool) { return l.banks.Get(name) }

// Logits returns the selection-logit blocks for name.
func (l *Linear) Logits(name string) (a, b *Logits, ok bool) {
	st, ok := l.adapters[name]
	if !ok {
		return nil, nil, false
	}
	return st.logitsA, st.logitsB, true
}

// UpdateLayer attaches (or re-attaches) the named adapter. bank is the
// shared vector bank with shape [numVectors, vectorLength]; it may be nil
// when another adapter already seeded this layer's bank store. When
// initWeights is set the logits are filled with Gaussian noise of standard
// deviation 0.01, otherwise they stay zero (the loading path, where stored
// values are written afterwards). All validation is eager: misconfiguration
// fails here, not inside a forward pass.
func (l *Linear) UpdateLayer(name string, bank *tensor.Mat, r, topk, numVectors, vectorLength int, dropoutP float64, initWeights bool) error {
	in, out := l.base.InFeatures(), l.base.OutFeatures()
	switch {
	case r <= 0:
		return fmt.Errorf("%w: r %d must be a positive integer", ErrInvalidConfig, r)
	case topk <= 0:
		return fmt.Errorf("%w: topk %d must be a positive integer", ErrInvalidConfig, topk)
	case topk > numVectors:
		return fmt.Errorf("%w: topk %d exceeds num_vectors %d", ErrInvalidConfig, topk, numVectors)
	case vectorLength <= 0:
		return fmt.Errorf("%w: vector_length %d must be a positive integer", ErrInvalidConfig, vectorLength)
	case in%vectorLength != 0:
		return fmt.Errorf("%w: in_features %d must be divisible by vector_length %d", ErrInvalidConfig, in, vectorLength)
	case out%vectorLength != 0:
		return fmt.Errorf("%w: out_features %d must be divisible by vector_length %d", ErrInvalidConfig, out, vectorLength)
	case dropoutP < 0 || dropoutP >= 1:
		return fmt.Errorf("%w: vblora_dropout %g must be in [0,1)", ErrInvalidConfig, dropoutP)
	}
	if bank != nil && (bank.R != numVectors || bank.C != vectorLength) {
		return fmt.Errorf("%w: bank shape [%d %d] does not match num_vectors %d, vector_length %d",
			ErrInvalidConfig, bank.R, bank.C, numVectors, vectorLength)
	}

	shared, err := l.banks.Attach(name, bank)
	if err != nil {
		return err
	}
	if shared.C != vectorLength {
		return fmt.Errorf("%w: shared bank vector_length %d does not match %d", ErrInvalidConfig, shared.C, vectorLength)
	}

	st := &adapterState{
		r:       r,
		topk:    topk,
		logitsA: NewLogits(in/vectorLength, r, numVectors),
		logitsB: NewLogits(out/vectorLength, r, numVectors),
		drop:    newDropout(dropoutP, l.rng.Int63()),
	}
	if initWeights {
		st.logitsA.InitNormal(l.rng, initLogitsStd)
		st.logitsB.InitNormal(l.rng, initLogitsStd)
	}

	if _, ok := l.adapters[name]; !ok {
		l.order = append(l.order, name)
	}
	l.adapters[name] = st
	if len(l.active) == 0 {
		l.active = []string{name}
	}
	return nil
}

// DeleteAdapter detaches the named adapter and destroys its state. Callers
// should unmerge first: a merged adapter that is deleted leaves its
// contribution folded into the base weight.
func (l *Linear) DeleteAdapter(name string) {
	if _, ok := l.adapters[name]; !ok {
		return
	}
	delete(l.adapters, name)
	l.banks.Detach(name)
	if i := slices.Index(l.order, name); i >= 0 {
		l.order = slices.Delete(l.order, i, i+1)
	}
	if i := slices.Index(l.active, name); i >= 0 {
		l.active = slices.Delete(l.active, i, i+1)
	}
}

// GetDeltaWeight computes the dense additive correction for the named
// adapter. The shape matches the base weight: [out, in] for standard
// layers, [in, out] under fan-in-fan-out.
func (l *Linear) GetDeltaWeight(name string) (tensor.Mat, error) {
	st, ok := l.adapters[name]
	if !ok {
		return tensor.Mat{}, fmt.Errorf("unknown adapter %q", name)
	}
	bank, _ := l.banks.Get(name)
	return deltaWeight(st.logitsA, st.logitsB, bank, st.topk, l.fanInFanOut), nil
}

// Merge folds the resolved adapters' delta weights into the base weight
// and pushes their names onto the merge ledger. adapterNames defaults to
// the active set; names without registered state are skipped silently so
// a sweep over many layers can request adapters that only exist elsewhere.
//
// With safeMerge the candidate weight is built in a scratch copy and
// checked for NaN/Inf before commit; on failure the base weight is left
// bit-identical and ErrNonFiniteMerge is returned.
func (l *Linear) Merge(safeMerge bool, adapterNames []string) error {
	names := l.adaptersToMerge(adapterNames)
	if len(names) == 0 {
		return nil
	}
	for _, name := range names {
		st, ok := l.adapters[name]
		if !ok {
			continue
		}
		bank, _ := l.banks.Get(name)
		delta := deltaWeight(st.logitsA, st.logitsB, bank, st.topk, l.fanInFanOut)
		w := l.base.Weight()
		switch {
		case safeMerge:
			cand := w.F32()
			tensor.Add(cand, delta.Data)
			if !tensor.AllFinite(cand) {
				return fmt.Errorf("%w: adapter %q appears to be broken", ErrNonFiniteMerge, name)
			}
			w.SetF32(cand)
		case w.DType == tensor.F32:
			tensor.Add(w.Data, delta.Data)
		default:
			vals := w.F32()
			tensor.Add(vals, delta.Data)
			w.SetF32(vals)
		}
		l.merged = append(l.merged, name)
	}
	return nil
}

// Unmerge restores the base weight by subtracting every merged adapter's
// delta in reverse merge order. Calling it on an unmerged layer is a
// warning-level no-op.
func (l *Linear) Unmerge() {
	if !l.Merged() {
		l.log.Warn("already unmerged, nothing to do")
		return
	}
	for len(l.merged) > 0 {
		name := l.merged[len(l.merged)-1]
		l.merged = l.merged[:len(l.merged)-1]
		st, ok := l.adapters[name]
		if !ok {
			continue
		}
		bank, _ := l.banks.Get(name)
		delta := deltaWeight(st.logitsA, st.logitsB, bank, st.topk, l.fanInFanOut)
		w := l.base.Weight()
		if w.DType == tensor.F32 {
			tensor.Sub(w.Data, delta.Data)
		} else {
			vals := w.F32()
			tensor.Sub(vals, delta.Data)
			w.SetF32(vals)
		}
	}
}

// adaptersToMerge resolves the requested set against the ledger: nil
// defaults to the active adapters, and names already on the ledger are
// dropped with a warning.
func (l *Linear) adaptersToMerge(requested []string) []string {
	if requested == nil {
		requested = l.active
	}
	var out []string
	for _, name := range requested {
		if slices.Contains(l.merged, name) {
			l.log.Warn("adapter already merged, skipping", "adapter", name)
			continue
		}
		out = append(out, name)
	}
	return out
}

// Forward applies the wrapped layer and, when unmerged and enabled, adds
// every active adapter's low-rank correction computed fresh from the
// current logits and bank. The output is cast back to the input's dtype
// regardless of the float32 intermediate precision.
func (l *Linear) Forward(x *tensor.Mat) tensor.Mat {
	inDType := x.DType
	xf := upcastF32(x)

	if l.disabled {
		if l.Merged() {
			l.Unmerge()
		}
		return castTo(l.base.Apply(xf), inDType)
	}
	if l.Merged() {
		// The base weight already encodes the adapters.
		return castTo(l.base.Apply(xf), inDType)
	}

	out := l.base.Apply(xf)
	for _, name := range l.active {
		st, ok := l.adapters[name]
		if !ok {
			continue
		}
		bank, _ := l.banks.Get(name)
		A := factorA(st.logitsA, bank, st.topk) // [in, r]
		B := factorB(st.logitsB, bank, st.topk) // [r, out]
		xd := st.drop.apply(xf, l.training)
		mid := tensor.NewMat(xf.R, st.r)
		tensor.GemmPar(&mid, xd, &A, 1, 0, 0)
		tensor.GemmPar(&out, &mid, &B, 1, 1, 0)
	}
	return castTo(out, inDType)
}

func upcastF32(x *tensor.Mat) *tensor.Mat {
	if x.DType == tensor.F32 {
		return x
	}
	f := tensor.NewMatFromData(x.R, x.C, x.F32())
	return &f
}

func castTo(m tensor.Mat, d tensor.DType) tensor.Mat {
	if d == tensor.F32 {
		return m
	}
	out, err := tensor.NewMatFromRaw(m.R, m.C, d, tensor.EncodeF32(d, m.Data))
	if err != nil {
		panic(err) // shapes come from a valid f32 mat
	}
	return out
}
