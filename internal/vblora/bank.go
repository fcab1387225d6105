package vblora

import (
	"fmt"

	"github.com/samcharles93/vblora/internal/tensor"
)

// NewVectorBank allocates a zero-initialised bank of numVectors learnable
// vectors of dimension vectorLength.
func NewVectorBank(numVectors, vectorLength int) *tensor.Mat {
	m := tensor.NewMat(numVectors, vectorLength)
	return &m
}

// BankStore hands out the shared vector bank to every adapter attached to
// a layer. All entries alias one canonical Mat; the bank is never copied
// per adapter and never freed on detach. Teardown is the owning
// framework's decision.
type BankStore struct {
	entries map[string]*tensor.Mat
	order   []string
}

func NewBankStore() *BankStore {
	return &BankStore{entries: make(map[string]*tensor.Mat)}
}

// Attach binds name to the store's bank and returns the shared storage.
// A supplied bank becomes the canonical instance when the store is empty;
// otherwise the existing storage is aliased and the argument is ignored.
// Attaching with no bank to an empty store returns ErrEmptyVectorBank:
// the caller is expected to seed the first adapter.
func (s *BankStore) Attach(name string, bank *tensor.Mat) (*tensor.Mat, error) {
	if b, ok := s.entries[name]; ok {
		return b, nil
	}
	var b *tensor.Mat
	switch {
	case len(s.order) > 0:
		b = s.entries[s.order[0]]
		if bank != nil && bank.C != b.C {
			return nil, fmt.Errorf("%w: vector_length %d does not match shared bank %d", ErrInvalidConfig, bank.C, b.C)
		}
	case bank != nil:
		b = bank
	default:
		return nil, ErrEmptyVectorBank
	}
	s.entries[name] = b
	s.order = append(s.order, name)
	return b, nil
}

// Get returns the bank bound to name.
func (s *BankStore) Get(name string) (*tensor.Mat, bool) {
	b, ok := s.entries[name]
	return b, ok
}

// Detach removes name's binding. The underlying bank stays alive as long
// as any other adapter references it, and the store keeps the canonical
// instance reachable through the remaining entries.
func (s *BankStore) Detach(name string) {
	if _, ok := s.entries[name]; !ok {
		return
	}
	delete(s.entries, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of attached adapter names.
func (s *BankStore) Len() int { return len(s.entries) }
