package vblora

import "errors"

var (
	// ErrInvalidConfig covers non-positive r/topk, a topk larger than the
	// bank, and feature dimensions the vector length does not tile.
	ErrInvalidConfig = errors.New("invalid adapter configuration")
	// ErrEmptyVectorBank is returned when an adapter is attached to a
	// layer whose bank store has no entries and no bank was supplied.
	ErrEmptyVectorBank = errors.New("vector bank is empty")
	// ErrNonFiniteMerge is returned by a safe merge when the candidate
	// weights contain NaN or Inf values. The base weight is untouched.
	ErrNonFiniteMerge = errors.New("non-finite values in merged weights")
)
