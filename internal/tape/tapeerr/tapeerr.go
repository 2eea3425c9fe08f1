// Package tapeerr defines the sentinel errors the tape engine returns for
// its fatal-for-the-call conditions. None of these are recoverable for
// the operation that raised them, but none leave the tape itself in a
// bad state — callers simply stop using the offending index.
package tapeerr

import "errors"

var (
	// ErrUnknownNode is returned when an Idx is looked up that is not
	// present in the node store.
	ErrUnknownNode = errors.New("tape: unknown node")

	// ErrUseAfterFree is returned by DecRef when called on a node whose
	// reference count is already zero.
	ErrUseAfterFree = errors.New("tape: use after free")

	// ErrNoGradient is returned by Gradient or SetGradient when called
	// on the null index 0 — the caller never marked a dependency as
	// requiring gradient.
	ErrNoGradient = errors.New("tape: no gradient requested for this node")

	// ErrPrefixUnderflow is returned by PopPrefix when the prefix stack
	// is already empty.
	ErrPrefixUnderflow = errors.New("tape: prefix stack underflow")
)
