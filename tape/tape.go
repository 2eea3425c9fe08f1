// Copyright 2025 tapecore authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tape provides the reverse-mode automatic differentiation
// engine: a reference-counted DAG of nodes and edges, built up by
// appending primitives as a forward computation runs and consumed by a
// reverse sweep that propagates gradients back to every producer a
// designated output depends on.
//
// A Tape is an explicit context object rather than a process-wide
// singleton — construct one per differentiation session and thread it
// through the code that builds the computation:
//
//	t := tape.New()
//	x := t.AppendLeaf(1)
//	y := t.Append1("square", 1, x, tapevalue.Scalar(2*xv))
//	t.SetGradient(y, tapevalue.Scalar(1))
//	t.Backward(false)
//	grad, _ := t.Gradient(x)
//
// This package re-exports the internal tape implementation so callers
// depend on a stable import path (github.com/matzehuels/tapecore/tape)
// instead of reaching into internal/tape directly.
package tape

import (
	internaltape "github.com/matzehuels/tapecore/internal/tape"
	"github.com/matzehuels/tapecore/internal/tape/tapeerr"
)

// Idx identifies a node on a Tape. The zero value means "no dependency."
type Idx = internaltape.Idx

// Tape is a reference-counted automatic-differentiation context.
type Tape = internaltape.Tape

// New creates an empty Tape with edge contraction enabled and logging
// silent.
func New() *Tape {
	return internaltape.New()
}

// Sentinel errors returned by Tape's methods, re-exported so callers can
// compare with errors.Is without importing internal/tape/tapeerr.
var (
	ErrUnknownNode     = tapeerr.ErrUnknownNode
	ErrUseAfterFree    = tapeerr.ErrUseAfterFree
	ErrNoGradient      = tapeerr.ErrNoGradient
	ErrPrefixUnderflow = tapeerr.ErrPrefixUnderflow
)
