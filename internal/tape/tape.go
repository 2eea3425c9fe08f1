// Package tape implements the reverse-mode automatic differentiation
// engine: a reference-counted DAG of Nodes connected by Edges, built up
// eagerly by the Append* constructors (which apply edge contraction and
// edge merging as they go), and consumed by a reverse sweep that
// propagates gradients from designated outputs back to every reachable
// producer.
//
// A Tape is an explicit context object, not a process-wide singleton:
// callers construct one per concrete value type V they intend to
// differentiate and thread it through their own code, which keeps this
// package free of hidden global state and makes it possible to run
// several independent tapes (e.g. one per worker) in the same process —
// so long as each one is only ever touched by a single goroutine at a
// time. The tape itself has no suspension points and performs no
// synchronization; concurrent callers must partition work across
// separate Tapes or serialize externally.
package tape

import (
	"fmt"
	"log/slog"

	"github.com/matzehuels/tapecore/internal/tape/tapeerr"
	"github.com/matzehuels/tapecore/internal/tapevalue"
)

// Tape owns the node store, the scatter/gather context, and the set of
// runtime toggles (log level, edge contraction) for one differentiation
// session.
type Tape struct {
	nodes   map[Idx]*node
	counter Idx // next Idx to assign; 0 is reserved, so this starts at 1

	prefix []string

	scatterGather scatterGatherContext

	scheduled map[Idx]struct{} // ids marked reachable since the last Backward

	logLevel      int
	contractEdges bool

	nodeCounterLast      Idx
	edgeContractions     uint64
	edgeContractionsLast uint64
	edgeMerges           uint64
	edgeMergesLast       uint64

	log *slog.Logger
}

// New creates an empty Tape with edge contraction enabled and logging
// silent, matching the release-mode defaults.
func New() *Tape {
	return &Tape{
		nodes:           make(map[Idx]*node),
		counter:         1,
		scheduled:       make(map[Idx]struct{}),
		contractEdges:   true,
		logLevel:        0,
		log:             slog.Default(),
		nodeCounterLast: 1,
	}
}

// SetLogLevel sets the diagnostic verbosity: 0 silent, 1 per-backward
// summary, 3 per-append trace, 4 per-edge trace (contraction/merge
// decisions included).
func (t *Tape) SetLogLevel(level int) {
	t.logLevel = level
}

// SetContractEdges toggles edge contraction (§4.4 rule 1). Disabling it
// produces larger graphs with simpler invariants to reason about — useful
// when debugging a suspected contraction bug — but never affects Special
// edges, which are never contracted or merged regardless of this flag.
func (t *Tape) SetContractEdges(value bool) {
	t.contractEdges = value
}

func (t *Tape) logf(level int, msg string, args ...any) {
	if t.logLevel < level {
		return
	}
	t.log.Debug(msg, args...)
}

// mustNode returns the node for idx, panicking if absent. It is only
// used where the DAG's own invariants guarantee idx is present (e.g. an
// edge's source, or an id drawn from the scheduled set) — a violation
// there is a bug in the tape itself, not a caller error, so it is not
// surfaced as a recoverable error.
func (t *Tape) mustNode(idx Idx) *node {
	n, ok := t.nodes[idx]
	if !ok {
		panic(fmt.Sprintf("tape: invariant violation, missing node %d", idx))
	}
	return n
}

// Node looks up the node at idx for read-only inspection (label, size,
// ref count). It returns tapeerr.ErrUnknownNode if idx is not present —
// this is the one node lookup a caller can legitimately get wrong (a
// stale or already-freed Idx), so unlike mustNode it is part of the
// public surface and returns an error instead of panicking.
func (t *Tape) Node(idx Idx) (label string, size int, refCount uint32, grad tapevalue.V, err error) {
	n, ok := t.nodes[idx]
	if !ok {
		return "", 0, 0, tapevalue.V{}, tapeerr.ErrUnknownNode
	}
	return n.label, n.size, n.refCount, n.grad, nil
}

// Len returns the number of live nodes in the store. Used by tests to
// assert the refcount-balance and free-graph invariants (§8): a correctly
// balanced construction returns the store to its size before it began.
func (t *Tape) Len() int {
	return len(t.nodes)
}
