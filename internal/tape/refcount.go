package tape

import (
	"fmt"

	"github.com/matzehuels/tapecore/internal/tape/tapeerr"
)

// incRef is the internal increment used by the constructor and by the
// backward sweep's free-graph pre-pass: by the time either calls it, the
// DAG's own invariants guarantee idx is present, so there is nothing for
// a caller to recover from if it isn't.
func (t *Tape) incRef(idx Idx) {
	if idx == 0 {
		return
	}
	n := t.mustNode(idx)
	n.refCount++
	t.logf(4, "inc_ref", "idx", idx, "ref_count", n.refCount)
}

// decRef is the internal decrement used to cascade frees through a
// node's edge list and by the backward sweep. A missing node here means
// the DAG's one-reference-per-edge invariant was violated, which is a
// bug in the tape, not a caller mistake — so it panics rather than
// returning an error, the same way mustNode does.
func (t *Tape) decRef(idx Idx) {
	if idx == 0 {
		return
	}
	n := t.mustNode(idx)
	n.refCount--
	t.logf(4, "dec_ref", "idx", idx, "ref_count", n.refCount)
	if n.refCount == 0 {
		t.freeNode(idx)
	}
}

// freeNode releases idx's incoming edges (decrementing each edge's
// source, which may cascade) and removes idx from the store.
func (t *Tape) freeNode(idx Idx) {
	t.logf(4, "free_node", "idx", idx)
	n := t.mustNode(idx)
	for e := n.edges; e != nil; e = e.next {
		t.decRef(e.source)
	}
	delete(t.nodes, idx)
}

// IncRef increments idx's external reference count on behalf of a new
// holder. It is a no-op for idx 0.
func (t *Tape) IncRef(idx Idx) error {
	if idx == 0 {
		return nil
	}
	n, ok := t.nodes[idx]
	if !ok {
		return fmt.Errorf("inc_ref(%d): %w", idx, tapeerr.ErrUnknownNode)
	}
	n.refCount++
	t.logf(4, "inc_ref", "idx", idx, "ref_count", n.refCount)
	return nil
}

// DecRef decrements idx's external reference count, freeing the node
// (and cascading to its producers) when the count reaches zero. It is a
// no-op for idx 0. Calling DecRef on a node whose count is already zero
// returns tapeerr.ErrUseAfterFree — by the time the count hits zero the
// node has already been erased from the store, so a second DecRef on the
// same Idx always observes it as missing.
func (t *Tape) DecRef(idx Idx) error {
	if idx == 0 {
		return nil
	}
	n, ok := t.nodes[idx]
	if !ok {
		return fmt.Errorf("dec_ref(%d): %w", idx, tapeerr.ErrUseAfterFree)
	}
	n.refCount--
	t.logf(4, "dec_ref", "idx", idx, "ref_count", n.refCount)
	if n.refCount == 0 {
		t.freeNode(idx)
	}
	return nil
}
