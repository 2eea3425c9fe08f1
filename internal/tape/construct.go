package tape

import "github.com/matzehuels/tapecore/internal/tapevalue"

// appendNode allocates a fresh node of the given size, prefixes its label
// with the current prefix stack (outermost first, innermost next to the
// label), installs it in the
// store, and takes the one external reference the caller of Append*/
// AppendLeaf receives on the returned Idx.
func (t *Tape) appendNode(size int, label string) Idx {
	idx := t.counter
	t.counter++

	n := newNode(size, label)
	for i := len(t.prefix) - 1; i >= 0; i-- {
		n.label = t.prefix[i] + "/" + n.label
	}
	t.nodes[idx] = n

	t.logf(3, "append_node", "idx", idx, "label", label, "size", size)
	t.incRef(idx)
	return idx
}

// AppendLeaf creates a fresh differentiable input of the given size: a
// node with no incoming edges whose gradient starts at zero, ready to
// accumulate contributions from a later Backward.
func (t *Tape) AppendLeaf(size int) Idx {
	idx := t.appendNode(size, "'unnamed'")
	n := t.mustNode(idx)
	n.grad = tapevalue.Zero(size)
	return idx
}

// Append1 creates an interior node of the given size with a single
// parent: new = w1 * i1. If i1 is 0 (no dependency), no node is
// allocated and 0 is returned — there is nothing to differentiate
// through.
func (t *Tape) Append1(label string, size int, i1 Idx, w1 tapevalue.V) Idx {
	if i1 == 0 {
		return 0
	}
	idx := t.appendNode(size, label)
	t.logf(3, "append", "idx", idx, "label", label, "i1", i1)
	t.appendEdge(i1, idx, w1)
	return idx
}

// Append2 creates an interior node of the given size with two parents:
// new = w1*i1 + w2*i2. If both parents are 0, no node is allocated and 0
// is returned.
func (t *Tape) Append2(label string, size int, i1, i2 Idx, w1, w2 tapevalue.V) Idx {
	if i1 == 0 && i2 == 0 {
		return 0
	}
	idx := t.appendNode(size, label)
	t.logf(3, "append", "idx", idx, "label", label, "i1", i1, "i2", i2)
	t.appendEdge(i1, idx, w1)
	t.appendEdge(i2, idx, w2)
	return idx
}

// Append3 creates an interior node of the given size with three parents:
// new = w1*i1 + w2*i2 + w3*i3. If all three parents are 0, no node is
// allocated and 0 is returned.
func (t *Tape) Append3(label string, size int, i1, i2, i3 Idx, w1, w2, w3 tapevalue.V) Idx {
	if i1 == 0 && i2 == 0 && i3 == 0 {
		return 0
	}
	idx := t.appendNode(size, label)
	t.logf(3, "append", "idx", idx, "label", label, "i1", i1, "i2", i2, "i3", i3)
	t.appendEdge(i1, idx, w1)
	t.appendEdge(i2, idx, w2)
	t.appendEdge(i3, idx, w3)
	return idx
}

// appendEdge wires a single edge source -> target with weight w, applying
// edge contraction then edge merging before any edge is actually
// materialized (§4.4).
//
// Edge contraction: if source already has incoming edges, none of them
// special, and source and target share the same size, the edge is
// eliminated by folding each grandparent edge gp -> source (weight w_gp)
// into a direct edge gp -> target (weight w * w_gp), recursively. source
// itself is not touched — its external references may still hold it —
// only this path through it is removed from target's dependency set.
//
// Edge merging: if an edge from source to target already exists, w is
// added into its weight instead of creating a second edge, preserving
// the at-most-one-edge-per-(source,target) invariant.
func (t *Tape) appendEdge(sourceIdx, targetIdx Idx, w tapevalue.V) {
	if sourceIdx == 0 {
		return
	}
	t.logf(4, "append_edge", "source", sourceIdx, "target", targetIdx)

	source := t.mustNode(sourceIdx)
	target := t.mustNode(targetIdx)

	if t.shouldContract(source) && source.size == target.size {
		for e := source.edges; e != nil; e = e.next {
			t.logf(4, "contracting", "via", e.source)
			t.appendEdgeProd(e.source, targetIdx, w, e.weight)
			t.edgeContractions++
		}
		return
	}

	if existing := target.findEdge(sourceIdx); existing != nil {
		existing.weight = existing.weight.Add(w)
		t.logf(4, "merging into existing edge", "source", sourceIdx, "target", targetIdx)
		t.edgeMerges++
		return
	}

	target.appendEdge(&edge{source: sourceIdx, weight: w})
	t.incRef(sourceIdx)
}

// appendEdgeProd is the product variant used by contraction's recursive
// fold: it behaves like appendEdge(source, target, w1*w2) except the
// product and any later accumulation use safeMul/safeFMA so an exactly-
// zero operand short-circuits to zero instead of propagating an inf/nan
// that would otherwise appear at an unused lane.
func (t *Tape) appendEdgeProd(sourceIdx, targetIdx Idx, w1, w2 tapevalue.V) {
	if sourceIdx == 0 {
		return
	}
	t.logf(4, "append_edge_prod", "source", sourceIdx, "target", targetIdx)

	source := t.mustNode(sourceIdx)
	target := t.mustNode(targetIdx)

	if t.shouldContract(source) && source.size == target.size {
		for e := source.edges; e != nil; e = e.next {
			t.logf(4, "contracting", "via", e.source)
			t.appendEdgeProd(e.source, targetIdx, safeMul(w1, w2), e.weight)
			t.edgeContractions++
		}
		return
	}

	if existing := target.findEdge(sourceIdx); existing != nil {
		existing.weight = safeFMA(w1, w2, existing.weight)
		t.logf(4, "merging into existing edge", "source", sourceIdx, "target", targetIdx)
		t.edgeMerges++
		return
	}

	target.appendEdge(&edge{source: sourceIdx, weight: safeMul(w1, w2)})
	t.incRef(sourceIdx)
}

// shouldContract reports whether an edge into source should be contracted
// away rather than materialized: contraction is enabled, source has at
// least one incoming edge to fold, and none of them is a Special
// pull-back (those are opaque and never contracted, regardless of the
// contractEdges flag).
func (t *Tape) shouldContract(source *node) bool {
	return t.contractEdges && source.degree() > 0 && !source.hasSpecial()
}
