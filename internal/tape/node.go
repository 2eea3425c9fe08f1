package tape

import "github.com/matzehuels/tapecore/internal/tapevalue"

// Idx identifies a node in the tape. 0 is reserved: it is never present
// in the node store, never holds references, and represents "no
// dependency" — any incoming edge naming source 0 is silently discarded.
type Idx uint32

// special is the pull-back for a non-pointwise edge. The closed set of
// variants (gather, scatter, scatter-add) is known ahead of time, so a
// tagged interface with a single method is preferable to a general
// closure type: it keeps every pull-back's captured state visible at its
// call site instead of hidden inside a function value.
type special interface {
	computeGradients(t *Tape, target Idx, e *edge)
}

// edge is one incoming (producer-link) entry in a node's edge list. Edges
// point backward in data-flow, from a consumer node to its producer.
// Exactly one of weight/pullback is set: a weight is a linear Jacobian
// factor multiplied into the incoming gradient during the reverse sweep;
// a pullback is the opaque pull-back for a non-pointwise primitive and is
// never merged or contracted.
type edge struct {
	source  Idx
	weight  tapevalue.V
	special special
	next    *edge
}

func (e *edge) isSpecial() bool { return e.special != nil }

// node is one entry in the tape's node store.
type node struct {
	label    string
	grad     tapevalue.V
	edges    *edge
	refCount uint32
	size     int
}

func newNode(size int, label string) *node {
	return &node{size: size, label: label}
}

func (n *node) isScalar() bool { return n.size == 1 }

// degree returns the number of incoming edges.
func (n *node) degree() int {
	count := 0
	for e := n.edges; e != nil; e = e.next {
		count++
	}
	return count
}

// hasSpecial reports whether any incoming edge is a pull-back edge.
func (n *node) hasSpecial() bool {
	for e := n.edges; e != nil; e = e.next {
		if e.isSpecial() {
			return true
		}
	}
	return false
}

// findEdge returns the existing edge from source, if any.
func (n *node) findEdge(source Idx) *edge {
	for e := n.edges; e != nil; e = e.next {
		if e.source == source {
			return e
		}
	}
	return nil
}

// appendEdge appends a new edge at the tail of n's edge list. Order
// within the list has no effect on correctness — gradient accumulation is
// commutative — but appending at the tail keeps diagnostics output in
// insertion order.
func (n *node) appendEdge(e *edge) {
	if n.edges == nil {
		n.edges = e
		return
	}
	cur := n.edges
	for cur.next != nil {
		cur = cur.next
	}
	cur.next = e
}
