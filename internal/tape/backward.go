package tape

import (
	"fmt"
	"sort"

	"github.com/matzehuels/tapecore/internal/tape/tapeerr"
	"github.com/matzehuels/tapecore/internal/tapevalue"
)

// dfs marks k (and everything it transitively depends on) as scheduled for
// the next Backward, zeroing each newly-scheduled node's grad when
// clearGrad is set. The scheduled-membership check is made before the
// clear, not after: a node already scheduled by an earlier SetGradient call
// in the same sweep window is left untouched — neither re-cleared nor
// re-recursed-through — since it (and everything below it) was already
// visited once since the last Backward consumed the schedule.
func (t *Tape) dfs(k Idx, clearGrad bool) {
	if _, ok := t.scheduled[k]; ok {
		return
	}
	t.scheduled[k] = struct{}{}

	n := t.mustNode(k)
	if clearGrad {
		n.grad = tapevalue.Zero(n.size)
	}
	for e := n.edges; e != nil; e = e.next {
		t.dfs(e.source, clearGrad)
	}
}

// SetGradient seeds out's gradient with value ahead of a Backward call.
// It first runs a DFS from out over the incoming-edge graph, zeroing the
// grad of every node reached for the first time since the last Backward,
// then assigns value to out directly — so out's own grad ends up as value
// regardless of whether this call's DFS actually visited it (an earlier
// SetGradient in the same window may have scheduled it already). Multiple
// SetGradient calls may be issued before a single Backward; each one's
// seed lands at its own node, and every node reachable from any of them
// accumulates contributions from all of them during the sweep. Returns
// tapeerr.ErrNoGradient for out == 0 — there is no node to seed.
func (t *Tape) SetGradient(out Idx, value tapevalue.V) error {
	if out == 0 {
		return fmt.Errorf("set_gradient(0): %w", tapeerr.ErrNoGradient)
	}
	t.dfs(out, true)
	t.mustNode(out).grad = value
	t.logf(3, "set_gradient", "idx", out)
	return nil
}

// accumulatePointwise adds the weight*targetGrad contribution into
// source's gradient. The contribution only needs collapsing when it is
// wider than source's own grad — that happens when source was broadcast
// (as a scalar) into a wider forward expression, and the reverse of a
// broadcast is a sum over the broadcast axis, taken here via Hsum. A
// contribution no wider than source's grad needs no special handling:
// Add already broadcasts a narrower (typically scalar) contribution up
// to source's width on its own. safeMul keeps a legitimately-zero weight
// from turning an inf/nan elsewhere in targetGrad into a nan contribution.
func (t *Tape) accumulatePointwise(source *node, weight, targetGrad tapevalue.V) {
	contribution := safeMul(weight, targetGrad)
	if contribution.Size() > source.grad.Size() {
		contribution = contribution.Hsum()
	}
	source.grad = source.grad.Add(contribution)
}

// Backward consumes the schedule built up by SetGradient, propagating
// gradients from every scheduled node down to its producers in descending
// id order — since a node's id is always greater than any of its
// producers', this single pass sees each node's gradient fully
// accumulated before it is propagated further.
//
// With freeGraph set, the sweep additionally releases the tape as it
// goes: every scheduled node is given an extra reference before the sweep
// starts (so propagating through one scheduled node cannot free another
// one still waiting its turn). As each node's edges are processed, every
// edge's source is immediately dec-ref'd and the node's own edge list is
// cleared — severing the link to each producer as soon as its gradient
// contribution has been consumed, the same way the reverse sweep tears the
// graph down as it walks it. Only then is the node's own extra reference
// released. This frees a non-held intermediate at its own turn in the
// sweep, once its consumers have released their edges to it, even when
// such a consumer itself survives the sweep because something external
// still holds it.
func (t *Tape) Backward(freeGraph bool) error {
	ids := make([]Idx, 0, len(t.scheduled))
	for k := range t.scheduled {
		ids = append(ids, k)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	if freeGraph {
		for _, k := range ids {
			t.incRef(k)
		}
	}

	for _, k := range ids {
		n := t.mustNode(k)
		for e := n.edges; e != nil; e = e.next {
			if e.isSpecial() {
				e.special.computeGradients(t, k, e)
			} else {
				t.accumulatePointwise(t.mustNode(e.source), e.weight, n.grad)
			}
			if freeGraph {
				t.decRef(e.source)
			}
		}
		if freeGraph {
			n.edges = nil
			t.decRef(k)
		}
	}

	if t.logLevel >= 1 {
		t.log.Debug("backward",
			"scheduled", len(ids),
			"free_graph", freeGraph,
			"nodes_created", t.counter-t.nodeCounterLast,
			"edge_contractions", t.edgeContractions-t.edgeContractionsLast,
			"edge_merges", t.edgeMerges-t.edgeMergesLast,
		)
		t.nodeCounterLast = t.counter
		t.edgeContractionsLast = t.edgeContractions
		t.edgeMergesLast = t.edgeMerges
	}

	t.scheduled = make(map[Idx]struct{})
	return nil
}

// Gradient returns the accumulated gradient at idx. It returns
// tapeerr.ErrNoGradient for idx == 0 (there is no node, and so no
// gradient, at the reserved id) and tapeerr.ErrUnknownNode if idx has
// since been freed.
func (t *Tape) Gradient(idx Idx) (tapevalue.V, error) {
	if idx == 0 {
		return tapevalue.V{}, fmt.Errorf("gradient(0): %w", tapeerr.ErrNoGradient)
	}
	n, ok := t.nodes[idx]
	if !ok {
		return tapevalue.V{}, fmt.Errorf("gradient(%d): %w", idx, tapeerr.ErrUnknownNode)
	}
	return n.grad, nil
}
