package tape

import (
	"fmt"

	"github.com/matzehuels/tapecore/internal/tapevalue"
)

// scatterGatherContext is the caller-owned slot the dynamic-array layer
// points at the Idx of the buffer currently being indexed, installed
// around a gather or scatter. It is a thin handle — an owning pair of
// {idx slot, size, permute} — rather than the raw pointer-into-caller-
// state the original implementation used, per the scatter/gather Design
// Notes: the slot reference still abstracts how the caller stores its
// id, it just does so through an ordinary *Idx instead of a C pointer.
type scatterGatherContext struct {
	slot    *Idx
	size    int
	permute bool
}

// SetScatterGatherOperand installs (or, with slot nil, clears) the
// scatter/gather context: slot points at the external array's current
// buffer Idx, size is the array's length, and permute marks whether the
// operation is known to be a permutation (no overlapping writes).
// Installing this is a mandatory precondition for AppendGather,
// AppendScatter, and AppendScatterAdd.
func (t *Tape) SetScatterGatherOperand(slot *Idx, size int, permute bool) {
	t.scatterGather = scatterGatherContext{slot: slot, size: size, permute: permute}
}

// gatherPullback is the Special pull-back installed by AppendGather.
type gatherPullback struct {
	offset     []int
	mask       []bool
	sourceSize int
	permute    bool
}

func (g *gatherPullback) computeGradients(t *Tape, target Idx, e *edge) {
	targetNode := t.mustNode(target)
	sourceNode := t.mustNode(e.source)
	if sourceNode.grad.Size() != g.sourceSize {
		panic(fmt.Sprintf("tape: gather pull-back size mismatch: grad[source]=%d, want %d",
			sourceNode.grad.Size(), g.sourceSize))
	}
	if g.permute {
		sourceNode.grad = tapevalue.Scatter(sourceNode.grad, targetNode.grad, g.offset, g.mask)
	} else {
		sourceNode.grad = tapevalue.ScatterAdd(sourceNode.grad, targetNode.grad, g.offset, g.mask)
	}
}

// AppendGather creates a differentiable gather from the buffer currently
// held by the installed scatter/gather context. If no buffer is
// installed (context unset, or the context's slot holds 0), it returns 0
// — a gather with nothing to read has nothing to differentiate.
func (t *Tape) AppendGather(offset []int, mask []bool) Idx {
	if t.scatterGather.slot == nil || *t.scatterGather.slot == 0 {
		return 0
	}
	source := *t.scatterGather.slot
	sourceSize := t.mustNode(source).size

	target := t.appendNode(len(offset), "gather")
	t.mustNode(target).appendEdge(&edge{
		source: source,
		special: &gatherPullback{
			offset:     offset,
			mask:       mask,
			sourceSize: sourceSize,
			permute:    t.scatterGather.permute,
		},
	})
	t.incRef(source)
	t.logf(3, "append_gather", "target", target, "source", source)
	return target
}

// scatterPullback is the Special pull-back shared by AppendScatter and
// AppendScatterAdd: in both cases the contribution flowing back to the
// scattered source is the gather of the target's gradient at the same
// offsets.
type scatterPullback struct {
	offset []int
	mask   []bool
}

func (s *scatterPullback) computeGradients(t *Tape, target Idx, e *edge) {
	targetNode := t.mustNode(target)
	sourceNode := t.mustNode(e.source)
	contribution := tapevalue.Gather(targetNode.grad, s.offset, s.mask)
	sourceNode.grad = sourceNode.grad.Add(contribution)
}

// AppendScatter writes source into the buffer currently held by the
// scatter/gather context's slot, updating the slot to the Idx of the new
// buffer state. If the context is unset this is a MissingContext no-op
// — the caller is expected to have checked before calling.
//
// When the buffer already held a differentiable state (slot's prior
// value was non-zero), the new state is the pointwise combination of the
// freshly-scattered node (at the scattered positions) and the old state
// (everywhere else): a "scatter_combine" node with weights (1,
// mask_weight), where mask_weight is 1 for a permuting scatter (no
// overlap is possible) or a vector that is 1 everywhere except at the
// scattered positions, which are zeroed.
func (t *Tape) AppendScatter(source Idx, offset []int, mask []bool) {
	if t.scatterGather.slot == nil {
		return
	}
	targetOrig := *t.scatterGather.slot

	targetNew := t.appendNode(t.scatterGather.size, "scatter")
	if source != 0 {
		t.mustNode(targetNew).appendEdge(&edge{
			source:  source,
			special: &scatterPullback{offset: offset, mask: mask},
		})
		t.incRef(source)
	}

	if targetOrig != 0 {
		scatterNode := targetNew
		weight := tapevalue.Scalar(1)
		if !t.scatterGather.permute {
			weight = tapevalue.Full(1, t.scatterGather.size)
			weight = tapevalue.Scatter(weight, tapevalue.Scalar(0), offset, mask)
		}
		targetNew = t.Append2("scatter_combine", t.scatterGather.size,
			targetNew, targetOrig, tapevalue.Scalar(1), weight)
		t.decRef(scatterNode)
		t.decRef(targetOrig)
	}

	*t.scatterGather.slot = targetNew
	t.logf(3, "append_scatter", "orig", targetOrig, "source", source, "new", targetNew)
}

// AppendScatterAdd accumulates source into the buffer currently held by
// the scatter/gather context's slot, updating the slot to the Idx of the
// new buffer state. Unlike AppendScatter, the pull-back never
// distinguishes on permute (overlapping writes are expected and summed),
// and when a prior buffer state exists it is combined with a plain
// linear add (weights 1, 1) rather than a masked one.
func (t *Tape) AppendScatterAdd(source Idx, offset []int, mask []bool) {
	if t.scatterGather.slot == nil {
		return
	}
	targetOrig := *t.scatterGather.slot

	targetNew := t.appendNode(t.scatterGather.size, "scatter_add")
	if source != 0 {
		t.mustNode(targetNew).appendEdge(&edge{
			source:  source,
			special: &scatterPullback{offset: offset, mask: mask},
		})
		t.incRef(source)
	}

	if targetOrig != 0 {
		scatterNode := targetNew
		targetNew = t.Append2("add", t.scatterGather.size,
			targetNew, targetOrig, tapevalue.Scalar(1), tapevalue.Scalar(1))
		t.decRef(scatterNode)
		t.decRef(targetOrig)
	}

	*t.scatterGather.slot = targetNew
	t.logf(3, "append_scatter_add", "orig", targetOrig, "source", source, "new", targetNew)
}
