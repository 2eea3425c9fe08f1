package tape_test

import (
	"errors"
	"testing"

	"github.com/matzehuels/tapecore/internal/tape"
	"github.com/matzehuels/tapecore/internal/tape/tapeerr"
	"github.com/matzehuels/tapecore/internal/tapevalue"
)

func grad1(t *testing.T, tp *tape.Tape, idx tape.Idx) float64 {
	t.Helper()
	g, err := tp.Gradient(idx)
	if err != nil {
		t.Fatalf("Gradient(%d) returned error: %v", idx, err)
	}
	return g.At(0)
}

// TestScalarChain differentiates y = (x*2 + 1) * 3, a straight-line
// pointwise chain collapsed by edge contraction into a single edge.
func TestScalarChain(t *testing.T) {
	tp := tape.New()
	x := tp.AppendLeaf(1)
	a := tp.Append1("mul2", 1, x, tapevalue.Scalar(2))
	b := tp.Append1("add1", 1, a, tapevalue.Scalar(1))
	y := tp.Append1("mul3", 1, b, tapevalue.Scalar(3))

	if err := tp.SetGradient(y, tapevalue.Scalar(1)); err != nil {
		t.Fatalf("SetGradient() returned error: %v", err)
	}
	if err := tp.Backward(false); err != nil {
		t.Fatalf("Backward() returned error: %v", err)
	}

	if got := grad1(t, tp, x); got != 6 {
		t.Errorf("dy/dx = %v, want 6", got)
	}
}

// TestDiamond differentiates z = (x+x) * x = 2x² at x=5, exercising two
// independent paths from x into z. The weight on each edge is the local
// partial derivative evaluated at the forward values the caller already
// computed (sum = 2x, so d(mul)/d(sum) = x and d(mul)/dx = sum),
// mirroring how an op implementer supplies Jacobians at append time.
func TestDiamond(t *testing.T) {
	tp := tape.New()
	xv := 5.0
	sumv := xv + xv

	x := tp.AppendLeaf(1)
	sum := tp.Append2("add", 1, x, x, tapevalue.Scalar(1), tapevalue.Scalar(1))
	z := tp.Append2("mul", 1, sum, x, tapevalue.Scalar(xv), tapevalue.Scalar(sumv))

	if err := tp.SetGradient(z, tapevalue.Scalar(1)); err != nil {
		t.Fatalf("SetGradient() returned error: %v", err)
	}
	if err := tp.Backward(false); err != nil {
		t.Fatalf("Backward() returned error: %v", err)
	}

	want := 4 * xv // d/dx[2x²] = 4x
	if got := grad1(t, tp, x); got != want {
		t.Errorf("dz/dx = %v, want %v", got, want)
	}
}

// TestBroadcastCollapsesViaHsum seeds a scalar leaf broadcast against a
// vector leaf; the scalar's gradient must collapse back to a single lane
// via Hsum.
func TestBroadcastCollapsesViaHsum(t *testing.T) {
	tp := tape.New()
	s := tp.AppendLeaf(1)
	v := tp.AppendLeaf(3)
	prod := tp.Append2("scale", 3, s, v, tapevalue.Full(1, 3), tapevalue.Scalar(1))
	y := tp.Append1("hsum", 1, prod, tapevalue.Scalar(1))

	if err := tp.SetGradient(y, tapevalue.Scalar(1)); err != nil {
		t.Fatalf("SetGradient() returned error: %v", err)
	}
	if err := tp.Backward(false); err != nil {
		t.Fatalf("Backward() returned error: %v", err)
	}

	sGrad, err := tp.Gradient(s)
	if err != nil {
		t.Fatalf("Gradient(s) returned error: %v", err)
	}
	if !sGrad.IsScalar() {
		t.Errorf("Gradient(s) size = %d, want scalar", sGrad.Size())
	}

	vGrad, err := tp.Gradient(v)
	if err != nil {
		t.Fatalf("Gradient(v) returned error: %v", err)
	}
	if vGrad.Size() != 3 {
		t.Errorf("Gradient(v) size = %d, want 3", vGrad.Size())
	}
}

// TestGather differentiates a gather of 2 lanes out of a 4-lane buffer:
// the pull-back scatters the output gradient back to the gathered
// offsets and zeros everywhere else.
func TestGather(t *testing.T) {
	tp := tape.New()
	buf := tp.AppendLeaf(4)
	bufIdx := buf
	tp.SetScatterGatherOperand(&bufIdx, 4, false)
	gathered := tp.AppendGather([]int{0, 2}, nil)
	y := tp.Append1("hsum", 1, gathered, tapevalue.Scalar(1))

	if err := tp.SetGradient(y, tapevalue.Scalar(1)); err != nil {
		t.Fatalf("SetGradient() returned error: %v", err)
	}
	if err := tp.Backward(false); err != nil {
		t.Fatalf("Backward() returned error: %v", err)
	}

	g, err := tp.Gradient(buf)
	if err != nil {
		t.Fatalf("Gradient(buf) returned error: %v", err)
	}
	want := []float64{1, 0, 1, 0}
	for i, w := range want {
		if g.At(i) != w {
			t.Errorf("Gradient(buf)[%d] = %v, want %v", i, g.At(i), w)
		}
	}
}

// TestScatterAdd differentiates a scatter-add of 2 source lanes into a
// 4-lane buffer: the pull-back gathers the buffer's output gradient back
// to the source at the scattered offsets.
func TestScatterAdd(t *testing.T) {
	tp := tape.New()
	base := tp.AppendLeaf(4)
	src := tp.AppendLeaf(2)

	bufIdx := base
	tp.SetScatterGatherOperand(&bufIdx, 4, false)
	tp.AppendScatterAdd(src, []int{1, 3}, nil)

	y := tp.Append1("hsum", 1, bufIdx, tapevalue.Scalar(1))

	if err := tp.SetGradient(y, tapevalue.Scalar(1)); err != nil {
		t.Fatalf("SetGradient() returned error: %v", err)
	}
	if err := tp.Backward(false); err != nil {
		t.Fatalf("Backward() returned error: %v", err)
	}

	baseGrad, err := tp.Gradient(base)
	if err != nil {
		t.Fatalf("Gradient(base) returned error: %v", err)
	}
	for i, w := range []float64{1, 1, 1, 1} {
		if baseGrad.At(i) != w {
			t.Errorf("Gradient(base)[%d] = %v, want %v", i, baseGrad.At(i), w)
		}
	}

	srcGrad, err := tp.Gradient(src)
	if err != nil {
		t.Fatalf("Gradient(src) returned error: %v", err)
	}
	for i, w := range []float64{1, 1} {
		if srcGrad.At(i) != w {
			t.Errorf("Gradient(src)[%d] = %v, want %v", i, srcGrad.At(i), w)
		}
	}
}

// TestAppendScatter_OverlappingMask writes the same source into the same
// buffer twice at overlapping offsets; the second scatter's mask weight
// zeros the first scatter's contribution at the overlapping positions
// rather than summing them (scatter, unlike scatter-add, is a write not
// an accumulation).
func TestAppendScatter_OverlappingMask(t *testing.T) {
	tp := tape.New()
	base := tp.AppendLeaf(3)
	first := tp.AppendLeaf(2)
	second := tp.AppendLeaf(2)

	bufIdx := base
	tp.SetScatterGatherOperand(&bufIdx, 3, false)
	tp.AppendScatter(first, []int{0, 1}, nil)
	tp.AppendScatter(second, []int{1, 2}, nil)

	y := tp.Append1("hsum", 1, bufIdx, tapevalue.Scalar(1))

	if err := tp.SetGradient(y, tapevalue.Scalar(1)); err != nil {
		t.Fatalf("SetGradient() returned error: %v", err)
	}
	if err := tp.Backward(false); err != nil {
		t.Fatalf("Backward() returned error: %v", err)
	}

	// lane 1 was overwritten by the second scatter, so only "first"'s
	// lane 0 and "second"'s two lanes should carry gradient.
	firstGrad, err := tp.Gradient(first)
	if err != nil {
		t.Fatalf("Gradient(first) returned error: %v", err)
	}
	if firstGrad.At(0) != 1 || firstGrad.At(1) != 0 {
		t.Errorf("Gradient(first) = %v, want [1 0]", firstGrad.Slice())
	}

	secondGrad, err := tp.Gradient(second)
	if err != nil {
		t.Fatalf("Gradient(second) returned error: %v", err)
	}
	if secondGrad.At(0) != 1 || secondGrad.At(1) != 1 {
		t.Errorf("Gradient(second) = %v, want [1 1]", secondGrad.Slice())
	}

	baseGrad, err := tp.Gradient(base)
	if err != nil {
		t.Fatalf("Gradient(base) returned error: %v", err)
	}
	if baseGrad.At(0) != 0 {
		t.Errorf("Gradient(base)[0] = %v, want 0 (fully overwritten)", baseGrad.At(0))
	}
}

// TestFreeGraphReleasesUnheldScatterAddProducer reproduces the scenario
// where a scatter-add's freshly-allocated "scatter_add" node is combined
// with the buffer's prior state into an "add" node: the scatter_add node
// is never returned to the caller, so its only reference is the combine
// edge. A free-graph Backward must sever that edge and free the
// scatter_add node as soon as it is processed, even though the combine
// node it fed survives (it keeps the reference it was created with, held
// on behalf of the buffer slot) — a producer does not need its consumer to
// die first to be freed.
func TestFreeGraphReleasesUnheldScatterAddProducer(t *testing.T) {
	tp := tape.New()
	start := tp.Len()

	base := tp.AppendLeaf(4)
	src := tp.AppendLeaf(2)

	bufIdx := base
	tp.SetScatterGatherOperand(&bufIdx, 4, false)
	tp.AppendScatterAdd(src, []int{1, 3}, nil)
	// bufIdx now names the combine ("add") node; the scatter_add node
	// built under the hood is never exposed to this test.
	combine := bufIdx

	y := tp.Append1("hsum", 1, bufIdx, tapevalue.Scalar(1))

	if err := tp.SetGradient(y, tapevalue.Scalar(1)); err != nil {
		t.Fatalf("SetGradient() returned error: %v", err)
	}
	if err := tp.Backward(true); err != nil {
		t.Fatalf("Backward() returned error: %v", err)
	}

	// Five nodes were allocated (base, src, the scatter_add node, the
	// combine node, y). base's external hold was transferred into the
	// combine edge by AppendScatterAdd, same as the original's
	// dec_ref(target_orig), so base is freed once the combine node's
	// edges are swept; the scatter_add node is freed the same way. Only
	// y, the combine node, and src (still externally held) survive.
	if got, want := tp.Len(), start+3; got != want {
		t.Errorf("Len() after free-graph Backward = %d, want %d (scatter_add node and base should be freed)", got, want)
	}

	if _, err := tp.Gradient(base); !errors.Is(err, tapeerr.ErrUnknownNode) {
		t.Errorf("Gradient(base) error = %v, want ErrUnknownNode", err)
	}

	if got := grad1(t, tp, src); got != 1 {
		t.Errorf("Gradient(src)[0] = %v, want 1", got)
	}
	if _, err := tp.Gradient(combine); err != nil {
		t.Errorf("Gradient(combine) returned error: %v, want combine node still live", err)
	}
}

// TestSetGradient_RepeatedCallsShareSchedule seeds two outputs that share
// a common producer before a single Backward; both seeds must be honored
// and the shared producer must accumulate both contributions exactly
// once each.
func TestSetGradient_RepeatedCallsShareSchedule(t *testing.T) {
	tp := tape.New()
	x := tp.AppendLeaf(1)
	y1 := tp.Append1("double", 1, x, tapevalue.Scalar(2))
	y2 := tp.Append1("triple", 1, x, tapevalue.Scalar(3))

	if err := tp.SetGradient(y1, tapevalue.Scalar(1)); err != nil {
		t.Fatalf("SetGradient(y1) returned error: %v", err)
	}
	if err := tp.SetGradient(y2, tapevalue.Scalar(1)); err != nil {
		t.Fatalf("SetGradient(y2) returned error: %v", err)
	}
	if err := tp.Backward(false); err != nil {
		t.Fatalf("Backward() returned error: %v", err)
	}

	if got := grad1(t, tp, x); got != 5 {
		t.Errorf("dx = %v, want 5 (2 from y1 + 3 from y2)", got)
	}
}

// TestSetGradient_ZeroIndexReturnsError asserts that seeding the reserved
// "no dependency" index is rejected rather than silently accepted.
func TestSetGradient_ZeroIndexReturnsError(t *testing.T) {
	tp := tape.New()
	err := tp.SetGradient(0, tapevalue.Scalar(1))
	if !errors.Is(err, tapeerr.ErrNoGradient) {
		t.Errorf("SetGradient(0) error = %v, want ErrNoGradient", err)
	}
}

// TestContractEdges_NeverContractsSpecial builds a node whose only
// incoming edge is a Special gather pull-back, then immediately uses
// that node as the parent of an ordinary pointwise node with edge
// contraction enabled. Contraction would normally fold away a single-
// incoming-edge parent, but a Special edge has no weight to fold through
// safe_mul with, so the gradient must still arrive at the gathered
// buffer correctly rather than being dropped or panicking.
func TestContractEdges_NeverContractsSpecial(t *testing.T) {
	tp := tape.New()
	tp.SetContractEdges(true)

	buf := tp.AppendLeaf(2)
	bufIdx := buf
	tp.SetScatterGatherOperand(&bufIdx, 2, false)
	gathered := tp.AppendGather([]int{0}, nil)

	downstream := tp.Append1("passthrough", 1, gathered, tapevalue.Scalar(3))

	if err := tp.SetGradient(downstream, tapevalue.Scalar(1)); err != nil {
		t.Fatalf("SetGradient() returned error: %v", err)
	}
	if err := tp.Backward(false); err != nil {
		t.Fatalf("Backward() returned error: %v", err)
	}

	g, err := tp.Gradient(buf)
	if err != nil {
		t.Fatalf("Gradient(buf) returned error: %v", err)
	}
	if g.At(0) != 3 || g.At(1) != 0 {
		t.Errorf("Gradient(buf) = %v, want [3 0]", g.Slice())
	}
}

// TestRefcountBalance constructs and fully releases a chain, asserting
// the node store returns to empty — every internal edge reference and
// every external caller reference was accounted for.
func TestRefcountBalance(t *testing.T) {
	tp := tape.New()
	x := tp.AppendLeaf(1)
	a := tp.Append1("double", 1, x, tapevalue.Scalar(2))
	b := tp.Append1("triple", 1, a, tapevalue.Scalar(3))

	if err := tp.DecRef(b); err != nil {
		t.Fatalf("DecRef(b) returned error: %v", err)
	}
	if err := tp.DecRef(a); err != nil {
		t.Fatalf("DecRef(a) returned error: %v", err)
	}
	if err := tp.DecRef(x); err != nil {
		t.Fatalf("DecRef(x) returned error: %v", err)
	}

	if got := tp.Len(); got != 0 {
		t.Errorf("Len() after releasing all references = %d, want 0", got)
	}
}

// TestFreeGraphCycle runs several build-seed-backward-release cycles with
// free_graph enabled and checks the store never grows across iterations.
func TestFreeGraphCycle(t *testing.T) {
	tp := tape.New()
	start := tp.Len()

	for i := 0; i < 5; i++ {
		x := tp.AppendLeaf(1)
		y := tp.Append1("double", 1, x, tapevalue.Scalar(2))
		if err := tp.SetGradient(y, tapevalue.Scalar(1)); err != nil {
			t.Fatalf("SetGradient() returned error: %v", err)
		}
		if err := tp.Backward(true); err != nil {
			t.Fatalf("Backward() returned error: %v", err)
		}
		if err := tp.DecRef(y); err != nil {
			t.Fatalf("DecRef(y) returned error: %v", err)
		}
		if err := tp.DecRef(x); err != nil {
			t.Fatalf("DecRef(x) returned error: %v", err)
		}
	}

	if got := tp.Len(); got != start {
		t.Errorf("Len() after 5 free-graph cycles = %d, want %d", got, start)
	}
}

// TestDecRefUnknownNode asserts that decrementing a stale or already-freed
// Idx surfaces ErrUseAfterFree rather than panicking.
func TestDecRefUnknownNode(t *testing.T) {
	tp := tape.New()
	x := tp.AppendLeaf(1)
	if err := tp.DecRef(x); err != nil {
		t.Fatalf("DecRef(x) returned error: %v", err)
	}
	if err := tp.DecRef(x); !errors.Is(err, tapeerr.ErrUseAfterFree) {
		t.Errorf("second DecRef(x) error = %v, want ErrUseAfterFree", err)
	}
}

// TestPushPopPrefixUnderflow asserts popping an empty prefix stack
// surfaces ErrPrefixUnderflow.
func TestPushPopPrefixUnderflow(t *testing.T) {
	tp := tape.New()
	if err := tp.PopPrefix(); !errors.Is(err, tapeerr.ErrPrefixUnderflow) {
		t.Errorf("PopPrefix() on empty stack error = %v, want ErrPrefixUnderflow", err)
	}
}

// TestSetLabel_UnknownNode asserts SetLabel reports an unknown node rather than silently labeling
// nothing.
func TestSetLabel_UnknownNode(t *testing.T) {
	tp := tape.New()
	x := tp.AppendLeaf(1)
	if err := tp.DecRef(x); err != nil {
		t.Fatalf("DecRef(x) returned error: %v", err)
	}
	if err := tp.SetLabel(x, "stale"); !errors.Is(err, tapeerr.ErrUnknownNode) {
		t.Errorf("SetLabel() on freed node error = %v, want ErrUnknownNode", err)
	}
}
