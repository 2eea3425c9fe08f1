package tape

import "github.com/matzehuels/tapecore/internal/tapevalue"

// safeMul computes a*b, then masks lanes where a or b is exactly zero
// back to exactly zero. During the reverse sweep a contracted chain can
// multiply a legitimately-zero weight against a value that is inf or nan
// at an otherwise-unused lane (0*inf = nan); this mask restores the
// mathematically correct zero without branching on every lane.
func safeMul(a, b tapevalue.V) tapevalue.V {
	tentative := a.Mul(b)
	n := tentative.Size()
	isZero := make([]bool, n)
	for i := 0; i < n; i++ {
		isZero[i] = a.IsZeroAt(i) || b.IsZeroAt(i)
	}
	return tapevalue.Select(isZero, tapevalue.Zero(n), tentative)
}

// safeFMA computes a*b+c, then masks lanes where a or b is exactly zero
// back to c — the same zero-guard as safeMul, but passing c through
// unchanged instead of collapsing to zero.
func safeFMA(a, b, c tapevalue.V) tapevalue.V {
	tentative := tapevalue.FMA(a, b, c)
	n := tentative.Size()
	isZero := make([]bool, n)
	for i := 0; i < n; i++ {
		isZero[i] = a.IsZeroAt(i) || b.IsZeroAt(i)
	}
	return tapevalue.Select(isZero, c, tentative)
}
