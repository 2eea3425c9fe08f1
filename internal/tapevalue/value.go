package tapevalue

import "fmt"

// V is a dynamically-sized numeric vector. A V of length 1 is
// scalar-shaped: arithmetic against a longer V broadcasts the scalar
// across every lane, the same way a loop-invariant term would be
// broadcast by a real SIMD packet type.
type V struct {
	data []float64
}

// Zero returns a V of the given size, every lane set to 0.
func Zero(size int) V {
	return V{data: make([]float64, size)}
}

// Full returns a V of the given size, every lane set to x.
func Full(x float64, size int) V {
	data := make([]float64, size)
	for i := range data {
		data[i] = x
	}
	return V{data: data}
}

// Scalar returns a scalar-shaped (size 1) V holding x.
func Scalar(x float64) V {
	return V{data: []float64{x}}
}

// FromSlice copies xs into a new V of len(xs).
func FromSlice(xs []float64) V {
	data := make([]float64, len(xs))
	copy(data, xs)
	return V{data: data}
}

// Size returns the number of lanes.
func (v V) Size() int {
	return len(v.data)
}

// IsScalar reports whether v is scalar-shaped (size 1).
func (v V) IsScalar() bool {
	return len(v.data) == 1
}

// Slice returns a copy of v's lanes. Callers must not rely on aliasing.
func (v V) Slice() []float64 {
	out := make([]float64, len(v.data))
	copy(out, v.data)
	return out
}

// At returns the lane at i, broadcasting a scalar-shaped V to any index.
func (v V) At(i int) float64 {
	if v.IsScalar() {
		return v.data[0]
	}
	return v.data[i]
}

func broadcastSize(a, b V) int {
	if a.Size() >= b.Size() {
		return a.Size()
	}
	return b.Size()
}

func elementwise2(a, b V, f func(x, y float64) float64) V {
	n := broadcastSize(a, b)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = f(a.At(i), b.At(i))
	}
	return V{data: out}
}

// Add returns the elementwise (broadcasting) sum a+b.
func (v V) Add(o V) V { return elementwise2(v, o, func(x, y float64) float64 { return x + y }) }

// Sub returns the elementwise (broadcasting) difference a-b.
func (v V) Sub(o V) V { return elementwise2(v, o, func(x, y float64) float64 { return x - y }) }

// Mul returns the elementwise (broadcasting) product a*b.
func (v V) Mul(o V) V { return elementwise2(v, o, func(x, y float64) float64 { return x * y }) }

// Div returns the elementwise (broadcasting) quotient a/b.
func (v V) Div(o V) V { return elementwise2(v, o, func(x, y float64) float64 { return x / y }) }

// FMA returns the fused multiply-add a*b+c, broadcasting across whichever
// operand is widest.
func FMA(a, b, c V) V {
	n := broadcastSize(broadcastResult(a, b), c)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = a.At(i)*b.At(i) + c.At(i)
	}
	return V{data: out}
}

func broadcastResult(a, b V) V {
	if a.Size() >= b.Size() {
		return a
	}
	return b
}

// Hsum returns the scalar-shaped horizontal sum of v's lanes.
func (v V) Hsum() V {
	var s float64
	for _, x := range v.data {
		s += x
	}
	return Scalar(s)
}

// IsZeroAt reports whether v's lane at i (broadcasting as usual) is
// exactly zero.
func (v V) IsZeroAt(i int) bool {
	return v.At(i) == 0
}

// Eq returns, lane by lane, whether a and b are exactly equal.
func (v V) Eq(o V) []bool {
	n := broadcastSize(v, o)
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		out[i] = v.At(i) == o.At(i)
	}
	return out
}

// Select returns, lane by lane, a's lane where mask is true and b's lane
// otherwise.
func Select(mask []bool, a, b V) V {
	out := make([]float64, len(mask))
	for i, m := range mask {
		if m {
			out[i] = a.At(i)
		} else {
			out[i] = b.At(i)
		}
	}
	return V{data: out}
}

// Gather returns a V of len(offset) built by reading buf at each offset,
// or 0 where mask is false. mask may be nil, meaning "all true".
func Gather(buf V, offset []int, mask []bool) V {
	out := make([]float64, len(offset))
	for i, o := range offset {
		if mask != nil && !mask[i] {
			continue
		}
		if o < 0 || o >= buf.Size() {
			panic(fmt.Sprintf("tapevalue: gather offset %d out of bounds for size %d", o, buf.Size()))
		}
		out[i] = buf.data[o]
	}
	return V{data: out}
}

// Scatter returns a copy of buf with src written at each offset (masked
// positions left untouched). mask may be nil, meaning "all true".
func Scatter(buf, src V, offset []int, mask []bool) V {
	out := buf.Slice()
	for i, o := range offset {
		if mask != nil && !mask[i] {
			continue
		}
		if o < 0 || o >= len(out) {
			panic(fmt.Sprintf("tapevalue: scatter offset %d out of bounds for size %d", o, len(out)))
		}
		out[o] = src.At(i)
	}
	return V{data: out}
}

// ScatterAdd returns a copy of buf with src accumulated at each offset
// (masked positions left untouched). mask may be nil, meaning "all true".
func ScatterAdd(buf, src V, offset []int, mask []bool) V {
	out := buf.Slice()
	for i, o := range offset {
		if mask != nil && !mask[i] {
			continue
		}
		if o < 0 || o >= len(out) {
			panic(fmt.Sprintf("tapevalue: scatter-add offset %d out of bounds for size %d", o, len(out)))
		}
		out[o] += src.At(i)
	}
	return V{data: out}
}
