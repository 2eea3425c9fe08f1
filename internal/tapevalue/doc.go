// Package tapevalue provides a minimal reference implementation of the
// numeric value contract the AD tape is written against.
//
// The real SIMD array layer (packed float/double kernels, AVX512
// specializations) is out of scope for this repository; the tape only
// needs a container that supports elementwise arithmetic, broadcasting,
// horizontal sum, and masked gather/scatter. V is that container: a flat
// []float64 buffer where a length of 1 means "scalar-shaped" (and may
// still be broadcast against longer operands).
package tapevalue
