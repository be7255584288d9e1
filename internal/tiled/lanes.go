package tiled

import "github.com/23skdu/longbow-natten/internal/dtype"

// dotFunc returns the inner product of two equal-length slices whose length
// is a multiple of the lane width it was chosen for.
type dotFunc[A dtype.Accum] func(a, b []A) A

// axpyFunc adds w * x into y; len(x) == len(y) is a multiple of its lane width.
type axpyFunc[A dtype.Accum] func(y []A, w A, x []A)

// maxUnroll caps the explicit unroll; wider lane counts are multiples of it.
const maxUnroll = 8

func dotFor[A dtype.Accum](lanes int) dotFunc[A] {
	switch min(lanes, maxUnroll) {
	case 8:
		return dot8[A]
	case 4:
		return dot4[A]
	case 2:
		return dot2[A]
	default:
		return dot1[A]
	}
}

func axpyFor[A dtype.Accum](lanes int) axpyFunc[A] {
	switch min(lanes, maxUnroll) {
	case 8:
		return axpy8[A]
	case 4:
		return axpy4[A]
	case 2:
		return axpy2[A]
	default:
		return axpy1[A]
	}
}

func dot1[A dtype.Accum](a, b []A) A {
	var s A
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func dot2[A dtype.Accum](a, b []A) A {
	var s0, s1 A
	for i := 0; i+1 < len(a); i += 2 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
	}
	return s0 + s1
}

func dot4[A dtype.Accum](a, b []A) A {
	var s0, s1, s2, s3 A
	for i := 0; i+3 < len(a); i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	return (s0 + s1) + (s2 + s3)
}

func dot8[A dtype.Accum](a, b []A) A {
	var s0, s1, s2, s3, s4, s5, s6, s7 A
	for i := 0; i+7 < len(a); i += 8 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
		s4 += a[i+4] * b[i+4]
		s5 += a[i+5] * b[i+5]
		s6 += a[i+6] * b[i+6]
		s7 += a[i+7] * b[i+7]
	}
	return ((s0 + s1) + (s2 + s3)) + ((s4 + s5) + (s6 + s7))
}

func axpy1[A dtype.Accum](y []A, w A, x []A) {
	for i := range y {
		y[i] += w * x[i]
	}
}

func axpy2[A dtype.Accum](y []A, w A, x []A) {
	for i := 0; i+1 < len(y); i += 2 {
		y[i] += w * x[i]
		y[i+1] += w * x[i+1]
	}
}

func axpy4[A dtype.Accum](y []A, w A, x []A) {
	for i := 0; i+3 < len(y); i += 4 {
		y[i] += w * x[i]
		y[i+1] += w * x[i+1]
		y[i+2] += w * x[i+2]
		y[i+3] += w * x[i+3]
	}
}

func axpy8[A dtype.Accum](y []A, w A, x []A) {
	for i := 0; i+7 < len(y); i += 8 {
		y[i] += w * x[i]
		y[i+1] += w * x[i+1]
		y[i+2] += w * x[i+2]
		y[i+3] += w * x[i+3]
		y[i+4] += w * x[i+4]
		y[i+5] += w * x[i+5]
		y[i+6] += w * x[i+6]
		y[i+7] += w * x[i+7]
	}
}
