// Package window computes the neighbor ranges visited by neighborhood
// attention along a single spatial axis.
//
// Every kernel in this module (reference and tiled) derives its iteration
// bounds from this package, so a query position sees exactly the same keys
// no matter which implementation runs.
package window

import (
	"errors"
	"fmt"
)

// ErrInvalid is returned by Validate for inconsistent window parameters.
var ErrInvalid = errors.New("invalid window")

// Start returns the first neighbor index visited by query i.
//
// Non-causal windows are centered on i and slide inward near the borders of
// the dilation group i belongs to, so a query always sees kernelSize
// neighbors when the group is long enough. Causal windows end at i.
func Start(i, length, kernelSize, radius, dilation int, causal bool) int {
	if causal {
		s := i - (kernelSize-1)*dilation
		if s < 0 {
			s = i % dilation
		}
		return s
	}
	r := i % dilation
	group := (length - r + dilation - 1) / dilation
	s := min(max(i/dilation-radius, 0), max(group-kernelSize, 0))
	return s*dilation + r
}

// End returns the exclusive upper bound of the window that begins at start.
func End(i, start, length, kernelSize, radius, dilation int, causal bool) int {
	if causal {
		return min(i+1, length)
	}
	return min(start+kernelSize*dilation, length)
}

// Axis holds the window parameters of one spatial axis.
type Axis struct {
	KernelSize int
	Dilation   int
	Causal     bool
}

// Unit is the window of a padding axis of extent 1.
var Unit = Axis{KernelSize: 1, Dilation: 1}

// Radius is the neighborhood radius (half the kernel, rounded down).
func (a Axis) Radius() int {
	return a.KernelSize / 2
}

// Range is a half-open index range visited with a fixed step.
type Range struct {
	Start int
	End   int
	Step  int
}

// Len returns the number of indices visited.
func (r Range) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return (r.End - r.Start + r.Step - 1) / r.Step
}

// Range returns the neighbors visited by query i on an axis of the given length.
func (a Axis) Range(i, length int) Range {
	radius := a.Radius()
	s := Start(i, length, a.KernelSize, radius, a.Dilation, a.Causal)
	e := End(i, s, length, a.KernelSize, radius, a.Dilation, a.Causal)
	return Range{Start: s, End: e, Step: a.Dilation}
}

// Slot reports the position of key j inside the window of query i, and
// whether j belongs to that window at all.
func (a Axis) Slot(i, j, length int) (int, bool) {
	r := a.Range(i, length)
	if j < r.Start || j >= r.End {
		return 0, false
	}
	d := j - r.Start
	if d%a.Dilation != 0 {
		return 0, false
	}
	return d / a.Dilation, true
}

// InverseRange returns the queries whose window may contain key j. Each
// candidate must still be confirmed with Slot; the range only bounds the search.
func (a Axis) InverseRange(j, length int) Range {
	span := (a.KernelSize - 1) * a.Dilation
	lo := j
	if !a.Causal {
		lo = j - span
		if lo < 0 {
			lo = j % a.Dilation
		}
	}
	steps := min(a.KernelSize-1, (length-1-j)/a.Dilation)
	return Range{Start: lo, End: j + steps*a.Dilation + 1, Step: a.Dilation}
}

// BiasIndex maps the relative offset of key j from query i to a position in a
// relative positional bias table of length 2*KernelSize-1.
func (a Axis) BiasIndex(i, j int) int {
	return (j-i)/a.Dilation + a.KernelSize - 1
}

// BiasLength is the size of the relative positional bias table for this axis.
func (a Axis) BiasLength() int {
	return 2*a.KernelSize - 1
}

// Validate checks the axis against the extent it is applied to.
func (a Axis) Validate(length int) error {
	if length < 1 {
		return fmt.Errorf("%w: axis length %d must be positive", ErrInvalid, length)
	}
	if a.KernelSize < 1 || a.KernelSize%2 == 0 {
		return fmt.Errorf("%w: kernel size %d must be odd and positive", ErrInvalid, a.KernelSize)
	}
	if a.Dilation < 1 {
		return fmt.Errorf("%w: dilation %d must be positive", ErrInvalid, a.Dilation)
	}
	if !a.Causal && a.KernelSize*a.Dilation > length {
		return fmt.Errorf("%w: kernel size %d with dilation %d does not fit axis of length %d",
			ErrInvalid, a.KernelSize, a.Dilation, length)
	}
	return nil
}
