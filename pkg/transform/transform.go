// Package transform provides spatial transforms over physical points:
// rigid rotation+translation, deformable displacement fields anchored
// to a reference grid, and ordered composites of both. Every transform
// maps a physical point in the output space to the physical point in
// the input space that should be sampled there (backward mapping).
package transform

import (
	"dvfwarp/pkg/geometry"
)

// Transform maps a physical point to a physical point.
type Transform interface {
	Apply(p geometry.Point) geometry.Point
}

// ShapeError reports a mismatch between a data buffer and the grid
// dimensions it claims to describe.
type ShapeError struct {
	Reason string
}

func (e *ShapeError) Error() string {
	return "shape mismatch: " + e.Reason
}

// Identity maps every point to itself. It is the transform used by the
// final geometry-conforming reslice, where only the sampling lattice
// changes.
type Identity struct{}

// Apply returns p unchanged.
func (Identity) Apply(p geometry.Point) geometry.Point { return p }

// Composite is an ordered chain of transforms evaluated as one.
type Composite struct {
	transforms []Transform
}

// NewComposite builds a composite from the given transforms, in order.
func NewComposite(ts ...Transform) *Composite {
	c := &Composite{}
	c.transforms = append(c.transforms, ts...)
	return c
}

// Add appends a transform to the end of the chain.
func (c *Composite) Add(t Transform) {
	c.transforms = append(c.transforms, t)
}

// Len returns the number of component transforms.
func (c *Composite) Len() int {
	return len(c.transforms)
}

// Apply evaluates the chain in the order the components were added:
// the first-added transform maps the point first and each later
// transform maps the previous output. Composition itself introduces no
// numerical error; only the component lookups do.
func (c *Composite) Apply(p geometry.Point) geometry.Point {
	for _, t := range c.transforms {
		p = t.Apply(p)
	}
	return p
}
