// Package geometry describes regular 3-D sampling lattices in patient
// physical space and the mapping between voxel indices and physical
// coordinates. All coordinates follow the DICOM LPS convention
// (+x left, +y posterior, +z superior) with millimetre units.
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// orthoTol bounds how far a direction matrix may drift from orthonormality
// before the grid is rejected.
const orthoTol = 1e-4

// Point is a position in physical space.
type Point struct {
	X, Y, Z float64
}

// Vector is a physical displacement.
type Vector struct {
	X, Y, Z float64
}

// Add returns the point shifted by v.
func (p Point) Add(v Vector) Point {
	return Point{p.X + v.X, p.Y + v.Y, p.Z + v.Z}
}

// Sub returns the displacement from q to p.
func (p Point) Sub(q Point) Vector {
	return Vector{p.X - q.X, p.Y - q.Y, p.Z - q.Z}
}

// GeometryError reports a sampling-grid description that violates the
// grid invariants: non-positive dimensions or spacing, or an orientation
// matrix that is not orthonormal within tolerance.
type GeometryError struct {
	Reason string
}

func (e *GeometryError) Error() string {
	return "invalid grid geometry: " + e.Reason
}

// Grid fully describes a regular sampling lattice: voxel counts per axis,
// the physical position of voxel (0,0,0), the physical distance between
// adjacent voxels along each axis, and a row-major 3x3 orientation matrix
// whose column j holds the direction cosines of image axis j.
//
// The physical position of continuous index (fx,fy,fz) is
//
//	origin + D * (spacing_x*fx, spacing_y*fy, spacing_z*fz)
//
// Grids built by NewGrid satisfy all invariants; treat them as immutable.
type Grid struct {
	Dims      [3]int
	Origin    Point
	Spacing   [3]float64
	Direction [9]float64
}

// NewGrid validates the grid invariants and returns the grid. Dimensions
// must be positive, every spacing component must be > 0, and the direction
// matrix must be orthonormal within tolerance. Violations are reported as
// *GeometryError.
func NewGrid(dims [3]int, origin Point, spacing [3]float64, direction [9]float64) (Grid, error) {
	for axis, n := range dims {
		if n <= 0 {
			return Grid{}, &GeometryError{Reason: fmt.Sprintf("dimension %d is %d, want > 0", axis, n)}
		}
	}
	for axis, s := range spacing {
		if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return Grid{}, &GeometryError{Reason: fmt.Sprintf("spacing %d is %g, want > 0", axis, s)}
		}
	}
	if err := CheckOrthonormal(direction); err != nil {
		return Grid{}, err
	}
	return Grid{Dims: dims, Origin: origin, Spacing: spacing, Direction: direction}, nil
}

// CheckOrthonormal verifies that a row-major 3x3 matrix satisfies
// M^T * M = I within tolerance, returning a *GeometryError otherwise.
// Grid directions and rigid rotation blocks share this requirement.
func CheckOrthonormal(m [9]float64) error {
	d := mat.NewDense(3, 3, m[:])
	var dtd mat.Dense
	dtd.Mul(d.T(), d)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			want := 0.0
			if r == c {
				want = 1.0
			}
			if math.Abs(dtd.At(r, c)-want) > orthoTol {
				return &GeometryError{Reason: fmt.Sprintf(
					"matrix is not orthonormal: (M^T M)[%d,%d] = %.6f", r, c, dtd.At(r, c))}
			}
		}
	}
	return nil
}

// IdentityDirection returns the axis-aligned orientation matrix.
func IdentityDirection() [9]float64 {
	return [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// DirectionFromOrientation builds an orientation matrix from the six
// DICOM ImageOrientationPatient cosines: the first triplet is the image
// x-axis direction, the second the image y-axis direction, and the
// z-axis is their cross product. Column j of the result holds axis j.
func DirectionFromOrientation(iop [6]float64) [9]float64 {
	rx := [3]float64{iop[0], iop[1], iop[2]}
	ry := [3]float64{iop[3], iop[4], iop[5]}
	rz := [3]float64{
		rx[1]*ry[2] - rx[2]*ry[1],
		rx[2]*ry[0] - rx[0]*ry[2],
		rx[0]*ry[1] - rx[1]*ry[0],
	}
	return [9]float64{
		rx[0], ry[0], rz[0],
		rx[1], ry[1], rz[1],
		rx[2], ry[2], rz[2],
	}
}

// NumVoxels returns the total voxel count.
func (g Grid) NumVoxels() int {
	return g.Dims[0] * g.Dims[1] * g.Dims[2]
}

// PhysicalPoint returns the physical position of the voxel at integer
// index (i,j,k).
func (g Grid) PhysicalPoint(i, j, k int) Point {
	return g.PhysicalPointContinuous(float64(i), float64(j), float64(k))
}

// PhysicalPointContinuous returns the physical position of the continuous
// index (fx,fy,fz).
func (g Grid) PhysicalPointContinuous(fx, fy, fz float64) Point {
	sx := g.Spacing[0] * fx
	sy := g.Spacing[1] * fy
	sz := g.Spacing[2] * fz
	d := &g.Direction
	return Point{
		X: g.Origin.X + d[0]*sx + d[1]*sy + d[2]*sz,
		Y: g.Origin.Y + d[3]*sx + d[4]*sy + d[5]*sz,
		Z: g.Origin.Z + d[6]*sx + d[7]*sy + d[8]*sz,
	}
}

// ContinuousIndex maps a physical point to the grid's continuous index
// space, inverting the orientation matrix. Grids built by NewGrid always
// invert; a hand-assembled singular direction yields NaN indices.
func (g Grid) ContinuousIndex(p Point) (fx, fy, fz float64) {
	inv, ok := InvertDirection(g.Direction)
	if !ok {
		return math.NaN(), math.NaN(), math.NaN()
	}
	v := p.Sub(g.Origin)
	rx := inv[0]*v.X + inv[1]*v.Y + inv[2]*v.Z
	ry := inv[3]*v.X + inv[4]*v.Y + inv[5]*v.Z
	rz := inv[6]*v.X + inv[7]*v.Y + inv[8]*v.Z
	return rx / g.Spacing[0], ry / g.Spacing[1], rz / g.Spacing[2]
}

// InvertDirection returns the inverse of a 3x3 row-major orientation
// matrix, reporting false when the matrix is singular. Callers that map
// many points should invert once and reuse the result.
func InvertDirection(direction [9]float64) ([9]float64, bool) {
	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(3, 3, direction[:])); err != nil {
		return [9]float64{}, false
	}
	var out [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = inv.At(r, c)
		}
	}
	return out, true
}

// Equal reports exact equality of every grid component.
func (g Grid) Equal(o Grid) bool {
	return g.Dims == o.Dims && g.Origin == o.Origin && g.Spacing == o.Spacing && g.Direction == o.Direction
}

// ApproxEqual reports equality with identical dimensions and all
// floating-point components within tol.
func (g Grid) ApproxEqual(o Grid, tol float64) bool {
	if g.Dims != o.Dims {
		return false
	}
	close := func(a, b float64) bool { return math.Abs(a-b) <= tol }
	if !close(g.Origin.X, o.Origin.X) || !close(g.Origin.Y, o.Origin.Y) || !close(g.Origin.Z, o.Origin.Z) {
		return false
	}
	for i := 0; i < 3; i++ {
		if !close(g.Spacing[i], o.Spacing[i]) {
			return false
		}
	}
	for i := 0; i < 9; i++ {
		if !close(g.Direction[i], o.Direction[i]) {
			return false
		}
	}
	return true
}

// String renders the grid in the compact form used by the CLI inspection
// output.
func (g Grid) String() string {
	return fmt.Sprintf("%dx%dx%d @ (%.3f, %.3f, %.3f) spacing (%.4f, %.4f, %.4f)",
		g.Dims[0], g.Dims[1], g.Dims[2],
		g.Origin.X, g.Origin.Y, g.Origin.Z,
		g.Spacing[0], g.Spacing[1], g.Spacing[2])
}
