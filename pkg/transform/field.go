package transform

import (
	"fmt"

	"dvfwarp/pkg/geometry"
	"dvfwarp/pkg/volume"
)

// BuildField de-interleaves a raw displacement buffer into per-axis
// component planes. The buffer holds one (dx,dy,dz) triple per voxel in
// x-fastest voxel order, 32-bit floats as decoded from the grid data.
// Components are widened to float64 exactly once here; all later
// arithmetic stays in float64.
func BuildField(raw []float32, geom geometry.Grid) (*volume.VectorField, error) {
	n := geom.NumVoxels()
	if len(raw) != 3*n {
		return nil, &ShapeError{Reason: fmt.Sprintf(
			"displacement buffer holds %d values, grid %s needs %d (3 per voxel)",
			len(raw), geom, 3*n)}
	}
	x := make([]float64, n)
	y := make([]float64, n)
	z := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = float64(raw[3*i])
		y[i] = float64(raw[3*i+1])
		z[i] = float64(raw[3*i+2])
	}
	return &volume.VectorField{Geom: geom, X: x, Y: y, Z: z}, nil
}

// DisplacementField warps points by a vector field anchored to a fixed
// reference grid: Apply returns p plus the field trilinearly
// interpolated at p's position in the reference grid. Points outside
// the reference extent receive zero displacement.
type DisplacementField struct {
	field *volume.VectorField
	ref   geometry.Grid
	inv   [9]float64
}

// NewDisplacementField anchors a vector field to the reference grid
// that defines where the field is valid. The reference must have the
// same dimensions the field was built with, and each component plane
// must hold one value per voxel; mismatches are rejected with a
// *ShapeError.
func NewDisplacementField(field *volume.VectorField, ref geometry.Grid) (*DisplacementField, error) {
	if field.Geom.Dims != ref.Dims {
		return nil, &ShapeError{Reason: fmt.Sprintf(
			"field dimensions %v do not match reference grid dimensions %v",
			field.Geom.Dims, ref.Dims)}
	}
	n := ref.NumVoxels()
	if len(field.X) != n || len(field.Y) != n || len(field.Z) != n {
		return nil, &ShapeError{Reason: fmt.Sprintf(
			"field component planes hold %d/%d/%d values, reference grid needs %d",
			len(field.X), len(field.Y), len(field.Z), n)}
	}
	inv, ok := geometry.InvertDirection(ref.Direction)
	if !ok {
		return nil, &geometry.GeometryError{Reason: "reference direction matrix is singular"}
	}
	return &DisplacementField{field: field, ref: ref, inv: inv}, nil
}

// Reference returns the grid the field is anchored to.
func (d *DisplacementField) Reference() geometry.Grid {
	return d.ref
}

// Apply returns p displaced by the interpolated field value at p.
func (d *DisplacementField) Apply(p geometry.Point) geometry.Point {
	v := p.Sub(d.ref.Origin)
	rx := d.inv[0]*v.X + d.inv[1]*v.Y + d.inv[2]*v.Z
	ry := d.inv[3]*v.X + d.inv[4]*v.Y + d.inv[5]*v.Z
	rz := d.inv[6]*v.X + d.inv[7]*v.Y + d.inv[8]*v.Z
	fx := rx / d.ref.Spacing[0]
	fy := ry / d.ref.Spacing[1]
	fz := rz / d.ref.Spacing[2]

	nx, ny, nz := d.ref.Dims[0], d.ref.Dims[1], d.ref.Dims[2]
	if fx < 0 || fx > float64(nx-1) || fy < 0 || fy > float64(ny-1) || fz < 0 || fz > float64(nz-1) {
		return p
	}
	return p.Add(d.interpolate(fx, fy, fz))
}

// interpolate evaluates the field at an in-bounds continuous index.
func (d *DisplacementField) interpolate(fx, fy, fz float64) geometry.Vector {
	nx, ny := d.ref.Dims[0], d.ref.Dims[1]

	x0, y0, z0 := int(fx), int(fy), int(fz)
	x1, y1, z1 := x0+1, y0+1, z0+1
	if x1 >= nx {
		x1 = nx - 1
	}
	if y1 >= ny {
		y1 = ny - 1
	}
	if z1 >= d.ref.Dims[2] {
		z1 = d.ref.Dims[2] - 1
	}
	tx := fx - float64(x0)
	ty := fy - float64(y0)
	tz := fz - float64(z0)

	plane := nx * ny
	i000 := z0*plane + y0*nx + x0
	i100 := z0*plane + y0*nx + x1
	i010 := z0*plane + y1*nx + x0
	i110 := z0*plane + y1*nx + x1
	i001 := z1*plane + y0*nx + x0
	i101 := z1*plane + y0*nx + x1
	i011 := z1*plane + y1*nx + x0
	i111 := z1*plane + y1*nx + x1

	w000 := (1 - tx) * (1 - ty) * (1 - tz)
	w100 := tx * (1 - ty) * (1 - tz)
	w010 := (1 - tx) * ty * (1 - tz)
	w110 := tx * ty * (1 - tz)
	w001 := (1 - tx) * (1 - ty) * tz
	w101 := tx * (1 - ty) * tz
	w011 := (1 - tx) * ty * tz
	w111 := tx * ty * tz

	blend := func(c []float64) float64 {
		return c[i000]*w000 + c[i100]*w100 + c[i010]*w010 + c[i110]*w110 +
			c[i001]*w001 + c[i101]*w101 + c[i011]*w011 + c[i111]*w111
	}
	return geometry.Vector{X: blend(d.field.X), Y: blend(d.field.Y), Z: blend(d.field.Z)}
}
