package transform

import (
	"dvfwarp/pkg/geometry"
)

// Rigid is a rotation plus translation in physical space, decoded from
// a row-major 4x4 homogeneous matrix. The fourth row of the source
// matrix is ignored.
type Rigid struct {
	rotation    [9]float64
	translation geometry.Vector
}

// NewRigid builds a rigid transform from a row-major 4x4 matrix: the
// top-left 3x3 block is the rotation, the fourth column the translation
// in mm. A rotation block that is not orthonormal within tolerance is
// rejected with a *geometry.GeometryError, since scaling or shear would
// make the transform non-rigid.
func NewRigid(matrix [16]float64) (*Rigid, error) {
	rot := [9]float64{
		matrix[0], matrix[1], matrix[2],
		matrix[4], matrix[5], matrix[6],
		matrix[8], matrix[9], matrix[10],
	}
	if err := geometry.CheckOrthonormal(rot); err != nil {
		return nil, err
	}
	return &Rigid{
		rotation:    rot,
		translation: geometry.Vector{X: matrix[3], Y: matrix[7], Z: matrix[11]},
	}, nil
}

// Apply returns R*p + t.
func (r *Rigid) Apply(p geometry.Point) geometry.Point {
	m := &r.rotation
	return geometry.Point{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z + r.translation.X,
		Y: m[3]*p.X + m[4]*p.Y + m[5]*p.Z + r.translation.Y,
		Z: m[6]*p.X + m[7]*p.Y + m[8]*p.Z + r.translation.Z,
	}
}

// Matrix reconstructs the row-major 4x4 homogeneous matrix.
func (r *Rigid) Matrix() [16]float64 {
	m := &r.rotation
	return [16]float64{
		m[0], m[1], m[2], r.translation.X,
		m[3], m[4], m[5], r.translation.Y,
		m[6], m[7], m[8], r.translation.Z,
		0, 0, 0, 1,
	}
}

// Translation returns the translation component in mm.
func (r *Rigid) Translation() geometry.Vector {
	return r.translation
}
