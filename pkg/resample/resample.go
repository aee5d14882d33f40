// Package resample maps volumes between sampling grids through spatial
// transforms. It uses backward mapping: each target voxel center is
// transformed into source space and the source is interpolated there,
// so the output is always complete regardless of how the transform
// folds or stretches space.
package resample

import (
	"fmt"
	"math"

	"dvfwarp/pkg/geometry"
	"dvfwarp/pkg/transform"
	"dvfwarp/pkg/volume"
)

// snapTol collapses continuous indices onto exact grid nodes. Mapping a
// grid back onto itself accumulates rounding in the last few bits; the
// snap keeps grid-aligned sampling exact and keeps edge voxels inside
// the interpolation window.
const snapTol = 1e-9

// Mode selects how source samples are interpolated.
type Mode int

const (
	// Linear blends the eight source voxels around the mapped position.
	Linear Mode = iota
	// Nearest picks the closest source voxel.
	Nearest
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case Linear:
		return "linear"
	case Nearest:
		return "nearest"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode resolves the configuration names "linear" and "nearest".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "linear":
		return Linear, nil
	case "nearest":
		return Nearest, nil
	default:
		return Linear, fmt.Errorf("unknown interpolation mode %q (must be linear or nearest)", s)
	}
}

// ProgressFunc receives completed and total output slice counts while a
// resample runs.
type ProgressFunc func(completed, total int)

// Options control one resampling pass. The zero value is the pipeline
// default: linear interpolation filling out-of-bounds voxels with 0.
type Options struct {
	// Interpolation selects the sampling mode.
	Interpolation Mode

	// DefaultValue fills output voxels whose mapped position lies
	// outside the source extent. Out-of-bounds sampling is expected
	// behavior, not an error.
	DefaultValue float64

	// Progress, when non-nil, is called after each completed output
	// slice. The engine itself never prints.
	Progress ProgressFunc
}

// Resample maps src through tr onto the target grid. For every voxel
// center p of the target grid the source is sampled at tr.Apply(p).
// The output keeps the source's pixel type and every written sample is
// quantized to it, so resampling never widens the stored precision.
func Resample(src *volume.Volume, tr transform.Transform, target geometry.Grid, opts Options) (*volume.Volume, error) {
	if n := src.Geom.NumVoxels(); len(src.Data) != n {
		return nil, fmt.Errorf("source volume holds %d samples, its grid %s needs %d",
			len(src.Data), src.Geom, n)
	}
	switch opts.Interpolation {
	case Linear, Nearest:
	default:
		return nil, fmt.Errorf("unknown interpolation mode %d", int(opts.Interpolation))
	}
	inv, ok := geometry.InvertDirection(src.Geom.Direction)
	if !ok {
		return nil, &geometry.GeometryError{Reason: "source direction matrix is singular"}
	}

	s := sampler{
		data: src.Data,
		nx:   src.Geom.Dims[0],
		ny:   src.Geom.Dims[1],
		nz:   src.Geom.Dims[2],
	}
	sample := s.linear
	if opts.Interpolation == Nearest {
		sample = s.nearest
	}

	out := volume.New(target, src.Pixel)
	fill := src.Pixel.Quantize(opts.DefaultValue)
	origin := src.Geom.Origin
	spacing := src.Geom.Spacing

	idx := 0
	for k := 0; k < target.Dims[2]; k++ {
		for j := 0; j < target.Dims[1]; j++ {
			for i := 0; i < target.Dims[0]; i++ {
				q := tr.Apply(target.PhysicalPoint(i, j, k))

				vx := q.X - origin.X
				vy := q.Y - origin.Y
				vz := q.Z - origin.Z
				fx := snap((inv[0]*vx + inv[1]*vy + inv[2]*vz) / spacing[0])
				fy := snap((inv[3]*vx + inv[4]*vy + inv[5]*vz) / spacing[1])
				fz := snap((inv[6]*vx + inv[7]*vy + inv[8]*vz) / spacing[2])

				value, inside := sample(fx, fy, fz)
				if !inside {
					out.Data[idx] = fill
				} else {
					out.Data[idx] = src.Pixel.Quantize(value)
				}
				idx++
			}
		}
		if opts.Progress != nil {
			opts.Progress(k+1, target.Dims[2])
		}
	}
	return out, nil
}

// snap rounds a continuous index to the nearest grid node when it is
// within snapTol of it.
func snap(f float64) float64 {
	if r := math.Round(f); math.Abs(f-r) < snapTol {
		return r
	}
	return f
}

// sampler interpolates a flat x-fastest sample array.
type sampler struct {
	data       []float64
	nx, ny, nz int
}

// linear evaluates trilinear interpolation at a continuous index,
// reporting inside=false outside [0, n-1] on any axis. At an exact grid
// node all weight falls on one voxel, so stored samples reproduce
// without interpolation error.
func (s sampler) linear(fx, fy, fz float64) (float64, bool) {
	if fx < 0 || fx > float64(s.nx-1) || fy < 0 || fy > float64(s.ny-1) || fz < 0 || fz > float64(s.nz-1) {
		return 0, false
	}

	x0, y0, z0 := int(fx), int(fy), int(fz)
	x1, y1, z1 := x0+1, y0+1, z0+1
	if x1 >= s.nx {
		x1 = s.nx - 1
	}
	if y1 >= s.ny {
		y1 = s.ny - 1
	}
	if z1 >= s.nz {
		z1 = s.nz - 1
	}
	tx := fx - float64(x0)
	ty := fy - float64(y0)
	tz := fz - float64(z0)

	plane := s.nx * s.ny
	row0 := z0*plane + y0*s.nx
	row1 := z0*plane + y1*s.nx
	row2 := z1*plane + y0*s.nx
	row3 := z1*plane + y1*s.nx

	c00 := s.data[row0+x0] + tx*(s.data[row0+x1]-s.data[row0+x0])
	c10 := s.data[row1+x0] + tx*(s.data[row1+x1]-s.data[row1+x0])
	c01 := s.data[row2+x0] + tx*(s.data[row2+x1]-s.data[row2+x0])
	c11 := s.data[row3+x0] + tx*(s.data[row3+x1]-s.data[row3+x0])

	c0 := c00 + ty*(c10-c00)
	c1 := c01 + ty*(c11-c01)
	return c0 + tz*(c1-c0), true
}

// nearest evaluates nearest-neighbor interpolation at a continuous
// index, reporting inside=false when the rounded index leaves the grid.
func (s sampler) nearest(fx, fy, fz float64) (float64, bool) {
	x := int(math.Round(fx))
	y := int(math.Round(fy))
	z := int(math.Round(fz))
	if x < 0 || x >= s.nx || y < 0 || y >= s.ny || z < 0 || z >= s.nz {
		return 0, false
	}
	return s.data[z*s.nx*s.ny+y*s.nx+x], true
}
