// Package volume holds scalar image volumes and vector displacement
// fields sampled on regular grids.
package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"dvfwarp/pkg/geometry"
)

// PixelType identifies the sample representation a volume was loaded
// with. Samples are kept as float64 in memory; the pixel type records
// the stored precision so that resampling and writers can preserve it.
type PixelType int

const (
	Float64 PixelType = iota
	Float32
	Int16
	UInt16
)

// String returns the conventional short name of the pixel type.
func (t PixelType) String() string {
	switch t {
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	case Int16:
		return "int16"
	case UInt16:
		return "uint16"
	default:
		return fmt.Sprintf("PixelType(%d)", int(t))
	}
}

// Quantize constrains v to the values representable by the pixel type:
// float32 samples round-trip through 32-bit precision, integer samples
// are rounded to nearest and clamped to the type's range. NaN quantizes
// to zero for integer types.
func (t PixelType) Quantize(v float64) float64 {
	switch t {
	case Float32:
		return float64(float32(v))
	case Int16:
		return clampRound(v, math.MinInt16, math.MaxInt16)
	case UInt16:
		return clampRound(v, 0, math.MaxUint16)
	default:
		return v
	}
}

func clampRound(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Volume is a scalar image sampled on a regular grid.
type Volume struct {
	// Geom describes the sampling lattice in physical space.
	Geom geometry.Grid

	// Data holds the samples in x-fastest order: the sample at voxel
	// (x,y,z) lives at index z*W*H + y*W + x.
	Data []float64

	// Pixel records the precision the samples were loaded with.
	Pixel PixelType
}

// New allocates a zero-filled volume on the given grid.
func New(geom geometry.Grid, pixel PixelType) *Volume {
	return &Volume{
		Geom:  geom,
		Data:  make([]float64, geom.NumVoxels()),
		Pixel: pixel,
	}
}

// FromData wraps an existing sample slice, which must hold exactly one
// sample per grid voxel.
func FromData(geom geometry.Grid, pixel PixelType, data []float64) (*Volume, error) {
	if len(data) != geom.NumVoxels() {
		return nil, fmt.Errorf("volume data holds %d samples, grid %s needs %d",
			len(data), geom, geom.NumVoxels())
	}
	return &Volume{Geom: geom, Data: data, Pixel: pixel}, nil
}

// Index returns the flat data index of voxel (x,y,z).
func (v *Volume) Index(x, y, z int) int {
	return z*v.Geom.Dims[0]*v.Geom.Dims[1] + y*v.Geom.Dims[0] + x
}

// At returns the sample at voxel (x,y,z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a sample at voxel (x,y,z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// MinMax returns the smallest and largest sample in the volume.
func (v *Volume) MinMax() (min, max float64) {
	return floats.Min(v.Data), floats.Max(v.Data)
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume{Geom: v.Geom, Data: data, Pixel: v.Pixel}
}

// VectorField is a vector-valued image on a regular grid, stored as one
// component slice per physical axis in the same x-fastest order as
// Volume data.
type VectorField struct {
	// Geom describes the sampling lattice of the field.
	Geom geometry.Grid

	// X, Y, Z hold the physical displacement components in mm.
	X, Y, Z []float64
}

// At returns the displacement stored at voxel (x,y,z).
func (f *VectorField) At(x, y, z int) geometry.Vector {
	i := z*f.Geom.Dims[0]*f.Geom.Dims[1] + y*f.Geom.Dims[0] + x
	return geometry.Vector{X: f.X[i], Y: f.Y[i], Z: f.Z[i]}
}
