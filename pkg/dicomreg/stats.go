package dicomreg

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// FieldStats summarizes the per-voxel displacement magnitudes of a
// decoded grid, in mm.
type FieldStats struct {
	MeanMagnitude float64
	MaxMagnitude  float64
	StdDev        float64

	// MaxAbs holds the largest absolute displacement per physical axis.
	MaxAbs [3]float64
}

// Stats computes displacement statistics for inspection output.
func (g *Grid) Stats() FieldStats {
	n := g.Geom.NumVoxels()
	mags := make([]float64, n)
	var maxAbs [3]float64
	for i := 0; i < n; i++ {
		dx := float64(g.Raw[3*i])
		dy := float64(g.Raw[3*i+1])
		dz := float64(g.Raw[3*i+2])
		mags[i] = math.Sqrt(dx*dx + dy*dy + dz*dz)
		if a := math.Abs(dx); a > maxAbs[0] {
			maxAbs[0] = a
		}
		if a := math.Abs(dy); a > maxAbs[1] {
			maxAbs[1] = a
		}
		if a := math.Abs(dz); a > maxAbs[2] {
			maxAbs[2] = a
		}
	}
	return FieldStats{
		MeanMagnitude: stat.Mean(mags, nil),
		MaxMagnitude:  floats.Max(mags),
		StdDev:        stat.StdDev(mags, nil),
		MaxAbs:        maxAbs,
	}
}
