// Package preview renders grayscale slice images of a volume for quick
// visual inspection of warp results.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"dvfwarp/pkg/volume"
)

// Viewer extracts 2D slices from a volume, mapping sample values into
// a display window.
type Viewer struct {
	vol *volume.Volume

	// display window: lo maps to black, hi to white
	lo, hi float64
}

// NewViewer creates a viewer windowed to the volume's full value range.
func NewViewer(v *volume.Volume) *Viewer {
	lo, hi := v.MinMax()
	if hi <= lo {
		hi = lo + 1
	}
	return &Viewer{vol: v, lo: lo, hi: hi}
}

// SetWindow overrides the display window, e.g. to a CT soft-tissue
// window. Values outside it clamp to black or white.
func (v *Viewer) SetWindow(lo, hi float64) error {
	if hi <= lo {
		return fmt.Errorf("invalid window [%g, %g]: upper bound must exceed lower", lo, hi)
	}
	v.lo, v.hi = lo, hi
	return nil
}

func (v *Viewer) gray(val float64) color.Gray16 {
	t := (val - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// ExtractSlice extracts a 2D slice through the volume along the
// specified axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	width, height, depth := v.vol.Geom.Dims[0], v.vol.Geom.Dims[1], v.vol.Geom.Dims[2]

	var img *image.Gray16
	switch axis {
	case "x", "X":
		if position >= width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, width)
		}
		img = image.NewGray16(image.Rect(0, 0, depth, height))
		for y := 0; y < height; y++ {
			for z := 0; z < depth; z++ {
				img.SetGray16(z, y, v.gray(v.vol.At(position, y, z)))
			}
		}

	case "y", "Y":
		if position >= height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, height)
		}
		img = image.NewGray16(image.Rect(0, 0, width, depth))
		for z := 0; z < depth; z++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, z, v.gray(v.vol.At(x, position, z)))
			}
		}

	case "z", "Z":
		if position >= depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, depth)
		}
		img = image.NewGray16(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, y, v.gray(v.vol.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveMidSlices saves the central slice along each axis as
// <prefix>_x.png, <prefix>_y.png and <prefix>_z.png.
func (v *Viewer) SaveMidSlices(outputDir, prefix string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	positions := map[string]int{
		"x": v.vol.Geom.Dims[0] / 2,
		"y": v.vol.Geom.Dims[1] / 2,
		"z": v.vol.Geom.Dims[2] / 2,
	}
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, positions[axis])
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", prefix, axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// SaveSliceSequence extracts and saves every slice along the specified
// axis.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Geom.Dims[0]
	case "y", "Y":
		maxPos = v.vol.Geom.Dims[1]
	case "z", "Z":
		maxPos = v.vol.Geom.Dims[2]
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
