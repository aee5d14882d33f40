package dicomreg

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dvfwarp/pkg/geometry"
)

// Grid is the decoded payload of a deformable registration object: the
// geometry of its displacement grid plus the raw samples, one
// (dx,dy,dz) float32 triple per voxel in x-fastest voxel order.
type Grid struct {
	Geom geometry.Grid
	Raw  []float32
}

// DecodeGrid extracts the displacement grid from a deformable spatial
// registration dataset. It takes the first registration item that
// carries a grid sequence and that sequence's first item, the layout
// single-grid registration exports write.
func DecodeGrid(ds dicom.Dataset) (*Grid, error) {
	gridItem, err := deformableGridItem(ds)
	if err != nil {
		return nil, err
	}

	dimsEl, err := requireInItem(gridItem, tagGridDimensions, "GridDimensions (0064,0007)")
	if err != nil {
		return nil, err
	}
	dims, err := elementInts(dimsEl)
	if err != nil {
		return nil, err
	}
	if len(dims) != 3 {
		return nil, &FormatError{Reason: fmt.Sprintf("GridDimensions holds %d values, want 3", len(dims))}
	}
	for axis, n := range dims {
		if n <= 0 {
			return nil, &FormatError{Reason: fmt.Sprintf("GridDimensions[%d] = %d, want > 0", axis, n)}
		}
	}

	originEl, err := requireInItem(gridItem, tag.ImagePositionPatient, "ImagePositionPatient (0020,0032)")
	if err != nil {
		return nil, err
	}
	origin, err := elementFloats(originEl)
	if err != nil {
		return nil, err
	}
	if len(origin) != 3 {
		return nil, &FormatError{Reason: fmt.Sprintf("ImagePositionPatient holds %d values, want 3", len(origin))}
	}

	spacing, err := resolveSpacing(ds, gridItem)
	if err != nil {
		return nil, err
	}
	for axis, s := range spacing {
		if s <= 0 || math.IsNaN(s) {
			return nil, &FormatError{Reason: fmt.Sprintf("grid spacing[%d] resolves to %g, want > 0", axis, s)}
		}
	}

	direction := geometry.IdentityDirection()
	if iopEl, ok := findInItem(gridItem, tag.ImageOrientationPatient); ok {
		iop, err := elementFloats(iopEl)
		if err != nil {
			return nil, err
		}
		if len(iop) != 6 {
			return nil, &FormatError{Reason: fmt.Sprintf("ImageOrientationPatient holds %d values, want 6", len(iop))}
		}
		direction = geometry.DirectionFromOrientation([6]float64{iop[0], iop[1], iop[2], iop[3], iop[4], iop[5]})
	}

	raw, err := vectorGridData(gridItem)
	if err != nil {
		return nil, err
	}
	if expected := 3 * dims[0] * dims[1] * dims[2]; len(raw) != expected {
		return nil, &FormatError{Reason: fmt.Sprintf(
			"VectorGridData holds %d floats, grid dimensions %dx%dx%d need %d",
			len(raw), dims[0], dims[1], dims[2], expected)}
	}

	geom, err := geometry.NewGrid(
		[3]int{dims[0], dims[1], dims[2]},
		geometry.Point{X: origin[0], Y: origin[1], Z: origin[2]},
		spacing, direction)
	if err != nil {
		return nil, &FormatError{Reason: "grid geometry is invalid", Err: err}
	}
	return &Grid{Geom: geom, Raw: raw}, nil
}

// DecodeGridFile parses a DICOM file and decodes its displacement grid.
func DecodeGridFile(path string) (*Grid, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return DecodeGrid(ds)
}

// deformableGridItem finds the first registration item carrying a grid
// sequence and returns that sequence's first item.
func deformableGridItem(ds dicom.Dataset) (*dicom.SequenceItemValue, error) {
	regEl, err := requireElement(ds, tagDeformableRegistrationSequence, "DeformableRegistrationSequence (0064,0002)")
	if err != nil {
		return nil, err
	}
	for _, item := range sequenceItems(regEl) {
		gridSeq, ok := findInItem(item, tagDeformableRegistrationGridSequence)
		if !ok {
			continue
		}
		if items := sequenceItems(gridSeq); len(items) > 0 {
			return items[0], nil
		}
	}
	return nil, &FormatError{Reason: "no registration item carries a DeformableRegistrationGridSequence (0064,0005)"}
}

// resolveSpacing determines the grid spacing. GridResolution normally
// carries all three components; some exporters write only the in-plane
// pair, in which case the z spacing is recovered from the grid's frame
// offset vector or, failing that, the per-frame pixel measures.
func resolveSpacing(ds dicom.Dataset, gridItem *dicom.SequenceItemValue) ([3]float64, error) {
	resEl, err := requireInItem(gridItem, tagGridResolution, "GridResolution (0064,0008)")
	if err != nil {
		return [3]float64{}, err
	}
	res, err := elementFloats(resEl)
	if err != nil {
		return [3]float64{}, err
	}
	switch {
	case len(res) >= 3:
		return [3]float64{res[0], res[1], res[2]}, nil
	case len(res) == 2:
		z, err := zSpacingFallback(ds, gridItem)
		if err != nil {
			return [3]float64{}, err
		}
		return [3]float64{res[0], res[1], z}, nil
	default:
		return [3]float64{}, &FormatError{Reason: fmt.Sprintf("GridResolution holds %d values, want at least 2", len(res))}
	}
}

// zSpacingFallback recovers the slice spacing for grids whose
// GridResolution omits it. There is no safe default to fall back on:
// when neither source is present the object is rejected rather than
// guessed at.
func zSpacingFallback(ds dicom.Dataset, gridItem *dicom.SequenceItemValue) (float64, error) {
	if el, ok := findInItem(gridItem, tagGridFrameOffsetVector); ok {
		offsets, err := elementFloats(el)
		if err != nil {
			return 0, err
		}
		if len(offsets) >= 2 {
			return offsets[1] - offsets[0], nil
		}
	}
	if el, ok := findElement(ds, tagPerFrameFunctionalGroupsSequence); ok {
		if z, ok := perFrameSliceSpacing(el); ok {
			return z, nil
		}
	}
	return 0, &FormatError{Reason: "GridResolution omits the z spacing and neither " +
		"GridFrameOffsetVector (3004,000C) nor PerFrameFunctionalGroupsSequence (5200,9230) supplies it"}
}

// perFrameSliceSpacing reads SpacingBetweenSlices from the first
// per-frame functional group's pixel measures.
func perFrameSliceSpacing(el *dicom.Element) (float64, bool) {
	items := sequenceItems(el)
	if len(items) == 0 {
		return 0, false
	}
	pm, ok := findInItem(items[0], tagPixelMeasuresSequence)
	if !ok {
		return 0, false
	}
	pmItems := sequenceItems(pm)
	if len(pmItems) == 0 {
		return 0, false
	}
	sbs, ok := findInItem(pmItems[0], tag.SpacingBetweenSlices)
	if !ok {
		return 0, false
	}
	z, err := firstFloat(sbs)
	if err != nil {
		return 0, false
	}
	return z, true
}

// vectorGridData returns the interleaved float32 displacement samples.
// Depending on how the OF value representation survives parsing, the
// data arrives either as raw little-endian bytes or as already-decoded
// floats; both carry 32-bit samples.
func vectorGridData(gridItem *dicom.SequenceItemValue) ([]float32, error) {
	el, err := requireInItem(gridItem, tagVectorGridData, "VectorGridData (0064,0009)")
	if err != nil {
		return nil, err
	}
	switch v := el.Value.GetValue().(type) {
	case []byte:
		if len(v)%4 != 0 {
			return nil, &FormatError{Reason: fmt.Sprintf(
				"VectorGridData holds %d bytes, not a whole number of 32-bit floats", len(v))}
		}
		out := make([]float32, len(v)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(v[4*i:]))
		}
		return out, nil
	case []float64:
		out := make([]float32, len(v))
		for i, f := range v {
			out[i] = float32(f)
		}
		return out, nil
	default:
		return nil, &FormatError{Reason: fmt.Sprintf("VectorGridData holds %T, want bytes or floats", v)}
	}
}
