package dicomreg

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dvfwarp/pkg/geometry"
	"dvfwarp/pkg/volume"
)

// ctSlice is one decoded slice of an image series.
type ctSlice struct {
	origin      geometry.Point
	iop         [6]float64
	rows, cols  int
	rowSpacing  float64
	colSpacing  float64
	spacingHint float64 // SpacingBetweenSlices or SliceThickness, used for single-slice series
	seriesUID   string
	pixel       volume.PixelType
	pixels      []float64
}

// sliceGapTol bounds how far adjacent slice gaps may drift from the
// first gap before the stack is rejected as non-uniform. Positions come
// from decimal strings, so a micron absorbs the rounding.
const sliceGapTol = 1e-3

// ReadSeries loads a directory of single-frame DICOM slices as one
// volume: slices are sorted by their position along the slice normal,
// rescale slope and intercept are applied, and the grid geometry is
// derived from the spatial tags. Every file in the directory must be a
// slice of the same series.
func ReadSeries(dir string) (*volume.Volume, error) {
	paths, err := seriesFiles(dir)
	if err != nil {
		return nil, err
	}
	slices := make([]*ctSlice, 0, len(paths))
	for _, p := range paths {
		ds, err := dicom.ParseFile(p, nil)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		s, err := decodeSliceMeta(ds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if s.pixels, err = slicePixels(ds, s); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		slices = append(slices, s)
	}
	return assembleSeries(slices)
}

// ReadSeriesGeometry derives the grid geometry of a slice directory
// without decoding pixel data. It reads the same spatial tags as
// ReadSeries, so the result matches what a full load would produce.
func ReadSeriesGeometry(dir string) (geometry.Grid, error) {
	paths, err := seriesFiles(dir)
	if err != nil {
		return geometry.Grid{}, err
	}
	slices := make([]*ctSlice, 0, len(paths))
	for _, p := range paths {
		ds, err := dicom.ParseFile(p, nil, dicom.SkipPixelData())
		if err != nil {
			return geometry.Grid{}, fmt.Errorf("parse %s: %w", p, err)
		}
		s, err := decodeSliceMeta(ds)
		if err != nil {
			return geometry.Grid{}, fmt.Errorf("%s: %w", p, err)
		}
		slices = append(slices, s)
	}
	sortSlices(slices)
	return assembleGeometry(slices)
}

// seriesFiles lists the regular files of a series directory in name
// order; hidden files are skipped.
func seriesFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read series directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, &FormatError{Reason: "no slice files in " + dir}
	}
	sort.Strings(paths)
	return paths, nil
}

// decodeSliceMeta reads the spatial and pixel-description tags of one
// slice. Pixel data is handled separately so geometry-only reads can
// skip it.
func decodeSliceMeta(ds dicom.Dataset) (*ctSlice, error) {
	s := &ctSlice{}

	el, err := requireElement(ds, tag.Rows, "Rows (0028,0010)")
	if err != nil {
		return nil, err
	}
	if s.rows, err = firstInt(el); err != nil {
		return nil, err
	}
	el, err = requireElement(ds, tag.Columns, "Columns (0028,0011)")
	if err != nil {
		return nil, err
	}
	if s.cols, err = firstInt(el); err != nil {
		return nil, err
	}
	if s.rows <= 0 || s.cols <= 0 {
		return nil, &FormatError{Reason: fmt.Sprintf("slice is %dx%d pixels, want positive dimensions", s.cols, s.rows)}
	}

	el, err = requireElement(ds, tag.PixelSpacing, "PixelSpacing (0028,0030)")
	if err != nil {
		return nil, err
	}
	ps, err := elementFloats(el)
	if err != nil {
		return nil, err
	}
	if len(ps) != 2 {
		return nil, &FormatError{Reason: fmt.Sprintf("PixelSpacing holds %d values, want 2", len(ps))}
	}
	// PixelSpacing is (row spacing, column spacing), so the second
	// value is the x step and the first the y step.
	s.rowSpacing, s.colSpacing = ps[0], ps[1]

	el, err = requireElement(ds, tag.ImagePositionPatient, "ImagePositionPatient (0020,0032)")
	if err != nil {
		return nil, err
	}
	ipp, err := elementFloats(el)
	if err != nil {
		return nil, err
	}
	if len(ipp) != 3 {
		return nil, &FormatError{Reason: fmt.Sprintf("ImagePositionPatient holds %d values, want 3", len(ipp))}
	}
	s.origin = geometry.Point{X: ipp[0], Y: ipp[1], Z: ipp[2]}

	el, err = requireElement(ds, tag.ImageOrientationPatient, "ImageOrientationPatient (0020,0037)")
	if err != nil {
		return nil, err
	}
	iop, err := elementFloats(el)
	if err != nil {
		return nil, err
	}
	if len(iop) != 6 {
		return nil, &FormatError{Reason: fmt.Sprintf("ImageOrientationPatient holds %d values, want 6", len(iop))}
	}
	copy(s.iop[:], iop)

	signed := false
	if el, ok := findElement(ds, tag.PixelRepresentation); ok {
		rep, err := firstInt(el)
		if err != nil {
			return nil, err
		}
		signed = rep == 1
	}
	intercept := 0.0
	if el, ok := findElement(ds, tag.RescaleIntercept); ok {
		if intercept, err = firstFloat(el); err != nil {
			return nil, err
		}
	}
	// CT values go negative after rescale, so anything signed or
	// shifted below zero is stored as int16.
	if signed || intercept < 0 {
		s.pixel = volume.Int16
	} else {
		s.pixel = volume.UInt16
	}

	if el, ok := findElement(ds, tag.SpacingBetweenSlices); ok {
		if s.spacingHint, err = firstFloat(el); err != nil {
			return nil, err
		}
	} else if el, ok := findElement(ds, tag.SliceThickness); ok {
		if s.spacingHint, err = firstFloat(el); err != nil {
			return nil, err
		}
	}

	if el, ok := findElement(ds, tag.SeriesInstanceUID); ok {
		if s.seriesUID, err = elementString(el); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// slicePixels extracts one slice's samples in row-major order with the
// rescale slope and intercept applied.
func slicePixels(ds dicom.Dataset, s *ctSlice) ([]float64, error) {
	signed := false
	if el, ok := findElement(ds, tag.PixelRepresentation); ok {
		rep, err := firstInt(el)
		if err != nil {
			return nil, err
		}
		signed = rep == 1
	}
	bits := 16
	if el, ok := findElement(ds, tag.BitsAllocated); ok {
		var err error
		if bits, err = firstInt(el); err != nil {
			return nil, err
		}
	}
	if signed && bits != 16 {
		return nil, &FormatError{Reason: fmt.Sprintf("signed %d-bit pixel data is not supported", bits)}
	}
	slope, intercept := 1.0, 0.0
	if el, ok := findElement(ds, tag.RescaleSlope); ok {
		var err error
		if slope, err = firstFloat(el); err != nil {
			return nil, err
		}
	}
	if el, ok := findElement(ds, tag.RescaleIntercept); ok {
		var err error
		if intercept, err = firstFloat(el); err != nil {
			return nil, err
		}
	}

	el, err := requireElement(ds, tag.PixelData, "PixelData (7FE0,0010)")
	if err != nil {
		return nil, err
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, &FormatError{Reason: fmt.Sprintf("PixelData holds %T, want native pixel data", el.Value.GetValue())}
	}
	if len(info.Frames) == 0 {
		return nil, &FormatError{Reason: "PixelData carries no frames"}
	}
	fr := info.Frames[0]
	native, err := fr.GetNativeFrame()
	if err != nil {
		return nil, &FormatError{Reason: "PixelData frame is not native", Err: err}
	}
	n := s.rows * s.cols
	if len(native.Data) < n || len(native.Data[0]) == 0 {
		return nil, &FormatError{Reason: fmt.Sprintf(
			"PixelData frame holds %d samples, slice needs %d", len(native.Data), n)}
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		raw := native.Data[i][0]
		if signed {
			raw = int(int16(uint16(raw)))
		}
		out[i] = slope*float64(raw) + intercept
	}
	return out, nil
}

// sortSlices orders slices by their position along the slice normal.
func sortSlices(slices []*ctSlice) {
	if len(slices) < 2 {
		return
	}
	d := geometry.DirectionFromOrientation(slices[0].iop)
	normal := [3]float64{d[2], d[5], d[8]}
	along := func(s *ctSlice) float64 {
		return s.origin.X*normal[0] + s.origin.Y*normal[1] + s.origin.Z*normal[2]
	}
	sort.Slice(slices, func(i, j int) bool { return along(slices[i]) < along(slices[j]) })
}

// assembleGeometry derives the series grid from sorted slices.
func assembleGeometry(slices []*ctSlice) (geometry.Grid, error) {
	if len(slices) == 0 {
		return geometry.Grid{}, &FormatError{Reason: "series holds no slices"}
	}
	first := slices[0]
	for _, s := range slices[1:] {
		if s.seriesUID != "" && first.seriesUID != "" && s.seriesUID != first.seriesUID {
			return geometry.Grid{}, &FormatError{Reason: fmt.Sprintf(
				"directory mixes series %s and %s", first.seriesUID, s.seriesUID)}
		}
		if s.rows != first.rows || s.cols != first.cols {
			return geometry.Grid{}, &FormatError{Reason: fmt.Sprintf(
				"series mixes slice sizes %dx%d and %dx%d", first.cols, first.rows, s.cols, s.rows)}
		}
		if math.Abs(s.rowSpacing-first.rowSpacing) > 1e-6 || math.Abs(s.colSpacing-first.colSpacing) > 1e-6 {
			return geometry.Grid{}, &FormatError{Reason: "series mixes pixel spacings"}
		}
		for i := range s.iop {
			if math.Abs(s.iop[i]-first.iop[i]) > 1e-6 {
				return geometry.Grid{}, &FormatError{Reason: "series mixes slice orientations"}
			}
		}
	}

	zSpacing := first.spacingHint
	if len(slices) >= 2 {
		d := geometry.DirectionFromOrientation(first.iop)
		normal := [3]float64{d[2], d[5], d[8]}
		along := func(s *ctSlice) float64 {
			return s.origin.X*normal[0] + s.origin.Y*normal[1] + s.origin.Z*normal[2]
		}
		zSpacing = along(slices[1]) - along(slices[0])
		if zSpacing <= 0 {
			return geometry.Grid{}, &FormatError{Reason: "slices share a position along the slice normal"}
		}
		for i := 2; i < len(slices); i++ {
			gap := along(slices[i]) - along(slices[i-1])
			if math.Abs(gap-zSpacing) > sliceGapTol {
				return geometry.Grid{}, &FormatError{Reason: fmt.Sprintf(
					"slice spacing is not uniform: gap %g after gap %g", gap, zSpacing)}
			}
		}
	}
	if zSpacing <= 0 {
		return geometry.Grid{}, &FormatError{Reason: "single-slice series carries no SpacingBetweenSlices or SliceThickness"}
	}

	geom, err := geometry.NewGrid(
		[3]int{first.cols, first.rows, len(slices)},
		first.origin,
		[3]float64{first.colSpacing, first.rowSpacing, zSpacing},
		geometry.DirectionFromOrientation(first.iop))
	if err != nil {
		return geometry.Grid{}, &FormatError{Reason: "series geometry is invalid", Err: err}
	}
	return geom, nil
}

// assembleSeries stacks decoded slices into a volume.
func assembleSeries(slices []*ctSlice) (*volume.Volume, error) {
	sortSlices(slices)
	geom, err := assembleGeometry(slices)
	if err != nil {
		return nil, err
	}

	pixel := volume.UInt16
	for _, s := range slices {
		if s.pixel == volume.Int16 {
			pixel = volume.Int16
			break
		}
	}

	out := volume.New(geom, pixel)
	per := geom.Dims[0] * geom.Dims[1]
	for zi, s := range slices {
		if len(s.pixels) != per {
			return nil, &FormatError{Reason: fmt.Sprintf(
				"slice %d holds %d samples, geometry needs %d", zi, len(s.pixels), per)}
		}
		copy(out.Data[zi*per:(zi+1)*per], s.pixels)
	}
	return out, nil
}
