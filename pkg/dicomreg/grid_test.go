package dicomreg

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dvfwarp/pkg/geometry"
)

// rawFloats encodes float32 samples as the little-endian byte stream
// VectorGridData carries on the wire.
func rawFloats(vals []float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func rampFloats(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) * 0.5
	}
	return out
}

// dvfDataset assembles a deformable registration dataset whose single
// grid item holds the given elements.
func dvfDataset(gridElements []*dicom.Element, topLevel ...*dicom.Element) dicom.Dataset {
	reg := dicom.MustNewElement(tagDeformableRegistrationSequence, [][]*dicom.Element{
		{
			dicom.MustNewElement(tagDeformableRegistrationGridSequence, [][]*dicom.Element{gridElements}),
		},
	})
	els := append([]*dicom.Element{reg}, topLevel...)
	return dicom.Dataset{Elements: els}
}

// standardGridElements builds a well-formed 2x3x4 grid item.
func standardGridElements() []*dicom.Element {
	return []*dicom.Element{
		dicom.MustNewElement(tagGridDimensions, []int{2, 3, 4}),
		dicom.MustNewElement(tagGridResolution, []float64{1.5, 2.5, 3.5}),
		dicom.MustNewElement(tag.ImagePositionPatient, []string{"-100.5", "-90", "12.25"}),
		dicom.MustNewElement(tagVectorGridData, rawFloats(rampFloats(3*2*3*4))),
	}
}

// replaceGridElement swaps one tag's element in a grid item, or drops
// it when repl is nil.
func replaceGridElement(els []*dicom.Element, t tag.Tag, repl *dicom.Element) []*dicom.Element {
	out := make([]*dicom.Element, 0, len(els)+1)
	for _, el := range els {
		if el.Tag == t {
			continue
		}
		out = append(out, el)
	}
	if repl != nil {
		out = append(out, repl)
	}
	return out
}

func TestDecodeGridFullResolution(t *testing.T) {
	g, err := DecodeGrid(dvfDataset(standardGridElements()))
	if err != nil {
		t.Fatalf("DecodeGrid failed: %v", err)
	}

	if g.Geom.Dims != [3]int{2, 3, 4} {
		t.Errorf("expected dimensions [2 3 4], got %v", g.Geom.Dims)
	}
	if g.Geom.Origin != (geometry.Point{X: -100.5, Y: -90, Z: 12.25}) {
		t.Errorf("expected origin (-100.5,-90,12.25), got %v", g.Geom.Origin)
	}
	if g.Geom.Spacing != [3]float64{1.5, 2.5, 3.5} {
		t.Errorf("expected spacing [1.5 2.5 3.5], got %v", g.Geom.Spacing)
	}
	if g.Geom.Direction != geometry.IdentityDirection() {
		t.Errorf("expected identity direction without orientation tag, got %v", g.Geom.Direction)
	}
	if len(g.Raw) != 72 {
		t.Fatalf("expected 72 raw samples, got %d", len(g.Raw))
	}
	for i, v := range g.Raw {
		if v != float32(i)*0.5 {
			t.Fatalf("raw sample %d: expected %g, got %g", i, float32(i)*0.5, v)
		}
	}
}

func TestDecodeGridOrientation(t *testing.T) {
	els := append(standardGridElements(),
		dicom.MustNewElement(tag.ImageOrientationPatient, []string{"0", "-1", "0", "1", "0", "0"}))
	g, err := DecodeGrid(dvfDataset(els))
	if err != nil {
		t.Fatalf("DecodeGrid failed: %v", err)
	}
	expected := geometry.DirectionFromOrientation([6]float64{0, -1, 0, 1, 0, 0})
	if g.Geom.Direction != expected {
		t.Errorf("expected direction %v, got %v", expected, g.Geom.Direction)
	}
}

func TestDecodeGridFloatBuffer(t *testing.T) {
	// Parsers that decode the OF representation themselves hand the
	// samples over as floats instead of bytes.
	vals := make([]float64, 72)
	for i := range vals {
		vals[i] = float64(float32(i) * 0.25)
	}
	els := replaceGridElement(standardGridElements(), tagVectorGridData,
		dicom.MustNewElement(tagVectorGridData, vals))
	g, err := DecodeGrid(dvfDataset(els))
	if err != nil {
		t.Fatalf("DecodeGrid failed: %v", err)
	}
	for i, v := range g.Raw {
		if v != float32(i)*0.25 {
			t.Fatalf("raw sample %d: expected %g, got %g", i, float32(i)*0.25, v)
		}
	}
}

func TestDecodeGridZSpacingFallback(t *testing.T) {
	twoValueRes := dicom.MustNewElement(tagGridResolution, []float64{1.5, 2.5})
	perFrame := dicom.MustNewElement(tagPerFrameFunctionalGroupsSequence, [][]*dicom.Element{
		{
			dicom.MustNewElement(tagPixelMeasuresSequence, [][]*dicom.Element{
				{dicom.MustNewElement(tag.SpacingBetweenSlices, []string{"3.2"})},
			}),
		},
	})

	testCases := []struct {
		name      string
		gridExtra []*dicom.Element
		topLevel  []*dicom.Element
		expectedZ float64
	}{
		{
			"grid frame offset vector",
			[]*dicom.Element{dicom.MustNewElement(tagGridFrameOffsetVector, []string{"10", "12.5", "15"})},
			nil,
			2.5,
		},
		{
			"per-frame pixel measures",
			nil,
			[]*dicom.Element{perFrame},
			3.2,
		},
		{
			"short offset vector falls through to pixel measures",
			[]*dicom.Element{dicom.MustNewElement(tagGridFrameOffsetVector, []string{"10"})},
			[]*dicom.Element{perFrame},
			3.2,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			els := replaceGridElement(standardGridElements(), tagGridResolution, twoValueRes)
			els = append(els, tc.gridExtra...)
			g, err := DecodeGrid(dvfDataset(els, tc.topLevel...))
			if err != nil {
				t.Fatalf("DecodeGrid failed: %v", err)
			}
			expected := [3]float64{1.5, 2.5, tc.expectedZ}
			if g.Geom.Spacing != expected {
				t.Errorf("expected spacing %v, got %v", expected, g.Geom.Spacing)
			}
		})
	}
}

func TestDecodeGridZSpacingUnrecoverable(t *testing.T) {
	// Neither fallback source present: the object is rejected, never
	// defaulted.
	els := replaceGridElement(standardGridElements(), tagGridResolution,
		dicom.MustNewElement(tagGridResolution, []float64{1.5, 2.5}))
	_, err := DecodeGrid(dvfDataset(els))
	var ferr *FormatError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *FormatError when z spacing is unrecoverable, got %v", err)
	}
}

func TestDecodeGridRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name string
		ds   dicom.Dataset
	}{
		{
			"missing registration sequence",
			dicom.Dataset{Elements: []*dicom.Element{
				dicom.MustNewElement(tag.SOPClassUID, []string{DeformableSpatialRegistrationStorage}),
			}},
		},
		{
			"registration item without grid sequence",
			dicom.Dataset{Elements: []*dicom.Element{
				dicom.MustNewElement(tagDeformableRegistrationSequence, [][]*dicom.Element{
					{dicom.MustNewElement(tag.ImagePositionPatient, []string{"0", "0", "0"})},
				}),
			}},
		},
		{
			"missing grid dimensions",
			dvfDataset(replaceGridElement(standardGridElements(), tagGridDimensions, nil)),
		},
		{
			"two grid dimensions",
			dvfDataset(replaceGridElement(standardGridElements(), tagGridDimensions,
				dicom.MustNewElement(tagGridDimensions, []int{2, 3}))),
		},
		{
			"zero grid dimension",
			dvfDataset(replaceGridElement(standardGridElements(), tagGridDimensions,
				dicom.MustNewElement(tagGridDimensions, []int{2, 0, 4}))),
		},
		{
			"missing origin",
			dvfDataset(replaceGridElement(standardGridElements(), tag.ImagePositionPatient, nil)),
		},
		{
			"missing resolution",
			dvfDataset(replaceGridElement(standardGridElements(), tagGridResolution, nil)),
		},
		{
			"single-value resolution",
			dvfDataset(replaceGridElement(standardGridElements(), tagGridResolution,
				dicom.MustNewElement(tagGridResolution, []float64{1.5}))),
		},
		{
			"negative resolution",
			dvfDataset(replaceGridElement(standardGridElements(), tagGridResolution,
				dicom.MustNewElement(tagGridResolution, []float64{1.5, -2.5, 3.5}))),
		},
		{
			"missing vector grid data",
			dvfDataset(replaceGridElement(standardGridElements(), tagVectorGridData, nil)),
		},
		{
			"buffer length mismatch",
			dvfDataset(replaceGridElement(standardGridElements(), tagVectorGridData,
				dicom.MustNewElement(tagVectorGridData, rawFloats(rampFloats(71))))),
		},
		{
			"buffer not whole floats",
			dvfDataset(replaceGridElement(standardGridElements(), tagVectorGridData,
				dicom.MustNewElement(tagVectorGridData, []byte{1, 2, 3}))),
		},
		{
			"descending frame offsets",
			dvfDataset(append(
				replaceGridElement(standardGridElements(), tagGridResolution,
					dicom.MustNewElement(tagGridResolution, []float64{1.5, 2.5})),
				dicom.MustNewElement(tagGridFrameOffsetVector, []string{"15", "10"}))),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeGrid(tc.ds)
			var ferr *FormatError
			if !errors.As(err, &ferr) {
				t.Errorf("expected *FormatError, got %v", err)
			}
		})
	}
}

func TestDecodeGridFileRejectsNonDICOM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not_a_registration.dcm")
	if err := os.WriteFile(path, []byte("this is not a DICOM file"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if _, err := DecodeGridFile(path); err == nil {
		t.Error("expected error for non-DICOM file, got nil")
	}
	if _, err := DecodeGridFile(filepath.Join(dir, "missing.dcm")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}
