package dicomreg

import (
	"errors"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dvfwarp/pkg/geometry"
)

// registrationItem wraps a 16-value matrix in the nested sequence
// layout of a Spatial Registration object.
func registrationItem(matrix []string) []*dicom.Element {
	return []*dicom.Element{
		dicom.MustNewElement(tagMatrixRegistrationSequence, [][]*dicom.Element{
			{
				dicom.MustNewElement(tagMatrixSequence, [][]*dicom.Element{
					{dicom.MustNewElement(tagFrameOfReferenceTransformationMatrix, matrix)},
				}),
			},
		}),
	}
}

func rigidDataset(items ...[]*dicom.Element) dicom.Dataset {
	seq := dicom.MustNewElement(tagRegistrationSequence, items)
	return dicom.Dataset{Elements: []*dicom.Element{seq}}
}

var identityMatrix = []string{
	"1", "0", "0", "0",
	"0", "1", "0", "0",
	"0", "0", "1", "0",
	"0", "0", "0", "1",
}

var shiftMatrix = []string{
	"1", "0", "0", "12.5",
	"0", "1", "0", "-4",
	"0", "0", "1", "30",
	"0", "0", "0", "1",
}

func TestDecodeRigidUsesSecondItem(t *testing.T) {
	// The first registration item describes the fixed frame and
	// carries an identity matrix; the moving frame's matrix is the one
	// that matters.
	ds := rigidDataset(registrationItem(identityMatrix), registrationItem(shiftMatrix))
	r, err := DecodeRigid(ds)
	if err != nil {
		t.Fatalf("DecodeRigid failed: %v", err)
	}
	expected := geometry.Vector{X: 12.5, Y: -4, Z: 30}
	if r.Translation() != expected {
		t.Errorf("expected translation %v, got %v", expected, r.Translation())
	}
}

func TestDecodeRigidSingleItem(t *testing.T) {
	ds := rigidDataset(registrationItem(shiftMatrix))
	r, err := DecodeRigid(ds)
	if err != nil {
		t.Fatalf("DecodeRigid failed: %v", err)
	}
	if r.Translation() != (geometry.Vector{X: 12.5, Y: -4, Z: 30}) {
		t.Errorf("expected translation from the only item, got %v", r.Translation())
	}
}

func TestDecodeRigidMatrixRoundTrip(t *testing.T) {
	ds := rigidDataset(registrationItem([]string{
		"0", "-1", "0", "5",
		"1", "0", "0", "-7.5",
		"0", "0", "1", "2",
		"0", "0", "0", "1",
	}))
	r, err := DecodeRigid(ds)
	if err != nil {
		t.Fatalf("DecodeRigid failed: %v", err)
	}
	m := r.Matrix()
	expected := [16]float64{
		0, -1, 0, 5,
		1, 0, 0, -7.5,
		0, 0, 1, 2,
		0, 0, 0, 1,
	}
	if m != expected {
		t.Errorf("expected matrix %v, got %v", expected, m)
	}
}

func TestDecodeRigidRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name string
		ds   dicom.Dataset
	}{
		{
			"missing registration sequence",
			dicom.Dataset{Elements: []*dicom.Element{
				dicom.MustNewElement(tag.SOPClassUID, []string{SpatialRegistrationStorage}),
			}},
		},
		{
			"item without matrix registration sequence",
			rigidDataset([]*dicom.Element{
				dicom.MustNewElement(tag.ImagePositionPatient, []string{"0", "0", "0"}),
			}),
		},
		{
			"matrix item without matrix sequence",
			rigidDataset([]*dicom.Element{
				dicom.MustNewElement(tagMatrixRegistrationSequence, [][]*dicom.Element{
					{dicom.MustNewElement(tag.ImagePositionPatient, []string{"0", "0", "0"})},
				}),
			}),
		},
		{
			"missing matrix element",
			rigidDataset([]*dicom.Element{
				dicom.MustNewElement(tagMatrixRegistrationSequence, [][]*dicom.Element{
					{
						dicom.MustNewElement(tagMatrixSequence, [][]*dicom.Element{
							{dicom.MustNewElement(tag.ImagePositionPatient, []string{"0", "0", "0"})},
						}),
					},
				}),
			}),
		},
		{
			"twelve-value matrix",
			rigidDataset(registrationItem(identityMatrix[:12])),
		},
		{
			"non-numeric matrix value",
			rigidDataset(registrationItem([]string{
				"1", "0", "0", "zero",
				"0", "1", "0", "0",
				"0", "0", "1", "0",
				"0", "0", "0", "1",
			})),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeRigid(tc.ds)
			var ferr *FormatError
			if !errors.As(err, &ferr) {
				t.Errorf("expected *FormatError, got %v", err)
			}
		})
	}
}

func TestDecodeRigidRejectsNonRigidMatrix(t *testing.T) {
	ds := rigidDataset(registrationItem([]string{
		"2", "0", "0", "0",
		"0", "2", "0", "0",
		"0", "0", "2", "0",
		"0", "0", "0", "1",
	}))
	_, err := DecodeRigid(ds)
	var gerr *geometry.GeometryError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *GeometryError for a scaling matrix, got %v", err)
	}
}

func TestSOPClassUID(t *testing.T) {
	ds := dicom.Dataset{Elements: []*dicom.Element{
		dicom.MustNewElement(tag.SOPClassUID, []string{DeformableSpatialRegistrationStorage}),
	}}
	if got := SOPClassUID(ds); got != DeformableSpatialRegistrationStorage {
		t.Errorf("expected %s, got %s", DeformableSpatialRegistrationStorage, got)
	}
	if got := SOPClassUID(dicom.Dataset{}); got != "" {
		t.Errorf("expected empty SOP class for empty dataset, got %q", got)
	}
}
