package dicomreg

import (
	"fmt"

	"github.com/suyashkumar/dicom"

	"dvfwarp/pkg/transform"
)

// DecodeRigid extracts the frame-of-reference transformation matrix
// from a spatial registration dataset and returns it as a rigid
// transform. Registration objects carry one item per frame of
// reference: when two are present the second holds the moving frame's
// matrix (the first is the fixed frame's identity), otherwise the only
// item is used.
func DecodeRigid(ds dicom.Dataset) (*transform.Rigid, error) {
	regEl, err := requireElement(ds, tagRegistrationSequence, "RegistrationSequence (0070,0308)")
	if err != nil {
		return nil, err
	}
	items := sequenceItems(regEl)
	if len(items) == 0 {
		return nil, &FormatError{Reason: "RegistrationSequence holds no items"}
	}
	item := items[0]
	if len(items) >= 2 {
		item = items[1]
	}

	matrixReg, err := requireInItem(item, tagMatrixRegistrationSequence, "MatrixRegistrationSequence (0070,0309)")
	if err != nil {
		return nil, err
	}
	mrItems := sequenceItems(matrixReg)
	if len(mrItems) == 0 {
		return nil, &FormatError{Reason: "MatrixRegistrationSequence holds no items"}
	}
	matrixSeq, err := requireInItem(mrItems[0], tagMatrixSequence, "MatrixSequence (0070,030A)")
	if err != nil {
		return nil, err
	}
	msItems := sequenceItems(matrixSeq)
	if len(msItems) == 0 {
		return nil, &FormatError{Reason: "MatrixSequence holds no items"}
	}
	matEl, err := requireInItem(msItems[0], tagFrameOfReferenceTransformationMatrix,
		"FrameOfReferenceTransformationMatrix (3006,00C6)")
	if err != nil {
		return nil, err
	}

	vals, err := elementFloats(matEl)
	if err != nil {
		return nil, err
	}
	if len(vals) != 16 {
		return nil, &FormatError{Reason: fmt.Sprintf(
			"FrameOfReferenceTransformationMatrix holds %d values, want 16", len(vals))}
	}
	var m [16]float64
	copy(m[:], vals)

	r, err := transform.NewRigid(m)
	if err != nil {
		return nil, fmt.Errorf("frame of reference transformation matrix: %w", err)
	}
	return r, nil
}

// DecodeRigidFile parses a DICOM file and decodes its rigid transform.
func DecodeRigidFile(path string) (*transform.Rigid, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return DecodeRigid(ds)
}
