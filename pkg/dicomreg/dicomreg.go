// Package dicomreg decodes DICOM registration objects and CT image
// series into the geometry, displacement and volume types used by the
// warping pipeline. Parsing is strict and eager: every field a decoder
// needs is validated up front and failures surface as *FormatError at
// the point of detection, never as a partially decoded result.
package dicomreg

import (
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// SOP Class UIDs of the registration objects this package decodes.
const (
	SpatialRegistrationStorage           = "1.2.840.10008.5.1.4.1.1.66.1"
	DeformableSpatialRegistrationStorage = "1.2.840.10008.5.1.4.1.1.66.3"
)

// Registration-object tags addressed by (group, element) pair; the
// common image tags come from the shared dictionary.
var (
	tagRegistrationSequence                 = tag.Tag{Group: 0x0070, Element: 0x0308}
	tagMatrixRegistrationSequence           = tag.Tag{Group: 0x0070, Element: 0x0309}
	tagMatrixSequence                       = tag.Tag{Group: 0x0070, Element: 0x030A}
	tagFrameOfReferenceTransformationMatrix = tag.Tag{Group: 0x3006, Element: 0x00C6}

	tagDeformableRegistrationSequence     = tag.Tag{Group: 0x0064, Element: 0x0002}
	tagDeformableRegistrationGridSequence = tag.Tag{Group: 0x0064, Element: 0x0005}
	tagGridDimensions                     = tag.Tag{Group: 0x0064, Element: 0x0007}
	tagGridResolution                     = tag.Tag{Group: 0x0064, Element: 0x0008}
	tagVectorGridData                     = tag.Tag{Group: 0x0064, Element: 0x0009}

	tagGridFrameOffsetVector            = tag.Tag{Group: 0x3004, Element: 0x000C}
	tagPerFrameFunctionalGroupsSequence = tag.Tag{Group: 0x5200, Element: 0x9230}
	tagPixelMeasuresSequence            = tag.Tag{Group: 0x0028, Element: 0x9110}
)

// FormatError reports a DICOM object that is missing fields a decoder
// requires or carries values it cannot use.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return "dicom: " + e.Reason + ": " + e.Err.Error()
	}
	return "dicom: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// SOPClassUID returns the dataset's SOP Class UID, or "" when absent.
// Callers that care about the storage class compare against the
// package constants and decide whether a mismatch is fatal; the
// decoders themselves do not enforce it.
func SOPClassUID(ds dicom.Dataset) string {
	el, ok := findElement(ds, tag.SOPClassUID)
	if !ok {
		return ""
	}
	s, err := elementString(el)
	if err != nil {
		return ""
	}
	return s
}
