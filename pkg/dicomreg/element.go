package dicomreg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// findElement looks up a top-level element, reporting presence instead
// of an error.
func findElement(ds dicom.Dataset, t tag.Tag) (*dicom.Element, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return nil, false
	}
	return el, true
}

// requireElement looks up a top-level element that must be present.
func requireElement(ds dicom.Dataset, t tag.Tag, what string) (*dicom.Element, error) {
	el, ok := findElement(ds, t)
	if !ok {
		return nil, &FormatError{Reason: "missing " + what}
	}
	return el, nil
}

// sequenceItems returns a sequence element's items, or nil when the
// element does not hold a sequence.
func sequenceItems(el *dicom.Element) []*dicom.SequenceItemValue {
	items, _ := el.Value.GetValue().([]*dicom.SequenceItemValue)
	return items
}

// findInItem locates a tag among a sequence item's elements.
func findInItem(item *dicom.SequenceItemValue, t tag.Tag) (*dicom.Element, bool) {
	els, _ := item.GetValue().([]*dicom.Element)
	for _, el := range els {
		if el.Tag == t {
			return el, true
		}
	}
	return nil, false
}

// requireInItem locates a tag that must be present in a sequence item.
func requireInItem(item *dicom.SequenceItemValue, t tag.Tag, what string) (*dicom.Element, error) {
	el, ok := findInItem(item, t)
	if !ok {
		return nil, &FormatError{Reason: "missing " + what}
	}
	return el, nil
}

// elementFloats extracts a numeric element as float64s, accepting the
// float, integer and decimal-string forms the parser produces for the
// FD/FL, UL/US and DS value representations.
func elementFloats(el *dicom.Element) ([]float64, error) {
	switch v := el.Value.GetValue().(type) {
	case []float64:
		return v, nil
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out, nil
	case []string:
		out := make([]float64, len(v))
		for i, s := range v {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, &FormatError{Reason: fmt.Sprintf("element %s: %q is not a number", el.Tag, s)}
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, &FormatError{Reason: fmt.Sprintf("element %s holds %T, want a numeric value", el.Tag, v)}
	}
}

// elementInts extracts an integer element, accepting the integer and
// integer-string forms.
func elementInts(el *dicom.Element) ([]int, error) {
	switch v := el.Value.GetValue().(type) {
	case []int:
		return v, nil
	case []string:
		out := make([]int, len(v))
		for i, s := range v {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return nil, &FormatError{Reason: fmt.Sprintf("element %s: %q is not an integer", el.Tag, s)}
			}
			out[i] = n
		}
		return out, nil
	default:
		return nil, &FormatError{Reason: fmt.Sprintf("element %s holds %T, want an integer value", el.Tag, v)}
	}
}

// elementString extracts the first string of a string element.
func elementString(el *dicom.Element) (string, error) {
	v, ok := el.Value.GetValue().([]string)
	if !ok || len(v) == 0 {
		return "", &FormatError{Reason: fmt.Sprintf("element %s holds no string value", el.Tag)}
	}
	return strings.TrimSpace(v[0]), nil
}

// firstFloat extracts the first value of a numeric element.
func firstFloat(el *dicom.Element) (float64, error) {
	vals, err := elementFloats(el)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, &FormatError{Reason: fmt.Sprintf("element %s is empty", el.Tag)}
	}
	return vals[0], nil
}

// firstInt extracts the first value of an integer element.
func firstInt(el *dicom.Element) (int, error) {
	vals, err := elementInts(el)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, &FormatError{Reason: fmt.Sprintf("element %s is empty", el.Tag)}
	}
	return vals[0], nil
}
