// Package nifti reads and writes single-file NIfTI-1 volumes.
//
// NIfTI affines address RAS+ space while the rest of this module works
// in the DICOM LPS+ patient system, so the x and y rows of the sform
// change sign in both directions. Only sform geometry is honored;
// files without one are rejected rather than guessed from qform.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"dvfwarp/pkg/geometry"
	"dvfwarp/pkg/volume"
)

// FormatError reports a NIfTI file that cannot be interpreted.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return "nifti: " + e.Reason + ": " + e.Err.Error()
	}
	return "nifti: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// Header is the fixed 348-byte NIfTI-1 header, laid out field for
// field as in the reference nifti1.h so it can be read and written
// whole with encoding/binary.
type Header struct {
	SizeOfHdr          int32 // must be 348
	UnusedDataType     [10]int8
	UnusedDbName       [18]int8
	UnusedExtents      int32
	UnusedSessionError int16
	UnusedRegular      int8
	DimInfo            int8

	Dim           [8]int16 // dim[0] = ndim, dim[1..3] = nx, ny, nz
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	DataType      int16
	BitPix        int16
	SliceStart    int16
	PixDim        [8]float32 // pixdim[0] = qfac, pixdim[1..3] = spacing
	VoxOffset     float32    // offset of the sample data in the file
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     int8
	XYZTUnits     int8
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	UnusedGlmax   int32
	UnusedGlmin   int32

	Descrip [80]int8
	AuxFile [24]int8

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32 // first row of the sform affine
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]int8

	Magic [4]int8 // "n+1\x00" for single-file datasets
}

const (
	headerSize = 348
	dataOffset = 352 // header plus the four-byte extension flag

	xformScannerAnat = 1
	unitsMM          = 2

	dtInt16   = 4
	dtFloat32 = 16
	dtFloat64 = 64
	dtUInt16  = 512
)

var magicSingleFile = [4]int8{'n', '+', '1', 0}

// ReadVolume loads a .nii or .nii.gz file.
func ReadVolume(path string) (*volume.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, &FormatError{Reason: path + " is not a gzip stream", Err: err}
		}
		defer zr.Close()
		r = zr
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	v, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// WriteVolume stores a volume as a .nii file, gzip-compressed when the
// path ends in .gz.
func WriteVolume(path string, v *volume.Volume) error {
	raw, err := Encode(v)
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".gz") {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return fmt.Errorf("compress %s: %w", path, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress %s: %w", path, err)
		}
		raw = buf.Bytes()
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadGeometry derives a file's grid geometry from the header alone,
// without decoding sample data.
func ReadGeometry(path string) (geometry.Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return geometry.Grid{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return geometry.Grid{}, &FormatError{Reason: path + " is not a gzip stream", Err: err}
		}
		defer zr.Close()
		r = zr
	}
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return geometry.Grid{}, &FormatError{Reason: path + " ends before the header does", Err: err}
	}

	hdr, _, err := decodeHeader(raw)
	if err != nil {
		return geometry.Grid{}, fmt.Errorf("%s: %w", path, err)
	}
	geom, err := geometryFromHeader(hdr)
	if err != nil {
		return geometry.Grid{}, fmt.Errorf("%s: %w", path, err)
	}
	return geom, nil
}

// Decode interprets an uncompressed NIfTI-1 byte stream as a volume in
// LPS patient coordinates.
func Decode(raw []byte) (*volume.Volume, error) {
	hdr, order, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	geom, err := geometryFromHeader(hdr)
	if err != nil {
		return nil, err
	}
	dims := geom.Dims

	pixel, bytesPer, err := pixelFor(hdr.DataType)
	if err != nil {
		return nil, err
	}
	if int(hdr.BitPix) != 8*bytesPer {
		return nil, &FormatError{Reason: fmt.Sprintf("bitpix %d does not match datatype %d", hdr.BitPix, hdr.DataType)}
	}

	offset := int(hdr.VoxOffset)
	if offset < headerSize {
		offset = dataOffset
	}
	n := dims[0] * dims[1] * dims[2]
	if len(raw) < offset+n*bytesPer {
		return nil, &FormatError{Reason: fmt.Sprintf(
			"file holds %d data bytes, volume needs %d", len(raw)-offset, n*bytesPer)}
	}

	data := make([]float64, n)
	body := raw[offset:]
	switch hdr.DataType {
	case dtInt16:
		for i := range data {
			data[i] = float64(int16(order.Uint16(body[2*i:])))
		}
	case dtUInt16:
		for i := range data {
			data[i] = float64(order.Uint16(body[2*i:]))
		}
	case dtFloat32:
		for i := range data {
			data[i] = float64(math.Float32frombits(order.Uint32(body[4*i:])))
		}
	case dtFloat64:
		for i := range data {
			data[i] = math.Float64frombits(order.Uint64(body[8*i:]))
		}
	}

	// A zero slope means no scaling is defined.
	slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
	if slope != 0 && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = slope*data[i] + inter
		}
		pixel = volume.Float64
	}

	v, err := volume.FromData(geom, pixel, data)
	if err != nil {
		return nil, &FormatError{Reason: "volume does not match its header", Err: err}
	}
	return v, nil
}

// Encode serializes a volume as an uncompressed NIfTI-1 byte stream.
func Encode(v *volume.Volume) ([]byte, error) {
	hdr, err := headerFromVolume(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	buf.Write([]byte{0, 0, 0, 0}) // no extensions

	body := make([]byte, len(v.Data)*int(hdr.BitPix)/8)
	switch v.Pixel {
	case volume.Int16:
		for i, s := range v.Data {
			binary.LittleEndian.PutUint16(body[2*i:], uint16(int16(v.Pixel.Quantize(s))))
		}
	case volume.UInt16:
		for i, s := range v.Data {
			binary.LittleEndian.PutUint16(body[2*i:], uint16(v.Pixel.Quantize(s)))
		}
	case volume.Float32:
		for i, s := range v.Data {
			binary.LittleEndian.PutUint32(body[4*i:], math.Float32bits(float32(s)))
		}
	default:
		for i, s := range v.Data {
			binary.LittleEndian.PutUint64(body[8*i:], math.Float64bits(s))
		}
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// decodeHeader reads the fixed header, probing dim[0] to settle the
// byte order of the file.
func decodeHeader(raw []byte) (Header, binary.ByteOrder, error) {
	if len(raw) < headerSize {
		return Header{}, nil, &FormatError{Reason: fmt.Sprintf(
			"file is %d bytes, want at least %d", len(raw), headerSize)}
	}

	var hdr Header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
		return Header{}, nil, &FormatError{Reason: "header is unreadable", Err: err}
	}
	if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
		hdr = Header{}
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
			return Header{}, nil, &FormatError{Reason: "header is unreadable", Err: err}
		}
	}
	if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
		return Header{}, nil, &FormatError{Reason: "cannot infer byte order: dim[0] is not in [1, 7] in either order"}
	}

	if hdr.SizeOfHdr != headerSize {
		return Header{}, nil, &FormatError{Reason: fmt.Sprintf("header size is %d, want %d", hdr.SizeOfHdr, headerSize)}
	}
	if hdr.Magic != magicSingleFile {
		return Header{}, nil, &FormatError{Reason: "magic is not n+1 (header and data must share the file)"}
	}
	return hdr, order, nil
}

// geometryFromHeader validates the shape fields and converts the sform
// affine into grid geometry.
func geometryFromHeader(hdr Header) (geometry.Grid, error) {
	if hdr.Dim[0] < 3 {
		return geometry.Grid{}, &FormatError{Reason: fmt.Sprintf("image is %d-dimensional, want a 3-D volume", hdr.Dim[0])}
	}
	for i := int16(4); i <= hdr.Dim[0]; i++ {
		if hdr.Dim[i] > 1 {
			return geometry.Grid{}, &FormatError{Reason: fmt.Sprintf("dim[%d] = %d, want a scalar 3-D volume", i, hdr.Dim[i])}
		}
	}
	dims := [3]int{int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])}
	for i, d := range dims {
		if d < 1 {
			return geometry.Grid{}, &FormatError{Reason: fmt.Sprintf("dim[%d] = %d, want >= 1", i+1, d)}
		}
	}
	if hdr.SFormCode < 1 {
		return geometry.Grid{}, &FormatError{Reason: "file carries no sform affine"}
	}
	return gridFromAffine(dims, hdr.SRowX, hdr.SRowY, hdr.SRowZ)
}

// gridFromAffine converts a RAS sform affine to LPS grid geometry. The
// x and y rows change sign; spacing is the column norm and direction
// the normalized columns.
func gridFromAffine(dims [3]int, rowX, rowY, rowZ [4]float32) (geometry.Grid, error) {
	var m [3][4]float64
	for j := 0; j < 4; j++ {
		m[0][j] = -float64(rowX[j])
		m[1][j] = -float64(rowY[j])
		m[2][j] = float64(rowZ[j])
	}

	var spacing [3]float64
	var direction [9]float64
	for j := 0; j < 3; j++ {
		norm := math.Sqrt(m[0][j]*m[0][j] + m[1][j]*m[1][j] + m[2][j]*m[2][j])
		if norm == 0 {
			return geometry.Grid{}, &FormatError{Reason: fmt.Sprintf("sform column %d is zero", j)}
		}
		spacing[j] = norm
		for i := 0; i < 3; i++ {
			direction[3*i+j] = m[i][j] / norm
		}
	}

	geom, err := geometry.NewGrid(dims,
		geometry.Point{X: m[0][3], Y: m[1][3], Z: m[2][3]},
		spacing, direction)
	if err != nil {
		return geometry.Grid{}, &FormatError{Reason: "sform affine does not describe an orthogonal grid", Err: err}
	}
	return geom, nil
}

// headerFromVolume fills a header for writing, converting the LPS grid
// back to a RAS sform affine.
func headerFromVolume(v *volume.Volume) (Header, error) {
	g := v.Geom
	for _, d := range g.Dims {
		if d > math.MaxInt16 {
			return Header{}, &FormatError{Reason: fmt.Sprintf("dimension %d exceeds the int16 header field", d)}
		}
	}
	dt, bits := datatypeFor(v.Pixel)

	var hdr Header
	hdr.SizeOfHdr = headerSize
	hdr.Magic = magicSingleFile
	hdr.Dim = [8]int16{3, int16(g.Dims[0]), int16(g.Dims[1]), int16(g.Dims[2]), 1, 1, 1, 1}
	hdr.PixDim = [8]float32{1,
		float32(g.Spacing[0]), float32(g.Spacing[1]), float32(g.Spacing[2]), 0, 0, 0, 0}
	hdr.DataType = dt
	hdr.BitPix = bits
	hdr.VoxOffset = dataOffset
	hdr.SclSlope = 1
	hdr.XYZTUnits = unitsMM
	hdr.SFormCode = xformScannerAnat
	for i, c := range []byte("dvfwarp") {
		hdr.Descrip[i] = int8(c)
	}

	origin := [3]float64{g.Origin.X, g.Origin.Y, g.Origin.Z}
	var rows [3][4]float32
	for i := 0; i < 3; i++ {
		sign := 1.0
		if i < 2 {
			sign = -1
		}
		for j := 0; j < 3; j++ {
			rows[i][j] = float32(sign * g.Direction[3*i+j] * g.Spacing[j])
		}
		rows[i][3] = float32(sign * origin[i])
	}
	hdr.SRowX, hdr.SRowY, hdr.SRowZ = rows[0], rows[1], rows[2]
	return hdr, nil
}

func datatypeFor(pixel volume.PixelType) (dt, bits int16) {
	switch pixel {
	case volume.Int16:
		return dtInt16, 16
	case volume.UInt16:
		return dtUInt16, 16
	case volume.Float32:
		return dtFloat32, 32
	default:
		return dtFloat64, 64
	}
}

func pixelFor(dt int16) (volume.PixelType, int, error) {
	switch dt {
	case dtInt16:
		return volume.Int16, 2, nil
	case dtUInt16:
		return volume.UInt16, 2, nil
	case dtFloat32:
		return volume.Float32, 4, nil
	case dtFloat64:
		return volume.Float64, 8, nil
	default:
		return 0, 0, &FormatError{Reason: fmt.Sprintf("unsupported datatype %d", dt)}
	}
}
