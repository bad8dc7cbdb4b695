// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz), the format of the atlases, brain masks and the derived
// corpus-callosum masks.
//
// Based on the nifti1 header definition,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrInvalidHeader is returned for files that are not single-file NIfTI-1.
	ErrInvalidHeader = errors.New("invalid nifti1 header")

	// ErrUnsupportedDatatype is returned for voxel types this package cannot decode.
	ErrUnsupportedDatatype = errors.New("unsupported nifti datatype")

	// ErrTruncatedData is returned when the file ends before the voxel data does.
	ErrTruncatedData = errors.New("truncated nifti voxel data")
)

// Datatype codes (NIFTI_TYPE_*)
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

const (
	headerSize    = 348
	voxOffsetBase = 352 // header plus the 4-byte extension flag
)

// singleFileMagic is "n+1\0": header and data in the same file
var singleFileMagic = [4]int8{110, 43, 49, 0}

// Header is the on-disk nifti1 header.
//
// Type translation from the C header:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  int8
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]int8 // Unused
	UnusedDbName       [18]int8 // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      int8     // Unused
	DimInfo            int8     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     int8       // Slice timing order
	XYZTUnits     int8       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]int8 // Any text you like
	AuxFile [24]int8 // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]int8 // 'name' or meaning of data

	Magic [4]int8 // Must be "n+1\0"
}

// readHeader decodes the header and infers the byte order from sizeof_hdr
func readHeader(b []byte) (Header, binary.ByteOrder, error) {
	if len(b) < headerSize {
		return Header{}, nil, fmt.Errorf("%d bytes: %w", len(b), ErrInvalidHeader)
	}

	var h Header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(b[:headerSize]), order, &h); err != nil {
		return Header{}, nil, err
	}
	if h.SizeOfHdr != headerSize {
		order = binary.BigEndian
		h = Header{}
		if err := binary.Read(bytes.NewReader(b[:headerSize]), order, &h); err != nil {
			return Header{}, nil, err
		}
	}

	if err := validateHeader(h); err != nil {
		return Header{}, nil, err
	}

	log.WithFields(log.Fields{
		"byteOrder": order,
		"dim":       h.Dim,
		"datatype":  h.DataType,
	}).Debug("Read nifti1 header")

	return h, order, nil
}

func validateHeader(h Header) error {
	switch {
	case h.SizeOfHdr != headerSize:
		return fmt.Errorf("header size %d: %w", h.SizeOfHdr, ErrInvalidHeader)

	case h.Magic != singleFileMagic:
		return fmt.Errorf("magic %v, data must be stored in the same file as the header: %w", h.Magic, ErrInvalidHeader)

	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("dim[0]=%d not in [1, 7]: %w", h.Dim[0], ErrInvalidHeader)
	}

	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("dim[%d]=%d: %w", i, h.Dim[i], ErrInvalidHeader)
		}
	}
	// Only 3D volumes (or 4D+ with singleton trailing axes) are masks
	for i := 4; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] > 1 {
			return fmt.Errorf("dim[%d]=%d, only 3D volumes are supported: %w", i, h.Dim[i], ErrInvalidHeader)
		}
	}

	if _, err := bytesPerVoxel(h.DataType); err != nil {
		return err
	}
	return nil
}

func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("datatype %d: %w", datatype, ErrUnsupportedDatatype)
	}
}

// shape returns the three spatial dimensions; missing axes count as 1
func (h Header) shape() (int, int, int) {
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < int(h.Dim[0]); i++ {
		dims[i] = int(h.Dim[i+1])
	}
	return dims[0], dims[1], dims[2]
}
