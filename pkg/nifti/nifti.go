package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"ccefficiency/internal/models"
)

// Read loads a 3D NIfTI-1 volume. Gzip-compressed files are detected from
// their content. scl_slope/scl_inter scaling is applied.
func Read(path string) (*models.Volume, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if isGzip(raw) {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", path, err)
		}
	}

	vol, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	log.WithFields(log.Fields{
		"path":  path,
		"shape": vol.Shape(),
	}).Debug("Loaded volume")
	return vol, nil
}

// ReadMask loads a volume and treats every nonzero voxel as a member
func ReadMask(path string) (*models.Mask, error) {
	vol, err := Read(path)
	if err != nil {
		return nil, err
	}
	return models.MaskFromVolume(vol), nil
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

func decode(b []byte) (*models.Volume, error) {
	h, order, err := readHeader(b)
	if err != nil {
		return nil, err
	}

	vox := float64(h.VoxOffset)
	if math.IsNaN(vox) || vox < 0 || vox > float64(len(b)) {
		return nil, fmt.Errorf("vox_offset %v outside file of %d bytes: %w", h.VoxOffset, len(b), ErrInvalidHeader)
	}
	offset := int(vox)
	if offset < voxOffsetBase {
		offset = voxOffsetBase
	}
	width, height, depth := h.shape()
	n := width * height * depth
	size, _ := bytesPerVoxel(h.DataType)
	if len(b) < offset+n*size {
		return nil, fmt.Errorf("need %d bytes, have %d: %w", offset+n*size, len(b), ErrTruncatedData)
	}

	vol := models.NewVolume(width, height, depth, headerAffine(h))
	data := b[offset:]
	for i := 0; i < n; i++ {
		vol.Data[i] = decodeVoxel(data[i*size:], h.DataType, order)
	}

	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		slope, inter := float64(h.SclSlope), float64(h.SclInter)
		for i := range vol.Data {
			vol.Data[i] = vol.Data[i]*slope + inter
		}
	}
	return vol, nil
}

func decodeVoxel(b []byte, datatype int16, order binary.ByteOrder) float64 {
	switch datatype {
	case DTUint8:
		return float64(b[0])
	case DTInt8:
		return float64(int8(b[0]))
	case DTInt16:
		return float64(int16(order.Uint16(b)))
	case DTUint16:
		return float64(order.Uint16(b))
	case DTInt32:
		return float64(int32(order.Uint32(b)))
	case DTUint32:
		return float64(order.Uint32(b))
	case DTFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case DTFloat64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

// headerAffine picks the sform, then the qform, then plain voxel scaling
func headerAffine(h Header) *models.Affine {
	if h.SFormCode > 0 {
		rows := make([]float64, 0, 16)
		for _, row := range [][4]float32{h.SRowX, h.SRowY, h.SRowZ} {
			for _, v := range row {
				rows = append(rows, float64(v))
			}
		}
		rows = append(rows, 0, 0, 0, 1)
		a, _ := models.NewAffine(rows)
		return a
	}
	if h.QFormCode > 0 {
		return quaternionAffine(h)
	}
	return models.DiagonalAffine(pixdim(h, 1), pixdim(h, 2), pixdim(h, 3))
}

func pixdim(h Header, i int) float64 {
	if d := float64(h.PixDim[i]); d > 0 {
		return d
	}
	return 1
}

// quaternionAffine follows nifti_quatern_to_mat44 from nifti1_io.c
func quaternionAffine(h Header) *models.Affine {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		a = 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*a, c*a, d*a
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	dx, dy, dz := pixdim(h, 1), pixdim(h, 2), pixdim(h, 3)
	if h.PixDim[0] < 0 {
		dz = -dz
	}

	affine, _ := models.NewAffine([]float64{
		(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QOffsetX),
		2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QOffsetY),
		2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QOffsetZ),
		0, 0, 0, 1,
	})
	return affine
}

// Write stores vol as float32 voxels. Paths ending in .gz are compressed.
func Write(path string, vol *models.Volume) error {
	data := make([]byte, 4*len(vol.Data))
	for i, v := range vol.Data {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(float32(v)))
	}
	h, err := newHeader(vol.Width, vol.Height, vol.Depth, vol.Affine, DTFloat32, 32)
	if err != nil {
		return err
	}
	return write(path, h, data)
}

// WriteMask stores m as uint8 voxels so the binary type survives a round trip
func WriteMask(path string, m *models.Mask) error {
	data := make([]byte, len(m.Data))
	for i, v := range m.Data {
		if v != 0 {
			data[i] = 1
		}
	}
	h, err := newHeader(m.Width, m.Height, m.Depth, m.Affine, DTUint8, 8)
	if err != nil {
		return err
	}
	return write(path, h, data)
}

func newHeader(width, height, depth int, affine *models.Affine, datatype, bitpix int16) (Header, error) {
	for _, d := range []int{width, height, depth} {
		if d < 1 || d > math.MaxInt16 {
			return Header{}, fmt.Errorf("dimensions %dx%dx%d do not fit in a nifti1 header: %w", width, height, depth, ErrInvalidHeader)
		}
	}
	if affine == nil {
		affine = models.IdentityAffine()
	}
	sizes := affine.VoxelSizes()

	h := Header{
		SizeOfHdr: headerSize,
		Dim:       [8]int16{3, int16(width), int16(height), int16(depth), 1, 1, 1, 1},
		DataType:  datatype,
		BitPix:    bitpix,
		PixDim:    [8]float32{1, float32(sizes[0]), float32(sizes[1]), float32(sizes[2]), 1, 1, 1, 1},
		VoxOffset: voxOffsetBase,
		SclSlope:  1,
		XYZTUnits: 2 | 8, // mm, seconds
		SFormCode: 1,
		Magic:     singleFileMagic,
	}
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(affine.At(0, j))
		h.SRowY[j] = float32(affine.At(1, j))
		h.SRowZ[j] = float32(affine.At(2, j))
	}
	return h, nil
}

func write(path string, h Header, data []byte) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	bw := bufio.NewWriter(file)
	var w io.Writer = bw
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(bw)
		w = zw
	}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// Empty extension flag
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("failed to write extension flag: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}

	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}

	log.WithFields(log.Fields{
		"path":     path,
		"datatype": h.DataType,
	}).Debug("Saved volume")
	return file.Close()
}
