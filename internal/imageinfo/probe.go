// Package imageinfo reports basic facts about subject image files.
package imageinfo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	FormatNIfTI1  = "nifti1"
	FormatAnalyze = "analyze"
	FormatOther   = "other"

	nifti1HeaderSize = 348
	nifti2HeaderSize = 540
)

var ErrBadHeader = errors.New("invalid NIfTI header")

// Info describes one subject file. Dims and PixDim are only set for NIfTI
// and Analyze headers.
type Info struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Format     string    `json:"format"`
	Compressed bool      `json:"compressed"`
	ByteOrder  string    `json:"byte_order,omitempty"`
	Dims       []int     `json:"dims,omitempty"`
	PixDim     []float64 `json:"pixdim,omitempty"`
	Datatype   int       `json:"datatype,omitempty"`
	BitPix     int       `json:"bitpix,omitempty"`
}

// Voxels returns the number of voxels described by Dims.
func (i Info) Voxels() int {
	if len(i.Dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range i.Dims {
		n *= d
	}
	return n
}

// IsNIfTIPath reports whether path names a file that starts with a NIfTI-1
// or Analyze header.
func IsNIfTIPath(path string) bool {
	lower := strings.ToLower(path)
	for _, suffix := range []string{".nii", ".nii.gz", ".hdr", ".hdr.gz"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// Probe stats path and, for NIfTI style names, decodes the image header.
func Probe(path string) (Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, err
	}
	if st.IsDir() {
		return Info{}, fmt.Errorf("%s is a directory", path)
	}
	info := Info{Path: path, Size: st.Size(), Format: FormatOther}
	if !IsNIfTIPath(path) {
		return info, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zr, err := gzip.NewReader(file)
		if err != nil {
			return Info{}, fmt.Errorf("%s: %w", path, err)
		}
		defer zr.Close()
		r = zr
		info.Compressed = true
	}

	header := make([]byte, nifti1HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Info{}, fmt.Errorf("%s: read header: %w", path, err)
	}
	if err := decodeHeader(header, &info); err != nil {
		return Info{}, fmt.Errorf("%s: %w", path, err)
	}
	return info, nil
}

// ProbeAll probes every path and stops at the first failure.
func ProbeAll(paths []string) ([]Info, error) {
	out := make([]Info, 0, len(paths))
	for _, path := range paths {
		info, err := Probe(path)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// decodeHeader reads the fields of a 348-byte NIfTI-1 / Analyze 7.5 header.
// The byte order is the one under which sizeof_hdr reads 348.
func decodeHeader(header []byte, info *Info) error {
	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(header[0:4]) == nifti1HeaderSize:
		order, info.ByteOrder = binary.LittleEndian, "little"
	case binary.BigEndian.Uint32(header[0:4]) == nifti1HeaderSize:
		order, info.ByteOrder = binary.BigEndian, "big"
	case binary.LittleEndian.Uint32(header[0:4]) == nifti2HeaderSize,
		binary.BigEndian.Uint32(header[0:4]) == nifti2HeaderSize:
		return fmt.Errorf("%w: NIfTI-2 headers are not supported", ErrBadHeader)
	default:
		return fmt.Errorf("%w: sizeof_hdr is not %d", ErrBadHeader, nifti1HeaderSize)
	}

	rank := int(int16(order.Uint16(header[40:42])))
	if rank < 1 || rank > 7 {
		return fmt.Errorf("%w: dim[0]=%d", ErrBadHeader, rank)
	}
	info.Dims = make([]int, rank)
	info.PixDim = make([]float64, rank)
	for i := 0; i < rank; i++ {
		off := 42 + 2*i
		info.Dims[i] = int(int16(order.Uint16(header[off : off+2])))
		if info.Dims[i] < 1 {
			return fmt.Errorf("%w: dim[%d]=%d", ErrBadHeader, i+1, info.Dims[i])
		}
		info.PixDim[i] = float64(math.Float32frombits(order.Uint32(header[80+4*i : 84+4*i])))
	}
	info.Datatype = int(int16(order.Uint16(header[70:72])))
	info.BitPix = int(int16(order.Uint16(header[72:74])))

	switch string(header[344:347]) {
	case "n+1", "ni1":
		info.Format = FormatNIfTI1
	default:
		info.Format = FormatAnalyze
	}
	return nil
}
