// Package ometiff reads and writes OME-TIFF files: TIFF containers whose
// first image directory carries OME-XML metadata in its ImageDescription
// tag. Both classic TIFF (32-bit offsets) and BigTIFF (64-bit offsets) are
// supported. Pixel data is stored one strip per plane, uncompressed or
// Deflate-compressed.
package ometiff

import (
	"errors"
	"fmt"

	"github.com/bardlab/go-bioimage/bioimg"
)

var (
	// ErrNotTIFF is returned when the file does not start with a TIFF header.
	ErrNotTIFF = errors.New("ometiff: not a TIFF file")

	// ErrTooLarge is returned when classic TIFF offsets would overflow;
	// the caller should enable BigTIFF.
	ErrTooLarge = errors.New("ometiff: file exceeds 4 GiB, BigTIFF required")

	// ErrUnsupported is returned for TIFF features outside the supported
	// subset (compression schemes, tiled layout, multi-sample pixels).
	ErrUnsupported = errors.New("ometiff: unsupported TIFF feature")
)

// TIFF tag IDs used by this package.
const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagSampleFormat     = 339
	tagTileWidth        = 322
)

// TIFF field types.
const (
	typeASCII = 2
	typeShort = 3
	typeLong  = 4
	typeLong8 = 16
)

// Compression identifies a TIFF compression scheme.
type Compression uint16

const (
	// CompressionNone stores strips uncompressed.
	CompressionNone Compression = 1
	// CompressionDeflate is Adobe Deflate (zlib streams), tag value 8.
	CompressionDeflate Compression = 8

	// compressionDeflateOld is the older Deflate tag value 32946; read only.
	compressionDeflateOld Compression = 32946
)

// String returns the compression name.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionDeflate, compressionDeflateOld:
		return "deflate"
	}
	return fmt.Sprintf("Compression(%d)", uint16(c))
}

// Sample formats.
const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

// pixelTypeName returns the OME-XML Pixels Type attribute for a dtype.
// OME uses "float" and "double" where Go says float32 and float64.
func pixelTypeName(d bioimg.DType) string {
	switch d {
	case bioimg.Float32:
		return "float"
	case bioimg.Float64:
		return "double"
	default:
		return d.String()
	}
}

// dtypeForPixelType is the inverse of pixelTypeName.
func dtypeForPixelType(name string) (bioimg.DType, error) {
	switch name {
	case "float":
		return bioimg.Float32, nil
	case "double":
		return bioimg.Float64, nil
	}
	return bioimg.ParseDType(name)
}

// sampleLayout returns the TIFF BitsPerSample and SampleFormat for a dtype.
func sampleLayout(d bioimg.DType) (bits, format uint16, err error) {
	bits = uint16(d.Size() * 8)
	switch {
	case d.IsFloat():
		format = sampleFormatFloat
	case d.IsSigned():
		format = sampleFormatInt
	default:
		format = sampleFormatUint
	}
	return bits, format, nil
}

// dtypeForSample maps TIFF BitsPerSample + SampleFormat back to a dtype.
func dtypeForSample(bits, format uint16) (bioimg.DType, error) {
	switch format {
	case sampleFormatUint:
		switch bits {
		case 8:
			return bioimg.Uint8, nil
		case 16:
			return bioimg.Uint16, nil
		case 32:
			return bioimg.Uint32, nil
		}
	case sampleFormatInt:
		switch bits {
		case 8:
			return bioimg.Int8, nil
		case 16:
			return bioimg.Int16, nil
		case 32:
			return bioimg.Int32, nil
		}
	case sampleFormatFloat:
		switch bits {
		case 32:
			return bioimg.Float32, nil
		case 64:
			return bioimg.Float64, nil
		}
	}
	return 0, fmt.Errorf("%w: %d-bit sample format %d", ErrUnsupported, bits, format)
}

// planeIndex converts (t, c, z) to a plane number under an OME
// DimensionOrder string ("XYZCT" and friends; XY always lead).
func planeIndex(order string, sizeZ, sizeC, sizeT, z, c, t int) (int, error) {
	idx := 0
	// Walk from the slowest-varying axis down.
	for i := len(order) - 1; i >= 2; i-- {
		switch order[i] {
		case 'Z':
			idx = idx*sizeZ + z
		case 'C':
			idx = idx*sizeC + c
		case 'T':
			idx = idx*sizeT + t
		default:
			return 0, fmt.Errorf("ometiff: bad DimensionOrder %q", order)
		}
	}
	return idx, nil
}
