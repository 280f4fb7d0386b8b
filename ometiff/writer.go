package ometiff

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/bardlab/go-bioimage/bioimg"
	"github.com/bardlab/go-bioimage/internal/binio"
	"github.com/bardlab/go-bioimage/omexml"
)

// canonicalOrder is the axis nesting the writer accepts: volumes must use a
// subsequence of these labels (e.g. "ZYX", "CZYX", "TCZYX"). Planes are then
// laid out with Z varying fastest, matching OME DimensionOrder "XYZCT".
const canonicalOrder = "TCZYX"

// WriteOptions configures the OME-TIFF writer. The zero value writes a
// classic, uncompressed TIFF.
type WriteOptions struct {
	// BigTIFF forces the 64-bit offset variant. Classic files that would
	// exceed 4 GiB fail with ErrTooLarge instead of being silently
	// promoted.
	BigTIFF bool

	// Compression selects the strip compression. Zero means none.
	Compression Compression

	// ChannelNames populates the OME Channel Name attributes. Entries
	// beyond the channel count are ignored; missing entries stay unnamed.
	ChannelNames []string

	// ImageName sets the OME Image Name attribute.
	ImageName string
}

// Write serializes a volume as an OME-TIFF file at path.
//
// The volume's dimension order must be a subsequence of "TCZYX" ending in
// "YX". Each ZYX plane becomes one single-strip image directory; the OME-XML
// block goes into the first directory's ImageDescription.
func Write(path string, vol *bioimg.Volume, opts *WriteOptions) error {
	data, err := Encode(vol, opts)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ometiff: create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("ometiff: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("ometiff: close %s: %w", path, err)
	}
	return nil
}

// Encode serializes a volume as an in-memory OME-TIFF.
func Encode(vol *bioimg.Volume, opts *WriteOptions) ([]byte, error) {
	if opts == nil {
		opts = &WriteOptions{}
	}
	compression := opts.Compression
	if compression == 0 {
		compression = CompressionNone
	}
	if compression != CompressionNone && compression != CompressionDeflate {
		return nil, fmt.Errorf("%w: cannot write compression %v", ErrUnsupported, compression)
	}

	sizeT, sizeC, sizeZ, sizeY, sizeX, err := canonicalSizes(vol.Dims)
	if err != nil {
		return nil, err
	}

	desc, err := buildDescription(vol, opts, sizeT, sizeC, sizeZ, sizeY, sizeX)
	if err != nil {
		return nil, err
	}

	planes, err := encodePlanes(vol, compression, sizeY, sizeX)
	if err != nil {
		return nil, err
	}

	if opts.BigTIFF {
		return encodeBig(vol, desc, planes, compression, sizeY, sizeX)
	}
	return encodeClassic(vol, desc, planes, compression, sizeY, sizeX)
}

// canonicalSizes validates the volume order against canonicalOrder and
// returns the five axis sizes, defaulting absent axes to 1.
func canonicalSizes(dims bioimg.Dimensions) (t, c, z, y, x int, err error) {
	pos := -1
	for i := 0; i < dims.NumAxes(); i++ {
		p := strings.IndexByte(canonicalOrder, dims.Order[i])
		if p < 0 || p <= pos {
			return 0, 0, 0, 0, 0, fmt.Errorf("ometiff: dimension order %q is not a subsequence of %q", dims.Order, canonicalOrder)
		}
		pos = p
	}
	if !dims.Has(bioimg.LabelY) || !dims.Has(bioimg.LabelX) {
		return 0, 0, 0, 0, 0, fmt.Errorf("ometiff: dimension order %q lacks YX axes", dims.Order)
	}
	return dims.SizeOr(bioimg.LabelT, 1),
		dims.SizeOr(bioimg.LabelC, 1),
		dims.SizeOr(bioimg.LabelZ, 1),
		dims.SizeOr(bioimg.LabelY, 1),
		dims.SizeOr(bioimg.LabelX, 1),
		nil
}

func buildDescription(vol *bioimg.Volume, opts *WriteOptions, sizeT, sizeC, sizeZ, sizeY, sizeX int) ([]byte, error) {
	o := omexml.New("go-bioimage")
	img := o.AddImage(opts.ImageName)
	img.Pixels.Type = pixelTypeName(vol.DType)
	img.Pixels.SizeX = sizeX
	img.Pixels.SizeY = sizeY
	img.Pixels.SizeZ = sizeZ
	img.Pixels.SizeC = sizeC
	img.Pixels.SizeT = sizeT

	names := make([]string, sizeC)
	for c := 0; c < sizeC && c < len(opts.ChannelNames); c++ {
		names[c] = opts.ChannelNames[c]
	}
	img.SetChannels(names)

	nPlanes := sizeT * sizeC * sizeZ
	zero := 0
	img.Pixels.TiffData = []omexml.TiffData{{IFD: &zero, PlaneCount: &nPlanes}}

	doc, err := o.XML()
	if err != nil {
		return nil, err
	}
	// TIFF ASCII values are null-terminated.
	return append([]byte(doc), 0), nil
}

// encodePlanes splits the volume into per-plane strip payloads, compressing
// each when requested. Plane order follows the volume's own row-major
// layout, which canonicalSizes guarantees is T, then C, then Z.
func encodePlanes(vol *bioimg.Volume, compression Compression, sizeY, sizeX int) ([][]byte, error) {
	planeBytes := sizeY * sizeX * vol.DType.Size()
	if planeBytes == 0 {
		return nil, fmt.Errorf("ometiff: empty plane (%d x %d)", sizeY, sizeX)
	}
	if len(vol.Data)%planeBytes != 0 {
		return nil, fmt.Errorf("ometiff: volume data length %d is not a whole number of %d-byte planes", len(vol.Data), planeBytes)
	}
	n := len(vol.Data) / planeBytes
	planes := make([][]byte, n)
	for i := 0; i < n; i++ {
		raw := vol.Data[i*planeBytes : (i+1)*planeBytes]
		if compression == CompressionNone {
			planes[i] = raw
			continue
		}
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			zw.Close()
			return nil, fmt.Errorf("ometiff: deflate plane %d: %w", i, err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("ometiff: deflate plane %d: %w", i, err)
		}
		planes[i] = buf.Bytes()
	}
	return planes, nil
}

const (
	classicHeaderSize = 8
	bigHeaderSize     = 16
	classicEntrySize  = 12
	bigEntrySize      = 20
)

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint64
	value uint64 // inline value or offset
}

// planeEntries builds the directory entries shared by every plane.
// The returned slice is sorted by tag, as TIFF requires.
func planeEntries(vol *bioimg.Volume, compression Compression, sizeY, sizeX int, stripOffset, stripSize uint64, descOffset uint64, descLen int, long8 bool) []ifdEntry {
	bits, format, _ := sampleLayout(vol.DType)
	offType := uint16(typeLong)
	if long8 {
		offType = typeLong8
	}
	entries := []ifdEntry{
		{tagImageWidth, typeLong, 1, uint64(sizeX)},
		{tagImageLength, typeLong, 1, uint64(sizeY)},
		{tagBitsPerSample, typeShort, 1, uint64(bits)},
		{tagCompression, typeShort, 1, uint64(compression)},
		{tagPhotometric, typeShort, 1, 1}, // BlackIsZero
	}
	if descLen > 0 {
		entries = append(entries, ifdEntry{tagImageDescription, typeASCII, uint64(descLen), descOffset})
	}
	entries = append(entries,
		ifdEntry{tagStripOffsets, offType, 1, stripOffset},
		ifdEntry{tagSamplesPerPixel, typeShort, 1, 1},
		ifdEntry{tagRowsPerStrip, typeLong, 1, uint64(sizeY)},
		ifdEntry{tagStripByteCounts, offType, 1, stripSize},
		ifdEntry{tagSampleFormat, typeShort, 1, uint64(format)},
	)
	return entries
}

func pad(n uint64) uint64 {
	return (n + 1) &^ 1
}

func encodeClassic(vol *bioimg.Volume, desc []byte, planes [][]byte, compression Compression, sizeY, sizeX int) ([]byte, error) {
	// Layout: header | desc | plane data... | IFD chain.
	descOff := uint64(classicHeaderSize)
	off := pad(descOff + uint64(len(desc)))

	stripOffs := make([]uint64, len(planes))
	for i, p := range planes {
		stripOffs[i] = off
		off = pad(off + uint64(len(p)))
	}

	nEntries := func(i int) uint64 {
		if i == 0 && len(desc) > 0 {
			return 11
		}
		return 10
	}
	ifdSize := func(i int) uint64 { return 2 + nEntries(i)*classicEntrySize + 4 }

	ifdOffs := make([]uint64, len(planes))
	for i := range planes {
		ifdOffs[i] = off
		off += ifdSize(i)
	}
	total := off
	if total > 0xffffffff {
		return nil, ErrTooLarge
	}

	buf := make([]byte, total)
	w := binio.NewWriter(buf)
	w.WriteByte('I')
	w.WriteByte('I')
	w.WriteUint16(42)
	w.WriteUint32(uint32(ifdOffs[0]))

	w.SetPos(int(descOff))
	w.WriteBytes(desc)

	for i, p := range planes {
		w.SetPos(int(stripOffs[i]))
		w.WriteBytes(p)
	}

	for i := range planes {
		w.SetPos(int(ifdOffs[i]))
		descLen := 0
		if i == 0 {
			descLen = len(desc)
		}
		entries := planeEntries(vol, compression, sizeY, sizeX, stripOffs[i], uint64(len(planes[i])), descOff, descLen, false)
		w.WriteUint16(uint16(len(entries)))
		for _, e := range entries {
			w.WriteUint16(e.tag)
			w.WriteUint16(e.typ)
			w.WriteUint32(uint32(e.count))
			switch e.typ {
			case typeShort:
				w.WriteUint16(uint16(e.value))
				w.WriteUint16(0)
			default:
				w.WriteUint32(uint32(e.value))
			}
		}
		next := uint32(0)
		if i+1 < len(planes) {
			next = uint32(ifdOffs[i+1])
		}
		if err := w.WriteUint32(next); err != nil {
			return nil, fmt.Errorf("ometiff: encode: %w", err)
		}
	}
	return buf, nil
}

func encodeBig(vol *bioimg.Volume, desc []byte, planes [][]byte, compression Compression, sizeY, sizeX int) ([]byte, error) {
	descOff := uint64(bigHeaderSize)
	off := pad(descOff + uint64(len(desc)))

	stripOffs := make([]uint64, len(planes))
	for i, p := range planes {
		stripOffs[i] = off
		off = pad(off + uint64(len(p)))
	}

	nEntries := func(i int) uint64 {
		if i == 0 && len(desc) > 0 {
			return 11
		}
		return 10
	}
	ifdSize := func(i int) uint64 { return 8 + nEntries(i)*bigEntrySize + 8 }

	ifdOffs := make([]uint64, len(planes))
	for i := range planes {
		ifdOffs[i] = off
		off += ifdSize(i)
	}

	buf := make([]byte, off)
	w := binio.NewWriter(buf)
	w.WriteByte('I')
	w.WriteByte('I')
	w.WriteUint16(43)
	w.WriteUint16(8) // offset size
	w.WriteUint16(0)
	w.WriteUint64(ifdOffs[0])

	w.SetPos(int(descOff))
	w.WriteBytes(desc)

	for i, p := range planes {
		w.SetPos(int(stripOffs[i]))
		w.WriteBytes(p)
	}

	for i := range planes {
		w.SetPos(int(ifdOffs[i]))
		descLen := 0
		if i == 0 {
			descLen = len(desc)
		}
		entries := planeEntries(vol, compression, sizeY, sizeX, stripOffs[i], uint64(len(planes[i])), descOff, descLen, true)
		w.WriteUint64(uint64(len(entries)))
		for _, e := range entries {
			w.WriteUint16(e.tag)
			w.WriteUint16(e.typ)
			w.WriteUint64(e.count)
			switch e.typ {
			case typeShort:
				w.WriteUint16(uint16(e.value))
				w.WriteUint16(0)
				w.WriteUint32(0)
			case typeLong:
				w.WriteUint32(uint32(e.value))
				w.WriteUint32(0)
			default:
				w.WriteUint64(e.value)
			}
		}
		next := uint64(0)
		if i+1 < len(planes) {
			next = ifdOffs[i+1]
		}
		if err := w.WriteUint64(next); err != nil {
			return nil, fmt.Errorf("ometiff: encode: %w", err)
		}
	}
	return buf, nil
}
