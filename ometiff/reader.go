package ometiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/bardlab/go-bioimage/bioimg"
	"github.com/bardlab/go-bioimage/internal/binio"
	"github.com/bardlab/go-bioimage/omexml"
)

func init() {
	bioimg.RegisterFormat(bioimg.Format{
		Name:       "ome-tiff",
		Extensions: []string{".ome.tif", ".ome.tiff", ".tif", ".tiff"},
		Magic:      isTIFF,
		Open: func(path string) (bioimg.Reader, error) {
			return OpenFile(path)
		},
	})
}

// isTIFF reports whether p starts with a classic or BigTIFF header.
func isTIFF(p []byte) bool {
	if len(p) < 4 {
		return false
	}
	le := p[0] == 'I' && p[1] == 'I'
	be := p[0] == 'M' && p[1] == 'M'
	if !le && !be {
		return false
	}
	var magic uint16
	if le {
		magic = binary.LittleEndian.Uint16(p[2:])
	} else {
		magic = binary.BigEndian.Uint16(p[2:])
	}
	return magic == 42 || magic == 43
}

// ifd holds the decoded fields of one image directory.
type ifd struct {
	width, height int
	dtype         bioimg.DType
	compression   Compression
	rowsPerStrip  int
	stripOffsets  []uint64
	stripCounts   []uint64
	description   string
}

// File is an opened OME-TIFF. It implements bioimg.Reader; each OME Image
// element becomes one scene, with planes mapped to directories in document
// order. Plain TIFFs without OME metadata appear as a single Z-stack scene.
type File struct {
	r      io.ReaderAt
	closer io.Closer
	order  binary.ByteOrder
	big    bool
	ifds   []ifd
	omeRaw string
	scenes []*sceneView
}

// OpenFile opens an OME-TIFF from the filesystem.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ometiff: %w", err)
	}
	file, err := OpenReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ometiff: open %s: %w", path, err)
	}
	file.closer = f
	return file, nil
}

// OpenReader opens an OME-TIFF from a random-access reader.
func OpenReader(r io.ReaderAt) (*File, error) {
	file := &File{r: r}
	if err := file.parse(); err != nil {
		return nil, err
	}
	return file, nil
}

func (f *File) parse() error {
	head := make([]byte, 16)
	if _, err := f.r.ReadAt(head, 0); err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return err
	}
	if !isTIFF(head) {
		return ErrNotTIFF
	}
	if head[0] == 'I' {
		f.order = binary.LittleEndian
	} else {
		f.order = binary.BigEndian
	}
	hr := binio.NewReaderOrder(head[2:], f.order)
	magic, _ := hr.ReadUint16()

	var next uint64
	if magic == 43 {
		f.big = true
		offSize, _ := hr.ReadUint16()
		if offSize != 8 {
			return fmt.Errorf("%w: BigTIFF offset size %d", ErrUnsupported, offSize)
		}
		hr.Skip(2)
		next, _ = hr.ReadUint64()
	} else {
		v, _ := hr.ReadUint32()
		next = uint64(v)
	}

	for next != 0 {
		if len(f.ifds) > 1<<20 {
			return fmt.Errorf("ometiff: IFD chain too long (cycle?)")
		}
		d, nxt, err := f.readIFD(next)
		if err != nil {
			return err
		}
		f.ifds = append(f.ifds, d)
		next = nxt
	}
	if len(f.ifds) == 0 {
		return fmt.Errorf("ometiff: no image directories")
	}
	f.omeRaw = f.ifds[0].description
	return f.buildScenes()
}

// entrySize returns the byte size of a TIFF field type, or 0 when unknown.
func entrySize(typ uint16) int {
	switch typ {
	case 1, typeASCII, 6, 7: // BYTE, ASCII, SBYTE, UNDEFINED
		return 1
	case typeShort, 8:
		return 2
	case typeLong, 9, 11: // LONG, SLONG, FLOAT
		return 4
	case typeLong8, 17, 12: // LONG8, SLONG8, DOUBLE
		return 8
	}
	return 0
}

type rawEntry struct {
	tag, typ uint16
	count    uint64
	inline   []byte // the raw value/offset field
}

// readIFD decodes the directory at off and returns it with the offset of
// the next directory in the chain.
func (f *File) readIFD(off uint64) (ifd, uint64, error) {
	var countBuf [8]byte
	countLen, entryLen, valueLen := 2, classicEntrySize, 4
	if f.big {
		countLen, entryLen, valueLen = 8, bigEntrySize, 8
	}
	if _, err := f.r.ReadAt(countBuf[:countLen], int64(off)); err != nil {
		return ifd{}, 0, fmt.Errorf("ometiff: read IFD at %d: %w", off, err)
	}
	var n uint64
	if f.big {
		n = f.order.Uint64(countBuf[:])
	} else {
		n = uint64(f.order.Uint16(countBuf[:]))
	}
	if n > 4096 {
		return ifd{}, 0, fmt.Errorf("ometiff: implausible IFD entry count %d", n)
	}

	body := make([]byte, int(n)*entryLen+valueLen)
	if _, err := f.r.ReadAt(body, int64(off)+int64(countLen)); err != nil {
		return ifd{}, 0, fmt.Errorf("ometiff: read IFD at %d: %w", off, err)
	}

	d := ifd{compression: CompressionNone, rowsPerStrip: -1}
	sampleFormat := uint16(sampleFormatUint)
	bits := uint16(0)
	var err error

	for i := 0; i < int(n); i++ {
		e := body[i*entryLen:]
		re := rawEntry{
			tag: f.order.Uint16(e),
			typ: f.order.Uint16(e[2:]),
		}
		if f.big {
			re.count = f.order.Uint64(e[4:])
			re.inline = e[12 : 12+8]
		} else {
			re.count = uint64(f.order.Uint32(e[4:]))
			re.inline = e[8 : 8+4]
		}

		switch re.tag {
		case tagImageWidth:
			d.width, err = f.intValue(re)
		case tagImageLength:
			d.height, err = f.intValue(re)
		case tagBitsPerSample:
			var v int
			v, err = f.intValue(re)
			bits = uint16(v)
		case tagCompression:
			var v int
			v, err = f.intValue(re)
			d.compression = Compression(v)
		case tagImageDescription:
			d.description, err = f.asciiValue(re)
		case tagStripOffsets:
			d.stripOffsets, err = f.uintValues(re)
		case tagStripByteCounts:
			d.stripCounts, err = f.uintValues(re)
		case tagRowsPerStrip:
			d.rowsPerStrip, err = f.intValue(re)
		case tagSamplesPerPixel:
			var v int
			v, err = f.intValue(re)
			if err == nil && v != 1 {
				return ifd{}, 0, fmt.Errorf("%w: %d samples per pixel", ErrUnsupported, v)
			}
		case tagSampleFormat:
			var v int
			v, err = f.intValue(re)
			sampleFormat = uint16(v)
		case tagTileWidth:
			return ifd{}, 0, fmt.Errorf("%w: tiled layout", ErrUnsupported)
		}
		if err != nil {
			return ifd{}, 0, fmt.Errorf("ometiff: tag %d: %w", re.tag, err)
		}
	}

	if bits == 0 {
		bits = 1
	}
	d.dtype, err = dtypeForSample(bits, sampleFormat)
	if err != nil {
		return ifd{}, 0, err
	}
	if d.width <= 0 || d.height <= 0 {
		return ifd{}, 0, fmt.Errorf("ometiff: directory at %d has no image size", off)
	}
	if len(d.stripOffsets) == 0 || len(d.stripOffsets) != len(d.stripCounts) {
		return ifd{}, 0, fmt.Errorf("ometiff: directory at %d has inconsistent strips", off)
	}
	if d.rowsPerStrip <= 0 {
		d.rowsPerStrip = d.height
	}

	var next uint64
	tail := body[int(n)*entryLen:]
	if f.big {
		next = f.order.Uint64(tail)
	} else {
		next = uint64(f.order.Uint32(tail))
	}
	return d, next, nil
}

// valueBytes returns the raw value bytes of an entry, following the offset
// for out-of-line values.
func (f *File) valueBytes(e rawEntry) ([]byte, error) {
	size := entrySize(e.typ)
	if size == 0 {
		return nil, fmt.Errorf("%w: field type %d", ErrUnsupported, e.typ)
	}
	total := int(e.count) * size
	if total <= len(e.inline) {
		return e.inline[:total], nil
	}
	var off uint64
	if f.big {
		off = f.order.Uint64(e.inline)
	} else {
		off = uint64(f.order.Uint32(e.inline))
	}
	buf := make([]byte, total)
	if _, err := f.r.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("value at offset %d: %w", off, err)
	}
	return buf, nil
}

func (f *File) uintValues(e rawEntry) ([]uint64, error) {
	raw, err := f.valueBytes(e)
	if err != nil {
		return nil, err
	}
	size := entrySize(e.typ)
	out := make([]uint64, e.count)
	for i := range out {
		switch size {
		case 1:
			out[i] = uint64(raw[i])
		case 2:
			out[i] = uint64(f.order.Uint16(raw[i*2:]))
		case 4:
			out[i] = uint64(f.order.Uint32(raw[i*4:]))
		case 8:
			out[i] = f.order.Uint64(raw[i*8:])
		}
	}
	return out, nil
}

func (f *File) intValue(e rawEntry) (int, error) {
	vs, err := f.uintValues(e)
	if err != nil {
		return 0, err
	}
	if len(vs) != 1 {
		return 0, fmt.Errorf("expected a single value, got %d", len(vs))
	}
	return int(vs[0]), nil
}

func (f *File) asciiValue(e rawEntry) (string, error) {
	raw, err := f.valueBytes(e)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(raw, "\x00")), nil
}

// sceneView implements bioimg.Scene over a contiguous run of directories.
type sceneView struct {
	file     *File
	name     string
	dims     bioimg.Dimensions
	channels []string
	dimOrder string
	firstIFD int
}

func (f *File) buildScenes() error {
	ome, err := omexml.Parse(f.omeRaw)
	if f.omeRaw == "" || err != nil || len(ome.Images) == 0 {
		// Plain TIFF: expose the directory chain as a single Z-stack.
		d := f.ifds[0]
		f.scenes = []*sceneView{{
			file:     f,
			name:     "0",
			dims:     bioimg.NewDimensions("ZYX", len(f.ifds), d.height, d.width),
			dimOrder: "XYZCT",
		}}
		f.omeRaw = ""
		return nil
	}

	first := 0
	for i := range ome.Images {
		img := &ome.Images[i]
		p := img.Pixels
		order := p.DimensionOrder
		if !validDimOrder(order) {
			order = "XYZCT"
		}
		sizeZ, sizeC, sizeT := max1(p.SizeZ), max1(p.SizeC), max1(p.SizeT)
		nPlanes := sizeZ * sizeC * sizeT
		if first+nPlanes > len(f.ifds) {
			return fmt.Errorf("ometiff: OME metadata declares %d planes for image %d but only %d directories remain",
				nPlanes, i, len(f.ifds)-first)
		}
		name := img.Name
		if name == "" {
			name = img.ID
		}
		var channels []string
		for _, ch := range p.Channels {
			channels = append(channels, ch.Name)
		}
		anyNamed := false
		for _, ch := range channels {
			if ch != "" {
				anyNamed = true
			}
		}
		if !anyNamed {
			channels = nil
		}
		d := f.ifds[first]
		f.scenes = append(f.scenes, &sceneView{
			file:     f,
			name:     name,
			dims:     bioimg.NewDimensions("TCZYX", sizeT, sizeC, sizeZ, d.height, d.width),
			channels: channels,
			dimOrder: order,
			firstIFD: first,
		})
		first += nPlanes
	}
	return nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func validDimOrder(order string) bool {
	if len(order) != 5 || !strings.HasPrefix(order, "XY") {
		return false
	}
	return strings.ContainsRune(order, 'Z') &&
		strings.ContainsRune(order, 'C') &&
		strings.ContainsRune(order, 'T')
}

// Scenes implements bioimg.Reader.
func (f *File) Scenes() []string {
	names := make([]string, len(f.scenes))
	for i, s := range f.scenes {
		names[i] = s.name
	}
	return names
}

// Scene implements bioimg.Reader.
func (f *File) Scene(i int) (bioimg.Scene, error) {
	if i < 0 || i >= len(f.scenes) {
		return nil, fmt.Errorf("%w: index %d of %d", bioimg.ErrNoSuchScene, i, len(f.scenes))
	}
	return f.scenes[i], nil
}

// ChannelNames implements bioimg.Reader; it reports the first scene's names.
func (f *File) ChannelNames() []string {
	if len(f.scenes) == 0 {
		return nil
	}
	return f.scenes[0].channels
}

// OMEXML implements bioimg.Reader. Plain TIFFs get metadata synthesized
// from the directory chain.
func (f *File) OMEXML() (string, error) {
	if f.omeRaw != "" {
		return f.omeRaw, nil
	}
	o := omexml.New("go-bioimage")
	for _, s := range f.scenes {
		img := o.AddImage(s.name)
		img.Pixels.Type = pixelTypeName(f.ifds[s.firstIFD].dtype)
		img.Pixels.SizeX = s.dims.SizeOr(bioimg.LabelX, 1)
		img.Pixels.SizeY = s.dims.SizeOr(bioimg.LabelY, 1)
		img.Pixels.SizeZ = s.dims.SizeOr(bioimg.LabelZ, 1)
		img.Pixels.SizeC = s.dims.SizeOr(bioimg.LabelC, 1)
		img.Pixels.SizeT = s.dims.SizeOr(bioimg.LabelT, 1)
		names := s.channels
		if names == nil {
			names = make([]string, img.Pixels.SizeC)
		}
		img.SetChannels(names)
	}
	return o.XML()
}

// Close implements bioimg.Reader.
func (f *File) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

func (s *sceneView) Name() string            { return s.name }
func (s *sceneView) Dims() bioimg.Dimensions { return s.dims }
func (s *sceneView) ChannelNames() []string  { return s.channels }

// ReadVolume implements bioimg.Scene.
func (s *sceneView) ReadVolume(order string, fixed map[byte]int) (*bioimg.Volume, error) {
	dtype := s.file.ifds[s.firstIFD].dtype
	return bioimg.AssembleVolume(s.dims, dtype, order, fixed, s.readPlane)
}

func (s *sceneView) readPlane(t, c, z int) ([]byte, error) {
	sizeZ := s.dims.SizeOr(bioimg.LabelZ, 1)
	sizeC := s.dims.SizeOr(bioimg.LabelC, 1)
	sizeT := s.dims.SizeOr(bioimg.LabelT, 1)
	idx, err := planeIndex(s.dimOrder, sizeZ, sizeC, sizeT, z, c, t)
	if err != nil {
		return nil, err
	}
	d := s.file.ifds[s.firstIFD+idx]

	want := d.width * d.height * d.dtype.Size()
	plane := make([]byte, 0, want)
	for i, off := range d.stripOffsets {
		raw := make([]byte, d.stripCounts[i])
		if _, err := s.file.r.ReadAt(raw, int64(off)); err != nil {
			return nil, fmt.Errorf("ometiff: read strip %d at %d: %w", i, off, err)
		}
		decoded, err := decodeStrip(raw, d.compression)
		if err != nil {
			return nil, err
		}
		plane = append(plane, decoded...)
	}
	if len(plane) != want {
		return nil, fmt.Errorf("ometiff: plane %d has %d bytes, want %d", idx, len(plane), want)
	}
	if s.file.order == binary.BigEndian {
		swapToLittle(plane, d.dtype.Size())
	}
	return plane, nil
}

func decodeStrip(raw []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return raw, nil
	case CompressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("ometiff: deflate strip: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("ometiff: deflate strip: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: compression %v", ErrUnsupported, c)
}

// swapToLittle converts big-endian sample data to the little-endian layout
// Volume expects.
func swapToLittle(b []byte, size int) {
	switch size {
	case 2:
		for i := 0; i+2 <= len(b); i += 2 {
			b[i], b[i+1] = b[i+1], b[i]
		}
	case 4:
		for i := 0; i+4 <= len(b); i += 4 {
			b[i], b[i+3] = b[i+3], b[i]
			b[i+1], b[i+2] = b[i+2], b[i+1]
		}
	case 8:
		for i := 0; i+8 <= len(b); i += 8 {
			for j := 0; j < 4; j++ {
				b[i+j], b[i+7-j] = b[i+7-j], b[i+j]
			}
		}
	}
}
