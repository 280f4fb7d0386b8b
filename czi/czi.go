// Package czi reads Zeiss CZI (ZISRAW) containers.
//
// A CZI file is a sequence of 32-byte-aligned segments, each tagged with a
// 16-byte ASCII identifier. The file header segment points at a metadata
// segment (Zeiss XML) and a subblock directory; every subblock stores one
// YX plane addressed by dimension start coordinates. Scenes come from the
// S dimension.
//
// Uncompressed and zstd subblocks are supported. Mosaic acquisitions,
// pyramid levels and JPEG-XR compression are out of scope and rejected.
package czi

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/bardlab/go-bioimage/bioimg"
	"github.com/bardlab/go-bioimage/internal/binio"
	"github.com/bardlab/go-bioimage/omexml"
)

func init() {
	bioimg.RegisterFormat(bioimg.Format{
		Name:       "czi",
		Extensions: []string{".czi"},
		Magic:      isCZI,
		Open: func(path string) (bioimg.Reader, error) {
			return OpenFile(path)
		},
	})
}

var (
	// ErrNotCZI is returned when the file does not start with a ZISRAWFILE
	// segment.
	ErrNotCZI = fmt.Errorf("czi: not a CZI file")

	// ErrMosaic is returned for acquisitions with more than one tile per
	// plane.
	ErrMosaic = fmt.Errorf("czi: mosaic acquisitions are not supported")

	// ErrCompression is returned for subblock compression schemes other
	// than none and zstd.
	ErrCompression = fmt.Errorf("czi: unsupported subblock compression")
)

// Segment identifiers.
const (
	segFile      = "ZISRAWFILE"
	segMetadata  = "ZISRAWMETADATA"
	segDirectory = "ZISRAWDIRECTORY"
	segSubBlock  = "ZISRAWSUBBLOCK"
)

// Subblock compression schemes.
const (
	compNone   = 0
	compJPEG   = 1
	compLZW    = 2
	compJpegXR = 4
	compZstd0  = 5
	compZstd1  = 6
)

const segHeaderSize = 32

func isCZI(p []byte) bool {
	if len(p) < len(segFile) {
		return false
	}
	return string(p[:len(segFile)]) == segFile
}

// dirEntry is one parsed DirectoryEntryDV.
type dirEntry struct {
	pixelType   int32
	filePos     int64
	compression int32
	pyramid     byte
	dims        map[string]dimEntry
}

type dimEntry struct {
	start      int32
	size       int32
	storedSize int32
}

// File is an opened CZI container implementing bioimg.Reader.
type File struct {
	r      io.ReaderAt
	closer io.Closer
	meta   string
	scenes []*sceneView
}

// sceneView is an index-scoped view of one S coordinate.
type sceneView struct {
	file     *File
	name     string
	dims     bioimg.Dimensions
	dtype    bioimg.DType
	channels []string
	planes   map[[3]int]*dirEntry // (t, c, z) -> subblock
}

// OpenFile opens a CZI container from the filesystem.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("czi: %w", err)
	}
	file, err := open(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	file.closer = f
	return file, nil
}

func open(r io.ReaderAt) (*File, error) {
	id, _, payload, err := readSegment(r, 0)
	if err != nil || id != segFile {
		return nil, ErrNotCZI
	}

	var head [80]byte
	if _, err := r.ReadAt(head[:], payload); err != nil {
		return nil, fmt.Errorf("czi: file header: %w", err)
	}
	hr := binio.NewReader(head[:])
	hr.Skip(52) // version, reserved, GUIDs, file part
	dirPos, _ := hr.ReadInt64()
	metaPos, _ := hr.ReadInt64()

	file := &File{r: r}
	if metaPos > 0 {
		if file.meta, err = readMetadata(r, metaPos); err != nil {
			return nil, err
		}
	}
	if dirPos <= 0 {
		return nil, fmt.Errorf("czi: missing subblock directory")
	}
	entries, err := readDirectory(r, dirPos)
	if err != nil {
		return nil, err
	}
	if err := file.buildScenes(entries); err != nil {
		return nil, err
	}
	return file, nil
}

// readSegment reads a 32-byte segment header and returns the identifier,
// the used payload size and the payload offset.
func readSegment(r io.ReaderAt, off int64) (string, int64, int64, error) {
	var buf [segHeaderSize]byte
	if _, err := r.ReadAt(buf[:], off); err != nil {
		return "", 0, 0, fmt.Errorf("czi: segment header at %d: %w", off, err)
	}
	sr := binio.NewReader(buf[:])
	rawID, _ := sr.ReadBytes(16)
	sr.Skip(8) // allocated size
	used, _ := sr.ReadInt64()

	end := 0
	for end < len(rawID) && rawID[end] != 0 {
		end++
	}
	return string(rawID[:end]), used, off + segHeaderSize, nil
}

func readMetadata(r io.ReaderAt, off int64) (string, error) {
	id, _, payload, err := readSegment(r, off)
	if err != nil {
		return "", err
	}
	if id != segMetadata {
		return "", fmt.Errorf("czi: segment %q at metadata position", id)
	}
	var sizes [4]byte
	if _, err := r.ReadAt(sizes[:], payload); err != nil {
		return "", fmt.Errorf("czi: metadata sizes: %w", err)
	}
	xmlSize, _ := binio.NewReader(sizes[:]).ReadUint32()
	raw := make([]byte, xmlSize)
	if _, err := r.ReadAt(raw, payload+256); err != nil {
		return "", fmt.Errorf("czi: metadata XML: %w", err)
	}
	return string(raw), nil
}

func readDirectory(r io.ReaderAt, off int64) ([]*dirEntry, error) {
	id, used, payload, err := readSegment(r, off)
	if err != nil {
		return nil, err
	}
	if id != segDirectory {
		return nil, fmt.Errorf("czi: segment %q at directory position", id)
	}
	raw := make([]byte, used)
	if _, err := r.ReadAt(raw, payload); err != nil {
		return nil, fmt.Errorf("czi: subblock directory: %w", err)
	}
	dr := binio.NewReader(raw)
	count, _ := dr.ReadUint32()
	if err := dr.SetPos(128); err != nil {
		return nil, fmt.Errorf("czi: truncated subblock directory")
	}

	entries := make([]*dirEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, err := parseDirEntry(dr)
		if err != nil {
			return nil, fmt.Errorf("czi: directory entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// parseDirEntry decodes one DirectoryEntryDV record.
func parseDirEntry(r *binio.Reader) (*dirEntry, error) {
	schema, err := r.ReadBytes(2)
	if err != nil {
		return nil, err
	}
	if string(schema) != "DV" {
		return nil, fmt.Errorf("schema %q", schema)
	}
	e := &dirEntry{dims: map[string]dimEntry{}}
	e.pixelType, _ = r.ReadInt32()
	e.filePos, _ = r.ReadInt64()
	r.Skip(4) // file part
	e.compression, _ = r.ReadInt32()
	e.pyramid, _ = r.ReadByte()
	r.Skip(5)
	nDims, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	for i := int32(0); i < nDims; i++ {
		label, err := r.ReadBytes(4)
		if err != nil {
			return nil, err
		}
		end := 0
		for end < len(label) && label[end] != 0 {
			end++
		}
		var d dimEntry
		d.start, _ = r.ReadInt32()
		d.size, _ = r.ReadInt32()
		r.Skip(4) // start coordinate
		d.storedSize, err = r.ReadInt32()
		if err != nil {
			return nil, err
		}
		e.dims[string(label[:end])] = d
	}
	return e, nil
}

func (e *dirEntry) dim(label string) (dimEntry, bool) {
	d, ok := e.dims[label]
	return d, ok
}

func (e *dirEntry) startOr(label string, def int) int {
	if d, ok := e.dims[label]; ok {
		return int(d.start)
	}
	return def
}

// zeissImage is the subset of the Zeiss metadata document carrying channel
// and scene names.
type zeissImage struct {
	XMLName  xml.Name `xml:"ImageDocument"`
	Channels []struct {
		Name     string `xml:"Name,attr"`
		NameElem string `xml:"Name"`
	} `xml:"Metadata>Information>Image>Dimensions>Channels>Channel"`
	Scenes []struct {
		Index int    `xml:"Index,attr"`
		Name  string `xml:"Name,attr"`
	} `xml:"Metadata>Information>Image>Dimensions>S>Scenes>Scene"`
}

// buildScenes groups subblocks by their S coordinate and derives one
// index-scoped view per scene.
func (f *File) buildScenes(entries []*dirEntry) error {
	var info zeissImage
	if f.meta != "" {
		// Zeiss metadata is advisory; names degrade to indices on error.
		xml.Unmarshal([]byte(f.meta), &info)
	}
	var channelNames []string
	for _, ch := range info.Channels {
		name := ch.Name
		if name == "" {
			name = ch.NameElem
		}
		channelNames = append(channelNames, name)
	}
	anyNamed := false
	for _, n := range channelNames {
		if n != "" {
			anyNamed = true
		}
	}
	if !anyNamed {
		channelNames = nil
	}
	sceneNames := map[int]string{}
	for _, s := range info.Scenes {
		sceneNames[s.Index] = s.Name
	}

	groups := map[int][]*dirEntry{}
	for _, e := range entries {
		if e.pyramid != 0 {
			continue
		}
		if x, ok := e.dim("X"); ok && x.storedSize != 0 && x.storedSize != x.size {
			continue // downsampled pyramid level
		}
		if m, ok := e.dim("M"); ok && (m.size > 1 || m.start > 0) {
			return ErrMosaic
		}
		groups[e.startOr("S", 0)] = append(groups[e.startOr("S", 0)], e)
	}
	if len(groups) == 0 {
		return fmt.Errorf("czi: no usable subblocks")
	}

	indices := make([]int, 0, len(groups))
	for s := range groups {
		indices = append(indices, s)
	}
	sort.Ints(indices)

	for _, s := range indices {
		sv, err := newSceneView(f, s, sceneNames[s], groups[s], channelNames)
		if err != nil {
			return err
		}
		f.scenes = append(f.scenes, sv)
	}
	return nil
}

func newSceneView(f *File, index int, name string, entries []*dirEntry, channelNames []string) (*sceneView, error) {
	if name == "" {
		name = fmt.Sprintf("%d", index)
	}
	sv := &sceneView{
		file:     f,
		name:     name,
		channels: channelNames,
		planes:   map[[3]int]*dirEntry{},
	}

	dtype, err := dtypeForPixelType(entries[0].pixelType)
	if err != nil {
		return nil, fmt.Errorf("czi: scene %q: %w", name, err)
	}
	sv.dtype = dtype

	sizeX, sizeY := 0, 0
	minT, minC, minZ := 0, 0, 0
	maxT, maxC, maxZ := 0, 0, 0
	hasT, hasZ := false, false
	first := true
	for _, e := range entries {
		if e.pixelType != entries[0].pixelType {
			return nil, fmt.Errorf("czi: scene %q mixes pixel types", name)
		}
		x, okX := e.dim("X")
		y, okY := e.dim("Y")
		if !okX || !okY {
			return nil, fmt.Errorf("czi: scene %q subblock without X/Y extent", name)
		}
		if sizeX == 0 {
			sizeX, sizeY = int(x.size), int(y.size)
		} else if int(x.size) != sizeX || int(y.size) != sizeY {
			return nil, ErrMosaic
		}

		t := e.startOr("T", 0)
		c := e.startOr("C", 0)
		z := e.startOr("Z", 0)
		if _, ok := e.dims["T"]; ok {
			hasT = true
		}
		if _, ok := e.dims["Z"]; ok {
			hasZ = true
		}
		if first {
			minT, minC, minZ = t, c, z
			maxT, maxC, maxZ = t, c, z
			first = false
		} else {
			minT, maxT = min(minT, t), max(maxT, t)
			minC, maxC = min(minC, c), max(maxC, c)
			minZ, maxZ = min(minZ, z), max(maxZ, z)
		}
	}
	for _, e := range entries {
		key := [3]int{
			e.startOr("T", 0) - minT,
			e.startOr("C", 0) - minC,
			e.startOr("Z", 0) - minZ,
		}
		if prev, dup := sv.planes[key]; dup && prev != e {
			return nil, ErrMosaic
		}
		sv.planes[key] = e
	}

	order := make([]byte, 0, 5)
	sizes := make([]int, 0, 5)
	if hasT {
		order = append(order, bioimg.LabelT)
		sizes = append(sizes, maxT-minT+1)
	}
	order = append(order, bioimg.LabelC)
	sizes = append(sizes, maxC-minC+1)
	if hasZ {
		order = append(order, bioimg.LabelZ)
		sizes = append(sizes, maxZ-minZ+1)
	}
	order = append(order, bioimg.LabelY, bioimg.LabelX)
	sizes = append(sizes, sizeY, sizeX)
	sv.dims = bioimg.Dimensions{Order: string(order), Sizes: sizes}

	if len(sv.channels) != 0 && len(sv.channels) != maxC-minC+1 {
		sv.channels = nil
	}
	return sv, nil
}

// Zeiss pixel type codes.
func dtypeForPixelType(pt int32) (bioimg.DType, error) {
	switch pt {
	case 0:
		return bioimg.Uint8, nil
	case 1:
		return bioimg.Uint16, nil
	case 2:
		return bioimg.Float32, nil
	case 12:
		return bioimg.Uint32, nil
	}
	return 0, fmt.Errorf("pixel type %d is not supported", pt)
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

// ChannelNames implements bioimg.Reader with the file-level channel names
// from the Zeiss metadata.
func (f *File) ChannelNames() []string {
	if len(f.scenes) == 0 {
		return nil
	}
	return f.scenes[0].channels
}

// RawMetadata returns the Zeiss XML metadata document verbatim.
func (f *File) RawMetadata() string { return f.meta }

// OMEXML implements bioimg.Reader by synthesizing metadata from the
// subblock directory.
func (f *File) OMEXML() (string, error) {
	o := omexml.New("go-bioimage")
	for _, s := range f.scenes {
		img := o.AddImage(s.name)
		img.Pixels.Type = omePixelType(s.dtype)
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

func omePixelType(d bioimg.DType) string {
	switch d {
	case bioimg.Float32:
		return "float"
	case bioimg.Float64:
		return "double"
	}
	return d.String()
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
	return bioimg.AssembleVolume(s.dims, s.dtype, order, fixed, s.readPlane)
}

func (s *sceneView) readPlane(t, c, z int) ([]byte, error) {
	e, ok := s.planes[[3]int{t, c, z}]
	if !ok {
		return nil, fmt.Errorf("czi: scene %q has no subblock for (T=%d, C=%d, Z=%d)", s.name, t, c, z)
	}
	raw, err := s.file.readSubBlock(e)
	if err != nil {
		return nil, err
	}
	want := s.dims.SizeOr(bioimg.LabelY, 1) * s.dims.SizeOr(bioimg.LabelX, 1) * s.dtype.Size()
	if len(raw) != want {
		return nil, fmt.Errorf("czi: subblock at %d holds %d bytes, want %d", e.filePos, len(raw), want)
	}
	return raw, nil
}

// readSubBlock locates a subblock's pixel payload and decompresses it.
func (f *File) readSubBlock(e *dirEntry) ([]byte, error) {
	id, _, payload, err := readSegment(f.r, e.filePos)
	if err != nil {
		return nil, err
	}
	if id != segSubBlock {
		return nil, fmt.Errorf("czi: segment %q at subblock position %d", id, e.filePos)
	}

	var fixed [16]byte
	if _, err := f.r.ReadAt(fixed[:], payload); err != nil {
		return nil, fmt.Errorf("czi: subblock header at %d: %w", e.filePos, err)
	}
	fr := binio.NewReader(fixed[:])
	metaSize, _ := fr.ReadUint32()
	fr.Skip(4) // attachment size
	dataSize, _ := fr.ReadInt64()

	entrySize := 32 + 20*len(e.dims)
	headerSize := int64(16 + entrySize)
	if headerSize < 256 {
		headerSize = 256
	}
	dataOff := payload + headerSize + int64(metaSize)

	raw := make([]byte, dataSize)
	if _, err := f.r.ReadAt(raw, dataOff); err != nil {
		return nil, fmt.Errorf("czi: subblock data at %d: %w", dataOff, err)
	}

	switch e.compression {
	case compNone:
		return raw, nil
	case compZstd0:
		return decodeZstd(raw)
	case compZstd1:
		// zstd1 prefixes the frame with a small header; the first byte
		// holds its size.
		if len(raw) < 1 || int(raw[0]) > len(raw) {
			return nil, fmt.Errorf("czi: malformed zstd1 subblock at %d", e.filePos)
		}
		return decodeZstd(raw[raw[0]:])
	}
	return nil, fmt.Errorf("%w: scheme %d", ErrCompression, e.compression)
}

func decodeZstd(raw []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("czi: zstd subblock: %w", err)
	}
	return out, nil
}
