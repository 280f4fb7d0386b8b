// Package lif reads Leica Image File (.lif) containers.
//
// A LIF file is a small binary envelope around an UTF-16LE XML document
// describing an element tree; elements carrying an <Image> description
// become scenes. Pixel data lives in named memory blocks appended after
// the header, addressed by per-dimension byte strides, so planes are
// extracted without decoding anything beyond the XML.
//
// Mosaic acquisitions (tile dimension > 1) are not supported; reading such
// a scene fails with ErrMosaic.
package lif

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/bardlab/go-bioimage/bioimg"
	"github.com/bardlab/go-bioimage/internal/binio"
	"github.com/bardlab/go-bioimage/omexml"
)

func init() {
	bioimg.RegisterFormat(bioimg.Format{
		Name:       "lif",
		Extensions: []string{".lif"},
		Magic:      isLIF,
		Open: func(path string) (bioimg.Reader, error) {
			return OpenFile(path)
		},
	})
}

const blockMagic = 0x70
const testByte = 0x2a

var (
	// ErrNotLIF is returned when the file does not carry the LIF magic.
	ErrNotLIF = fmt.Errorf("lif: not a LIF file")

	// ErrMosaic is returned when reading a scene with a tile dimension.
	ErrMosaic = fmt.Errorf("lif: mosaic scenes are not supported")
)

// isLIF checks the leading block magic.
func isLIF(p []byte) bool {
	return len(p) >= 4 && p[0] == blockMagic && p[1] == 0 && p[2] == 0 && p[3] == 0
}

// Dimension IDs used in LIF DimensionDescription elements.
const (
	dimX      = 1
	dimY      = 2
	dimZ      = 3
	dimT      = 4
	dimMosaic = 10
)

// XML schema subset.

type xmlHeader struct {
	XMLName xml.Name   `xml:"LMSDataContainerHeader"`
	Version int        `xml:"Version,attr"`
	Element xmlElement `xml:"Element"`
}

type xmlElement struct {
	Name     string        `xml:"Name,attr"`
	Data     xmlData       `xml:"Data"`
	Memory   *xmlMemory    `xml:"Memory"`
	Children []xmlElement  `xml:"Children>Element"`
}

type xmlData struct {
	Image *xmlImage `xml:"Image"`
}

type xmlMemory struct {
	Size          uint64 `xml:"Size,attr"`
	MemoryBlockID string `xml:"MemoryBlockID,attr"`
}

type xmlImage struct {
	Channels   []xmlChannel   `xml:"ImageDescription>Channels>ChannelDescription"`
	Dimensions []xmlDimension `xml:"ImageDescription>Dimensions>DimensionDescription"`
}

type xmlChannel struct {
	DataType   int    `xml:"DataType,attr"`
	Resolution int    `xml:"Resolution,attr"`
	BytesInc   uint64 `xml:"BytesInc,attr"`
	LUTName    string `xml:"LUTName,attr"`
}

type xmlDimension struct {
	DimID            int    `xml:"DimID,attr"`
	NumberOfElements int    `xml:"NumberOfElements,attr"`
	BytesInc         uint64 `xml:"BytesInc,attr"`
}

type blockInfo struct {
	offset int64
	size   uint64
}

// File is an opened LIF container implementing bioimg.Reader.
type File struct {
	r      io.ReaderAt
	closer io.Closer
	scenes []*sceneView
}

// sceneView is an index-scoped view of one LIF image element.
type sceneView struct {
	file     *File
	name     string
	dims     bioimg.Dimensions
	dtype    bioimg.DType
	bpp      int
	channels []xmlChannel
	lutNames []string
	xInc     uint64
	yInc     uint64
	zInc     uint64
	tInc     uint64
	mosaic   int
	block    blockInfo
}

// OpenFile opens a LIF container from the filesystem.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lif: %w", err)
	}
	file, err := open(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	file.closer = f
	return file, nil
}

func open(f *os.File) (*File, error) {
	doc, version, err := readHeaderXML(f)
	if err != nil {
		return nil, err
	}
	blocks, err := scanBlocks(f, version)
	if err != nil {
		return nil, err
	}

	var hdr xmlHeader
	if err := xml.Unmarshal([]byte(doc), &hdr); err != nil {
		return nil, fmt.Errorf("header XML: %w", err)
	}

	file := &File{r: f}
	file.collectScenes(&hdr.Element, nil, blocks, true)
	return file, nil
}

// readHeaderXML reads the leading XML block and returns the decoded
// document with the declared container version.
func readHeaderXML(f *os.File) (string, int, error) {
	var head [13]byte
	if _, err := io.ReadFull(f, head[:]); err != nil {
		return "", 0, ErrNotLIF
	}
	r := binio.NewReader(head[:])
	magic, _ := r.ReadUint32()
	if magic != blockMagic {
		return "", 0, ErrNotLIF
	}
	r.Skip(4) // chunk size
	tb, _ := r.ReadByte()
	if tb != testByte {
		return "", 0, fmt.Errorf("lif: bad test byte %#x in header", tb)
	}
	nc, _ := r.ReadUint32()
	raw := make([]byte, int(nc)*2)
	if _, err := io.ReadFull(f, raw); err != nil {
		return "", 0, fmt.Errorf("lif: short header XML: %w", err)
	}
	doc, err := decodeUTF16(raw)
	if err != nil {
		return "", 0, err
	}

	version := 2
	if i := strings.Index(doc, `Version="`); i >= 0 {
		rest := doc[i+len(`Version="`):]
		if j := strings.IndexByte(rest, '"'); j > 0 {
			fmt.Sscanf(rest[:j], "%d", &version)
		}
	}
	return doc, version, nil
}

// scanBlocks walks the memory blocks after the header, recording the data
// offset and size of each named block without reading its payload.
func scanBlocks(f *os.File, version int) (map[string]blockInfo, error) {
	blocks := map[string]blockInfo{}
	for {
		var word [4]byte
		if _, err := io.ReadFull(f, word[:]); err == io.EOF {
			return blocks, nil
		} else if err != nil {
			return nil, fmt.Errorf("lif: block scan: %w", err)
		}
		r := binio.NewReader(word[:])
		magic, _ := r.ReadUint32()
		if magic != blockMagic {
			return nil, fmt.Errorf("lif: bad block magic %#x", magic)
		}

		fixed := 9 // chunk size + test byte + 32-bit length
		if version >= 2 {
			fixed += 9 // second test byte + 64-bit length
		}
		fixed += 4 // description length
		buf := make([]byte, fixed)
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, fmt.Errorf("lif: short block header: %w", err)
		}
		br := binio.NewReader(buf)
		br.Skip(4) // chunk size
		tb, _ := br.ReadByte()
		if tb != testByte {
			return nil, fmt.Errorf("lif: bad test byte %#x in block", tb)
		}
		small, _ := br.ReadUint32()
		memSize := uint64(small)
		if version >= 2 {
			tb, _ = br.ReadByte()
			if tb != testByte {
				return nil, fmt.Errorf("lif: bad test byte %#x before block size", tb)
			}
			memSize, _ = br.ReadUint64()
		}
		nDesc, _ := br.ReadUint32()

		desc := make([]byte, int(nDesc)*2)
		if _, err := io.ReadFull(f, desc); err != nil {
			return nil, fmt.Errorf("lif: short block description: %w", err)
		}
		id, err := decodeUTF16(desc)
		if err != nil {
			return nil, err
		}

		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
		if memSize > 0 {
			blocks[id] = blockInfo{offset: pos, size: memSize}
			if _, err := f.Seek(int64(memSize), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("lif: skip block %q: %w", id, err)
			}
		}
	}
}

func decodeUTF16(raw []byte) (string, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("lif: decode UTF-16 text: %w", err)
	}
	return string(out), nil
}

// collectScenes walks the element tree depth-first, turning every element
// with an image description into a scene. Scene names are element paths
// joined with "/"; the container root element is elided.
func (f *File) collectScenes(el *xmlElement, path []string, blocks map[string]blockInfo, root bool) {
	if el.Data.Image != nil {
		name := strings.Join(append(append([]string{}, path...), el.Name), "/")
		var block blockInfo
		if el.Memory != nil {
			block = blocks[el.Memory.MemoryBlockID]
		}
		f.scenes = append(f.scenes, newSceneView(f, name, el.Data.Image, block))
	}
	childPath := append(append([]string{}, path...), el.Name)
	if root {
		childPath = nil
	}
	for i := range el.Children {
		f.collectScenes(&el.Children[i], childPath, blocks, false)
	}
}

func newSceneView(f *File, name string, img *xmlImage, block blockInfo) *sceneView {
	sv := &sceneView{
		file:   f,
		name:   name,
		block:  block,
		mosaic: 1,
	}

	sizeX, sizeY, sizeZ, sizeT := 1, 1, 1, 1
	hasZ, hasT := false, false
	for _, d := range img.Dimensions {
		switch d.DimID {
		case dimX:
			sizeX = d.NumberOfElements
			sv.xInc = d.BytesInc
		case dimY:
			sizeY = d.NumberOfElements
			sv.yInc = d.BytesInc
		case dimZ:
			sizeZ = d.NumberOfElements
			sv.zInc = d.BytesInc
			hasZ = true
		case dimT:
			sizeT = d.NumberOfElements
			sv.tInc = d.BytesInc
			hasT = true
		case dimMosaic:
			sv.mosaic = d.NumberOfElements
		}
	}

	sv.channels = img.Channels
	for _, ch := range img.Channels {
		sv.lutNames = append(sv.lutNames, ch.LUTName)
	}
	anyNamed := false
	for _, n := range sv.lutNames {
		if n != "" {
			anyNamed = true
		}
	}
	if !anyNamed {
		sv.lutNames = nil
	}

	// Pixel layout comes from the first channel; mixed-depth channels do
	// not occur in practice.
	sv.bpp = 1
	sv.dtype = bioimg.Uint8
	if len(img.Channels) > 0 {
		res := img.Channels[0].Resolution
		sv.bpp = (res + 7) / 8
		switch {
		case img.Channels[0].DataType == 1 && sv.bpp <= 4:
			sv.dtype = bioimg.Float32
			sv.bpp = 4
		case sv.bpp <= 1:
			sv.dtype = bioimg.Uint8
		case sv.bpp <= 2:
			sv.dtype = bioimg.Uint16
			sv.bpp = 2
		default:
			sv.dtype = bioimg.Uint32
			sv.bpp = 4
		}
	}
	if sv.xInc == 0 {
		sv.xInc = uint64(sv.bpp)
	}
	if sv.yInc == 0 {
		sv.yInc = uint64(sizeX) * sv.xInc
	}

	order := make([]byte, 0, 5)
	sizes := make([]int, 0, 5)
	if hasT {
		order = append(order, bioimg.LabelT)
		sizes = append(sizes, sizeT)
	}
	order = append(order, bioimg.LabelC)
	sizes = append(sizes, len(img.Channels))
	if hasZ {
		order = append(order, bioimg.LabelZ)
		sizes = append(sizes, sizeZ)
	}
	order = append(order, bioimg.LabelY, bioimg.LabelX)
	sizes = append(sizes, sizeY, sizeX)
	sv.dims = bioimg.Dimensions{Order: string(order), Sizes: sizes}
	return sv
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

// ChannelNames implements bioimg.Reader with the first scene's LUT names.
func (f *File) ChannelNames() []string {
	if len(f.scenes) == 0 {
		return nil
	}
	return f.scenes[0].lutNames
}

// OMEXML implements bioimg.Reader by synthesizing metadata from the
// element tree.
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
		names := s.lutNames
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
func (s *sceneView) ChannelNames() []string  { return s.lutNames }

// ReadVolume implements bioimg.Scene.
func (s *sceneView) ReadVolume(order string, fixed map[byte]int) (*bioimg.Volume, error) {
	if s.mosaic > 1 {
		return nil, ErrMosaic
	}
	return bioimg.AssembleVolume(s.dims, s.dtype, order, fixed, s.readPlane)
}

// readPlane extracts one YX plane using the strides declared in the XML.
func (s *sceneView) readPlane(t, c, z int) ([]byte, error) {
	if s.block.size == 0 {
		return nil, fmt.Errorf("lif: scene %q has no memory block", s.name)
	}
	sizeY := s.dims.SizeOr(bioimg.LabelY, 1)
	sizeX := s.dims.SizeOr(bioimg.LabelX, 1)

	base := s.channels[c].BytesInc + uint64(z)*s.zInc + uint64(t)*s.tInc
	rowBytes := uint64(sizeX) * uint64(s.bpp)
	last := base + uint64(sizeY-1)*s.yInc + rowBytes
	if s.xInc != uint64(s.bpp) {
		last = base + uint64(sizeY-1)*s.yInc + uint64(sizeX-1)*s.xInc + uint64(s.bpp)
	}
	if last > s.block.size {
		return nil, fmt.Errorf("lif: scene %q plane (T=%d, C=%d, Z=%d) extends past its memory block (%d > %d)",
			s.name, t, c, z, last, s.block.size)
	}

	plane := make([]byte, sizeY*sizeX*s.bpp)
	if s.xInc == uint64(s.bpp) {
		// Contiguous rows: one read per row.
		for y := 0; y < sizeY; y++ {
			off := s.block.offset + int64(base+uint64(y)*s.yInc)
			if _, err := s.file.r.ReadAt(plane[y*int(rowBytes):(y+1)*int(rowBytes)], off); err != nil {
				return nil, fmt.Errorf("lif: read row %d of scene %q: %w", y, s.name, err)
			}
		}
		return plane, nil
	}

	// Strided pixels: element-wise gather.
	px := make([]byte, s.bpp)
	for y := 0; y < sizeY; y++ {
		for x := 0; x < sizeX; x++ {
			off := s.block.offset + int64(base+uint64(y)*s.yInc+uint64(x)*s.xInc)
			if _, err := s.file.r.ReadAt(px, off); err != nil {
				return nil, fmt.Errorf("lif: read pixel (%d,%d) of scene %q: %w", x, y, s.name, err)
			}
			copy(plane[(y*sizeX+x)*s.bpp:], px)
		}
	}
	return plane, nil
}
