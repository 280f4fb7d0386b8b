package czi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/bardlab/go-bioimage/bioimg"
)

type dimSpec struct {
	label  string
	start  int32
	size   int32
	stored int32
}

type subblockSpec struct {
	pixelType   int32
	compression int32
	pyramid     byte
	dims        []dimSpec
	data        []byte
	filePos     int64 // filled during assembly
}

// cziBuilder assembles a synthetic ZISRAW container in memory.
type cziBuilder struct {
	meta      string
	subblocks []*subblockSpec
}

func pad32(buf []byte) []byte {
	for len(buf)%32 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func appendSegment(buf []byte, id string, payload []byte) []byte {
	var hdr [32]byte
	copy(hdr[:16], id)
	binary.LittleEndian.PutUint64(hdr[16:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(hdr[24:], uint64(len(payload)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	return pad32(buf)
}

func entryBytes(sb *subblockSpec) []byte {
	var out []byte
	out = append(out, 'D', 'V')
	out = binary.LittleEndian.AppendUint32(out, uint32(sb.pixelType))
	out = binary.LittleEndian.AppendUint64(out, uint64(sb.filePos))
	out = binary.LittleEndian.AppendUint32(out, 0) // file part
	out = binary.LittleEndian.AppendUint32(out, uint32(sb.compression))
	out = append(out, sb.pyramid, 0, 0, 0, 0, 0)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(sb.dims)))
	for _, d := range sb.dims {
		var label [4]byte
		copy(label[:], d.label)
		out = append(out, label[:]...)
		out = binary.LittleEndian.AppendUint32(out, uint32(d.start))
		out = binary.LittleEndian.AppendUint32(out, uint32(d.size))
		out = binary.LittleEndian.AppendUint32(out, 0) // start coordinate
		stored := d.stored
		if stored == 0 {
			stored = d.size
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(stored))
	}
	return out
}

func (b *cziBuilder) bytes(t *testing.T) []byte {
	t.Helper()
	// File header segment first; directory and metadata positions are
	// patched in once known.
	buf := appendSegment(nil, segFile, make([]byte, 512))

	metaPos := int64(0)
	if b.meta != "" {
		metaPos = int64(len(buf))
		payload := make([]byte, 256+len(b.meta))
		binary.LittleEndian.PutUint32(payload, uint32(len(b.meta)))
		copy(payload[256:], b.meta)
		buf = appendSegment(buf, segMetadata, payload)
	}

	for _, sb := range b.subblocks {
		sb.filePos = int64(len(buf))
		entry := entryBytes(sb)
		headerSize := 16 + len(entry)
		if headerSize < 256 {
			headerSize = 256
		}
		payload := make([]byte, headerSize, headerSize+len(sb.data))
		binary.LittleEndian.PutUint64(payload[8:], uint64(len(sb.data)))
		copy(payload[16:], entry)
		payload = append(payload, sb.data...)
		buf = appendSegment(buf, segSubBlock, payload)
	}

	dirPos := int64(len(buf))
	payload := make([]byte, 128)
	binary.LittleEndian.PutUint32(payload, uint32(len(b.subblocks)))
	for _, sb := range b.subblocks {
		payload = append(payload, entryBytes(sb)...)
	}
	buf = appendSegment(buf, segDirectory, payload)

	binary.LittleEndian.PutUint64(buf[32+52:], uint64(dirPos))
	binary.LittleEndian.PutUint64(buf[32+60:], uint64(metaPos))
	return buf
}

func writeTemp(t *testing.T, raw []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.czi")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const twoSceneMeta = `<ImageDocument><Metadata><Information><Image><Dimensions>` +
	`<Channels><Channel Id="Channel:0" Name="DAPI"/><Channel Id="Channel:1" Name="GFP"/></Channels>` +
	`<S><Scenes><Scene Index="0" Name="Region A"/><Scene Index="1" Name="Region B"/></Scenes></S>` +
	`</Dimensions></Image></Information></Metadata></ImageDocument>`

// twoScenes builds two S coordinates, each a 2-channel 2-section stack of
// 2x3 uint16 planes with pixel value 1000s + 100c + 10z + i.
func twoScenes(t *testing.T) ([]byte, func(s, c, z, i int) uint16) {
	t.Helper()
	value := func(s, c, z, i int) uint16 {
		return uint16(1000*s + 100*c + 10*z + i)
	}
	b := &cziBuilder{meta: twoSceneMeta}
	for s := 0; s < 2; s++ {
		for c := 0; c < 2; c++ {
			for z := 0; z < 2; z++ {
				data := make([]byte, 2*3*2)
				for i := 0; i < 6; i++ {
					binary.LittleEndian.PutUint16(data[i*2:], value(s, c, z, i))
				}
				b.subblocks = append(b.subblocks, &subblockSpec{
					pixelType: 1,
					dims: []dimSpec{
						{label: "X", size: 3},
						{label: "Y", size: 2},
						{label: "C", start: int32(c), size: 1},
						{label: "Z", start: int32(z), size: 1},
						{label: "S", start: int32(s), size: 1},
					},
					data: data,
				})
			}
		}
	}
	return b.bytes(t), value
}

func TestReadTwoScenes(t *testing.T) {
	raw, value := twoScenes(t)
	f, err := OpenFile(writeTemp(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	want := []string{"Region A", "Region B"}
	got := f.Scenes()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Scenes() = %v, want %v", got, want)
	}
	if names := f.ChannelNames(); len(names) != 2 || names[0] != "DAPI" || names[1] != "GFP" {
		t.Fatalf("ChannelNames() = %v", names)
	}
	if !strings.Contains(f.RawMetadata(), "ImageDocument") {
		t.Fatal("RawMetadata() lost the Zeiss document")
	}

	for s := 0; s < 2; s++ {
		scene, err := f.Scene(s)
		if err != nil {
			t.Fatal(err)
		}
		dims := scene.Dims()
		if dims.Order != "CZYX" {
			t.Fatalf("scene %d Order = %q, want CZYX", s, dims.Order)
		}
		for c := 0; c < 2; c++ {
			vol, err := scene.ReadVolume("ZYX", map[byte]int{bioimg.LabelC: c})
			if err != nil {
				t.Fatalf("scene %d ReadVolume(C=%d): %v", s, c, err)
			}
			if vol.DType != bioimg.Uint16 {
				t.Fatalf("DType = %v, want uint16", vol.DType)
			}
			for z := 0; z < 2; z++ {
				for y := 0; y < 2; y++ {
					for x := 0; x < 3; x++ {
						want := float64(value(s, c, z, y*3+x))
						if got := vol.At(z, y, x); got != want {
							t.Fatalf("scene %d pixel (c=%d z=%d y=%d x=%d) = %v, want %v", s, c, z, y, x, got, want)
						}
					}
				}
			}
		}
	}
}

func TestZstdSubBlock(t *testing.T) {
	data := make([]byte, 4*4)
	for i := range data {
		data[i] = byte(i * 3)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	compressed := enc.EncodeAll(data, nil)
	enc.Close()

	b := &cziBuilder{subblocks: []*subblockSpec{{
		pixelType:   0,
		compression: compZstd0,
		dims: []dimSpec{
			{label: "X", size: 4},
			{label: "Y", size: 4},
			{label: "C", size: 1},
		},
		data: compressed,
	}}}
	f, err := OpenFile(writeTemp(t, b.bytes(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scene, err := f.Scene(0)
	if err != nil {
		t.Fatal(err)
	}
	vol, err := scene.ReadVolume("YX", map[byte]int{bioimg.LabelC: 0})
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if got := vol.At(y, x); got != float64((y*4+x)*3) {
				t.Fatalf("pixel (%d,%d) = %v, want %d", y, x, got, (y*4+x)*3)
			}
		}
	}
}

func TestRejectJpegXR(t *testing.T) {
	b := &cziBuilder{subblocks: []*subblockSpec{{
		pixelType:   0,
		compression: compJpegXR,
		dims: []dimSpec{
			{label: "X", size: 2},
			{label: "Y", size: 2},
			{label: "C", size: 1},
		},
		data: make([]byte, 4),
	}}}
	f, err := OpenFile(writeTemp(t, b.bytes(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scene, err := f.Scene(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := scene.ReadVolume("YX", map[byte]int{bioimg.LabelC: 0}); !errors.Is(err, ErrCompression) {
		t.Fatalf("err = %v, want ErrCompression", err)
	}
}

func TestRejectMosaic(t *testing.T) {
	b := &cziBuilder{subblocks: []*subblockSpec{{
		pixelType: 0,
		dims: []dimSpec{
			{label: "X", size: 2},
			{label: "Y", size: 2},
			{label: "C", size: 1},
			{label: "M", size: 2},
		},
		data: make([]byte, 4),
	}}}
	if _, err := OpenFile(writeTemp(t, b.bytes(t))); !errors.Is(err, ErrMosaic) {
		t.Fatalf("err = %v, want ErrMosaic", err)
	}
}

func TestPyramidLevelsSkipped(t *testing.T) {
	base := make([]byte, 4*4)
	for i := range base {
		base[i] = byte(i)
	}
	b := &cziBuilder{subblocks: []*subblockSpec{
		{
			pixelType: 0,
			dims: []dimSpec{
				{label: "X", size: 4},
				{label: "Y", size: 4},
				{label: "C", size: 1},
			},
			data: base,
		},
		// A downsampled level of the same plane.
		{
			pixelType: 0,
			pyramid:   1,
			dims: []dimSpec{
				{label: "X", size: 4, stored: 2},
				{label: "Y", size: 4, stored: 2},
				{label: "C", size: 1},
			},
			data: make([]byte, 2*2),
		},
	}}
	f, err := OpenFile(writeTemp(t, b.bytes(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scene, err := f.Scene(0)
	if err != nil {
		t.Fatal(err)
	}
	vol, err := scene.ReadVolume("YX", map[byte]int{bioimg.LabelC: 0})
	if err != nil {
		t.Fatal(err)
	}
	if got := vol.At(3, 3); got != 15 {
		t.Fatalf("pixel (3,3) = %v, want 15 from the full-resolution level", got)
	}
}

func TestSceneIndexNamesWithoutMetadata(t *testing.T) {
	b := &cziBuilder{subblocks: []*subblockSpec{{
		pixelType: 0,
		dims: []dimSpec{
			{label: "X", size: 2},
			{label: "Y", size: 2},
			{label: "C", size: 1},
			{label: "S", start: 3, size: 1},
		},
		data: make([]byte, 4),
	}}}
	f, err := OpenFile(writeTemp(t, b.bytes(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if got := f.Scenes(); len(got) != 1 || got[0] != "3" {
		t.Fatalf("Scenes() = %v, want [3]", got)
	}
	if names := f.ChannelNames(); names != nil {
		t.Fatalf("ChannelNames() = %v, want nil", names)
	}
}

func TestOMEXMLSynthesis(t *testing.T) {
	raw, _ := twoScenes(t)
	f, err := OpenFile(writeTemp(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	doc, err := f.OMEXML()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`Name="Region A"`, `Name="Region B"`, `SizeC="2"`, `SizeZ="2"`, fmt.Sprintf(`Type=%q`, "uint16")} {
		if !strings.Contains(doc, want) {
			t.Fatalf("OMEXML missing %s:\n%s", want, doc)
		}
	}
}

func TestRegistryOpen(t *testing.T) {
	raw, _ := twoScenes(t)
	r, err := bioimg.Open(writeTemp(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, ok := r.(*File); !ok {
		t.Fatalf("Open returned %T, want *czi.File", r)
	}
}

func TestOpenNotCZI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.czi")
	if err := os.WriteFile(path, []byte("not a zisraw container, just text padding"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(path); !errors.Is(err, ErrNotCZI) {
		t.Fatalf("err = %v, want ErrNotCZI", err)
	}
}
