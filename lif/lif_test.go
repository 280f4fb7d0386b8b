package lif

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/text/encoding/unicode"

	"github.com/bardlab/go-bioimage/bioimg"
)

// lifBuilder assembles a synthetic version-2 container in memory.
type lifBuilder struct {
	xml    string
	blocks []lifBlock
}

type lifBlock struct {
	id   string
	data []byte
}

func utf16le(t *testing.T, s string) []byte {
	t.Helper()
	out, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	if err != nil {
		t.Fatalf("encode UTF-16: %v", err)
	}
	return out
}

func (b *lifBuilder) bytes(t *testing.T) []byte {
	t.Helper()
	var buf []byte
	u32 := func(v uint32) {
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	u64 := func(v uint64) {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}

	doc := utf16le(t, b.xml)
	u32(blockMagic)
	u32(uint32(5 + len(doc)))
	buf = append(buf, testByte)
	u32(uint32(len(doc) / 2))
	buf = append(buf, doc...)

	for _, blk := range b.blocks {
		desc := utf16le(t, blk.id)
		u32(blockMagic)
		u32(uint32(18 + len(desc)))
		buf = append(buf, testByte)
		u32(0)
		buf = append(buf, testByte)
		u64(uint64(len(blk.data)))
		u32(uint32(len(desc) / 2))
		buf = append(buf, desc...)
		buf = append(buf, blk.data...)
	}
	return buf
}

func writeTemp(t *testing.T, raw []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.lif")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// channelXML builds a ChannelDescription element.
func channelXML(resolution, dataType int, bytesInc uint64, lut string) string {
	return fmt.Sprintf(`<ChannelDescription DataType="%d" Resolution="%d" BytesInc="%d" LUTName="%s"/>`,
		dataType, resolution, bytesInc, lut)
}

func dimXML(id, n int, bytesInc uint64) string {
	return fmt.Sprintf(`<DimensionDescription DimID="%d" NumberOfElements="%d" BytesInc="%d"/>`,
		id, n, bytesInc)
}

func imageXML(channels, dims []string) string {
	return `<Data><Image><ImageDescription><Channels>` + strings.Join(channels, "") +
		`</Channels><Dimensions>` + strings.Join(dims, "") +
		`</Dimensions></ImageDescription></Image></Data>`
}

func headerXML(elements ...string) string {
	return `<LMSDataContainerHeader Version="2"><Element Name="Root"><Children>` +
		strings.Join(elements, "") + `</Children></Element></LMSDataContainerHeader>`
}

// twoChannelStack builds a CZYX scene with 2 channels, 3 Z sections and
// 4x5 uint8 planes where every pixel is 100c + 10z + y + offsetX(x).
func twoChannelStack(t *testing.T) ([]byte, func(c, z, y, x int) byte) {
	t.Helper()
	const (
		sizeX = 5
		sizeY = 4
		sizeZ = 3
	)
	plane := sizeX * sizeY
	value := func(c, z, y, x int) byte {
		return byte(100*c + 10*z + y + x)
	}
	data := make([]byte, 2*sizeZ*plane)
	for c := 0; c < 2; c++ {
		for z := 0; z < sizeZ; z++ {
			for y := 0; y < sizeY; y++ {
				for x := 0; x < sizeX; x++ {
					data[uint64(c)*uint64(plane)+uint64(z)*uint64(2*plane)+uint64(y)*sizeX+uint64(x)] = value(c, z, y, x)
				}
			}
		}
	}

	b := &lifBuilder{
		xml: headerXML(
			`<Element Name="Series001">` +
				imageXML(
					[]string{
						channelXML(8, 0, 0, "Green"),
						channelXML(8, 0, uint64(plane), "Red"),
					},
					[]string{
						dimXML(dimX, sizeX, 1),
						dimXML(dimY, sizeY, sizeX),
						dimXML(dimZ, sizeZ, uint64(2*plane)),
					},
				) +
				`<Memory Size="120" MemoryBlockID="MemBlock_1"/>` +
				`</Element>`,
		),
		blocks: []lifBlock{{id: "MemBlock_1", data: data}},
	}
	return b.bytes(t), value
}

func TestReadTwoChannelStack(t *testing.T) {
	raw, value := twoChannelStack(t)
	f, err := OpenFile(writeTemp(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if got := f.Scenes(); len(got) != 1 || got[0] != "Series001" {
		t.Fatalf("Scenes() = %v, want [Series001]", got)
	}
	if got := f.ChannelNames(); len(got) != 2 || got[0] != "Green" || got[1] != "Red" {
		t.Fatalf("ChannelNames() = %v", got)
	}

	scene, err := f.Scene(0)
	if err != nil {
		t.Fatal(err)
	}
	dims := scene.Dims()
	if dims.Order != "CZYX" {
		t.Fatalf("Order = %q, want CZYX", dims.Order)
	}
	wantSizes := []int{2, 3, 4, 5}
	for i, n := range wantSizes {
		if dims.Sizes[i] != n {
			t.Fatalf("Sizes = %v, want %v", dims.Sizes, wantSizes)
		}
	}

	for c := 0; c < 2; c++ {
		vol, err := scene.ReadVolume("ZYX", map[byte]int{bioimg.LabelC: c})
		if err != nil {
			t.Fatalf("ReadVolume(C=%d): %v", c, err)
		}
		if vol.DType != bioimg.Uint8 {
			t.Fatalf("DType = %v, want uint8", vol.DType)
		}
		for z := 0; z < 3; z++ {
			for y := 0; y < 4; y++ {
				for x := 0; x < 5; x++ {
					if got := vol.At(z, y, x); got != float64(value(c, z, y, x)) {
						t.Fatalf("pixel (c=%d z=%d y=%d x=%d) = %v, want %d", c, z, y, x, got, value(c, z, y, x))
					}
				}
			}
		}
	}
}

func TestReadUint16TimeSeries(t *testing.T) {
	const (
		sizeX = 3
		sizeY = 2
		sizeT = 2
	)
	plane := sizeX * sizeY
	data := make([]byte, sizeT*plane*2)
	for ti := 0; ti < sizeT; ti++ {
		for i := 0; i < plane; i++ {
			binary.LittleEndian.PutUint16(data[(ti*plane+i)*2:], uint16(1000*ti+i))
		}
	}

	b := &lifBuilder{
		xml: headerXML(
			`<Element Name="TimeLapse">` +
				imageXML(
					[]string{channelXML(16, 0, 0, "")},
					[]string{
						dimXML(dimX, sizeX, 2),
						dimXML(dimY, sizeY, uint64(sizeX*2)),
						dimXML(dimT, sizeT, uint64(plane*2)),
					},
				) +
				`<Memory Size="24" MemoryBlockID="MemBlock_9"/>` +
				`</Element>`,
		),
		blocks: []lifBlock{{id: "MemBlock_9", data: data}},
	}
	f, err := OpenFile(writeTemp(t, b.bytes(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scene, err := f.Scene(0)
	if err != nil {
		t.Fatal(err)
	}
	dims := scene.Dims()
	if dims.Order != "TCYX" {
		t.Fatalf("Order = %q, want TCYX", dims.Order)
	}
	if names := scene.ChannelNames(); names != nil {
		t.Fatalf("ChannelNames() = %v, want nil for unnamed channels", names)
	}

	vol, err := scene.ReadVolume("YX", map[byte]int{bioimg.LabelT: 1, bioimg.LabelC: 0})
	if err != nil {
		t.Fatal(err)
	}
	if vol.DType != bioimg.Uint16 {
		t.Fatalf("DType = %v, want uint16", vol.DType)
	}
	if got := vol.At(1, 2); got != 1005 {
		t.Fatalf("pixel (y=1 x=2) = %v, want 1005", got)
	}
}

func TestNestedSceneNames(t *testing.T) {
	img := imageXML(
		[]string{channelXML(8, 0, 0, "")},
		[]string{dimXML(dimX, 1, 1), dimXML(dimY, 1, 1)},
	)
	b := &lifBuilder{
		xml: headerXML(
			`<Element Name="Project">` +
				`<Children>` +
				`<Element Name="Series002">` + img +
				`<Memory Size="1" MemoryBlockID="MemBlock_2"/>` +
				`</Element>` +
				`</Children>` +
				`</Element>`,
		),
		blocks: []lifBlock{{id: "MemBlock_2", data: []byte{42}}},
	}
	f, err := OpenFile(writeTemp(t, b.bytes(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if got := f.Scenes(); len(got) != 1 || got[0] != "Project/Series002" {
		t.Fatalf("Scenes() = %v, want [Project/Series002]", got)
	}
}

func TestMosaicSceneRejected(t *testing.T) {
	b := &lifBuilder{
		xml: headerXML(
			`<Element Name="TileScan">` +
				imageXML(
					[]string{channelXML(8, 0, 0, "")},
					[]string{
						dimXML(dimX, 2, 1),
						dimXML(dimY, 2, 2),
						dimXML(dimMosaic, 4, 4),
					},
				) +
				`<Memory Size="16" MemoryBlockID="MemBlock_3"/>` +
				`</Element>`,
		),
		blocks: []lifBlock{{id: "MemBlock_3", data: make([]byte, 16)}},
	}
	f, err := OpenFile(writeTemp(t, b.bytes(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scene, err := f.Scene(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := scene.ReadVolume("YX", map[byte]int{bioimg.LabelC: 0}); !errors.Is(err, ErrMosaic) {
		t.Fatalf("ReadVolume on mosaic scene: err = %v, want ErrMosaic", err)
	}
}

func TestPlanePastBlockEnd(t *testing.T) {
	// The XML declares a larger stack than the memory block holds.
	b := &lifBuilder{
		xml: headerXML(
			`<Element Name="Truncated">` +
				imageXML(
					[]string{channelXML(8, 0, 0, "")},
					[]string{
						dimXML(dimX, 4, 1),
						dimXML(dimY, 4, 4),
						dimXML(dimZ, 2, 16),
					},
				) +
				`<Memory Size="16" MemoryBlockID="MemBlock_4"/>` +
				`</Element>`,
		),
		blocks: []lifBlock{{id: "MemBlock_4", data: make([]byte, 16)}},
	}
	f, err := OpenFile(writeTemp(t, b.bytes(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scene, err := f.Scene(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := scene.ReadVolume("YX", map[byte]int{bioimg.LabelC: 0, bioimg.LabelZ: 1}); err == nil {
		t.Fatal("ReadVolume past block end succeeded, want error")
	}
}

func TestOMEXMLSynthesis(t *testing.T) {
	raw, _ := twoChannelStack(t)
	f, err := OpenFile(writeTemp(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	doc, err := f.OMEXML()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`Name="Series001"`, `SizeZ="3"`, `SizeC="2"`, `Name="Green"`} {
		if !strings.Contains(doc, want) {
			t.Fatalf("OMEXML missing %s:\n%s", want, doc)
		}
	}
}

func TestRegistryOpen(t *testing.T) {
	raw, _ := twoChannelStack(t)
	// A generic extension forces the magic sniff.
	path := filepath.Join(t.TempDir(), "capture.bin")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := bioimg.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, ok := r.(*File); !ok {
		t.Fatalf("Open returned %T, want *lif.File", r)
	}
}

func TestOpenNotLIF(t *testing.T) {
	path := writeTemp(t, []byte("certainly not a container"))
	if _, err := OpenFile(path); !errors.Is(err, ErrNotLIF) {
		t.Fatalf("err = %v, want ErrNotLIF", err)
	}
}
