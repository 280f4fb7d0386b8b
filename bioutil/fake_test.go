package bioutil

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/bardlab/go-bioimage/bioimg"
	"github.com/bardlab/go-bioimage/omexml"
)

// The fake format stores a JSON scene list behind a short magic. Pixel
// data is synthesized from the coordinates, so container files stay tiny
// while still exercising the full read path.

const fakeMagic = "FAKE"

type fakeSceneSpec struct {
	Name     string
	Order    string
	Sizes    []int
	Channels []string
}

type fakeSpec struct {
	Channels []string // file-level names
	Scenes   []fakeSceneSpec
}

func init() {
	bioimg.RegisterFormat(bioimg.Format{
		Name:       "fake",
		Extensions: []string{".fake"},
		Magic: func(p []byte) bool {
			return bytes.HasPrefix(p, []byte(fakeMagic))
		},
		Open: openFake,
	})
}

func openFake(path string) (bioimg.Reader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(raw, []byte(fakeMagic)) {
		return nil, fmt.Errorf("fake: bad magic")
	}
	var spec fakeSpec
	if err := json.Unmarshal(raw[len(fakeMagic):], &spec); err != nil {
		return nil, fmt.Errorf("fake: %w", err)
	}
	r := &fakeReader{spec: spec}
	for i := range spec.Scenes {
		r.scenes = append(r.scenes, &fakeScene{index: i, spec: spec.Scenes[i]})
	}
	return r, nil
}

func writeFake(t *testing.T, dir, name string, spec fakeSpec) string {
	t.Helper()
	raw, err := json.Marshal(spec)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, append([]byte(fakeMagic), raw...), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type fakeReader struct {
	spec   fakeSpec
	scenes []*fakeScene
}

func (r *fakeReader) Scenes() []string {
	names := make([]string, len(r.scenes))
	for i, s := range r.scenes {
		names[i] = s.spec.Name
	}
	return names
}

func (r *fakeReader) Scene(i int) (bioimg.Scene, error) {
	if i < 0 || i >= len(r.scenes) {
		return nil, bioimg.ErrNoSuchScene
	}
	return r.scenes[i], nil
}

func (r *fakeReader) ChannelNames() []string { return r.spec.Channels }

func (r *fakeReader) OMEXML() (string, error) {
	o := omexml.New("fake")
	for _, s := range r.scenes {
		img := o.AddImage(s.spec.Name)
		img.Pixels.Type = "uint16"
		img.Pixels.SizeX = s.Dims().SizeOr(bioimg.LabelX, 1)
		img.Pixels.SizeY = s.Dims().SizeOr(bioimg.LabelY, 1)
		img.Pixels.SizeZ = s.Dims().SizeOr(bioimg.LabelZ, 1)
		img.Pixels.SizeC = s.Dims().SizeOr(bioimg.LabelC, 1)
		img.Pixels.SizeT = s.Dims().SizeOr(bioimg.LabelT, 1)
	}
	return o.XML()
}

func (r *fakeReader) Close() error { return nil }

type fakeScene struct {
	index int
	spec  fakeSceneSpec
}

func (s *fakeScene) Name() string { return s.spec.Name }

func (s *fakeScene) Dims() bioimg.Dimensions {
	return bioimg.Dimensions{Order: s.spec.Order, Sizes: s.spec.Sizes}
}

func (s *fakeScene) ChannelNames() []string { return s.spec.Channels }

// fakeValue is the synthesized pixel value at the given coordinates.
func fakeValue(scene, t, c, z, y, x int) uint16 {
	return uint16(20000*scene + 5000*t + 1000*c + 100*z + 10*y + x)
}

func (s *fakeScene) ReadVolume(order string, fixed map[byte]int) (*bioimg.Volume, error) {
	dims := s.Dims()
	sizeY := dims.SizeOr(bioimg.LabelY, 1)
	sizeX := dims.SizeOr(bioimg.LabelX, 1)
	return bioimg.AssembleVolume(dims, bioimg.Uint16, order, fixed, func(t, c, z int) ([]byte, error) {
		plane := make([]byte, sizeY*sizeX*2)
		for y := 0; y < sizeY; y++ {
			for x := 0; x < sizeX; x++ {
				binary.LittleEndian.PutUint16(plane[(y*sizeX+x)*2:], fakeValue(s.index, t, c, z, y, x))
			}
		}
		return plane, nil
	})
}
