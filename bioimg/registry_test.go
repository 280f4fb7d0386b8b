package bioimg

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type stubReader struct{ format string }

func (r *stubReader) Scenes() []string          { return []string{"only"} }
func (r *stubReader) Scene(i int) (Scene, error) { return nil, ErrNoSuchScene }
func (r *stubReader) ChannelNames() []string    { return nil }
func (r *stubReader) OMEXML() (string, error)   { return "", nil }
func (r *stubReader) Close() error              { return nil }

func registerStub(name, ext string, magic []byte) {
	RegisterFormat(Format{
		Name:       name,
		Extensions: []string{ext},
		Magic: func(p []byte) bool {
			if len(p) < len(magic) {
				return false
			}
			for i := range magic {
				if p[i] != magic[i] {
					return false
				}
			}
			return len(magic) > 0
		},
		Open: func(path string) (Reader, error) {
			return &stubReader{format: name}, nil
		},
	})
}

func TestOpenByMagic(t *testing.T) {
	registerStub("stub-magic", ".stubm", []byte("STUBMAGIC"))

	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, []byte("STUBMAGIC and then payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if sr, ok := r.(*stubReader); !ok || sr.format != "stub-magic" {
		t.Errorf("opened with wrong format: %#v", r)
	}
}

func TestOpenByExtension(t *testing.T) {
	registerStub("stub-ext", ".stube", nil)

	path := filepath.Join(t.TempDir(), "sample.stube")
	if err := os.WriteFile(path, []byte("no recognizable magic"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if sr, ok := r.(*stubReader); !ok || sr.format != "stub-ext" {
		t.Errorf("opened with wrong format: %#v", r)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.lif"))
	if !IsNotExist(err) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestOpenUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mystery.xyz")
	if err := os.WriteFile(path, []byte("???"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path)
	if !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("err = %v, want ErrUnknownFormat", err)
	}
}

func TestOpenFormatByName(t *testing.T) {
	registerStub("stub-named", ".stubn", nil)

	path := filepath.Join(t.TempDir(), "anything.dat")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenFormat(path, "stub-named"); err != nil {
		t.Errorf("OpenFormat: %v", err)
	}
	if _, err := OpenFormat(path, "does-not-exist"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("err = %v, want ErrUnknownFormat", err)
	}
}
