package bioimg

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Format describes a registered container format.
type Format struct {
	// Name is the short format name, such as "lif" or "ome-tiff".
	Name string

	// Extensions lists the lower-case filename extensions claimed by the
	// format, including the leading dot. Multi-part suffixes such as
	// ".ome.tif" are matched against the end of the filename.
	Extensions []string

	// Magic reports whether the leading bytes of a file belong to this
	// format. It receives up to 32 bytes and may be called with fewer
	// when the file is shorter.
	Magic func(p []byte) bool

	// Open opens the file as this format.
	Open func(path string) (Reader, error)
}

var (
	formatsMu sync.RWMutex
	formats   []Format
)

// RegisterFormat registers a container format. It is typically called from
// a reader package's init function; programs select their supported formats
// with blank imports, in the manner of the standard image package.
func RegisterFormat(f Format) {
	formatsMu.Lock()
	defer formatsMu.Unlock()
	formats = append(formats, f)
}

// Formats returns the names of all registered formats, sorted.
func Formats() []string {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = f.Name
	}
	sort.Strings(names)
	return names
}

// FormatForPath returns the format claiming the file's extension.
func FormatForPath(path string) (Format, bool) {
	lower := strings.ToLower(filepath.Base(path))
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	for _, f := range formats {
		for _, ext := range f.Extensions {
			if strings.HasSuffix(lower, ext) {
				return f, true
			}
		}
	}
	return Format{}, false
}

const sniffLen = 32

// Open opens a container file, detecting its format by magic bytes first
// and filename extension second. A missing file is reported before any
// format detection, wrapping fs.ErrNotExist.
func Open(path string) (Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("bioimg: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("bioimg: %s is a directory, not a container file", path)
	}

	head, err := readHead(path)
	if err != nil {
		return nil, fmt.Errorf("bioimg: read %s: %w", path, err)
	}

	formatsMu.RLock()
	snapshot := append([]Format(nil), formats...)
	formatsMu.RUnlock()

	for _, f := range snapshot {
		if f.Magic != nil && f.Magic(head) {
			return f.Open(path)
		}
	}
	if f, ok := FormatForPath(path); ok {
		return f.Open(path)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
}

// OpenFormat opens a container file with an explicitly named format,
// bypassing detection.
func OpenFormat(path, name string) (Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("bioimg: %w", err)
	}
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	for _, f := range formats {
		if f.Name == name {
			return f.Open(path)
		}
	}
	return nil, fmt.Errorf("%w: no registered format named %q", ErrUnknownFormat, name)
}

func readHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return head[:n], err
}

// IsNotExist reports whether err indicates a missing input file.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
