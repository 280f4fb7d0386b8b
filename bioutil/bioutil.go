// Package bioutil implements the high-level conversion operations behind
// the command line tools: splitting containers into per-channel Z-stacks,
// converting to OME-TIFF with a metadata sidecar, and merging channel
// stacks.
package bioutil

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	// ErrBadDType is returned for dtype selections outside
	// {native, uint16, uint8, float32}.
	ErrBadDType = errors.New("bioutil: unsupported dtype")

	// ErrDimensionMismatch is returned by Merge when the two stacks do
	// not share a shape and element type.
	ErrDimensionMismatch = errors.New("bioutil: dimension mismatch")
)

// stem returns the file name without its container extension. Double
// extensions used by OME-TIFF count as one.
func stem(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	for _, ext := range []string{".ome.tiff", ".ome.tif"} {
		if strings.HasSuffix(lower, ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
