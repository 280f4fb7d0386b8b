// Package bioimg provides a common data model for multi-dimensional
// microscopy images and a registry of container-format readers.
//
// A container file (Leica LIF, Zeiss CZI, OME-TIFF, ...) holds one or more
// scenes: independently addressable acquisitions with their own dimension
// sizes. Each scene is a multi-dimensional array whose axes are identified
// by single-character labels: T (time), C (channel), Z (depth), Y and X
// (spatial). Readers expose scenes as immutable, index-scoped views; there
// is no shared "current scene" cursor, so distinct scenes of one handle may
// be read independently.
package bioimg

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownFormat is returned by Open when no registered format
	// recognizes the file.
	ErrUnknownFormat = errors.New("bioimg: unknown image format")

	// ErrNoSuchScene is returned when a scene index is out of range.
	ErrNoSuchScene = errors.New("bioimg: no such scene")

	// ErrBadSelection is returned by ReadVolume when the requested label
	// order or fixed indices do not match the scene's dimensions.
	ErrBadSelection = errors.New("bioimg: invalid dimension selection")
)

// Reader is an opened multi-dimensional image container.
//
// Implementations must be safe to use without any selection state: Scene
// returns an independent view and does not affect other scenes.
type Reader interface {
	// Scenes returns the scene identifiers in container order.
	Scenes() []string

	// Scene returns an index-scoped view of the i-th scene.
	Scene(i int) (Scene, error)

	// ChannelNames returns file-level channel names, or nil when the
	// container does not carry any. Absence is not an error.
	ChannelNames() []string

	// OMEXML returns the container metadata serialized as OME-XML.
	// Readers for non-OME formats synthesize it from what they parsed.
	OMEXML() (string, error)

	// Close releases the underlying file handle.
	Close() error
}

// Scene is a read-only view of one scene within a container.
type Scene interface {
	// Name returns the scene identifier.
	Name() string

	// Dims returns the scene's dimension labels and sizes.
	Dims() Dimensions

	// ChannelNames returns per-scene channel names, or nil when unknown.
	ChannelNames() []string

	// ReadVolume extracts a sub-array in the given label order, with every
	// remaining dimension pinned by the fixed index map. Labels absent
	// from the scene may be omitted from fixed.
	ReadVolume(order string, fixed map[byte]int) (*Volume, error)
}

// checkSelection validates a ReadVolume request against scene dimensions.
// Shared by the format readers.
func checkSelection(dims Dimensions, order string, fixed map[byte]int) error {
	seen := map[byte]bool{}
	for i := 0; i < len(order); i++ {
		label := order[i]
		if seen[label] {
			return fmt.Errorf("%w: duplicate label %q in order %q", ErrBadSelection, string(label), order)
		}
		seen[label] = true
		if _, ok := fixed[label]; ok {
			return fmt.Errorf("%w: label %q both requested and fixed", ErrBadSelection, string(label))
		}
	}
	for label, idx := range fixed {
		n, ok := dims.Size(label)
		if !ok {
			return fmt.Errorf("%w: scene has no %q dimension", ErrBadSelection, string(label))
		}
		if idx < 0 || idx >= n {
			return fmt.Errorf("%w: index %d out of range for %q (size %d)", ErrBadSelection, idx, string(label), n)
		}
	}
	// Every scene label must be either requested or fixed (size-1 labels
	// default to index 0).
	for i := 0; i < dims.NumAxes(); i++ {
		label := dims.Order[i]
		if seen[label] {
			continue
		}
		if _, ok := fixed[label]; ok {
			continue
		}
		if dims.Sizes[i] > 1 {
			return fmt.Errorf("%w: dimension %q (size %d) neither requested nor fixed", ErrBadSelection, string(label), dims.Sizes[i])
		}
	}
	return nil
}
