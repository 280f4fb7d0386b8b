package bioimg

import (
	"fmt"
)

// Volume is a multi-dimensional image array. Data is packed little-endian
// in row-major order of Dims.Order (the last axis varies fastest).
type Volume struct {
	DType DType
	Dims  Dimensions
	Data  []byte
}

// NewVolume allocates a zero-filled volume.
func NewVolume(dtype DType, dims Dimensions) *Volume {
	return &Volume{
		DType: dtype,
		Dims:  dims,
		Data:  make([]byte, dims.NumElements()*dtype.Size()),
	}
}

// NumElements returns the element count.
func (v *Volume) NumElements() int {
	return v.Dims.NumElements()
}

// offset returns the byte offset of the element at the given indices,
// which must match the axis count.
func (v *Volume) offset(indices ...int) int {
	if len(indices) != v.Dims.NumAxes() {
		panic(fmt.Sprintf("bioimg: %d indices for %d axes", len(indices), v.Dims.NumAxes()))
	}
	off := 0
	for i, idx := range indices {
		if idx < 0 || idx >= v.Dims.Sizes[i] {
			panic(fmt.Sprintf("bioimg: index %d out of range for axis %q (size %d)", idx, string(v.Dims.Order[i]), v.Dims.Sizes[i]))
		}
		off = off*v.Dims.Sizes[i] + idx
	}
	return off * v.DType.Size()
}

// At returns the element at the given indices as a float64.
func (v *Volume) At(indices ...int) float64 {
	return v.DType.getFloat(v.Data, v.offset(indices...))
}

// SetAt stores a value at the given indices, converting to the volume's dtype.
func (v *Volume) SetAt(value float64, indices ...int) {
	v.DType.putFloat(v.Data, v.offset(indices...), value)
}

// AsType returns the volume converted to the requested dtype. The receiver
// is returned unchanged when the dtype already matches. Narrowing integer
// casts truncate toward zero and wrap, following Go conversion semantics.
func (v *Volume) AsType(dtype DType) *Volume {
	if dtype == v.DType {
		return v
	}
	out := NewVolume(dtype, v.Dims)
	n := v.NumElements()
	srcSize, dstSize := v.DType.Size(), dtype.Size()
	for i := 0; i < n; i++ {
		dtype.putFloat(out.Data, i*dstSize, v.DType.getFloat(v.Data, i*srcSize))
	}
	return out
}

// Squeeze returns a view of the volume with all size-1 axes removed.
// The pixel data is shared, not copied. A fully scalar volume keeps its
// last axis.
func (v *Volume) Squeeze() *Volume {
	order := make([]byte, 0, v.Dims.NumAxes())
	sizes := make([]int, 0, v.Dims.NumAxes())
	for i := 0; i < v.Dims.NumAxes(); i++ {
		if v.Dims.Sizes[i] == 1 {
			continue
		}
		order = append(order, v.Dims.Order[i])
		sizes = append(sizes, v.Dims.Sizes[i])
	}
	if len(order) == 0 && v.Dims.NumAxes() > 0 {
		last := v.Dims.NumAxes() - 1
		order = append(order, v.Dims.Order[last])
		sizes = append(sizes, v.Dims.Sizes[last])
	}
	return &Volume{
		DType: v.DType,
		Dims:  Dimensions{Order: string(order), Sizes: sizes},
		Data:  v.Data,
	}
}

// PlaneReader reads one contiguous YX plane of a scene. Indices for labels
// the scene does not have are always zero.
type PlaneReader func(t, c, z int) ([]byte, error)

// AssembleVolume builds the sub-volume requested from a plane-organized
// scene. All format readers funnel ReadVolume through this helper: it
// validates the selection, then gathers YX planes in row-major order of the
// requested labels.
//
// The order string must use labels from "TCZ" followed by "YX"; labels the
// scene lacks are treated as size 1.
func AssembleVolume(dims Dimensions, dtype DType, order string, fixed map[byte]int, readPlane PlaneReader) (*Volume, error) {
	if len(order) < 2 || order[len(order)-2] != LabelY || order[len(order)-1] != LabelX {
		return nil, fmt.Errorf("%w: order %q must end in \"YX\"", ErrBadSelection, order)
	}
	for i := 0; i < len(order)-2; i++ {
		switch order[i] {
		case LabelT, LabelC, LabelZ:
		default:
			return nil, fmt.Errorf("%w: unknown label %q in order %q", ErrBadSelection, string(order[i]), order)
		}
	}
	if err := checkSelection(dims, order, fixed); err != nil {
		return nil, err
	}

	sizeY := dims.SizeOr(LabelY, 1)
	sizeX := dims.SizeOr(LabelX, 1)

	outSizes := make([]int, len(order))
	for i := 0; i < len(order); i++ {
		outSizes[i] = dims.SizeOr(order[i], 1)
	}
	out := NewVolume(dtype, Dimensions{Order: order, Sizes: outSizes})
	if out.NumElements() == 0 {
		return out, nil
	}

	planeBytes := sizeY * sizeX * dtype.Size()
	loop := order[:len(order)-2]

	// Row-major walk over the requested non-spatial labels.
	indices := make([]int, len(loop))
	dst := 0
	for {
		t, c, z := fixed[LabelT], fixed[LabelC], fixed[LabelZ]
		for i, label := range []byte(loop) {
			switch label {
			case LabelT:
				t = indices[i]
			case LabelC:
				c = indices[i]
			case LabelZ:
				z = indices[i]
			}
		}
		plane, err := readPlane(t, c, z)
		if err != nil {
			return nil, err
		}
		if len(plane) != planeBytes {
			return nil, fmt.Errorf("bioimg: plane (T=%d, C=%d, Z=%d) has %d bytes, want %d", t, c, z, len(plane), planeBytes)
		}
		copy(out.Data[dst:], plane)
		dst += planeBytes

		// Advance the odometer; stop after the last combination.
		i := len(indices) - 1
		for ; i >= 0; i-- {
			indices[i]++
			if indices[i] < outSizes[i] {
				break
			}
			indices[i] = 0
		}
		if i < 0 {
			break
		}
	}
	return out, nil
}
