package bioimg

import (
	"fmt"
	"strings"
)

// Labels for the five canonical microscopy axes.
const (
	LabelT byte = 'T'
	LabelC byte = 'C'
	LabelZ byte = 'Z'
	LabelY byte = 'Y'
	LabelX byte = 'X'
)

// Dimensions describes the ordered axes of a multi-dimensional image array.
// Order holds one upper-case label per axis (for example "TCZYX") and Sizes
// holds the matching extent of each axis.
type Dimensions struct {
	Order string
	Sizes []int
}

// NewDimensions builds a Dimensions from an order string and matching sizes.
// It panics if the counts differ; the order string is caller-controlled.
func NewDimensions(order string, sizes ...int) Dimensions {
	if len(order) != len(sizes) {
		panic(fmt.Sprintf("bioimg: order %q has %d labels but %d sizes given", order, len(order), len(sizes)))
	}
	return Dimensions{Order: order, Sizes: append([]int(nil), sizes...)}
}

// NumAxes returns the number of axes.
func (d Dimensions) NumAxes() int {
	return len(d.Order)
}

// Index returns the axis position of label, or -1 when absent.
func (d Dimensions) Index(label byte) int {
	return strings.IndexByte(d.Order, label)
}

// Has reports whether the label is one of the axes.
func (d Dimensions) Has(label byte) bool {
	return d.Index(label) >= 0
}

// Size returns the extent of the labeled axis and whether it exists.
func (d Dimensions) Size(label byte) (int, bool) {
	i := d.Index(label)
	if i < 0 {
		return 0, false
	}
	return d.Sizes[i], true
}

// SizeOr returns the extent of the labeled axis, or def when absent.
func (d Dimensions) SizeOr(label byte, def int) int {
	if n, ok := d.Size(label); ok {
		return n
	}
	return def
}

// NumElements returns the product of all axis sizes.
func (d Dimensions) NumElements() int {
	n := 1
	for _, s := range d.Sizes {
		n *= s
	}
	return n
}

// Shape returns a copy of the axis sizes in order.
func (d Dimensions) Shape() []int {
	return append([]int(nil), d.Sizes...)
}

// String renders the dimensions as "TCZYX(1, 2, 5, 512, 512)".
func (d Dimensions) String() string {
	parts := make([]string, len(d.Sizes))
	for i, s := range d.Sizes {
		parts[i] = fmt.Sprintf("%d", s)
	}
	return fmt.Sprintf("%s(%s)", d.Order, strings.Join(parts, ", "))
}
