package bioutil

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/bardlab/go-bioimage/bioimg"
	"github.com/bardlab/go-bioimage/ometiff"
)

// Merge stacks two single-channel Z-stacks into one two-channel CZYX
// OME-TIFF at outPath. Both inputs must squeeze to the same ZYX (or YX)
// shape with the same element type, otherwise ErrDimensionMismatch is
// returned. Channel names come from channelNames positionally, falling
// back to each input's own metadata and finally to index labels.
func Merge(path1, path2, outPath string, channelNames []string) error {
	vol1, name1, err := readStack(path1)
	if err != nil {
		return err
	}
	vol2, name2, err := readStack(path2)
	if err != nil {
		return err
	}

	if vol1.DType != vol2.DType {
		return fmt.Errorf("%w: %s is %v, %s is %v",
			ErrDimensionMismatch, path1, vol1.DType, path2, vol2.DType)
	}
	if vol1.Dims.String() != vol2.Dims.String() {
		return fmt.Errorf("%w: %s is %v, %s is %v",
			ErrDimensionMismatch, path1, vol1.Dims, path2, vol2.Dims)
	}

	merged := &bioimg.Volume{
		DType: vol1.DType,
		Dims: bioimg.Dimensions{
			Order: "CZYX",
			Sizes: []int{
				2,
				vol1.Dims.SizeOr(bioimg.LabelZ, 1),
				vol1.Dims.SizeOr(bioimg.LabelY, 1),
				vol1.Dims.SizeOr(bioimg.LabelX, 1),
			},
		},
		Data: append(append([]byte{}, vol1.Data...), vol2.Data...),
	}

	names := make([]string, 2)
	copy(names, channelNames)
	for i, fallback := range []string{name1, name2} {
		if names[i] == "" {
			names[i] = fallback
		}
		if names[i] == "" {
			names[i] = fmt.Sprintf("c%02d", i)
		}
	}

	if err := ometiff.Write(outPath, merged, &ometiff.WriteOptions{ChannelNames: names}); err != nil {
		return fmt.Errorf("bioutil: write %s: %w", outPath, err)
	}
	klog.V(1).Infof("merged %s + %s -> %s", path1, path2, outPath)
	return nil
}

// readStack opens a container, reads its first scene in full and squeezes
// it down to a ZYX (or YX) stack. The returned name is the input's first
// channel name, empty when unnamed.
func readStack(path string) (*bioimg.Volume, string, error) {
	r, err := bioimg.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("bioutil: open %s: %w", path, err)
	}
	defer r.Close()

	scene, err := r.Scene(0)
	if err != nil {
		return nil, "", err
	}
	full, err := scene.ReadVolume(scene.Dims().Order, nil)
	if err != nil {
		return nil, "", fmt.Errorf("bioutil: read %s: %w", path, err)
	}
	vol := full.Squeeze()
	switch vol.Dims.Order {
	case "ZYX", "YX", "X":
	default:
		return nil, "", fmt.Errorf("%w: %s squeezes to %v, want a single-channel Z-stack",
			ErrDimensionMismatch, path, vol.Dims)
	}

	name := ""
	if names := scene.ChannelNames(); len(names) > 0 {
		name = names[0]
	} else if names := r.ChannelNames(); len(names) > 0 {
		name = names[0]
	}
	return vol, name, nil
}
