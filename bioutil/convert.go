package bioutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/karrick/godirwalk"
	"k8s.io/klog/v2"

	"github.com/bardlab/go-bioimage/bioimg"
	"github.com/bardlab/go-bioimage/omexml"
	"github.com/bardlab/go-bioimage/ometiff"
)

// ConvertOptions configures Convert and ConvertDir.
type ConvertOptions struct {
	// OutDir receives the outputs. Empty means next to the input.
	OutDir string

	// BigTIFF writes 64-bit offset files.
	BigTIFF bool

	// Overwrite replaces an existing output instead of skipping it.
	Overwrite bool
}

// ConvertResult reports what Convert did for one input.
type ConvertResult struct {
	Input    string
	Output   string
	Metadata string // pretty OME-XML sidecar path, empty when skipped
	Skipped  bool
}

// Convert writes the first scene of the container at inputPath as
// "<stem>.ome.tif" together with a pretty-printed "<stem>_metadata.xml"
// sidecar. An existing output is skipped unless opts.Overwrite is set.
func Convert(inputPath string, opts ConvertOptions) (*ConvertResult, error) {
	outDir := opts.OutDir
	if outDir == "" {
		outDir = filepath.Dir(inputPath)
	} else if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("bioutil: create output directory: %w", err)
	}

	name := stem(inputPath)
	outPath := filepath.Join(outDir, name+".ome.tif")
	res := &ConvertResult{Input: inputPath, Output: outPath}

	if _, err := os.Stat(outPath); err == nil && !opts.Overwrite {
		klog.Infof("skipping %s: %s exists (use overwrite to replace)", inputPath, outPath)
		res.Skipped = true
		return res, nil
	}

	r, err := bioimg.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("bioutil: open %s: %w", inputPath, err)
	}
	defer r.Close()

	scenes := r.Scenes()
	if len(scenes) == 0 {
		return nil, fmt.Errorf("bioutil: %s has no scenes", inputPath)
	}
	scene, err := r.Scene(0)
	if err != nil {
		return nil, err
	}
	if len(scenes) > 1 {
		klog.Warningf("%s has %d scenes, converting only %q", inputPath, len(scenes), scenes[0])
	}

	dims := scene.Dims()
	vol, err := scene.ReadVolume(dims.Order, nil)
	if err != nil {
		return nil, fmt.Errorf("bioutil: read %s: %w", inputPath, err)
	}

	channels := scene.ChannelNames()
	if channels == nil {
		channels = r.ChannelNames()
	}
	wopts := ometiff.WriteOptions{
		BigTIFF:      opts.BigTIFF,
		ChannelNames: channels,
		ImageName:    scene.Name(),
	}
	if err := ometiff.Write(outPath, vol, &wopts); err != nil {
		return nil, fmt.Errorf("bioutil: write %s: %w", outPath, err)
	}
	klog.V(1).Infof("converted %s -> %s (%s)", inputPath, outPath, humanize.Bytes(uint64(len(vol.Data))))

	doc, err := r.OMEXML()
	if err != nil {
		return nil, fmt.Errorf("bioutil: metadata of %s: %w", inputPath, err)
	}
	pretty, err := omexml.Pretty(doc)
	if err != nil {
		return nil, fmt.Errorf("bioutil: pretty-print metadata of %s: %w", inputPath, err)
	}
	metaPath := filepath.Join(outDir, name+"_metadata.xml")
	if err := os.WriteFile(metaPath, []byte(pretty), 0o644); err != nil {
		return nil, fmt.Errorf("bioutil: write %s: %w", metaPath, err)
	}
	res.Metadata = metaPath
	return res, nil
}

// ConvertDir converts every file under dir whose extension belongs to a
// registered format. Per-file failures are logged and the walk continues;
// only a failure of the walk itself is returned. Existing OME-TIFF files
// are never re-converted.
func ConvertDir(dir string, opts ConvertOptions) error {
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			lower := strings.ToLower(path)
			if strings.HasSuffix(lower, ".ome.tif") || strings.HasSuffix(lower, ".ome.tiff") {
				return nil
			}
			if _, ok := bioimg.FormatForPath(path); !ok {
				return nil
			}
			if _, err := Convert(path, opts); err != nil {
				klog.Warningf("convert %s: %v", path, err)
			}
			return nil
		},
		Unsorted: false,
	})
	if err != nil {
		return fmt.Errorf("bioutil: walk %s: %w", dir, err)
	}
	return nil
}
