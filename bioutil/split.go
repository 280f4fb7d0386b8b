package bioutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/bardlab/go-bioimage/bioimg"
	"github.com/bardlab/go-bioimage/ometiff"
)

// SplitOptions configures Split. The zero value writes native-dtype
// classic OME-TIFFs under "<input dir>/<stem>_export".
type SplitOptions struct {
	// OutDir is the output root. Empty means a sibling directory of the
	// input named "<stem>_export".
	OutDir string

	// BigTIFF writes 64-bit offset files.
	BigTIFF bool

	// DType casts extracted stacks. One of "native" (or empty), "uint16",
	// "uint8", "float32".
	DType string

	// IncludeEmpty also visits scenes with no channels or sections.
	IncludeEmpty bool

	// Verbose emits one progress line per written file.
	Verbose bool

	// ChannelNames overrides channel names positionally across all
	// scenes. Channels beyond its length fall back to index labels.
	ChannelNames []string
}

// splitDTypes are the cast targets Split accepts besides "native".
var splitDTypes = map[bioimg.DType]bool{
	bioimg.Uint16:  true,
	bioimg.Uint8:   true,
	bioimg.Float32: true,
}

// Split writes one single-channel ZYX OME-TIFF per (scene, timepoint,
// channel) of the container at inputPath and returns the written paths in
// write order. Scenes without channels or sections are skipped unless
// opts.IncludeEmpty is set. The first failed write aborts the run; files
// already written stay on disk.
//
// Output layout is one subdirectory per scene:
//
//	<outdir>/scene_<safe>/<stem>_scene-<safe>_ch-<safe>.ome.tif
//
// with a zero-padded channel index ("_c07") standing in when no channel
// name resolves. The timepoint is not part of the name, so for T > 1
// later timepoints overwrite earlier ones.
func Split(inputPath string, opts SplitOptions) ([]string, error) {
	info, err := os.Stat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("bioutil: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("bioutil: %s is a directory", inputPath)
	}

	cast, native, err := parseSplitDType(opts.DType)
	if err != nil {
		return nil, err
	}

	name := stem(inputPath)
	outDir := opts.OutDir
	if outDir == "" {
		outDir = filepath.Join(filepath.Dir(inputPath), name+"_export")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("bioutil: create output directory: %w", err)
	}

	r, err := bioimg.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("bioutil: open %s: %w", inputPath, err)
	}
	defer r.Close()

	baseline := r.ChannelNames()
	var written []string
	for i, sceneName := range r.Scenes() {
		scene, err := r.Scene(i)
		if err != nil {
			return written, err
		}
		dims := scene.Dims()
		sizeT := dims.SizeOr(bioimg.LabelT, 1)
		sizeC := dims.SizeOr(bioimg.LabelC, 1)
		sizeZ := dims.SizeOr(bioimg.LabelZ, 1)

		if (sizeC == 0 || sizeZ == 0) && !opts.IncludeEmpty {
			if opts.Verbose {
				klog.Infof("skipping empty scene %q (C=%d, Z=%d)", sceneName, sizeC, sizeZ)
			}
			continue
		}

		sceneChannels := scene.ChannelNames()
		safeScene := SafeName(sceneName)
		sceneDir := filepath.Join(outDir, "scene_"+safeScene)
		if err := os.MkdirAll(sceneDir, 0o755); err != nil {
			return written, fmt.Errorf("bioutil: create scene directory: %w", err)
		}

		for t := 0; t < sizeT; t++ {
			for c := 0; c < sizeC; c++ {
				fixed := map[byte]int{}
				if dims.Has(bioimg.LabelC) {
					fixed[bioimg.LabelC] = c
				}
				// Scenes without a time axis are read without a T
				// selector.
				if dims.Has(bioimg.LabelT) {
					fixed[bioimg.LabelT] = t
				}
				vol, err := scene.ReadVolume("ZYX", fixed)
				if err != nil {
					return written, fmt.Errorf("bioutil: read scene %q (T=%d, C=%d): %w", sceneName, t, c, err)
				}
				if !native {
					vol = vol.AsType(cast)
				}

				chName := resolveChannelName(c, opts.ChannelNames, sceneChannels, baseline)
				chPart := fmt.Sprintf("_c%02d", c)
				if chName != "" {
					chPart = "_ch-" + SafeName(chName)
				}
				outPath := filepath.Join(sceneDir, fmt.Sprintf("%s_scene-%s%s.ome.tif", name, safeScene, chPart))

				wopts := ometiff.WriteOptions{
					BigTIFF:   opts.BigTIFF,
					ImageName: sceneName,
				}
				if chName != "" {
					wopts.ChannelNames = []string{chName}
				}
				if err := ometiff.Write(outPath, vol, &wopts); err != nil {
					return written, fmt.Errorf("bioutil: write %s: %w", outPath, err)
				}
				written = append(written, outPath)
				if opts.Verbose {
					klog.Infof("wrote %s (%s)", outPath, humanize.Bytes(uint64(len(vol.Data))))
				}
			}
		}
	}
	return written, nil
}

func parseSplitDType(s string) (cast bioimg.DType, native bool, err error) {
	if s == "" || s == "native" {
		return 0, true, nil
	}
	d, err := bioimg.ParseDType(s)
	if err != nil || !splitDTypes[d] {
		return 0, false, fmt.Errorf("%w: %q (want native, uint16, uint8 or float32)", ErrBadDType, s)
	}
	return d, false, nil
}

// resolveChannelName picks the channel name for index c: a user override
// wins, then per-scene metadata, then file-level metadata. An empty result
// means the caller should fall back to the index label.
func resolveChannelName(c int, override, sceneNames, baseline []string) string {
	if override != nil {
		if c < len(override) {
			return override[c]
		}
		return ""
	}
	if sceneNames != nil {
		if c < len(sceneNames) {
			return sceneNames[c]
		}
		return ""
	}
	if c < len(baseline) {
		return baseline[c]
	}
	return ""
}
