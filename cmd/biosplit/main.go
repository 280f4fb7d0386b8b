// biosplit splits a microscopy container into per-channel OME-TIFF
// Z-stacks, one file per (scene, timepoint, channel).
//
// Usage:
//
//	biosplit [options] input
//
// Options:
//
//	-o <dir>        output directory (default: <input>_export next to the input)
//	-bigtiff        write 64-bit offset BigTIFF files
//	-dtype <t>      cast output pixels: native, uint16, uint8, float32
//	-include-empty  also visit scenes without channels or sections
//	-n <names>      channel names, comma separated or repeated
//	-quiet          suppress per-file progress lines
//	-h, --help      print this message
//	--version       print version information
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"k8s.io/klog/v2"

	"github.com/bardlab/go-bioimage/bioutil"

	_ "github.com/bardlab/go-bioimage/czi"
	_ "github.com/bardlab/go-bioimage/lif"
	_ "github.com/bardlab/go-bioimage/ometiff"
)

const version = "0.1.0"

type options struct {
	outDir       string
	bigTIFF      bool
	dtype        string
	includeEmpty bool
	quiet        bool
	names        []string
	input        string
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-h" || arg == "--help" {
			usageMessage(os.Stdout, true)
			os.Exit(0)
		}
		if arg == "--version" {
			fmt.Printf("biosplit (go-bioimage) %s\n", version)
			fmt.Println("https://github.com/bardlab/go-bioimage")
			os.Exit(0)
		}
	}

	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "biosplit: %v\n", err)
		usageMessage(os.Stderr, false)
		os.Exit(1)
	}

	klog.InitFlags(nil)
	flag.CommandLine.Set("logtostderr", "true")

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "biosplit: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (*options, error) {
	opts := &options{dtype: "native"}
	i := 0
	for i < len(args) {
		arg := args[i]
		switch arg {
		case "-o":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-o requires an argument")
			}
			opts.outDir = args[i+1]
			i += 2
		case "-bigtiff":
			opts.bigTIFF = true
			i++
		case "-dtype":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-dtype requires an argument")
			}
			opts.dtype = args[i+1]
			i += 2
		case "-include-empty":
			opts.includeEmpty = true
			i++
		case "-n":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-n requires an argument")
			}
			opts.names = append(opts.names, args[i+1])
			i += 2
		case "-quiet":
			opts.quiet = true
			i++
		default:
			if strings.HasPrefix(arg, "-") {
				return nil, fmt.Errorf("unknown option: %s", arg)
			}
			if opts.input != "" {
				return nil, fmt.Errorf("only one input file is allowed")
			}
			opts.input = arg
			i++
		}
	}
	if opts.input == "" {
		return nil, fmt.Errorf("no input file specified")
	}
	return opts, nil
}

func run(opts *options) error {
	written, err := bioutil.Split(opts.input, bioutil.SplitOptions{
		OutDir:       opts.outDir,
		BigTIFF:      opts.bigTIFF,
		DType:        opts.dtype,
		IncludeEmpty: opts.includeEmpty,
		Verbose:      !opts.quiet,
		ChannelNames: bioutil.NormalizeChannelNames(opts.names),
	})
	if err != nil {
		return err
	}
	if !opts.quiet {
		fmt.Printf("wrote %d file(s)\n", len(written))
	}
	return nil
}

func usageMessage(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Usage: biosplit [options] input\n\n")
	fmt.Fprintf(w, "Split a microscopy container (LIF, CZI, OME-TIFF) into one\n")
	fmt.Fprintf(w, "single-channel OME-TIFF Z-stack per scene, timepoint and channel.\n\n")

	if verbose {
		fmt.Fprintln(w, "Options:")
		fmt.Fprintln(w, "  -o <dir>        output directory (default: <input>_export next to the input)")
		fmt.Fprintln(w, "  -bigtiff        write 64-bit offset BigTIFF files")
		fmt.Fprintln(w, "  -dtype <t>      cast output pixels: native, uint16, uint8, float32")
		fmt.Fprintln(w, "  -include-empty  also visit scenes without channels or sections")
		fmt.Fprintln(w, "  -n <names>      channel names, comma separated or repeated")
		fmt.Fprintln(w, "  -quiet          suppress per-file progress lines")
		fmt.Fprintln(w, "  -h, --help      print this message")
		fmt.Fprintln(w, "      --version   print version information")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Examples:")
		fmt.Fprintln(w, "  # Split every scene of a Leica acquisition")
		fmt.Fprintln(w, "  biosplit experiment.lif")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "  # Named channels, 16-bit output, custom directory")
		fmt.Fprintln(w, "  biosplit -o stacks -dtype uint16 -n DAPI,GFP experiment.czi")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Report bugs via https://github.com/bardlab/go-bioimage/issues")
	}
}
