// bioconvert converts microscopy containers to OME-TIFF, writing a
// pretty-printed OME-XML sidecar next to each output. The input may be a
// single file or a directory tree.
//
// Usage:
//
//	bioconvert [options] input
//
// Options:
//
//	-o <dir>     output directory (default: next to each input)
//	-bigtiff     write 64-bit offset BigTIFF files
//	-overwrite   replace existing outputs instead of skipping them
//	-v           verbose output
//	-h, --help   print this message
//	--version    print version information
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
	outDir    string
	bigTIFF   bool
	overwrite bool
	verbose   bool
	input     string
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-h" || arg == "--help" {
			usageMessage(os.Stdout, true)
			os.Exit(0)
		}
		if arg == "--version" {
			fmt.Printf("bioconvert (go-bioimage) %s\n", version)
			fmt.Println("https://github.com/bardlab/go-bioimage")
			os.Exit(0)
		}
	}

	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bioconvert: %v\n", err)
		usageMessage(os.Stderr, false)
		os.Exit(1)
	}

	klog.InitFlags(nil)
	flag.CommandLine.Set("logtostderr", "true")
	if opts.verbose {
		flag.CommandLine.Set("v", "1")
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "bioconvert: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (*options, error) {
	opts := &options{}
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
		case "-overwrite":
			opts.overwrite = true
			i++
		case "-v":
			opts.verbose = true
			i++
		default:
			if strings.HasPrefix(arg, "-") {
				return nil, fmt.Errorf("unknown option: %s", arg)
			}
			if opts.input != "" {
				return nil, fmt.Errorf("only one input is allowed")
			}
			opts.input = arg
			i++
		}
	}
	if opts.input == "" {
		return nil, fmt.Errorf("no input specified")
	}
	return opts, nil
}

func run(opts *options) error {
	info, err := os.Stat(opts.input)
	if err != nil {
		return err
	}
	copts := bioutil.ConvertOptions{
		OutDir:    opts.outDir,
		BigTIFF:   opts.bigTIFF,
		Overwrite: opts.overwrite,
	}
	if info.IsDir() {
		return bioutil.ConvertDir(opts.input, copts)
	}

	res, err := bioutil.Convert(opts.input, copts)
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Printf("skipped %s (output exists)\n", res.Input)
		return nil
	}
	fmt.Printf("wrote %s\n", res.Output)
	fmt.Printf("wrote %s\n", res.Metadata)
	return nil
}

func usageMessage(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Usage: bioconvert [options] input\n\n")
	fmt.Fprintf(w, "Convert microscopy containers (LIF, CZI) to OME-TIFF with an\n")
	fmt.Fprintf(w, "OME-XML metadata sidecar. A directory input converts every\n")
	fmt.Fprintf(w, "recognized container beneath it.\n\n")

	if verbose {
		fmt.Fprintln(w, "Options:")
		fmt.Fprintln(w, "  -o <dir>     output directory (default: next to each input)")
		fmt.Fprintln(w, "  -bigtiff     write 64-bit offset BigTIFF files")
		fmt.Fprintln(w, "  -overwrite   replace existing outputs instead of skipping them")
		fmt.Fprintln(w, "  -v           verbose output")
		fmt.Fprintln(w, "  -h, --help   print this message")
		fmt.Fprintln(w, "      --version print version information")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Examples:")
		fmt.Fprintln(w, "  bioconvert sample.czi")
		fmt.Fprintln(w, "  bioconvert -o converted -overwrite ./acquisitions")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Report bugs via https://github.com/bardlab/go-bioimage/issues")
	}
}
