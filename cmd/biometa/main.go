// biometa extracts the OME-XML metadata of a microscopy container and
// prints it pretty-printed to standard output.
//
// Usage:
//
//	biometa [options] input
//
// Options:
//
//	-o <path>    write to a file instead of standard output
//	-raw         print the metadata verbatim, without re-indenting
//	-h, --help   print this message
//	--version    print version information
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bardlab/go-bioimage/bioimg"
	"github.com/bardlab/go-bioimage/omexml"

	_ "github.com/bardlab/go-bioimage/czi"
	_ "github.com/bardlab/go-bioimage/lif"
	_ "github.com/bardlab/go-bioimage/ometiff"
)

const version = "0.1.0"

type options struct {
	output string
	raw    bool
	input  string
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-h" || arg == "--help" {
			usageMessage(os.Stdout, true)
			os.Exit(0)
		}
		if arg == "--version" {
			fmt.Printf("biometa (go-bioimage) %s\n", version)
			fmt.Println("https://github.com/bardlab/go-bioimage")
			os.Exit(0)
		}
	}

	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "biometa: %v\n", err)
		usageMessage(os.Stderr, false)
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "biometa: %v\n", err)
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
			opts.output = args[i+1]
			i += 2
		case "-raw":
			opts.raw = true
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
	r, err := bioimg.Open(opts.input)
	if err != nil {
		return err
	}
	defer r.Close()

	doc, err := r.OMEXML()
	if err != nil {
		return fmt.Errorf("metadata of %s: %w", opts.input, err)
	}
	if !opts.raw {
		if doc, err = omexml.Pretty(doc); err != nil {
			return fmt.Errorf("pretty-print metadata of %s: %w", opts.input, err)
		}
	}
	if !strings.HasSuffix(doc, "\n") {
		doc += "\n"
	}

	if opts.output != "" {
		return os.WriteFile(opts.output, []byte(doc), 0o644)
	}
	_, err = io.WriteString(os.Stdout, doc)
	return err
}

func usageMessage(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Usage: biometa [options] input\n\n")
	fmt.Fprintf(w, "Print the OME-XML metadata of a microscopy container.\n\n")

	if verbose {
		fmt.Fprintln(w, "Options:")
		fmt.Fprintln(w, "  -o <path>    write to a file instead of standard output")
		fmt.Fprintln(w, "  -raw         print the metadata verbatim, without re-indenting")
		fmt.Fprintln(w, "  -h, --help   print this message")
		fmt.Fprintln(w, "      --version print version information")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Examples:")
		fmt.Fprintln(w, "  biometa sample.lif")
		fmt.Fprintln(w, "  biometa -raw -o meta.xml sample.ome.tif")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Report bugs via https://github.com/bardlab/go-bioimage/issues")
	}
}
