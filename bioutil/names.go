package bioutil

import (
	"regexp"
	"strings"
)

var unsafeRuns = regexp.MustCompile(`[^\w.-]+`)

// SafeName maps an arbitrary scene or channel name onto a filename-safe
// token: runs of characters outside [A-Za-z0-9_.-] collapse to a single
// underscore, leading and trailing underscores are stripped, and a name
// with nothing left becomes "unnamed".
func SafeName(name string) string {
	s := unsafeRuns.ReplaceAllString(name, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "unnamed"
	}
	return s
}

// NormalizeChannelNames flattens CLI channel-name arguments. Each argument
// may itself be a comma-separated list; entries are trimmed and empties
// dropped, so "DAPI,GFP" and ["DAPI", "GFP"] normalize identically.
func NormalizeChannelNames(args []string) []string {
	var out []string
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
