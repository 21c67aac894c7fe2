package static

import (
    "strings"

    "github.com/amirimatin/go-vr/pkg/discovery"
)

type seeds []string

func (s seeds) Seeds() []string { return append([]string(nil), s...) }

// New returns a Discovery that always returns the given seeds, in the given
// order, with blanks removed.
func New(in ...string) discovery.Discovery {
    out := make(seeds, 0, len(in))
    for _, v := range in {
        if v = strings.TrimSpace(v); v != "" { out = append(out, v) }
    }
    return out
}

// Parse converts a comma-separated list into seeds.
func Parse(csv string) []string { return discovery.SplitCSV(csv) }
