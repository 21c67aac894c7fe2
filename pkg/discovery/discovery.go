package discovery

import (
    "sort"
    "strings"
)

// Discovery abstracts how memberlist seed addresses are provided.
type Discovery interface {
    Seeds() []string
}

// SplitCSV splits a comma-separated list, dropping blanks.
func SplitCSV(csv string) []string {
    if csv == "" { return nil }
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}

// Dedup returns the distinct seeds in sorted order.
func Dedup(seeds []string) []string {
    if len(seeds) == 0 { return nil }
    set := make(map[string]struct{}, len(seeds))
    out := make([]string, 0, len(seeds))
    for _, s := range seeds {
        if _, ok := set[s]; ok { continue }
        set[s] = struct{}{}
        out = append(out, s)
    }
    sort.Strings(out)
    return out
}

type chain []Discovery

func (c chain) Seeds() []string {
    var all []string
    for _, d := range c { all = append(all, d.Seeds()...) }
    return Dedup(all)
}

// Chain merges several sources; nil entries are skipped.
func Chain(ds ...Discovery) Discovery {
    var c chain
    for _, d := range ds {
        if d != nil { c = append(c, d) }
    }
    return c
}
