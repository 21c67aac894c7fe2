package file

import (
    "bufio"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-vr/pkg/discovery"
)

// DefaultEnv is consulted when Options.Env is empty.
const DefaultEnv = "VR_SEEDS"

// Options configures file/ENV-based discovery.
type Options struct {
    // Path is a file or glob with one seed per line (or comma-separated).
    // Lines starting with '#' are ignored.
    Path string
    // Env overrides the file when set and non-empty.
    Env string
    // Refresh bounds how long a read is cached (default 5s).
    Refresh time.Duration
}

type impl struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Env == "" { opts.Env = DefaultEnv }
    return &impl{opts: opts}
}

func (i *impl) Seeds() []string {
    i.mu.Lock(); defer i.mu.Unlock()
    if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
        return discovery.Dedup(discovery.SplitCSV(v))
    }
    if i.opts.Path == "" { return nil }
    now := time.Now()
    if st, err := os.Stat(i.opts.Path); err == nil {
        if st.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
            i.cache = discovery.Dedup(readSeeds(i.opts.Path))
            i.last, i.mtime = now, st.ModTime()
        }
        return append([]string(nil), i.cache...)
    }
    if matches, _ := filepath.Glob(i.opts.Path); len(matches) > 0 {
        var all []string
        for _, m := range matches { all = append(all, readSeeds(m)...) }
        i.cache = discovery.Dedup(all)
        i.last = now
    }
    return append([]string(nil), i.cache...)
}

func readSeeds(path string) []string {
    f, err := os.Open(path)
    if err != nil { return nil }
    defer f.Close()
    var out []string
    s := bufio.NewScanner(f)
    for s.Scan() {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        out = append(out, discovery.SplitCSV(line)...)
    }
    if s.Err() != nil { return nil }
    return out
}
