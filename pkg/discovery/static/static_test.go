package static

import (
    "testing"

    "github.com/stretchr/testify/assert"

    "github.com/amirimatin/go-vr/pkg/discovery"
)

func TestParse_GossipSeedList(t *testing.T) {
    cases := map[string]struct {
        in   string
        want []string
    }{
        "empty":         {"", nil},
        "single":        {"10.0.0.1:7946", []string{"10.0.0.1:7946"}},
        "padded":        {" 10.0.0.1:7946 , node-b:7946 ", []string{"10.0.0.1:7946", "node-b:7946"}},
        "stray commas":  {",,10.0.0.1:7946, ,node-b:7946,", []string{"10.0.0.1:7946", "node-b:7946"}},
    }
    for name, c := range cases {
        t.Run(name, func(t *testing.T) {
            got := Parse(c.in)
            if c.want == nil {
                assert.Empty(t, got)
                return
            }
            assert.Equal(t, c.want, got)
        })
    }
}

func TestNew_KeepsOrderAndCopies(t *testing.T) {
    d := New(" node-b:7946 ", "", "node-a:7946")
    got := d.Seeds()
    assert.Equal(t, []string{"node-b:7946", "node-a:7946"}, got)

    got[0] = "mutated"
    assert.Equal(t, "node-b:7946", d.Seeds()[0])
}

func TestNew_ChainedWithFileSeeds(t *testing.T) {
    fromFile := New("node-a:7946", "node-c:7946")
    d := discovery.Chain(fromFile, New("node-b:7946", "node-a:7946"))
    assert.Equal(t, []string{"node-a:7946", "node-b:7946", "node-c:7946"}, d.Seeds())
}
