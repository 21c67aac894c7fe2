package discovery

import (
    "reflect"
    "testing"
)

type fixed []string

func (f fixed) Seeds() []string { return f }

func TestChain_MergesSortedDistinct(t *testing.T) {
    d := Chain(fixed{"b:2", "a:1"}, nil, fixed{"a:1", "c:3"})
    got := d.Seeds()
    want := []string{"a:1", "b:2", "c:3"}
    if !reflect.DeepEqual(got, want) {
        t.Fatalf("got %#v want %#v", got, want)
    }
    if s := Chain().Seeds(); s != nil {
        t.Fatalf("empty chain should have no seeds, got %#v", s)
    }
}
