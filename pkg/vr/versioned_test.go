package vr

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-vr/pkg/process"
)

func pid(name string) process.Pid {
    return process.Pid{Name: name, Group: "ns1", Node: process.NodeID{Name: "dev1", Addr: "127.0.0.1:11000"}}
}

func TestNewVersionedReplicas_Zero(t *testing.T) {
    r := NewVersionedReplicas()
    assert.Equal(t, uint64(0), r.Epoch)
    assert.Equal(t, uint64(0), r.Op)
    assert.Empty(t, r.Replicas)
    assert.True(t, r.Equal(VersionedReplicas{}))
}

func TestBootstrap_StartsAtEpochOne(t *testing.T) {
    r, err := Bootstrap([]process.Pid{pid("r1"), pid("r2"), pid("r3")})
    require.NoError(t, err)
    assert.Equal(t, uint64(1), r.Epoch)
    assert.Equal(t, uint64(0), r.Op)
    assert.Len(t, r.Replicas, 3)

    _, err = Bootstrap(nil)
    assert.ErrorIs(t, err, ErrEmptyReplicas)
    _, err = Bootstrap([]process.Pid{pid("r1"), pid("r1")})
    assert.ErrorIs(t, err, ErrDuplicateReplica)
}

func TestReconfigure_ProducesNewValue(t *testing.T) {
    in := []process.Pid{pid("r1"), pid("r2"), pid("r3")}
    r1, err := Bootstrap(in)
    require.NoError(t, err)

    r2, err := r1.Reconfigure(42, []process.Pid{pid("r1"), pid("r2"), pid("r4")})
    require.NoError(t, err)
    assert.Equal(t, uint64(2), r2.Epoch)
    assert.Equal(t, uint64(42), r2.Op)
    assert.True(t, r2.Supersedes(r1))

    // the previous record is untouched and still a valid snapshot
    assert.Equal(t, uint64(1), r1.Epoch)
    assert.Equal(t, pid("r3"), r1.Replicas[2])

    // caller's slice is not aliased
    in[0] = pid("zz")
    assert.Equal(t, pid("r1"), r1.Replicas[0])

    _, err = r2.Reconfigure(41, in)
    assert.ErrorIs(t, err, ErrOpRegressed)
}

func TestSupersedes_EpochOnly(t *testing.T) {
    a := VersionedReplicas{Epoch: 3, Op: 1, Replicas: []process.Pid{pid("r1")}}
    b := VersionedReplicas{Epoch: 2, Op: 100, Replicas: []process.Pid{pid("r1"), pid("r2")}}
    c := VersionedReplicas{Epoch: 3, Op: 7, Replicas: []process.Pid{pid("r9")}}

    assert.True(t, a.Supersedes(b))
    assert.False(t, b.Supersedes(a))
    assert.False(t, a.Supersedes(c))
    assert.False(t, c.Supersedes(a))
    assert.False(t, a.Supersedes(a))
}

func TestEqual_Structural(t *testing.T) {
    a := VersionedReplicas{Epoch: 1, Op: 2, Replicas: []process.Pid{pid("r1"), pid("r2")}}
    assert.True(t, a.Equal(a.Clone()))
    assert.False(t, a.Equal(VersionedReplicas{Epoch: 1, Op: 2, Replicas: []process.Pid{pid("r2"), pid("r1")}}))
    assert.False(t, a.Equal(VersionedReplicas{Epoch: 1, Op: 3, Replicas: a.Replicas}))
    assert.False(t, a.Equal(VersionedReplicas{Epoch: 2, Op: 2, Replicas: a.Replicas}))
}

func TestLatest(t *testing.T) {
    a := VersionedReplicas{Epoch: 1, Replicas: []process.Pid{pid("a")}}
    b := VersionedReplicas{Epoch: 4, Replicas: []process.Pid{pid("b")}}
    c := VersionedReplicas{Epoch: 4, Replicas: []process.Pid{pid("c")}}

    assert.True(t, Latest(a, b, c).Equal(b))
    assert.True(t, Latest(c, a).Equal(c))
    assert.True(t, Latest().Equal(NewVersionedReplicas()))
    assert.True(t, b.Contains(pid("b")))
    assert.False(t, b.Contains(pid("a")))
}
