package vr

import (
    "fmt"

    "github.com/amirimatin/go-vr/pkg/process"
)

// VersionedReplicas is the authoritative replica set of a namespace for one
// reconfiguration epoch. A namespace starts at epoch 1; each
// reconfiguration produces a new value with a higher epoch so that copies
// gossiped around can be ordered and the latest one chosen. Op is the
// protocol operation number at which the set became effective.
//
// Values are never updated in place: Reconfigure and Clone return fresh
// copies and callers must not modify Replicas of a value they did not build.
type VersionedReplicas struct {
    Epoch    uint64        `json:"epoch" msgpack:"epoch"`
    Op       uint64        `json:"op" msgpack:"op"`
    Replicas []process.Pid `json:"replicas" msgpack:"replicas"`
}

// NewVersionedReplicas returns the zero record: epoch 0, op 0, no replicas.
func NewVersionedReplicas() VersionedReplicas {
    return VersionedReplicas{Replicas: []process.Pid{}}
}

// Bootstrap returns the first authoritative record of a namespace.
func Bootstrap(replicas []process.Pid) (VersionedReplicas, error) {
    if err := validateReplicas(replicas); err != nil {
        return VersionedReplicas{}, err
    }
    return VersionedReplicas{Epoch: 1, Op: 0, Replicas: clonePids(replicas)}, nil
}

// Reconfigure returns the record that replaces r when the replica set
// changes at protocol op.
func (r VersionedReplicas) Reconfigure(op uint64, replicas []process.Pid) (VersionedReplicas, error) {
    if op < r.Op {
        return VersionedReplicas{}, fmt.Errorf("%w: op=%d current=%d", ErrOpRegressed, op, r.Op)
    }
    if err := validateReplicas(replicas); err != nil {
        return VersionedReplicas{}, err
    }
    return VersionedReplicas{Epoch: r.Epoch + 1, Op: op, Replicas: clonePids(replicas)}, nil
}

// Supersedes reports whether r is more authoritative than o. Only the
// epoch decides; op and replica contents are ignored.
func (r VersionedReplicas) Supersedes(o VersionedReplicas) bool { return r.Epoch > o.Epoch }

// Equal reports structural equality, including replica order.
func (r VersionedReplicas) Equal(o VersionedReplicas) bool {
    if r.Epoch != o.Epoch || r.Op != o.Op || len(r.Replicas) != len(o.Replicas) {
        return false
    }
    for i := range r.Replicas {
        if r.Replicas[i] != o.Replicas[i] {
            return false
        }
    }
    return true
}

// Clone returns a deep copy of r.
func (r VersionedReplicas) Clone() VersionedReplicas {
    return VersionedReplicas{Epoch: r.Epoch, Op: r.Op, Replicas: clonePids(r.Replicas)}
}

// Contains reports whether pid is one of the replicas.
func (r VersionedReplicas) Contains(pid process.Pid) bool {
    for _, p := range r.Replicas {
        if p == pid {
            return true
        }
    }
    return false
}

// Latest returns the record with the highest epoch. Ties keep the earlier
// argument. With no arguments it returns the zero record.
func Latest(records ...VersionedReplicas) VersionedReplicas {
    if len(records) == 0 {
        return NewVersionedReplicas()
    }
    best := records[0]
    for _, r := range records[1:] {
        if r.Supersedes(best) {
            best = r
        }
    }
    return best.Clone()
}

func validateReplicas(replicas []process.Pid) error {
    if len(replicas) == 0 {
        return ErrEmptyReplicas
    }
    seen := make(map[process.Pid]struct{}, len(replicas))
    for _, p := range replicas {
        if _, ok := seen[p]; ok {
            return fmt.Errorf("%w: %s", ErrDuplicateReplica, p)
        }
        seen[p] = struct{}{}
    }
    return nil
}

func clonePids(in []process.Pid) []process.Pid {
    out := make([]process.Pid, len(in))
    copy(out, in)
    return out
}
