package state

import (
    "github.com/amirimatin/go-vr/pkg/process"
    "github.com/amirimatin/go-vr/pkg/vr"
)

// NamespaceState holds the authoritative replica record of every
// namespace. Apply* methods are driven by the consensus log and must be
// idempotent, since a node may already hold a record by gossip when the
// log entry that produced it is replayed. ApplyObserve is the gossip path
// and only installs records that supersede the current one.
type NamespaceState interface {
    ApplyCreate(ns string, replicas []process.Pid) (vr.VersionedReplicas, error)
    ApplyReconfigure(ns string, rec vr.VersionedReplicas) (vr.VersionedReplicas, error)
    ApplyObserve(ns string, rec vr.VersionedReplicas) (bool, error)
    Get(ns string) (vr.VersionedReplicas, bool)
    All() map[string]vr.VersionedReplicas
    Snapshot() ([]byte, error)
    Restore(buf []byte) error
}
