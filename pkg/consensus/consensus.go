package consensus

import (
    "context"
    "time"

    "github.com/amirimatin/go-vr/pkg/process"
    "github.com/amirimatin/go-vr/pkg/vr"
)

// Command represents a RAFT log command. Op selects the namespace registry
// operation and Payload carries its JSON-encoded arguments.
type Command struct {
    Op      string
    Payload []byte
}

const (
    OpCreateNamespace = "CreateNamespace"
    OpReconfigure     = "Reconfigure"
)

// CreateNamespace is the payload of OpCreateNamespace.
type CreateNamespace struct {
    Namespace string        `json:"namespace"`
    Replicas  []process.Pid `json:"replicas"`
}

// Reconfigure is the payload of OpReconfigure. The leader computes Record,
// epoch included, so every node replaying the entry installs the same one.
type Reconfigure struct {
    Namespace string               `json:"namespace"`
    Record    vr.VersionedReplicas `json:"record"`
}

// Consensus is the minimal abstraction over a leader-based consensus engine
// (e.g., RAFT). It exposes leadership, term information and a write path.
type Consensus interface {
    Start(ctx context.Context) error
    // Apply commits cmd and returns the state machine's response to it.
    Apply(cmd Command, timeout time.Duration) (interface{}, error)
    IsLeader() bool
    Leader() (id string, addr string, ok bool)
    Term() uint64
    Stop() error
}
