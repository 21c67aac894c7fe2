package node

import (
    "github.com/amirimatin/go-vr/pkg/membership"
    "github.com/amirimatin/go-vr/pkg/process"
    "github.com/amirimatin/go-vr/pkg/vr"
)

// Status is a JSON-serializable snapshot of one node: registry leadership,
// the gossip view, known namespace records and hosted replicas.
type Status struct {
    // Node is this node's identity; Addr is its management address.
    Node       process.NodeID                   `json:"node"`
    // Healthy indicates whether a registry leader is known.
    Healthy    bool                             `json:"healthy"`
    Term       uint64                           `json:"term"`
    LeaderID   string                           `json:"leaderId,omitempty"`
    // LeaderAddr is the management address of the leader, if known.
    LeaderAddr string                           `json:"leaderAddr,omitempty"`
    Members    []membership.MemberInfo          `json:"members,omitempty"`
    Namespaces map[string]vr.VersionedReplicas `json:"namespaces,omitempty"`
    Replicas   []process.Pid                    `json:"replicas,omitempty"`
    Warnings   []string                         `json:"warnings,omitempty"`
}
