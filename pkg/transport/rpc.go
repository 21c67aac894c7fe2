package transport

import (
    "context"
    "encoding/json"

    "github.com/amirimatin/go-vr/pkg/process"
    "github.com/amirimatin/go-vr/pkg/vr"
)

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on node types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// JoinRequest asks the registry leader to add a node's RAFT address as a
// voter.
type JoinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raftAddr"`
}

// JoinResponse indicates acceptance and optionally leader address or error.
type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// JoinFunc handles node join requests (leader-only).
type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest requests removal of a node from the registry voters.
type LeaveRequest struct {
    ID string `json:"id"`
}

// LeaveResponse indicates whether the leave/remove was accepted.
type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

// LeaveFunc handles node leave requests (leader-only).
type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// ReplicaStateRequest targets one replica hosted by the serving node.
type ReplicaStateRequest struct {
    Pid process.Pid `json:"pid"`
}

// ReplicaStateResponse carries the replica's state name and its JSON
// encoded context.
type ReplicaStateResponse struct {
    State string          `json:"state,omitempty"`
    Ctx   json.RawMessage `json:"ctx,omitempty"`
    Error string          `json:"error,omitempty"`
}

// ReplicaStateFunc answers replica state queries.
type ReplicaStateFunc func(ctx context.Context, req ReplicaStateRequest) (ReplicaStateResponse, error)

// Namespace operations.
const (
    NamespaceGet         = "get"
    NamespaceCreate      = "create"
    NamespaceReconfigure = "reconfigure"
)

// NamespaceRequest reads or changes a namespace record. Op is one of the
// Namespace* constants; ReplicaOp is the VR op number a reconfiguration
// takes effect at.
type NamespaceRequest struct {
    Op        string        `json:"op"`
    Namespace string        `json:"namespace"`
    ReplicaOp uint64        `json:"replicaOp,omitempty"`
    Replicas  []process.Pid `json:"replicas,omitempty"`
}

// NamespaceResponse returns the resulting record. Leader is set when a
// write was refused by a follower.
type NamespaceResponse struct {
    Record *vr.VersionedReplicas `json:"record,omitempty"`
    Leader string                `json:"leader,omitempty"`
    Error  string                `json:"error,omitempty"`
}

// NamespaceFunc handles namespace requests.
type NamespaceFunc func(ctx context.Context, req NamespaceRequest) (NamespaceResponse, error)

// Handlers bundles the functions an RPCServer dispatches to. Nil handlers
// are reported as unsupported.
type Handlers struct {
    Status       StatusFunc
    Join         JoinFunc
    Leave        LeaveFunc
    ReplicaState ReplicaStateFunc
    Namespace    NamespaceFunc
}

// RPCServer exposes management endpoints for intra-cluster calls and
// tooling.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs intra-cluster calls to other nodes using the chosen
// management protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
    GetReplicaState(ctx context.Context, addr string, req ReplicaStateRequest) (ReplicaStateResponse, error)
    PostNamespace(ctx context.Context, addr string, req NamespaceRequest) (NamespaceResponse, error)
}
