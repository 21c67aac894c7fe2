package node

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/amirimatin/go-vr/pkg/consensus"
    "github.com/amirimatin/go-vr/pkg/internal/logutil"
    "github.com/amirimatin/go-vr/pkg/observability/tracing"
    "github.com/amirimatin/go-vr/pkg/state/namespaces"
    "github.com/amirimatin/go-vr/pkg/transport"
    "github.com/amirimatin/go-vr/pkg/vr"
)

func (n *Node) handlers() transport.Handlers {
    return transport.Handlers{
        Status: func(ctx context.Context) ([]byte, error) {
            st, err := n.Status(ctx)
            if err != nil { return nil, err }
            return json.Marshal(st)
        },
        Join:         n.handleJoin,
        Leave:        n.handleLeave,
        ReplicaState: n.handleReplicaState,
        Namespace:    n.handleNamespace,
    }
}

func (n *Node) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    _, end := tracing.StartSpan(ctx, "node.handleJoin")
    defer end()
    // Only the registry leader changes the voter set.
    if n.cons == nil || !n.cons.IsLeader() {
        logutil.Warnf(n.opts.Logger, "join rejected (not leader): id=%s", req.ID)
        return transport.JoinResponse{Accepted: false, Leader: n.leaderMgmt(), Error: ErrNotLeader.Error()}, nil
    }
    if rc, ok := n.cons.(consensus.Reconfigurer); ok {
        if err := rc.AddVoter(req.ID, req.RaftAddr, 3*time.Second); err != nil {
            logutil.Errorf(n.opts.Logger, "add voter failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
            return transport.JoinResponse{Accepted: false, Error: err.Error()}, nil
        }
    }
    logutil.Infof(n.opts.Logger, "join accepted: id=%s addr=%s", req.ID, req.RaftAddr)
    return transport.JoinResponse{Accepted: true}, nil
}

func (n *Node) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    _, end := tracing.StartSpan(ctx, "node.handleLeave")
    defer end()
    if n.cons == nil || !n.cons.IsLeader() {
        logutil.Warnf(n.opts.Logger, "leave rejected (not leader): id=%s", req.ID)
        return transport.LeaveResponse{Accepted: false, Error: ErrNotLeader.Error()}, nil
    }
    n.removeServer(req.ID)
    logutil.Infof(n.opts.Logger, "leave accepted: id=%s", req.ID)
    return transport.LeaveResponse{Accepted: true}, nil
}

func (n *Node) handleReplicaState(ctx context.Context, req transport.ReplicaStateRequest) (transport.ReplicaStateResponse, error) {
    // Only answer for replicas hosted here; a node never forwards a
    // forwarded query.
    if req.Pid.Node.Name != "" && req.Pid.Node.Name != n.opts.NodeID {
        return transport.ReplicaStateResponse{}, fmt.Errorf("%w: %s", ErrNotLocal, req.Pid)
    }
    sum, err := n.ReplicaState(ctx, req.Pid)
    if err != nil { return transport.ReplicaStateResponse{}, err }
    raw, err := json.Marshal(sum.Ctx)
    if err != nil { return transport.ReplicaStateResponse{}, err }
    return transport.ReplicaStateResponse{State: sum.State, Ctx: raw}, nil
}

func (n *Node) handleNamespace(ctx context.Context, req transport.NamespaceRequest) (transport.NamespaceResponse, error) {
    switch req.Op {
    case transport.NamespaceGet:
        rec, ok := n.reg.Get(req.Namespace)
        if !ok { return transport.NamespaceResponse{}, fmt.Errorf("%w: %s", ErrUnknownNamespace, req.Namespace) }
        return transport.NamespaceResponse{Record: &rec}, nil
    case transport.NamespaceCreate, transport.NamespaceReconfigure:
        // A forwarded write must land on the leader; never forward again.
        if n.cons == nil || !n.cons.IsLeader() {
            return transport.NamespaceResponse{Leader: n.leaderMgmt()}, ErrNotLeader
        }
        var err error
        var resp transport.NamespaceResponse
        if req.Op == transport.NamespaceCreate {
            rec, e := n.CreateNamespace(ctx, req.Namespace, req.Replicas)
            resp.Record, err = &rec, e
        } else {
            rec, e := n.Reconfigure(ctx, req.Namespace, req.ReplicaOp, req.Replicas)
            resp.Record, err = &rec, e
        }
        if err != nil { return transport.NamespaceResponse{}, err }
        return resp, nil
    default:
        return transport.NamespaceResponse{}, fmt.Errorf("node: unknown namespace op %q", req.Op)
    }
}

// wireSentinels are the errors a peer's management endpoint may report
// that callers match with errors.Is.
var wireSentinels = []error{
    ErrNotLeader, ErrUnknownNamespace, ErrNotMember, ErrNotLocal, ErrNotHosted,
    namespaces.ErrExists, namespaces.ErrUnknown, namespaces.ErrEmptyName, namespaces.ErrStaleEpoch,
    vr.ErrOpRegressed, vr.ErrDuplicateReplica, vr.ErrEmptyReplicas,
}

// wireErr maps an error decoded from a management response back onto the
// sentinel it was produced from.
func wireErr(err error) error {
    if err == nil { return nil }
    for _, s := range wireSentinels {
        if errors.Is(err, s) { return err }
        if strings.HasPrefix(err.Error(), s.Error()) {
            return fmt.Errorf("%w%s", s, strings.TrimPrefix(err.Error(), s.Error()))
        }
    }
    return err
}
