package node

import (
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-vr/pkg/consensus"
    "github.com/amirimatin/go-vr/pkg/discovery"
    "github.com/amirimatin/go-vr/pkg/membership"
    "github.com/amirimatin/go-vr/pkg/state/namespaces"
    "github.com/amirimatin/go-vr/pkg/transport"
)

// Options carries dependency-injected components and runtime configuration
// used to assemble a Node. Instances are typically produced from
// bootstrap.Config.
type Options struct {
    // NodeID names this node. Replica pids hosted here carry it as
    // Node.Name.
    NodeID string
    // RaftAddr is the advertised RAFT address sent when joining a leader.
    RaftAddr string
    // Discovery provides seed nodes for membership join.
    Discovery discovery.Discovery
    // Logger is used to report operational messages.
    Logger *log.Logger

    // Registry holds namespace records. It must be the registry the
    // consensus FSM applies to.
    Registry *namespaces.State
    // Consensus replicates registry writes. Without it the node is a
    // read-only follower of gossip.
    Consensus consensus.Consensus
    // Membership implementation (required).
    Membership membership.Membership

    // Optional management RPC.
    RPCServer transport.RPCServer
    RPCClient transport.RPCClient

    // NewMachine builds the state machine of each started replica
    // (default NewIdleMachine).
    NewMachine MachineFactory
    // TickInterval paces vr.Tick delivery to hosted replicas; zero disables
    // ticking.
    TickInterval time.Duration
    // Mailbox bounds the executor's inbound queue.
    Mailbox int
    // ApplyTimeout bounds each registry write (default 3s).
    ApplyTimeout time.Duration

    // Optional callback for app-level hooks.
    OnLeaderChange func(info consensus.LeaderInfo)
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.NodeID == "" {
        return errors.New("node: empty NodeID")
    }
    if o.Discovery == nil {
        return errors.New("node: nil Discovery")
    }
    if o.Logger == nil {
        return errors.New("node: nil Logger")
    }
    if o.Registry == nil {
        return errors.New("node: nil Registry")
    }
    if o.Membership == nil {
        return errors.New("node: nil Membership")
    }
    if o.TickInterval < 0 {
        return errors.New("node: negative TickInterval")
    }
    return nil
}
